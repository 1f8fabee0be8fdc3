// Package conversation provides the conversation service and the group bus.
//
// # Service
//
// The Service is the only way messages enter the system. Both the WebSocket
// sessions and the HTTP API call it:
//
//	bus := conversation.NewGroupBus(64, logger)
//	svc := conversation.New(store, bus, logger, conversation.WithNotifier(fanout))
//
// Key operations:
//
//   - GetOrCreate(ctx, requester, others): find or create by participant set
//   - ListForUser(ctx, user): summaries ordered by last activity
//   - GetForUser(ctx, id, user): membership-checked lookup
//   - Open(ctx, id, user): history plus mark-as-read
//   - Send(ctx, id, sender, text): persist, publish, notify
//
// # Send path
//
//  1. Check the sender participates in the conversation
//  2. Append the message to the store (bumps last activity)
//  3. Publish the stored message to the GroupBus
//  4. Hand it to the Notifier
//
// A failure in step 2 stops the send. Notification failures never reach the
// sender.
//
// # Group Bus
//
// GroupBus maps a conversation ID to its live subscriptions. Publish never
// blocks: a subscriber whose buffer is full misses the event. Subscriptions
// end when their context is cancelled or on Unsubscribe.
package conversation
