// Package session serves one participant's live connection to a conversation.
//
// # Lifecycle
//
//	Connecting -> Authorized -> Joined -> Closed
//	Connecting -> Rejected -> Closed
//
// The Handler authorizes the caller and subscribes to the conversation's
// GroupBus before upgrading, so a rejected caller is answered with a plain
// 401 or 403 and never sees a WebSocket frame.
//
// # Frames
//
// Inbound:
//
//	{"message": "hi", "client_id": "optional-retry-key"}
//
// Outbound:
//
//	{"type": "chat_message", "message": "hi", "sender": "alice", "timestamp": "...", "message_id": "..."}
//	{"type": "ack", "client_id": "...", "message_id": "..."}
//	{"type": "error", "error": "missing \"message\" field"}
//
// A bad frame gets an error frame; the connection stays open. The sender
// receives its own message back through the bus like everyone else.
package session
