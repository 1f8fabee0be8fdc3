// Package store provides persistent storage for coven-chat using SQLite.
//
// # Architecture
//
// The store package is interface driven:
//
//   - ConversationStore: conversations and their participant sets
//   - MessageStore: the per-conversation append-only message log
//   - NotificationStore: notifications produced when messages are sent
//
// Store composes all three. SQLiteStore implements it for production and
// MockStore implements it in memory for tests.
//
// # Data Models
//
//   - Conversation: a set of participants, ordered by last activity
//   - Message: one entry of a conversation log; Read is the only mutable field
//   - Notification: "actor sent you a message" records for each recipient
//
// # Participant sets
//
// Participants are normalized (deduplicated and sorted) on write, so two
// conversations have the same members exactly when their ParticipantKey is
// equal. By default several conversations may share a participant set and
// lookups return the oldest. WithStrictParticipantSets adds a uniqueness
// constraint and CreateConversation reports ErrDuplicateConversation.
//
// # Ordering
//
// Messages are ordered by CreatedAt and then by insertion sequence. The store
// never assigns a CreatedAt earlier than the newest message already in the
// conversation.
//
// # Thread Safety
//
// SQLiteStore relies on SQLite's WAL mode and busy timeout for concurrent
// access. MockStore uses a sync.RWMutex.
package store
