// ABOUTME: JSON frames exchanged with chat clients over the WebSocket
// ABOUTME: Inbound chat frames and outbound chat, ack and error frames

package session

import (
	"time"

	"github.com/2389/coven-chat/internal/conversation"
)

// Outbound frame types
const (
	FrameChatMessage = conversation.EventTypeChatMessage
	FrameAck         = "ack"
	FrameError       = "error"
)

// InboundFrame is what a client sends. Message is a pointer so a missing
// field can be told apart from an empty message.
type InboundFrame struct {
	Message  *string `json:"message"`
	ClientID string  `json:"client_id,omitempty"`
}

// ChatFrame is a message delivered to every session of the conversation.
type ChatFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	MessageID string `json:"message_id"`
}

// AckFrame confirms a frame that carried a client_id.
type AckFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id"`
	MessageID string `json:"message_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ErrorFrame reports a problem with one inbound frame. The connection stays open.
type ErrorFrame struct {
	Type     string `json:"type"`
	Error    string `json:"error"`
	ClientID string `json:"client_id,omitempty"`
}

// chatFrame renders a bus event for the wire.
func chatFrame(ev *conversation.Event) ChatFrame {
	return ChatFrame{
		Type:      FrameChatMessage,
		Message:   ev.Message,
		Sender:    ev.Sender,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		MessageID: ev.MessageID,
	}
}
