// Package domain defines the entities EverMem's core operates on: the
// transient Message and the durable MemCell / EventLogRecord /
// ForesightRecord / UserProfile / ConversationMeta families.
package domain

import "time"

// Role distinguishes the sender of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Reference is one entry of a Message's refer_list — an opaque pointer to
// material the message cites (a document, a tool result, etc).
type Reference struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Text string `json:"text,omitempty"`
}

// Message is a single raw chat turn. Transient: consumed by extraction,
// never surfaced in retrieval.
type Message struct {
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	GroupName      string            `json:"group_name,omitempty"`
	SenderID       string            `json:"sender_id"`
	SenderName     string            `json:"sender_name,omitempty"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	CreateTime     time.Time         `json:"create_time"`
	ReferList      []Reference       `json:"refer_list,omitempty"`
	Extra          map[string]any    `json:"extra,omitempty"`
}
