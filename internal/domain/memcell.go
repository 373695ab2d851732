package domain

import "time"

// EventLog is the embedded atomic-fact list carried on a MemCell; its two
// slices must stay index-aligned.
type EventLog struct {
	AtomicFact     []string    `json:"atomic_fact"`
	FactEmbeddings [][]float32 `json:"fact_embeddings"`
}

// SceneType is the ConversationMeta scene the episode was extracted from.
type SceneType string

const (
	SceneAssistant SceneType = "assistant"
	SceneCompanion SceneType = "companion"
	SceneGroupChat SceneType = "group_chat"
)

// MemCellType is the only currently-implemented MemCell type.
type MemCellType string

const MemCellTypeConversation MemCellType = "Conversation"

// MemCell is the durable record of one closed episode.
type MemCell struct {
	EventID            string         `json:"event_id"`
	UserID             *string        `json:"user_id,omitempty"`
	GroupID            *string        `json:"group_id,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	Subject            string         `json:"subject"`
	Summary            string         `json:"summary"`
	Episode            string         `json:"episode"`
	Participants       []string       `json:"participants"`
	Keywords           []string       `json:"keywords,omitempty"`
	Type               MemCellType    `json:"type"`
	OriginalData       []Message      `json:"original_data"`
	SemanticMemories   []string       `json:"semantic_memories,omitempty"`
	EventLog           EventLog       `json:"event_log"`
	Embedding          []float32      `json:"embedding"`
	DeletedAt          *time.Time     `json:"deleted_at,omitempty"`
	DeletedBy          *string        `json:"deleted_by,omitempty"`
	DeletedID          int64          `json:"deleted_id,omitempty"`
}

// SearchContent builds the field-weighted keyword-index content for a
// MemCell: subject×3 + summary×2 + episode×1, or the joined atomic facts
// when present.
func (m MemCell) SearchContent() string {
	if len(m.EventLog.AtomicFact) > 0 {
		out := ""
		for i, f := range m.EventLog.AtomicFact {
			if i > 0 {
				out += " "
			}
			out += f
		}
		return out
	}
	parts := []string{m.Subject, m.Subject, m.Subject, m.Summary, m.Summary, m.Episode}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// IsDeleted reports whether the cell is soft-deleted.
func (m MemCell) IsDeleted() bool { return m.DeletedAt != nil }
