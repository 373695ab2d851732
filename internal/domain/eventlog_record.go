package domain

import "time"

// ParentType identifies the durable entity family an EventLogRecord or
// ForesightRecord hangs off of via ParentID.
type ParentType string

const ParentTypeMemCell ParentType = "memcell"

// EventLogRecord is one atomic fact, exactly one per fact in a MemCell's
// event_log.
type EventLogRecord struct {
	ID           string         `json:"id"`
	ParentType   ParentType     `json:"parent_type"`
	ParentID     string         `json:"parent_id"`
	UserID       *string        `json:"user_id,omitempty"`
	GroupID      *string        `json:"group_id,omitempty"`
	AtomicFact   string         `json:"atomic_fact"`
	Timestamp    time.Time      `json:"timestamp"`
	Vector       []float32      `json:"vector"`
	VectorModel  string         `json:"vector_model"`
	Participants []string       `json:"participants,omitempty"`
	EventType    string         `json:"event_type,omitempty"`
	Extend       map[string]any `json:"extend,omitempty"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
	DeletedBy    *string        `json:"deleted_by,omitempty"`
	DeletedID    int64          `json:"deleted_id,omitempty"`
}

func (r EventLogRecord) IsDeleted() bool { return r.DeletedAt != nil }
