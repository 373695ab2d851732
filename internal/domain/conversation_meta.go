package domain

import "time"

// UserDetail is one entry of ConversationMeta.user_details.
type UserDetail struct {
	FullName string         `json:"full_name"`
	Role     string         `json:"role"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// ConversationMeta labels a conversation's participants and scene; read at
// extraction time, never indexed for search.
type ConversationMeta struct {
	GroupID         string                `json:"group_id"`
	Scene           SceneType             `json:"scene"`
	Name            string                `json:"name"`
	Description     string                `json:"description,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	DefaultTimezone string                `json:"default_timezone"`
	UserDetails     map[string]UserDetail `json:"user_details,omitempty"`
	Tags            []string              `json:"tags,omitempty"`
}
