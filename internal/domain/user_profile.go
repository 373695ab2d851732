package domain

import "time"

// UserProfile is a versioned, per-(user,group) profile. Upsert bumps
// version; only the latest version is retained in this core.
type UserProfile struct {
	UserID             string         `json:"user_id"`
	GroupID            string         `json:"group_id"`
	Version            int64          `json:"version"`
	ProfileData        map[string]any `json:"profile_data"`
	Confidence         float64        `json:"confidence"`
	ClusterIDs         []string       `json:"cluster_ids,omitempty"`
	MemCellCount       int64          `json:"memcell_count"`
	LastUpdatedCluster string         `json:"last_updated_cluster,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
}
