package domain

import "time"

// ForesightRecord is a speculative prediction about an episode's future
// impact, with a validity window.
type ForesightRecord struct {
	ID            string     `json:"id"`
	ParentType    ParentType `json:"parent_type"`
	ParentID      string     `json:"parent_id"`
	UserID        *string    `json:"user_id,omitempty"`
	GroupID       *string    `json:"group_id,omitempty"`
	Content       string     `json:"content"`
	Evidence      string     `json:"evidence"`
	StartTime     *Date      `json:"start_time,omitempty"`
	EndTime       *Date      `json:"end_time,omitempty"`
	DurationDays  *int       `json:"duration_days,omitempty"`
	Vector        []float32  `json:"vector"`
	VectorModel   string     `json:"vector_model"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	DeletedBy     *string    `json:"deleted_by,omitempty"`
	DeletedID     int64      `json:"deleted_id,omitempty"`
}

func (r ForesightRecord) IsDeleted() bool { return r.DeletedAt != nil }

// FillDerivedTemporalField derives whichever of start/end/duration is
// missing from the other two. No-op if fewer than two of the three
// fields are present.
func (r *ForesightRecord) FillDerivedTemporalField() {
	switch {
	case r.StartTime != nil && r.EndTime != nil && r.DurationDays == nil:
		d := DaysBetween(*r.StartTime, *r.EndTime)
		r.DurationDays = &d
	case r.StartTime != nil && r.DurationDays != nil && r.EndTime == nil:
		end := NewDate(r.StartTime.Time.AddDate(0, 0, *r.DurationDays))
		r.EndTime = &end
	case r.EndTime != nil && r.DurationDays != nil && r.StartTime == nil:
		start := NewDate(r.EndTime.Time.AddDate(0, 0, -*r.DurationDays))
		r.StartTime = &start
	}
}

// Overlaps reports whether the record's validity window overlaps
// [queryStart, queryEnd] using date-overlap semantics: record.start <=
// query.end AND record.end >= query.start.
func (r ForesightRecord) Overlaps(queryStart, queryEnd Date) bool {
	if r.StartTime != nil && r.StartTime.Time.After(queryEnd.Time) {
		return false
	}
	if r.EndTime != nil && r.EndTime.Time.Before(queryStart.Time) {
		return false
	}
	return true
}
