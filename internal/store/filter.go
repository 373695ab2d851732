// Package store implements C5: the durable, tenant-scoped record of
// MemCells, EventLogRecords, ForesightRecords, UserProfiles, and
// ConversationMeta, with soft-delete semantics and the three-valued scope
// filter contract shared by every find operation.
package store

import (
	"time"

	everrors "evermem/internal/errors"
)

// AllSentinel is the scope-filter sentinel meaning "do not filter by this
// field".
const AllSentinel = "__all__"

// ScopeValue is one resolved field of the three-valued scope contract:
//   - omitted/AllSentinel -> Filter=false (no constraint)
//   - null/""             -> Filter=true, Null=true
//   - any other value     -> Filter=true, Value=that value
type ScopeValue struct {
	Filter bool
	Null   bool
	Value  string
}

// All returns a ScopeValue that applies no filter.
func All() ScopeValue { return ScopeValue{} }

// Exact returns a ScopeValue matching exactly value.
func Exact(value string) ScopeValue { return ScopeValue{Filter: true, Value: value} }

// IsNull returns a ScopeValue matching null/empty rows.
func IsNull() ScopeValue { return ScopeValue{Filter: true, Null: true} }

// FromPointer resolves a ScopeValue from a *string the way the façade
// receives scope fields off the wire: a nil pointer or the literal sentinel
// means no filter, an empty string means null, and any other value is an
// exact match, so callers don't need wire-level parsing logic duplicated
// across API handlers.
func FromPointer(raw *string) ScopeValue {
	if raw == nil {
		return All()
	}
	if *raw == AllSentinel {
		return All()
	}
	if *raw == "" {
		return IsNull()
	}
	return Exact(*raw)
}

// ScopeFilter is the common (user_id, group_id) filter embedded in every
// find-by-filter call.
type ScopeFilter struct {
	UserID  ScopeValue
	GroupID ScopeValue
}

// Validate rejects the ScopeTooBroad case: both fields resolve to "match
// everything".
func (f ScopeFilter) Validate() error {
	if !f.UserID.Filter && !f.GroupID.Filter {
		return everrors.New(everrors.KindScopeTooBroad, "store.ScopeFilter.Validate", errScopeTooBroad)
	}
	return nil
}

var errScopeTooBroad = scopeTooBroadErr{}

type scopeTooBroadErr struct{}

func (scopeTooBroadErr) Error() string {
	return "user_id and group_id cannot both resolve to \"match everything\""
}

// TimeRange bounds a timestamp-filtered query; either end may be zero to
// mean unbounded.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Page bounds a find-by-filter result set.
type Page struct {
	Limit    int
	Offset   int
	SortDesc bool
}

// matchesScope reports whether value (already lower-cased by caller if
// desired) satisfies sv under the three-valued contract.
func matchesScope(sv ScopeValue, value string) bool {
	if !sv.Filter {
		return true
	}
	if sv.Null {
		return value == ""
	}
	return value == sv.Value
}
