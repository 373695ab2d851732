package extract

import "github.com/google/uuid"

// newULID generates the durable ID used for EventIDs/EventLogRecord IDs/
// ForesightRecord IDs.
func newULID() string {
	return uuid.NewString()
}
