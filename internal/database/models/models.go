package models

import "time"

// CallLog is one completed call as stored in the call log.
type CallLog struct {
	ID          int64
	RecordID    string
	Number      string
	Direction   string
	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     time.Time
	DurationMs  int64
	SimSlot     int
	Disposition string
}

// Duration returns the connected duration.
func (c CallLog) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}
