package models

import "time"

// HistorySource tells where a classification came from.
type HistorySource string

const (
	SourceOnline HistorySource = "online"
	SourceDevice HistorySource = "device"
)

// History is one classification record credited to a user.
type History struct {
	ID         int64
	UserID     string
	ImageRef   string
	Category   string
	Confidence float64
	Source     HistorySource
	// IntentID is set when the record was written by queue replay.
	IntentID  string
	CreatedAt time.Time

	// Duplicate is set by Create when a row with the same IntentID already
	// existed and was returned instead of inserting.
	Duplicate bool
}
