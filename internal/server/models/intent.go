package models

import (
	"encoding/json"
	"time"
)

// Intent types recorded while the store is unreachable.
const (
	IntentDeviceOnline         = "deviceOnline"
	IntentSyncToken            = "syncToken"
	IntentUpdateLocation       = "updateLocation"
	IntentRecordClassification = "recordClassification"
	IntentReportError          = "reportError"
	IntentAddDevice            = "addDevice"
)

// QueuedIntent is a mutation accepted while the store was unreachable.
// It is never modified after creation: it is either replayed or discarded.
type QueuedIntent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}
