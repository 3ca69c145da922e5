// Package models defines server-side data models persisted in the database
// or held by the offline store.
package models

import "time"

// DeviceStatus is the lifecycle status a bin reports about itself.
type DeviceStatus string

const (
	DeviceOffline DeviceStatus = "offline"
	DeviceOnline  DeviceStatus = "online"
)

// Device is a physical waste bin.
type Device struct {
	ID          int64
	Name        string
	Description string
	Latitude    float64
	Longitude   float64
	ImagePath   string
	Type        string
	Reviewed    bool
	Status      DeviceStatus
	CallbackURL string

	// Token is pushed by the device itself; the backend only stores it.
	Token          string
	TokenExpiresAt *time.Time

	LastOnlineAt       *time.Time
	LastLocationUpdate *time.Time

	// ErrorReport is append-only.
	ErrorReport []DeviceError

	CreatedAt time.Time
}

// DeviceError is one entry of a device's error report.
type DeviceError struct {
	// UserID is set when a user, not the device, filed the report.
	UserID     string    `json:"user_id,omitempty"`
	Message    string    `json:"message"`
	ReportedAt time.Time `json:"reported_at"`
}

// DeviceSummary is the public projection of a device, and the element type
// of the cached read set served while the store is unreachable.
type DeviceSummary struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Image       string    `json:"image"`
	Type        string    `json:"type"`
	Reviewed    bool      `json:"review"`
	CreatedAt   time.Time `json:"created_at"`

	// PendingIntentID is set on entries added optimistically while offline.
	PendingIntentID string `json:"pending_intent_id,omitempty"`
}

// Summary projects d to its public form.
func (d *Device) Summary() DeviceSummary {
	return DeviceSummary{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Latitude:    d.Latitude,
		Longitude:   d.Longitude,
		Image:       d.ImagePath,
		Type:        d.Type,
		Reviewed:    d.Reviewed,
		CreatedAt:   d.CreatedAt,
	}
}
