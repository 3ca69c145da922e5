package models

import "time"

// Connection binds one user to one device.
type Connection struct {
	ID           int64
	UserID       string
	DeviceID     int64
	ConnectedAt  time.Time
	LastActiveAt time.Time
}

// Stale reports whether the connection has been idle longer than threshold at now.
func (c *Connection) Stale(now time.Time, threshold time.Duration) bool {
	return c.LastActiveAt.Before(now.Add(-threshold))
}
