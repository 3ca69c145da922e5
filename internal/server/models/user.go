package models

import "time"

// User is owned by the authentication service; this service reads it and
// updates points.
type User struct {
	ID        string
	UserName  string
	Points    int64
	CreatedAt time.Time
}
