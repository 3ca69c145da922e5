// Package common contains shared constants and sentinel errors used across
// smartbin components.
package common

import "time"

// AccessTokenHeaderName is the gRPC metadata key used to carry the user's
// access token on inbound requests.
const AccessTokenHeaderName = "access_token"

const (
	// DefaultDeviceTokenValidity is applied when a device pushes a token
	// without an explicit expiry.
	DefaultDeviceTokenValidity = 5 * time.Minute

	// ConnectionInactivityThreshold is how long a connection may stay idle
	// before the sweeper evicts it.
	ConnectionInactivityThreshold = 5 * time.Minute

	// ConnectionSweepInterval is the fixed cadence of the eviction sweep.
	ConnectionSweepInterval = 60 * time.Second
)
