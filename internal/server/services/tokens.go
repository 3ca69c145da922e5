package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/cryptox"
	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/smartbin/internal/timex"
)

// TokenStatus is the result of checking a presented device token.
type TokenStatus int

const (
	TokenValid TokenStatus = iota
	TokenInvalid
	TokenExpired
)

func (s TokenStatus) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Err maps the status to the matching sentinel, nil for a valid token.
func (s TokenStatus) Err() error {
	switch s {
	case TokenValid:
		return nil
	case TokenExpired:
		return common.ErrTokenExpired
	default:
		return common.ErrInvalidToken
	}
}

// TokenManager stores the short-lived token each device generates and
// checks tokens presented by users. The device is the source of truth; the
// backend never issues tokens.
type TokenManager struct {
	repomanager repomanager.RepositoryManager
	clock       timex.Clock
}

func NewTokenManager(m repomanager.RepositoryManager, clock timex.Clock) *TokenManager {
	return &TokenManager{repomanager: m, clock: clock}
}

// AcceptToken overwrites the device token. A nil expiresAt means
// now + common.DefaultDeviceTokenValidity. It returns the stored expiry.
func (t *TokenManager) AcceptToken(ctx context.Context, deviceID int64, token string, expiresAt *time.Time) (time.Time, error) {
	return t.accept(ctx, t.repomanager.Conn(), deviceID, token, expiresAt)
}

func (t *TokenManager) accept(ctx context.Context, db dbx.DBTX, deviceID int64, token string, expiresAt *time.Time) (time.Time, error) {
	if token == "" {
		return time.Time{}, validationError("token is empty")
	}

	exp := t.expiry(expiresAt)
	if err := t.repomanager.Devices(db).UpdateToken(ctx, deviceID, token, exp); err != nil {
		return time.Time{}, fmt.Errorf("error storing device token: %w", err)
	}
	return exp, nil
}

func (t *TokenManager) expiry(expiresAt *time.Time) time.Time {
	if expiresAt != nil && !expiresAt.IsZero() {
		return *expiresAt
	}
	return t.clock.Now().Add(common.DefaultDeviceTokenValidity)
}

// ValidateToken checks presented against the token stored for the device.
func (t *TokenManager) ValidateToken(ctx context.Context, deviceID int64, presented string) (TokenStatus, error) {
	return t.validate(ctx, t.repomanager.Conn(), deviceID, presented)
}

func (t *TokenManager) validate(ctx context.Context, db dbx.DBTX, deviceID int64, presented string) (TokenStatus, error) {
	d, err := t.repomanager.Devices(db).GetByID(ctx, deviceID)
	if err != nil {
		return TokenInvalid, fmt.Errorf("error loading device %d: %w", deviceID, err)
	}
	return CheckToken(d, presented, t.clock.Now()), nil
}

// CheckToken is the pure token rule: the strings must match and now must be
// strictly before the expiry. A device without an expiry never validates.
func CheckToken(d *models.Device, presented string, now time.Time) TokenStatus {
	if !cryptox.TokensEqual(d.Token, presented) {
		return TokenInvalid
	}
	if d.TokenExpiresAt == nil || !now.Before(*d.TokenExpiresAt) {
		return TokenExpired
	}
	return TokenValid
}
