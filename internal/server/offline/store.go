// Package offline holds the degraded-mode state: a FIFO queue of intents
// accepted while the store was unreachable and the cached device list served
// to readers in the meantime.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/google/uuid"
)

type Store interface {
	// PushQueue appends an intent with a fresh id and timestamp.
	PushQueue(ctx context.Context, intentType string, payload any) (*models.QueuedIntent, error)
	// Pending returns queued intents in enqueue order.
	Pending(ctx context.Context) ([]*models.QueuedIntent, error)
	// Remove deletes an intent; removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)

	CachedReads(ctx context.Context) ([]models.DeviceSummary, error)
	// SetCachedReads replaces the cached list wholesale.
	SetCachedReads(ctx context.Context, list []models.DeviceSummary) error
	// UpdateCachedReads applies fn to the cached list atomically.
	UpdateCachedReads(ctx context.Context, fn func([]models.DeviceSummary) []models.DeviceSummary) error

	Close() error
}

func newIntent(intentType string, payload any, now time.Time) (*models.QueuedIntent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", intentType, err)
	}

	return &models.QueuedIntent{
		ID:         uuid.NewString(),
		Type:       intentType,
		Payload:    raw,
		EnqueuedAt: now,
	}, nil
}
