// Package services contains the server-side business logic: device token
// handling, connection arbitration, device reports, the public bin list and
// image recognition. Every mutating operation checks the store availability
// first and, while the store is unreachable, records an intent in the
// offline queue instead of touching the store.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/server/metrics"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/server/offline"
)

// StoreState is the read side of the availability monitor plus the nudge
// used to report an unreachable store observed mid-operation.
type StoreState interface {
	IsOnline() bool
	Nudge()
}

// WriteResult describes how a mutating call was accepted.
type WriteResult struct {
	// Queued is true when the store was unreachable and the change was
	// recorded for replay.
	Queued bool
	Intent *models.QueuedIntent
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrorValidation, fmt.Sprintf(format, args...))
}

// storeError nudges the health checker when err means the store is gone.
func storeError(state StoreState, err error) error {
	if err != nil && dbx.IsUnavailable(err) {
		state.Nudge()
	}
	return err
}

func enqueue(ctx context.Context, q offline.Store, intentType string, payload any) (*WriteResult, error) {
	intent, err := q.PushQueue(ctx, intentType, payload)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", intentType, err)
	}
	metrics.IncIntentQueued(intentType)
	return &WriteResult{Queued: true, Intent: intent}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrorNotFound)
}
