package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/scheduler"
	"github.com/dmitrijs2005/smartbin/internal/server/metrics"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
)

// MaxReplayPasses is how many drain passes an intent may fail with a
// transient error before it is discarded.
const MaxReplayPasses = 5

// Replayer applies one queued intent to the store. It must be idempotent:
// an intent can be applied more than once if removal fails after success.
type Replayer func(ctx context.Context, intent *models.QueuedIntent) error

// Availability is the part of the availability monitor the drainer uses.
type Availability interface {
	IsOnline() bool
	Nudge()
}

// Drainer replays queued intents in enqueue order once the store is back.
type Drainer struct {
	store     Store
	monitor   Availability
	logger    logging.Logger
	replayers map[string]Replayer

	// one pass at a time
	passMu   sync.Mutex
	failures map[string]int

	newBackOff func() backoff.BackOff
}

func NewDrainer(store Store, monitor Availability, logger logging.Logger) *Drainer {
	return &Drainer{
		store:     store,
		monitor:   monitor,
		logger:    logger.With("module", "drainer"),
		replayers: make(map[string]Replayer),
		failures:  make(map[string]int),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 10 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

// Register sets the replayer for an intent type. Call before Run.
func (d *Drainer) Register(intentType string, r Replayer) {
	d.replayers[intentType] = r
}

// Run drains on every interval tick and whenever recovered fires.
func (d *Drainer) Run(ctx context.Context, s *scheduler.Scheduler, interval time.Duration, recovered <-chan struct{}) error {
	return s.Run(ctx, scheduler.Task{
		Name:       "drain",
		Interval:   interval,
		Run:        d.Drain,
		Trigger:    recovered,
		RunAtStart: true,
	})
}

// Drain makes one pass over the queue. It stops at the first intent that
// cannot be applied for a transient reason so later intents never overtake
// earlier ones.
func (d *Drainer) Drain(ctx context.Context) error {
	if !d.monitor.IsOnline() {
		return nil
	}

	d.passMu.Lock()
	defer d.passMu.Unlock()

	pending, err := d.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("read offline queue: %w", err)
	}
	if len(pending) == 0 {
		metrics.SetQueueDepth(0)
		return nil
	}

	d.logger.Info(ctx, "replaying offline queue", "pending", len(pending))

	applied := 0
	defer func() {
		metrics.SetQueueDepth(len(pending) - applied)
	}()

	for _, intent := range pending {
		if ctx.Err() != nil {
			return nil
		}

		err := d.apply(ctx, intent)
		switch {
		case err == nil:
			metrics.IncReplay(intent.Type, metrics.ReplayApplied)
			delete(d.failures, intent.ID)

		case dbx.IsUnavailable(err):
			metrics.IncReplay(intent.Type, metrics.ReplayDeferred)
			d.monitor.Nudge()
			d.logger.Warn(ctx, "store unavailable during replay, pass stopped",
				"intent_id", intent.ID, "type", intent.Type, "error", err)
			return nil

		case isPermanent(err):
			metrics.IncReplay(intent.Type, metrics.ReplayDiscarded)
			d.logger.Error(ctx, "discarding queued intent",
				"intent_id", intent.ID, "type", intent.Type, "error", err)
			delete(d.failures, intent.ID)

		default:
			d.failures[intent.ID]++
			if d.failures[intent.ID] < MaxReplayPasses {
				metrics.IncReplay(intent.Type, metrics.ReplayDeferred)
				return fmt.Errorf("replay %s %s: %w", intent.Type, intent.ID, err)
			}
			metrics.IncReplay(intent.Type, metrics.ReplayDiscarded)
			d.logger.Error(ctx, "discarding queued intent after repeated failures",
				"intent_id", intent.ID, "type", intent.Type, "passes", d.failures[intent.ID], "error", err)
			delete(d.failures, intent.ID)
		}

		if err := d.store.Remove(ctx, intent.ID); err != nil {
			return fmt.Errorf("remove replayed intent %s: %w", intent.ID, err)
		}
		applied++
	}

	d.logger.Info(ctx, "offline queue drained", "replayed", applied)
	return nil
}

func (d *Drainer) apply(ctx context.Context, intent *models.QueuedIntent) error {
	replay, ok := d.replayers[intent.Type]
	if !ok {
		return fmt.Errorf("%w: no replayer for intent type %q", common.ErrorValidation, intent.Type)
	}

	op := func() error {
		err := replay(ctx, intent)
		if err != nil && (isPermanent(err) || dbx.IsUnavailable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(d.newBackOff(), ctx))
}

func isPermanent(err error) bool {
	return errors.Is(err, common.ErrorValidation) ||
		errors.Is(err, common.ErrorNotFound) ||
		errors.Is(err, common.ErrInvalidToken) ||
		errors.Is(err, common.ErrTokenExpired)
}
