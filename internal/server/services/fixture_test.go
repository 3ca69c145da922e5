package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/server/offline"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/smartbin/internal/timex"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeState struct {
	online atomic.Bool
	nudges atomic.Int32
}

func (s *fakeState) IsOnline() bool { return s.online.Load() }
func (s *fakeState) Nudge()         { s.nudges.Add(1) }

type fixture struct {
	clock *timex.ManualClock
	store *repomanager.InMemoryRepositoryManager
	state *fakeState
	queue *offline.MemoryStore

	tokens     *TokenManager
	arbitrator *ConnectionArbitrator
	devices    *DeviceService
	bins       *BinService
	drainer    *offline.Drainer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock: timex.NewManualClock(epoch),
		store: repomanager.NewInMemoryRepositoryManager(),
		state: &fakeState{},
	}
	f.state.online.Store(true)
	f.queue = offline.NewMemoryStore(f.clock)

	logger := logging.NewDiscardLogger()
	f.tokens = NewTokenManager(f.store, f.clock)
	f.arbitrator = NewConnectionArbitrator(f.store, f.tokens, f.state, f.clock, logger)
	f.devices = NewDeviceService(f.store, f.tokens, f.arbitrator, f.queue, InlineImages{}, f.state, f.clock, logger)
	f.bins = NewBinService(f.store, f.queue, f.state, f.clock, logger)

	f.drainer = offline.NewDrainer(f.queue, f.state, logger)
	f.devices.RegisterReplayers(f.drainer)
	f.bins.RegisterReplayers(f.drainer)
	return f
}

func (f *fixture) goOffline() { f.state.online.Store(false) }
func (f *fixture) goOnline()  { f.state.online.Store(true) }

// device adds a reviewed device whose token "tok-<name>" is valid for the
// default validity from now.
func (f *fixture) device(t *testing.T, name string) *models.Device {
	t.Helper()
	d := f.store.PutDevice(models.Device{Name: name, Reviewed: true, Latitude: 31.2, Longitude: 121.5})
	_, err := f.tokens.AcceptToken(context.Background(), d.ID, "tok-"+name, nil)
	require.NoError(t, err)
	return d
}

func (f *fixture) user(id, name string, points int64) {
	f.store.PutUser(models.User{ID: id, UserName: name, Points: points})
}

func (f *fixture) connect(t *testing.T, userID string, d *models.Device) *models.Connection {
	t.Helper()
	c, err := f.arbitrator.Connect(context.Background(), userID, d.ID, "tok-"+d.Name)
	require.NoError(t, err)
	return c
}

func (f *fixture) pending(t *testing.T) []*models.QueuedIntent {
	t.Helper()
	p, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	return p
}

func ptr[T any](v T) *T { return &v }
