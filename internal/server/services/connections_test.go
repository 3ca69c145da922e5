package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairs(conns []models.Connection) map[string]int64 {
	out := make(map[string]int64, len(conns))
	for _, c := range conns {
		out[c.UserID] = c.DeviceID
	}
	return out
}

func TestConnect_ReplacesUsersPreviousDevice(t *testing.T) {
	f := newFixture(t)
	d1, d2 := f.device(t, "d1"), f.device(t, "d2")

	f.connect(t, "u", d1)
	f.connect(t, "u", d2)

	conns := f.store.AllConnections()
	require.Len(t, conns, 1)
	assert.Equal(t, d2.ID, conns[0].DeviceID)

	who, err := f.arbitrator.DeviceConnection(context.Background(), d1.ID)
	require.NoError(t, err)
	assert.Nil(t, who)
}

func TestConnect_ReplacesDevicesPreviousUser(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, "d")

	f.connect(t, "u1", d)
	f.connect(t, "u2", d)

	assert.Equal(t, map[string]int64{"u2": d.ID}, pairs(f.store.AllConnections()))
}

func TestConnect_TwiceLeavesOneRow(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, "d")

	first := f.connect(t, "u", d)
	f.clock.Advance(time.Second)
	second := f.connect(t, "u", d)

	conns := f.store.AllConnections()
	require.Len(t, conns, 1)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, epoch.Add(time.Second), conns[0].ConnectedAt)
	assert.Equal(t, conns[0].ConnectedAt, conns[0].LastActiveAt)
}

func TestConnect_RejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, "d")

	_, err := f.arbitrator.Connect(ctx, "u", d.ID, "wrong")
	assert.ErrorIs(t, err, common.ErrInvalidToken)

	f.clock.Advance(common.DefaultDeviceTokenValidity)
	_, err = f.arbitrator.Connect(ctx, "u", d.ID, "tok-d")
	assert.ErrorIs(t, err, common.ErrTokenExpired)

	_, err = f.arbitrator.Connect(ctx, "u", 999, "tok-d")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	_, err = f.arbitrator.Connect(ctx, "", d.ID, "tok-d")
	assert.ErrorIs(t, err, common.ErrorValidation)

	assert.Empty(t, f.store.AllConnections())
}

func TestConnect_FailedTokenKeepsExistingConnections(t *testing.T) {
	f := newFixture(t)
	d1, d2 := f.device(t, "d1"), f.device(t, "d2")
	f.connect(t, "u", d1)

	_, err := f.arbitrator.Connect(context.Background(), "u", d2.ID, "wrong")
	require.ErrorIs(t, err, common.ErrInvalidToken)

	assert.Equal(t, map[string]int64{"u": d1.ID}, pairs(f.store.AllConnections()))
}

func TestConnect_OfflineIsUnavailable(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, "d")
	f.goOffline()

	_, err := f.arbitrator.Connect(context.Background(), "u", d.ID, "tok-d")
	assert.ErrorIs(t, err, common.ErrStoreUnavailable)
	assert.Empty(t, f.pending(t), "connections are never queued")
}

func TestConnect_StoreLostMidCallNudgesChecker(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, "d")
	f.store.SetUnavailable(true)

	_, err := f.arbitrator.Connect(context.Background(), "u", d.ID, "tok-d")
	assert.True(t, dbx.IsUnavailable(err))
	assert.Equal(t, int32(1), f.state.nudges.Load())
}

func TestSweep_RemovesOnlyIdleConnections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1, d2 := f.device(t, "d1"), f.device(t, "d2")

	f.connect(t, "idle", d1)
	f.clock.Advance(2 * time.Minute)
	f.connect(t, "fresh", d2)
	f.clock.Advance(4 * time.Minute)

	// idle has been inactive for 6 minutes, fresh for 4
	require.NoError(t, f.arbitrator.Sweep(ctx))

	assert.Equal(t, map[string]int64{"fresh": d2.ID}, pairs(f.store.AllConnections()))
}

func TestSweep_TouchKeepsConnectionAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, "d")
	f.connect(t, "u", d)

	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.arbitrator.Touch(ctx, "u", d.ID))
	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.arbitrator.Sweep(ctx))

	assert.Len(t, f.store.AllConnections(), 1)
}

func TestSweep_SkippedWhileOffline(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, "d")
	f.connect(t, "u", d)
	f.clock.Advance(10 * time.Minute)

	f.goOffline()
	require.NoError(t, f.arbitrator.Sweep(context.Background()))
	assert.Len(t, f.store.AllConnections(), 1)
}

func TestSweep_StoreErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	f.store.SetUnavailable(true)

	err := f.arbitrator.Sweep(context.Background())
	assert.ErrorIs(t, err, common.ErrStoreUnavailable)
	assert.Equal(t, int32(1), f.state.nudges.Load())
}

func TestTouch_MissingPair(t *testing.T) {
	f := newFixture(t)
	err := f.arbitrator.Touch(context.Background(), "u", 1)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestTouchIn_GonePairIsNotAnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, "d")
	f.connect(t, "u", d)

	touched, err := f.arbitrator.touchIn(ctx, f.store.Conn(), "u", d.ID)
	require.NoError(t, err)
	assert.True(t, touched)

	_, err = f.arbitrator.Disconnect(ctx, "u", nil)
	require.NoError(t, err)

	touched, err = f.arbitrator.touchIn(ctx, f.store.Conn(), "u", d.ID)
	require.NoError(t, err)
	assert.False(t, touched)
}

func TestConnect_ConcurrentClaimsKeepOnePairPerSide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1, d2 := f.device(t, "d1"), f.device(t, "d2")

	const users = 20
	var wg sync.WaitGroup
	errs := make(chan error, users*4)
	for i := range users {
		user := fmt.Sprintf("u%d", i)
		wg.Add(4)
		go func() {
			defer wg.Done()
			_, err := f.arbitrator.Connect(ctx, user, d1.ID, "tok-d1")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.arbitrator.Connect(ctx, user, d2.ID, "tok-d2")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.arbitrator.ConnectIfAbsent(ctx, user, d1.ID)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			errs <- f.arbitrator.Sweep(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	conns := f.store.AllConnections()
	require.NotEmpty(t, conns)
	assert.LessOrEqual(t, len(conns), 2)

	perUser := map[string]int{}
	perDevice := map[int64]int{}
	for _, c := range conns {
		perUser[c.UserID]++
		perDevice[c.DeviceID]++
	}
	for u, n := range perUser {
		assert.Equal(t, 1, n, "user %s", u)
	}
	for d, n := range perDevice {
		assert.Equal(t, 1, n, "device %d", d)
	}
}

func TestConnectIfAbsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1, d2 := f.device(t, "d1"), f.device(t, "d2")

	f.connect(t, "u", d1)
	f.clock.Advance(time.Minute)

	same, err := f.arbitrator.ConnectIfAbsent(ctx, "u", d1.ID)
	require.NoError(t, err)
	assert.Equal(t, epoch, same.ConnectedAt, "existing pair keeps connected_at")
	assert.Equal(t, epoch.Add(time.Minute), same.LastActiveAt)

	f.connect(t, "other", d2)
	moved, err := f.arbitrator.ConnectIfAbsent(ctx, "u", d2.ID)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute), moved.ConnectedAt)
	assert.Equal(t, map[string]int64{"u": d2.ID}, pairs(f.store.AllConnections()))

	_, err = f.arbitrator.ConnectIfAbsent(ctx, "u", 404)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1, d2 := f.device(t, "d1"), f.device(t, "d2")
	f.connect(t, "u", d1)

	_, err := f.arbitrator.Disconnect(ctx, "u", &d2.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)

	n, err := f.arbitrator.Disconnect(ctx, "u", &d1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.arbitrator.Disconnect(ctx, "u", nil)
	assert.ErrorIs(t, err, common.ErrorNotFound, "no connections left")

	f.connect(t, "u", d2)
	n, err = f.arbitrator.Disconnect(ctx, "u", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, f.store.AllConnections())
}

func TestDisconnectAll_ReturnsEvictedUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, "d")
	f.user("u1", "alice", 7)

	f.connect(t, "u1", d)

	users, err := f.arbitrator.DisconnectAll(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].UserID)
	assert.Equal(t, "alice", users[0].UserName)
	assert.Equal(t, epoch, users[0].ConnectedAt)
	assert.Empty(t, f.store.AllConnections())

	users, err = f.arbitrator.DisconnectAll(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, users)

	_, err = f.arbitrator.DisconnectAll(ctx, 404)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestDeviceConnection_OfflineIsUnavailable(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, "d")
	f.connect(t, "u", d)

	f.goOffline()
	_, err := f.arbitrator.DeviceConnection(context.Background(), d.ID)
	assert.ErrorIs(t, err, common.ErrStoreUnavailable)
}

func TestDeviceConnection_MostRecentWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, "d")
	f.user("new", "newer", 0)

	// rows written around the arbitrator, as a concurrent writer could
	repo := f.store.Connections(nil)
	_, err := repo.Create(ctx, &models.Connection{UserID: "old", DeviceID: d.ID, ConnectedAt: epoch, LastActiveAt: epoch})
	require.NoError(t, err)
	_, err = repo.Create(ctx, &models.Connection{UserID: "new", DeviceID: d.ID, ConnectedAt: epoch.Add(time.Second), LastActiveAt: epoch})
	require.NoError(t, err)

	who, err := f.arbitrator.DeviceConnection(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, who)
	assert.Equal(t, "new", who.UserID)
	assert.Equal(t, "newer", who.UserName)
}

func TestUserDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, "d")
	f.user("u", "bob", 12)
	f.connect(t, "u", d)

	got, err := f.arbitrator.UserDevices(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Points)
	require.Len(t, got.Devices, 1)
	assert.Equal(t, UserDevice{
		DeviceID:     d.ID,
		DeviceName:   "d",
		Latitude:     31.2,
		Longitude:    121.5,
		ConnectedAt:  epoch,
		LastActiveAt: epoch,
	}, got.Devices[0])

	f.goOffline()
	_, err = f.arbitrator.UserDevices(ctx, "u")
	assert.ErrorIs(t, err, common.ErrStoreUnavailable)
}

func TestScenario_AnnounceConnectTakeover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.store.PutDevice(models.Device{Name: "lobby", Reviewed: true})

	_, err := f.devices.DeviceOnline(ctx, DeviceOnlineRequest{DeviceID: d.ID, Token: "T"})
	require.NoError(t, err)

	_, err = f.arbitrator.Connect(ctx, "U", d.ID, "T")
	require.NoError(t, err)
	mine, err := f.arbitrator.UserDevices(ctx, "U")
	require.NoError(t, err)
	require.Len(t, mine.Devices, 1)

	_, err = f.arbitrator.Connect(ctx, "U2", d.ID, "T")
	require.NoError(t, err)

	mine, err = f.arbitrator.UserDevices(ctx, "U")
	require.NoError(t, err)
	assert.Empty(t, mine.Devices)

	theirs, err := f.arbitrator.UserDevices(ctx, "U2")
	require.NoError(t, err)
	require.Len(t, theirs.Devices, 1)
	assert.Equal(t, d.ID, theirs.Devices[0].DeviceID)
}
