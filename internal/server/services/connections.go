package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/scheduler"
	"github.com/dmitrijs2005/smartbin/internal/server/metrics"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/smartbin/internal/timex"
)

// ConnectedUser describes a user holding a connection.
type ConnectedUser struct {
	UserID       string
	UserName     string
	Points       int64
	ConnectedAt  time.Time
	LastActiveAt time.Time
}

// UserDevice is one of a user's connections joined with its device.
type UserDevice struct {
	DeviceID     int64
	DeviceName   string
	Latitude     float64
	Longitude    float64
	ConnectedAt  time.Time
	LastActiveAt time.Time
}

// UserDevices is the answer to "which devices am I connected to".
type UserDevices struct {
	Devices []UserDevice
	Points  int64
}

// ConnectionArbitrator owns the user-device connection table and keeps at
// most one connection per device and per user. Compound mutations are
// serialized by mu and run inside one store transaction.
type ConnectionArbitrator struct {
	mu sync.Mutex

	repomanager repomanager.RepositoryManager
	tokens      *TokenManager
	state       StoreState
	clock       timex.Clock
	logger      logging.Logger
}

func NewConnectionArbitrator(m repomanager.RepositoryManager, tokens *TokenManager, state StoreState,
	clock timex.Clock, logger logging.Logger) *ConnectionArbitrator {
	return &ConnectionArbitrator{
		repomanager: m,
		tokens:      tokens,
		state:       state,
		clock:       clock,
		logger:      logger.With("module", "connections"),
	}
}

func (a *ConnectionArbitrator) online() error {
	if !a.state.IsOnline() {
		return common.ErrStoreUnavailable
	}
	return nil
}

// Connect binds userID to deviceID after checking the device token. Any
// earlier connection of the user or of the device is removed first, so
// repeating the call leaves exactly one row.
func (a *ConnectionArbitrator) Connect(ctx context.Context, userID string, deviceID int64, token string) (*models.Connection, error) {
	if userID == "" || deviceID <= 0 || token == "" {
		return nil, validationError("user, device and token are required")
	}
	if err := a.online(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		conn    *models.Connection
		evicted []*models.Connection
	)
	err := a.repomanager.Runner().RunInTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		status, err := a.tokens.validate(ctx, tx, deviceID, token)
		if err != nil {
			return err
		}
		if err := status.Err(); err != nil {
			return err
		}

		evicted, err = a.evict(ctx, tx, userID, deviceID)
		if err != nil {
			return err
		}

		now := a.clock.Now()
		conn, err = a.repomanager.Connections(tx).Create(ctx, &models.Connection{
			UserID:       userID,
			DeviceID:     deviceID,
			ConnectedAt:  now,
			LastActiveAt: now,
		})
		return err
	})
	if err != nil {
		return nil, storeError(a.state, fmt.Errorf("error connecting user to device %d: %w", deviceID, err))
	}

	a.logReplaced(ctx, userID, deviceID, evicted)
	a.logger.Info(ctx, "user connected", "user_id", userID, "device_id", deviceID, "connection_id", conn.ID)
	return conn, nil
}

// ConnectIfAbsent keeps an existing pair (refreshing its activity) or
// creates it, evicting other connections of either party.
func (a *ConnectionArbitrator) ConnectIfAbsent(ctx context.Context, userID string, deviceID int64) (*models.Connection, error) {
	if userID == "" || deviceID <= 0 {
		return nil, validationError("user and device are required")
	}
	if err := a.online(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		conn    *models.Connection
		evicted []*models.Connection
	)
	err := a.repomanager.Runner().RunInTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := a.repomanager.Devices(tx).GetByID(ctx, deviceID); err != nil {
			return err
		}

		repo := a.repomanager.Connections(tx)
		now := a.clock.Now()

		existing, err := repo.Find(ctx, userID, deviceID)
		switch {
		case err == nil:
			if _, err := repo.Touch(ctx, userID, deviceID, now); err != nil {
				return err
			}
			existing.LastActiveAt = now
			conn = existing
			return nil
		case !isNotFound(err):
			return err
		}

		evicted, err = a.evict(ctx, tx, userID, deviceID)
		if err != nil {
			return err
		}
		conn, err = repo.Create(ctx, &models.Connection{
			UserID:       userID,
			DeviceID:     deviceID,
			ConnectedAt:  now,
			LastActiveAt: now,
		})
		return err
	})
	if err != nil {
		return nil, storeError(a.state, fmt.Errorf("error claiming device %d: %w", deviceID, err))
	}

	a.logReplaced(ctx, userID, deviceID, evicted)
	return conn, nil
}

// evict removes every connection of the user and of the device.
func (a *ConnectionArbitrator) evict(ctx context.Context, tx dbx.DBTX, userID string, deviceID int64) ([]*models.Connection, error) {
	repo := a.repomanager.Connections(tx)

	byUser, err := repo.DeleteByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	byDevice, err := repo.DeleteByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return append(byUser, byDevice...), nil
}

func (a *ConnectionArbitrator) logReplaced(ctx context.Context, userID string, deviceID int64, evicted []*models.Connection) {
	replaced := 0
	for _, c := range evicted {
		if c.UserID == userID && c.DeviceID == deviceID {
			continue
		}
		replaced++
		a.logger.Info(ctx, "connection replaced",
			"user_id", c.UserID, "device_id", c.DeviceID,
			"by_user_id", userID, "by_device_id", deviceID)
	}
	metrics.AddEvictions(metrics.EvictReplaced, replaced)
}

// Touch records activity on an existing pair.
func (a *ConnectionArbitrator) Touch(ctx context.Context, userID string, deviceID int64) error {
	if err := a.online(); err != nil {
		return err
	}
	return a.touch(ctx, a.repomanager.Conn(), userID, deviceID)
}

func (a *ConnectionArbitrator) touch(ctx context.Context, db dbx.DBTX, userID string, deviceID int64) error {
	touched, err := a.touchIn(ctx, db, userID, deviceID)
	if err != nil {
		return err
	}
	if !touched {
		return fmt.Errorf("connection %s/%d: %w", userID, deviceID, common.ErrorNotFound)
	}
	return nil
}

// touchIn refreshes the pair's activity inside the caller's transaction.
// A pair that is already gone is left alone and reported as not touched.
func (a *ConnectionArbitrator) touchIn(ctx context.Context, tx dbx.DBTX, userID string, deviceID int64) (bool, error) {
	n, err := a.repomanager.Connections(tx).Touch(ctx, userID, deviceID, a.clock.Now())
	if err != nil {
		return false, storeError(a.state, fmt.Errorf("error touching connection: %w", err))
	}
	return n > 0, nil
}

// Disconnect removes the user's connection to deviceID, or all of the
// user's connections when deviceID is nil. It reports how many rows went.
func (a *ConnectionArbitrator) Disconnect(ctx context.Context, userID string, deviceID *int64) (int64, error) {
	if userID == "" {
		return 0, validationError("user is required")
	}
	if err := a.online(); err != nil {
		return 0, err
	}

	repo := a.repomanager.Connections(a.repomanager.Conn())

	var n int64
	target := "all"
	if deviceID != nil {
		target = fmt.Sprint(*deviceID)
		removed, err := repo.DeletePair(ctx, userID, *deviceID)
		if err != nil {
			return 0, storeError(a.state, fmt.Errorf("error disconnecting device %d: %w", *deviceID, err))
		}
		if removed == 0 {
			return 0, fmt.Errorf("no connection to device %d: %w", *deviceID, common.ErrorNotFound)
		}
		n = removed
	} else {
		removed, err := repo.DeleteByUser(ctx, userID)
		if err != nil {
			return 0, storeError(a.state, fmt.Errorf("error disconnecting user: %w", err))
		}
		if len(removed) == 0 {
			return 0, fmt.Errorf("user has no connections: %w", common.ErrorNotFound)
		}
		n = int64(len(removed))
	}

	metrics.AddEvictions(metrics.EvictDisconnect, int(n))
	a.logger.Info(ctx, "user disconnected", "user_id", userID, "device_id", target, "removed", n)
	return n, nil
}

// DisconnectAll removes every connection of the device and returns the
// users that were evicted.
func (a *ConnectionArbitrator) DisconnectAll(ctx context.Context, deviceID int64) ([]ConnectedUser, error) {
	if deviceID <= 0 {
		return nil, validationError("device is required")
	}
	if err := a.online(); err != nil {
		return nil, err
	}

	db := a.repomanager.Conn()
	if _, err := a.repomanager.Devices(db).GetByID(ctx, deviceID); err != nil {
		return nil, storeError(a.state, fmt.Errorf("error loading device %d: %w", deviceID, err))
	}

	removed, err := a.repomanager.Connections(db).DeleteByDevice(ctx, deviceID)
	if err != nil {
		return nil, storeError(a.state, fmt.Errorf("error disconnecting device %d: %w", deviceID, err))
	}

	users := make([]ConnectedUser, 0, len(removed))
	for _, c := range removed {
		u := a.connectedUser(ctx, db, c)
		users = append(users, u)
		a.logger.Info(ctx, "user evicted by device",
			"device_id", deviceID, "user_id", u.UserID, "username", u.UserName,
			"connected_at", u.ConnectedAt, "last_active_at", u.LastActiveAt)
	}

	metrics.AddEvictions(metrics.EvictDevice, len(removed))
	a.logger.Info(ctx, "device disconnected all users", "device_id", deviceID, "count", len(removed))
	return users, nil
}

// connectedUser joins c with its user. A missing user leaves the name empty.
func (a *ConnectionArbitrator) connectedUser(ctx context.Context, db dbx.DBTX, c *models.Connection) ConnectedUser {
	cu := ConnectedUser{
		UserID:       c.UserID,
		ConnectedAt:  c.ConnectedAt,
		LastActiveAt: c.LastActiveAt,
	}
	u, err := a.repomanager.Users(db).GetByID(ctx, c.UserID)
	if err != nil {
		if !isNotFound(err) {
			a.logger.Warn(ctx, "user lookup failed", "user_id", c.UserID, "error", err)
		}
		return cu
	}
	cu.UserName = u.UserName
	cu.Points = u.Points
	return cu
}

// Sweep evicts connections idle for longer than the inactivity threshold.
// It does nothing while the store is offline.
func (a *ConnectionArbitrator) Sweep(ctx context.Context) error {
	if !a.state.IsOnline() {
		return nil
	}

	before := a.clock.Now().Add(-common.ConnectionInactivityThreshold)
	removed, err := a.repomanager.Connections(a.repomanager.Conn()).DeleteInactiveBefore(ctx, before)
	if err != nil {
		return storeError(a.state, fmt.Errorf("error sweeping inactive connections: %w", err))
	}
	if len(removed) == 0 {
		return nil
	}

	metrics.AddEvictions(metrics.EvictInactive, len(removed))
	a.logger.Info(ctx, "inactive connections evicted", "count", len(removed))
	for _, c := range removed {
		a.logger.Debug(ctx, "evicted", "user_id", c.UserID, "device_id", c.DeviceID, "last_active_at", c.LastActiveAt)
	}
	return nil
}

// RunSweeper sweeps on the fixed cadence until ctx is done.
func (a *ConnectionArbitrator) RunSweeper(ctx context.Context, s *scheduler.Scheduler) error {
	return s.Run(ctx, scheduler.Task{
		Name:     "sweep",
		Interval: common.ConnectionSweepInterval,
		Run:      a.Sweep,
	})
}

// DeviceConnection returns the user connected to deviceID, or nil. When
// several rows exist the most recent connection wins.
func (a *ConnectionArbitrator) DeviceConnection(ctx context.Context, deviceID int64) (*ConnectedUser, error) {
	if err := a.online(); err != nil {
		return nil, err
	}
	return a.deviceConnection(ctx, a.repomanager.Conn(), deviceID)
}

func (a *ConnectionArbitrator) deviceConnection(ctx context.Context, db dbx.DBTX, deviceID int64) (*ConnectedUser, error) {
	conns, err := a.repomanager.Connections(db).ListByDevice(ctx, deviceID)
	if err != nil {
		return nil, storeError(a.state, fmt.Errorf("error listing device connections: %w", err))
	}
	if len(conns) == 0 {
		return nil, nil
	}
	if len(conns) > 1 {
		a.logger.Warn(ctx, "device has more than one connection", "device_id", deviceID, "count", len(conns))
	}

	cu := a.connectedUser(ctx, db, conns[0])
	return &cu, nil
}

// UserDevices lists the user's connections, newest first, with the user's
// current points.
func (a *ConnectionArbitrator) UserDevices(ctx context.Context, userID string) (*UserDevices, error) {
	if userID == "" {
		return nil, validationError("user is required")
	}
	if err := a.online(); err != nil {
		return nil, err
	}

	db := a.repomanager.Conn()
	conns, err := a.repomanager.Connections(db).ListByUser(ctx, userID)
	if err != nil {
		return nil, storeError(a.state, fmt.Errorf("error listing user connections: %w", err))
	}

	out := &UserDevices{Devices: make([]UserDevice, 0, len(conns))}
	for _, c := range conns {
		ud := UserDevice{
			DeviceID:     c.DeviceID,
			ConnectedAt:  c.ConnectedAt,
			LastActiveAt: c.LastActiveAt,
		}
		d, err := a.repomanager.Devices(db).GetByID(ctx, c.DeviceID)
		switch {
		case err == nil:
			ud.DeviceName = d.Name
			ud.Latitude = d.Latitude
			ud.Longitude = d.Longitude
		case !isNotFound(err):
			return nil, storeError(a.state, fmt.Errorf("error loading device %d: %w", c.DeviceID, err))
		}
		out.Devices = append(out.Devices, ud)
	}

	u, err := a.repomanager.Users(db).GetByID(ctx, userID)
	switch {
	case err == nil:
		out.Points = u.Points
	case !isNotFound(err):
		return nil, storeError(a.state, fmt.Errorf("error loading user: %w", err))
	}

	return out, nil
}
