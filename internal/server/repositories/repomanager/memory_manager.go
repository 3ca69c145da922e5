package repomanager

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/connections"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/devices"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/histories"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/users"
)

// InMemoryRepositoryManager keeps all records in process memory. It backs
// DatabaseDSN=memory and service tests. SetUnavailable makes every call fail
// with common.ErrStoreUnavailable to simulate an outage.
type InMemoryRepositoryManager struct {
	mu sync.Mutex

	unavailable atomic.Bool

	users   map[string]*models.User
	devices map[int64]*models.Device
	// intent id -> device id, for idempotent replay of queued registrations
	deviceIntents map[string]int64
	connections   []*models.Connection
	histories     []*models.History

	nextDeviceID     int64
	nextConnectionID int64
	nextHistoryID    int64
}

func NewInMemoryRepositoryManager() *InMemoryRepositoryManager {
	return &InMemoryRepositoryManager{
		users:         make(map[string]*models.User),
		devices:       make(map[int64]*models.Device),
		deviceIntents: make(map[string]int64),
	}
}

func (m *InMemoryRepositoryManager) RunMigrations(ctx context.Context) error {
	return nil
}

func (m *InMemoryRepositoryManager) Ping(ctx context.Context) error {
	return m.check()
}

func (m *InMemoryRepositoryManager) Runner() dbx.TxRunner {
	return dbx.NoTxRunner{}
}

func (m *InMemoryRepositoryManager) Conn() dbx.DBTX {
	return nil
}

func (m *InMemoryRepositoryManager) Users(dbx.DBTX) users.Repository {
	return memUsers{m}
}

func (m *InMemoryRepositoryManager) Devices(dbx.DBTX) devices.Repository {
	return memDevices{m}
}

func (m *InMemoryRepositoryManager) Connections(dbx.DBTX) connections.Repository {
	return memConnections{m}
}

func (m *InMemoryRepositoryManager) Histories(dbx.DBTX) histories.Repository {
	return memHistories{m}
}

// SetUnavailable toggles the simulated outage.
func (m *InMemoryRepositoryManager) SetUnavailable(v bool) {
	m.unavailable.Store(v)
}

// PutUser inserts or replaces a user. Users are normally created by the
// authentication service.
func (m *InMemoryRepositoryManager) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.users[u.ID] = &u
}

// PutDevice inserts or replaces a device, assigning an id when d.ID is zero.
func (m *InMemoryRepositoryManager) PutDevice(d models.Device) *models.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == 0 {
		m.nextDeviceID++
		d.ID = m.nextDeviceID
	} else if d.ID > m.nextDeviceID {
		m.nextDeviceID = d.ID
	}
	if d.Status == "" {
		d.Status = models.DeviceOffline
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.devices[d.ID] = &d
	return copyDevice(&d)
}

// AllConnections returns a snapshot of every connection row.
func (m *InMemoryRepositoryManager) AllConnections() []models.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, *c)
	}
	return out
}

// AllHistories returns a snapshot of every history row.
func (m *InMemoryRepositoryManager) AllHistories() []models.History {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.History, 0, len(m.histories))
	for _, h := range m.histories {
		out = append(out, *h)
	}
	return out
}

func (m *InMemoryRepositoryManager) check() error {
	if m.unavailable.Load() {
		return common.ErrStoreUnavailable
	}
	return nil
}

func copyDevice(d *models.Device) *models.Device {
	cp := *d
	cp.ErrorReport = slices.Clone(d.ErrorReport)
	return &cp
}

type memUsers struct{ m *InMemoryRepositoryManager }

func (r memUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	if err := r.m.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *u
	return &cp, nil
}

func (r memUsers) AddPoints(ctx context.Context, id string, delta int64) (int64, error) {
	if err := r.m.check(); err != nil {
		return 0, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[id]
	if !ok {
		return 0, common.ErrorNotFound
	}
	u.Points += delta
	return u.Points, nil
}

type memDevices struct{ m *InMemoryRepositoryManager }

func (r memDevices) Create(ctx context.Context, d *models.Device, intentID string) (*models.Device, error) {
	if err := r.m.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if id, ok := r.m.deviceIntents[intentID]; ok && intentID != "" {
		return copyDevice(r.m.devices[id]), nil
	}

	r.m.nextDeviceID++
	cp := copyDevice(d)
	cp.ID = r.m.nextDeviceID
	cp.Status = models.DeviceOffline
	cp.CreatedAt = time.Now()
	if intentID != "" {
		r.m.deviceIntents[intentID] = cp.ID
	}
	r.m.devices[cp.ID] = cp
	return copyDevice(cp), nil
}

func (r memDevices) GetByID(ctx context.Context, id int64) (*models.Device, error) {
	if err := r.m.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.devices[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return copyDevice(d), nil
}

func (r memDevices) update(id int64, fn func(d *models.Device)) error {
	if err := r.m.check(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.devices[id]
	if !ok {
		return common.ErrorNotFound
	}
	fn(d)
	return nil
}

func (r memDevices) UpdateToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	return r.update(id, func(d *models.Device) {
		d.Token = token
		d.TokenExpiresAt = &expiresAt
	})
}

func (r memDevices) MarkOnline(ctx context.Context, id int64, callbackURL string, at time.Time) error {
	return r.update(id, func(d *models.Device) {
		d.Status = models.DeviceOnline
		d.LastOnlineAt = &at
		if callbackURL != "" {
			d.CallbackURL = callbackURL
		}
	})
}

func (r memDevices) UpdateLocation(ctx context.Context, id int64, lat, lng float64, at time.Time) error {
	return r.update(id, func(d *models.Device) {
		d.Latitude = lat
		d.Longitude = lng
		d.LastLocationUpdate = &at
		d.Status = models.DeviceOnline
	})
}

func (r memDevices) AppendError(ctx context.Context, id int64, e models.DeviceError) error {
	return r.update(id, func(d *models.Device) {
		d.ErrorReport = append(d.ErrorReport, e)
	})
}

func (r memDevices) ListReviewed(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	if err := r.m.check(); err != nil {
		return nil, 0, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	var reviewed []*models.Device
	for _, d := range r.m.devices {
		if d.Reviewed {
			reviewed = append(reviewed, d)
		}
	}
	slices.SortFunc(reviewed, func(a, b *models.Device) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	total := int64(len(reviewed))
	if offset >= len(reviewed) {
		return nil, total, nil
	}
	end := min(offset+limit, len(reviewed))

	out := make([]*models.Device, 0, end-offset)
	for _, d := range reviewed[offset:end] {
		out = append(out, copyDevice(d))
	}
	return out, total, nil
}

type memConnections struct{ m *InMemoryRepositoryManager }

func (r memConnections) Create(ctx context.Context, c *models.Connection) (*models.Connection, error) {
	if err := r.m.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.nextConnectionID++
	cp := *c
	cp.ID = r.m.nextConnectionID
	r.m.connections = append(r.m.connections, &cp)
	out := cp
	return &out, nil
}

// collect returns matching rows sorted by connected_at desc, id desc.
func (r memConnections) collect(match func(c *models.Connection) bool) []*models.Connection {
	var out []*models.Connection
	for _, c := range r.m.connections {
		if match(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *models.Connection) int {
		if c := b.ConnectedAt.Compare(a.ConnectedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

func (r memConnections) remove(match func(c *models.Connection) bool) []*models.Connection {
	removed := r.collect(match)
	r.m.connections = slices.DeleteFunc(r.m.connections, match)
	return removed
}

func (r memConnections) Find(ctx context.Context, userID string, deviceID int64) (*models.Connection, error) {
	if err := r.m.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	found := r.collect(func(c *models.Connection) bool { return c.UserID == userID && c.DeviceID == deviceID })
	if len(found) == 0 {
		return nil, common.ErrorNotFound
	}
	return found[0], nil
}

func (r memConnections) ListByUser(ctx context.Context, userID string) ([]*models.Connection, error) {
	if err := r.m.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.collect(func(c *models.Connection) bool { return c.UserID == userID }), nil
}

func (r memConnections) ListByDevice(ctx context.Context, deviceID int64) ([]*models.Connection, error) {
	if err := r.m.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.collect(func(c *models.Connection) bool { return c.DeviceID == deviceID }), nil
}

func (r memConnections) Touch(ctx context.Context, userID string, deviceID int64, at time.Time) (int64, error) {
	if err := r.m.check(); err != nil {
		return 0, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for _, c := range r.m.connections {
		if c.UserID == userID && c.DeviceID == deviceID {
			c.LastActiveAt = at
			n++
		}
	}
	return n, nil
}

func (r memConnections) DeleteByUser(ctx context.Context, userID string) ([]*models.Connection, error) {
	if err := r.m.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.remove(func(c *models.Connection) bool { return c.UserID == userID }), nil
}

func (r memConnections) DeleteByDevice(ctx context.Context, deviceID int64) ([]*models.Connection, error) {
	if err := r.m.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.remove(func(c *models.Connection) bool { return c.DeviceID == deviceID }), nil
}

func (r memConnections) DeletePair(ctx context.Context, userID string, deviceID int64) (int64, error) {
	if err := r.m.check(); err != nil {
		return 0, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	removed := r.remove(func(c *models.Connection) bool { return c.UserID == userID && c.DeviceID == deviceID })
	return int64(len(removed)), nil
}

func (r memConnections) DeleteInactiveBefore(ctx context.Context, before time.Time) ([]*models.Connection, error) {
	if err := r.m.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.remove(func(c *models.Connection) bool { return c.LastActiveAt.Before(before) }), nil
}

type memHistories struct{ m *InMemoryRepositoryManager }

func (r memHistories) Create(ctx context.Context, h *models.History) (*models.History, error) {
	if err := r.m.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if h.IntentID != "" {
		for _, existing := range r.m.histories {
			if existing.IntentID == h.IntentID {
				cp := *existing
				cp.Duplicate = true
				return &cp, nil
			}
		}
	}

	r.m.nextHistoryID++
	cp := *h
	cp.ID = r.m.nextHistoryID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.m.histories = append(r.m.histories, &cp)
	out := cp
	return &out, nil
}

func (r memHistories) CountSince(ctx context.Context, userID string, source models.HistorySource, since time.Time) (int64, error) {
	if err := r.m.check(); err != nil {
		return 0, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for _, h := range r.m.histories {
		if h.UserID == userID && h.Source == source && !h.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
