package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/server/offline/migrations"
	"github.com/dmitrijs2005/smartbin/internal/timex"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

const cachedReadsKey = "cached_devices"

// SQLiteStore persists the queue and cache in a SQLite file so queued
// intents survive a restart.
type SQLiteStore struct {
	// serializes read-modify-write of the cache
	mu    sync.Mutex
	db    *sql.DB
	clock timex.Clock
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// applies its schema.
func OpenSQLiteStore(ctx context.Context, path string, clock timex.Clock) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("offline store migrations: %w", err)
	}

	return &SQLiteStore{db: db, clock: clock}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, ".")
}

func (s *SQLiteStore) PushQueue(ctx context.Context, intentType string, payload any) (*models.QueuedIntent, error) {
	intent, err := newIntent(intentType, payload, s.clock.Now())
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intents (id, type, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		intent.ID, intent.Type, []byte(intent.Payload), intent.EnqueuedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to queue intent: %w", err)
	}

	return intent, nil
}

func (s *SQLiteStore) Pending(ctx context.Context) ([]*models.QueuedIntent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, payload, enqueued_at FROM intents ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	defer rows.Close()

	var out []*models.QueuedIntent
	for rows.Next() {
		var (
			it      models.QueuedIntent
			payload []byte
			nanos   int64
		)
		if err := rows.Scan(&it.ID, &it.Type, &payload, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		it.Payload = payload
		it.EnqueuedAt = time.Unix(0, nanos)
		out = append(out, &it)
	}

	return out, rows.Err()
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM intents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove intent %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM intents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count intents: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CachedReads(ctx context.Context) ([]models.DeviceSummary, error) {
	return readCache(ctx, metadata{db: s.db})
}

func (s *SQLiteStore) SetCachedReads(ctx context.Context, list []models.DeviceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeCache(ctx, metadata{db: s.db}, list)
}

func (s *SQLiteStore) UpdateCachedReads(ctx context.Context, fn func([]models.DeviceSummary) []models.DeviceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		md := metadata{db: tx}
		current, err := readCache(ctx, md)
		if err != nil {
			return err
		}
		return writeCache(ctx, md, fn(current))
	})
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func readCache(ctx context.Context, md metadata) ([]models.DeviceSummary, error) {
	raw, err := md.Get(ctx, cachedReadsKey)
	if err != nil || raw == nil {
		return nil, err
	}

	var list []models.DeviceSummary
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode cached devices: %w", err)
	}
	return list, nil
}

func writeCache(ctx context.Context, md metadata, list []models.DeviceSummary) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return md.Set(ctx, cachedReadsKey, raw)
}
