// Package connections stores the user_devices table.
package connections

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
)

const connectionColumns = `id, user_id, device_id, connected_at, last_active_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, c *models.Connection) (*models.Connection, error) {
	query :=
		`INSERT INTO user_devices (user_id, device_id, connected_at, last_active_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`

	created := *c
	err := r.db.QueryRowContext(ctx, query, c.UserID, c.DeviceID, c.ConnectedAt, c.LastActiveAt).Scan(&created.ID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	return &created, nil
}

func (r *PostgresRepository) Find(ctx context.Context, userID string, deviceID int64) (*models.Connection, error) {
	query :=
		`SELECT ` + connectionColumns + ` FROM user_devices
		 WHERE user_id = $1 AND device_id = $2
		 ORDER BY connected_at DESC
		 LIMIT 1`

	c := &models.Connection{}
	err := r.db.QueryRowContext(ctx, query, userID, deviceID).
		Scan(&c.ID, &c.UserID, &c.DeviceID, &c.ConnectedAt, &c.LastActiveAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	return c, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*models.Connection, error) {
	query :=
		`SELECT ` + connectionColumns + ` FROM user_devices
		 WHERE user_id = $1
		 ORDER BY connected_at DESC, id DESC`

	return r.list(ctx, query, userID)
}

func (r *PostgresRepository) ListByDevice(ctx context.Context, deviceID int64) ([]*models.Connection, error) {
	query :=
		`SELECT ` + connectionColumns + ` FROM user_devices
		 WHERE device_id = $1
		 ORDER BY connected_at DESC, id DESC`

	return r.list(ctx, query, deviceID)
}

func (r *PostgresRepository) Touch(ctx context.Context, userID string, deviceID int64, at time.Time) (int64, error) {
	query :=
		`UPDATE user_devices SET last_active_at = $3
		 WHERE user_id = $1 AND device_id = $2`

	res, err := r.db.ExecContext(ctx, query, userID, deviceID, at)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	return res.RowsAffected()
}

func (r *PostgresRepository) DeleteByUser(ctx context.Context, userID string) ([]*models.Connection, error) {
	query := `DELETE FROM user_devices WHERE user_id = $1 RETURNING ` + connectionColumns

	return r.list(ctx, query, userID)
}

func (r *PostgresRepository) DeleteByDevice(ctx context.Context, deviceID int64) ([]*models.Connection, error) {
	query := `DELETE FROM user_devices WHERE device_id = $1 RETURNING ` + connectionColumns

	return r.list(ctx, query, deviceID)
}

func (r *PostgresRepository) DeletePair(ctx context.Context, userID string, deviceID int64) (int64, error) {
	query := `DELETE FROM user_devices WHERE user_id = $1 AND device_id = $2`

	res, err := r.db.ExecContext(ctx, query, userID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	return res.RowsAffected()
}

func (r *PostgresRepository) DeleteInactiveBefore(ctx context.Context, before time.Time) ([]*models.Connection, error) {
	query := `DELETE FROM user_devices WHERE last_active_at < $1 RETURNING ` + connectionColumns

	return r.list(ctx, query, before)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Connection, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", dbx.Classify(err))
	}
	defer rows.Close()

	var items []*models.Connection
	for rows.Next() {
		c := &models.Connection{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.DeviceID, &c.ConnectedAt, &c.LastActiveAt); err != nil {
			return nil, fmt.Errorf("db error: %w", dbx.Classify(err))
		}
		items = append(items, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	return items, nil
}
