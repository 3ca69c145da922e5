package devices

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
)

const deviceColumns = `id, name, description, latitude, longitude, image_path, type, reviewed, status,
	callback_url, token, token_expires_at, last_online_at, last_location_update, error_report, created_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var (
		d                                      models.Device
		status                                 string
		tokenExpires, lastOnline, lastLocation sql.NullTime
		report                                 []byte
	)

	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.Latitude, &d.Longitude, &d.ImagePath, &d.Type,
		&d.Reviewed, &status, &d.CallbackURL, &d.Token, &tokenExpires, &lastOnline, &lastLocation,
		&report, &d.CreatedAt)
	if err != nil {
		return nil, err
	}

	d.Status = models.DeviceStatus(status)
	d.TokenExpiresAt = nullTimePtr(tokenExpires)
	d.LastOnlineAt = nullTimePtr(lastOnline)
	d.LastLocationUpdate = nullTimePtr(lastLocation)

	if len(report) > 0 {
		if err := json.Unmarshal(report, &d.ErrorReport); err != nil {
			return nil, fmt.Errorf("decode error_report: %w", err)
		}
	}

	return &d, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *PostgresRepository) Create(ctx context.Context, d *models.Device, intentID string) (*models.Device, error) {
	// the no-op update on conflict makes RETURNING yield the existing row
	query :=
		`INSERT INTO devices (name, description, latitude, longitude, image_path, type, reviewed, intent_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (intent_id) DO UPDATE SET intent_id = EXCLUDED.intent_id
		 RETURNING ` + deviceColumns

	row := r.db.QueryRowContext(ctx, query, d.Name, d.Description, d.Latitude, d.Longitude,
		d.ImagePath, d.Type, d.Reviewed, nullString(intentID))

	created, err := scanDevice(row)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	return created, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	d, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	return d, nil
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", dbx.Classify(err))
	}
	if n == 0 {
		return common.ErrorNotFound
	}

	return nil
}

func (r *PostgresRepository) UpdateToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	query :=
		`UPDATE devices SET token = $2, token_expires_at = $3
		 WHERE id = $1`

	return r.exec(ctx, query, id, token, expiresAt)
}

func (r *PostgresRepository) MarkOnline(ctx context.Context, id int64, callbackURL string, at time.Time) error {
	query :=
		`UPDATE devices SET status = 'online', last_online_at = $2,
		 callback_url = COALESCE(NULLIF($3, ''), callback_url)
		 WHERE id = $1`

	return r.exec(ctx, query, id, at, callbackURL)
}

func (r *PostgresRepository) UpdateLocation(ctx context.Context, id int64, lat, lng float64, at time.Time) error {
	query :=
		`UPDATE devices SET latitude = $2, longitude = $3, last_location_update = $4, status = 'online'
		 WHERE id = $1`

	return r.exec(ctx, query, id, lat, lng, at)
}

func (r *PostgresRepository) AppendError(ctx context.Context, id int64, e models.DeviceError) error {
	entry, err := json.Marshal([]models.DeviceError{e})
	if err != nil {
		return err
	}

	query :=
		`UPDATE devices SET error_report = error_report || $2::jsonb
		 WHERE id = $1`

	return r.exec(ctx, query, id, string(entry))
}

func (r *PostgresRepository) ListReviewed(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE reviewed`).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	query :=
		`SELECT ` + deviceColumns + ` FROM devices
		 WHERE reviewed
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("db error: %w", dbx.Classify(err))
	}
	defer rows.Close()

	var items []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("db error: %w", dbx.Classify(err))
		}
		items = append(items, d)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	return items, total, nil
}
