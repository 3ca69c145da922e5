package histories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, h *models.History) (*models.History, error) {
	query :=
		`INSERT INTO histories (user_id, image_ref, category, confidence, source, intent_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (intent_id) DO UPDATE SET intent_id = EXCLUDED.intent_id
		 RETURNING id, created_at, (xmax <> 0) AS duplicate`

	intentID := sql.NullString{String: h.IntentID, Valid: h.IntentID != ""}

	created := *h
	err := r.db.QueryRowContext(ctx, query, h.UserID, h.ImageRef, h.Category, h.Confidence, string(h.Source), intentID).
		Scan(&created.ID, &created.CreatedAt, &created.Duplicate)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	return &created, nil
}

func (r *PostgresRepository) CountSince(ctx context.Context, userID string, source models.HistorySource, since time.Time) (int64, error) {
	query :=
		`SELECT COUNT(*) FROM histories
		 WHERE user_id = $1 AND source = $2 AND created_at >= $3`

	var n int64
	if err := r.db.QueryRowContext(ctx, query, userID, string(source), since).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", dbx.Classify(err))
	}

	return n, nil
}
