package histories

import (
	"context"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/server/models"
)

type Repository interface {
	// Create inserts h. When h.IntentID is set and a row with the same intent
	// already exists, that row is returned instead.
	Create(ctx context.Context, h *models.History) (*models.History, error)
	CountSince(ctx context.Context, userID string, source models.HistorySource, since time.Time) (int64, error)
}
