package devices

import (
	"context"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/server/models"
)

type Repository interface {
	// Create inserts d. A non-empty intentID makes the insert idempotent:
	// a second call with the same id returns the row created by the first.
	Create(ctx context.Context, d *models.Device, intentID string) (*models.Device, error)
	GetByID(ctx context.Context, id int64) (*models.Device, error)
	UpdateToken(ctx context.Context, id int64, token string, expiresAt time.Time) error
	MarkOnline(ctx context.Context, id int64, callbackURL string, at time.Time) error
	UpdateLocation(ctx context.Context, id int64, lat, lng float64, at time.Time) error
	AppendError(ctx context.Context, id int64, e models.DeviceError) error
	// ListReviewed returns one page of reviewed devices, newest first, and
	// the total number of reviewed devices.
	ListReviewed(ctx context.Context, limit, offset int) ([]*models.Device, int64, error)
}
