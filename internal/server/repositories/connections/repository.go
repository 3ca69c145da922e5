package connections

import (
	"context"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/server/models"
)

// Repository persists user-device connections. Only the connection
// arbitrator may call the mutating methods.
type Repository interface {
	Create(ctx context.Context, c *models.Connection) (*models.Connection, error)
	Find(ctx context.Context, userID string, deviceID int64) (*models.Connection, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Connection, error)
	ListByDevice(ctx context.Context, deviceID int64) ([]*models.Connection, error)
	Touch(ctx context.Context, userID string, deviceID int64, at time.Time) (int64, error)
	DeleteByUser(ctx context.Context, userID string) ([]*models.Connection, error)
	DeleteByDevice(ctx context.Context, deviceID int64) ([]*models.Connection, error)
	DeletePair(ctx context.Context, userID string, deviceID int64) (int64, error)
	DeleteInactiveBefore(ctx context.Context, before time.Time) ([]*models.Connection, error)
}
