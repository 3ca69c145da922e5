package users

import (
	"context"

	"github.com/dmitrijs2005/smartbin/internal/server/models"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	AddPoints(ctx context.Context, id string, delta int64) (int64, error)
}
