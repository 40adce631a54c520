// internal/storage/storage.go
package storage

import (
	"context"

	"github.com/fxswap/refuel/internal/storage/models"
)

// Storage persists the history an observer reconstructs from committed records.
type Storage interface {
	// Deployments
	SaveDeployment(ctx context.Context, d *models.Deployment) error
	GetDeployment(ctx context.Context, instance string) (*models.Deployment, error)
	ListDeployments(ctx context.Context, factory string, limit, offset int) ([]*models.Deployment, error)

	// Refuels
	SaveRefuel(ctx context.Context, r *models.Refuel) error
	ListRefuels(ctx context.Context, instance string, limit, offset int) ([]*models.Refuel, error)

	// Fees
	SaveFeeWithdrawal(ctx context.Context, w *models.FeeWithdrawal) error

	RunMigrations() error
	Close() error
}
