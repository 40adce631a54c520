// internal/storage/models/deployment.go
package models

import "time"

// Deployment is one factory registry entry.
type Deployment struct {
	BaseModel
	Factory      string    `gorm:"uniqueIndex:idx_factory_deployment;not null;type:varchar(42)"`
	DeploymentID uint64    `gorm:"uniqueIndex:idx_factory_deployment;not null"`
	Instance     string    `gorm:"unique;not null;type:varchar(42)"`
	Owner        string    `gorm:"index;not null;type:varchar(42)"`
	FeeRecipient string    `gorm:"not null;type:varchar(42)"`
	DeployedAt   time.Time `gorm:"index;not null"`
}
