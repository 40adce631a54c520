// internal/storage/models/base.go
package models

import "time"

// BaseModel holds the surrogate key and insert time of a history row.
// History rows are append-only: nothing updates or soft-deletes them.
type BaseModel struct {
	ID        uint64    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"autoCreateTime;not null"`
}
