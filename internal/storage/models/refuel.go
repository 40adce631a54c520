// internal/storage/models/refuel.go
package models

import "time"

// Refuel is a completed refuel. Token amounts are base-10 strings of the
// 256-bit values.
type Refuel struct {
	BaseModel
	Instance     string    `gorm:"index;not null;type:varchar(42)"`
	RefuelAmount string    `gorm:"not null;type:numeric(78,0)"`
	Amount0      string    `gorm:"not null;type:numeric(78,0)"`
	Amount1      string    `gorm:"not null;type:numeric(78,0)"`
	DonatedLP    string    `gorm:"not null;type:numeric(78,0)"`
	FeeAmount    string    `gorm:"not null;type:numeric(78,0)"`
	ExecutedAt   time.Time `gorm:"index;not null"`
}

// FeeWithdrawal is a transfer of accumulated fees out of the factory.
type FeeWithdrawal struct {
	BaseModel
	Factory     string    `gorm:"index;not null;type:varchar(42)"`
	Token       string    `gorm:"not null;type:varchar(42)"`
	Recipient   string    `gorm:"not null;type:varchar(42)"`
	Amount      string    `gorm:"not null;type:numeric(78,0)"`
	WithdrawnAt time.Time `gorm:"index;not null"`
}
