// internal/events/types.go
package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventType represents the type of event.
type EventType string

const (
	// Instance records
	Initialized          EventType = "refuel.initialized"
	PoolSet              EventType = "refuel.pool_set"
	RefuelAmountSet      EventType = "refuel.amount_set"
	ThresholdSet         EventType = "refuel.threshold_set"
	FeePaid              EventType = "refuel.fee_paid"
	RefuelCompleted      EventType = "refuel.completed"
	LPTokensWithdrawn    EventType = "refuel.lp_withdrawn"
	TokensWithdrawn      EventType = "refuel.tokens_withdrawn"
	OwnershipTransferred EventType = "ownership.transferred"

	// Factory records
	DeploymentCreated EventType = "factory.deployment_created"
	BlueprintUpdated  EventType = "factory.blueprint_updated"
	FeesWithdrawn     EventType = "factory.fees_withdrawn"

	// Collaborator records
	Transfer EventType = "token.transfer"
	Approval EventType = "token.approval"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
	Source() common.Address
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
	Contract  common.Address
}

// NewBase builds the common part of a record emitted by contract at t.
func NewBase(typ EventType, contract common.Address, t time.Time) BaseEvent {
	return BaseEvent{EventType: typ, EventTime: t, Contract: contract}
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// Source returns the address of the contract that emitted the record.
func (e BaseEvent) Source() common.Address {
	return e.Contract
}

// InitializedEvent is emitted once when an instance leaves the blueprint state.
type InitializedEvent struct {
	BaseEvent
	Owner             common.Address
	FeeRecipient      common.Address
	DonationThreshold uint64
	FeeBps            uint64
}

// PoolSetEvent is emitted when the owner points an instance at a pool.
type PoolSetEvent struct {
	BaseEvent
	Pool common.Address
}

// RefuelAmountSetEvent is emitted when the per-call LP amount changes.
type RefuelAmountSetEvent struct {
	BaseEvent
	Amount *uint256.Int
}

// ThresholdSetEvent is emitted when the donation-share threshold changes.
type ThresholdSetEvent struct {
	BaseEvent
	Threshold uint64
}

// FeePaidEvent is emitted when the protocol fee leaves an instance.
type FeePaidEvent struct {
	BaseEvent
	Recipient common.Address
	Amount    *uint256.Int
}

// RefuelCompletedEvent is emitted at the end of a successful refuel.
type RefuelCompletedEvent struct {
	BaseEvent
	RefuelAmount *uint256.Int
	Amount0      *uint256.Int
	Amount1      *uint256.Int
	DonatedLP    *uint256.Int
	FeeAmount    *uint256.Int
}

// WithdrawnEvent is emitted for owner exits of LP or arbitrary tokens.
type WithdrawnEvent struct {
	BaseEvent
	Token  common.Address
	To     common.Address
	Amount *uint256.Int
}

// OwnershipTransferredEvent is emitted by instances and the factory alike.
type OwnershipTransferredEvent struct {
	BaseEvent
	PreviousOwner common.Address
	NewOwner      common.Address
}

// DeploymentCreatedEvent is emitted when the factory creates an instance.
type DeploymentCreatedEvent struct {
	BaseEvent
	ID           uint64
	Instance     common.Address
	Owner        common.Address
	FeeRecipient common.Address
}

// BlueprintUpdatedEvent is emitted when the factory switches templates.
type BlueprintUpdatedEvent struct {
	BaseEvent
	OldBlueprint common.Address
	NewBlueprint common.Address
}

// FeesWithdrawnEvent is emitted when accumulated fees leave the factory.
type FeesWithdrawnEvent struct {
	BaseEvent
	Token     common.Address
	Recipient common.Address
	Amount    *uint256.Int
}

// TransferEvent is emitted by token ledgers.
type TransferEvent struct {
	BaseEvent
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

// ApprovalEvent is emitted by token ledgers.
type ApprovalEvent struct {
	BaseEvent
	Owner   common.Address
	Spender common.Address
	Amount  *uint256.Int
}
