// internal/refuel/errors.go
package refuel

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Authorization
var (
	ErrNotInitialized = errors.New("not initialized")
	ErrUnauthorized   = errors.New("only owner")
)

// Invalid parameter
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidAddress   = fmt.Errorf("%w: zero address", ErrInvalidParameter)
	ErrInvalidAmount    = fmt.Errorf("%w: amount must be positive", ErrInvalidParameter)
	ErrThresholdTooHigh = fmt.Errorf("%w: threshold cannot exceed 100%%", ErrInvalidParameter)
	ErrInvalidFeeBps    = fmt.Errorf("%w: fee cannot exceed 100%%", ErrInvalidParameter)
)

// Precondition not met
var (
	ErrAlreadyInitialized   = errors.New("already initialized")
	ErrPoolNotSet           = errors.New("pool not set")
	ErrRefuelAmountNotSet   = errors.New("refuel amount not set")
	ErrInsufficientLPTokens = errors.New("insufficient LP tokens")
	ErrReentrant            = errors.New("refuel already in progress")
)

// Economic safety and collaborator failures
var (
	ErrDonationBelowThreshold = errors.New("donation share below threshold")
	ErrFeeTransferFailed      = errors.New("fee transfer failed")
	ErrTransferFailed         = errors.New("transfer failed")
	ErrApproveFailed          = errors.New("approve failed")
	ErrArithmeticOverflow     = errors.New("arithmetic overflow")
)

// DonationBelowThresholdError carries the numbers behind a refused refuel so an
// operator can tell market conditions apart from misconfiguration.
type DonationBelowThresholdError struct {
	ShareBps     uint64
	ThresholdBps uint64
	ProjectedLP  *uint256.Int
	NetAmount    *uint256.Int
}

func (e *DonationBelowThresholdError) Error() string {
	return fmt.Sprintf("donation share below threshold: %d bps < %d bps (projected %s LP for %s withdrawn)",
		e.ShareBps, e.ThresholdBps, e.ProjectedLP, e.NetAmount)
}

func (e *DonationBelowThresholdError) Unwrap() error {
	return ErrDonationBelowThreshold
}

// InsufficientLPError reports the held balance against the configured amount.
type InsufficientLPError struct {
	Held     *uint256.Int
	Required *uint256.Int
}

func (e *InsufficientLPError) Error() string {
	return fmt.Sprintf("insufficient LP tokens: hold %s, need %s", e.Held, e.Required)
}

func (e *InsufficientLPError) Unwrap() error {
	return ErrInsufficientLPTokens
}

// IsMarketCondition reports whether err is the expected economic-safety
// refusal rather than a configuration or collaborator problem.
func IsMarketCondition(err error) bool {
	return errors.Is(err, ErrDonationBelowThreshold)
}

// IsPermanent reports whether retrying the same call without an owner action
// cannot succeed.
func IsPermanent(err error) bool {
	switch {
	case errors.Is(err, ErrNotInitialized),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrAlreadyInitialized),
		errors.Is(err, ErrPoolNotSet),
		errors.Is(err, ErrRefuelAmountNotSet),
		errors.Is(err, ErrInsufficientLPTokens):
		return true
	}
	return false
}
