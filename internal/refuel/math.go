// internal/refuel/math.go
package refuel

import (
	"github.com/holiman/uint256"
)

// MaxBps is 100% in basis points.
const MaxBps = 10_000

const (
	DefaultDonationThreshold = 9_500
	DefaultFeeBps            = 500
)

var maxBps = uint256.NewInt(MaxBps)

// SplitFee returns floor(amount*feeBps/10000) and the remainder. The two parts
// always add back up to amount.
func SplitFee(amount *uint256.Int, feeBps uint64) (fee, net *uint256.Int, err error) {
	if feeBps > MaxBps {
		return nil, nil, ErrInvalidFeeBps
	}
	fee, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(feeBps), maxBps)
	if overflow {
		return nil, nil, ErrArithmeticOverflow
	}
	net = new(uint256.Int).Sub(amount, fee)
	return fee, net, nil
}

// DonationShareBps returns floor(projected*10000/net), the share of withdrawn
// LP value that a re-deposit regenerates.
func DonationShareBps(projected, net *uint256.Int) (uint64, error) {
	if net.IsZero() {
		return 0, ErrInvalidAmount
	}
	share, overflow := new(uint256.Int).MulDivOverflow(projected, maxBps, net)
	if overflow || !share.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return share.Uint64(), nil
}
