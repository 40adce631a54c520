// internal/refuel/blueprint.go
package refuel

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/fxswap/refuel/internal/chain"
	applog "github.com/fxswap/refuel/internal/logger"
)

// Defaults are the parameters stamped into an instance at initialization.
type Defaults struct {
	FeeBps            uint64
	DonationThreshold uint64
}

// DefaultParams returns the stock fee and threshold.
func DefaultParams() Defaults {
	return Defaults{
		FeeBps:            DefaultFeeBps,
		DonationThreshold: DefaultDonationThreshold,
	}
}

// Validate checks both values are within 0..10000 bps.
func (d Defaults) Validate() error {
	if d.FeeBps > MaxBps {
		return ErrInvalidFeeBps
	}
	if d.DonationThreshold > MaxBps {
		return ErrThresholdTooHigh
	}
	return nil
}

// Blueprint is the template instances are created from. It holds no per-instance
// state; every Instantiate call yields a fresh, uninitialized instance.
type Blueprint struct {
	chain    *chain.Chain
	address  common.Address
	defaults Defaults
	logger   *zap.Logger
}

// DeployBlueprint registers a blueprint at an address derived from deployer.
func DeployBlueprint(ctx context.Context, c *chain.Chain, deployer common.Address, defaults Defaults, logger *zap.Logger) (*Blueprint, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}

	var b *Blueprint
	err := c.Atomic(ctx, func(ctx context.Context) error {
		_, err := c.Deploy(ctx, deployer, func(addr common.Address) (any, error) {
			b = &Blueprint{
				chain:    c,
				address:  addr,
				defaults: defaults,
				logger:   logger,
			}
			return b, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Blueprint deployed",
		zap.String("blueprint", b.address.Hex()),
		zap.Uint64("fee_bps", defaults.FeeBps),
		zap.Uint64("donation_threshold", defaults.DonationThreshold))
	return b, nil
}

func (b *Blueprint) Address() common.Address { return b.address }
func (b *Blueprint) Defaults() Defaults      { return b.defaults }

// Instantiate creates an uninitialized instance at an address derived from
// deployer. The caller is expected to Initialize it in the same transaction.
func (b *Blueprint) Instantiate(ctx context.Context, deployer common.Address) (*Instance, error) {
	var inst *Instance
	err := b.chain.Atomic(ctx, func(ctx context.Context) error {
		_, err := b.chain.Deploy(ctx, deployer, func(addr common.Address) (any, error) {
			inst = &Instance{
				chain:     b.chain,
				address:   addr,
				blueprint: b.address,
				defaults:  b.defaults,
				logger:    b.logger.Named("refuel").With(applog.Contract("instance", addr)),
			}
			return inst, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}
