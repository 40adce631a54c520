// internal/factory/factory.go
package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fxswap/refuel/internal/chain"
	applog "github.com/fxswap/refuel/internal/logger"
	"github.com/fxswap/refuel/internal/events"
	"github.com/fxswap/refuel/internal/refuel"
	"github.com/fxswap/refuel/internal/token"
)

var (
	ErrUnauthorized     = errors.New("only owner")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidBlueprint = errors.New("blueprint cannot create instances")
	ErrNoFeesToWithdraw = errors.New("no fees to withdraw")
	ErrTransferFailed   = errors.New("transfer failed")
	ErrUnknownID        = errors.New("unknown deployment id")
)

// Template creates uninitialized refuel instances.
type Template interface {
	Address() common.Address
	Instantiate(ctx context.Context, deployer common.Address) (*refuel.Instance, error)
}

var _ Template = (*refuel.Blueprint)(nil)

// Factory deploys refuel instances from a blueprint, keeps an append-only
// registry of them and holds protocol fees routed to it.
type Factory struct {
	chain   *chain.Chain
	address common.Address
	logger  *zap.Logger

	owner       common.Address
	blueprint   common.Address
	deployments []common.Address
}

// Deploy creates a factory owned by deployer.
func Deploy(ctx context.Context, c *chain.Chain, deployer, blueprint common.Address, logger *zap.Logger) (*Factory, error) {
	if blueprint == (common.Address{}) || deployer == (common.Address{}) {
		return nil, ErrInvalidAddress
	}

	var f *Factory
	err := c.Atomic(ctx, func(ctx context.Context) error {
		_, err := c.Deploy(ctx, deployer, func(addr common.Address) (any, error) {
			f = &Factory{
				chain:     c,
				address:   addr,
				logger:    logger.Named("factory").With(applog.Contract("factory", addr)),
				owner:     deployer,
				blueprint: blueprint,
			}
			return f, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("Factory deployed",
		zap.String("owner", deployer.Hex()),
		zap.String("blueprint", blueprint.Hex()))
	return f, nil
}

func (f *Factory) Address() common.Address { return f.address }

func (f *Factory) onlyOwner(caller common.Address) error {
	if caller != f.owner {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	return nil
}

// DeployRefuel instantiates and initializes a new instance. A zero
// feeRecipient routes fees to the factory.
func (f *Factory) DeployRefuel(ctx context.Context, caller, owner, feeRecipient common.Address) (common.Address, error) {
	var addr common.Address
	err := f.chain.Atomic(ctx, func(ctx context.Context) error {
		if owner == (common.Address{}) {
			return ErrInvalidAddress
		}
		if feeRecipient == (common.Address{}) {
			feeRecipient = f.address
		}

		tmpl, err := chain.ResolveAs[Template](f.chain, f.blueprint)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidBlueprint, err)
		}
		inst, err := tmpl.Instantiate(ctx, f.address)
		if err != nil {
			return fmt.Errorf("instantiate: %w", err)
		}
		if err := inst.Initialize(ctx, owner, feeRecipient); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}

		addr = inst.Address()
		id := uint64(len(f.deployments))
		chain.Set(ctx, f.chain, &f.deployments, append(f.deployments, addr))

		f.chain.Emit(ctx, &events.DeploymentCreatedEvent{
			BaseEvent:    events.NewBase(events.DeploymentCreated, f.address, f.chain.Now(ctx)),
			ID:           id,
			Instance:     addr,
			Owner:        owner,
			FeeRecipient: feeRecipient,
		})

		f.logger.Info("Refuel deployed",
			zap.Uint64("id", id),
			zap.String("instance", addr.Hex()),
			zap.String("caller", caller.Hex()),
			zap.String("owner", owner.Hex()),
			zap.String("fee_recipient", feeRecipient.Hex()))
		return nil
	})
	if err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

// DeployRefuelSimple deploys an instance that pays its fees to the factory.
func (f *Factory) DeployRefuelSimple(ctx context.Context, caller, owner common.Address) (common.Address, error) {
	return f.DeployRefuel(ctx, caller, owner, f.address)
}

// UpdateBlueprint switches the template for future deployments only.
func (f *Factory) UpdateBlueprint(ctx context.Context, caller, newBlueprint common.Address) error {
	return f.chain.Atomic(ctx, func(ctx context.Context) error {
		if err := f.onlyOwner(caller); err != nil {
			return err
		}
		if newBlueprint == (common.Address{}) {
			return ErrInvalidAddress
		}
		old := f.blueprint
		chain.Set(ctx, f.chain, &f.blueprint, newBlueprint)
		f.chain.Emit(ctx, &events.BlueprintUpdatedEvent{
			BaseEvent:    events.NewBase(events.BlueprintUpdated, f.address, f.chain.Now(ctx)),
			OldBlueprint: old,
			NewBlueprint: newBlueprint,
		})
		f.logger.Info("Blueprint updated",
			zap.String("old", old.Hex()),
			zap.String("new", newBlueprint.Hex()))
		return nil
	})
}

// WithdrawFees sends amount of tokenAddr held by the factory to recipient.
func (f *Factory) WithdrawFees(ctx context.Context, caller, tokenAddr, recipient common.Address, amount *uint256.Int) error {
	return f.chain.Atomic(ctx, func(ctx context.Context) error {
		if err := f.onlyOwner(caller); err != nil {
			return err
		}
		if amount == nil || amount.IsZero() {
			return ErrInvalidAmount
		}
		return f.withdraw(ctx, tokenAddr, recipient, amount)
	})
}

// WithdrawAllFees sends the factory's whole balance of tokenAddr to recipient.
func (f *Factory) WithdrawAllFees(ctx context.Context, caller, tokenAddr, recipient common.Address) (*uint256.Int, error) {
	var amount *uint256.Int
	err := f.chain.Atomic(ctx, func(ctx context.Context) error {
		if err := f.onlyOwner(caller); err != nil {
			return err
		}
		tok, err := f.token(tokenAddr)
		if err != nil {
			return err
		}
		amount, err = tok.BalanceOf(ctx, f.address)
		if err != nil {
			return err
		}
		if amount.IsZero() {
			return ErrNoFeesToWithdraw
		}
		return f.withdraw(ctx, tokenAddr, recipient, amount)
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

func (f *Factory) withdraw(ctx context.Context, tokenAddr, recipient common.Address, amount *uint256.Int) error {
	if recipient == (common.Address{}) {
		return ErrInvalidAddress
	}
	tok, err := f.token(tokenAddr)
	if err != nil {
		return err
	}
	ok, err := tok.Transfer(ctx, f.address, recipient, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if !ok {
		return ErrTransferFailed
	}

	f.chain.Emit(ctx, &events.FeesWithdrawnEvent{
		BaseEvent: events.NewBase(events.FeesWithdrawn, f.address, f.chain.Now(ctx)),
		Token:     tokenAddr,
		Recipient: recipient,
		Amount:    new(uint256.Int).Set(amount),
	})
	f.logger.Info("Fees withdrawn",
		zap.String("token", tokenAddr.Hex()),
		zap.String("recipient", recipient.Hex()),
		zap.Stringer("amount", amount))
	return nil
}

func (f *Factory) token(addr common.Address) (token.Token, error) {
	if addr == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	return chain.ResolveAs[token.Token](f.chain, addr)
}

func (f *Factory) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	return f.chain.Atomic(ctx, func(ctx context.Context) error {
		if err := f.onlyOwner(caller); err != nil {
			return err
		}
		if newOwner == (common.Address{}) {
			return ErrInvalidAddress
		}
		previous := f.owner
		chain.Set(ctx, f.chain, &f.owner, newOwner)
		f.chain.Emit(ctx, &events.OwnershipTransferredEvent{
			BaseEvent:     events.NewBase(events.OwnershipTransferred, f.address, f.chain.Now(ctx)),
			PreviousOwner: previous,
			NewOwner:      newOwner,
		})
		return nil
	})
}

// Deployment returns the instance address for id, or the zero address when id
// is out of range.
func (f *Factory) Deployment(ctx context.Context, id uint64) (common.Address, error) {
	var addr common.Address
	err := f.chain.View(ctx, func(context.Context) error {
		if id < uint64(len(f.deployments)) {
			addr = f.deployments[id]
		}
		return nil
	})
	return addr, err
}

func (f *Factory) DeploymentCount(ctx context.Context) (uint64, error) {
	var n uint64
	err := f.chain.View(ctx, func(context.Context) error {
		n = uint64(len(f.deployments))
		return nil
	})
	return n, err
}

// Deployments returns a copy of the registry in id order.
func (f *Factory) Deployments(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	err := f.chain.View(ctx, func(context.Context) error {
		out = append([]common.Address(nil), f.deployments...)
		return nil
	})
	return out, err
}

// Instance resolves a deployment id to the live instance.
func (f *Factory) Instance(ctx context.Context, id uint64) (*refuel.Instance, error) {
	addr, err := f.Deployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	return chain.ResolveAs[*refuel.Instance](f.chain, addr)
}

func (f *Factory) FeeBalance(ctx context.Context, tokenAddr common.Address) (*uint256.Int, error) {
	tok, err := f.token(tokenAddr)
	if err != nil {
		return nil, err
	}
	return tok.BalanceOf(ctx, f.address)
}

func (f *Factory) Owner(ctx context.Context) (common.Address, error) {
	var out common.Address
	err := f.chain.View(ctx, func(context.Context) error {
		out = f.owner
		return nil
	})
	return out, err
}

func (f *Factory) Blueprint(ctx context.Context) (common.Address, error) {
	var out common.Address
	err := f.chain.View(ctx, func(context.Context) error {
		out = f.blueprint
		return nil
	})
	return out, err
}
