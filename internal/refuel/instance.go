// internal/refuel/instance.go
package refuel

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fxswap/refuel/internal/chain"
	"github.com/fxswap/refuel/internal/events"
	"github.com/fxswap/refuel/internal/pool"
	"github.com/fxswap/refuel/internal/token"
)

// State is a point-in-time copy of an instance's configuration.
type State struct {
	Initialized       bool
	Owner             common.Address
	Pool              common.Address
	RefuelAmount      *uint256.Int
	DonationThreshold uint64
	FeeBps            uint64
	FeeRecipient      common.Address
}

// Instance holds LP tokens of one pool and periodically burns part of them
// back into that pool as a donation.
type Instance struct {
	chain     *chain.Chain
	address   common.Address
	blueprint common.Address
	defaults  Defaults
	logger    *zap.Logger

	initialized       bool
	owner             common.Address
	pool              common.Address
	refuelAmount      *uint256.Int
	donationThreshold uint64
	feeBps            uint64
	feeRecipient      common.Address

	// entered is set for the duration of Refuel.
	entered bool
}

func (i *Instance) Address() common.Address   { return i.address }
func (i *Instance) Blueprint() common.Address { return i.blueprint }

// Initialize activates the instance. It can succeed only once.
func (i *Instance) Initialize(ctx context.Context, owner, feeRecipient common.Address) error {
	return i.chain.Atomic(ctx, func(ctx context.Context) error {
		if i.initialized {
			return ErrAlreadyInitialized
		}
		if owner == (common.Address{}) || feeRecipient == (common.Address{}) {
			return ErrInvalidAddress
		}

		chain.Set(ctx, i.chain, &i.initialized, true)
		chain.Set(ctx, i.chain, &i.owner, owner)
		chain.Set(ctx, i.chain, &i.feeRecipient, feeRecipient)
		chain.Set(ctx, i.chain, &i.donationThreshold, i.defaults.DonationThreshold)
		chain.Set(ctx, i.chain, &i.feeBps, i.defaults.FeeBps)
		chain.Set(ctx, i.chain, &i.refuelAmount, new(uint256.Int))

		i.chain.Emit(ctx, &events.InitializedEvent{
			BaseEvent:         events.NewBase(events.Initialized, i.address, i.chain.Now(ctx)),
			Owner:             owner,
			FeeRecipient:      feeRecipient,
			DonationThreshold: i.defaults.DonationThreshold,
			FeeBps:            i.defaults.FeeBps,
		})

		i.logger.Info("Instance initialized",
			zap.String("owner", owner.Hex()),
			zap.String("fee_recipient", feeRecipient.Hex()))
		return nil
	})
}

func (i *Instance) onlyOwner(caller common.Address) error {
	if !i.initialized {
		return ErrNotInitialized
	}
	if caller != i.owner {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	return nil
}

func (i *Instance) SetPool(ctx context.Context, caller, newPool common.Address) error {
	return i.chain.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(caller); err != nil {
			return err
		}
		if newPool == (common.Address{}) {
			return ErrInvalidAddress
		}
		chain.Set(ctx, i.chain, &i.pool, newPool)
		i.chain.Emit(ctx, &events.PoolSetEvent{
			BaseEvent: events.NewBase(events.PoolSet, i.address, i.chain.Now(ctx)),
			Pool:      newPool,
		})
		return nil
	})
}

func (i *Instance) SetRefuelAmount(ctx context.Context, caller common.Address, amount *uint256.Int) error {
	return i.chain.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(caller); err != nil {
			return err
		}
		if amount == nil || amount.IsZero() {
			return ErrInvalidAmount
		}
		chain.Set(ctx, i.chain, &i.refuelAmount, new(uint256.Int).Set(amount))
		i.chain.Emit(ctx, &events.RefuelAmountSetEvent{
			BaseEvent: events.NewBase(events.RefuelAmountSet, i.address, i.chain.Now(ctx)),
			Amount:    new(uint256.Int).Set(amount),
		})
		return nil
	})
}

func (i *Instance) SetDonationThreshold(ctx context.Context, caller common.Address, threshold uint64) error {
	return i.chain.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(caller); err != nil {
			return err
		}
		if threshold > MaxBps {
			return ErrThresholdTooHigh
		}
		chain.Set(ctx, i.chain, &i.donationThreshold, threshold)
		i.chain.Emit(ctx, &events.ThresholdSetEvent{
			BaseEvent: events.NewBase(events.ThresholdSet, i.address, i.chain.Now(ctx)),
			Threshold: threshold,
		})
		return nil
	})
}

// Refuel withdraws the configured LP amount less the fee, and re-deposits the
// underlying coins as a donation if the deposit regenerates at least the
// threshold share of the withdrawn LP. It returns the donated LP amount. On any
// failure nothing is changed, including the fee payment.
func (i *Instance) Refuel(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	var donated *uint256.Int
	err := i.chain.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(caller); err != nil {
			return err
		}
		if i.entered {
			return ErrReentrant
		}
		chain.Set(ctx, i.chain, &i.entered, true)

		var err error
		donated, err = i.refuel(ctx)
		if err != nil {
			return err
		}

		chain.Set(ctx, i.chain, &i.entered, false)
		return nil
	})
	if err != nil {
		i.logger.Debug("Refuel rejected", zap.Error(err))
		return nil, err
	}
	return donated, nil
}

// refuelQuote is the state of a refuel after the fee is paid and the net LP
// withdrawn, up to the share check.
type refuelQuote struct {
	amount    *uint256.Int
	fee       *uint256.Int
	net       *uint256.Int
	amounts   pool.Amounts
	projected *uint256.Int
	share     uint64
}

// quote pays the fee, withdraws the net LP and prices the re-deposit. It
// leaves the pool mid-refuel: callers either finish the refuel or revert.
func (i *Instance) quote(ctx context.Context, p pool.Pool) (*refuelQuote, error) {
	if i.refuelAmount == nil || i.refuelAmount.IsZero() {
		return nil, ErrRefuelAmountNotSet
	}
	amount := new(uint256.Int).Set(i.refuelAmount)

	held, err := p.BalanceOf(ctx, i.address)
	if err != nil {
		return nil, err
	}
	if held.Lt(amount) {
		return nil, &InsufficientLPError{Held: held, Required: amount}
	}

	fee, net, err := SplitFee(amount, i.feeBps)
	if err != nil {
		return nil, err
	}

	if !fee.IsZero() {
		ok, err := p.Transfer(ctx, i.address, i.feeRecipient, fee)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFeeTransferFailed, err)
		}
		if !ok {
			return nil, ErrFeeTransferFailed
		}
		i.chain.Emit(ctx, &events.FeePaidEvent{
			BaseEvent: events.NewBase(events.FeePaid, i.address, i.chain.Now(ctx)),
			Recipient: i.feeRecipient,
			Amount:    new(uint256.Int).Set(fee),
		})
	}

	// No slippage floor on the way out; the donation-share check is the
	// only economic guard.
	amounts, err := p.RemoveLiquidity(ctx, i.address, net, pool.ZeroAmounts(), i.address)
	if err != nil {
		return nil, fmt.Errorf("remove liquidity: %w", err)
	}

	projected, err := p.CalcTokenAmount(ctx, amounts, true)
	if err != nil {
		return nil, fmt.Errorf("calc token amount: %w", err)
	}

	share, err := DonationShareBps(projected, net)
	if err != nil {
		return nil, err
	}
	return &refuelQuote{
		amount:    amount,
		fee:       fee,
		net:       net,
		amounts:   amounts,
		projected: projected,
		share:     share,
	}, nil
}

func (i *Instance) refuel(ctx context.Context) (*uint256.Int, error) {
	p, err := i.resolvePool()
	if err != nil {
		return nil, err
	}
	q, err := i.quote(ctx, p)
	if err != nil {
		return nil, err
	}
	if q.share < i.donationThreshold {
		return nil, &DonationBelowThresholdError{
			ShareBps:     q.share,
			ThresholdBps: i.donationThreshold,
			ProjectedLP:  q.projected,
			NetAmount:    q.net,
		}
	}

	for k := 0; k < pool.NCoins; k++ {
		coin, err := i.coin(ctx, p, k)
		if err != nil {
			return nil, err
		}
		ok, err := coin.Approve(ctx, i.address, p.Address(), q.amounts[k])
		if err != nil {
			return nil, fmt.Errorf("%w: coin %d: %w", ErrApproveFailed, k, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: coin %d", ErrApproveFailed, k)
		}
	}

	donated, err := p.AddLiquidity(ctx, i.address, q.amounts, q.projected, pool.BurnSink, true)
	if err != nil {
		return nil, fmt.Errorf("add liquidity: %w", err)
	}

	i.chain.Emit(ctx, &events.RefuelCompletedEvent{
		BaseEvent:    events.NewBase(events.RefuelCompleted, i.address, i.chain.Now(ctx)),
		RefuelAmount: q.amount,
		Amount0:      q.amounts[0],
		Amount1:      q.amounts[1],
		DonatedLP:    new(uint256.Int).Set(donated),
		FeeAmount:    q.fee,
	})

	i.logger.Info("Refuel completed",
		zap.Stringer("refuel_amount", q.amount),
		zap.Stringer("fee", q.fee),
		zap.Stringer("amount0", q.amounts[0]),
		zap.Stringer("amount1", q.amounts[1]),
		zap.Stringer("donated_lp", donated),
		zap.Uint64("share_bps", q.share))

	return donated, nil
}

func (i *Instance) resolvePool() (pool.Pool, error) {
	if i.pool == (common.Address{}) {
		return nil, ErrPoolNotSet
	}
	p, err := chain.ResolveAs[pool.Pool](i.chain, i.pool)
	if err != nil {
		return nil, fmt.Errorf("resolve pool: %w", err)
	}
	return p, nil
}

func (i *Instance) coin(ctx context.Context, p pool.Pool, k int) (token.Token, error) {
	addr, err := p.Coins(ctx, k)
	if err != nil {
		return nil, err
	}
	coin, err := chain.ResolveAs[token.Token](i.chain, addr)
	if err != nil {
		return nil, fmt.Errorf("resolve coin %d: %w", k, err)
	}
	return coin, nil
}

// WithdrawLPTokens sends amount of the pool's LP token to the owner.
func (i *Instance) WithdrawLPTokens(ctx context.Context, caller common.Address, amount *uint256.Int) error {
	return i.chain.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(caller); err != nil {
			return err
		}
		p, err := i.resolvePool()
		if err != nil {
			return err
		}
		if err := i.withdraw(ctx, p, amount); err != nil {
			return err
		}
		i.chain.Emit(ctx, &events.WithdrawnEvent{
			BaseEvent: events.NewBase(events.LPTokensWithdrawn, i.address, i.chain.Now(ctx)),
			Token:     i.pool,
			To:        i.owner,
			Amount:    new(uint256.Int).Set(amount),
		})
		return nil
	})
}

// WithdrawTokens sends amount of any token held by the instance to the owner.
func (i *Instance) WithdrawTokens(ctx context.Context, caller, tokenAddr common.Address, amount *uint256.Int) error {
	return i.chain.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(caller); err != nil {
			return err
		}
		if tokenAddr == (common.Address{}) {
			return ErrInvalidAddress
		}
		tok, err := chain.ResolveAs[token.Token](i.chain, tokenAddr)
		if err != nil {
			return err
		}
		if err := i.withdraw(ctx, tok, amount); err != nil {
			return err
		}
		i.chain.Emit(ctx, &events.WithdrawnEvent{
			BaseEvent: events.NewBase(events.TokensWithdrawn, i.address, i.chain.Now(ctx)),
			Token:     tokenAddr,
			To:        i.owner,
			Amount:    new(uint256.Int).Set(amount),
		})
		return nil
	})
}

func (i *Instance) withdraw(ctx context.Context, tok token.Token, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	ok, err := tok.Transfer(ctx, i.address, i.owner, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if !ok {
		return ErrTransferFailed
	}
	return nil
}

func (i *Instance) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	return i.chain.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(caller); err != nil {
			return err
		}
		if newOwner == (common.Address{}) {
			return ErrInvalidAddress
		}
		previous := i.owner
		chain.Set(ctx, i.chain, &i.owner, newOwner)
		i.chain.Emit(ctx, &events.OwnershipTransferredEvent{
			BaseEvent:     events.NewBase(events.OwnershipTransferred, i.address, i.chain.Now(ctx)),
			PreviousOwner: previous,
			NewOwner:      newOwner,
		})
		i.logger.Info("Ownership transferred",
			zap.String("from", previous.Hex()),
			zap.String("to", newOwner.Hex()))
		return nil
	})
}

// LPBalance returns the LP tokens held by the instance, or zero if no pool is set.
func (i *Instance) LPBalance(ctx context.Context) (*uint256.Int, error) {
	out := new(uint256.Int)
	err := i.chain.View(ctx, func(ctx context.Context) error {
		if i.pool == (common.Address{}) {
			return nil
		}
		p, err := i.resolvePool()
		if err != nil {
			return err
		}
		out, err = p.BalanceOf(ctx, i.address)
		return err
	})
	return out, err
}

// errDryRun unwinds a preview so that none of its writes survive.
var errDryRun = errors.New("dry run")

// CalculateDonationShare returns the share Refuel would compute right now. It
// runs the same fee, withdrawal and pricing steps as Refuel and reverts them,
// so the two agree exactly. It fails wherever those steps would.
func (i *Instance) CalculateDonationShare(ctx context.Context) (uint64, error) {
	var share uint64
	err := i.chain.View(ctx, func(ctx context.Context) error {
		p, err := i.resolvePool()
		if err != nil {
			return err
		}
		err = i.chain.Atomic(ctx, func(ctx context.Context) error {
			q, err := i.quote(ctx, p)
			if err != nil {
				return err
			}
			share = q.share
			return errDryRun
		})
		if errors.Is(err, errDryRun) {
			return nil
		}
		return err
	})
	return share, err
}

// State returns a copy of the instance configuration.
func (i *Instance) State(ctx context.Context) (State, error) {
	var s State
	err := i.chain.View(ctx, func(context.Context) error {
		s = State{
			Initialized:       i.initialized,
			Owner:             i.owner,
			Pool:              i.pool,
			RefuelAmount:      new(uint256.Int),
			DonationThreshold: i.donationThreshold,
			FeeBps:            i.feeBps,
			FeeRecipient:      i.feeRecipient,
		}
		if i.refuelAmount != nil {
			s.RefuelAmount.Set(i.refuelAmount)
		}
		return nil
	})
	return s, err
}
