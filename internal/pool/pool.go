// internal/pool/pool.go
package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fxswap/refuel/internal/chain"
	applog "github.com/fxswap/refuel/internal/logger"
	"github.com/fxswap/refuel/internal/token"
)

// NCoins is the number of underlying assets in a pool.
const NCoins = 2

// DefaultHaircutBps is the deposit discount applied by calc_token_amount.
const DefaultHaircutBps = 300

// BurnSink receives LP minted by donation deposits. Nothing can spend from it.
var BurnSink = common.Address{}

var (
	ErrCoinIndex      = errors.New("coin index out of range")
	ErrSlippage       = errors.New("slippage limit exceeded")
	ErrEmptyDeposit   = errors.New("deposit must include every coin")
	ErrTransferFailed = errors.New("coin transfer failed")
	ErrInvalidHaircut = errors.New("haircut must be below 10000 bps")
)

// Amounts holds one quantity per coin.
type Amounts [NCoins]*uint256.Int

// ZeroAmounts returns a fresh all-zero pair.
func ZeroAmounts() Amounts {
	return Amounts{new(uint256.Int), new(uint256.Int)}
}

// Pool is the liquidity-pool collaborator. The pool is its own LP token.
type Pool interface {
	token.Token
	Balances(ctx context.Context, i int) (*uint256.Int, error)
	TotalSupply(ctx context.Context) (*uint256.Int, error)
	Coins(ctx context.Context, i int) (common.Address, error)
	RemoveLiquidity(ctx context.Context, caller common.Address, amount *uint256.Int, minAmounts Amounts, receiver common.Address) (Amounts, error)
	AddLiquidity(ctx context.Context, caller common.Address, amounts Amounts, minMint *uint256.Int, receiver common.Address, donation bool) (*uint256.Int, error)
	CalcTokenAmount(ctx context.Context, amounts Amounts, isDeposit bool) (*uint256.Int, error)
}

// Options tunes a TwoCoin pool.
type Options struct {
	// HaircutBps discounts LP quoted for deposits.
	HaircutBps uint64
}

// TwoCoin is a proportional two-asset pool. Withdrawals pay out each coin pro
// rata; deposits mint the smaller of the per-coin pro-rata LP amounts, less a
// fixed haircut.
type TwoCoin struct {
	*token.Ledger

	chain    *chain.Chain
	logger   *zap.Logger
	coins    [NCoins]token.Token
	balances [NCoins]*uint256.Int
	haircut  uint64
}

var _ Pool = (*TwoCoin)(nil)

// Deploy creates a TwoCoin pool for coin0/coin1 at an address derived from deployer.
func Deploy(ctx context.Context, c *chain.Chain, deployer common.Address, coin0, coin1 token.Token, opts Options, logger *zap.Logger) (*TwoCoin, error) {
	if opts.HaircutBps >= 10_000 {
		return nil, ErrInvalidHaircut
	}

	var p *TwoCoin
	err := c.Atomic(ctx, func(ctx context.Context) error {
		_, err := c.Deploy(ctx, deployer, func(addr common.Address) (any, error) {
			p = &TwoCoin{
				Ledger:   token.NewLedger(c, addr, "LP"),
				chain:    c,
				logger:   logger.Named("pool").With(applog.Contract("pool", addr)),
				coins:    [NCoins]token.Token{coin0, coin1},
				balances: [NCoins]*uint256.Int{new(uint256.Int), new(uint256.Int)},
				haircut:  opts.HaircutBps,
			}
			return p, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *TwoCoin) Balances(ctx context.Context, i int) (*uint256.Int, error) {
	if i < 0 || i >= NCoins {
		return nil, fmt.Errorf("%w: %d", ErrCoinIndex, i)
	}
	var out *uint256.Int
	err := p.chain.View(ctx, func(context.Context) error {
		out = new(uint256.Int).Set(p.balances[i])
		return nil
	})
	return out, err
}

func (p *TwoCoin) Coins(_ context.Context, i int) (common.Address, error) {
	if i < 0 || i >= NCoins {
		return common.Address{}, fmt.Errorf("%w: %d", ErrCoinIndex, i)
	}
	return p.coins[i].Address(), nil
}

func (p *TwoCoin) CalcTokenAmount(ctx context.Context, amounts Amounts, isDeposit bool) (*uint256.Int, error) {
	var out *uint256.Int
	err := p.chain.View(ctx, func(ctx context.Context) error {
		var err error
		out, err = p.calc(ctx, amounts, isDeposit)
		return err
	})
	return out, err
}

func (p *TwoCoin) calc(ctx context.Context, amounts Amounts, isDeposit bool) (*uint256.Int, error) {
	supply, err := p.Ledger.TotalSupply(ctx)
	if err != nil {
		return nil, err
	}
	if supply.IsZero() {
		if !isDeposit {
			return new(uint256.Int), nil
		}
		return new(uint256.Int).Add(amounts[0], amounts[1]), nil
	}

	var minted *uint256.Int
	for i := 0; i < NCoins; i++ {
		lp := new(uint256.Int)
		if !p.balances[i].IsZero() {
			var overflow bool
			lp, overflow = new(uint256.Int).MulDivOverflow(amounts[i], supply, p.balances[i])
			if overflow {
				return nil, fmt.Errorf("calc_token_amount overflow for coin %d", i)
			}
		}
		if minted == nil || lp.Lt(minted) {
			minted = lp
		}
	}

	if isDeposit {
		keep := uint256.NewInt(10_000 - p.haircut)
		minted.Mul(minted, keep)
		minted.Div(minted, uint256.NewInt(10_000))
	}
	return minted, nil
}

func (p *TwoCoin) RemoveLiquidity(ctx context.Context, caller common.Address, amount *uint256.Int, minAmounts Amounts, receiver common.Address) (Amounts, error) {
	out := ZeroAmounts()
	err := p.chain.Atomic(ctx, func(ctx context.Context) error {
		supply, err := p.Ledger.TotalSupply(ctx)
		if err != nil {
			return err
		}
		if supply.IsZero() {
			return fmt.Errorf("%w: pool has no supply", token.ErrInsufficientBalance)
		}

		for i := 0; i < NCoins; i++ {
			var overflow bool
			out[i], overflow = new(uint256.Int).MulDivOverflow(p.balances[i], amount, supply)
			if overflow {
				return fmt.Errorf("remove_liquidity overflow for coin %d", i)
			}
			if minAmounts[i] != nil && out[i].Lt(minAmounts[i]) {
				return fmt.Errorf("%w: coin %d out %s < min %s", ErrSlippage, i, out[i], minAmounts[i])
			}
		}

		if err := p.Ledger.Burn(ctx, caller, amount); err != nil {
			return err
		}
		for i := 0; i < NCoins; i++ {
			chain.Set(ctx, p.chain, &p.balances[i], new(uint256.Int).Sub(p.balances[i], out[i]))
			ok, err := p.coins[i].Transfer(ctx, p.Address(), receiver, out[i])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: coin %d", ErrTransferFailed, i)
			}
		}

		p.logger.Debug("Liquidity removed",
			zap.String("caller", caller.Hex()),
			zap.Stringer("lp", amount),
			zap.Stringer("amount0", out[0]),
			zap.Stringer("amount1", out[1]))
		return nil
	})
	if err != nil {
		return Amounts{}, err
	}
	return out, nil
}

func (p *TwoCoin) AddLiquidity(ctx context.Context, caller common.Address, amounts Amounts, minMint *uint256.Int, receiver common.Address, donation bool) (*uint256.Int, error) {
	var minted *uint256.Int
	err := p.chain.Atomic(ctx, func(ctx context.Context) error {
		supply, err := p.Ledger.TotalSupply(ctx)
		if err != nil {
			return err
		}
		if supply.IsZero() && (amounts[0].IsZero() || amounts[1].IsZero()) {
			return ErrEmptyDeposit
		}

		for i := 0; i < NCoins; i++ {
			ok, err := p.coins[i].TransferFrom(ctx, p.Address(), caller, p.Address(), amounts[i])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: coin %d", ErrTransferFailed, i)
			}
		}

		minted, err = p.calc(ctx, amounts, true)
		if err != nil {
			return err
		}
		if minMint != nil && minted.Lt(minMint) {
			return fmt.Errorf("%w: minted %s < min %s", ErrSlippage, minted, minMint)
		}

		for i := 0; i < NCoins; i++ {
			chain.Set(ctx, p.chain, &p.balances[i], new(uint256.Int).Add(p.balances[i], amounts[i]))
		}

		to := receiver
		if donation {
			to = BurnSink
		}
		if err := p.Ledger.Mint(ctx, to, minted); err != nil {
			return err
		}

		p.logger.Debug("Liquidity added",
			zap.String("caller", caller.Hex()),
			zap.Bool("donation", donation),
			zap.Stringer("minted", minted))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}
