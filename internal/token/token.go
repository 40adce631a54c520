// internal/token/token.go
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/fxswap/refuel/internal/chain"
	"github.com/fxswap/refuel/internal/events"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNilAmount             = errors.New("amount is nil")
)

// Token is the fungible-token collaborator. Transfer, Approve and TransferFrom
// report success with a boolean; an error means the call reverted.
type Token interface {
	Address() common.Address
	BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error)
	Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) (bool, error)
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) (bool, error)
}

// Ledger is a journaled balance sheet for a single token.
type Ledger struct {
	chain      *chain.Chain
	address    common.Address
	symbol     string
	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
}

var _ Token = (*Ledger)(nil)

// NewLedger builds a ledger for a token living at address. It does not
// register it on the chain; see Deploy.
func NewLedger(c *chain.Chain, address common.Address, symbol string) *Ledger {
	return &Ledger{
		chain:      c,
		address:    address,
		symbol:     symbol,
		supply:     new(uint256.Int),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

// Deploy creates a token ledger at an address derived from deployer.
func Deploy(ctx context.Context, c *chain.Chain, deployer common.Address, symbol string) (*Ledger, error) {
	var l *Ledger
	err := c.Atomic(ctx, func(ctx context.Context) error {
		_, err := c.Deploy(ctx, deployer, func(addr common.Address) (any, error) {
			l = NewLedger(c, addr, symbol)
			return l, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Address() common.Address { return l.address }
func (l *Ledger) Symbol() string          { return l.symbol }

// BalanceOf returns a copy of holder's balance.
func (l *Ledger) BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := l.chain.View(ctx, func(context.Context) error {
		out = l.balance(holder)
		return nil
	})
	return out, err
}

// TotalSupply returns a copy of the outstanding supply.
func (l *Ledger) TotalSupply(ctx context.Context) (*uint256.Int, error) {
	var out *uint256.Int
	err := l.chain.View(ctx, func(context.Context) error {
		out = new(uint256.Int).Set(l.supply)
		return nil
	})
	return out, err
}

func (l *Ledger) Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := l.chain.View(ctx, func(context.Context) error {
		out = l.allowance(owner, spender)
		return nil
	})
	return out, err
}

func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error) {
	err := l.chain.Atomic(ctx, func(ctx context.Context) error {
		return l.move(ctx, from, to, amount)
	})
	return err == nil, err
}

func (l *Ledger) Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) (bool, error) {
	if amount == nil {
		return false, ErrNilAmount
	}
	err := l.chain.Atomic(ctx, func(ctx context.Context) error {
		l.setAllowance(ctx, owner, spender, amount)
		l.chain.Emit(ctx, &events.ApprovalEvent{
			BaseEvent: events.NewBase(events.Approval, l.address, l.chain.Now(ctx)),
			Owner:     owner,
			Spender:   spender,
			Amount:    new(uint256.Int).Set(amount),
		})
		return nil
	})
	return err == nil, err
}

func (l *Ledger) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) (bool, error) {
	if amount == nil {
		return false, ErrNilAmount
	}
	err := l.chain.Atomic(ctx, func(ctx context.Context) error {
		allowed := l.allowance(from, spender)
		if allowed.Lt(amount) {
			return fmt.Errorf("%w: %s allows %s, need %s", ErrInsufficientAllowance, from.Hex(), allowed, amount)
		}
		l.setAllowance(ctx, from, spender, new(uint256.Int).Sub(allowed, amount))
		return l.move(ctx, from, to, amount)
	})
	return err == nil, err
}

// Mint credits to and grows the supply.
func (l *Ledger) Mint(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrNilAmount
	}
	return l.chain.Atomic(ctx, func(ctx context.Context) error {
		l.setBalance(ctx, to, new(uint256.Int).Add(l.balance(to), amount))
		chain.Set(ctx, l.chain, &l.supply, new(uint256.Int).Add(l.supply, amount))
		l.emitTransfer(ctx, common.Address{}, to, amount)
		return nil
	})
}

// Burn debits from and shrinks the supply.
func (l *Ledger) Burn(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrNilAmount
	}
	return l.chain.Atomic(ctx, func(ctx context.Context) error {
		bal := l.balance(from)
		if bal.Lt(amount) {
			return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientBalance, from.Hex(), bal, amount)
		}
		l.setBalance(ctx, from, new(uint256.Int).Sub(bal, amount))
		chain.Set(ctx, l.chain, &l.supply, new(uint256.Int).Sub(l.supply, amount))
		l.emitTransfer(ctx, from, common.Address{}, amount)
		return nil
	})
}

func (l *Ledger) move(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrNilAmount
	}
	bal := l.balance(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, need %s", ErrInsufficientBalance, from.Hex(), bal, l.symbol, amount)
	}
	l.setBalance(ctx, from, new(uint256.Int).Sub(bal, amount))
	l.setBalance(ctx, to, new(uint256.Int).Add(l.balance(to), amount))
	l.emitTransfer(ctx, from, to, amount)
	return nil
}

func (l *Ledger) emitTransfer(ctx context.Context, from, to common.Address, amount *uint256.Int) {
	l.chain.Emit(ctx, &events.TransferEvent{
		BaseEvent: events.NewBase(events.Transfer, l.address, l.chain.Now(ctx)),
		From:      from,
		To:        to,
		Amount:    new(uint256.Int).Set(amount),
	})
}

func (l *Ledger) balance(holder common.Address) *uint256.Int {
	if b, ok := l.balances[holder]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (l *Ledger) setBalance(ctx context.Context, holder common.Address, v *uint256.Int) {
	old, existed := l.balances[holder]
	l.chain.Record(ctx, func() {
		if existed {
			l.balances[holder] = old
		} else {
			delete(l.balances, holder)
		}
	})
	l.balances[holder] = v
}

func (l *Ledger) allowance(owner, spender common.Address) *uint256.Int {
	if a, ok := l.allowances[owner][spender]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

func (l *Ledger) setAllowance(ctx context.Context, owner, spender common.Address, v *uint256.Int) {
	spenders, ok := l.allowances[owner]
	if !ok {
		spenders = make(map[common.Address]*uint256.Int)
		l.allowances[owner] = spenders
	}
	old, existed := spenders[spender]
	l.chain.Record(ctx, func() {
		if existed {
			spenders[spender] = old
		} else {
			delete(spenders, spender)
		}
	})
	spenders[spender] = new(uint256.Int).Set(v)
}
