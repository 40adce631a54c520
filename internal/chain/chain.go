// internal/chain/chain.go
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/fxswap/refuel/internal/events"
)

var (
	// ErrNoTransaction is raised when state is written outside Atomic.
	ErrNoTransaction = errors.New("state write outside of a transaction")
	// ErrAddressInUse is returned when a contract address is already taken.
	ErrAddressInUse = errors.New("address already in use")
	// ErrUnknownContract is returned when an address does not resolve to a contract.
	ErrUnknownContract = errors.New("no contract at address")
)

// Sink receives committed records in commit order.
type Sink interface {
	Publish(event events.Event) error
}

type nopSink struct{}

func (nopSink) Publish(events.Event) error { return nil }

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the block timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.clock = now }
}

// WithSink routes committed records to s.
func WithSink(s Sink) Option {
	return func(c *Chain) { c.sink = s }
}

// Chain is the execution host for contracts. Every public contract operation
// runs inside Atomic: operations are serialized and either apply completely or
// leave no trace, including writes made by the collaborators they call.
type Chain struct {
	mu     sync.Mutex
	dirMu  sync.RWMutex
	logger *zap.Logger
	sink   Sink
	clock  func() time.Time

	contracts map[common.Address]any
	nonces    map[common.Address]uint64
}

// New creates an empty chain.
func New(logger *zap.Logger, opts ...Option) *Chain {
	c := &Chain{
		logger:    logger.Named("chain"),
		sink:      nopSink{},
		clock:     func() time.Time { return time.Now().UTC() },
		contracts: make(map[common.Address]any),
		nonces:    make(map[common.Address]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type txKey struct{}

type tx struct {
	chain   *Chain
	journal []func()
	pending []events.Event
	now     time.Time
}

func (c *Chain) txFrom(ctx context.Context) *tx {
	t, ok := ctx.Value(txKey{}).(*tx)
	if !ok || t.chain != c {
		return nil
	}
	return t
}

// Atomic runs fn as one all-or-nothing unit. Called with a context that already
// carries a transaction of this chain, fn runs as a nested sub-call whose writes
// are reverted if it fails, leaving the caller free to continue or fail too.
func (c *Chain) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if t := c.txFrom(ctx); t != nil {
		return t.sub(ctx, fn)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t := &tx{chain: c, now: c.clock()}
	if err := t.sub(context.WithValue(ctx, txKey{}, t), fn); err != nil {
		return err
	}

	for _, ev := range t.pending {
		if err := c.sink.Publish(ev); err != nil {
			c.logger.Warn("Record not delivered",
				zap.String("event_type", string(ev.Type())),
				zap.Error(err))
		}
	}
	return nil
}

// View runs a read-only fn serialized against writers.
func (c *Chain) View(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.Atomic(ctx, fn)
}

func (t *tx) sub(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	journalLen, pendingLen := len(t.journal), len(t.pending)

	defer func() {
		if r := recover(); r != nil {
			t.revert(journalLen, pendingLen)
			panic(r)
		}
		if err != nil {
			t.revert(journalLen, pendingLen)
		}
	}()

	return fn(ctx)
}

func (t *tx) revert(journalLen, pendingLen int) {
	for i := len(t.journal) - 1; i >= journalLen; i-- {
		t.journal[i]()
	}
	t.journal = t.journal[:journalLen]
	t.pending = t.pending[:pendingLen]
}

// Record journals undo so it runs if the enclosing unit reverts. It panics
// with ErrNoTransaction when ctx carries no transaction of this chain.
func (c *Chain) Record(ctx context.Context, undo func()) {
	t := c.txFrom(ctx)
	if t == nil {
		panic(ErrNoTransaction)
	}
	t.journal = append(t.journal, undo)
}

// Set writes v to *p and journals the previous value.
func Set[T any](ctx context.Context, c *Chain, p *T, v T) {
	old := *p
	c.Record(ctx, func() { *p = old })
	*p = v
}

// Emit queues a record for delivery on commit.
func (c *Chain) Emit(ctx context.Context, ev events.Event) {
	t := c.txFrom(ctx)
	if t == nil {
		panic(ErrNoTransaction)
	}
	t.pending = append(t.pending, ev)
}

// Now returns the timestamp of the running transaction, or the clock outside one.
func (c *Chain) Now(ctx context.Context) time.Time {
	if t := c.txFrom(ctx); t != nil {
		return t.now
	}
	return c.clock()
}

// Deploy derives a fresh address from deployer and its nonce, builds the
// contract for that address and registers it. Must run inside Atomic.
func (c *Chain) Deploy(ctx context.Context, deployer common.Address, build func(addr common.Address) (any, error)) (common.Address, error) {
	nonce := c.nonces[deployer]
	addr := crypto.CreateAddress(deployer, nonce)

	c.Record(ctx, func() { c.nonces[deployer] = nonce })
	c.nonces[deployer] = nonce + 1

	contract, err := build(addr)
	if err != nil {
		return common.Address{}, err
	}
	if err := c.register(ctx, addr, contract); err != nil {
		return common.Address{}, err
	}

	c.logger.Debug("Contract deployed",
		zap.String("deployer", deployer.Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("address", addr.Hex()))

	return addr, nil
}

// Register places contract at a fixed address.
func (c *Chain) Register(ctx context.Context, addr common.Address, contract any) error {
	return c.Atomic(ctx, func(ctx context.Context) error {
		return c.register(ctx, addr, contract)
	})
}

func (c *Chain) register(ctx context.Context, addr common.Address, contract any) error {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	if _, exists := c.contracts[addr]; exists {
		return fmt.Errorf("%w: %s", ErrAddressInUse, addr.Hex())
	}
	c.contracts[addr] = contract

	c.Record(ctx, func() {
		c.dirMu.Lock()
		defer c.dirMu.Unlock()
		delete(c.contracts, addr)
	})
	return nil
}

// Resolve returns the contract registered at addr.
func (c *Chain) Resolve(addr common.Address) (any, bool) {
	c.dirMu.RLock()
	defer c.dirMu.RUnlock()

	contract, ok := c.contracts[addr]
	return contract, ok
}

// ResolveAs returns the contract at addr if it implements T.
func ResolveAs[T any](c *Chain, addr common.Address) (T, error) {
	var zero T
	contract, ok := c.Resolve(addr)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnknownContract, addr.Hex())
	}
	typed, ok := contract.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s has type %T", ErrUnknownContract, addr.Hex(), contract)
	}
	return typed, nil
}
