// internal/keeper/keeper.go
package keeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxswap/refuel/internal/logger"
	"github.com/fxswap/refuel/internal/refuel"
)

// Refueler is the part of a refuel instance the keeper drives.
type Refueler interface {
	Address() common.Address
	State(ctx context.Context) (refuel.State, error)
	CalculateDonationShare(ctx context.Context) (uint64, error)
	Refuel(ctx context.Context, caller common.Address) (*uint256.Int, error)
}

var _ Refueler = (*refuel.Instance)(nil)

// Recorder receives per-attempt observations.
type Recorder interface {
	RecordRefuel(ctx context.Context, instance, outcome string, duration time.Duration)
	SetDonationShare(instance string, bps uint64)
}

type nopRecorder struct{}

func (nopRecorder) RecordRefuel(context.Context, string, string, time.Duration) {}
func (nopRecorder) SetDonationShare(string, uint64)                            {}

// Target is an instance plus the owner key the keeper calls it with.
type Target struct {
	Instance Refueler
	Operator common.Address
}

type Config struct {
	Interval   time.Duration
	Workers    int
	Retries    int
	RetryDelay time.Duration
}

const (
	DefaultInterval   = time.Second
	DefaultWorkers    = 5
	DefaultRetries    = 3
	DefaultRetryDelay = 50 * time.Millisecond
)

// Result describes one target's outcome in a round.
type Result struct {
	Instance common.Address
	Outcome  string
	ShareBps uint64
	Donated  *uint256.Int
	Attempts int
	Err      error
}

// Keeper calls Refuel on its targets every interval, skipping those whose
// preview is below their threshold.
type Keeper struct {
	cfg      Config
	logger   *zap.Logger
	recorder Recorder

	mu      sync.RWMutex
	targets []Target
}

func New(cfg Config, logger *zap.Logger, recorder Recorder) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Retries < 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Keeper{
		cfg:      cfg,
		logger:   logger.Named("keeper"),
		recorder: recorder,
	}
}

func (k *Keeper) Add(targets ...Target) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.targets = append(k.targets, targets...)
}

func (k *Keeper) Targets() []Target {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]Target(nil), k.targets...)
}

// Run executes rounds every interval until ctx is cancelled, or until rounds
// have completed when rounds > 0.
func (k *Keeper) Run(ctx context.Context, rounds int) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	for done := 1; ; done++ {
		if _, err := k.RunOnce(ctx); err != nil {
			return err
		}
		if rounds > 0 && done >= rounds {
			return nil
		}
		select {
		case <-ctx.Done():
			k.logger.Info("Keeper stopped", zap.Int("rounds", done))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce processes every target once, at most Workers at a time. Individual
// target failures are reported in the results; only cancellation is returned.
func (k *Keeper) RunOnce(ctx context.Context) ([]Result, error) {
	targets := k.Targets()
	results := make([]Result, len(targets))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Workers)

	for i, t := range targets {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			results[i] = k.process(gCtx, t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	k.logRound(results)
	return results, nil
}

func (k *Keeper) process(ctx context.Context, t Target) Result {
	addr := t.Instance.Address()
	log := k.logger.With(logger.Contract("instance", addr))
	res := Result{Instance: addr}
	start := time.Now()
	defer func() {
		k.recorder.RecordRefuel(ctx, addr.Hex(), res.Outcome, time.Since(start))
	}()

	state, err := t.Instance.State(ctx)
	if err != nil {
		res.Outcome, res.Err = logger.OutcomeFailed, err
		return res
	}

	share, err := t.Instance.CalculateDonationShare(ctx)
	if err != nil {
		res.Err = err
		res.Outcome = logger.OutcomeFailed
		if refuel.IsPermanent(err) {
			res.Outcome = logger.OutcomeSkipped
		}
		log.Debug("Preview unavailable", zap.String("outcome", res.Outcome), zap.Error(err))
		return res
	}
	res.ShareBps = share
	k.recorder.SetDonationShare(addr.Hex(), share)

	if share < state.DonationThreshold {
		res.Outcome = logger.OutcomeBelowThreshold
		log.Info("Refuel skipped: donation share below threshold",
			zap.Uint64("share_bps", share),
			zap.Uint64("threshold_bps", state.DonationThreshold))
		return res
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = k.cfg.RetryDelay
	policy.MaxInterval = k.cfg.RetryDelay * 10

	notify := func(err error, wait time.Duration) {
		log.Warn("Refuel failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
	}

	operation := func() (*uint256.Int, error) {
		res.Attempts++
		donated, err := t.Instance.Refuel(ctx, t.Operator)
		if err != nil {
			if refuel.IsPermanent(err) || refuel.IsMarketCondition(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return donated, nil
	}

	donated, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(k.cfg.Retries+1)),
		backoff.WithNotify(notify))

	switch {
	case err == nil:
		res.Outcome, res.Donated = logger.OutcomeSuccess, donated
	case refuel.IsMarketCondition(err):
		res.Outcome, res.Err = logger.OutcomeBelowThreshold, err
		var below *refuel.DonationBelowThresholdError
		if errors.As(err, &below) {
			log.Info("Refuel refused by pool conditions",
				zap.Uint64("share_bps", below.ShareBps),
				zap.Uint64("threshold_bps", below.ThresholdBps))
		}
	default:
		res.Outcome, res.Err = logger.OutcomeFailed, err
		log.Error("Refuel failed", zap.Int("attempts", res.Attempts), zap.Error(err))
	}
	return res
}

func (k *Keeper) logRound(results []Result) {
	counts := make(map[string]int, 4)
	for _, r := range results {
		counts[r.Outcome]++
	}
	k.logger.Info("Keeper round finished",
		zap.Int("targets", len(results)),
		zap.Int(logger.OutcomeSuccess, counts[logger.OutcomeSuccess]),
		zap.Int(logger.OutcomeBelowThreshold, counts[logger.OutcomeBelowThreshold]),
		zap.Int(logger.OutcomeSkipped, counts[logger.OutcomeSkipped]),
		zap.Int(logger.OutcomeFailed, counts[logger.OutcomeFailed]))
}
