// internal/sim/runner.go
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fxswap/refuel/internal/chain"
	"github.com/fxswap/refuel/internal/config"
	"github.com/fxswap/refuel/internal/events"
	"github.com/fxswap/refuel/internal/factory"
	"github.com/fxswap/refuel/internal/keeper"
	"github.com/fxswap/refuel/internal/logger"
	"github.com/fxswap/refuel/internal/metrics"
	"github.com/fxswap/refuel/internal/pool"
	"github.com/fxswap/refuel/internal/refuel"
	"github.com/fxswap/refuel/internal/storage"
	"github.com/fxswap/refuel/internal/storage/postgres"
	"github.com/fxswap/refuel/internal/token"
)

var (
	// Admin deploys the world and owns the factory.
	Admin = common.HexToAddress("0xad")
	// Provider seeds the pool and funds instances with LP.
	Provider = common.HexToAddress("0xa1")
)

const (
	eventBufferSize = 4096
	// persistTimeout bounds how long a commit waits for buffer space when
	// publishing a record that storage keeps.
	persistTimeout = 5 * time.Second
)

// Operator returns the owner key of the i-th simulated instance.
func Operator(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

// Summary reports what a simulation did.
type Summary struct {
	Factory       common.Address
	Pool          common.Address
	Deployments   uint64
	Outcomes      map[string]int
	DonatedLP     *uint256.Int
	FeesWithdrawn *uint256.Int
}

type Option func(*Runner)

// WithStorage records history to s instead of opening postgres_url.
func WithStorage(s storage.Storage) Option {
	return func(r *Runner) { r.store = s }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *Runner) { r.registry = reg }
}

// Runner wires a simulated chain, a factory with its instances and a keeper,
// and drives them for the configured number of rounds.
type Runner struct {
	cfg      *config.Config
	log      *logger.Logger
	logger   *zap.Logger
	shutdown *ShutdownHandler

	registry *prometheus.Registry
	metrics  *metrics.Collector
	bus      *events.Bus
	chain    *chain.Chain
	store    storage.Storage
	listener net.Listener

	pool    *pool.TwoCoin
	factory *factory.Factory
	keeper  *keeper.Keeper
	tally   *tally
}

func NewRunner(cfg *config.Config, log *logger.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		log:      log,
		logger:   log.WithComponent("sim"),
		shutdown: NewShutdownHandler(log.Logger, DefaultShutdownTimeout),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.registry == nil {
		r.registry = prometheus.NewRegistry()
	}
	return r
}

// Setup builds the infrastructure and deploys tokens, pool, blueprint, factory
// and instances. Every instance is funded for the configured rounds.
func (r *Runner) Setup(ctx context.Context) error {
	defer r.log.TrackPerformance("setup")()

	r.metrics = metrics.NewCollector(r.registry)
	r.bus = events.NewBus(r.logger, eventBufferSize)
	r.chain = chain.New(r.logger, chain.WithSink(r.bus.Reliable(persistTimeout, storage.PersistedTypes...)))
	r.bus.SubscribeAll(r.metrics)

	if err := r.openStorage(); err != nil {
		return err
	}
	r.shutdown.AddFunc("event_bus", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return r.bus.Shutdown(ctx)
	})

	if err := r.serveMetrics(); err != nil {
		return err
	}

	return r.deploy(ctx)
}

func (r *Runner) openStorage() error {
	if r.store == nil && r.cfg.PostgresURL != "" {
		store, err := postgres.NewStorage(r.cfg.PostgresURL, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		r.store = store
	}
	if r.store == nil {
		return nil
	}

	r.shutdown.Add("storage", r.store)
	if err := r.store.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	storage.NewRecorder(r.store, r.logger).Attach(r.bus)
	r.logger.Info("Recording history to storage")
	return nil
}

func (r *Runner) serveMetrics() error {
	if r.cfg.MetricsAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", r.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	r.listener = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	r.shutdown.AddFunc("metrics_server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	r.logger.Info("Serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}

// MetricsAddr is the address the metrics endpoint listens on, or "" when disabled.
func (r *Runner) MetricsAddr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

func (r *Runner) deploy(ctx context.Context) error {
	coin0, err := token.Deploy(ctx, r.chain, Admin, "USDC")
	if err != nil {
		return fmt.Errorf("deploy coin0: %w", err)
	}
	coin1, err := token.Deploy(ctx, r.chain, Admin, "USDT")
	if err != nil {
		return fmt.Errorf("deploy coin1: %w", err)
	}
	r.pool, err = pool.Deploy(ctx, r.chain, Admin, coin0, coin1,
		pool.Options{HaircutBps: r.cfg.DepositHaircutBps}, r.logger)
	if err != nil {
		return fmt.Errorf("deploy pool: %w", err)
	}

	rounds := r.cfg.Rounds
	if rounds == 0 {
		rounds = config.DefaultRounds
	}
	perInstance := new(uint256.Int).Mul(uint256.NewInt(r.cfg.RefuelAmount), uint256.NewInt(uint64(rounds)))
	seed := new(uint256.Int).Mul(perInstance, uint256.NewInt(uint64(r.cfg.Instances)))
	if err := r.seed(ctx, [pool.NCoins]*token.Ledger{coin0, coin1}, seed); err != nil {
		return err
	}

	bp, err := refuel.DeployBlueprint(ctx, r.chain, Admin, refuel.Defaults{
		FeeBps:            r.cfg.FeeBps,
		DonationThreshold: r.cfg.DonationThreshold,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("deploy blueprint: %w", err)
	}
	r.factory, err = factory.Deploy(ctx, r.chain, Admin, bp.Address(), r.logger)
	if err != nil {
		return fmt.Errorf("deploy factory: %w", err)
	}

	r.tally = newTally(r.metrics)
	r.keeper = keeper.New(keeper.Config{
		Interval: r.cfg.KeeperInterval,
		Workers:  r.cfg.Workers,
		Retries:  r.cfg.Retries,
	}, r.logger, r.tally)

	for i := 0; i < r.cfg.Instances; i++ {
		inst, err := r.deployInstance(ctx, uint64(i), Operator(i), perInstance)
		if err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
		r.keeper.Add(keeper.Target{Instance: inst, Operator: Operator(i)})
	}

	r.logger.Info("Simulation deployed",
		zap.String("pool", r.pool.Address().Hex()),
		zap.String("factory", r.factory.Address().Hex()),
		zap.Int("instances", r.cfg.Instances),
		zap.Stringer("lp_per_instance", perInstance))
	return nil
}

// seed deposits amount of each coin from Provider, minting 2*amount LP.
func (r *Runner) seed(ctx context.Context, coins [pool.NCoins]*token.Ledger, amount *uint256.Int) error {
	var deposit pool.Amounts
	for i, coin := range coins {
		if err := coin.Mint(ctx, Provider, amount); err != nil {
			return fmt.Errorf("mint %s: %w", coin.Symbol(), err)
		}
		if _, err := coin.Approve(ctx, Provider, r.pool.Address(), amount); err != nil {
			return fmt.Errorf("approve %s: %w", coin.Symbol(), err)
		}
		deposit[i] = amount
	}
	if _, err := r.pool.AddLiquidity(ctx, Provider, deposit, nil, Provider, false); err != nil {
		return fmt.Errorf("seed pool: %w", err)
	}
	return nil
}

func (r *Runner) deployInstance(ctx context.Context, id uint64, operator common.Address, lp *uint256.Int) (*refuel.Instance, error) {
	if _, err := r.factory.DeployRefuelSimple(ctx, Admin, operator); err != nil {
		return nil, err
	}
	inst, err := r.factory.Instance(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := inst.SetPool(ctx, operator, r.pool.Address()); err != nil {
		return nil, err
	}
	if err := inst.SetRefuelAmount(ctx, operator, uint256.NewInt(r.cfg.RefuelAmount)); err != nil {
		return nil, err
	}
	ok, err := r.pool.Transfer(ctx, Provider, inst.Address(), lp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("funding transfer refused")
	}
	return inst, nil
}

// Run drives the keeper for the configured rounds (until ctx ends when rounds
// is zero) and then sweeps the factory's fees to Admin.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	if r.keeper == nil {
		return nil, errors.New("runner not set up")
	}
	log := r.log.WithOperation("simulation")
	log.Info("Starting keeper", zap.Int("rounds", r.cfg.Rounds), zap.Duration("interval", r.cfg.KeeperInterval))

	err := r.keeper.Run(ctx, r.cfg.Rounds)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("keeper: %w", err)
	}

	// The sweep runs even after cancellation.
	sweepCtx := context.WithoutCancel(ctx)
	withdrawn, err := r.factory.WithdrawAllFees(sweepCtx, Admin, r.pool.Address(), Admin)
	switch {
	case errors.Is(err, factory.ErrNoFeesToWithdraw):
		withdrawn = new(uint256.Int)
	case err != nil:
		return nil, fmt.Errorf("withdraw fees: %w", err)
	}

	summary, err := r.summarize(sweepCtx, withdrawn)
	if err != nil {
		return nil, err
	}
	log.Info("Simulation finished",
		zap.Uint64("deployments", summary.Deployments),
		zap.Any("outcomes", summary.Outcomes),
		zap.Stringer("donated_lp", summary.DonatedLP),
		zap.Stringer("fees_withdrawn", summary.FeesWithdrawn))
	return summary, nil
}

func (r *Runner) summarize(ctx context.Context, withdrawn *uint256.Int) (*Summary, error) {
	n, err := r.factory.DeploymentCount(ctx)
	if err != nil {
		return nil, err
	}
	donated, err := r.pool.BalanceOf(ctx, pool.BurnSink)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Factory:       r.factory.Address(),
		Pool:          r.pool.Address(),
		Deployments:   n,
		Outcomes:      r.tally.snapshot(),
		DonatedLP:     donated,
		FeesWithdrawn: withdrawn,
	}, nil
}

// Shutdown stops the metrics server, drains the event bus and closes storage.
func (r *Runner) Shutdown(ctx context.Context) error {
	return r.shutdown.Shutdown(ctx)
}

// tally counts keeper outcomes on top of the metrics collector.
type tally struct {
	next keeper.Recorder

	mu     sync.Mutex
	counts map[string]int
}

func newTally(next keeper.Recorder) *tally {
	return &tally{next: next, counts: make(map[string]int)}
}

func (t *tally) RecordRefuel(ctx context.Context, instance, outcome string, duration time.Duration) {
	t.mu.Lock()
	t.counts[outcome]++
	t.mu.Unlock()
	t.next.RecordRefuel(ctx, instance, outcome, duration)
}

func (t *tally) SetDonationShare(instance string, bps uint64) {
	t.next.SetDonationShare(instance, bps)
}

func (t *tally) snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}
