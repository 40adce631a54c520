package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fxswap/refuel/internal/chain"
	"github.com/fxswap/refuel/internal/logger"
	"github.com/fxswap/refuel/internal/pool"
	"github.com/fxswap/refuel/internal/refuel"
	"github.com/fxswap/refuel/internal/token"
)

var operator = common.HexToAddress("0x0a")

type fakeInstance struct {
	addr       common.Address
	threshold  uint64
	share      uint64
	previewErr error

	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeInstance) Address() common.Address { return f.addr }

func (f *fakeInstance) State(context.Context) (refuel.State, error) {
	return refuel.State{Initialized: true, DonationThreshold: f.threshold}, nil
}

func (f *fakeInstance) CalculateDonationShare(context.Context) (uint64, error) {
	return f.share, f.previewErr
}

func (f *fakeInstance) Refuel(_ context.Context, caller common.Address) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if caller != operator {
		return nil, refuel.ErrUnauthorized
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return uint256.NewInt(100), nil
}

func (f *fakeInstance) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes map[string]string
	shares   map[string]uint64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: map[string]string{}, shares: map[string]uint64{}}
}

func (r *fakeRecorder) RecordRefuel(_ context.Context, instance, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[instance] = outcome
}

func (r *fakeRecorder) SetDonationShare(instance string, bps uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shares[instance] = bps
}

var errRPC = errors.New("collaborator unavailable")

func testConfig(retries int) Config {
	return Config{Interval: time.Millisecond, Workers: 2, Retries: retries, RetryDelay: time.Millisecond}
}

func TestRunOnce_Outcomes(t *testing.T) {
	below := &refuel.DonationBelowThresholdError{
		ShareBps: 9_400, ThresholdBps: 9_500,
		ProjectedLP: uint256.NewInt(893), NetAmount: uint256.NewInt(950),
	}

	tests := []struct {
		name         string
		inst         *fakeInstance
		retries      int
		wantOutcome  string
		wantAttempts int
		wantCalls    int
		wantErr      error
	}{
		{
			name:         "success",
			inst:         &fakeInstance{threshold: 9_500, share: 9_600},
			retries:      3,
			wantOutcome:  logger.OutcomeSuccess,
			wantAttempts: 1,
			wantCalls:    1,
		},
		{
			name:         "transient failures are retried",
			inst:         &fakeInstance{threshold: 9_500, share: 9_600, errs: []error{errRPC, errRPC}},
			retries:      3,
			wantOutcome:  logger.OutcomeSuccess,
			wantAttempts: 3,
			wantCalls:    3,
		},
		{
			name:         "retries exhausted",
			inst:         &fakeInstance{threshold: 9_500, share: 9_600, errs: []error{errRPC, errRPC, errRPC}},
			retries:      1,
			wantOutcome:  logger.OutcomeFailed,
			wantAttempts: 2,
			wantCalls:    2,
			wantErr:      errRPC,
		},
		{
			name:         "precondition failure is not retried",
			inst:         &fakeInstance{threshold: 9_500, share: 9_600, errs: []error{refuel.ErrInsufficientLPTokens}},
			retries:      3,
			wantOutcome:  logger.OutcomeFailed,
			wantAttempts: 1,
			wantCalls:    1,
			wantErr:      refuel.ErrInsufficientLPTokens,
		},
		{
			name:         "pool moved after preview",
			inst:         &fakeInstance{threshold: 9_500, share: 9_500, errs: []error{below}},
			retries:      3,
			wantOutcome:  logger.OutcomeBelowThreshold,
			wantAttempts: 1,
			wantCalls:    1,
			wantErr:      refuel.ErrDonationBelowThreshold,
		},
		{
			name:        "preview below threshold",
			inst:        &fakeInstance{threshold: 9_500, share: 9_499},
			retries:     3,
			wantOutcome: logger.OutcomeBelowThreshold,
		},
		{
			name:        "not configured",
			inst:        &fakeInstance{threshold: 9_500, previewErr: refuel.ErrPoolNotSet},
			retries:     3,
			wantOutcome: logger.OutcomeSkipped,
			wantErr:     refuel.ErrPoolNotSet,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.inst.addr = common.BigToAddress(uint256.NewInt(uint64(i + 1)).ToBig())
			rec := newFakeRecorder()
			k := New(testConfig(tt.retries), zaptest.NewLogger(t), rec)
			k.Add(Target{Instance: tt.inst, Operator: operator})

			results, err := k.RunOnce(context.Background())
			require.NoError(t, err)
			require.Len(t, results, 1)

			res := results[0]
			assert.Equal(t, tt.inst.addr, res.Instance)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantAttempts, res.Attempts)
			assert.Equal(t, tt.wantCalls, tt.inst.callCount())
			if tt.wantErr != nil {
				assert.ErrorIs(t, res.Err, tt.wantErr)
			} else {
				assert.NoError(t, res.Err)
			}
			if tt.wantOutcome == logger.OutcomeSuccess {
				assert.Equal(t, uint64(100), res.Donated.Uint64())
			}
			assert.Equal(t, tt.wantOutcome, rec.outcomes[tt.inst.addr.Hex()])
		})
	}
}

func TestRunOnce_ProcessesAllTargets(t *testing.T) {
	k := New(testConfig(0), zap.NewNop(), nil)

	var insts []*fakeInstance
	for i := 0; i < 7; i++ {
		inst := &fakeInstance{
			addr:      common.BigToAddress(uint256.NewInt(uint64(100 + i)).ToBig()),
			threshold: 9_500,
			share:     9_500,
		}
		insts = append(insts, inst)
		k.Add(Target{Instance: inst, Operator: operator})
	}

	results, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(insts))
	for i, res := range results {
		assert.Equal(t, insts[i].addr, res.Instance, "results keep target order")
		assert.Equal(t, logger.OutcomeSuccess, res.Outcome)
		assert.Equal(t, 1, insts[i].callCount())
	}
}

func TestRunOnce_Cancelled(t *testing.T) {
	inst := &fakeInstance{threshold: 9_500, share: 9_600}
	k := New(testConfig(0), zap.NewNop(), nil)
	k.Add(Target{Instance: inst, Operator: operator})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := k.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, inst.callCount())
}

func TestRun_StopsAfterRounds(t *testing.T) {
	inst := &fakeInstance{threshold: 9_500, share: 9_600}
	k := New(testConfig(0), zap.NewNop(), nil)
	k.Add(Target{Instance: inst, Operator: operator})

	require.NoError(t, k.Run(context.Background(), 3))
	assert.Equal(t, 3, inst.callCount())
}

func TestRun_StopsOnCancel(t *testing.T) {
	inst := &fakeInstance{threshold: 9_500, share: 9_600}
	k := New(Config{Interval: time.Hour, Workers: 1}, zap.NewNop(), nil)
	k.Add(Target{Instance: inst, Operator: operator})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx, 0) }()

	require.Eventually(t, func() bool { return inst.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
}

func TestKeeper_DrivesRealInstance(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	c := chain.New(log)
	deployer := common.HexToAddress("0xd0")
	provider := common.HexToAddress("0xa1")

	coin0, err := token.Deploy(ctx, c, deployer, "USDC")
	require.NoError(t, err)
	coin1, err := token.Deploy(ctx, c, deployer, "USDT")
	require.NoError(t, err)
	p, err := pool.Deploy(ctx, c, deployer, coin0, coin1, pool.Options{HaircutBps: 500}, log)
	require.NoError(t, err)

	seed := uint256.NewInt(1_000_000)
	for _, coin := range []*token.Ledger{coin0, coin1} {
		require.NoError(t, coin.Mint(ctx, provider, seed))
		_, err = coin.Approve(ctx, provider, p.Address(), seed)
		require.NoError(t, err)
	}
	_, err = p.AddLiquidity(ctx, provider, pool.Amounts{seed, seed}, nil, provider, false)
	require.NoError(t, err)

	bp, err := refuel.DeployBlueprint(ctx, c, deployer, refuel.DefaultParams(), log)
	require.NoError(t, err)
	inst, err := bp.Instantiate(ctx, deployer)
	require.NoError(t, err)
	require.NoError(t, inst.Initialize(ctx, operator, deployer))
	require.NoError(t, inst.SetPool(ctx, operator, p.Address()))
	require.NoError(t, inst.SetRefuelAmount(ctx, operator, uint256.NewInt(100_000)))
	_, err = p.Transfer(ctx, provider, inst.Address(), uint256.NewInt(200_000))
	require.NoError(t, err)

	k := New(testConfig(2), log, nil)
	k.Add(Target{Instance: inst, Operator: operator})

	results, err := k.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, logger.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, uint64(9_500), results[0].ShareBps)
	assert.Equal(t, uint64(90_250), results[0].Donated.Uint64())

	// The donation raised LP value, so the preview now sits just under 9500.
	results, err = k.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, logger.OutcomeBelowThreshold, results[0].Outcome)
	assert.Equal(t, uint64(9_499), results[0].ShareBps)
	assert.Zero(t, results[0].Attempts)

	require.NoError(t, inst.SetDonationThreshold(ctx, operator, 9_000))
	results, err = k.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, logger.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, uint64(9_499), results[0].ShareBps)
	assert.Equal(t, uint64(90_249), results[0].Donated.Uint64())

	// The instance is drained: the preview fails before any attempt.
	results, err = k.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, logger.OutcomeSkipped, results[0].Outcome)
	assert.Zero(t, results[0].Attempts)
	assert.ErrorIs(t, results[0].Err, refuel.ErrInsufficientLPTokens)
}
