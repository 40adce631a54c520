package factory

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fxswap/refuel/internal/chain"
	"github.com/fxswap/refuel/internal/pool"
	"github.com/fxswap/refuel/internal/refuel"
	"github.com/fxswap/refuel/internal/token"
)

var (
	admin    = common.HexToAddress("0xad")
	provider = common.HexToAddress("0xa1")
	operator = common.HexToAddress("0x0a")
	user     = common.HexToAddress("0x05")
)

type fixture struct {
	chain     *chain.Chain
	pool      *pool.TwoCoin
	coin0     *token.Ledger
	blueprint *refuel.Blueprint
	factory   *Factory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	c := chain.New(logger)

	coin0, err := token.Deploy(ctx, c, admin, "USDC")
	require.NoError(t, err)
	coin1, err := token.Deploy(ctx, c, admin, "USDT")
	require.NoError(t, err)
	p, err := pool.Deploy(ctx, c, admin, coin0, coin1, pool.Options{HaircutBps: 500}, logger)
	require.NoError(t, err)

	seed := uint256.NewInt(1_000_000)
	require.NoError(t, coin0.Mint(ctx, provider, seed))
	require.NoError(t, coin1.Mint(ctx, provider, seed))
	_, err = coin0.Approve(ctx, provider, p.Address(), seed)
	require.NoError(t, err)
	_, err = coin1.Approve(ctx, provider, p.Address(), seed)
	require.NoError(t, err)
	_, err = p.AddLiquidity(ctx, provider, pool.Amounts{seed, seed}, nil, provider, false)
	require.NoError(t, err)

	bp, err := refuel.DeployBlueprint(ctx, c, admin, refuel.DefaultParams(), logger)
	require.NoError(t, err)
	f, err := Deploy(ctx, c, admin, bp.Address(), logger)
	require.NoError(t, err)

	return &fixture{chain: c, pool: p, coin0: coin0, blueprint: bp, factory: f}
}

func TestDeploy(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	owner, err := fx.factory.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, admin, owner)

	bp, err := fx.factory.Blueprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, fx.blueprint.Address(), bp)

	n, err := fx.factory.DeploymentCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = Deploy(ctx, fx.chain, admin, common.Address{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestDeployRefuel_ContiguousIDs(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.factory.DeployRefuel(ctx, user, operator, user)
	require.NoError(t, err)

	_, err = fx.factory.DeployRefuel(ctx, user, common.Address{}, user)
	require.ErrorIs(t, err, ErrInvalidAddress)

	require.NoError(t, fx.factory.UpdateBlueprint(ctx, admin, fx.blueprint.Address()))

	second, err := fx.factory.DeployRefuel(ctx, user, operator, user)
	require.NoError(t, err)
	third, err := fx.factory.DeployRefuelSimple(ctx, operator, operator)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "identical arguments must still yield distinct instances")

	n, err := fx.factory.DeploymentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	for id, want := range []common.Address{first, second, third} {
		got, err := fx.factory.Deployment(ctx, uint64(id))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	missing, err := fx.factory.Deployment(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, missing)

	all, err := fx.factory.Deployments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{first, second, third}, all)
}

func TestDeployRefuel_FeeRecipient(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		deploy func() (common.Address, error)
		want   common.Address
	}{
		{
			name:   "simple",
			deploy: func() (common.Address, error) { return fx.factory.DeployRefuelSimple(ctx, user, operator) },
			want:   fx.factory.Address(),
		},
		{
			name:   "explicit factory",
			deploy: func() (common.Address, error) { return fx.factory.DeployRefuel(ctx, user, operator, fx.factory.Address()) },
			want:   fx.factory.Address(),
		},
		{
			name:   "zero recipient",
			deploy: func() (common.Address, error) { return fx.factory.DeployRefuel(ctx, user, operator, common.Address{}) },
			want:   fx.factory.Address(),
		},
		{
			name:   "custom recipient",
			deploy: func() (common.Address, error) { return fx.factory.DeployRefuel(ctx, user, operator, user) },
			want:   user,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := tt.deploy()
			require.NoError(t, err)

			inst, err := chain.ResolveAs[*refuel.Instance](fx.chain, addr)
			require.NoError(t, err)
			s, err := inst.State(ctx)
			require.NoError(t, err)

			assert.True(t, s.Initialized)
			assert.Equal(t, operator, s.Owner)
			assert.Equal(t, tt.want, s.FeeRecipient)
			assert.Equal(t, uint64(refuel.DefaultFeeBps), s.FeeBps)
			assert.Equal(t, uint64(refuel.DefaultDonationThreshold), s.DonationThreshold)

			assert.ErrorIs(t, inst.Initialize(ctx, user, user), refuel.ErrAlreadyInitialized)
		})
	}
}

func TestUpdateBlueprint(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	old, err := fx.factory.DeployRefuelSimple(ctx, user, operator)
	require.NoError(t, err)

	bp2, err := refuel.DeployBlueprint(ctx, fx.chain, admin, refuel.Defaults{FeeBps: 100, DonationThreshold: 9_000}, zap.NewNop())
	require.NoError(t, err)

	assert.ErrorIs(t, fx.factory.UpdateBlueprint(ctx, user, bp2.Address()), ErrUnauthorized)
	assert.ErrorIs(t, fx.factory.UpdateBlueprint(ctx, admin, common.Address{}), ErrInvalidAddress)
	require.NoError(t, fx.factory.UpdateBlueprint(ctx, admin, bp2.Address()))

	fresh, err := fx.factory.DeployRefuelSimple(ctx, user, operator)
	require.NoError(t, err)

	freshInst, err := fx.factory.Instance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, fresh, freshInst.Address())
	assert.Equal(t, bp2.Address(), freshInst.Blueprint())
	s, _ := freshInst.State(ctx)
	assert.Equal(t, uint64(100), s.FeeBps)

	oldInst, err := fx.factory.Instance(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, old, oldInst.Address())
	s, _ = oldInst.State(ctx)
	assert.Equal(t, uint64(refuel.DefaultFeeBps), s.FeeBps)

	_, err = fx.factory.Instance(ctx, 2)
	assert.ErrorIs(t, err, ErrUnknownID)
}

func TestDeployRefuel_UnusableBlueprint(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.factory.UpdateBlueprint(ctx, admin, common.HexToAddress("0xb1")))
	_, err := fx.factory.DeployRefuelSimple(ctx, user, operator)
	assert.ErrorIs(t, err, ErrInvalidBlueprint)

	require.NoError(t, fx.factory.UpdateBlueprint(ctx, admin, fx.coin0.Address()))
	_, err = fx.factory.DeployRefuelSimple(ctx, user, operator)
	assert.ErrorIs(t, err, ErrInvalidBlueprint)

	n, _ := fx.factory.DeploymentCount(ctx)
	assert.Zero(t, n)
}

func TestFees_CollectedFromRefuelAndWithdrawn(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	addr, err := fx.factory.DeployRefuelSimple(ctx, user, operator)
	require.NoError(t, err)
	inst, err := fx.factory.Instance(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, addr, inst.Address())

	_, err = fx.pool.Transfer(ctx, provider, addr, uint256.NewInt(1_000_000))
	require.NoError(t, err)
	require.NoError(t, inst.SetPool(ctx, operator, fx.pool.Address()))
	require.NoError(t, inst.SetRefuelAmount(ctx, operator, uint256.NewInt(1_000_000)))
	_, err = inst.Refuel(ctx, operator)
	require.NoError(t, err)

	fees, err := fx.factory.FeeBalance(ctx, fx.pool.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), fees.Uint64())

	_, err = fx.factory.WithdrawAllFees(ctx, user, fx.pool.Address(), user)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, fx.factory.WithdrawFees(ctx, user, fx.pool.Address(), user, uint256.NewInt(1)), ErrUnauthorized)

	require.NoError(t, fx.factory.WithdrawFees(ctx, admin, fx.pool.Address(), user, uint256.NewInt(10_000)))
	assert.ErrorIs(t, fx.factory.WithdrawFees(ctx, admin, fx.pool.Address(), user, uint256.NewInt(40_001)), ErrTransferFailed)

	withdrawn, err := fx.factory.WithdrawAllFees(ctx, admin, fx.pool.Address(), user)
	require.NoError(t, err)
	assert.Equal(t, uint64(40_000), withdrawn.Uint64())

	got, _ := fx.pool.BalanceOf(ctx, user)
	assert.Equal(t, uint64(50_000), got.Uint64())
	fees, _ = fx.factory.FeeBalance(ctx, fx.pool.Address())
	assert.True(t, fees.IsZero())

	_, err = fx.factory.WithdrawAllFees(ctx, admin, fx.pool.Address(), user)
	assert.ErrorIs(t, err, ErrNoFeesToWithdraw)
}

func TestTransferOwnership(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, fx.factory.TransferOwnership(ctx, user, user), ErrUnauthorized)
	assert.ErrorIs(t, fx.factory.TransferOwnership(ctx, admin, common.Address{}), ErrInvalidAddress)
	require.NoError(t, fx.factory.TransferOwnership(ctx, admin, user))

	owner, _ := fx.factory.Owner(ctx)
	assert.Equal(t, user, owner)
	assert.ErrorIs(t, fx.factory.UpdateBlueprint(ctx, admin, fx.blueprint.Address()), ErrUnauthorized)
	assert.NoError(t, fx.factory.UpdateBlueprint(ctx, user, fx.blueprint.Address()))
}
