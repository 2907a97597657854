package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lpvault/native/vault"
	"lpvault/native/vault/sim"
	"lpvault/services/keeperd/storage"
)

type fixture struct {
	d      *sim.Deployment
	vault  *vault.Vault
	keeper *Keeper
	store  *storage.Storage
}

func newFixture(t *testing.T, plan []PlanEntry) *fixture {
	t.Helper()
	d := sim.NewDeployment(t.Name(), 1_000)
	strategy, v, err := d.Build(d.Params())
	require.NoError(t, err)
	strategy.SetMetrics(nil)
	v.SetMetrics(nil)

	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	k, err := New(Options{
		Vault:    v,
		History:  store,
		Identity: d.Operator,
		Plan:     plan,
		Deadline: time.Minute,
		Now:      d.Chain.Now,
		BeforeScheduled: func(context.Context) error {
			d.Booster.AccrueReward(d.RewardX, big.NewInt(100))
			d.Booster.AccrueReward(d.RewardY, big.NewInt(50))
			return nil
		},
	})
	require.NoError(t, err)

	holder := sim.Address(t.Name() + "/holder")
	d.Fund(holder, big.NewInt(1_000))
	_, err = v.Deposit(context.Background(), holder, big.NewInt(1_000))
	require.NoError(t, err)

	return &fixture{d: d, vault: v, keeper: k, store: store}
}

// basePlan bounds the fixture's two route slots at their exact outputs.
func basePlan(t *testing.T) []PlanEntry {
	return []PlanEntry{
		{Token: sim.Address(t.Name() + "/rewardX"), MinimumOutput: big.NewInt(200)},
		{Token: sim.Address(t.Name() + "/rewardY"), MinimumOutput: big.NewInt(25)},
	}
}

func TestTickHarvestsAndRecords(t *testing.T) {
	f := newFixture(t, basePlan(t))
	ctx := context.Background()

	run, err := f.keeper.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.StatusCommitted, run.Status)
	require.Equal(t, TriggerSchedule, run.Trigger)
	// 100 X -> 200 A and 50 Y -> 25 B, each minting underlying 1:1.
	require.Equal(t, "225", run.Compounded)
	require.Len(t, run.Swaps, 2)

	total, err := f.vault.TotalUnderlying(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1_225), total.Int64())

	runs, err := f.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, run.RunID, runs[0].RunID)
}

func TestHarvestFailureIsRecorded(t *testing.T) {
	f := newFixture(t, []PlanEntry{
		{Token: sim.Address("unused"), MinimumOutput: big.NewInt(1)},
	})
	ctx := context.Background()

	run, err := f.keeper.Harvest(ctx, f.d.Operator, TriggerAPI)
	require.Error(t, err)
	require.True(t, errors.Is(err, vault.ErrRouteTokenMismatch))
	require.Equal(t, storage.StatusFailed, run.Status)
	require.NotEmpty(t, run.RunID)

	stored, err := f.store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, run.Error, stored.Error)
}

func TestHarvestRejectsStranger(t *testing.T) {
	f := newFixture(t, basePlan(t))
	_, err := f.keeper.Harvest(context.Background(), sim.Address("stranger"), TriggerAPI)
	require.ErrorIs(t, err, vault.ErrUnauthorized)
}

func TestPlanParamsUseDeadlineAndMinimums(t *testing.T) {
	f := newFixture(t, []PlanEntry{
		{Token: sim.Address("x"), MinimumOutput: big.NewInt(7)},
	})
	params, err := f.keeper.Params()
	require.NoError(t, err)
	require.Len(t, params, 1)
	require.Equal(t, uint64(1_060), params[0].Deadline)
	require.Equal(t, int64(7), params[0].MinimumOutput.Int64())
	require.Nil(t, params[0].MinimumLiquidity)
}

func TestPlanMinimumLiquidityReachesHarvest(t *testing.T) {
	plan := basePlan(t)
	plan[0].MinimumLiquidity = big.NewInt(201)
	f := newFixture(t, plan)

	run, err := f.keeper.Tick(context.Background())
	require.ErrorIs(t, err, sim.ErrTooLittleReceived)
	require.Equal(t, storage.StatusFailed, run.Status)

	total, err := f.vault.TotalUnderlying(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1_000), total.Int64())
}

func TestHarvestRequiresPlan(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.False(t, f.keeper.HasPlan())

	_, err := f.keeper.Params()
	require.ErrorIs(t, err, ErrNoPlan)
	_, err = f.keeper.Tick(ctx)
	require.ErrorIs(t, err, ErrNoPlan)
	_, err = f.keeper.Harvest(ctx, f.d.Operator, TriggerAPI)
	require.ErrorIs(t, err, ErrNoPlan)
	require.ErrorIs(t, f.keeper.Run(ctx, time.Hour), ErrNoPlan)

	// Nothing was accrued, swapped or recorded.
	require.Zero(t, f.d.Chain.BalanceOf(f.d.RewardX, f.d.Booster.Address()).Sign())
	total, err := f.vault.TotalUnderlying(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1_000), total.Int64())
	runs, err := f.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestNewRejectsUnboundedPlan(t *testing.T) {
	d := sim.NewDeployment(t.Name(), 1_000)
	_, v, err := d.Build(d.Params())
	require.NoError(t, err)
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for name, entry := range map[string]PlanEntry{
		"nil minimum":        {Token: d.RewardX},
		"zero minimum":       {Token: d.RewardX, MinimumOutput: big.NewInt(0)},
		"missing token":      {MinimumOutput: big.NewInt(1)},
		"negative liquidity": {Token: d.RewardX, MinimumOutput: big.NewInt(1), MinimumLiquidity: big.NewInt(-1)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(Options{Vault: v, History: store, Identity: d.Operator, Plan: []PlanEntry{entry}})
			require.Error(t, err)
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, basePlan(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.keeper.Run(ctx, time.Hour), context.Canceled)
	require.Error(t, f.keeper.Run(context.Background(), 0))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
