package vault_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"lpvault/core/events"
	nativecommon "lpvault/native/common"
	"lpvault/native/vault"
	"lpvault/native/vault/sim"
	"lpvault/observability/metrics"
	"lpvault/storage"
)

const genesis = 1_000

type testEnv struct {
	d        *sim.Deployment
	strategy *vault.Strategy
	vault    *vault.Vault
	events   *events.Recorder
	alice    common.Address
	bob      common.Address
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	d := sim.NewDeployment(t.Name(), genesis)
	strategy, v, err := d.Build(d.Params())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rec := &events.Recorder{}
	strategy.SetEmitter(rec)
	v.SetEmitter(rec)
	strategy.SetMetrics(nil)
	v.SetMetrics(nil)
	return &testEnv{
		d:        d,
		strategy: strategy,
		vault:    v,
		events:   rec,
		alice:    sim.Address(t.Name() + "/alice"),
		bob:      sim.Address(t.Name() + "/bob"),
	}
}

func (e *testEnv) deposit(t *testing.T, who common.Address, amount int64) *big.Int {
	t.Helper()
	e.d.Fund(who, big.NewInt(amount))
	shares, err := e.vault.Deposit(context.Background(), who, big.NewInt(amount))
	if err != nil {
		t.Fatalf("deposit %d: %v", amount, err)
	}
	return shares
}

func (e *testEnv) venue(t *testing.T) *big.Int {
	t.Helper()
	bal, err := e.vault.TotalUnderlying(context.Background())
	if err != nil {
		t.Fatalf("venue balance: %v", err)
	}
	return bal
}

func (e *testEnv) harvestParams(minX, minY int64) []vault.HarvestParam {
	deadline := uint64(genesis + 60)
	return []vault.HarvestParam{
		{Token: e.d.RewardX, Deadline: deadline, MinimumOutput: big.NewInt(minX)},
		{Token: e.d.RewardY, Deadline: deadline, MinimumOutput: big.NewInt(minY)},
	}
}

func (e *testEnv) accrueRewards(x, y int64) {
	e.d.Booster.AccrueReward(e.d.RewardX, big.NewInt(x))
	e.d.Booster.AccrueReward(e.d.RewardY, big.NewInt(y))
}

func TestFirstDepositSeedsOneToOneDespiteResidual(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	shares := env.deposit(t, env.alice, 1_000)
	if shares.Int64() != 1_000 {
		t.Fatalf("expected 1000 shares, got %s", shares)
	}
	if _, err := env.vault.Withdraw(ctx, env.alice, shares, env.alice); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	env.d.Booster.AccrueYield(big.NewInt(5))
	if env.vault.TotalSupply().Sign() != 0 || env.venue(t).Int64() != 5 {
		t.Fatalf("expected empty supply with residual venue balance")
	}
	shares = env.deposit(t, env.bob, 500)
	if shares.Int64() != 500 {
		t.Fatalf("expected 1:1 seed, got %s", shares)
	}
}

func TestDepositsAreProportional(t *testing.T) {
	env := newEnv(t)
	a := env.deposit(t, env.alice, 1_000)
	b := env.deposit(t, env.bob, 250)
	if new(big.Int).Mul(a, big.NewInt(250)).Cmp(new(big.Int).Mul(b, big.NewInt(1_000))) != 0 {
		t.Fatalf("shares %s:%s not proportional to 1000:250", a, b)
	}

	env.d.Booster.AccrueYield(big.NewInt(625))
	carol := sim.Address(t.Name() + "/carol")
	c := env.deposit(t, carol, 300)
	// venue 1875 backs 1250 shares: 300 * 1250 / 1875 = 200.
	if c.Int64() != 200 {
		t.Fatalf("expected 200 shares after yield, got %s", c)
	}
}

func TestRoundTripLosesAtMostTruncation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.deposit(t, env.alice, 1_000_003)
	env.d.Booster.AccrueYield(big.NewInt(333_331))

	shares := env.deposit(t, env.bob, 999_999)
	paid, err := env.vault.Withdraw(ctx, env.bob, shares, env.bob)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid.Cmp(big.NewInt(999_999)) > 0 {
		t.Fatalf("round trip paid %s for 999999", paid)
	}
	if new(big.Int).Sub(big.NewInt(999_999), paid).Cmp(big.NewInt(2)) > 0 {
		t.Fatalf("round trip lost more than truncation: paid %s", paid)
	}
	if env.d.Chain.BalanceOf(env.d.Underlying, env.bob).Cmp(paid) != 0 {
		t.Fatalf("destination not credited")
	}
}

func TestWithdrawRejectsExcessShares(t *testing.T) {
	env := newEnv(t)
	shares := env.deposit(t, env.alice, 100)
	_, err := env.vault.Withdraw(context.Background(), env.alice, new(big.Int).Add(shares, big.NewInt(1)), env.alice)
	if !errors.Is(err, vault.ErrInsufficientShares) {
		t.Fatalf("expected insufficient shares, got %v", err)
	}
	if env.vault.BalanceOf(env.alice).Cmp(shares) != 0 {
		t.Fatalf("failed withdraw changed balance")
	}
}

func TestHarvestCompoundsWithoutDilution(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	a := env.deposit(t, env.alice, 1_000)
	b := env.deposit(t, env.bob, 500)
	claimBefore, err := env.vault.ConvertToUnderlying(ctx, env.vault.TotalSupply())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	env.accrueRewards(100, 50)
	env.events.Reset()

	report, err := env.strategy.Harvest(ctx, env.d.Operator, env.harvestParams(200, 25))
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	// X: 100 -> 200 hop -> 200 A -> 200 LP. Y: 50 -> 25 B -> 25 LP.
	if report.Liquidity.Int64() != 225 || report.Compounded.Int64() != 225 || report.KeeperFee.Sign() != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if env.venue(t).Int64() != 1_725 {
		t.Fatalf("expected venue 1725, got %s", env.venue(t))
	}
	if env.vault.BalanceOf(env.alice).Cmp(a) != 0 || env.vault.BalanceOf(env.bob).Cmp(b) != 0 {
		t.Fatalf("harvest changed share balances")
	}
	claimAfter, _ := env.vault.ConvertToUnderlying(ctx, env.vault.TotalSupply())
	if claimAfter.Cmp(claimBefore) <= 0 {
		t.Fatalf("harvest did not grow the claim: %s -> %s", claimBefore, claimAfter)
	}
	if env.d.Chain.Allowance(env.d.RewardX, env.d.Strategy, env.d.Router.Address()).Sign() != 0 {
		t.Fatalf("router allowance should be fully consumed")
	}
	if types := env.events.Types(); len(types) != 1 || types[0] != events.TypeVaultHarvested {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestHarvestRevertsEverythingOnSecondSwapSlippage(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.deposit(t, env.alice, 1_000)
	env.accrueRewards(100, 50)
	env.events.Reset()

	_, err := env.strategy.Harvest(ctx, env.d.Operator, env.harvestParams(200, 26))
	if !errors.Is(err, sim.ErrTooLittleReceived) {
		t.Fatalf("expected swap venue slippage failure, got %v", err)
	}
	chain := env.d.Chain
	if chain.BalanceOf(env.d.RewardX, env.d.Booster.Address()).Int64() != 100 ||
		chain.BalanceOf(env.d.RewardY, env.d.Booster.Address()).Int64() != 50 {
		t.Fatalf("rewards not restored to the venue")
	}
	for _, token := range []common.Address{env.d.RewardX, env.d.RewardY, env.d.Hop, env.d.AssetA, env.d.AssetB, env.d.Underlying} {
		if bal := chain.BalanceOf(token, env.d.Strategy); bal.Sign() != 0 {
			t.Fatalf("strategy kept %s of %s", bal, token.Hex())
		}
	}
	if env.venue(t).Int64() != 1_000 {
		t.Fatalf("venue balance changed: %s", env.venue(t))
	}
	if len(env.events.Types()) != 0 {
		t.Fatalf("failed harvest emitted events")
	}
}

func TestHarvestDetectsShortPayout(t *testing.T) {
	env := newEnv(t)
	env.deposit(t, env.alice, 1_000)
	env.accrueRewards(100, 0)
	env.d.Router.Withhold = big.NewInt(1)

	_, err := env.strategy.Harvest(context.Background(), env.d.Operator, env.harvestParams(200, 0))
	if !errors.Is(err, vault.ErrSlippageExceeded) {
		t.Fatalf("expected measured slippage failure, got %v", err)
	}
	if env.d.Chain.BalanceOf(env.d.RewardX, env.d.Booster.Address()).Int64() != 100 {
		t.Fatalf("rewards not restored")
	}
}

func (e *testEnv) assertHarvestReverted(t *testing.T) {
	t.Helper()
	chain := e.d.Chain
	if chain.BalanceOf(e.d.RewardX, e.d.Booster.Address()).Int64() != 100 ||
		chain.BalanceOf(e.d.RewardY, e.d.Booster.Address()).Int64() != 50 {
		t.Fatalf("rewards not restored to the venue")
	}
	for _, token := range []common.Address{e.d.RewardX, e.d.RewardY, e.d.Hop, e.d.AssetA, e.d.AssetB, e.d.Underlying} {
		if bal := chain.BalanceOf(token, e.d.Strategy); bal.Sign() != 0 {
			t.Fatalf("strategy kept %s of %s", bal, token.Hex())
		}
	}
	if e.venue(t).Int64() != 1_000 {
		t.Fatalf("venue balance changed: %s", e.venue(t))
	}
	if len(e.events.Types()) != 0 {
		t.Fatalf("failed harvest emitted events")
	}
}

func TestHarvestRejectsWorthlessLiquidityConversion(t *testing.T) {
	env := newEnv(t)
	env.deposit(t, env.alice, 1_000)
	env.accrueRewards(100, 50)
	env.d.Pool.SetRate(env.d.AssetA, sim.Rate{Num: 1, Den: 1_000})
	env.d.Pool.SetRate(env.d.AssetB, sim.Rate{Num: 1, Den: 1_000})
	env.events.Reset()

	// Swap minimums hold; only the pool conversion is bad.
	_, err := env.strategy.Harvest(context.Background(), env.d.Operator, env.harvestParams(200, 25))
	if !errors.Is(err, vault.ErrSlippageExceeded) {
		t.Fatalf("expected liquidity slippage failure, got %v", err)
	}
	env.assertHarvestReverted(t)
}

func TestHarvestEnforcesMinimumLiquidity(t *testing.T) {
	env := newEnv(t)
	env.deposit(t, env.alice, 1_000)
	env.accrueRewards(100, 50)
	env.d.Pool.SetRate(env.d.AssetA, sim.Rate{Num: 1, Den: 2})
	env.events.Reset()

	params := env.harvestParams(200, 25)
	params[0].MinimumLiquidity = big.NewInt(150)
	_, err := env.strategy.Harvest(context.Background(), env.d.Operator, params)
	if !errors.Is(err, sim.ErrTooLittleReceived) {
		t.Fatalf("expected pool floor failure, got %v", err)
	}
	env.assertHarvestReverted(t)

	params[0].MinimumLiquidity = big.NewInt(100)
	params[1].MinimumLiquidity = big.NewInt(25)
	report, err := env.strategy.Harvest(context.Background(), env.d.Operator, params)
	if err != nil {
		t.Fatalf("harvest at floor: %v", err)
	}
	// 200 A at 1/2 mints 100, 25 B mints 25.
	if report.Liquidity.Int64() != 125 || env.venue(t).Int64() != 1_125 {
		t.Fatalf("unexpected liquidity %s venue %s", report.Liquidity, env.venue(t))
	}
}

func TestHarvestRejectsNegativeMinimumLiquidity(t *testing.T) {
	env := newEnv(t)
	params := env.harvestParams(0, 0)
	params[1].MinimumLiquidity = big.NewInt(-1)
	if _, err := env.strategy.Harvest(context.Background(), env.d.Operator, params); !errors.Is(err, vault.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestHarvestValidationHappensBeforeExternalCalls(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.deposit(t, env.alice, 1_000)
	env.accrueRewards(100, 50)
	deadline := uint64(genesis + 60)

	cases := []struct {
		name   string
		caller common.Address
		params []vault.HarvestParam
		want   error
	}{
		{"stranger", sim.Address("stranger"), env.harvestParams(0, 0), vault.ErrUnauthorized},
		{"underlying", env.d.Operator, []vault.HarvestParam{{Token: env.d.Underlying, Deadline: deadline, MinimumOutput: big.NewInt(0)}}, vault.ErrProtectedToken},
		{"receipt", env.d.Operator, []vault.HarvestParam{{Token: env.d.Receipt, Deadline: deadline, MinimumOutput: big.NewInt(0)}}, vault.ErrProtectedToken},
		{"mismatch", env.d.Operator, []vault.HarvestParam{{Token: env.d.RewardY, Deadline: deadline, MinimumOutput: big.NewInt(0)}}, vault.ErrRouteTokenMismatch},
		{"no route", env.d.Operator, append(env.harvestParams(0, 0), vault.HarvestParam{Token: env.d.Hop, Deadline: deadline, MinimumOutput: big.NewInt(0)}), vault.ErrRouteNotConfigured},
		{"nil minimum", env.d.Operator, []vault.HarvestParam{{Token: env.d.RewardX, Deadline: deadline}}, vault.ErrInvalidAmount},
	}
	for _, tc := range cases {
		if _, err := env.strategy.Harvest(ctx, tc.caller, tc.params); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if env.d.Chain.BalanceOf(env.d.RewardX, env.d.Booster.Address()).Int64() != 100 {
			t.Fatalf("%s: rewards claimed despite validation failure", tc.name)
		}
	}
}

func TestHarvestExpiredDeadlineFails(t *testing.T) {
	env := newEnv(t)
	env.deposit(t, env.alice, 1_000)
	env.accrueRewards(100, 50)
	env.d.Chain.Advance(120)
	if _, err := env.strategy.Harvest(context.Background(), env.d.Operator, env.harvestParams(0, 0)); !errors.Is(err, sim.ErrExpired) {
		t.Fatalf("expected expired deadline, got %v", err)
	}
}

func TestPauseGatesCapitalFlowsOnly(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	shares := env.deposit(t, env.alice, 1_000)
	env.accrueRewards(100, 50)

	if err := env.strategy.Pause(ctx, sim.Address("stranger"), true); !errors.Is(err, vault.ErrUnauthorized) {
		t.Fatalf("expected unauthorized pause, got %v", err)
	}
	if err := env.strategy.Pause(ctx, env.d.Operator, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	env.d.Fund(env.bob, big.NewInt(10))
	if _, err := env.vault.Deposit(ctx, env.bob, big.NewInt(10)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused deposit, got %v", err)
	}
	if _, err := env.vault.Withdraw(ctx, env.alice, shares, env.alice); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused withdraw, got %v", err)
	}
	if env.d.Chain.BalanceOf(env.d.Underlying, env.bob).Int64() != 10 {
		t.Fatalf("paused deposit moved funds")
	}

	if _, err := env.strategy.Harvest(ctx, env.d.Operator, env.harvestParams(0, 0)); err != nil {
		t.Fatalf("harvest while paused: %v", err)
	}
	route := vault.MustRoute([]common.Address{env.d.RewardX, env.d.AssetC}, []uint32{sim.FeeMedium})
	if err := env.strategy.SetRoute(ctx, env.d.Operator, 0, route); err != nil {
		t.Fatalf("route edit while paused: %v", err)
	}

	if err := env.strategy.Pause(ctx, env.d.Operator, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := env.vault.Deposit(ctx, env.bob, big.NewInt(10)); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestStrategyRouteAdministration(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	prior, _ := env.strategy.Route(0)

	bad := vault.MustRoute([]common.Address{env.d.RewardX, sim.Address("malicious")}, []uint32{sim.FeeMedium})
	if err := env.strategy.SetRouteBytes(ctx, env.d.Operator, 0, bad.Encode()); !errors.Is(err, vault.ErrRouteOutputNotWhitelisted) {
		t.Fatalf("expected whitelist rejection, got %v", err)
	}
	if current, _ := env.strategy.Route(0); !current.Equal(prior) {
		t.Fatalf("rejected write changed slot 0")
	}
	if err := env.strategy.SetRouteBytes(ctx, sim.Address("stranger"), 0, []byte{0x01}); !errors.Is(err, vault.ErrUnauthorized) {
		t.Fatalf("expected authorization to be checked before decoding, got %v", err)
	}

	extra := vault.MustRoute([]common.Address{env.d.Hop, env.d.AssetA}, []uint32{sim.FeeLow})
	index, err := env.strategy.AddRouteBytes(ctx, env.d.Operator, extra.Encode())
	if err != nil || index != 2 {
		t.Fatalf("add route: index=%d err=%v", index, err)
	}
	if err := env.strategy.RemoveLastRoute(ctx, env.d.Operator); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if env.strategy.RouteCount() != 2 {
		t.Fatalf("expected 2 routes, got %d", env.strategy.RouteCount())
	}
	want := []string{events.TypeVaultRouteSet, events.TypeVaultRouteRemoved}
	got := env.events.Types()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestReentryFromExternalCallsIsRejected(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	shares := env.deposit(t, env.alice, 1_000)
	env.accrueRewards(100, 50)

	var withdrawErr, routeErr error
	env.d.Router.BeforeSwap = func(ctx context.Context, _ vault.ExactInputParams) error {
		_, withdrawErr = env.vault.Withdraw(ctx, env.alice, shares, env.alice)
		return nil
	}
	env.d.Booster.OnGetReward = func(ctx context.Context) error {
		routeErr = env.strategy.RemoveLastRoute(ctx, env.d.Operator)
		return nil
	}
	if _, err := env.strategy.Harvest(ctx, env.d.Operator, env.harvestParams(0, 0)); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if !errors.Is(withdrawErr, vault.ErrReentrantCall) || !errors.Is(routeErr, vault.ErrReentrantCall) {
		t.Fatalf("expected reentrant rejections, got %v / %v", withdrawErr, routeErr)
	}
	if env.vault.BalanceOf(env.alice).Cmp(shares) != 0 || env.strategy.RouteCount() != 2 {
		t.Fatalf("reentrant calls mutated state")
	}
}

func TestHooksRequireVaultCaller(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	if _, _, err := env.strategy.OnDeposit(ctx, env.alice, big.NewInt(1), big.NewInt(0)); !errors.Is(err, vault.ErrNotVault) {
		t.Fatalf("expected ErrNotVault, got %v", err)
	}
	if _, err := env.strategy.OnWithdraw(ctx, env.alice, big.NewInt(1), big.NewInt(1), env.alice); !errors.Is(err, vault.ErrNotVault) {
		t.Fatalf("expected ErrNotVault, got %v", err)
	}
}

func TestKeeperFeeSkimmedInUnderlying(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.deposit(t, env.alice, 1_000)
	env.accrueRewards(100, 50)

	if err := env.strategy.SetKeeperFee(ctx, env.d.Operator, 100); !errors.Is(err, vault.ErrNotOwner) {
		t.Fatalf("expected owner gate, got %v", err)
	}
	if err := env.strategy.SetKeeperFee(ctx, env.d.Owner, 2_000); !errors.Is(err, vault.ErrFeeOutOfBounds) {
		t.Fatalf("expected fee bound, got %v", err)
	}
	if err := env.strategy.SetKeeperFee(ctx, env.d.Owner, 500); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	report, err := env.strategy.Harvest(ctx, env.d.Operator, env.harvestParams(0, 0))
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	// floor(225 * 500 / 10000) = 11
	if report.KeeperFee.Int64() != 11 || report.Compounded.Int64() != 214 {
		t.Fatalf("unexpected fee split: %+v", report)
	}
	if env.d.Chain.BalanceOf(env.d.Underlying, env.d.Operator).Int64() != 11 {
		t.Fatalf("keeper not paid")
	}
	if env.venue(t).Int64() != 1_214 {
		t.Fatalf("expected venue 1214, got %s", env.venue(t))
	}
}

func TestOwnershipAndOperatorManagement(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	next := sim.Address("next-owner")

	if err := env.strategy.TransferOwnership(ctx, env.d.Operator, next); !errors.Is(err, vault.ErrNotOwner) {
		t.Fatalf("expected owner gate, got %v", err)
	}
	if err := env.strategy.TransferOwnership(ctx, env.d.Owner, common.Address{}); !errors.Is(err, vault.ErrZeroAddress) {
		t.Fatalf("expected zero address rejection, got %v", err)
	}
	if err := env.strategy.TransferOwnership(ctx, env.d.Owner, next); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := env.strategy.SetAuthorized(ctx, env.d.Owner, env.d.Operator, false); !errors.Is(err, vault.ErrNotOwner) {
		t.Fatalf("previous owner kept privileges: %v", err)
	}
	if err := env.strategy.SetAuthorized(ctx, next, env.d.Operator, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.strategy.Harvest(ctx, env.d.Operator, nil); !errors.Is(err, vault.ErrUnauthorized) {
		t.Fatalf("revoked operator harvested: %v", err)
	}
	if _, err := env.strategy.Harvest(ctx, next, nil); err != nil {
		t.Fatalf("owner harvest: %v", err)
	}
}

func TestSweepRescuesOnlyStrayTokens(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	stray := sim.Address("airdrop")
	env.d.Chain.Mint(stray, env.d.Strategy, big.NewInt(77))
	env.d.Chain.Mint(env.d.AssetA, env.d.Strategy, big.NewInt(5))

	if _, err := env.strategy.Sweep(ctx, env.d.Owner, env.d.AssetA, env.d.Owner); !errors.Is(err, vault.ErrProtectedToken) {
		t.Fatalf("expected protected settlement asset, got %v", err)
	}
	if _, err := env.strategy.Sweep(ctx, env.d.Operator, stray, env.d.Operator); !errors.Is(err, vault.ErrNotOwner) {
		t.Fatalf("expected owner gate, got %v", err)
	}
	if err := env.strategy.Pause(ctx, env.d.Owner, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	amount, err := env.strategy.Sweep(ctx, env.d.Owner, stray, env.d.Owner)
	if err != nil || amount.Int64() != 77 {
		t.Fatalf("sweep: amount=%v err=%v", amount, err)
	}
	if env.d.Chain.BalanceOf(stray, env.d.Owner).Int64() != 77 {
		t.Fatalf("recipient not credited")
	}
}

func TestZeroFirstApprovalTokens(t *testing.T) {
	env := newEnv(t)
	env.deposit(t, env.alice, 1_000)
	env.accrueRewards(100, 50)
	env.d.Chain.RequireZeroFirst(env.d.RewardX)
	if err := env.d.Chain.Approve(env.d.RewardX, env.d.Strategy, env.d.Router.Address(), big.NewInt(3)); err != nil {
		t.Fatalf("seed allowance: %v", err)
	}
	if _, err := env.strategy.Harvest(context.Background(), env.d.Operator, env.harvestParams(0, 0)); err != nil {
		t.Fatalf("harvest with lingering allowance: %v", err)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	d := sim.NewDeployment(t.Name(), genesis)
	db := storage.NewMemDB()
	store := vault.NewStore(db)
	ctx := context.Background()
	alice := sim.Address("alice")

	strategy, v, err := d.Build(d.Params())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := strategy.SetStore(store); err != nil {
		t.Fatalf("strategy store: %v", err)
	}
	if err := v.SetStore(store); err != nil {
		t.Fatalf("vault store: %v", err)
	}
	d.Fund(alice, big.NewInt(400))
	if _, err := v.Deposit(ctx, alice, big.NewInt(400)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := strategy.SetKeeperFee(ctx, d.Owner, 42); err != nil {
		t.Fatalf("fee: %v", err)
	}
	if err := strategy.RemoveLastRoute(ctx, d.Operator); err != nil {
		t.Fatalf("remove: %v", err)
	}

	restarted, rv, err := d.Build(d.Params())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if err := restarted.SetStore(store); err != nil {
		t.Fatalf("reload strategy: %v", err)
	}
	if err := rv.SetStore(store); err != nil {
		t.Fatalf("reload vault: %v", err)
	}
	if restarted.KeeperFeeBps() != 42 || restarted.RouteCount() != 1 {
		t.Fatalf("strategy state lost: fee=%d routes=%d", restarted.KeeperFeeBps(), restarted.RouteCount())
	}
	if rv.BalanceOf(alice).Int64() != 400 || rv.TotalSupply().Int64() != 400 {
		t.Fatalf("shares lost: %s", rv.BalanceOf(alice))
	}
}

type failingDB struct {
	*storage.MemDB
	fail bool
}

func (db *failingDB) NewBatch() storage.Batch {
	return &failingBatch{Batch: db.MemDB.NewBatch(), db: db}
}

type failingBatch struct {
	storage.Batch
	db *failingDB
}

func (b *failingBatch) Write() error {
	if b.db.fail {
		return errors.New("disk full")
	}
	return b.Batch.Write()
}

func TestRouteMetricsOnlyCountCommittedUpdates(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	m := metrics.Vault()
	env.strategy.SetMetrics(m)
	db := &failingDB{MemDB: storage.NewMemDB()}
	if err := env.strategy.SetStore(vault.NewStore(db)); err != nil {
		t.Fatalf("store: %v", err)
	}
	extra := vault.MustRoute([]common.Address{env.d.Hop, env.d.AssetA}, []uint32{sim.FeeLow})
	added := m.RouteUpdateCounter().WithLabelValues("add")
	removed := m.RouteUpdateCounter().WithLabelValues("remove")
	addBefore := testutil.ToFloat64(added)
	removeBefore := testutil.ToFloat64(removed)

	db.fail = true
	if _, err := env.strategy.AddRouteBytes(ctx, env.d.Operator, extra.Encode()); err == nil {
		t.Fatalf("expected persistence failure")
	}
	if err := env.strategy.RemoveLastRoute(ctx, env.d.Operator); err == nil {
		t.Fatalf("expected persistence failure")
	}
	if env.strategy.RouteCount() != 2 {
		t.Fatalf("failed commit changed routes: %d", env.strategy.RouteCount())
	}
	if testutil.ToFloat64(added) != addBefore || testutil.ToFloat64(removed) != removeBefore {
		t.Fatalf("route metrics counted an uncommitted update")
	}

	db.fail = false
	if _, err := env.strategy.AddRouteBytes(ctx, env.d.Operator, extra.Encode()); err != nil {
		t.Fatalf("add route: %v", err)
	}
	if got := testutil.ToFloat64(added); got != addBefore+1 {
		t.Fatalf("add counter = %v, want %v", got, addBefore+1)
	}
}
