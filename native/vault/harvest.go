package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lpvault/core/events"
)

// HarvestParam bounds the swap of one reward token. Param i is paired with
// route slot i. MinimumLiquidity bounds the underlying minted from this slot's
// settlement output; the floors of every executed slot landing in the same
// asset are summed. A nil MinimumLiquidity still requires a non-zero mint.
type HarvestParam struct {
	Token            common.Address
	Deadline         uint64
	MinimumOutput    *big.Int
	MinimumLiquidity *big.Int
}

// SwapResult records the outcome of one reward swap. Skipped swaps had a zero
// reward balance.
type SwapResult struct {
	Slot     int
	Token    common.Address
	Output   common.Address
	AmountIn *big.Int
	Received *big.Int
	Skipped  bool
}

// HarvestReport summarises a committed harvest.
type HarvestReport struct {
	RunID       string
	Keeper      common.Address
	Swaps       []SwapResult
	Liquidity   *big.Int
	KeeperFee   *big.Int
	Compounded  *big.Int
	VenueBefore *big.Int
	VenueAfter  *big.Int
}

// Harvest claims venue rewards, swaps each listed reward token through its
// configured route, converts the settlement assets into underlying, pays the
// keeper fee to caller and deposits the remainder back into the venue. Share
// balances are never touched. Any failure, including a single swap landing
// below its minimum, reverts the whole call.
func (s *Strategy) Harvest(ctx context.Context, caller common.Address, params []HarvestParam) (HarvestReport, error) {
	start := s.clock()
	report := HarvestReport{RunID: uuid.NewString(), Keeper: caller}
	ctx, span := s.tracer.Start(ctx, "vault.harvest", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.String("keeper", caller.Hex()),
		attribute.Int("tokens", len(params)),
	))
	defer span.End()

	err := s.execute(ctx, "harvest", func(ctx context.Context, tx *strategyTx) error {
		if err := tx.state.Roles.RequireAuthorized(caller); err != nil {
			return err
		}
		routes, err := s.validateHarvest(tx.state.Routes, params)
		if err != nil {
			return err
		}
		return s.runHarvest(ctx, tx, caller, params, routes, &report)
	})
	elapsed := s.clock().Sub(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveHarvest(errorClass(err), elapsed)
		s.logger.Warn("harvest failed", "runId", report.RunID, "keeper", caller.Hex(), "error", err)
		return HarvestReport{}, err
	}
	span.SetAttributes(
		attribute.String("keeper.fee", report.KeeperFee.String()),
		attribute.String("compounded", report.Compounded.String()),
	)
	span.SetStatus(codes.Ok, "harvested")
	s.metrics.ObserveHarvest("ok", elapsed)
	s.metrics.AddKeeperFee(report.KeeperFee)
	s.metrics.AddCompounded(report.Compounded)
	for _, swap := range report.Swaps {
		if !swap.Skipped {
			s.metrics.AddSwapOutput(swap.Output.Hex(), swap.Received)
		}
	}
	s.logger.Info("harvest committed",
		"runId", report.RunID,
		"keeper", caller.Hex(),
		"swaps", len(report.Swaps),
		"liquidity", report.Liquidity.String(),
		"keeperFee", report.KeeperFee.String(),
		"compounded", report.Compounded.String(),
		"venueBefore", report.VenueBefore.String(),
		"venueAfter", report.VenueAfter.String())
	return report, nil
}

// validateHarvest resolves the route for each param before any external call.
func (s *Strategy) validateHarvest(routes []Route, params []HarvestParam) ([]Route, error) {
	resolved := make([]Route, len(params))
	for i, p := range params {
		if p.Token == (common.Address{}) {
			return nil, fmt.Errorf("%w: harvest token %d", ErrZeroAddress, i)
		}
		if s.params.isPrincipal(p.Token) {
			return nil, fmt.Errorf("%w: harvest token %s", ErrProtectedToken, p.Token.Hex())
		}
		if p.MinimumOutput == nil || p.MinimumOutput.Sign() < 0 {
			return nil, fmt.Errorf("%w: minimum output for %s", ErrInvalidAmount, p.Token.Hex())
		}
		if p.MinimumLiquidity != nil && p.MinimumLiquidity.Sign() < 0 {
			return nil, fmt.Errorf("%w: minimum liquidity for %s", ErrInvalidAmount, p.Token.Hex())
		}
		if i >= len(routes) {
			return nil, fmt.Errorf("%w: %s at slot %d", ErrRouteNotConfigured, p.Token.Hex(), i)
		}
		route := routes[i]
		if route.Input != p.Token {
			return nil, fmt.Errorf("%w: slot %d routes %s, got %s", ErrRouteTokenMismatch, i, route.Input.Hex(), p.Token.Hex())
		}
		if !s.params.isSettlementAsset(route.Output()) {
			return nil, fmt.Errorf("%w: slot %d output %s escaped the whitelist", ErrInvariantViolation, i, route.Output().Hex())
		}
		resolved[i] = route
	}
	return resolved, nil
}

func (s *Strategy) runHarvest(ctx context.Context, tx *strategyTx, caller common.Address, params []HarvestParam, routes []Route, report *HarvestReport) error {
	venueBefore, err := s.TotalUnderlying(ctx)
	if err != nil {
		return err
	}
	report.VenueBefore = venueBefore

	if err := s.backend.Venue.GetReward(ctx); err != nil {
		return fmt.Errorf("claim rewards: %w", err)
	}

	for i, p := range params {
		result, err := s.swapReward(ctx, i, p, routes[i])
		if err != nil {
			return err
		}
		report.Swaps = append(report.Swaps, result)
	}

	liquidity, err := s.addLiquidity(ctx, liquidityFloors(params, report.Swaps))
	if err != nil {
		return err
	}
	report.Liquidity = liquidity

	underlying := s.backend.Tokens.Token(s.params.Underlying)
	fee, err := feeFromBps(liquidity, tx.state.KeeperFeeBps)
	if err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := underlying.Transfer(ctx, caller, fee); err != nil {
			return fmt.Errorf("pay keeper fee: %w", err)
		}
	}
	report.KeeperFee = fee

	idle, err := underlying.BalanceOf(ctx, s.address)
	if err != nil {
		return fmt.Errorf("underlying balance: %w", err)
	}
	if idle.Sign() > 0 {
		if err := s.forward(ctx, idle); err != nil {
			return err
		}
	}
	report.Compounded = new(big.Int).Set(idle)

	venueAfter, err := s.TotalUnderlying(ctx)
	if err != nil {
		return err
	}
	if venueAfter.Cmp(venueBefore) < 0 {
		return fmt.Errorf("%w: venue balance fell from %s to %s during harvest", ErrInvariantViolation, venueBefore, venueAfter)
	}
	report.VenueAfter = venueAfter

	tx.emit(events.VaultHarvested{
		RunID:      report.RunID,
		Keeper:     caller,
		Swaps:      countExecuted(report.Swaps),
		KeeperFee:  fee,
		Compounded: report.Compounded,
	})
	return nil
}

// swapReward sells the strategy's full balance of p.Token along route with an
// allowance scoped to exactly that amount. Received output is measured from
// balances rather than trusted from the router's return value.
func (s *Strategy) swapReward(ctx context.Context, slot int, p HarvestParam, route Route) (SwapResult, error) {
	output := route.Output()
	result := SwapResult{Slot: slot, Token: p.Token, Output: output, AmountIn: big.NewInt(0), Received: big.NewInt(0)}
	reward := s.backend.Tokens.Token(p.Token)
	amountIn, err := reward.BalanceOf(ctx, s.address)
	if err != nil {
		return result, fmt.Errorf("reward balance %s: %w", p.Token.Hex(), err)
	}
	if amountIn.Sign() == 0 {
		result.Skipped = true
		s.logger.Debug("harvest swap skipped", "slot", slot, "token", p.Token.Hex())
		return result, nil
	}
	out := s.backend.Tokens.Token(output)
	outBefore, err := out.BalanceOf(ctx, s.address)
	if err != nil {
		return result, fmt.Errorf("output balance %s: %w", output.Hex(), err)
	}
	if err := forceApprove(ctx, reward, s.address, s.backend.Router.Address(), amountIn); err != nil {
		return result, fmt.Errorf("approve router: %w", err)
	}
	if _, err := s.backend.Router.ExactInput(ctx, ExactInputParams{
		Path:             route.Encode(),
		Recipient:        s.address,
		Deadline:         p.Deadline,
		AmountIn:         new(big.Int).Set(amountIn),
		AmountOutMinimum: new(big.Int).Set(p.MinimumOutput),
	}); err != nil {
		return result, fmt.Errorf("swap slot %d: %w", slot, err)
	}
	outAfter, err := out.BalanceOf(ctx, s.address)
	if err != nil {
		return result, fmt.Errorf("output balance %s: %w", output.Hex(), err)
	}
	received := new(big.Int).Sub(outAfter, outBefore)
	if received.Cmp(p.MinimumOutput) < 0 {
		return result, fmt.Errorf("%w: slot %d received %s, minimum %s", ErrSlippageExceeded, slot, received, p.MinimumOutput)
	}
	result.AmountIn = amountIn
	result.Received = received
	s.logger.Info("harvest swap",
		"slot", slot,
		"token", p.Token.Hex(),
		"output", output.Hex(),
		"amountIn", amountIn.String(),
		"received", received.String())
	return result, nil
}

// liquidityFloors sums the MinimumLiquidity of every executed swap per
// settlement asset.
func liquidityFloors(params []HarvestParam, swaps []SwapResult) map[common.Address]*big.Int {
	floors := make(map[common.Address]*big.Int)
	for _, swap := range swaps {
		if swap.Skipped {
			continue
		}
		floor, ok := floors[swap.Output]
		if !ok {
			floor = new(big.Int)
			floors[swap.Output] = floor
		}
		if bound := params[swap.Slot].MinimumLiquidity; bound != nil {
			floor.Add(floor, bound)
		}
	}
	return floors
}

// addLiquidity converts every settlement asset balance into underlying and
// returns the total minted. Each conversion must mint at least its floor and
// never zero; minted units are measured from the underlying balance.
func (s *Strategy) addLiquidity(ctx context.Context, floors map[common.Address]*big.Int) (*big.Int, error) {
	total := big.NewInt(0)
	pool := s.backend.Pool
	underlying := s.backend.Tokens.Token(s.params.Underlying)
	for _, asset := range s.params.SettlementAssets {
		token := s.backend.Tokens.Token(asset)
		bal, err := token.BalanceOf(ctx, s.address)
		if err != nil {
			return nil, fmt.Errorf("settlement balance %s: %w", asset.Hex(), err)
		}
		if bal.Sign() == 0 {
			continue
		}
		floor := floors[asset]
		if floor == nil {
			floor = new(big.Int)
		}
		if err := forceApprove(ctx, token, s.address, pool.Address(), bal); err != nil {
			return nil, fmt.Errorf("approve pool: %w", err)
		}
		before, err := underlying.BalanceOf(ctx, s.address)
		if err != nil {
			return nil, fmt.Errorf("underlying balance: %w", err)
		}
		if _, err := pool.AddLiquidity(ctx, asset, bal, new(big.Int).Set(floor)); err != nil {
			return nil, fmt.Errorf("add liquidity %s: %w", asset.Hex(), err)
		}
		after, err := underlying.BalanceOf(ctx, s.address)
		if err != nil {
			return nil, fmt.Errorf("underlying balance: %w", err)
		}
		minted := new(big.Int).Sub(after, before)
		if minted.Sign() <= 0 || minted.Cmp(floor) < 0 {
			return nil, fmt.Errorf("%w: %s %s minted %s underlying, minimum %s", ErrSlippageExceeded, bal, asset.Hex(), minted, floor)
		}
		total.Add(total, minted)
	}
	return total, nil
}

func countExecuted(swaps []SwapResult) int {
	n := 0
	for _, swap := range swaps {
		if !swap.Skipped {
			n++
		}
	}
	return n
}
