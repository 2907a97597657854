// Package keeper runs harvests on a schedule and on demand, and serialises
// every call into the vault. Vault entry points reject overlapping calls
// instead of queueing them, so all access from the daemon goes through the
// keeper's mutex.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"lpvault/native/vault"
	"lpvault/services/keeperd/storage"
)

// Trigger labels recorded with each run.
const (
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
)

// ErrNoPlan is returned when a harvest is requested without swap minimums.
var ErrNoPlan = errors.New("keeper: no harvest plan configured")

// PlanEntry bounds the swap of one reward token. MinimumOutput must be
// positive; MinimumLiquidity is optional.
type PlanEntry struct {
	Token            common.Address
	MinimumOutput    *big.Int
	MinimumLiquidity *big.Int
}

// Options configure a Keeper.
type Options struct {
	Vault    *vault.Vault
	History  *storage.Storage
	Identity common.Address
	Plan     []PlanEntry
	// Deadline is added to Now for every swap deadline.
	Deadline time.Duration
	// Now returns the settlement layer clock in unix seconds.
	Now func() uint64
	// BeforeScheduled runs ahead of every scheduled harvest.
	BeforeScheduled func(ctx context.Context) error
	Logger          *slog.Logger
}

// Keeper owns the vault on behalf of the daemon.
type Keeper struct {
	mu sync.Mutex

	vault           *vault.Vault
	history         *storage.Storage
	identity        common.Address
	plan            []PlanEntry
	deadline        time.Duration
	now             func() uint64
	beforeScheduled func(ctx context.Context) error
	logger          *slog.Logger
	wallClock       func() time.Time
}

// New validates opts and returns a keeper.
func New(opts Options) (*Keeper, error) {
	if opts.Vault == nil {
		return nil, errors.New("keeper: vault required")
	}
	if opts.History == nil {
		return nil, errors.New("keeper: history store required")
	}
	if opts.Identity == (common.Address{}) {
		return nil, errors.New("keeper: identity required")
	}
	now := opts.Now
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	plan := make([]PlanEntry, 0, len(opts.Plan))
	for i, entry := range opts.Plan {
		if entry.Token == (common.Address{}) {
			return nil, fmt.Errorf("keeper: plan entry %d: token required", i)
		}
		if entry.MinimumOutput == nil || entry.MinimumOutput.Sign() <= 0 {
			return nil, fmt.Errorf("keeper: plan entry %d: minimum output must be positive", i)
		}
		copied := PlanEntry{Token: entry.Token, MinimumOutput: new(big.Int).Set(entry.MinimumOutput)}
		if entry.MinimumLiquidity != nil {
			if entry.MinimumLiquidity.Sign() < 0 {
				return nil, fmt.Errorf("keeper: plan entry %d: negative minimum liquidity", i)
			}
			copied.MinimumLiquidity = new(big.Int).Set(entry.MinimumLiquidity)
		}
		plan = append(plan, copied)
	}
	return &Keeper{
		vault:           opts.Vault,
		history:         opts.History,
		identity:        opts.Identity,
		plan:            plan,
		deadline:        opts.Deadline,
		now:             now,
		beforeScheduled: opts.BeforeScheduled,
		logger:          logger.With("component", "keeperd/keeper"),
		wallClock:       time.Now,
	}, nil
}

// Identity is the address the keeper harvests as.
func (k *Keeper) Identity() common.Address { return k.identity }

// History exposes the run store.
func (k *Keeper) History() *storage.Storage { return k.history }

// Do runs fn with exclusive access to the vault.
func (k *Keeper) Do(fn func(v *vault.Vault) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return fn(k.vault)
}

// HasPlan reports whether harvests can run.
func (k *Keeper) HasPlan() bool { return len(k.plan) > 0 }

// Params builds harvest params from the plan.
func (k *Keeper) Params() ([]vault.HarvestParam, error) {
	if len(k.plan) == 0 {
		return nil, ErrNoPlan
	}
	deadline := k.now() + uint64(k.deadline/time.Second)
	params := make([]vault.HarvestParam, 0, len(k.plan))
	for _, entry := range k.plan {
		param := vault.HarvestParam{
			Token:         entry.Token,
			Deadline:      deadline,
			MinimumOutput: new(big.Int).Set(entry.MinimumOutput),
		}
		if entry.MinimumLiquidity != nil {
			param.MinimumLiquidity = new(big.Int).Set(entry.MinimumLiquidity)
		}
		params = append(params, param)
	}
	return params, nil
}

// Harvest runs one harvest as caller and records the attempt. The run is
// returned even when the harvest failed.
func (k *Keeper) Harvest(ctx context.Context, caller common.Address, trigger string) (storage.Run, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.harvestLocked(ctx, caller, trigger)
}

func (k *Keeper) harvestLocked(ctx context.Context, caller common.Address, trigger string) (storage.Run, error) {
	params, err := k.Params()
	if err != nil {
		return storage.Run{}, err
	}
	run := storage.Run{
		Keeper:    caller.Hex(),
		Trigger:   trigger,
		StartedAt: k.wallClock().UTC(),
	}
	report, err := k.vault.Strategy().Harvest(ctx, caller, params)
	run.FinishedAt = k.wallClock().UTC()
	if err != nil {
		run.RunID = uuid.NewString()
		run.Status = storage.StatusFailed
		run.Error = err.Error()
	} else {
		fillRun(&run, report)
	}
	if recErr := k.history.RecordRun(ctx, run); recErr != nil {
		k.logger.Error("record harvest run", "runId", run.RunID, "error", recErr)
		if err == nil {
			err = fmt.Errorf("harvest committed but history write failed: %w", recErr)
		}
	}
	return run, err
}

func fillRun(run *storage.Run, report vault.HarvestReport) {
	run.RunID = report.RunID
	run.Status = storage.StatusCommitted
	run.Liquidity = report.Liquidity.String()
	run.KeeperFee = report.KeeperFee.String()
	run.Compounded = report.Compounded.String()
	run.VenueBefore = report.VenueBefore.String()
	run.VenueAfter = report.VenueAfter.String()
	for _, swap := range report.Swaps {
		run.Swaps = append(run.Swaps, storage.Swap{
			Slot:     swap.Slot,
			Token:    swap.Token.Hex(),
			Output:   swap.Output.Hex(),
			AmountIn: amountString(swap.AmountIn),
			Received: amountString(swap.Received),
			Skipped:  swap.Skipped,
		})
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Tick runs one scheduled harvest.
func (k *Keeper) Tick(ctx context.Context) (storage.Run, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.plan) == 0 {
		return storage.Run{}, ErrNoPlan
	}
	if k.beforeScheduled != nil {
		if err := k.beforeScheduled(ctx); err != nil {
			return storage.Run{}, fmt.Errorf("before harvest: %w", err)
		}
	}
	return k.harvestLocked(ctx, k.identity, TriggerSchedule)
}

// Run harvests every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("keeper: interval must be positive")
	}
	if len(k.plan) == 0 {
		return ErrNoPlan
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			run, err := k.Tick(ctx)
			if err != nil {
				k.logger.Warn("scheduled harvest failed", "runId", run.RunID, "error", err)
				continue
			}
			k.logger.Info("scheduled harvest committed", "runId", run.RunID, "compounded", run.Compounded)
		}
	}
}
