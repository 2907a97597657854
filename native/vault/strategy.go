package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"lpvault/core/events"
	nativecommon "lpvault/native/common"
	"lpvault/observability/metrics"
)

const moduleName = "vault"

// Strategy custodies the vault's underlying position in the yield venue. It
// owns the route registry, the role set, the pause flag and the keeper fee,
// and exposes the deposit/withdraw hooks consumed by the outer Vault.
//
// Entry points are atomic: every external effect is recorded in the backend
// journal and reverted on failure, and strategy state is replaced only after
// the call succeeds.
type Strategy struct {
	address common.Address
	vault   common.Address
	params  Params
	backend Backend
	store   *Store

	mu    sync.RWMutex
	state StrategyState

	lock    *entryLock
	emitter events.Emitter
	logger  *slog.Logger
	metrics *metrics.VaultMetrics
	tracer  trace.Tracer
	clock   func() time.Time
}

// strategyTx is the working copy of strategy state for one entry point.
type strategyTx struct {
	state     StrategyState
	events    []events.Event
	committed []func()
	dirty     bool
}

func (tx *strategyTx) emit(ev events.Event) { tx.events = append(tx.events, ev) }

// afterCommit defers fn until the state swap succeeds.
func (tx *strategyTx) afterCommit(fn func()) { tx.committed = append(tx.committed, fn) }

func (tx *strategyTx) registry(params Params) *PathRegistry {
	return &PathRegistry{params: params, routes: tx.state.Routes}
}

// NewStrategy validates params and seeds the initial role set, keeper fee and
// routes. Persisted state, if any, replaces the seed when a store is attached.
func NewStrategy(address common.Address, params Params, backend Backend) (*Strategy, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("%w: strategy address", ErrZeroAddress)
	}
	if err := backend.validate(); err != nil {
		return nil, err
	}
	params = params.clone()
	params.EnsureDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	registry, err := NewPathRegistry(params, params.Routes)
	if err != nil {
		return nil, err
	}
	return &Strategy{
		address: address,
		params:  params,
		backend: backend,
		state: StrategyState{
			Roles:        NewRoles(params.Owner, params.Operators...),
			KeeperFeeBps: params.KeeperFeeBps,
			Routes:       registry.Routes(),
		},
		lock:    &entryLock{},
		emitter: events.NoopEmitter{},
		logger:  slog.Default().With("component", "native/vault"),
		metrics: metrics.Vault(),
		tracer:  otel.Tracer("native/vault"),
		clock:   time.Now,
	}, nil
}

// SetStore attaches persistent storage. Previously saved state replaces the
// in-memory seed; otherwise the seed is written.
func (s *Strategy) SetStore(store *Store) error {
	if s == nil {
		return nil
	}
	persisted, ok, err := store.LoadStrategy()
	if err != nil {
		return fmt.Errorf("load strategy state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = store
	if ok {
		registry, err := NewPathRegistry(s.params, persisted.Routes)
		if err != nil {
			return fmt.Errorf("persisted routes: %w", err)
		}
		persisted.Routes = registry.Routes()
		s.state = persisted
		return nil
	}
	return store.SaveStrategy(s.state)
}

// SetEmitter configures the event sink.
func (s *Strategy) SetEmitter(emitter events.Emitter) {
	if s == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	s.emitter = emitter
}

// SetLogger overrides the component logger.
func (s *Strategy) SetLogger(logger *slog.Logger) {
	if s == nil || logger == nil {
		return
	}
	s.logger = logger.With("component", "native/vault")
}

// SetMetrics overrides the metrics sink. A nil sink disables metrics.
func (s *Strategy) SetMetrics(m *metrics.VaultMetrics) {
	if s == nil {
		return
	}
	s.metrics = m
}

// SetClock overrides the time source used for harvest timing.
func (s *Strategy) SetClock(clock func() time.Time) {
	if s == nil || clock == nil {
		return
	}
	s.clock = clock
}

func (s *Strategy) bindVault(vault common.Address) error {
	if vault == (common.Address{}) {
		return fmt.Errorf("%w: vault address", ErrZeroAddress)
	}
	if s.vault != (common.Address{}) && s.vault != vault {
		return fmt.Errorf("vault: strategy already bound to %s", s.vault.Hex())
	}
	s.vault = vault
	return nil
}

// execute runs fn as a guarded, atomic entry point.
func (s *Strategy) execute(ctx context.Context, entry string, fn func(ctx context.Context, tx *strategyTx) error) error {
	release, err := s.lock.enter()
	if err != nil {
		s.metrics.ObserveRejected(entry, errorClass(err))
		return err
	}
	defer release()

	s.mu.RLock()
	tx := &strategyTx{state: s.state.clone()}
	s.mu.RUnlock()

	snapshot := -1
	if s.backend.Journal != nil {
		snapshot = s.backend.Journal.Snapshot()
	}
	revert := func() {
		if snapshot >= 0 {
			s.backend.Journal.RevertToSnapshot(snapshot)
		}
	}
	if err := fn(ctx, tx); err != nil {
		revert()
		s.metrics.ObserveRejected(entry, errorClass(err))
		s.logger.Warn("vault call rejected", "entry", entry, "error", err)
		return err
	}
	if tx.dirty {
		if err := s.store.SaveStrategy(tx.state); err != nil {
			revert()
			return fmt.Errorf("persist strategy state: %w", err)
		}
	}
	if snapshot >= 0 {
		s.backend.Journal.DiscardSnapshot(snapshot)
	}
	s.mu.Lock()
	s.state = tx.state
	s.mu.Unlock()
	s.metrics.SetPaused(tx.state.Paused)
	for _, ev := range tx.events {
		s.emitter.Emit(ev)
	}
	for _, fn := range tx.committed {
		fn()
	}
	return nil
}

func (s *Strategy) snapshot() StrategyState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Address returns the strategy's account address.
func (s *Strategy) Address() common.Address { return s.address }

// VaultAddress returns the outer vault bound to this strategy.
func (s *Strategy) VaultAddress() common.Address { return s.vault }

// Params returns a copy of the deployment constants.
func (s *Strategy) Params() Params { return s.params.clone() }

// Owner returns the current owner.
func (s *Strategy) Owner() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Roles.Owner
}

// Operators returns the explicitly authorized operators.
func (s *Strategy) Operators() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Roles.Operators()
}

// IsAuthorized reports whether addr may perform operational actions.
func (s *Strategy) IsAuthorized(addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Roles.IsAuthorized(addr)
}

// Paused reports whether deposit and withdraw are blocked.
func (s *Strategy) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Paused
}

// IsPaused implements nativecommon.PauseView.
func (s *Strategy) IsPaused(module string) bool {
	return nativecommon.PauseFlag{Module: moduleName, Paused: s.Paused()}.IsPaused(module)
}

// KeeperFeeBps returns the current keeper fee.
func (s *Strategy) KeeperFeeBps() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.KeeperFeeBps
}

// Routes returns the configured routes in slot order.
func (s *Strategy) Routes() []Route {
	return s.snapshot().Routes
}

// Route returns the route at index.
func (s *Strategy) Route(index int) (Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.state.Routes) {
		return Route{}, ErrRouteIndexOutOfRange
	}
	return s.state.Routes[index].Clone(), nil
}

// RouteCount returns the number of configured route slots.
func (s *Strategy) RouteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Routes)
}

// TotalUnderlying reads the strategy's position from the venue.
func (s *Strategy) TotalUnderlying(ctx context.Context) (*big.Int, error) {
	bal, err := s.backend.Venue.BalanceOf(ctx, s.address)
	if err != nil {
		return nil, fmt.Errorf("venue balance: %w", err)
	}
	if bal == nil {
		return big.NewInt(0), nil
	}
	return bal, nil
}

// OnDeposit forwards amount of idle underlying, already transferred to the
// strategy by the vault, into the venue and returns the shares to mint. The
// venue balance is read before the forward so the depositor is priced against
// the pre-deposit position.
func (s *Strategy) OnDeposit(ctx context.Context, caller common.Address, amount, totalSupply *big.Int) (*big.Int, *big.Int, error) {
	if err := s.requireVault(caller); err != nil {
		return nil, nil, err
	}
	if err := nativecommon.Guard(s, moduleName); err != nil {
		return nil, nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	underlying := s.backend.Tokens.Token(s.params.Underlying)
	idle, err := underlying.BalanceOf(ctx, s.address)
	if err != nil {
		return nil, nil, fmt.Errorf("underlying balance: %w", err)
	}
	if idle.Cmp(amount) < 0 {
		return nil, nil, fmt.Errorf("%w: deposit of %s exceeds idle balance %s", ErrInvariantViolation, amount, idle)
	}
	venueBefore, err := s.TotalUnderlying(ctx)
	if err != nil {
		return nil, nil, err
	}
	shares, err := SharesForDeposit(amount, totalSupply, venueBefore)
	if err != nil {
		return nil, nil, err
	}
	if shares.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: deposit too small to mint a share", ErrInvalidAmount)
	}
	if err := s.forward(ctx, amount); err != nil {
		return nil, nil, err
	}
	return shares, new(big.Int).Set(amount), nil
}

// OnWithdraw redeems shares against the current venue balance and pays the
// proceeds to destination. totalSupply is the supply before the burn.
func (s *Strategy) OnWithdraw(ctx context.Context, caller common.Address, shares, totalSupply *big.Int, destination common.Address) (*big.Int, error) {
	if err := s.requireVault(caller); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(s, moduleName); err != nil {
		return nil, err
	}
	if destination == (common.Address{}) {
		return nil, fmt.Errorf("%w: withdraw destination", ErrZeroAddress)
	}
	venueBal, err := s.TotalUnderlying(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := UnderlyingForShares(shares, totalSupply, venueBal)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: shares redeem to zero underlying", ErrInvalidAmount)
	}
	if err := s.backend.Venue.WithdrawAndUnwrap(ctx, amount, false); err != nil {
		return nil, fmt.Errorf("venue withdraw: %w", err)
	}
	if err := s.backend.Tokens.Token(s.params.Underlying).Transfer(ctx, destination, amount); err != nil {
		return nil, fmt.Errorf("transfer underlying: %w", err)
	}
	return amount, nil
}

func (s *Strategy) requireVault(caller common.Address) error {
	if s.vault == (common.Address{}) || caller != s.vault {
		return ErrNotVault
	}
	return nil
}

// forward deposits amount of idle underlying into the venue and stakes it.
func (s *Strategy) forward(ctx context.Context, amount *big.Int) error {
	underlying := s.backend.Tokens.Token(s.params.Underlying)
	if err := forceApprove(ctx, underlying, s.address, s.backend.Venue.Address(), amount); err != nil {
		return fmt.Errorf("approve venue: %w", err)
	}
	if err := s.backend.Venue.Deposit(ctx, s.params.PoolID, amount, true); err != nil {
		return fmt.Errorf("venue deposit: %w", err)
	}
	return nil
}

// SetRoute replaces the route at index.
func (s *Strategy) SetRoute(ctx context.Context, caller common.Address, index int, route Route) error {
	return s.execute(ctx, "setRoute", func(_ context.Context, tx *strategyTx) error {
		registry := tx.registry(s.params)
		if err := registry.SetRoute(tx.state.Roles, caller, index, route); err != nil {
			return err
		}
		tx.state.Routes = registry.routes
		tx.dirty = true
		tx.emit(events.VaultRouteSet{Operator: caller, Index: index, Input: route.Input, Output: route.Output(), Hops: route.Hops()})
		tx.afterCommit(func() { s.metrics.ObserveRouteUpdate("set") })
		return nil
	})
}

// SetRouteBytes decodes a packed path and stores it at index.
func (s *Strategy) SetRouteBytes(ctx context.Context, caller common.Address, index int, raw []byte) error {
	if err := s.RequireAuthorized(caller); err != nil {
		return err
	}
	route, err := DecodeRoute(raw)
	if err != nil {
		return err
	}
	return s.SetRoute(ctx, caller, index, route)
}

// AddRoute appends a slot and returns its index.
func (s *Strategy) AddRoute(ctx context.Context, caller common.Address, route Route) (int, error) {
	var index int
	err := s.execute(ctx, "addRoute", func(_ context.Context, tx *strategyTx) error {
		registry := tx.registry(s.params)
		added, err := registry.AddRoute(tx.state.Roles, caller, route)
		if err != nil {
			return err
		}
		index = added
		tx.state.Routes = registry.routes
		tx.dirty = true
		tx.emit(events.VaultRouteSet{Operator: caller, Index: added, Input: route.Input, Output: route.Output(), Hops: route.Hops()})
		tx.afterCommit(func() { s.metrics.ObserveRouteUpdate("add") })
		return nil
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// AddRouteBytes decodes a packed path and appends it.
func (s *Strategy) AddRouteBytes(ctx context.Context, caller common.Address, raw []byte) (int, error) {
	if err := s.RequireAuthorized(caller); err != nil {
		return 0, err
	}
	route, err := DecodeRoute(raw)
	if err != nil {
		return 0, err
	}
	return s.AddRoute(ctx, caller, route)
}

// RemoveLastRoute clears the final slot.
func (s *Strategy) RemoveLastRoute(ctx context.Context, caller common.Address) error {
	return s.execute(ctx, "removeLastRoute", func(_ context.Context, tx *strategyTx) error {
		registry := tx.registry(s.params)
		if _, err := registry.RemoveLastRoute(tx.state.Roles, caller); err != nil {
			return err
		}
		tx.state.Routes = registry.routes
		tx.dirty = true
		tx.emit(events.VaultRouteRemoved{Operator: caller, Index: len(registry.routes)})
		tx.afterCommit(func() { s.metrics.ObserveRouteUpdate("remove") })
		return nil
	})
}

// Pause sets or clears the pause flag. Only deposit and withdraw observe it.
func (s *Strategy) Pause(ctx context.Context, caller common.Address, paused bool) error {
	return s.execute(ctx, "pause", func(_ context.Context, tx *strategyTx) error {
		if err := tx.state.Roles.RequireAuthorized(caller); err != nil {
			return err
		}
		tx.state.Paused = paused
		tx.dirty = true
		tx.emit(events.VaultPaused{Operator: caller, Paused: paused})
		return nil
	})
}

// SetKeeperFee updates the keeper fee within [0, MaxKeeperFeeBps].
func (s *Strategy) SetKeeperFee(ctx context.Context, caller common.Address, bps uint64) error {
	return s.execute(ctx, "setKeeperFee", func(_ context.Context, tx *strategyTx) error {
		if err := tx.state.Roles.RequireOwner(caller); err != nil {
			return err
		}
		if bps > s.params.MaxKeeperFeeBps {
			return fmt.Errorf("%w: %d above cap %d", ErrFeeOutOfBounds, bps, s.params.MaxKeeperFeeBps)
		}
		previous := tx.state.KeeperFeeBps
		tx.state.KeeperFeeBps = bps
		tx.dirty = true
		tx.emit(events.VaultKeeperFeeUpdated{Previous: previous, Next: bps})
		return nil
	})
}

// TransferOwnership hands the owner role to next.
func (s *Strategy) TransferOwnership(ctx context.Context, caller, next common.Address) error {
	return s.execute(ctx, "transferOwnership", func(_ context.Context, tx *strategyTx) error {
		if err := tx.state.Roles.RequireOwner(caller); err != nil {
			return err
		}
		if next == (common.Address{}) {
			return fmt.Errorf("%w: new owner", ErrZeroAddress)
		}
		previous := tx.state.Roles.Owner
		tx.state.Roles.Owner = next
		tx.dirty = true
		tx.emit(events.VaultOwnershipTransferred{Previous: previous, Next: next})
		return nil
	})
}

// SetAuthorized grants or revokes the operator role.
func (s *Strategy) SetAuthorized(ctx context.Context, caller, operator common.Address, enabled bool) error {
	return s.execute(ctx, "setAuthorized", func(_ context.Context, tx *strategyTx) error {
		if err := tx.state.Roles.RequireOwner(caller); err != nil {
			return err
		}
		if operator == (common.Address{}) {
			return fmt.Errorf("%w: operator", ErrZeroAddress)
		}
		tx.state.Roles.setAuthorized(operator, enabled)
		tx.dirty = true
		tx.emit(events.VaultOperatorUpdated{Operator: operator, Enabled: enabled})
		return nil
	})
}

// Sweep transfers the strategy's whole balance of a stray token to
// recipient. Principal, reward and settlement tokens cannot be swept.
func (s *Strategy) Sweep(ctx context.Context, caller, token, recipient common.Address) (*big.Int, error) {
	var swept *big.Int
	err := s.execute(ctx, "sweep", func(ctx context.Context, tx *strategyTx) error {
		if err := tx.state.Roles.RequireOwner(caller); err != nil {
			return err
		}
		if token == (common.Address{}) || recipient == (common.Address{}) {
			return fmt.Errorf("%w: sweep token and recipient", ErrZeroAddress)
		}
		if s.params.isPrincipal(token) || s.params.isRewardToken(token) || s.params.isSettlementAsset(token) {
			return fmt.Errorf("%w: %s", ErrProtectedToken, token.Hex())
		}
		handle := s.backend.Tokens.Token(token)
		bal, err := handle.BalanceOf(ctx, s.address)
		if err != nil {
			return fmt.Errorf("sweep balance: %w", err)
		}
		if bal.Sign() == 0 {
			return fmt.Errorf("%w: nothing to sweep", ErrInvalidAmount)
		}
		if err := handle.Transfer(ctx, recipient, bal); err != nil {
			return fmt.Errorf("sweep transfer: %w", err)
		}
		swept = bal
		tx.emit(events.VaultSwept{Token: token, Recipient: recipient, Amount: bal})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

// RequireAuthorized returns ErrUnauthorized unless caller is an operator or
// the owner.
func (s *Strategy) RequireAuthorized(caller common.Address) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Roles.RequireAuthorized(caller)
}

// errorClass buckets an error into the taxonomy used for metrics labels.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotVault):
		return "unauthorized"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrZeroAddress), errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrMalformedRoute), errors.Is(err, ErrRouteInputNotReward), errors.Is(err, ErrRouteOutputNotWhitelisted),
		errors.Is(err, ErrRouteIndexOutOfRange), errors.Is(err, ErrNoRoutes), errors.Is(err, ErrRouteNotConfigured),
		errors.Is(err, ErrRouteTokenMismatch), errors.Is(err, ErrProtectedToken), errors.Is(err, ErrFeeOutOfBounds):
		return "validation"
	default:
		return "external"
	}
}
