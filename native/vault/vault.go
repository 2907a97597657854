package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/events"
	nativecommon "lpvault/native/common"
	"lpvault/observability/metrics"
)

// Vault is the depositor-facing wrapper around a Strategy. It custodies no
// underlying itself: deposits are pulled straight into the strategy and
// withdrawals are paid out by it. The vault owns the share ledger.
type Vault struct {
	address  common.Address
	strategy *Strategy
	tokens   TokenSet
	store    *Store

	mu     sync.RWMutex
	ledger *ShareLedger

	emitter events.Emitter
	logger  *slog.Logger
	metrics *metrics.VaultMetrics
}

// NewVault binds a vault at address to strategy. tokens must be bound to the
// vault address.
func NewVault(address common.Address, strategy *Strategy, tokens TokenSet) (*Vault, error) {
	if strategy == nil || tokens == nil {
		return nil, ErrNotConfigured
	}
	if err := strategy.bindVault(address); err != nil {
		return nil, err
	}
	return &Vault{
		address:  address,
		strategy: strategy,
		tokens:   tokens,
		ledger:   NewShareLedger(),
		emitter:  events.NoopEmitter{},
		logger:   slog.Default().With("component", "native/vault"),
		metrics:  metrics.Vault(),
	}, nil
}

// SetStore attaches persistent storage and restores the share ledger.
func (v *Vault) SetStore(store *Store) error {
	ledger, err := store.LoadShares()
	if err != nil {
		return fmt.Errorf("load shares: %w", err)
	}
	v.mu.Lock()
	v.store = store
	v.ledger = ledger
	v.mu.Unlock()
	v.metrics.SetTotalSupply(ledger.TotalSupply())
	return nil
}

// SetEmitter configures the event sink.
func (v *Vault) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	v.emitter = emitter
}

// SetLogger overrides the component logger.
func (v *Vault) SetLogger(logger *slog.Logger) {
	if logger != nil {
		v.logger = logger.With("component", "native/vault")
	}
}

// SetMetrics overrides the metrics sink.
func (v *Vault) SetMetrics(m *metrics.VaultMetrics) { v.metrics = m }

// Address returns the vault's account address.
func (v *Vault) Address() common.Address { return v.address }

// Strategy returns the bound strategy.
func (v *Vault) Strategy() *Strategy { return v.strategy }

// Deposit pulls amount of underlying from caller into the strategy, which
// forwards it to the venue, and mints the resulting shares to caller.
func (v *Vault) Deposit(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	var minted *big.Int
	err := v.run(ctx, "deposit", func(ctx context.Context, ledger *ShareLedger, emit func(events.Event)) error {
		if err := nativecommon.Guard(v.strategy, moduleName); err != nil {
			return err
		}
		if caller == (common.Address{}) {
			return fmt.Errorf("%w: depositor", ErrZeroAddress)
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		underlying := v.tokens.Token(v.strategy.params.Underlying)
		if err := underlying.TransferFrom(ctx, caller, v.strategy.address, amount); err != nil {
			return fmt.Errorf("pull underlying: %w", err)
		}
		shares, used, err := v.strategy.OnDeposit(ctx, v.address, amount, ledger.TotalSupply())
		if err != nil {
			return err
		}
		if refund := new(big.Int).Sub(amount, used); refund.Sign() > 0 {
			if err := v.strategy.backend.Tokens.Token(v.strategy.params.Underlying).Transfer(ctx, caller, refund); err != nil {
				return fmt.Errorf("refund unused deposit: %w", err)
			}
		}
		if err := ledger.Mint(caller, shares); err != nil {
			return err
		}
		minted = shares
		emit(events.VaultDeposited{Account: caller, Amount: used, Shares: shares})
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.metrics.ObserveFlow("deposit")
	return minted, nil
}

// Withdraw burns shares held by caller and pays the proportional underlying
// to destination. Shares are burned before the venue is touched; the
// redemption itself is priced on the pre-burn supply.
func (v *Vault) Withdraw(ctx context.Context, caller common.Address, shares *big.Int, destination common.Address) (*big.Int, error) {
	var paid *big.Int
	err := v.run(ctx, "withdraw", func(ctx context.Context, ledger *ShareLedger, emit func(events.Event)) error {
		if err := nativecommon.Guard(v.strategy, moduleName); err != nil {
			return err
		}
		if shares == nil || shares.Sign() <= 0 {
			return ErrInvalidAmount
		}
		supply := ledger.TotalSupply()
		if err := ledger.Burn(caller, shares); err != nil {
			return err
		}
		amount, err := v.strategy.OnWithdraw(ctx, v.address, shares, supply, destination)
		if err != nil {
			return err
		}
		paid = amount
		emit(events.VaultWithdrawn{Account: caller, Destination: destination, Shares: shares, Amount: amount})
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.metrics.ObserveFlow("withdraw")
	return paid, nil
}

func (v *Vault) run(ctx context.Context, entry string, fn func(ctx context.Context, ledger *ShareLedger, emit func(events.Event)) error) error {
	release, err := v.strategy.lock.enter()
	if err != nil {
		v.metrics.ObserveRejected(entry, errorClass(err))
		return err
	}
	defer release()

	v.mu.RLock()
	working := v.ledger.Clone()
	v.mu.RUnlock()

	journal := v.strategy.backend.Journal
	snapshot := -1
	if journal != nil {
		snapshot = journal.Snapshot()
	}
	var buffered []events.Event
	emit := func(ev events.Event) { buffered = append(buffered, ev) }
	if err := fn(ctx, working, emit); err != nil {
		if snapshot >= 0 {
			journal.RevertToSnapshot(snapshot)
		}
		v.metrics.ObserveRejected(entry, errorClass(err))
		v.logger.Warn("vault call rejected", "entry", entry, "error", err)
		return err
	}
	if err := v.store.SaveShares(working); err != nil {
		if snapshot >= 0 {
			journal.RevertToSnapshot(snapshot)
		}
		return fmt.Errorf("persist shares: %w", err)
	}
	if snapshot >= 0 {
		journal.DiscardSnapshot(snapshot)
	}
	v.mu.Lock()
	v.ledger = working
	v.mu.Unlock()
	v.metrics.SetTotalSupply(working.TotalSupply())
	if price, err := v.PricePerShare(ctx); err == nil {
		v.metrics.SetPricePerShare(price, v.strategy.params.ShareDecimals)
	}
	for _, ev := range buffered {
		v.emitter.Emit(ev)
	}
	return nil
}

// TotalSupply returns the outstanding share supply.
func (v *Vault) TotalSupply() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ledger.TotalSupply()
}

// BalanceOf returns holder's share balance.
func (v *Vault) BalanceOf(holder common.Address) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ledger.BalanceOf(holder)
}

// Holders lists every address with a share balance entry.
func (v *Vault) Holders() []common.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ledger.Holders()
}

// TotalUnderlying reads the position from the venue.
func (v *Vault) TotalUnderlying(ctx context.Context) (*big.Int, error) {
	return v.strategy.TotalUnderlying(ctx)
}

// PricePerShare returns the value of one whole share scaled by the share
// decimals.
func (v *Vault) PricePerShare(ctx context.Context) (*big.Int, error) {
	total, err := v.TotalUnderlying(ctx)
	if err != nil {
		return nil, err
	}
	return PricePerShare(total, v.TotalSupply(), v.strategy.params.ShareDecimals)
}

// ConvertToShares previews the shares a deposit of amount would mint now.
func (v *Vault) ConvertToShares(ctx context.Context, amount *big.Int) (*big.Int, error) {
	total, err := v.TotalUnderlying(ctx)
	if err != nil {
		return nil, err
	}
	return SharesForDeposit(amount, v.TotalSupply(), total)
}

// ConvertToUnderlying previews the underlying a redemption of shares would
// pay now.
func (v *Vault) ConvertToUnderlying(ctx context.Context, shares *big.Int) (*big.Int, error) {
	total, err := v.TotalUnderlying(ctx)
	if err != nil {
		return nil, err
	}
	return UnderlyingForShares(shares, v.TotalSupply(), total)
}
