package vault

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DefaultPrivilegedSlots covers the two primary reward tokens.
	DefaultPrivilegedSlots = 2
	// NoPrivilegedSlots disables the reward-token input rule on every slot.
	// Zero means "use the default".
	NoPrivilegedSlots = -1
	// DefaultMaxKeeperFeeBps caps the keeper incentive at 10%.
	DefaultMaxKeeperFeeBps = 1_000
	// DefaultShareDecimals matches 18-decimal LP tokens.
	DefaultShareDecimals = 18
	maxSettlementAssets  = 8
)

// Params are the deployment constants of a strategy. They are fixed for the
// life of the strategy; mutable settings live in StrategyState.
type Params struct {
	Underlying       common.Address
	ReceiptToken     common.Address
	PoolID           uint64
	RewardTokens     []common.Address
	SettlementAssets []common.Address
	// PrivilegedSlots is the number of leading route slots whose input must be
	// one of RewardTokens. Zero selects DefaultPrivilegedSlots; use
	// NoPrivilegedSlots for none.
	PrivilegedSlots int
	MaxKeeperFeeBps uint64
	ShareDecimals   uint8

	// Initial mutable state, applied only when no persisted state exists.
	Owner        common.Address
	Operators    []common.Address
	KeeperFeeBps uint64
	Routes       []Route
}

// EnsureDefaults fills zero-valued knobs.
func (p *Params) EnsureDefaults() {
	if p.PrivilegedSlots == 0 {
		p.PrivilegedSlots = DefaultPrivilegedSlots
	}
	if p.MaxKeeperFeeBps == 0 {
		p.MaxKeeperFeeBps = DefaultMaxKeeperFeeBps
	}
	if p.ShareDecimals == 0 {
		p.ShareDecimals = DefaultShareDecimals
	}
}

// Validate checks the deployment constants for internal consistency.
func (p Params) Validate() error {
	if p.Underlying == (common.Address{}) || p.ReceiptToken == (common.Address{}) {
		return fmt.Errorf("%w: underlying and receipt token required", ErrZeroAddress)
	}
	if p.Owner == (common.Address{}) {
		return fmt.Errorf("%w: owner required", ErrZeroAddress)
	}
	if len(p.RewardTokens) == 0 {
		return fmt.Errorf("vault: at least one reward token required")
	}
	if len(p.SettlementAssets) == 0 || len(p.SettlementAssets) > maxSettlementAssets {
		return fmt.Errorf("vault: between 1 and %d settlement assets required", maxSettlementAssets)
	}
	if p.PrivilegedSlots < NoPrivilegedSlots {
		return fmt.Errorf("vault: invalid privileged slot count %d", p.PrivilegedSlots)
	}
	if p.MaxKeeperFeeBps > basisPoints.Uint64() {
		return fmt.Errorf("%w: max keeper fee %d exceeds 10000 bps", ErrFeeOutOfBounds, p.MaxKeeperFeeBps)
	}
	if p.KeeperFeeBps > p.MaxKeeperFeeBps {
		return fmt.Errorf("%w: keeper fee %d above cap %d", ErrFeeOutOfBounds, p.KeeperFeeBps, p.MaxKeeperFeeBps)
	}
	seen := make(map[common.Address]struct{})
	for _, addr := range append(append([]common.Address{}, p.RewardTokens...), p.SettlementAssets...) {
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: reward token or settlement asset", ErrZeroAddress)
		}
		if addr == p.Underlying || addr == p.ReceiptToken {
			return fmt.Errorf("%w: %s listed as reward or settlement asset", ErrProtectedToken, addr.Hex())
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("vault: duplicate token %s", addr.Hex())
		}
		seen[addr] = struct{}{}
	}
	return nil
}

// privileged reports whether route slot index must start at a reward token.
func (p Params) privileged(index int) bool {
	return p.PrivilegedSlots > 0 && index < p.PrivilegedSlots
}

func (p Params) isRewardToken(addr common.Address) bool {
	for _, token := range p.RewardTokens {
		if token == addr {
			return true
		}
	}
	return false
}

func (p Params) isSettlementAsset(addr common.Address) bool {
	for _, asset := range p.SettlementAssets {
		if asset == addr {
			return true
		}
	}
	return false
}

// isPrincipal reports whether addr is the underlying or its venue receipt.
func (p Params) isPrincipal(addr common.Address) bool {
	return addr == p.Underlying || addr == p.ReceiptToken
}

func (p Params) clone() Params {
	clone := p
	clone.RewardTokens = append([]common.Address(nil), p.RewardTokens...)
	clone.SettlementAssets = append([]common.Address(nil), p.SettlementAssets...)
	clone.Operators = append([]common.Address(nil), p.Operators...)
	clone.Routes = make([]Route, 0, len(p.Routes))
	for _, r := range p.Routes {
		clone.Routes = append(clone.Routes, r.Clone())
	}
	return clone
}
