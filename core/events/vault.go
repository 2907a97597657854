package events

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/types"
)

const (
	// TypeVaultDeposited is emitted when underlying is deposited and shares minted.
	TypeVaultDeposited = "vault.deposited"
	// TypeVaultWithdrawn is emitted when shares are burned for underlying.
	TypeVaultWithdrawn = "vault.withdrawn"
	// TypeVaultHarvested is emitted after rewards are converted and compounded.
	TypeVaultHarvested = "vault.harvested"
	// TypeVaultRouteSet is emitted when a route slot is written or appended.
	TypeVaultRouteSet = "vault.routeSet"
	// TypeVaultRouteRemoved is emitted when the last route slot is cleared.
	TypeVaultRouteRemoved = "vault.routeRemoved"
	// TypeVaultPaused is emitted whenever the pause flag is toggled.
	TypeVaultPaused = "vault.paused"
	// TypeVaultOwnershipTransferred is emitted on owner rotation.
	TypeVaultOwnershipTransferred = "vault.ownershipTransferred"
	// TypeVaultOperatorUpdated is emitted when an operator is granted or revoked.
	TypeVaultOperatorUpdated = "vault.operatorUpdated"
	// TypeVaultKeeperFeeUpdated is emitted when the keeper fee changes.
	TypeVaultKeeperFeeUpdated = "vault.keeperFeeUpdated"
	// TypeVaultSwept is emitted when stray tokens are rescued.
	TypeVaultSwept = "vault.swept"
)

// VaultDeposited captures a deposit.
type VaultDeposited struct {
	Account common.Address
	Amount  *big.Int
	Shares  *big.Int
}

func (VaultDeposited) EventType() string { return TypeVaultDeposited }

func (e VaultDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultDeposited,
		Attributes: map[string]string{
			"account": e.Account.Hex(),
			"amount":  formatAmount(e.Amount),
			"shares":  formatAmount(e.Shares),
		},
	}
}

// VaultWithdrawn captures a redemption.
type VaultWithdrawn struct {
	Account     common.Address
	Destination common.Address
	Shares      *big.Int
	Amount      *big.Int
}

func (VaultWithdrawn) EventType() string { return TypeVaultWithdrawn }

func (e VaultWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultWithdrawn,
		Attributes: map[string]string{
			"account":     e.Account.Hex(),
			"destination": e.Destination.Hex(),
			"shares":      formatAmount(e.Shares),
			"amount":      formatAmount(e.Amount),
		},
	}
}

// VaultHarvested summarises a completed harvest.
type VaultHarvested struct {
	RunID      string
	Keeper     common.Address
	Swaps      int
	KeeperFee  *big.Int
	Compounded *big.Int
}

func (VaultHarvested) EventType() string { return TypeVaultHarvested }

func (e VaultHarvested) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultHarvested,
		Attributes: map[string]string{
			"runId":      strings.TrimSpace(e.RunID),
			"keeper":     e.Keeper.Hex(),
			"swaps":      strconv.Itoa(e.Swaps),
			"keeperFee":  formatAmount(e.KeeperFee),
			"compounded": formatAmount(e.Compounded),
		},
	}
}

// VaultRouteSet records a route write.
type VaultRouteSet struct {
	Operator common.Address
	Index    int
	Input    common.Address
	Output   common.Address
	Hops     int
}

func (VaultRouteSet) EventType() string { return TypeVaultRouteSet }

func (e VaultRouteSet) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultRouteSet,
		Attributes: map[string]string{
			"operator": e.Operator.Hex(),
			"index":    strconv.Itoa(e.Index),
			"input":    e.Input.Hex(),
			"output":   e.Output.Hex(),
			"hops":     strconv.Itoa(e.Hops),
		},
	}
}

// VaultRouteRemoved records removal of the final slot.
type VaultRouteRemoved struct {
	Operator common.Address
	Index    int
}

func (VaultRouteRemoved) EventType() string { return TypeVaultRouteRemoved }

func (e VaultRouteRemoved) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultRouteRemoved,
		Attributes: map[string]string{
			"operator": e.Operator.Hex(),
			"index":    strconv.Itoa(e.Index),
		},
	}
}

// VaultPaused records a pause toggle.
type VaultPaused struct {
	Operator common.Address
	Paused   bool
}

func (VaultPaused) EventType() string { return TypeVaultPaused }

func (e VaultPaused) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultPaused,
		Attributes: map[string]string{
			"operator": e.Operator.Hex(),
			"paused":   strconv.FormatBool(e.Paused),
		},
	}
}

// VaultOwnershipTransferred records an owner rotation.
type VaultOwnershipTransferred struct {
	Previous common.Address
	Next     common.Address
}

func (VaultOwnershipTransferred) EventType() string { return TypeVaultOwnershipTransferred }

func (e VaultOwnershipTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultOwnershipTransferred,
		Attributes: map[string]string{
			"previous": e.Previous.Hex(),
			"next":     e.Next.Hex(),
		},
	}
}

// VaultOperatorUpdated records an operator grant or revocation.
type VaultOperatorUpdated struct {
	Operator common.Address
	Enabled  bool
}

func (VaultOperatorUpdated) EventType() string { return TypeVaultOperatorUpdated }

func (e VaultOperatorUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultOperatorUpdated,
		Attributes: map[string]string{
			"operator": e.Operator.Hex(),
			"enabled":  strconv.FormatBool(e.Enabled),
		},
	}
}

// VaultKeeperFeeUpdated records a keeper fee change.
type VaultKeeperFeeUpdated struct {
	Previous uint64
	Next     uint64
}

func (VaultKeeperFeeUpdated) EventType() string { return TypeVaultKeeperFeeUpdated }

func (e VaultKeeperFeeUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultKeeperFeeUpdated,
		Attributes: map[string]string{
			"previousBps": strconv.FormatUint(e.Previous, 10),
			"nextBps":     strconv.FormatUint(e.Next, 10),
		},
	}
}

// VaultSwept records a rescue transfer.
type VaultSwept struct {
	Token     common.Address
	Recipient common.Address
	Amount    *big.Int
}

func (VaultSwept) EventType() string { return TypeVaultSwept }

func (e VaultSwept) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultSwept,
		Attributes: map[string]string{
			"token":     e.Token.Hex(),
			"recipient": e.Recipient.Hex(),
			"amount":    formatAmount(e.Amount),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
