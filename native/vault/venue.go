package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token is a transferable asset handle bound to the acting account: Transfer,
// TransferFrom and Approve execute on behalf of that account.
type Token interface {
	Address() common.Address
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error
	Approve(ctx context.Context, spender common.Address, amount *big.Int) error
}

// TokenSet resolves bound token handles by address.
type TokenSet interface {
	Token(address common.Address) Token
}

// YieldVenue is the staking-and-reward system holding the underlying asset.
// Balances are reported in underlying units.
type YieldVenue interface {
	Address() common.Address
	Deposit(ctx context.Context, poolID uint64, amount *big.Int, stake bool) error
	WithdrawAndUnwrap(ctx context.Context, amount *big.Int, claimRewards bool) error
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	GetReward(ctx context.Context) error
}

// ExactInputParams mirrors the multi-hop exact-input swap call.
type ExactInputParams struct {
	Path             []byte
	Recipient        common.Address
	Deadline         uint64
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// SwapRouter executes exact-input multi-hop swaps. The router pulls AmountIn
// from the caller through an allowance and enforces Deadline and
// AmountOutMinimum itself.
type SwapRouter interface {
	Address() common.Address
	ExactInput(ctx context.Context, params ExactInputParams) (*big.Int, error)
}

// LiquidityPool converts a single settlement asset into underlying units.
type LiquidityPool interface {
	Address() common.Address
	AddLiquidity(ctx context.Context, asset common.Address, amount, minMint *big.Int) (*big.Int, error)
}

// Journal snapshots and reverts the effects of external calls so a failed
// entry point leaves collaborator balances untouched. DiscardSnapshot is
// called once the entry point commits.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Backend bundles the external collaborators used by the strategy, every
// handle bound to the strategy address.
type Backend struct {
	Tokens  TokenSet
	Venue   YieldVenue
	Router  SwapRouter
	Pool    LiquidityPool
	Journal Journal
}

func (b Backend) validate() error {
	if b.Tokens == nil || b.Venue == nil || b.Router == nil || b.Pool == nil {
		return ErrNotConfigured
	}
	return nil
}

// forceApprove grants spender exactly amount, resetting a lingering non-zero
// allowance first for assets that refuse non-zero to non-zero updates.
func forceApprove(ctx context.Context, token Token, owner, spender common.Address, amount *big.Int) error {
	current, err := token.Allowance(ctx, owner, spender)
	if err != nil {
		return err
	}
	if current != nil && current.Sign() > 0 {
		if current.Cmp(amount) == 0 {
			return nil
		}
		if err := token.Approve(ctx, spender, big.NewInt(0)); err != nil {
			return err
		}
	}
	return token.Approve(ctx, spender, amount)
}
