package sim

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"lpvault/native/vault"
)

func TestChainSnapshotRevertRestoresBalancesAndAllowances(t *testing.T) {
	chain := NewChain(0)
	token, alice, bob := Address("t"), Address("alice"), Address("bob")
	chain.Mint(token, alice, big.NewInt(100))

	id := chain.Snapshot()
	require.NoError(t, chain.Transfer(token, alice, bob, big.NewInt(40)))
	require.NoError(t, chain.Approve(token, alice, bob, big.NewInt(7)))
	chain.Mint(token, Address("carol"), big.NewInt(1))
	chain.RevertToSnapshot(id)

	require.Equal(t, int64(100), chain.BalanceOf(token, alice).Int64())
	require.Zero(t, chain.BalanceOf(token, bob).Sign())
	require.Zero(t, chain.BalanceOf(token, Address("carol")).Sign())
	require.Zero(t, chain.Allowance(token, alice, bob).Sign())
}

func TestChainDiscardKeepsEffects(t *testing.T) {
	chain := NewChain(0)
	token, alice, bob := Address("t"), Address("alice"), Address("bob")
	chain.Mint(token, alice, big.NewInt(10))

	id := chain.Snapshot()
	require.NoError(t, chain.Transfer(token, alice, bob, big.NewInt(4)))
	chain.DiscardSnapshot(id)
	require.Empty(t, chain.undo)
	require.Equal(t, int64(4), chain.BalanceOf(token, bob).Int64())

	require.Panics(t, func() { chain.RevertToSnapshot(id) })
}

func TestChainTransferFromSpendsAllowance(t *testing.T) {
	chain := NewChain(0)
	token, owner, spender := Address("t"), Address("owner"), Address("spender")
	chain.Mint(token, owner, big.NewInt(10))
	require.ErrorIs(t, chain.TransferFrom(token, spender, owner, spender, big.NewInt(1)), ErrInsufficientAllowance)
	require.NoError(t, chain.Approve(token, owner, spender, big.NewInt(6)))
	require.NoError(t, chain.TransferFrom(token, spender, owner, spender, big.NewInt(6)))
	require.Zero(t, chain.Allowance(token, owner, spender).Sign())
	require.ErrorIs(t, chain.Transfer(token, owner, spender, big.NewInt(5)), ErrInsufficientBalance)
}

func TestZeroFirstTokenRejectsDirectReapproval(t *testing.T) {
	chain := NewChain(0)
	token, owner, spender := Address("usdt"), Address("owner"), Address("spender")
	chain.RequireZeroFirst(token)
	require.NoError(t, chain.Approve(token, owner, spender, big.NewInt(5)))
	require.ErrorIs(t, chain.Approve(token, owner, spender, big.NewInt(9)), ErrUnsafeApprove)
	require.NoError(t, chain.Approve(token, owner, spender, big.NewInt(0)))
	require.NoError(t, chain.Approve(token, owner, spender, big.NewInt(9)))
}

func TestBoosterStakesAndPaysRewards(t *testing.T) {
	ctx := context.Background()
	d := NewDeployment("booster", 0)
	d.Chain.Mint(d.Underlying, d.Strategy, big.NewInt(50))
	require.NoError(t, d.Chain.Approve(d.Underlying, d.Strategy, d.Booster.Address(), big.NewInt(50)))

	require.ErrorIs(t, d.Booster.Deposit(ctx, 99, big.NewInt(50), true), ErrWrongPool)
	require.NoError(t, d.Booster.Deposit(ctx, 7, big.NewInt(50), true))
	bal, err := d.Booster.BalanceOf(ctx, d.Strategy)
	require.NoError(t, err)
	require.Equal(t, int64(50), bal.Int64())

	d.Booster.AccrueYield(big.NewInt(5))
	d.Booster.AccrueReward(d.RewardX, big.NewInt(3))
	require.NoError(t, d.Booster.WithdrawAndUnwrap(ctx, big.NewInt(55), true))
	require.Equal(t, int64(55), d.Chain.BalanceOf(d.Underlying, d.Strategy).Int64())
	require.Equal(t, int64(3), d.Chain.BalanceOf(d.RewardX, d.Strategy).Int64())

	other, err := d.Booster.BalanceOf(ctx, d.Owner)
	require.NoError(t, err)
	require.Zero(t, other.Sign())
}

func TestRouterMultiHopQuoteAndLimits(t *testing.T) {
	ctx := context.Background()
	d := NewDeployment("router", 100)
	route := d.Params().Routes[0]
	out, err := d.Router.Quote(route.Encode(), big.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, int64(20), out.Int64())

	d.Chain.Mint(d.RewardX, d.Strategy, big.NewInt(10))
	require.NoError(t, d.Chain.Approve(d.RewardX, d.Strategy, d.Router.Address(), big.NewInt(10)))
	params := vault.ExactInputParams{
		Path:             route.Encode(),
		Recipient:        d.Strategy,
		Deadline:         99,
		AmountIn:         big.NewInt(10),
		AmountOutMinimum: big.NewInt(20),
	}
	_, err = d.Router.ExactInput(ctx, params)
	require.ErrorIs(t, err, ErrExpired)

	params.Deadline = 100
	params.AmountOutMinimum = big.NewInt(21)
	_, err = d.Router.ExactInput(ctx, params)
	require.ErrorIs(t, err, ErrTooLittleReceived)

	params.AmountOutMinimum = big.NewInt(20)
	got, err := d.Router.ExactInput(ctx, params)
	require.NoError(t, err)
	require.Equal(t, int64(20), got.Int64())
	require.Equal(t, int64(20), d.Chain.BalanceOf(d.AssetA, d.Strategy).Int64())
	require.Zero(t, d.Chain.BalanceOf(d.RewardX, d.Strategy).Sign())

	missing := vault.MustRoute([]common.Address{d.RewardY, d.AssetC}, []uint32{FeeLow})
	_, err = d.Router.Quote(missing.Encode(), big.NewInt(1))
	require.ErrorIs(t, err, ErrNoPool)
}

func TestPoolMintsUnderlying(t *testing.T) {
	ctx := context.Background()
	d := NewDeployment("pool", 0)
	d.Chain.Mint(d.AssetB, d.Strategy, big.NewInt(30))
	require.NoError(t, d.Chain.Approve(d.AssetB, d.Strategy, d.Pool.Address(), big.NewInt(30)))

	_, err := d.Pool.AddLiquidity(ctx, d.AssetB, big.NewInt(30), big.NewInt(31))
	require.ErrorIs(t, err, ErrTooLittleReceived)
	minted, err := d.Pool.AddLiquidity(ctx, d.AssetB, big.NewInt(30), big.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, int64(30), minted.Int64())
	require.Equal(t, int64(30), d.Chain.BalanceOf(d.Underlying, d.Strategy).Int64())

	_, err = d.Pool.AddLiquidity(ctx, d.Hop, big.NewInt(1), nil)
	require.ErrorIs(t, err, ErrNoPool)
}
