package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/native/vault"
)

// Booster is a staking venue serving a single account. Staked positions are
// held as receipt tokens on the booster's own address and accrued rewards sit
// on the booster until claimed, so all venue state lives in the journaled
// chain.
type Booster struct {
	chain      *Chain
	address    common.Address
	account    common.Address
	underlying common.Address
	receipt    common.Address
	poolID     uint64
	rewards    []common.Address

	// OnGetReward runs before rewards are paid out.
	OnGetReward func(ctx context.Context) error
}

// NewBooster creates a venue for account.
func NewBooster(chain *Chain, address, account, underlying, receipt common.Address, poolID uint64, rewards ...common.Address) *Booster {
	return &Booster{
		chain:      chain,
		address:    address,
		account:    account,
		underlying: underlying,
		receipt:    receipt,
		poolID:     poolID,
		rewards:    append([]common.Address(nil), rewards...),
	}
}

func (b *Booster) Address() common.Address { return b.address }

// Deposit pulls amount of underlying from the account. Staked deposits keep
// the receipt on the booster; unstaked ones hand it to the account.
func (b *Booster) Deposit(_ context.Context, poolID uint64, amount *big.Int, stake bool) error {
	if poolID != b.poolID {
		return fmt.Errorf("%w: %d", ErrWrongPool, poolID)
	}
	if err := b.chain.TransferFrom(b.underlying, b.address, b.account, b.address, amount); err != nil {
		return err
	}
	holder := b.address
	if !stake {
		holder = b.account
	}
	b.chain.Mint(b.receipt, holder, amount)
	return nil
}

// WithdrawAndUnwrap unstakes amount and returns the underlying to the account.
func (b *Booster) WithdrawAndUnwrap(ctx context.Context, amount *big.Int, claimRewards bool) error {
	if err := b.chain.Burn(b.receipt, b.address, amount); err != nil {
		return err
	}
	if err := b.chain.Transfer(b.underlying, b.address, b.account, amount); err != nil {
		return err
	}
	if claimRewards {
		return b.GetReward(ctx)
	}
	return nil
}

// BalanceOf reports the staked position of account in underlying units.
func (b *Booster) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	if account != b.account {
		return big.NewInt(0), nil
	}
	return b.chain.BalanceOf(b.receipt, b.address), nil
}

// GetReward pays every accrued reward token to the account.
func (b *Booster) GetReward(ctx context.Context) error {
	if b.OnGetReward != nil {
		if err := b.OnGetReward(ctx); err != nil {
			return err
		}
	}
	for _, token := range b.rewards {
		pending := b.chain.BalanceOf(token, b.address)
		if pending.Sign() == 0 {
			continue
		}
		if err := b.chain.Transfer(token, b.address, b.account, pending); err != nil {
			return err
		}
	}
	return nil
}

// AccrueReward credits amount of a reward token for the next claim.
func (b *Booster) AccrueReward(token common.Address, amount *big.Int) {
	b.chain.Mint(token, b.address, amount)
}

// AccrueYield grows the staked position without a deposit.
func (b *Booster) AccrueYield(amount *big.Int) {
	b.chain.Mint(b.underlying, b.address, amount)
	b.chain.Mint(b.receipt, b.address, amount)
}

// Rate is an exchange rate of Num output units per Den input units.
type Rate struct {
	Num int64
	Den int64
}

func (r Rate) apply(amount *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(r.Num))
	return out.Quo(out, big.NewInt(r.Den))
}

type pair struct {
	in  common.Address
	out common.Address
}

// Router executes packed multi-hop swaps at fixed per-pair rates, minting the
// final output to the recipient.
type Router struct {
	chain   *Chain
	address common.Address
	account common.Address

	mu    sync.RWMutex
	rates map[pair]Rate

	// BeforeSwap runs after the input is pulled and before output is paid.
	BeforeSwap func(ctx context.Context, params vault.ExactInputParams) error
	// Withhold is kept back from every payout while the full quote is still
	// reported, modelling a fee-on-transfer output token.
	Withhold *big.Int
}

// NewRouter creates a router whose caller is account.
func NewRouter(chain *Chain, address, account common.Address) *Router {
	return &Router{chain: chain, address: address, account: account, rates: make(map[pair]Rate)}
}

func (r *Router) Address() common.Address { return r.address }

// SetRate configures the rate for one hop.
func (r *Router) SetRate(in, out common.Address, rate Rate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[pair{in, out}] = rate
}

// Quote returns the output of a swap along path without executing it.
func (r *Router) Quote(path []byte, amountIn *big.Int) (*big.Int, error) {
	route, err := vault.DecodeRoute(path)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	amount := new(big.Int).Set(amountIn)
	from := route.Input
	for _, leg := range route.Legs {
		rate, ok := r.rates[pair{from, leg.Token}]
		if !ok || rate.Den == 0 {
			return nil, fmt.Errorf("%w: %s -> %s", ErrNoPool, from.Hex(), leg.Token.Hex())
		}
		amount = rate.apply(amount)
		from = leg.Token
	}
	return amount, nil
}

// ExactInput implements vault.SwapRouter.
func (r *Router) ExactInput(ctx context.Context, params vault.ExactInputParams) (*big.Int, error) {
	if params.Deadline < r.chain.Now() {
		return nil, ErrExpired
	}
	route, err := vault.DecodeRoute(params.Path)
	if err != nil {
		return nil, err
	}
	out, err := r.Quote(params.Path, params.AmountIn)
	if err != nil {
		return nil, err
	}
	if params.AmountOutMinimum != nil && out.Cmp(params.AmountOutMinimum) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrTooLittleReceived, out, params.AmountOutMinimum)
	}
	if err := r.chain.TransferFrom(route.Input, r.address, r.account, r.address, params.AmountIn); err != nil {
		return nil, err
	}
	if r.BeforeSwap != nil {
		if err := r.BeforeSwap(ctx, params); err != nil {
			return nil, err
		}
	}
	payout := new(big.Int).Set(out)
	if r.Withhold != nil {
		payout.Sub(payout, r.Withhold)
		if payout.Sign() < 0 {
			payout.SetInt64(0)
		}
	}
	r.chain.Mint(route.Output(), params.Recipient, payout)
	return out, nil
}

// Pool mints underlying LP units for single-sided deposits of settlement
// assets.
type Pool struct {
	chain      *Chain
	address    common.Address
	account    common.Address
	underlying common.Address

	mu    sync.RWMutex
	rates map[common.Address]Rate
}

// NewPool creates a pool minting underlying for account.
func NewPool(chain *Chain, address, account, underlying common.Address) *Pool {
	return &Pool{chain: chain, address: address, account: account, underlying: underlying, rates: make(map[common.Address]Rate)}
}

func (p *Pool) Address() common.Address { return p.address }

// SetRate configures how many underlying units one asset unit mints.
func (p *Pool) SetRate(asset common.Address, rate Rate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[asset] = rate
}

// AddLiquidity implements vault.LiquidityPool.
func (p *Pool) AddLiquidity(_ context.Context, asset common.Address, amount, minMint *big.Int) (*big.Int, error) {
	p.mu.RLock()
	rate, ok := p.rates[asset]
	p.mu.RUnlock()
	if !ok || rate.Den == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPool, asset.Hex())
	}
	minted := rate.apply(amount)
	if minMint != nil && minted.Cmp(minMint) < 0 {
		return nil, fmt.Errorf("%w: minted %s < %s", ErrTooLittleReceived, minted, minMint)
	}
	if err := p.chain.TransferFrom(asset, p.address, p.account, p.address, amount); err != nil {
		return nil, err
	}
	p.chain.Mint(p.underlying, p.account, minted)
	return minted, nil
}
