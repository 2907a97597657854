// Package sim is a deterministic in-memory ledger implementing the external
// collaborators of the vault: transferable tokens, a staking venue, a
// multi-hop swap router and a single-sided liquidity pool. Every balance and
// allowance change is journaled so a failed vault call can be rolled back.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lpvault/native/vault"
)

var (
	ErrInsufficientBalance   = errors.New("sim: insufficient balance")
	ErrInsufficientAllowance = errors.New("sim: insufficient allowance")
	ErrUnsafeApprove         = errors.New("sim: approve from non-zero to non-zero allowance")
	ErrExpired               = errors.New("sim: transaction too old")
	ErrTooLittleReceived     = errors.New("sim: too little received")
	ErrNoPool                = errors.New("sim: no pool for pair")
	ErrWrongPool             = errors.New("sim: unknown pool id")
	ErrInvalidSnapshot       = errors.New("sim: invalid snapshot")
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Chain holds token balances and allowances for every simulated asset.
type Chain struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[allowanceKey]*big.Int
	zeroFirst  map[common.Address]bool
	undo       []func()
	snapshots  []int
	now        uint64
}

// NewChain returns an empty ledger with the clock at now.
func NewChain(now uint64) *Chain {
	return &Chain{
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[allowanceKey]*big.Int),
		zeroFirst:  make(map[common.Address]bool),
		now:        now,
	}
}

// Address derives a stable address from a label.
func Address(label string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte(label)))
}

// Now returns the simulated block time in unix seconds.
func (c *Chain) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Chain) Advance(seconds uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += seconds
}

// RequireZeroFirst marks token as rejecting non-zero to non-zero approvals.
func (c *Chain) RequireZeroFirst(token common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zeroFirst[token] = true
}

// Snapshot implements vault.Journal.
func (c *Chain) Snapshot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, len(c.undo))
	return len(c.snapshots) - 1
}

// RevertToSnapshot implements vault.Journal. Reverting discards the snapshot
// and every later one.
func (c *Chain) RevertToSnapshot(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.snapshots) {
		panic(fmt.Errorf("%w: %d", ErrInvalidSnapshot, id))
	}
	mark := c.snapshots[id]
	for i := len(c.undo) - 1; i >= mark; i-- {
		c.undo[i]()
	}
	c.undo = c.undo[:mark]
	c.snapshots = c.snapshots[:id]
}

// DiscardSnapshot implements vault.Journal. Once no snapshot is outstanding
// the undo log is dropped.
func (c *Chain) DiscardSnapshot(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.snapshots) {
		return
	}
	c.snapshots = c.snapshots[:id]
	if len(c.snapshots) == 0 {
		c.undo = c.undo[:0]
	}
}

// BalanceOf returns holder's balance of token.
func (c *Chain) BalanceOf(token, holder common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance(token, holder)
}

// Allowance returns the amount spender may pull from owner.
func (c *Chain) Allowance(token, owner, spender common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowance(token, owner, spender)
}

// Mint credits amount of token to holder.
func (c *Chain) Mint(token, holder common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setBalance(token, holder, new(big.Int).Add(c.balance(token, holder), amount))
}

// Burn debits amount of token from holder.
func (c *Chain) Burn(token, holder common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal := c.balance(token, holder)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	c.setBalance(token, holder, bal.Sub(bal, amount))
	return nil
}

// Transfer moves amount of token between holders.
func (c *Chain) Transfer(token, from, to common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfer(token, from, to, amount)
}

// TransferFrom moves amount from owner to to, spending spender's allowance.
func (c *Chain) TransferFrom(token, spender, owner, to common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	allowed := c.allowance(token, owner, spender)
	if allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := c.transfer(token, owner, to, amount); err != nil {
		return err
	}
	c.setAllowance(token, owner, spender, allowed.Sub(allowed, amount))
	return nil
}

// Approve sets spender's allowance over owner's token.
func (c *Chain) Approve(token, owner, spender common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zeroFirst[token] && amount.Sign() > 0 && c.allowance(token, owner, spender).Sign() > 0 {
		return ErrUnsafeApprove
	}
	c.setAllowance(token, owner, spender, new(big.Int).Set(amount))
	return nil
}

// Tokens returns token handles bound to actor.
func (c *Chain) Tokens(actor common.Address) vault.TokenSet {
	return tokenSet{chain: c, actor: actor}
}

func (c *Chain) transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("sim: invalid transfer amount %v", amount)
	}
	bal := c.balance(token, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from.Hex(), bal, token.Hex(), amount)
	}
	c.setBalance(token, from, new(big.Int).Sub(bal, amount))
	c.setBalance(token, to, new(big.Int).Add(c.balance(token, to), amount))
	return nil
}

func (c *Chain) balance(token, holder common.Address) *big.Int {
	if bal, ok := c.balances[token][holder]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (c *Chain) allowance(token, owner, spender common.Address) *big.Int {
	if v, ok := c.allowances[token][allowanceKey{owner, spender}]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (c *Chain) setBalance(token, holder common.Address, value *big.Int) {
	book, ok := c.balances[token]
	if !ok {
		book = make(map[common.Address]*big.Int)
		c.balances[token] = book
	}
	prev, existed := book[holder]
	if len(c.snapshots) > 0 {
		c.undo = append(c.undo, func() {
			if existed {
				book[holder] = prev
				return
			}
			delete(book, holder)
		})
	}
	book[holder] = value
}

func (c *Chain) setAllowance(token, owner, spender common.Address, value *big.Int) {
	book, ok := c.allowances[token]
	if !ok {
		book = make(map[allowanceKey]*big.Int)
		c.allowances[token] = book
	}
	key := allowanceKey{owner, spender}
	prev, existed := book[key]
	if len(c.snapshots) > 0 {
		c.undo = append(c.undo, func() {
			if existed {
				book[key] = prev
				return
			}
			delete(book, key)
		})
	}
	book[key] = value
}

type tokenSet struct {
	chain *Chain
	actor common.Address
}

func (s tokenSet) Token(address common.Address) vault.Token {
	return tokenHandle{chain: s.chain, token: address, actor: s.actor}
}

type tokenHandle struct {
	chain *Chain
	token common.Address
	actor common.Address
}

func (t tokenHandle) Address() common.Address { return t.token }

func (t tokenHandle) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	return t.chain.BalanceOf(t.token, account), nil
}

func (t tokenHandle) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.chain.Allowance(t.token, owner, spender), nil
}

func (t tokenHandle) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	return t.chain.Transfer(t.token, t.actor, to, amount)
}

func (t tokenHandle) TransferFrom(_ context.Context, from, to common.Address, amount *big.Int) error {
	return t.chain.TransferFrom(t.token, t.actor, from, to, amount)
}

func (t tokenHandle) Approve(_ context.Context, spender common.Address, amount *big.Int) error {
	return t.chain.Approve(t.token, t.actor, spender, amount)
}
