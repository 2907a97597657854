package vault

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var basisPoints = big.NewInt(10_000)

// SharesForDeposit converts a deposit into shares using the venue balance
// observed before the deposit is forwarded. The result is floor-rounded; the
// truncated remainder accrues to existing holders. When no shares exist the
// ratio is seeded 1:1 regardless of any residual venue balance.
func SharesForDeposit(amount, totalSupply, venueBalanceBefore *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if totalSupply == nil || totalSupply.Sign() == 0 {
		return new(big.Int).Set(amount), nil
	}
	if venueBalanceBefore == nil || venueBalanceBefore.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s shares outstanding against an empty position", ErrInvariantViolation, totalSupply)
	}
	return mulDivFloor(amount, totalSupply, venueBalanceBefore)
}

// UnderlyingForShares converts shares into the proportional underlying claim
// against the current venue balance, floor-rounded.
func UnderlyingForShares(shares, totalSupply, venueBalance *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if totalSupply == nil || totalSupply.Sign() == 0 {
		return nil, fmt.Errorf("%w: redemption with zero share supply", ErrInvariantViolation)
	}
	if shares.Cmp(totalSupply) > 0 {
		return nil, ErrInsufficientShares
	}
	if venueBalance == nil || venueBalance.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return mulDivFloor(shares, venueBalance, totalSupply)
}

// PricePerShare returns the underlying value of one whole share scaled by
// 10^decimals. An empty vault reports the seed rate.
func PricePerShare(venueBalance, totalSupply *big.Int, decimals uint8) (*big.Int, error) {
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	if totalSupply == nil || totalSupply.Sign() == 0 {
		return unit, nil
	}
	if venueBalance == nil || venueBalance.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return mulDivFloor(venueBalance, unit, totalSupply)
}

// feeFromBps returns floor(amount * bps / 10_000).
func feeFromBps(amount *big.Int, bps uint64) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0), nil
	}
	return mulDivFloor(amount, new(big.Int).SetUint64(bps), basisPoints)
}

// mulDivFloor computes floor(x*y/d) with a 512-bit intermediate product and
// rejects results that do not fit in 256 bits.
func mulDivFloor(x, y, d *big.Int) (*big.Int, error) {
	if x.Sign() < 0 || y.Sign() < 0 || d.Sign() <= 0 {
		return nil, fmt.Errorf("%w: mulDiv(%s, %s, %s)", ErrInvariantViolation, x, y, d)
	}
	ux, overflow := uint256.FromBig(x)
	if overflow {
		return nil, fmt.Errorf("%w: %s exceeds 256 bits", ErrInvariantViolation, x)
	}
	uy, overflow := uint256.FromBig(y)
	if overflow {
		return nil, fmt.Errorf("%w: %s exceeds 256 bits", ErrInvariantViolation, y)
	}
	ud, overflow := uint256.FromBig(d)
	if overflow {
		return nil, fmt.Errorf("%w: %s exceeds 256 bits", ErrInvariantViolation, d)
	}
	result, overflow := new(uint256.Int).MulDivOverflow(ux, uy, ud)
	if overflow {
		return nil, fmt.Errorf("%w: mulDiv result exceeds 256 bits", ErrInvariantViolation)
	}
	return result.ToBig(), nil
}

// ShareLedger tracks share balances. The sum of holder balances always equals
// the total supply; shares change only through Mint and Burn.
type ShareLedger struct {
	total    *big.Int
	balances map[common.Address]*big.Int
	dirty    map[common.Address]struct{}
}

// NewShareLedger returns an empty ledger.
func NewShareLedger() *ShareLedger {
	return &ShareLedger{
		total:    big.NewInt(0),
		balances: make(map[common.Address]*big.Int),
		dirty:    make(map[common.Address]struct{}),
	}
}

// TotalSupply returns a copy of the outstanding share supply.
func (l *ShareLedger) TotalSupply() *big.Int {
	if l == nil || l.total == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(l.total)
}

// BalanceOf returns a copy of the holder's share balance.
func (l *ShareLedger) BalanceOf(holder common.Address) *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	if bal, ok := l.balances[holder]; ok && bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Mint credits shares to a holder and grows the supply.
func (l *ShareLedger) Mint(to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.balances[to] = new(big.Int).Add(l.BalanceOf(to), amount)
	l.total = new(big.Int).Add(l.TotalSupply(), amount)
	l.dirty[to] = struct{}{}
	return nil
}

// Burn debits shares from a holder and shrinks the supply.
func (l *ShareLedger) Burn(from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	bal := l.BalanceOf(from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientShares
	}
	if l.total.Cmp(amount) < 0 {
		return fmt.Errorf("%w: burn exceeds total supply", ErrInvariantViolation)
	}
	l.balances[from] = bal.Sub(bal, amount)
	l.total = new(big.Int).Sub(l.total, amount)
	l.dirty[from] = struct{}{}
	return nil
}

// Holders returns every address with a recorded balance entry.
func (l *ShareLedger) Holders() []common.Address {
	out := make([]common.Address, 0, len(l.balances))
	for addr := range l.balances {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Clone returns a deep copy with a fresh dirty set.
func (l *ShareLedger) Clone() *ShareLedger {
	clone := NewShareLedger()
	if l == nil {
		return clone
	}
	clone.total = l.TotalSupply()
	for addr, bal := range l.balances {
		clone.balances[addr] = new(big.Int).Set(bal)
	}
	return clone
}

func (l *ShareLedger) dirtyHolders() []common.Address {
	out := make([]common.Address, 0, len(l.dirty))
	for addr := range l.dirty {
		out = append(out, addr)
	}
	return out
}
