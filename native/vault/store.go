package vault

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"lpvault/storage"
)

var (
	strategyStateKey = []byte("vault/strategy/state")
	shareSupplyKey   = []byte("vault/shares/supply")
	shareHolderKey   = []byte("vault/shares/holder/")
)

func holderKey(addr common.Address) []byte {
	buf := make([]byte, len(shareHolderKey)+common.AddressLength)
	copy(buf, shareHolderKey)
	copy(buf[len(shareHolderKey):], addr.Bytes())
	return buf
}

// StrategyState is the mutable, persisted configuration of a strategy.
type StrategyState struct {
	Roles        Roles
	Paused       bool
	KeeperFeeBps uint64
	Routes       []Route
}

func (s StrategyState) clone() StrategyState {
	clone := StrategyState{
		Roles:        s.Roles.Clone(),
		Paused:       s.Paused,
		KeeperFeeBps: s.KeeperFeeBps,
		Routes:       make([]Route, 0, len(s.Routes)),
	}
	for _, r := range s.Routes {
		clone.Routes = append(clone.Routes, r.Clone())
	}
	return clone
}

type storedStrategyState struct {
	Owner        common.Address
	Operators    []common.Address
	Paused       bool
	KeeperFeeBps uint64
	Routes       [][]byte
}

type storedShareSupply struct {
	Total   *big.Int
	Holders []common.Address
}

// Store persists strategy and share state as RLP under keccak-hashed keys.
type Store struct {
	db storage.Database
}

// NewStore wraps a key-value database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) put(batch storage.Batch, key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	batch.Put(ethcrypto.Keccak256(key), encoded)
	return nil
}

func (s *Store) get(key []byte, out interface{}) (bool, error) {
	data, err := s.db.Get(ethcrypto.Keccak256(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// LoadStrategy returns the persisted strategy state, if any.
func (s *Store) LoadStrategy() (StrategyState, bool, error) {
	if s == nil || s.db == nil {
		return StrategyState{}, false, nil
	}
	var stored storedStrategyState
	ok, err := s.get(strategyStateKey, &stored)
	if err != nil || !ok {
		return StrategyState{}, ok, err
	}
	state := StrategyState{
		Roles:        NewRoles(stored.Owner, stored.Operators...),
		Paused:       stored.Paused,
		KeeperFeeBps: stored.KeeperFeeBps,
		Routes:       make([]Route, 0, len(stored.Routes)),
	}
	for i, raw := range stored.Routes {
		route, err := DecodeRoute(raw)
		if err != nil {
			return StrategyState{}, false, fmt.Errorf("decode stored route %d: %w", i, err)
		}
		state.Routes = append(state.Routes, route)
	}
	return state, true, nil
}

// SaveStrategy persists the strategy state.
func (s *Store) SaveStrategy(state StrategyState) error {
	if s == nil || s.db == nil {
		return nil
	}
	stored := storedStrategyState{
		Owner:        state.Roles.Owner,
		Operators:    state.Roles.Operators(),
		Paused:       state.Paused,
		KeeperFeeBps: state.KeeperFeeBps,
		Routes:       make([][]byte, 0, len(state.Routes)),
	}
	for _, route := range state.Routes {
		stored.Routes = append(stored.Routes, route.Encode())
	}
	batch := s.db.NewBatch()
	if err := s.put(batch, strategyStateKey, stored); err != nil {
		return err
	}
	return batch.Write()
}

// LoadShares rebuilds the share ledger from storage.
func (s *Store) LoadShares() (*ShareLedger, error) {
	ledger := NewShareLedger()
	if s == nil || s.db == nil {
		return ledger, nil
	}
	var supply storedShareSupply
	ok, err := s.get(shareSupplyKey, &supply)
	if err != nil {
		return nil, err
	}
	if !ok {
		return ledger, nil
	}
	sum := big.NewInt(0)
	for _, holder := range supply.Holders {
		balance := new(big.Int)
		found, err := s.get(holderKey(holder), balance)
		if err != nil {
			return nil, fmt.Errorf("load shares for %s: %w", holder.Hex(), err)
		}
		if !found {
			continue
		}
		ledger.balances[holder] = balance
		sum.Add(sum, balance)
	}
	if supply.Total == nil {
		supply.Total = big.NewInt(0)
	}
	if sum.Cmp(supply.Total) != 0 {
		return nil, fmt.Errorf("%w: holder balances %s differ from supply %s", ErrInvariantViolation, sum, supply.Total)
	}
	ledger.total = supply.Total
	return ledger, nil
}

// SaveShares writes the supply record and every holder touched since the
// ledger was cloned in one batch, so a reload never sees a torn supply.
func (s *Store) SaveShares(ledger *ShareLedger) error {
	if s == nil || s.db == nil || ledger == nil {
		return nil
	}
	batch := s.db.NewBatch()
	for _, holder := range ledger.dirtyHolders() {
		if err := s.put(batch, holderKey(holder), ledger.BalanceOf(holder)); err != nil {
			return err
		}
	}
	if err := s.put(batch, shareSupplyKey, storedShareSupply{
		Total:   ledger.TotalSupply(),
		Holders: ledger.Holders(),
	}); err != nil {
		return err
	}
	return batch.Write()
}
