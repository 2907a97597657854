package vault

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/storage"
)

func TestStoreStrategyRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	store := NewStore(db)

	if _, ok, err := store.LoadStrategy(); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}
	state := StrategyState{
		Roles:        NewRoles(owner, operator),
		Paused:       true,
		KeeperFeeBps: 125,
		Routes: []Route{
			MustRoute([]common.Address{rewardX, hopToken, assetA}, []uint32{3000, 500}),
		},
	}
	if err := store.SaveStrategy(state); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, ok, err := store.LoadStrategy()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if loaded.Roles.Owner != owner || !loaded.Roles.IsAuthorized(operator) {
		t.Fatalf("roles not restored: %+v", loaded.Roles)
	}
	if !loaded.Paused || loaded.KeeperFeeBps != 125 {
		t.Fatalf("flags not restored: %+v", loaded)
	}
	if len(loaded.Routes) != 1 || !loaded.Routes[0].Equal(state.Routes[0]) {
		t.Fatalf("routes not restored: %v", loaded.Routes)
	}
}

func TestStoreSharesRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db)

	ledger := NewShareLedger()
	if err := ledger.Mint(owner, big.NewInt(40)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Mint(operator, big.NewInt(2)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := store.SaveShares(ledger); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.LoadShares()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.TotalSupply().Int64() != 42 || loaded.BalanceOf(owner).Int64() != 40 {
		t.Fatalf("unexpected ledger: supply=%s owner=%s", loaded.TotalSupply(), loaded.BalanceOf(owner))
	}
}

func TestStoreSharesDetectsCorruptSupply(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db)
	ledger := NewShareLedger()
	if err := ledger.Mint(owner, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := store.SaveShares(ledger); err != nil {
		t.Fatalf("save: %v", err)
	}
	batch := db.NewBatch()
	if err := store.put(batch, shareSupplyKey, storedShareSupply{Total: big.NewInt(11), Holders: []common.Address{owner}}); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.LoadShares(); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}
