package sim

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/native/vault"
)

// Fee tiers used by the default routes.
const (
	FeeLow    uint32 = 500
	FeeMedium uint32 = 3000
	FeeHigh   uint32 = 10000
)

// Deployment wires a complete simulated environment around one strategy:
// two reward tokens, an intermediate hop token, three settlement assets and
// the venue, router and pool bound to the strategy account.
type Deployment struct {
	Chain *Chain

	Underlying common.Address
	Receipt    common.Address
	RewardX    common.Address
	RewardY    common.Address
	Hop        common.Address
	AssetA     common.Address
	AssetB     common.Address
	AssetC     common.Address

	Owner    common.Address
	Operator common.Address
	Vault    common.Address
	Strategy common.Address

	Booster *Booster
	Router  *Router
	Pool    *Pool
}

// NewDeployment derives every address from label so independent deployments
// never collide.
func NewDeployment(label string, now uint64) *Deployment {
	chain := NewChain(now)
	addr := func(name string) common.Address { return Address(label + "/" + name) }
	d := &Deployment{
		Chain:      chain,
		Underlying: addr("underlying"),
		Receipt:    addr("receipt"),
		RewardX:    addr("rewardX"),
		RewardY:    addr("rewardY"),
		Hop:        addr("hop"),
		AssetA:     addr("assetA"),
		AssetB:     addr("assetB"),
		AssetC:     addr("assetC"),
		Owner:      addr("owner"),
		Operator:   addr("operator"),
		Vault:      addr("vault"),
		Strategy:   addr("strategy"),
	}
	d.Booster = NewBooster(chain, addr("booster"), d.Strategy, d.Underlying, d.Receipt, 7, d.RewardX, d.RewardY)
	d.Router = NewRouter(chain, addr("router"), d.Strategy)
	d.Pool = NewPool(chain, addr("pool"), d.Strategy, d.Underlying)

	d.Router.SetRate(d.RewardX, d.Hop, Rate{Num: 2, Den: 1})
	d.Router.SetRate(d.Hop, d.AssetA, Rate{Num: 1, Den: 1})
	d.Router.SetRate(d.RewardY, d.AssetB, Rate{Num: 1, Den: 2})
	d.Router.SetRate(d.RewardX, d.AssetC, Rate{Num: 3, Den: 1})
	d.Pool.SetRate(d.AssetA, Rate{Num: 1, Den: 1})
	d.Pool.SetRate(d.AssetB, Rate{Num: 1, Den: 1})
	d.Pool.SetRate(d.AssetC, Rate{Num: 1, Den: 1})
	return d
}

// Params returns strategy params with routes RewardX->Hop->AssetA and
// RewardY->AssetB in the two privileged slots.
func (d *Deployment) Params() vault.Params {
	return vault.Params{
		Underlying:       d.Underlying,
		ReceiptToken:     d.Receipt,
		PoolID:           7,
		RewardTokens:     []common.Address{d.RewardX, d.RewardY},
		SettlementAssets: []common.Address{d.AssetA, d.AssetB, d.AssetC},
		Owner:            d.Owner,
		Operators:        []common.Address{d.Operator},
		Routes: []vault.Route{
			vault.MustRoute([]common.Address{d.RewardX, d.Hop, d.AssetA}, []uint32{FeeMedium, FeeLow}),
			vault.MustRoute([]common.Address{d.RewardY, d.AssetB}, []uint32{FeeMedium}),
		},
	}
}

// Backend returns collaborators bound to the strategy account, journaled by
// the chain.
func (d *Deployment) Backend() vault.Backend {
	return vault.Backend{
		Tokens:  d.Chain.Tokens(d.Strategy),
		Venue:   d.Booster,
		Router:  d.Router,
		Pool:    d.Pool,
		Journal: d.Chain,
	}
}

// Fund mints underlying to holder and approves the vault to pull it.
func (d *Deployment) Fund(holder common.Address, amount *big.Int) {
	d.Chain.Mint(d.Underlying, holder, amount)
	_ = d.Chain.Approve(d.Underlying, holder, d.Vault, new(big.Int).Add(d.Chain.Allowance(d.Underlying, holder, d.Vault), amount))
}

// Build constructs a strategy and vault over the deployment.
func (d *Deployment) Build(params vault.Params) (*vault.Strategy, *vault.Vault, error) {
	strategy, err := vault.NewStrategy(d.Strategy, params, d.Backend())
	if err != nil {
		return nil, nil, err
	}
	v, err := vault.NewVault(d.Vault, strategy, d.Chain.Tokens(d.Vault))
	if err != nil {
		return nil, nil, err
	}
	return strategy, v, nil
}
