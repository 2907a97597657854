package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"lpvault/native/vault"
)

// RouteConfig is one swap route: Tokens has exactly one more entry than Fees.
type RouteConfig struct {
	Tokens []string `toml:"Tokens"`
	Fees   []uint32 `toml:"Fees"`
}

// StrategyConfig is the deployment description of a strategy. Addresses are
// 0x-prefixed hex. An absent PrivilegedSlots selects the default; an explicit
// 0 disables the reward-input rule on every slot.
type StrategyConfig struct {
	Underlying       string        `toml:"Underlying"`
	ReceiptToken     string        `toml:"ReceiptToken"`
	PoolID           uint64        `toml:"PoolID"`
	RewardTokens     []string      `toml:"RewardTokens"`
	SettlementAssets []string      `toml:"SettlementAssets"`
	PrivilegedSlots  *int          `toml:"PrivilegedSlots"`
	MaxKeeperFeeBps  uint64        `toml:"MaxKeeperFeeBps"`
	ShareDecimals    uint8         `toml:"ShareDecimals"`
	Owner            string        `toml:"Owner"`
	Operators        []string      `toml:"Operators"`
	KeeperFeeBps     uint64        `toml:"KeeperFeeBps"`
	Routes           []RouteConfig `toml:"Routes"`
}

// Load decodes the strategy config at path. When the file does not exist and
// defaults is non-nil, defaults are written to path and returned.
func Load(path string, defaults *StrategyConfig) (*StrategyConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if defaults == nil {
			return nil, fmt.Errorf("config: %s does not exist", path)
		}
		return createDefault(path, defaults)
	} else if err != nil {
		return nil, err
	}

	cfg := &StrategyConfig{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault writes defaults to path.
func createDefault(path string, defaults *StrategyConfig) (*StrategyConfig, error) {
	cfg := *defaults
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := persist(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func persist(path string, cfg *StrategyConfig) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func (c *StrategyConfig) applyDefaults() {
	if c.PrivilegedSlots == nil {
		slots := vault.DefaultPrivilegedSlots
		c.PrivilegedSlots = &slots
	}
	if c.MaxKeeperFeeBps == 0 {
		c.MaxKeeperFeeBps = vault.DefaultMaxKeeperFeeBps
	}
	if c.ShareDecimals == 0 {
		c.ShareDecimals = vault.DefaultShareDecimals
	}
	if c.Operators == nil {
		c.Operators = []string{}
	}
}

// Params converts the config into strategy params.
func (c *StrategyConfig) Params() (vault.Params, error) {
	if err := c.Validate(); err != nil {
		return vault.Params{}, err
	}
	params := vault.Params{
		Underlying:      mustAddress(c.Underlying),
		ReceiptToken:    mustAddress(c.ReceiptToken),
		PoolID:          c.PoolID,
		PrivilegedSlots: c.privilegedSlots(),
		MaxKeeperFeeBps: c.MaxKeeperFeeBps,
		ShareDecimals:   c.ShareDecimals,
		Owner:           mustAddress(c.Owner),
		KeeperFeeBps:    c.KeeperFeeBps,
	}
	for _, s := range c.RewardTokens {
		params.RewardTokens = append(params.RewardTokens, mustAddress(s))
	}
	for _, s := range c.SettlementAssets {
		params.SettlementAssets = append(params.SettlementAssets, mustAddress(s))
	}
	for _, s := range c.Operators {
		params.Operators = append(params.Operators, mustAddress(s))
	}
	for i, rc := range c.Routes {
		route, err := rc.route()
		if err != nil {
			return vault.Params{}, fmt.Errorf("config: route %d: %w", i, err)
		}
		params.Routes = append(params.Routes, route)
	}
	if err := params.Validate(); err != nil {
		return vault.Params{}, err
	}
	if _, err := vault.NewPathRegistry(params, params.Routes); err != nil {
		return vault.Params{}, err
	}
	return params, nil
}

// privilegedSlots maps the config count onto vault params, where zero means
// default.
func (c *StrategyConfig) privilegedSlots() int {
	switch {
	case c.PrivilegedSlots == nil:
		return vault.DefaultPrivilegedSlots
	case *c.PrivilegedSlots == 0:
		return vault.NoPrivilegedSlots
	default:
		return *c.PrivilegedSlots
	}
}

// FromParams renders params back into a config, e.g. to seed a default file.
func FromParams(p vault.Params) *StrategyConfig {
	cfg := &StrategyConfig{
		Underlying:      p.Underlying.Hex(),
		ReceiptToken:    p.ReceiptToken.Hex(),
		PoolID:          p.PoolID,
		MaxKeeperFeeBps: p.MaxKeeperFeeBps,
		ShareDecimals:   p.ShareDecimals,
		Owner:           p.Owner.Hex(),
		Operators:       hexAll(p.Operators),
		KeeperFeeBps:    p.KeeperFeeBps,
		RewardTokens:    hexAll(p.RewardTokens),
	}
	switch {
	case p.PrivilegedSlots == vault.NoPrivilegedSlots:
		none := 0
		cfg.PrivilegedSlots = &none
	case p.PrivilegedSlots > 0:
		slots := p.PrivilegedSlots
		cfg.PrivilegedSlots = &slots
	}
	cfg.SettlementAssets = hexAll(p.SettlementAssets)
	for _, route := range p.Routes {
		rc := RouteConfig{Tokens: hexAll(route.Tokens())}
		for _, leg := range route.Legs {
			rc.Fees = append(rc.Fees, leg.Fee)
		}
		cfg.Routes = append(cfg.Routes, rc)
	}
	cfg.applyDefaults()
	return cfg
}

func (rc RouteConfig) route() (vault.Route, error) {
	tokens := make([]common.Address, 0, len(rc.Tokens))
	for _, s := range rc.Tokens {
		addr, err := parseAddress(s)
		if err != nil {
			return vault.Route{}, err
		}
		tokens = append(tokens, addr)
	}
	return vault.NewRoute(tokens, rc.Fees)
}

func hexAll(addrs []common.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Hex())
	}
	return out
}
