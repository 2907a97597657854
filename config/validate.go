package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/crypto"
)

// MaxSettlementAssets bounds the output whitelist.
const MaxSettlementAssets = 8

// Validate checks every address and the whitelist shape. Cross-field rules
// (fee caps, principal tokens in the whitelist) are enforced again by
// vault.Params.Validate.
func (c *StrategyConfig) Validate() error {
	fields := map[string]string{
		"Underlying":   c.Underlying,
		"ReceiptToken": c.ReceiptToken,
		"Owner":        c.Owner,
	}
	for _, name := range []string{"Underlying", "ReceiptToken", "Owner"} {
		if _, err := parseAddress(fields[name]); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if len(c.RewardTokens) == 0 {
		return fmt.Errorf("config: RewardTokens must not be empty")
	}
	if c.PrivilegedSlots != nil && (*c.PrivilegedSlots < 0 || *c.PrivilegedSlots > len(c.RewardTokens)) {
		return fmt.Errorf("config: PrivilegedSlots %d outside [0, %d]", *c.PrivilegedSlots, len(c.RewardTokens))
	}
	if len(c.SettlementAssets) == 0 || len(c.SettlementAssets) > MaxSettlementAssets {
		return fmt.Errorf("config: SettlementAssets must list 1 to %d assets", MaxSettlementAssets)
	}
	if err := uniqueAddresses("RewardTokens", c.RewardTokens); err != nil {
		return err
	}
	if err := uniqueAddresses("SettlementAssets", c.SettlementAssets); err != nil {
		return err
	}
	if err := uniqueAddresses("Operators", c.Operators); err != nil {
		return err
	}
	if c.MaxKeeperFeeBps > 10_000 {
		return fmt.Errorf("config: MaxKeeperFeeBps %d exceeds 10000", c.MaxKeeperFeeBps)
	}
	if c.KeeperFeeBps > c.MaxKeeperFeeBps {
		return fmt.Errorf("config: KeeperFeeBps %d exceeds MaxKeeperFeeBps %d", c.KeeperFeeBps, c.MaxKeeperFeeBps)
	}
	for i, rc := range c.Routes {
		if len(rc.Tokens) != len(rc.Fees)+1 {
			return fmt.Errorf("config: route %d has %d tokens for %d fees", i, len(rc.Tokens), len(rc.Fees))
		}
	}
	return nil
}

func uniqueAddresses(field string, values []string) error {
	seen := make(map[common.Address]struct{}, len(values))
	for _, v := range values {
		addr, err := parseAddress(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", field, err)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("config: %s lists %s twice", field, addr.Hex())
		}
		seen[addr] = struct{}{}
	}
	return nil
}

func parseAddress(s string) (common.Address, error) {
	if strings.TrimSpace(s) == "" {
		return common.Address{}, fmt.Errorf("address required")
	}
	return crypto.ParseAddress(s)
}

func mustAddress(s string) common.Address {
	addr, err := parseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}
