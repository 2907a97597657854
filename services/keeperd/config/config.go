package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"lpvault/crypto"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for keeperd.
type Config struct {
	ListenAddress  string           `yaml:"listen"`
	Environment    string           `yaml:"environment"`
	LogLevel       string           `yaml:"log_level"`
	DatabasePath   string           `yaml:"database"`
	StateDir       string           `yaml:"state_dir"`
	StateBackend   string           `yaml:"state_backend"`
	StrategyConfig string           `yaml:"strategy_config"`
	Keystore       KeystoreConfig   `yaml:"keystore"`
	Auth           AuthConfig       `yaml:"auth"`
	RateLimit      RateLimitConfig  `yaml:"rate_limit"`
	Harvest        HarvestConfig    `yaml:"harvest"`
	Simulation     SimulationConfig `yaml:"simulation"`
}

// KeystoreConfig locates the keeper signing identity.
type KeystoreConfig struct {
	Path          string `yaml:"path"`
	PassphraseEnv string `yaml:"passphrase_env"`
	Light         bool   `yaml:"light_scrypt"`
}

// AuthConfig configures HS256 bearer tokens for the admin API. The token
// subject is the caller's operator address.
type AuthConfig struct {
	Issuer    string   `yaml:"issuer"`
	Secret    string   `yaml:"secret"`
	SecretEnv string   `yaml:"secret_env"`
	Leeway    Duration `yaml:"leeway"`
}

// State backends accepted by state_backend.
const (
	StateBackendLevelDB = "leveldb"
	StateBackendBolt    = "bolt"
)

// RateLimitConfig bounds mutating admin requests and open connections.
type RateLimitConfig struct {
	PerMinute      int `yaml:"per_minute"`
	MaxConnections int `yaml:"max_connections"`
}

// HarvestConfig drives the periodic keeper loop.
type HarvestConfig struct {
	Interval Duration `yaml:"interval"`
	// Deadline is added to the current time to build each swap deadline.
	Deadline Duration    `yaml:"deadline"`
	Plan     []PlanEntry `yaml:"plan"`
}

// PlanEntry is one harvest slot. Entries are paired with route slots in order;
// an empty token means the input of the paired route.
type PlanEntry struct {
	Token            string `yaml:"token"`
	MinimumOutput    string `yaml:"minimum_output"`
	MinimumLiquidity string `yaml:"minimum_liquidity"`
}

// SimulationConfig tunes the in-process collaborator set.
type SimulationConfig struct {
	// Label seeds every simulated address; it is NFKC-folded and lower-cased
	// so equivalent spellings derive the same deployment.
	Label string `yaml:"label"`
	// SeedDeposit is deposited by a simulated holder at startup.
	SeedDeposit string `yaml:"seed_deposit"`
	// RewardPerTick is accrued to every reward token before each harvest.
	RewardPerTick string `yaml:"reward_per_tick"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("admin auth: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "keeperd.db"
	}
	if cfg.StrategyConfig == "" {
		cfg.StrategyConfig = "strategy.toml"
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = "keeper.keystore"
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = "KEEPERD_KEYSTORE_PASSPHRASE"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "keeperd"
	}
	if cfg.Auth.Leeway.Duration <= 0 {
		cfg.Auth.Leeway.Duration = 30 * time.Second
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 30
	}
	if cfg.Harvest.Interval.Duration <= 0 {
		cfg.Harvest.Interval.Duration = 10 * time.Minute
	}
	if cfg.Harvest.Deadline.Duration <= 0 {
		cfg.Harvest.Deadline.Duration = 5 * time.Minute
	}
	if cfg.StateBackend == "" {
		cfg.StateBackend = StateBackendLevelDB
	}
	cfg.Simulation.Label = NormalizeLabel(cfg.Simulation.Label)
	if cfg.Simulation.Label == "" {
		cfg.Simulation.Label = "keeperd"
	}
}

func (a *AuthConfig) normalise() error {
	if env := strings.TrimSpace(a.SecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			a.Secret = value
		}
	}
	a.Secret = strings.TrimSpace(a.Secret)
	if a.Secret == "" {
		return fmt.Errorf("jwt secret required")
	}
	return nil
}

// NormalizeLabel folds a simulation label to its canonical form.
func NormalizeLabel(label string) string {
	return norm.NFKC.String(strings.ToLower(strings.TrimSpace(label)))
}

func validate(cfg Config) error {
	for i, entry := range cfg.Harvest.Plan {
		if strings.TrimSpace(entry.Token) != "" {
			if _, err := crypto.ParseAddress(entry.Token); err != nil {
				return fmt.Errorf("harvest plan %d: %w", i, err)
			}
		}
		minimum, err := ParseAmount(entry.MinimumOutput)
		if err != nil {
			return fmt.Errorf("harvest plan %d: %w", i, err)
		}
		if minimum.Sign() == 0 {
			return fmt.Errorf("harvest plan %d: minimum_output must be positive", i)
		}
		if _, err := ParseAmount(entry.MinimumLiquidity); err != nil {
			return fmt.Errorf("harvest plan %d: %w", i, err)
		}
	}
	switch cfg.StateBackend {
	case StateBackendLevelDB, StateBackendBolt:
	default:
		return fmt.Errorf("unknown state_backend %q", cfg.StateBackend)
	}
	if cfg.RateLimit.MaxConnections < 0 {
		return fmt.Errorf("rate_limit max_connections must not be negative")
	}
	for name, raw := range map[string]string{
		"seed_deposit":    cfg.Simulation.SeedDeposit,
		"reward_per_tick": cfg.Simulation.RewardPerTick,
	} {
		if _, err := ParseAmount(raw); err != nil {
			return fmt.Errorf("simulation %s: %w", name, err)
		}
	}
	if cfg.RateLimit.PerMinute < 0 {
		return fmt.Errorf("rate_limit per_minute must not be negative")
	}
	return nil
}

// ParseAmount parses a non-negative base-10 integer. Empty means zero.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}
