package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	strategyconfig "lpvault/config"
	"lpvault/core/events"
	"lpvault/crypto"
	"lpvault/native/vault"
	"lpvault/native/vault/sim"
	"lpvault/observability/logging"
	telemetry "lpvault/observability/otel"
	kvstore "lpvault/storage"
	"lpvault/services/keeperd/config"
	"lpvault/services/keeperd/keeper"
	"lpvault/services/keeperd/server"
	"lpvault/services/keeperd/storage"
)

func main() {
	var (
		cfgPath     string
		issueFor    string
		issueTTL    time.Duration
		genesisUnix int64
	)
	flag.StringVar(&cfgPath, "config", "services/keeperd/config.yaml", "path to keeperd configuration file")
	flag.StringVar(&issueFor, "issue-token", "", "print an API token for the given operator address and exit")
	flag.DurationVar(&issueTTL, "token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Int64Var(&genesisUnix, "sim-genesis", 0, "unix time of the simulated chain clock (default: now)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("keeperd: load config: %v", err)
	}

	authenticator, err := server.NewAuthenticator(server.AuthConfig{
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
		Leeway: cfg.Auth.Leeway.Duration,
	})
	if err != nil {
		log.Fatalf("keeperd: configure auth: %v", err)
	}
	if issueFor != "" {
		subject, err := crypto.ParseAddress(issueFor)
		if err != nil {
			log.Fatalf("keeperd: token subject: %v", err)
		}
		token, err := authenticator.Issue(subject, issueTTL)
		if err != nil {
			log.Fatalf("keeperd: issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("LPVAULT_ENV"))
	}
	logger := logging.Setup("keeperd", env, logging.Options{Level: cfg.LogLevel})
	logger.Info("configuration loaded",
		"listen", cfg.ListenAddress,
		"database", cfg.DatabasePath,
		"stateDir", cfg.StateDir,
		"stateBackend", cfg.StateBackend,
		"strategyConfig", cfg.StrategyConfig,
		"harvestInterval", cfg.Harvest.Interval.Duration.String(),
		logging.MaskField("jwt_secret", cfg.Auth.Secret))

	shutdownTelemetry, err := initTelemetry(env)
	if err != nil {
		log.Fatalf("keeperd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	identity, err := loadIdentity(cfg.Keystore, logger)
	if err != nil {
		log.Fatalf("keeperd: keeper identity: %v", err)
	}

	if genesisUnix <= 0 {
		genesisUnix = time.Now().Unix()
	}
	deployment := sim.NewDeployment(cfg.Simulation.Label, uint64(genesisUnix))
	defaults := deployment.Params()
	defaults.Owner = identity
	defaults.Operators = append(defaults.Operators, identity)

	strategyCfg, err := strategyconfig.Load(cfg.StrategyConfig, strategyconfig.FromParams(defaults))
	if err != nil {
		log.Fatalf("keeperd: strategy config: %v", err)
	}
	params, err := strategyCfg.Params()
	if err != nil {
		log.Fatalf("keeperd: strategy params: %v", err)
	}

	strategy, v, err := deployment.Build(params)
	if err != nil {
		log.Fatalf("keeperd: build vault: %v", err)
	}
	emitter := events.Fanout{events.LogEmitter{Logger: logger.With("component", "events")}, events.CountingEmitter{}}
	strategy.SetLogger(logger)
	strategy.SetEmitter(emitter)
	v.SetLogger(logger)
	v.SetEmitter(emitter)

	db, err := openStateDB(cfg.StateBackend, cfg.StateDir)
	if err != nil {
		log.Fatalf("keeperd: open state: %v", err)
	}
	defer db.Close()
	stateStore := vault.NewStore(db)
	if err := strategy.SetStore(stateStore); err != nil {
		log.Fatalf("keeperd: restore strategy: %v", err)
	}
	if err := v.SetStore(stateStore); err != nil {
		log.Fatalf("keeperd: restore shares: %v", err)
	}

	if err := seedDeposit(deployment, v, cfg.Simulation); err != nil {
		log.Fatalf("keeperd: seed deposit: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("keeperd: resolve storage DSN: %v", err)
	}
	history, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("keeperd: open storage: %v", err)
	}
	defer history.Close()

	plan, err := buildPlan(cfg.Harvest.Plan, strategy.Routes())
	if err != nil {
		log.Fatalf("keeperd: harvest plan: %v", err)
	}
	rewardPerTick, _ := config.ParseAmount(cfg.Simulation.RewardPerTick)
	interval := cfg.Harvest.Interval.Duration

	k, err := keeper.New(keeper.Options{
		Vault:    v,
		History:  history,
		Identity: identity,
		Plan:     plan,
		Deadline: cfg.Harvest.Deadline.Duration,
		Now:      deployment.Chain.Now,
		BeforeScheduled: func(context.Context) error {
			deployment.Chain.Advance(uint64(interval / time.Second))
			if rewardPerTick.Sign() > 0 {
				for _, token := range params.RewardTokens {
					deployment.Booster.AccrueReward(token, rewardPerTick)
				}
			}
			return nil
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("keeperd: keeper: %v", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress:      cfg.ListenAddress,
		MutationsPerMinute: cfg.RateLimit.PerMinute,
		MaxConnections:     cfg.RateLimit.MaxConnections,
	}, k, authenticator, logger)
	if err != nil {
		log.Fatalf("keeperd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if k.HasPlan() {
		go func() {
			if err := k.Run(rootCtx, interval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("keeper loop exited", "error", err)
				stop()
			}
		}()
	} else {
		logger.Warn("no harvest plan configured; scheduled and API harvests are disabled")
	}

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}

func initTelemetry(env string) (func(context.Context) error, error) {
	return telemetry.Init(context.Background(), telemetry.FromEnv("keeperd", env))
}

func loadIdentity(cfg config.KeystoreConfig, logger *slog.Logger) (common.Address, error) {
	passphrase := os.Getenv(cfg.PassphraseEnv)
	if passphrase == "" {
		return common.Address{}, fmt.Errorf("%s must hold the keystore passphrase", cfg.PassphraseEnv)
	}
	params := crypto.StandardScrypt
	if cfg.Light {
		params = crypto.LightScrypt
	}
	key, created, err := crypto.LoadOrCreateKeystore(cfg.Path, passphrase, params)
	if err != nil {
		return common.Address{}, err
	}
	if created {
		logger.Info("generated keeper key", "path", cfg.Path, "address", key.Address().Hex())
	}
	return key.Address(), nil
}

func openStateDB(backend, dir string) (kvstore.Database, error) {
	if strings.TrimSpace(dir) == "" {
		return kvstore.NewMemDB(), nil
	}
	if backend == config.StateBackendBolt {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		db, err := kvstore.NewBoltDB(filepath.Join(dir, "state.bolt"))
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	db, err := kvstore.NewLevelDB(dir)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func seedDeposit(d *sim.Deployment, v *vault.Vault, cfg config.SimulationConfig) error {
	amount, err := config.ParseAmount(cfg.SeedDeposit)
	if err != nil || amount.Sign() == 0 {
		return err
	}
	if v.TotalSupply().Sign() > 0 {
		return nil
	}
	holder := sim.Address(cfg.Label + "/seed-holder")
	d.Fund(holder, amount)
	_, err = v.Deposit(context.Background(), holder, amount)
	return err
}

// buildPlan resolves config entries against the route slots they pair with.
func buildPlan(entries []config.PlanEntry, routes []vault.Route) ([]keeper.PlanEntry, error) {
	plan := make([]keeper.PlanEntry, 0, len(entries))
	for i, entry := range entries {
		var token common.Address
		if strings.TrimSpace(entry.Token) == "" {
			if i >= len(routes) {
				return nil, fmt.Errorf("entry %d: no route slot to take the token from", i)
			}
			token = routes[i].Input
		} else {
			parsed, err := crypto.ParseAddress(entry.Token)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			token = parsed
		}
		minimum, err := config.ParseAmount(entry.MinimumOutput)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		planEntry := keeper.PlanEntry{Token: token, MinimumOutput: minimum}
		if strings.TrimSpace(entry.MinimumLiquidity) != "" {
			liquidity, err := config.ParseAmount(entry.MinimumLiquidity)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			planEntry.MinimumLiquidity = liquidity
		}
		plan = append(plan, planEntry)
	}
	return plan, nil
}
