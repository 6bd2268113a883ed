package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"chaos-exchange/config"
	"chaos-exchange/internal/api"
	"chaos-exchange/internal/auth"
	"chaos-exchange/internal/bots"
	"chaos-exchange/internal/candles"
	"chaos-exchange/internal/chaos"
	"chaos-exchange/internal/database"
	"chaos-exchange/internal/events"
	"chaos-exchange/internal/generator"
	"chaos-exchange/internal/leader"
	"chaos-exchange/internal/logging"
	"chaos-exchange/internal/market"
	"chaos-exchange/internal/positions"
	"chaos-exchange/internal/pubsub"
	"chaos-exchange/internal/vault"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "chaos-exchange",
		Short: "Simulated leveraged-trading venue",
		Long:  `Generates chaotic OHLCV candles for made-up pairs and lets users trade them with leverage.`,
		RunE:  runServe,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API server, generator and background workers",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the database schema and list the default pairs",
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Generate initial history for pairs that have none",
			RunE:  runSeed,
		},
		tokenCommand(),
		&cobra.Command{
			Use:   "hash-admin-key <key>",
			Short: "Print the bcrypt hash to use as auth.admin_key_hash",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				hash, err := auth.HashAdminKey(args[0], auth.DefaultBcryptCost)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hash)
				return nil
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func tokenCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenDuration)
			token, err := jwtManager.GenerateAccessToken(auth.UserClaims{UserID: userID})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID to embed in the token")
	cmd.MarkFlagRequired("user")
	return cmd
}

// setup loads configuration and builds the root logger.
func setup() (*config.Config, zerolog.Logger, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	cleanup := func() {
		if closer != nil {
			closer.Close()
		}
	}
	return cfg, logger, cleanup, nil
}

// stores are the persistence backends selected by database.driver.
type stores struct {
	pairs     market.PairStore
	chaos     chaos.Store
	candles   candles.Store
	positions positions.Repository
	health    func(ctx context.Context) error
	close     func()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.Database.Driver == config.DriverMemory {
		pairs := market.NewMemoryPairStore(market.DefaultPairs()...)
		logger.Warn().Msg("Using in-memory stores; all state is lost on restart")
		return &stores{
			pairs:     pairs,
			chaos:     market.NewChaosSettings(pairs),
			candles:   candles.NewMemoryStore(),
			positions: positions.NewMemoryRepository(cfg.Trading.StartingBalance),
			close:     func() {},
		}, nil
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	pairs := database.NewPairRepository(db)
	if err := listDefaultPairs(ctx, pairs, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &stores{
		pairs:     pairs,
		chaos:     pairs,
		candles:   database.NewCandleRepository(db),
		positions: database.NewPositionRepository(db, cfg.Trading.StartingBalance),
		health:    db.HealthCheck,
		close:     db.Close,
	}, nil
}

func openDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// listDefaultPairs makes sure every default pair exists. Existing pairs keep
// their price and chaos override.
func listDefaultPairs(ctx context.Context, pairs market.PairStore, logger zerolog.Logger) error {
	for _, p := range market.DefaultPairs() {
		if err := pairs.UpsertPair(ctx, p); err != nil {
			return err
		}
	}
	logger.Info().Int("pairs", len(market.DefaultPairs())).Msg("Default pairs listed")
	return nil
}

func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	return database.NewRedisClient(ctx, database.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
}

func instanceID(cfg *config.Config) string {
	if cfg.Leader.InstanceID != "" {
		return cfg.Leader.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func generatorConfig(cfg *config.Config) generator.Config {
	return generator.Config{
		SymbolTimeout:  cfg.Generator.SymbolTimeout,
		Concurrency:    cfg.Generator.Concurrency,
		HistorySeconds: cfg.Generator.HistorySeconds,
		Seed:           cfg.Generator.Seed,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	redisClient, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	// Chaos levels
	ctrl := chaos.NewController(st.chaos, cfg.Chaos.DefaultLevel, logger)
	if err := ctrl.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load chaos settings, using defaults")
	}

	bus := events.NewEventBus()
	defer bus.Close()

	// Leadership
	id := instanceID(cfg)
	var elector leader.Elector
	var redisElector *leader.RedisElector
	if cfg.Leader.Mode == config.LeaderRedis {
		redisElector = leader.NewRedisElector(redisClient, cfg.Leader.Key, id, cfg.Leader.LeaseTTL, logger)
		elector = redisElector
	} else {
		elector = leader.NewStatic(id, cfg.Leader.IsLeader)
	}

	// Candle generation
	publisher := generator.MultiPublisher{generator.BusPublisher(bus)}
	var relay *pubsub.Relay
	if redisClient != nil {
		relay = pubsub.NewRelay(redisClient, elector.ID(), bus, ctrl, logger)
		publisher = append(publisher, relay)
		goRun(relay.Run)
	}
	var chaosRelay pubsub.ChaosPublisher
	if relay != nil {
		chaosRelay = relay
	}
	goRun(pubsub.NewChaosForwarder(ctrl, bus, chaosRelay, logger).Run)
	goRun(func(ctx context.Context) { ctrl.Run(ctx, cfg.Chaos.RefreshInterval) })
	agg := candles.NewAggregator(st.candles, cfg.Generator.MaxBucketsPerRun, logger)
	gen := generator.NewService(st.pairs, st.candles, agg, ctrl, elector, publisher, generatorConfig(cfg), logger)

	onElected := func() {
		gen.Invalidate()
		if _, err := gen.SeedMissing(ctx, time.Now().Unix()); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Failed to seed missing history")
		}
	}
	if redisElector != nil {
		redisElector.SetCallbacks(onElected, gen.Invalidate)
		redisElector.Start(ctx)
		defer redisElector.Stop()
	} else if elector.IsLeader() {
		onElected()
	}

	runner := generator.NewRunner(gen, elector, cfg.Generator.TickInterval, cfg.Generator.AggregateInterval, logger)
	goRun(runner.Run)

	// Positions
	posSvc, err := positions.NewService(st.positions, st.pairs, bus, positions.Config{
		MaxLeverage:       cfg.Trading.MaxLeverage,
		LiquidationBuffer: cfg.Trading.LiquidationBuffer,
	}, logger)
	if err != nil {
		return err
	}
	if cfg.Monitor.Enabled {
		monitor := positions.NewMonitor(posSvc, logger)
		bus.Subscribe(events.EventPriceUpdate, func(e events.Event) {
			if elector.IsLeader() {
				monitor.HandleEvent(e)
			}
		})
		goRun(monitor.Run)
	}

	if cfg.Bots.Enabled {
		trader := bots.NewTrader(st.pairs, posSvc, elector, chaos.NewSource(uint64(time.Now().UnixNano())), cfg.Bots.Interval, logger)
		goRun(trader.Run)
	}

	// HTTP
	var jwtManager *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenDuration)
	} else {
		logger.Warn().Msg("auth.jwt_secret is not set; user endpoints are disabled")
	}
	adminKeys := auth.NewAdminKeyVerifier(cfg.Auth.AdminKeyHash)
	if !adminKeys.Enabled() {
		logger.Warn().Msg("auth.admin_key_hash is not set; admin endpoints reject every request")
	}

	deps := api.Deps{
		Pairs:     st.pairs,
		Candles:   st.candles,
		Chaos:     ctrl,
		Generator: gen,
		Positions: posSvc,
		Bus:       bus,
		Elector:   elector,
		JWT:       jwtManager,
		AdminKeys: adminKeys,
		Health:    st.health,
	}
	if cfg.Vault.Enabled {
		vaultClient, err := vault.NewClient(cfg.Vault)
		if err != nil {
			return err
		}
		deps.VaultHealth = vaultClient.Health
	}
	server := api.NewServer(api.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ProductionMode: logging.ParseLevel(cfg.Logging.Level) > zerolog.DebugLevel,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	}, deps, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	logger.Info().
		Str("instance_id", elector.ID()).
		Str("addr", cfg.Server.Addr()).
		Str("database", cfg.Database.Driver).
		Str("leader_mode", cfg.Leader.Mode).
		Msg("Chaos exchange is running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server stopped")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	wg.Wait()

	logger.Info().Msg("Chaos exchange stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()
	if cfg.Database.Driver != config.DriverPostgres {
		return errors.New("migrate requires database.driver postgres")
	}

	ctx := cmd.Context()
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return listDefaultPairs(ctx, database.NewPairRepository(db), logger)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, logger, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()
	if cfg.Database.Driver != config.DriverPostgres {
		return errors.New("seed requires database.driver postgres")
	}

	ctx := cmd.Context()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	ctrl := chaos.NewController(st.chaos, cfg.Chaos.DefaultLevel, logger)
	if err := ctrl.Refresh(ctx); err != nil {
		return err
	}
	agg := candles.NewAggregator(st.candles, cfg.Generator.MaxBucketsPerRun, logger)
	gen := generator.NewService(st.pairs, st.candles, agg, ctrl, leader.NewStatic(instanceID(cfg), true), nil, generatorConfig(cfg), logger)

	seeded, err := gen.SeedMissing(ctx, time.Now().Unix())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d pairs %v\n", len(seeded), seeded)
	return nil
}
