package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/labgate/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/labgate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/labgate/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/labgate/internal/store/redisrank"
	"github.com/MarkoPoloResearchLab/labgate/internal/zaplog"
	"github.com/MarkoPoloResearchLab/labgate/pkg/demand"
	"github.com/MarkoPoloResearchLab/labgate/pkg/unlock"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	flagConfigFile               = "config"
	flagDatabaseURL              = "database-url"
	flagListenAddr               = "listen-addr"
	flagUnlockStore              = "unlock-store"
	flagRedisURL                 = "redis-url"
	flagFreeCreditLimit          = "free-credit-limit"
	flagAbuseEmailThreshold      = "abuse-email-threshold"
	flagFundingThreshold         = "funding-threshold"
	flagWeightSearch             = "weight-search"
	flagWeightPossession         = "weight-possession"
	flagWeightVerifiedPossession = "weight-verified-possession"
	flagWeightPhotoBonus         = "weight-photo-bonus"
	envPrefix                    = "LABGATE"
	defaultDatabaseURL           = "sqlite:///tmp/labgate.db"
	defaultGRPCListenAddr        = ":7100"
	defaultFreeCreditLimit       = 1
	defaultAbuseEmailThreshold   = 2
	unlockStoreGorm              = "gorm"
	unlockStorePgx               = "pgx"
	driverPostgres               = "postgres"
	driverSQLite                 = "sqlite"
)

type runtimeConfig struct {
	DatabaseURL         string
	ListenAddr          string
	UnlockStore         string
	RedisURL            string
	FreeCreditLimit     int64
	AbuseEmailThreshold int
	FundingThreshold    float64
	Weights             demand.WeightTable
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gated: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "gated",
		Short:         "Unlock and demand gRPC server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, viper.New(), cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	defaultWeights := demand.DefaultWeightTable()
	cmd.Flags().String(flagConfigFile, "", "optional config file (yaml, toml, json)")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or SQLite path")
	cmd.Flags().String(flagListenAddr, defaultGRPCListenAddr, "gRPC listen address")
	cmd.Flags().String(flagUnlockStore, unlockStoreGorm, "unlock store implementation: gorm or pgx")
	cmd.Flags().String(flagRedisURL, "", "optional Redis URL for the rank index")
	cmd.Flags().Int64(flagFreeCreditLimit, defaultFreeCreditLimit, "free unlocks per device")
	cmd.Flags().Int(flagAbuseEmailThreshold, defaultAbuseEmailThreshold, "distinct emails per device before abuse is flagged")
	cmd.Flags().Float64(flagFundingThreshold, 1000, "default funding threshold for new demand records")
	cmd.Flags().Float64(flagWeightSearch, defaultWeights.Search, "weight of a search signal")
	cmd.Flags().Float64(flagWeightPossession, defaultWeights.Possession, "weight of a possession signal")
	cmd.Flags().Float64(flagWeightVerifiedPossession, defaultWeights.VerifiedPossession, "weight of a verified member possession signal")
	cmd.Flags().Float64(flagWeightPhotoBonus, defaultWeights.PhotoBonus, "extra weight of a photo contribution")

	return cmd
}

func loadConfig(cmd *cobra.Command, v *viper.Viper, cfg *runtimeConfig) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagConfigFile,
		flagDatabaseURL,
		flagListenAddr,
		flagUnlockStore,
		flagRedisURL,
		flagFreeCreditLimit,
		flagAbuseEmailThreshold,
		flagFundingThreshold,
		flagWeightSearch,
		flagWeightPossession,
		flagWeightVerifiedPossession,
		flagWeightPhotoBonus,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	if configFile := strings.TrimSpace(v.GetString(flagConfigFile)); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultGRPCListenAddr
	}
	cfg.UnlockStore = strings.ToLower(strings.TrimSpace(v.GetString(flagUnlockStore)))
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.FreeCreditLimit = v.GetInt64(flagFreeCreditLimit)
	cfg.AbuseEmailThreshold = v.GetInt(flagAbuseEmailThreshold)
	cfg.FundingThreshold = v.GetFloat64(flagFundingThreshold)
	cfg.Weights = demand.WeightTable{
		Search:             v.GetFloat64(flagWeightSearch),
		Possession:         v.GetFloat64(flagWeightPossession),
		VerifiedPossession: v.GetFloat64(flagWeightVerifiedPossession),
		PhotoBonus:         v.GetFloat64(flagWeightPhotoBonus),
	}

	switch cfg.UnlockStore {
	case unlockStoreGorm:
	case unlockStorePgx:
		if driver, _, err := resolveDriver(cfg.DatabaseURL); err != nil || driver != driverPostgres {
			return fmt.Errorf("%s=%s requires a postgres database url", flagUnlockStore, unlockStorePgx)
		}
	default:
		return fmt.Errorf("unsupported %s %q", flagUnlockStore, cfg.UnlockStore)
	}
	if cfg.FreeCreditLimit < 0 {
		return fmt.Errorf("%s must not be negative", flagFreeCreditLimit)
	}
	if err := cfg.Weights.Validate(); err != nil {
		return err
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := gormstore.AutoMigrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }

	unlockStore, unlockCatalog, closeUnlockStore, err := openUnlockStore(ctx, cfg, gormDB)
	if err != nil {
		return err
	}
	defer closeUnlockStore()

	unlockService, err := unlock.NewService(unlockStore, unlockCatalog, clock,
		unlock.WithOperationLogger(zaplog.NewUnlockLogger(logger)),
		unlock.WithFreeCreditLimit(cfg.FreeCreditLimit),
		unlock.WithAbuseEmailThreshold(cfg.AbuseEmailThreshold),
	)
	if err != nil {
		return fmt.Errorf("unlock service init: %w", err)
	}

	demandLogger := zaplog.NewDemandLogger(logger)
	demandOptions := []demand.ServiceOption{
		demand.WithOperationLogger(demandLogger),
		demand.WithTransitionNotifier(demandLogger),
		demand.WithWeightTable(cfg.Weights),
		demand.WithDefaultFundingThreshold(cfg.FundingThreshold),
	}
	if cfg.RedisURL != "" {
		redisClient, err := redisrank.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer redisClient.Close()
		demandOptions = append(demandOptions, demand.WithRankIndex(redisrank.New(redisClient)))
		logger.Info("rank index enabled", zap.String("backend", "redis"))
	}
	demandService, err := demand.NewService(gormstore.NewDemandStore(gormDB), clock, demandOptions...)
	if err != nil {
		return fmt.Errorf("demand service init: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(logger)))
	healthServer := grpcserver.Register(grpcServer, grpcserver.NewGateServiceServer(unlockService, demandService))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting",
			zap.String("listen_addr", cfg.ListenAddr),
			zap.String("unlock_store", cfg.UnlockStore),
		)
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

// openUnlockStore returns the store and catalog for the unlock service plus a close func.
func openUnlockStore(ctx context.Context, cfg *runtimeConfig, gormDB *gorm.DB) (unlock.Store, unlock.ProductCatalog, func(), error) {
	if cfg.UnlockStore != unlockStorePgx {
		store := gormstore.New(gormDB)
		return store, store, func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("pgx ping: %w", err)
	}
	store := pgstore.New(pool)
	return store, store, pool.Close, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "labgate.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
