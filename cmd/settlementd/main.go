package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fueldesk/settlement/internal/audit"
	"github.com/fueldesk/settlement/internal/httpapi"
	"github.com/fueldesk/settlement/internal/store/gormstore"
	"github.com/fueldesk/settlement/internal/store/pgstore"
	"github.com/fueldesk/settlement/pkg/settlement"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagActorID        = "actor-id"
	flagTimezone       = "timezone"
	flagStoreBackend   = "store"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyActorID        = "actor_id"
	configKeyTimezone       = "timezone"
	configKeyStoreBackend   = "store_backend"

	defaultDatabaseURL  = "sqlite:///tmp/settlement.db"
	defaultListenAddr   = ":8080"
	defaultActorID      = "settlementd"
	defaultTimezone     = "UTC"
	storeBackendGORM    = "gorm"
	storeBackendPgx     = "pgx"
	defaultStoreBackend = storeBackendGORM
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins []string
	ActorID        string
	Timezone       string
	StoreBackend   string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "settlementd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "settlementd",
		Short:         "Fuel-credit settlement engine HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.PersistentFlags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.PersistentFlags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.PersistentFlags().String(flagActorID, defaultActorID, "actor id stamped on appended ledger lines")
	cmd.PersistentFlags().String(flagTimezone, defaultTimezone, "civil calendar used for day buckets and overdue math")
	cmd.PersistentFlags().String(flagStoreBackend, defaultStoreBackend, "storage backend: gorm or pgx (pgx requires postgres)")

	cmd.AddCommand(newMigrateCommand(cfg))

	return cmd
}

func newMigrateCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and record the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, cleanup, err := openGormDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer func() { _ = cleanup() }()
			if err := gormstore.Migrate(gormDB); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema migrated to version %d\n", gormstore.SchemaVersion)
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyActorID:        "ACTOR_ID",
		configKeyTimezone:       "TIMEZONE",
		configKeyStoreBackend:   "STORE_BACKEND",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyActorID:        flagActorID,
		configKeyTimezone:       flagTimezone,
		configKeyStoreBackend:   flagStoreBackend,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if raw := viper.GetString(configKeyAllowedOrigins); raw != "" {
		cfg.AllowedOrigins = strings.Split(raw, ",")
	}
	cfg.ActorID = viper.GetString(configKeyActorID)
	if cfg.ActorID == "" {
		cfg.ActorID = defaultActorID
	}
	cfg.Timezone = viper.GetString(configKeyTimezone)
	if cfg.Timezone == "" {
		cfg.Timezone = defaultTimezone
	}
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}
	if cfg.StoreBackend != storeBackendGORM && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	gormDB, cleanup, err := openGormDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := gormstore.VerifySchema(gormDB); err != nil {
		return fmt.Errorf("schema check: %w (run `settlementd migrate` first)", err)
	}

	store, storeCleanup, err := buildStore(ctx, cfg, gormDB)
	if err != nil {
		return err
	}
	defer storeCleanup()

	clock := func() time.Time { return time.Now().In(location) }
	service, err := settlement.NewService(store, clock,
		settlement.WithLocation(location),
		settlement.WithActorID(cfg.ActorID),
		settlement.WithOperationLogger(audit.NewOperationLogger(logger)),
		settlement.WithAuditRecorder(audit.NewRecorder(logger)),
	)
	if err != nil {
		return fmt.Errorf("settlement service init: %w", err)
	}

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, service, logger)
}

func buildStore(ctx context.Context, cfg *runtimeConfig, gormDB *gorm.DB) (settlement.Store, func(), error) {
	if cfg.StoreBackend == storeBackendGORM {
		return gormstore.New(gormDB), func() {}, nil
	}
	driver, _, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if driver != "postgres" {
		return nil, nil, fmt.Errorf("pgx store requires a postgres database url")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}

func openGormDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
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
		return "postgres", "", nil
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
			path = "settlement.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
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
