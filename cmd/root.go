package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"YrestData/internal/auth"
	"YrestData/internal/cache"
	"YrestData/internal/config"
	"YrestData/internal/db"
	"YrestData/internal/logger"
	"YrestData/internal/model"
	"YrestData/internal/orm"
	"YrestData/internal/privilege"

	"github.com/spf13/cobra"
)

var (
	cfg      *config.Config
	registry *model.Registry

	modelsDir string
	debug     bool
	asName    string
	asGroups  []string
	asScope   string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "yrestdata",
	Short: "Privilege-aware query engine over model definitions",
	Long: `yrestdata loads model definitions, resolves $filter/$select/$expand queries
into PostgreSQL with row-level privileges applied, and migrates the schema.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		cfg = config.LoadConfig()
		if modelsDir != "" {
			cfg.ModelsDir = modelsDir
		}
		if err := logger.Init(cfg.LogDir); err != nil {
			return fmt.Errorf("log init failed: %w", err)
		}
		logger.SetDebug(debug || cfg.Debug)

		var err error
		if registry, err = model.InitRegistry(cfg.ModelsDir); err != nil {
			logger.Error("registry_init_failed", map[string]any{"error": err.Error()})
			return err
		}
		logger.Info("models_initialized", map[string]any{"dir": cfg.ModelsDir, "models": len(registry.Models())})
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&modelsDir, "models", "", "models directory (default: MODELS_DIR)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&asName, "as", "", "principal name (default: anonymous)")
	rootCmd.PersistentFlags().StringSliceVar(&asGroups, "groups", nil, "principal groups")
	rootCmd.PersistentFlags().StringVar(&asScope, "scope", "", "principal authentication scope")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "JWT to take the principal from")

	rootCmd.AddCommand(checkCmd, sqlCmd, queryCmd, migrateCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// principalContext кладёт в ctx принципала из --token или --as/--groups.
func principalContext(ctx context.Context) (context.Context, error) {
	if token != "" {
		v, err := auth.NewJWTValidator(cfg.Auth.JWT)
		if err != nil {
			return ctx, err
		}
		ctx, _, err = v.Authenticate(ctx, token)
		return ctx, err
	}
	if cfg.Auth.Enabled {
		return ctx, fmt.Errorf("authentication is enabled: pass --token")
	}
	if asName == "" {
		return ctx, nil
	}
	return privilege.NewContext(ctx, &privilege.Principal{
		Name:                asName,
		Groups:              asGroups,
		AuthenticationScope: asScope,
		AuthenticationType:  "cli",
	}), nil
}

// openCache строит кэш по CACHE_DRIVER; для redis открывает клиент.
func openCache(ctx context.Context) (cache.Cache, func(), error) {
	if strings.EqualFold(cfg.Cache.Driver, "redis") {
		rdb, err := db.OpenRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		c, err := cache.New(cfg.Cache, rdb)
		return c, func() { _ = rdb.Close() }, err
	}
	c, err := cache.New(cfg.Cache, nil)
	if err != nil {
		return nil, nil, err
	}
	if closer, ok := c.(interface{ Close() error }); ok {
		return c, func() { _ = closer.Close() }, nil
	}
	return c, func() {}, nil
}

// openContext собирает DataContext над адаптером.
func openContext(ctx context.Context, adapter db.Adapter) (*orm.DataContext, func(), error) {
	c, closeCache, err := openCache(ctx)
	if err != nil {
		return nil, nil, err
	}
	return orm.NewDataContext(cfg, registry, adapter, orm.WithCache(c)), closeCache, nil
}
