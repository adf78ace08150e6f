package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/config"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/database"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/gsclient"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/server"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/session"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "assocrm-api",
		Short: "Association CRM table service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newExportCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (toml, yaml or json)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path for sessions")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Table backend (csv, gsheets)")
	cmd.PersistentFlags().String("optimistic-lock", defaults.GetString("storage.optimistic_lock"), "Optimistic locking (on, off)")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("csv.data_dir"), "Directory holding the CSV tables")
	cmd.PersistentFlags().String("spreadsheet-id", "", "Google spreadsheet id for the gsheets backend")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "storage.optimistic_lock", "optimistic-lock")
	bindFlag(cmd, "csv.data_dir", "data-dir")
	bindFlag(cmd, "gsheets.spreadsheet_id", "spreadsheet-id")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("assocrm")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newExportCommand() *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <table>",
		Short: "Write one table to a csv or xlsx file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), args[0], format, output)
		},
	}
	cmd.Flags().StringVar(&format, "format", transfer.FormatCSV, "Output format (csv, xlsx)")
	cmd.Flags().StringVar(&output, "output", "", "Output file (defaults to <table>.<format>)")
	return cmd
}

func runExport(ctx context.Context, table, format, output string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	schema, err := catalog.Lookup(table)
	if err != nil {
		return err
	}
	name := catalog.Normalize(table)

	store, err := buildStore(appConfig, logger, nil)
	if err != nil {
		return err
	}
	loaded, err := store.EnsureTableSource(ctx, storage.NewSession(session.NewSessionID()), name, schema)
	if err != nil {
		return err
	}

	if output == "" {
		output = fmt.Sprintf("%s.%s", name, format)
	}
	file, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := transfer.Export(file, loaded, format, name); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	logger.Info("table exported", zap.String("table", name), zap.String("output", output), zap.Int("rows", loaded.Len()))
	return nil
}

// buildStore wires the selected backend. The gsheets credential is read on first use so a
// missing secret surfaces on the first load or save.
func buildStore(appConfig config.AppConfig, logger *zap.Logger, metrics *storage.Metrics) (*storage.Store, error) {
	storeConfig := storage.StoreConfig{
		Backend:        appConfig.Storage.Backend,
		OptimisticLock: appConfig.Storage.OptimisticLock,
		Logger:         logger,
		Metrics:        metrics,
	}
	switch appConfig.Storage.Backend {
	case storage.BackendGSheets:
		factory := gsclient.NewClientFactory(gsclient.ClientFactoryConfig{Logger: logger})
		storeConfig.Resolver = gsclient.NewSecretResolver(
			func() any { return appConfig.GoogleServiceAccount },
			factory,
			gsclient.ResolverConfig{
				SpreadsheetID:    appConfig.Sheets.SpreadsheetID,
				SpreadsheetTitle: appConfig.Sheets.SpreadsheetTitle,
				Logger:           logger,
			},
		)
	default:
		storeConfig.CSVPaths = appConfig.Storage.CSVPaths
		storeConfig.Filesystem = afero.NewOsFs()
	}
	return storage.NewStore(storeConfig)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessions, err := session.NewRepository(session.RepositoryConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := session.NewTokenIssuer(session.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        session.DefaultIssuer,
		TokenTTL:      appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	storeMetrics, err := storage.NewMetrics(registry)
	if err != nil {
		return err
	}
	httpMetrics, err := server.NewHTTPMetrics(registry)
	if err != nil {
		return err
	}

	store, err := buildStore(appConfig, logger, storeMetrics)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:          store,
		Sessions:       sessions,
		Tokens:         tokenIssuer,
		Dispatcher:     server.NewRealtimeDispatcher(),
		Metrics:        httpMetrics,
		Gatherer:       registry,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("backend", store.Backend()),
			zap.Bool("optimistic_lock", store.OptimisticLock()),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
