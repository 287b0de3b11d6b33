package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bichsonnhat/cr-sqlite/internal/auth"
	"github.com/bichsonnhat/cr-sqlite/internal/config"
	"github.com/bichsonnhat/cr-sqlite/internal/database"
	"github.com/bichsonnhat/cr-sqlite/internal/logging"
	"github.com/bichsonnhat/cr-sqlite/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "crsync",
		Short:         "Replicate cr-sqlite change logs between peers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newTokenCommand(),
		newSiteCommand(),
		newPutCommand(),
		newRowsCommand(),
		newSchemaCommand(),
		newProvisionCommand(),
		newSyncCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("stream.batch_size"), "Maximum changes per streamed batch")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("server-url", "", "Sync server base URL")
	cmd.PersistentFlags().String("token", "", "Peer token for the sync server")
	cmd.PersistentFlags().String("database", defaults.GetString("client.database"), "Local replica SQLite path")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "stream.batch_size", "batch-size")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "client.server_url", "server-url")
	bindFlag(cmd, "client.token", "token")
	bindFlag(cmd, "client.database", "database")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("dbs-dir", defaults.GetString("dbs.dir"), "Directory holding one SQLite file per database")
	cmd.Flags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Peer token TTL in minutes")
	bindLocalFlag(cmd, "http.address", "http-address")
	bindLocalFlag(cmd, "dbs.dir", "dbs-dir")
	bindLocalFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	return cmd
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "crsync-server")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	registry, err := database.NewRegistry(database.RegistryConfig{
		Directory: appConfig.DatabaseDir,
		Logger:    logger.Named("registry"),
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	service, err := server.NewService(server.ServiceConfig{
		Registry:  registry,
		BatchSize: appConfig.BatchSize,
		Logger:    logger.Named("service"),
	})
	if err != nil {
		return err
	}
	sessions := server.NewSessionHub(registry, appConfig.BatchSize, logger.Named("sessions"))

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		Service:        service,
		Sessions:       sessions,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("dbs_dir", appConfig.DatabaseDir))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		sessions.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		sessions.CloseAll()
		return err
	}
}
