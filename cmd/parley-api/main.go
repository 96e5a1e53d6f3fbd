package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/audit"
	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/cipher"
	"github.com/MarcoPoloResearchLab/parley/internal/config"
	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/logging"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/presence"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/MarcoPoloResearchLab/parley/internal/server"
	"github.com/MarcoPoloResearchLab/parley/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parley-api",
		Short: "Parley realtime messaging service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newMigrateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("audit-nats-url", "", "NATS server receiving audit events")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "audit.nats_url", "audit-nats-url")
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
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var userID, tenantID int64
	var role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), auth.TokenSubject{
				UserID:   userID,
				TenantID: tenantID,
				Role:     role,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "User id the token is issued for")
	cmd.Flags().Int64Var(&tenantID, "tenant-id", 0, "Tenant the user belongs to")
	cmd.Flags().StringVar(&role, "role", string(users.RoleUser), "Role claim")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("tenant-id")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			return closeDatabase(db)
		},
	}
}

func closeDatabase(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
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
	defer closeDatabase(db) //nolint:errcheck

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	messageStore, err := messages.NewStore(messages.StoreConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	contentCipher, err := cipher.NewContentCipher([]byte(appConfig.CipherSecret))
	if err != nil {
		return err
	}

	auditSink, closeAudit, err := buildAuditSink(appConfig, db, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	realtimeService, err := realtime.NewService(realtime.ServiceConfig{
		Registry:  presence.NewRegistry(),
		Directory: userService,
		Messages:  messageStore,
		Cipher:    contentCipher,
		Audit:     auditSink,
		Logger:    logger,
		Clock:     time.Now,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
	})
	if err != nil {
		return err
	}
	authenticator, err := auth.NewConnectionAuthenticator(validator, userService)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator: authenticator,
		Realtime:      realtimeService,
		Session: realtime.SessionConfig{
			SendBuffer:   appConfig.SendBuffer,
			PingInterval: appConfig.PingInterval,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// Websocket sessions are hijacked and untracked by Shutdown; they end with sessionCtx.
	sessionCtx, closeSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer closeSessions()
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return sessionCtx },
	}
	httpServer.RegisterOnShutdown(closeSessions)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := realtimeService.WaitSessions(shutdownCtx); err != nil {
			logger.Warn("websocket sessions still open at shutdown", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// buildAuditSink always persists audit entries; a configured NATS server also receives them.
func buildAuditSink(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (audit.Sink, func(), error) {
	storeSink, err := audit.NewStoreSink(db, time.Now)
	if err != nil {
		return nil, nil, err
	}
	if appConfig.AuditNATSURL == "" {
		return storeSink, func() {}, nil
	}

	conn, err := audit.ConnectNATS(appConfig.AuditNATSURL, "parley-api")
	if err != nil {
		return nil, nil, err
	}
	natsSink, err := audit.NewNATSSink(audit.NATSSinkConfig{Publisher: conn, Subject: appConfig.AuditSubject})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	logger.Info("audit events published to nats",
		zap.String("url", appConfig.AuditNATSURL),
		zap.String("subject", natsSink.Subject()))
	return audit.MultiSink{storeSink, natsSink}, func() {
		if err := conn.Drain(); err != nil {
			logger.Warn("nats drain failed", zap.Error(err))
		}
	}, nil
}
