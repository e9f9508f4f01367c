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

	"github.com/MarcoPoloResearchLab/gather/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/config"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/database"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/server"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load(".env")

	rootCmd := &cobra.Command{
		Use:   "gather-api",
		Short: "Gather messaging backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session cookie signing secret; empty disables cookie sessions")
	cmd.PersistentFlags().Float64("presence-events-per-second", defaults.GetFloat64("realtime.events_per_second"), "Presence tracks allowed per client per second")
	cmd.PersistentFlags().Int("presence-burst", defaults.GetInt("realtime.burst"), "Presence track burst per client")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "realtime.events_per_second", "presence-events-per-second")
	bindFlag(cmd, "realtime.burst", "presence-burst")
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
		if cfgFile != "" {
			return err
		}
	}

	return nil
}

// newTokenCommand prints an access token for a user id, for local clients and scripts.
func newTokenCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAccessToken(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id placed in the token subject")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	tokenManager, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	var sessionValidator server.CookieSessionValidator
	if appConfig.SessionCookiesEnabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.SessionSigningSecret),
			Issuer:        appConfig.SessionIssuer,
			CookieName:    appConfig.SessionCookieName,
		})
		if err != nil {
			return err
		}
		sessionValidator = validator
	}

	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{
		BufferSize: appConfig.RealtimeBufferSize,
		Logger:     logger,
	})
	presence := realtime.NewPresenceHub(realtime.PresenceConfig{
		Dispatcher:      dispatcher,
		EventsPerSecond: appConfig.RealtimeEventsPerSecond,
		Burst:           appConfig.RealtimeBurst,
		Logger:          logger,
	})

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	conversationService, err := conversations.NewService(conversations.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: conversations.NewUUIDProvider(),
		Publisher:  dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:      tokenManager,
		SessionValidator:  sessionValidator,
		Users:             userService,
		Conversations:     conversationService,
		Dispatcher:        dispatcher,
		Presence:          presence,
		Metrics:           server.NewMetrics(),
		Logger:            logger,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.RealtimeHeartbeat,
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
	httpServer.BaseContext = func(_ net.Listener) context.Context { return signalCtx }

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
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
