package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/auth"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/config"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/database"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/engagement"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/logging"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/relay"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newRelayCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the event channel relay",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, map[string]string{
				"http.address":         "http-address",
				"database.path":        "database-path",
				"token.signing_secret": "signing-secret",
				"http.allowed_origins": "allowed-origins",
				"broker.kind":          "broker",
				"broker.redis.address": "redis-address",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context())
		},
	}

	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.Flags().String("signing-secret", "", "Handshake token signing secret (overrides env)")
	cmd.Flags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Origins allowed to open the event channel")
	cmd.Flags().String("broker", defaults.GetString("broker.kind"), "Room broker (memory or redis)")
	cmd.Flags().String("redis-address", "", "Redis address for the redis broker")
	return cmd
}

func runRelay(ctx context.Context) error {
	relayConfig, err := config.LoadRelay(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(relayConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(relayConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(relayConfig.Token.SigningSecret),
		Issuer:        relayConfig.Token.Issuer,
		Audience:      relayConfig.Token.Audience,
		CookieName:    relayConfig.Token.CookieName,
	})
	if err != nil {
		return err
	}

	engagementService, err := engagement.NewService(engagement.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: engagement.NewUUIDProvider(),
		Logger:     logger.Named("engagement"),
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := newBroker(signalCtx, relayConfig.Broker, logger)
	if err != nil {
		return err
	}
	hub := relay.NewHub(broker, logger.Named("hub"))
	if err := hub.Start(signalCtx); err != nil {
		return err
	}
	defer hub.Close() //nolint:errcheck

	handler, err := relay.NewHTTPHandler(relay.Dependencies{
		Validator:      validator,
		Users:          userService,
		Engagement:     engagementService,
		Hub:            hub,
		Logger:         logger,
		AllowedOrigins: relayConfig.AllowedOrigins,
		RequestTimeout: relayConfig.RequestTimeout,
		CommentPage:    relayConfig.CommentPage,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    relayConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting",
			zap.String("address", relayConfig.HTTPAddress),
			zap.String("broker", relayConfig.Broker.Kind))
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

func newBroker(ctx context.Context, cfg config.BrokerConfig, logger *zap.Logger) (relay.Broker, error) {
	switch cfg.Kind {
	case config.BrokerMemory:
		return relay.NewMemoryBroker(), nil
	case config.BrokerRedis:
		return relay.NewRedisBroker(ctx, relay.RedisBrokerConfig{
			Address:       cfg.RedisAddress,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			ChannelPrefix: cfg.ChannelPrefix,
			Logger:        logger.Named("broker"),
		})
	default:
		return nil, fmt.Errorf("unsupported broker %q", cfg.Kind)
	}
}
