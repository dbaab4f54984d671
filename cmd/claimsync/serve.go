package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/claimsync/internal/auth"
	"github.com/MarcoPoloResearchLab/claimsync/internal/claims"
	"github.com/MarcoPoloResearchLab/claimsync/internal/config"
	"github.com/MarcoPoloResearchLab/claimsync/internal/database"
	"github.com/MarcoPoloResearchLab/claimsync/internal/deltasync"
	"github.com/MarcoPoloResearchLab/claimsync/internal/logging"
	"github.com/MarcoPoloResearchLab/claimsync/internal/server"
)

const (
	tokenIssuer   = "claimsync-auth"
	tokenAudience = "claimsync-api"
)

func newServeCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the claims backend API",
		PreRun: func(cmd *cobra.Command, args []string) {
			bindServerFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	addServerFlags(cmd, defaults)
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	return cmd
}

func addServerFlags(cmd *cobra.Command, defaults *viper.Viper) {
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.Flags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Access token TTL in minutes")
	cmd.Flags().String("signing-secret", "", "Access token signing secret (overrides env)")
}

func bindServerFlags(cmd *cobra.Command) {
	bindFlag(cmd.Flags(), "database.path", "database-path")
	bindFlag(cmd.Flags(), "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd.Flags(), "auth.signing_secret", "signing-secret")
	if cmd.Flags().Lookup("http-address") != nil {
		bindFlag(cmd.Flags(), "http.address", "http-address")
	}
}

func newTokenIssuer(serverConfig config.ServerConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(serverConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      serverConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	serverConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(serverConfig.LogLevel, "server")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(serverConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := newTokenIssuer(serverConfig)
	if err != nil {
		return err
	}

	claimsService, err := claims.NewService(claims.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: deltasync.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenManager,
		ClaimsService:  claimsService,
		Realtime:       server.NewRealtimeDispatcher(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    serverConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serveUntilDone(signalCtx, httpServer, logger)
}

func serveUntilDone(ctx context.Context, httpServer *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", httpServer.Addr))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
