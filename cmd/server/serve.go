package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitea.jw6.us/james/davkit/internal/auth"
	httpserver "gitea.jw6.us/james/davkit/internal/http"
	"gitea.jw6.us/james/davkit/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the DAV server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		var verifier auth.TokenVerifier
		if cfg.OIDC.IssuerURL != "" {
			v, err := auth.NewOIDCVerifier(ctx, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID, cfg.OIDC.UsernameClaim)
			if err != nil {
				return err
			}
			verifier = v
		}
		authService := auth.NewService(st, verifier)

		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           httpserver.NewRouter(cfg, st, authService),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info(logSender, "server listening on %s, dav base %s", cfg.ListenAddr, cfg.DAV.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		logger.Info(logSender, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(logSender, "graceful shutdown failed: %v", err)
		}
		return nil
	},
}
