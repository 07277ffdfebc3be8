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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/config"
	"github.com/gluk-w/termctl/internal/handlers"
	"github.com/gluk-w/termctl/internal/scheduler"
	"github.com/gluk-w/termctl/internal/sshmanager"
)

var rootCmd = &cobra.Command{
	Use:   "termctl",
	Short: "Multi-host SSH session orchestration",
	Long: `termctl keeps a pool of authenticated SSH sessions to managed endpoints,
gates every command through a security policy, moves files over the pooled
connections and records everything in an audit log.

Configuration is read from TERMCTL_* environment variables.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	RunE:  runServe,
}

func main() {
	rootCmd.AddCommand(serveCmd, rulesCmd, auditCmd, endpointCmd, keygenCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.logger
	cfg := config.Cfg

	if cfg.RulesFile != "" {
		if err := importRulesFile(ctx, a, cfg.RulesFile, false); err != nil {
			log.Warn("rules file not loaded", zap.String("path", cfg.RulesFile), zap.Error(err))
		}
	}

	if err := a.startEngines(); err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Jobs{
		Sessions:              a.sessions,
		Audit:                 a.audit,
		Transfers:             a.transfers,
		AuditRetentionDays:    cfg.AuditRetentionDays,
		TransferRetentionDays: cfg.TransferRetentionDays,
	}, log)
	if err != nil {
		return err
	}
	sched.Start()

	h, err := handlers.New(handlers.Deps{
		Sessions:  a.sessions,
		Transfers: a.transfers,
		Policy:    a.policy,
		Audit:     a.audit,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Scheduler: sched,
		APIToken:  cfg.APIToken,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	if cfg.APIToken == "" {
		log.Warn("API token not set; the API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Websocket handlers only return once their sessions close, so sessions
	// go first.
	n := a.sessions.DisconnectAll(shutdownCtx, sshmanager.ReasonShutdown)
	log.Info("sessions closed", zap.Int("count", n))
	sched.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}
