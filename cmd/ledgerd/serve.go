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

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agentledger/internal/audit"
	"github.com/jmerrifield20/agentledger/internal/ledgerapi"
	"github.com/jmerrifield20/agentledger/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, metrics and audit endpoints and run scheduled audits",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		logger.Warn("set GOMAXPROCS", zap.Error(err))
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
		Enabled:     rt.cfg.Tracing.Enabled,
		Stdout:      rt.cfg.Tracing.Stdout,
		ServiceName: rt.cfg.Tracing.ServiceName,
		Version:     version,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	// ── Startup integrity check ──────────────────────────────────────────────
	report, err := rt.engine.VerifyChainIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("startup integrity check: %w", err)
	}
	if report.Valid {
		logger.Info("ledgers verified",
			zap.Int64("transactions", report.TransactionsChecked),
			zap.Int64("votes", report.VotesChecked),
		)
	} else {
		logger.Warn("ledger integrity check FAILED; serving audit endpoints for inspection")
	}

	// ── Scheduled audits ─────────────────────────────────────────────────────
	var auditor *audit.Auditor
	auditDone := make(chan struct{})
	if interval := rt.cfg.Audit.Interval; interval > 0 {
		auditor = audit.New(rt.engine, audit.Config{Interval: interval}, logger)
		go func() {
			defer close(auditDone)
			auditor.Start(ctx)
		}()
	} else {
		close(auditDone)
	}

	// ── HTTP ─────────────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := ledgerapi.NewRouter(ctx, rt.engine, ledgerapi.Options{
		RateLimitRPS: rt.cfg.Ops.RateLimitRPS,
		Auditor:      auditor,
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", rt.cfg.Ops.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgerd listening", zap.Int("port", rt.cfg.Ops.Port), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			<-auditDone
			return fmt.Errorf("http listen: %w", err)
		}
	}
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	// The auditor must finish before the database closes.
	stop()
	<-auditDone
	logger.Info("ledgerd stopped")
	return nil
}
