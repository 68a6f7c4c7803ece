package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/steward/pkg/api"
	"github.com/Mindburn-Labs/steward/pkg/approval"
	"github.com/Mindburn-Labs/steward/pkg/archive"
	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/classifier"
	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/executor"
	"github.com/Mindburn-Labs/steward/pkg/observability"
	"github.com/Mindburn-Labs/steward/pkg/orchestrator"
	"github.com/Mindburn-Labs/steward/pkg/perception"
	"github.com/Mindburn-Labs/steward/pkg/supervisor"
	"github.com/Mindburn-Labs/steward/pkg/triage"
)

const (
	shutdownTimeout = 15 * time.Second
	compactEvery    = 6 * time.Hour
)

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var port string
	cmd.StringVar(&port, "port", "", "Listen port (overrides PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, logger, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	if port != "" {
		cfg.Port = port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintf(stdout, "%sSteward starting...%s\n", ColorBold+ColorBlue, ColorReset)
	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("steward stopped", "error", err)
		return 1
	}
	logger.Info("steward stopped")
	return 0
}

// serve runs every long-lived component until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rules, err := classifier.LoadFile(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	holder := classifier.NewHolder(rules)
	logger.InfoContext(ctx, "rules loaded", "path", cfg.RulesPath, "schema_version", rules.Version.String(), "action_types", len(rules.ActionTypes()))
	for _, t := range rules.Conflicts() {
		logger.WarnContext(ctx, "action type is both gated and auto-approved; it will require approval", "action_type", t)
	}

	obsCfg := observability.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = obs.Shutdown(sctx)
	}()

	registry := executor.NewRegistry()
	if err := registry.Register("echo", executor.Echo()); err != nil {
		return err
	}
	slo := observability.NewSLOTracker()
	for _, id := range registry.IDs() {
		slo.SetTarget(observability.SLOTarget{
			ExecutorID:  id,
			LatencyP99:  cfg.Orchestrator.DefaultTimeout,
			SuccessRate: 0.99,
		})
	}

	intake := perception.NewIntake(st.dedup, st.items, st.audit)
	poller := triage.New(st.items, classifier.New(st.audit), holder, st.audit, triage.WithObservability(obs))
	orch := orchestrator.New(st.items, registry, st.audit, cfg.Orchestrator,
		orchestrator.WithObservability(obs),
		orchestrator.WithSLOTracker(slo),
	)
	sup := supervisor.New(intake, st.audit, cfg.Supervisor)
	for _, a := range cfg.Adapters {
		if err := sup.Add(perception.NewDirAdapter(a.Name, a.Dir, a.Rescan)); err != nil {
			return err
		}
	}

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateBurst)
	auth := api.NewAuthenticator(cfg.JWTSecret)
	if auth == nil {
		logger.WarnContext(ctx, "STEWARD_JWT_SECRET not set; decisions over HTTP are refused")
	}
	srv := api.NewServer(approval.NewGate(st.items, st.audit), st.items,
		api.WithAuthenticator(auth),
		api.WithRateLimiter(limiter),
		api.WithSLOTracker(slo),
		api.WithAdapterStatus(sup.Status),
	)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoContext(gctx, "api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error { return poller.Run(gctx, cfg.TriageEvery) })
	g.Go(func() error { return orch.Run(gctx) })
	if len(cfg.Adapters) > 0 {
		g.Go(func() error { return sup.Run(gctx) })
	}
	if cfg.WatchRules {
		g.Go(func() error { return holder.Watch(gctx, cfg.RulesPath) })
	}
	if cfg.Archive.Type != "" {
		store, err := archive.NewFromConfig(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		g.Go(func() error {
			compactLoop(gctx, cfg, store, st.audit, logger)
			return nil
		})
	}

	return g.Wait()
}

// compactLoop moves audit partitions past retention into the archive.
// A failed run is logged and retried on the next tick; nothing local is
// removed unless it is archived.
func compactLoop(ctx context.Context, cfg *config.Config, store archive.Store, rec audit.Recorder, logger *slog.Logger) {
	ticker := time.NewTicker(compactEvery)
	defer ticker.Stop()
	for {
		res, err := audit.Compact(ctx, cfg.Audit.Dir, store, cfg.Audit.Retention, time.Now())
		if err != nil {
			logger.ErrorContext(ctx, "audit compaction failed", "error", err)
		} else if len(res.Removed) > 0 {
			rec.Record(ctx, audit.Entry{
				EventType: audit.EventCompaction,
				Outcome:   "archived",
				Inputs:    map[string]any{"partitions": res.Removed},
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
