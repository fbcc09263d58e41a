package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ahrav/go-blocking/infrastructure/artifacts"
	"github.com/ahrav/go-blocking/infrastructure/middleware"
	"github.com/ahrav/go-blocking/infrastructure/renderer"
	"github.com/ahrav/go-blocking/infrastructure/store"
	"github.com/ahrav/go-blocking/internal/application"
	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

type runOptions struct {
	reference      string
	referenceDepth string

	provider      string
	model         string
	mode          string
	maxIterations int
	threshold     int
	maxCost       float64
	rendererURL   string
	artifactsDir  string
	storePath     string
	metricsListen string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run --reference frame.png",
		Short: "Optimize the live scene until it matches the reference frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath, func(cfg *application.Config) {
				applyRunOverrides(cmd, opts, cfg)
			})
			if err != nil {
				return err
			}
			return runOptimization(cmd.Context(), cmd, cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.reference, "reference", "r", "", "reference image (PNG, JPEG or WebP)")
	f.StringVar(&opts.referenceDepth, "reference-depth", "", "optional depth map of the reference")
	f.StringVar(&opts.provider, "provider", "", "oracle provider, or auto")
	f.StringVar(&opts.model, "model", "", "oracle model")
	f.StringVar(&opts.mode, "mode", "", "positioning mode: absolute or relative")
	f.IntVar(&opts.maxIterations, "max-iterations", 0, "iteration limit")
	f.IntVar(&opts.threshold, "threshold", 0, "score that ends the run as converged")
	f.Float64Var(&opts.maxCost, "max-cost", 0, "oracle budget in USD")
	f.StringVar(&opts.rendererURL, "renderer", "", "render bridge URL")
	f.StringVar(&opts.artifactsDir, "artifacts", "", "directory for per-run debug artifacts")
	f.StringVar(&opts.storePath, "store", "", "SQLite run ledger path")
	f.StringVar(&opts.metricsListen, "metrics-listen", "", "address serving /metrics")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

// applyRunOverrides copies explicitly set flags over the file values.
func applyRunOverrides(cmd *cobra.Command, opts *runOptions, cfg *application.Config) {
	changed := cmd.Flags().Changed
	if changed("provider") {
		cfg.Provider.Name = opts.provider
	}
	if changed("model") {
		cfg.Provider.Model = opts.model
	}
	if changed("mode") {
		cfg.PositioningMode = opts.mode
	}
	if changed("max-iterations") {
		cfg.MaxIterations = opts.maxIterations
	}
	if changed("threshold") {
		cfg.SuccessThreshold = opts.threshold
	}
	if changed("max-cost") {
		cfg.Budget.MaxCostUSD = opts.maxCost
	}
	if changed("renderer") {
		cfg.Renderer.URL = opts.rendererURL
	}
	if changed("artifacts") {
		cfg.Artifacts.Dir = opts.artifactsDir
	}
	if changed("store") {
		cfg.Store.Path = opts.storePath
	}
	if changed("metrics-listen") {
		cfg.Metrics.Listen = opts.metricsListen
	}
}

// loadConfig reads path, or starts from the defaults when it is empty,
// applies override and validates the result.
func loadConfig(path string, override func(*application.Config)) (application.Config, error) {
	loader, err := application.NewConfigLoader()
	if err != nil {
		return application.Config{}, err
	}
	cfg := application.DefaultConfig()
	if path != "" {
		if cfg, err = loader.LoadFromFile(path); err != nil {
			return application.Config{}, err
		}
	}
	if override != nil {
		override(&cfg)
	}
	if err := loader.Validate(cfg); err != nil {
		return application.Config{}, err
	}
	return cfg, nil
}

func runOptimization(ctx context.Context, cmd *cobra.Command, cfg application.Config, opts *runOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := slog.Default()

	req, err := readReference(opts.reference, opts.referenceDepth)
	if err != nil {
		return err
	}

	var metrics *middleware.PrometheusMetrics
	var collector ports.MetricsCollector
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = middleware.NewPrometheusMetrics(reg)
		collector = metrics
		srv := serveMetrics(cfg.Metrics.Listen, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	stack, err := application.BuildOracle(ctx, cfg, application.OracleOptions{Metrics: metrics, Logger: logger})
	if err != nil {
		return err
	}

	bridge, err := renderer.NewHTTPClient(renderer.Config{
		BaseURL: cfg.Renderer.URL,
		Timeout: cfg.Renderer.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	deps := application.Dependencies{
		Renderer: bridge,
		Oracle:   stack.Provider,
		Observer: middleware.NewOTelRunObserver(collector),
		Logger:   logger,
	}
	if stack.Cache != nil {
		deps.Cache = stack.Cache
	}
	if cfg.Artifacts.Dir != "" {
		sink, err := artifacts.NewFileSink(artifacts.Config{
			Root:     cfg.Artifacts.Dir,
			Annotate: cfg.Artifacts.Annotate,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		deps.Artifacts = sink
	}
	if cfg.Store.Path != "" {
		ledger, err := store.Open(ctx, cfg.Store.Path)
		if err != nil {
			return err
		}
		defer ledger.Close()
		deps.Store = ledger
	}

	ctrl, err := application.NewController(cfg, deps)
	if err != nil {
		return err
	}
	res, runErr := ctrl.Run(ctx, req)
	if res != nil {
		if err := printResult(cmd, res, stack); err != nil {
			logger.Warn("failed to print result", "error", err)
		}
	}
	return runErr
}

func readReference(path, depthPath string) (application.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return application.RunRequest{}, fmt.Errorf("failed to read reference: %w", err)
	}
	req := application.RunRequest{Reference: domain.Image{Data: data}}
	if depthPath != "" {
		depth, err := os.ReadFile(depthPath)
		if err != nil {
			return application.RunRequest{}, fmt.Errorf("failed to read reference depth: %w", err)
		}
		req.ReferenceDepth = &domain.Image{Data: depth}
	}
	return req, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

type runReport struct {
	RunID       string               `json:"run_id"`
	Terminal    domain.TerminalState `json:"terminal_state"`
	Reason      string               `json:"reason,omitempty"`
	BestScore   int                  `json:"best_score"`
	Iterations  int                  `json:"iterations"`
	Mode        string               `json:"mode"`
	OracleCalls int                  `json:"oracle_calls"`
	CostUSD     float64              `json:"total_cost_usd"`
	BudgetCalls int64                `json:"budget_calls"`
	BestState   domain.SceneState    `json:"best_state,omitempty"`
}

func printResult(cmd *cobra.Command, res *application.RunResult, stack *application.OracleStack) error {
	usage := stack.Budget.Usage()
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(runReport{
		RunID:       res.RunID,
		Terminal:    res.Terminal,
		Reason:      res.Reason,
		BestScore:   res.Checkpoint.BestScore,
		Iterations:  len(res.Checkpoint.History),
		Mode:        string(res.Mode),
		OracleCalls: res.OracleCalls,
		CostUSD:     res.TotalCostUSD,
		BudgetCalls: usage.Calls,
		BestState:   res.Checkpoint.BestState,
	})
}
