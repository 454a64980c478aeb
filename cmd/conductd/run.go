package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/activity"
	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/feature"
	"github.com/fyrsmithlabs/conductd/internal/http"
	"github.com/fyrsmithlabs/conductd/internal/lifecycle"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/metrics"
	"github.com/fyrsmithlabs/conductd/internal/plan"
	"github.com/fyrsmithlabs/conductd/internal/scheduler"
	"github.com/fyrsmithlabs/conductd/internal/store"
	"github.com/fyrsmithlabs/conductd/internal/worker"
	"github.com/fyrsmithlabs/conductd/internal/worktree"
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Seed a plan and run the orchestrator until it settles",
	Long: `Run seeds the plan's units into the store (resuming previous progress)
and drives them to completion. The daemon exits when every unit has
settled, when the remaining units need an operator, or on SIGINT/SIGTERM.`,
	Args: cobra.ExactArgs(1),
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting conductd",
		zap.String("project", cfg.Project.ID),
		zap.String("plan", args[0]),
		zap.Int("port", cfg.Server.Port))

	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	if p.Project != cfg.Project.ID {
		return fmt.Errorf("plan is for project %q but config names %q", p.Project, cfg.Project.ID)
	}

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	graph := feature.NewGraph(deps.store, cfg.Project.ID)
	if err := p.Seed(ctx, graph, logger); err != nil {
		return err
	}

	sched, err := initScheduler(cfg, deps, graph, logger)
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}

	srv, err := http.NewServer(cfg.Project.ID, deps.store, sched, deps.registry, logger, &http.Config{
		Host: "localhost",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			serverErr <- err
		}
	}()

	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-schedErr:
	case runErr = <-serverErr:
		stop()
		<-schedErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}

	switch {
	case runErr == nil:
		logger.Info("plan settled, all units terminal")
		return nil
	case errors.Is(runErr, context.Canceled):
		logger.Info("shutdown complete")
		return nil
	case errors.Is(runErr, scheduler.ErrNoProgress):
		logger.Warn("plan needs operator attention", zap.Error(runErr))
		return runErr
	default:
		return runErr
	}
}

// dependencies holds the infrastructure behind the scheduler.
type dependencies struct {
	store     *store.Store
	worktrees *worktree.Manager
	pool      *worker.Pool
	sink      activity.Sink
	natsSink  *activity.NATSSink
	registry  *prometheus.Registry
	logger    *zap.Logger
}

// Close releases infrastructure resources.
func (d *dependencies) Close() {
	if d.natsSink != nil {
		d.natsSink.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing store", zap.Error(err))
		}
	}
}

// initDependencies opens the store, binds the trunk repository, builds the
// worker pool, and wires the activity sinks (Prometheus always, NATS when
// configured).
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	wt, err := worktree.NewManager(cfg.Worktree, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("binding trunk repository: %w", err)
	}

	pool, err := worker.NewPool(cfg.Pool, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)
	metrics.RegisterPool(registry, pool)

	sinks := []activity.Sink{collector}
	var natsSink *activity.NATSSink
	if cfg.Activity.URL != "" {
		natsSink, err = activity.NewNATSSink(cfg.Activity, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connecting activity sink: %w", err)
		}
		sinks = append(sinks, natsSink)
		logger.Info("activity sink connected",
			zap.String("url", cfg.Activity.URL),
			zap.String("subject_prefix", cfg.Activity.SubjectPrefix))
	}

	return &dependencies{
		store:     st,
		worktrees: wt,
		pool:      pool,
		sink:      activity.Fanout(sinks...),
		natsSink:  natsSink,
		registry:  registry,
		logger:    logger,
	}, nil
}

// initScheduler assembles the capability set, the lifecycle runner, and
// the control loop.
func initScheduler(cfg *config.Config, deps *dependencies, graph *feature.Graph, logger *zap.Logger) (*scheduler.Scheduler, error) {
	caps := make(map[worker.Kind]worker.Capability, 3)
	for kind, command := range map[worker.Kind][]string{
		worker.KindCoder:     cfg.Workers.Coder.Command,
		worker.KindValidator: cfg.Workers.Validator.Command,
		worker.KindReviewer:  cfg.Workers.Reviewer.Command,
	} {
		capability, err := worker.NewExecCapability(kind, command, logger)
		if err != nil {
			return nil, fmt.Errorf("creating %s capability: %w", kind, err)
		}
		caps[kind] = capability
	}

	runner, err := lifecycle.NewRunner(cfg.Lifecycle, deps.pool, deps.worktrees, deps.store, caps, deps.sink, logger)
	if err != nil {
		return nil, err
	}
	return scheduler.New(cfg.Scheduler, graph, deps.store, deps.worktrees, runner, deps.pool, deps.sink, logger)
}
