package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"warroom/internal/captain"
	"warroom/internal/config"
	"warroom/internal/convoy"
	"warroom/internal/db"
	"warroom/internal/domain"
	"warroom/internal/ledger"
	"warroom/internal/metrics"
	"warroom/internal/migrate"
	"warroom/internal/monitor"
	"warroom/internal/plan"
	"warroom/internal/pool"
	"warroom/internal/ratelimit"
	"warroom/internal/router"
	"warroom/internal/store"
	"warroom/internal/tracker"
)

// Roles the built-in plans dispatch to.
var KnownRoles = []string{"scout", "architect", "builder", "reviewer", "quartermaster"}

// App wires every component against one workspace database.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Store    *store.Store
	Ledger   *ledger.Ledger
	Metrics  *metrics.Collector
	Monitor  *monitor.Monitor
	Limiter  *ratelimit.Limiter
	Pool     *pool.Pool
	Tracker  tracker.Client
	Router   *router.Router
	Registry *plan.Registry
	Executor *plan.Executor
	Captain  *captain.Captain

	logger *log.Logger
}

// New opens the workspace, applies migrations, resolves config (a config
// imported into the DB wins over the file), and assembles the component
// graph. Callers own Close.
func New(ctx context.Context, workspace string, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if stored, err := config.LoadDB(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	} else if stored != nil {
		cfg = stored
	}

	a := &App{DB: conn, Config: cfg, logger: logger}
	a.Store = store.New(conn)
	a.Ledger = ledger.New(conn, a.Store)
	a.Metrics = metrics.New(conn)

	a.Monitor = monitor.New(monitor.Config{
		Interval:     cfg.Monitor.Interval,
		MaxParallel:  cfg.Monitor.MaxParallel,
		MinParallel:  cfg.Monitor.MinParallel,
		CPUThreshold: cfg.Monitor.CPUThreshold,
		MemThreshold: cfg.Monitor.MemThreshold,
	}, a.Metrics)

	a.Limiter = ratelimit.New(ratelimit.Config{Rate: cfg.RateLimit.Rate, Burst: cfg.RateLimit.Burst})

	a.Router = router.New(router.Config{
		WindowSize:         cfg.Router.WindowSize,
		WarnRate:           cfg.Router.WarnRate,
		CriticalRate:       cfg.Router.CriticalRate,
		CircuitBreakerRate: cfg.Router.CircuitBreakerRate,
		Cooldown:           cfg.Router.Cooldown,
		CloseSuccesses:     cfg.Router.CloseSuccesses,
	}, a.Metrics, logger)
	for _, role := range KnownRoles {
		if err := a.Router.Register(router.Candidate{
			Name:           "local/" + role,
			Capabilities:   []string{role},
			MaxSensitivity: 10,
			TrustLevel:     10,
		}); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if cfg.Tracker.BaseURL != "" {
		a.Pool = pool.New(pool.Config{
			Size:           cfg.Pool.Size,
			AcquireTimeout: cfg.Pool.AcquireTimeout,
			CheckInterval:  cfg.Pool.CheckInterval,
		}, tracker.ConnFactory(cfg.Tracker.BaseURL), logger)
		client := tracker.NewHTTPClient(cfg.Tracker.BaseURL, cfg.Tracker.Destination, a.Pool, a.Limiter)
		client.FailFast = !cfg.RateLimit.Wait
		a.Tracker = client
	}

	reg, err := plan.NewRegistry()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := reg.LoadDir(filepath.Join(workspace, ".warroom", "plans")); err != nil {
		conn.Close()
		return nil, err
	}
	a.Registry = reg

	roles := make(map[string]convoy.RoleFunc, len(KnownRoles))
	for _, role := range KnownRoles {
		roles[role] = a.roleHandler(role)
	}
	a.Executor = plan.NewExecutor(conn, a.Store, convoy.Config{
		StaticMax:   cfg.Scheduler.StaticMax,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		BaseBackoff: time.Duration(cfg.Scheduler.BaseBackoffMS) * time.Millisecond,
		MaxBackoff:  cfg.Scheduler.MaxBackoff,
		FailFast:    !cfg.RateLimit.Wait,
	}, a.Monitor, a.Limiter, a.Metrics, roles, logger)

	a.Captain = captain.New(a.Store, reg, a.Executor, a.Tracker, cfg.Coordinator.AutoExecute, cfg.Coordinator.DefaultPlan, logger)
	return a, nil
}

// roleHandler runs one phase's work item: route to a destination for the
// role, mirror progress to the tracker when one is configured, and report
// the result back into the router's health window.
func (a *App) roleHandler(role string) convoy.RoleFunc {
	return func(ctx context.Context, item domain.WorkItem) (string, error) {
		cand, err := a.Router.Route(ctx, router.Request{Capabilities: []string{role}})
		if err != nil {
			return "", err
		}
		var workErr error
		if a.Tracker != nil && item.IssueRef != "" {
			workErr = a.Tracker.AddComment(ctx, item.IssueRef, fmt.Sprintf("%s completed %s", role, item.Title))
		}
		a.Router.Report(ctx, cand.Name, workErr == nil)
		if workErr != nil {
			return "", workErr
		}
		return fmt.Sprintf("done://%s/%s", cand.Name, item.ID), nil
	}
}

// Close releases held resources.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
