// Package daemon wires the subsystems together and owns process
// lifecycle: config, PID file, signal-driven shutdown.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/agentctl/hub/internal/acceptance"
	"github.com/agentctl/hub/internal/auth"
	"github.com/agentctl/hub/internal/config"
	"github.com/agentctl/hub/internal/core"
	"github.com/agentctl/hub/internal/events"
	"github.com/agentctl/hub/internal/launcher"
	"github.com/agentctl/hub/internal/metrics"
	"github.com/agentctl/hub/internal/server"
	"github.com/agentctl/hub/internal/sla"
	"github.com/agentctl/hub/internal/store"
	"github.com/agentctl/hub/internal/task"
	"github.com/agentctl/hub/internal/trust"
)

// Daemon owns every subsystem for one hub process.
type Daemon struct {
	base   string
	logger *log.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config

	bus       *events.Bus
	messages  *store.MessageStore
	journal   *store.HandoffJournal
	knowledge *store.KnowledgeStore
	trust     *trust.Store
	tasks     *task.Engine
	reports   *sla.ReportStore
	scheduler *sla.Scheduler
	launcher  *launcher.Launcher
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	server    *server.Server

	unsubscribe []func()
	startedAt   time.Time
}

// commandTimeout bounds each run_command; a hung command must not
// stall the acceptance gate.
const commandTimeout = 30 * time.Second

// shellRunner executes run_commands in a task's workspace through the
// system shell. The council pipeline sits behind the same interface.
type shellRunner struct{}

func (shellRunner) Run(ctx context.Context, workspacePath, command string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workspacePath
	return cmd.Run()
}

// New builds a daemon rooted at the conventional base directory.
func New() (*Daemon, error) {
	base := config.BaseDir()
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("base dir: %w", err)
	}

	d := &Daemon{
		base:      base,
		logger:    log.New(log.Writer(), "[DAEMON] ", log.LstdFlags),
		startedAt: time.Now(),
	}

	cfg, err := config.Load(config.Path(base))
	if err != nil {
		return nil, err
	}
	d.cfg = cfg
	for _, a := range cfg.Accounts {
		if _, err := auth.EnsureToken(base, a.Name); err != nil {
			return nil, fmt.Errorf("token for %s: %w", a.Name, err)
		}
	}

	secret, err := acceptance.LoadSecret(base)
	if err != nil {
		return nil, err
	}

	d.bus = events.NewBus()
	if d.messages, err = store.NewMessageStore(base); err != nil {
		return nil, err
	}
	if d.journal, err = store.NewHandoffJournal(base); err != nil {
		return nil, err
	}
	if d.knowledge, err = store.OpenKnowledgeStore(filepath.Join(base, "knowledge.db")); err != nil {
		return nil, err
	}
	if d.trust, err = trust.NewStore(base); err != nil {
		return nil, err
	}

	d.tasks, err = task.NewEngine(task.Config{
		BaseDir:   base,
		Bus:       d.bus,
		Messages:  d.messages,
		Journal:   d.journal,
		Issuer:    acceptance.NewIssuer(secret, "hub"),
		Runner:    shellRunner{},
		Knowledge: d.knowledge,
		MaxDepth:  cfg.Delegation.MaxDepth,
	})
	if err != nil {
		return nil, err
	}

	d.launcher = launcher.New(launcherConfig(cfg))
	d.reports = sla.NewReportStore(d.bus)

	checker := sla.NewChecker(d.tasks, d.reports, d.trust)
	interval := time.Duration(cfg.SLA.ScanIntervalSeconds) * time.Second
	d.scheduler = sla.NewScheduler(checker, interval, d.applyRecommendations)

	d.registry = prometheus.NewRegistry()
	d.metrics = metrics.NewMetrics(d.registry)

	d.wireSubscriptions()

	d.server = server.New(server.Deps{
		BaseDir:   base,
		Config:    d.currentConfig,
		Reload:    d.reloadConfig,
		Bus:       d.bus,
		Messages:  d.messages,
		Journal:   d.journal,
		Tasks:     d.tasks,
		Reports:   d.reports,
		Checker:   checker,
		Trust:     d.trust,
		Launcher:  d.launcher,
		Knowledge: d.knowledge,
		Metrics:   d.metrics,
		StartedAt: d.startedAt,
	})
	return d, nil
}

func launcherConfig(cfg *config.Config) launcher.Config {
	lc := launcher.DefaultConfig()
	if cfg.Launcher.MaxSpawnsPerMinute > 0 {
		lc.MaxSpawnsPerMinute = cfg.Launcher.MaxSpawnsPerMinute
	}
	if cfg.Launcher.DeduplicationWindowMs > 0 {
		lc.DeduplicationWindow = time.Duration(cfg.Launcher.DeduplicationWindowMs) * time.Millisecond
	}
	if cfg.Launcher.FailureThreshold > 0 {
		lc.FailureThreshold = cfg.Launcher.FailureThreshold
	}
	if cfg.Launcher.CooldownMs > 0 {
		lc.Cooldown = time.Duration(cfg.Launcher.CooldownMs) * time.Millisecond
	}
	if cfg.Launcher.SelfHandoffBlocked != nil {
		lc.SelfHandoffBlocked = *cfg.Launcher.SelfHandoffBlocked
	}
	return lc
}

// wireSubscriptions connects the bus to trust updates, metrics and
// knowledge indexing.
func (d *Daemon) wireSubscriptions() {
	d.unsubscribe = append(d.unsubscribe,
		d.bus.Subscribe(events.Wildcard, func(ev events.Event) {
			d.metrics.EventsEmitted.WithLabelValues(ev.Type).Inc()
		}),

		d.bus.Subscribe(events.TaskCompleted, func(ev events.Event) {
			assignee, _ := ev.Data["assignee"].(string)
			accepted, _ := ev.Data["accepted"].(bool)
			compliant, _ := ev.Data["slaCompliant"].(bool)
			duration, _ := ev.Data["durationMinutes"].(float64)
			if assignee == "" {
				return
			}
			if err := d.trust.RecordCompletion(assignee, accepted, compliant, duration); err != nil {
				d.logger.Printf("trust update for %s: %v", assignee, err)
			}
		}),

		d.bus.Subscribe(events.TaskVerified, func(ev events.Event) {
			d.indexTaskEvent(ev)
		}),

		// Session bookkeeping: one row per account, touched when its
		// connection ends.
		d.bus.Subscribe(events.ConnectionClosed, func(ev events.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := d.knowledge.SaveSession(ctx, store.Session{
				ID:      "conn-" + ev.Subject,
				Name:    ev.Subject + " socket session",
				Account: ev.Subject,
			})
			if err != nil {
				d.logger.Printf("session bookkeeping for %s: %v", ev.Subject, err)
			}
		}),
	)
}

func (d *Daemon) indexTaskEvent(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.knowledge.Index(ctx, store.KnowledgeEntry{
		ID:       ev.ID,
		Category: store.CategoryTaskEvent,
		Title:    ev.Type + " " + ev.Subject,
		Content:  ev.String(),
	})
	if err != nil {
		d.logger.Printf("knowledge index for event %s: %v", ev.ID, err)
	}
}

// applyRecommendations handles periodic scan findings: escalations are
// recorded against the task, pings go to the assignee's inbox.
func (d *Daemon) applyRecommendations(recs []sla.Recommendation) {
	for _, rec := range recs {
		switch rec.Action {
		case sla.ActionEscalate:
			d.tasks.MarkEscalated(rec.TaskID)
			d.logger.Printf("escalating task %s (%s)", rec.TaskID, rec.Reason)
		case sla.ActionPing:
			d.pingAssignee(rec)
		default:
			d.logger.Printf("recommend %s for task %s (%s)", rec.Action, rec.TaskID, rec.Reason)
		}
	}
}

func (d *Daemon) pingAssignee(rec sla.Recommendation) {
	err := d.messages.Append(core.Message{
		ID:        "sla-ping-" + rec.TaskID + "-" + strconv.FormatInt(time.Now().Unix(), 10),
		From:      "hub",
		To:        rec.Assignee,
		Kind:      core.KindMessage,
		Content:   fmt.Sprintf("task %s looks stale: %s", rec.TaskID, rec.Reason),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		d.logger.Printf("sla ping to %s: %v", rec.Assignee, err)
	}
}

func (d *Daemon) currentConfig() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

func (d *Daemon) reloadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Path(d.base))
	if err != nil {
		return nil, err
	}
	for _, a := range cfg.Accounts {
		if _, err := auth.EnsureToken(d.base, a.Name); err != nil {
			return nil, err
		}
	}
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
	d.logger.Printf("config reloaded: %d account(s)", len(cfg.Accounts))
	return cfg, nil
}

// PIDPath returns the conventional pid-file location.
func PIDPath(baseDir string) string {
	return filepath.Join(baseDir, "daemon.pid")
}

func (d *Daemon) writePID() error {
	return store.WriteFileAtomic(PIDPath(d.base), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}

// Run starts everything and blocks until ctx is canceled, then shuts
// down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.writePID(); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	defer os.Remove(PIDPath(d.base))

	if err := d.server.Start(); err != nil {
		return err
	}
	d.scheduler.Start()
	d.logger.Printf("hub daemon up (pid %d, base %s)", os.Getpid(), d.base)

	g, gctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if d.currentConfig().FeatureEnabled("metrics") {
		addr := os.Getenv("HUB_METRICS_ADDR")
		if addr == "" {
			addr = "127.0.0.1:9464"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: addr, Handler: mux}
		g.Go(func() error {
			d.logger.Printf("metrics on http://%s/metrics", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		d.shutdown(metricsSrv)
		return nil
	})

	err := g.Wait()
	d.logger.Printf("hub daemon stopped")
	return err
}

func (d *Daemon) shutdown(metricsSrv *http.Server) {
	d.scheduler.Stop()
	d.server.Stop()
	for _, unsub := range d.unsubscribe {
		unsub()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(ctx)
	}
	if err := d.knowledge.Close(); err != nil {
		d.logger.Printf("closing knowledge store: %v", err)
	}
}
