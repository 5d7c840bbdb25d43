// Package app constructs, wires and shuts down every treehouse component and exposes the
// operation surface to the desktop bindings, the websocket server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"treehouse/internal/agent"
	"treehouse/internal/apperr"
	"treehouse/internal/config"
	"treehouse/internal/eventhub"
	"treehouse/internal/git"
	"treehouse/internal/logging"
	"treehouse/internal/merge"
	"treehouse/internal/metrics"
	"treehouse/internal/model"
	"treehouse/internal/process"
	"treehouse/internal/pty"
	"treehouse/internal/registry"
	"treehouse/internal/store"
	"treehouse/internal/transcript"
)

// Version is stamped at build time with -ldflags "-X treehouse/internal/app.Version=...".
var Version = "dev"

const transcriptLevel = 3

var errNotStarted = apperr.E(apperr.KindCrash, "treehouse is not started")

type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Spawner launches agent processes. Defaults to real OS processes.
	Spawner process.Spawner
	// Store overrides the backend selected by Config.Store.
	Store store.Store
}

// App owns every component. Operations are reached through Dispatch or Ops.
type App struct {
	opts   Options
	cfg    *config.Config
	logger *slog.Logger
	ctx    context.Context

	hub         *eventhub.Hub
	git         *git.Runner
	store       store.Store
	registry    *registry.Registry
	transcripts *transcript.Store
	agents      *agent.Supervisor
	ptys        *pty.Manager
	merger      *merge.Coordinator
	watcher     *git.StatusWatcher

	methods  map[string]handler
	ops      *Bindings
	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New returns an unstarted App. Start must succeed before any operation is served.
func New(opts Options) *App {
	a := &App{
		opts:   opts,
		cfg:    opts.Config,
		logger: logging.OrDiscard(opts.Logger),
		ctx:    context.Background(),
	}
	a.methods = a.routes()
	a.ops = &Bindings{app: a}
	return a
}

// Ops returns the operation surface, the only value the desktop runtime binds.
func (a *App) Ops() *Bindings {
	return a.ops
}

// Start builds the components, loads the registry and connects the teardown and status
// feeds. ctx becomes the context of operations invoked through the bound methods.
func (a *App) Start(ctx context.Context) error {
	if a.cfg == nil {
		return errors.New("app: no configuration")
	}
	if a.started.Load() {
		return nil
	}
	a.ctx = ctx
	cfg := a.cfg
	metrics.Init()

	a.hub = eventhub.New(a.logger)
	a.git = git.NewRunner(a.logger)

	st := a.opts.Store
	if st == nil {
		var err error
		if st, err = store.Open(cfg.Store); err != nil {
			return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
		}
	}
	a.store = st

	a.registry = registry.New(a.git, registry.Options{Store: st, Logger: a.logger})
	if err := a.registry.Load(ctx); err != nil {
		st.Close()
		return err
	}

	transcripts, err := transcript.New(cfg.TranscriptDir, transcriptLevel)
	if err != nil {
		st.Close()
		return fmt.Errorf("open transcripts: %w", err)
	}
	a.transcripts = transcripts

	spawner := a.opts.Spawner
	if spawner == nil {
		spawner = process.ExecSpawner{}
	}
	a.agents = agent.NewSupervisor(spawner, a.hub, agent.Options{
		Binary:     cfg.Agent.Binary,
		ExtraArgs:  cfg.Agent.ExtraArgs,
		KillGrace:  cfg.Agent.KillGrace,
		StderrTail: cfg.Agent.StderrTail,
		Archiver:   transcripts,
		OnStatus:   a.agentStatusChanged,
		Logger:     a.logger,
	})

	a.ptys = pty.NewManager(a.hub, pty.Options{
		Shell:  cfg.Terminal.Shell,
		Cols:   cfg.Terminal.Cols,
		Rows:   cfg.Terminal.Rows,
		Logger: a.logger,
	})
	a.merger = merge.NewCoordinator(a.git, a.registry, a.logger)
	a.watcher = git.NewStatusWatcher(a.git, a.hub, cfg.Watcher.Debounce, a.logger)

	a.registry.OnTeardown(a.teardownSession)

	a.started.Store(true)
	a.logger.Info("treehouse started", "version", Version, "store", cfg.Store.Backend,
		"workspaces", len(a.registry.ListWorkspaces()))
	return nil
}

// agentStatusChanged mirrors agent activity onto the session record. Agents may run for
// ids the registry does not know, so NotFound is expected.
func (a *App) agentStatusChanged(sessionID string, status model.SessionStatus) {
	err := a.registry.SetSessionStatus(a.ctx, sessionID, status)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		a.logger.Warn("failed to record agent status", "session", sessionID, "status", status, "error", err)
	}
}

func (a *App) teardownSession(s model.Session) {
	a.agents.Destroy(s.ID)
	if n := a.ptys.DestroySession(s.ID); n > 0 {
		a.logger.Debug("terminals closed", "session", s.ID, "count", n)
	}
	a.watcher.Unwatch(s.ID)
	if err := a.transcripts.DeleteSession(s.ID); err != nil {
		a.logger.Warn("failed to delete transcripts", "session", s.ID, "error", err)
	}
}

// Hub returns the event router, for transports that push events.
func (a *App) Hub() *eventhub.Hub {
	return a.hub
}

// AttachBroadcaster forwards every event to b until the returned function is called.
func (a *App) AttachBroadcaster(b eventhub.Broadcaster) (detach func()) {
	id := a.hub.Subscribe(eventhub.Filter{}, eventhub.BroadcastSink{B: b})
	return func() { a.hub.Unsubscribe(id) }
}

// Shutdown stops agents and terminals, then closes the stores. Later calls return the
// first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		if !a.started.Load() {
			return
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.agents.ShutdownAll(gctx) })
		g.Go(func() error {
			a.ptys.CloseAll()
			return nil
		})
		g.Go(func() error {
			a.watcher.Close()
			return nil
		})
		err := g.Wait()

		a.hub.Close()
		a.transcripts.Close()
		if cerr := a.store.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		a.started.Store(false)
		a.stopErr = err
		a.logger.Info("treehouse stopped")
	})
	return a.stopErr
}
