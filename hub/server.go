// Package hub provides a reusable Hub server that can be embedded
// in other binaries.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/agentcom/agentcom/internal/hub/auth"
	"github.com/agentcom/agentcom/internal/hub/backup"
	"github.com/agentcom/agentcom/internal/hub/bus"
	"github.com/agentcom/agentcom/internal/hub/channel"
	"github.com/agentcom/agentcom/internal/hub/config"
	"github.com/agentcom/agentcom/internal/hub/goal"
	"github.com/agentcom/agentcom/internal/hub/httpapi"
	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/hub/mailbox"
	"github.com/agentcom/agentcom/internal/hub/presence"
	"github.com/agentcom/agentcom/internal/hub/ratelimit"
	"github.com/agentcom/agentcom/internal/hub/reaper"
	"github.com/agentcom/agentcom/internal/hub/repo"
	"github.com/agentcom/agentcom/internal/hub/route"
	"github.com/agentcom/agentcom/internal/hub/session"
	"github.com/agentcom/agentcom/internal/hub/task"
	"github.com/agentcom/agentcom/internal/hub/taskroute"
	"github.com/agentcom/agentcom/internal/hub/thread"
	"github.com/agentcom/agentcom/internal/logging"
	"github.com/agentcom/agentcom/internal/metrics"
)

// tableNames are the persistent tables the hub opens at startup, one
// directory per table under the data directory.
var tableNames = []string{
	"config",
	"mailbox",
	"channels",
	"threads",
	"goal_backlog",
	"task_queue",
	"repo_registry",
}

// Server is a reusable Hub server instance.
type Server struct {
	cfg        *config.Config
	server     *http.Server
	shutdownCh chan struct{}

	stores   map[string]*kv.Store
	auth     *auth.Store
	presence *presence.Registry
	mailbox  *mailbox.Mailbox
	backups  *backup.Supervisor
	reaper   *reaper.Reaper
}

// NewServer creates a new Hub server. It opens the persistent tables,
// runs migrations, restores limiter settings, and wires all services.
// Call Serve() to start listening.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	stores := make(map[string]*kv.Store, len(tableNames))
	closeAll := func() {
		for _, st := range stores {
			_ = st.Close()
		}
	}
	sup := backup.New(cfg.BackupDir, cfg.BackupInterval, cfg.BackupKeep)
	for _, name := range tableNames {
		st, err := kv.Open(cfg.DataDir, name)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open table %s: %w", name, err)
		}
		stores[name] = st
		sup.Register(st)
	}

	authStore, err := auth.Load(filepath.Join(cfg.DataDir, "tokens.json"))
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	b := bus.New()
	p := presence.New(b)

	mb, err := mailbox.Open(stores["mailbox"], cfg.MailboxMax, cfg.MailboxTTL)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	ch := channel.Open(stores["channels"], b, cfg.ChannelHistory)
	ix := thread.Open(stores["threads"])
	goals, err := goal.Open(stores["goal_backlog"], b)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("open goal backlog: %w", err)
	}
	tasks := task.Open(stores["task_queue"], b)
	tr := taskroute.New(cfg.PremiumModel)

	limiter := ratelimit.New(cfg.RateLimit)
	settings := config.OpenSettings(stores["config"])
	if err := settings.Apply(limiter); err != nil {
		closeAll()
		return nil, fmt.Errorf("apply limiter settings: %w", err)
	}

	router := route.New(p, mb, ix, b)

	shutdownCh := make(chan struct{})

	mux := http.NewServeMux()
	httpapi.New(httpapi.Deps{
		Auth:       authStore,
		Presence:   p,
		Mailbox:    mb,
		Router:     router,
		Tasks:      tasks,
		Goals:      goals,
		Repos:      repo.Open(stores["repo_registry"]),
		TaskRouter: tr,
		Limiter:    limiter,
		AdminToken: cfg.AdminToken,
	}).Mount(mux)
	mux.Handle("/ws", session.Handler(session.Deps{
		Auth:       authStore,
		Presence:   p,
		Channels:   ch,
		Router:     router,
		Tasks:      tasks,
		TaskRouter: tr,
		Limiter:    limiter,
		Bus:        b,
	}, shutdownCh))
	mux.Handle("/metrics", promhttp.Handler())

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	server := &http.Server{
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		server:     server,
		shutdownCh: shutdownCh,
		stores:     stores,
		auth:       authStore,
		presence:   p,
		mailbox:    mb,
		backups:    sup,
		reaper: reaper.New(reaper.Config{
			Interval:       cfg.ReaperInterval,
			SessionIdle:    cfg.SessionIdle,
			OrphanTimeout:  cfg.OrphanTimeout,
			EndpointMaxAge: cfg.EndpointMaxAge,
		}, p, tasks, tr),
	}, nil
}

// Auth returns the hub's token store for direct access (e.g. for CLI
// token bootstrapping).
func (s *Server) Auth() *auth.Store {
	return s.auth
}

// Serve starts the Hub server and its background loops. It blocks
// until ctx is cancelled, then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.closeStores()
		return fmt.Errorf("listen tcp: %w", err)
	}

	bgCtx, stopBG := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	bg.Add(3)
	go func() { defer bg.Done(); s.backups.Run(bgCtx) }()
	go func() { defer bg.Done(); s.mailbox.RunEviction(bgCtx, s.cfg.MailboxSweep) }()
	go func() { defer bg.Done(); s.reaper.Run(bgCtx) }()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("hub shutting down...")

		// 1. Reject new upgrades and frames.
		close(s.shutdownCh)

		// 2. Tell connected agents to back off before reconnecting.
		s.presence.Broadcast("hub_shutdown", map[string]any{"retry_after_s": 10})

		// 3. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		// 4. Stop the background loops.
		stopBG()

		close(shutdownDone)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	slog.Info("hub listening", "addr", s.cfg.Addr)

	if err := <-errCh; err != http.ErrServerClosed {
		stopBG()
		s.closeStores()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone
	bg.Wait()

	// 5. Flush and close the tables.
	s.closeStores()
	return nil
}

func (s *Server) closeStores() {
	for name, st := range s.stores {
		if err := st.Sync(); err != nil {
			slog.Warn("table sync failed", "table", name, "error", err)
		}
		if err := st.Close(); err != nil {
			slog.Warn("table close failed", "table", name, "error", err)
		}
	}
}
