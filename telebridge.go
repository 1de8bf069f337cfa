// Package telebridge wires the bridge together: engine backends behind
// a router, the Telegram transport, persistent thread state, and the
// orchestrator that turns messages into agent runs.
//
//	cfg, err := config.Load(path)
//	app, err := telebridge.New(cfg)
//	err = app.Run(ctx)
package telebridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/telebridge/telebridge/internal/config"
	"github.com/telebridge/telebridge/internal/engine"
	"github.com/telebridge/telebridge/internal/engine/claude"
	"github.com/telebridge/telebridge/internal/engine/codex"
	"github.com/telebridge/telebridge/internal/engine/mock"
	"github.com/telebridge/telebridge/internal/engine/opencode"
	"github.com/telebridge/telebridge/internal/engine/pi"
	"github.com/telebridge/telebridge/internal/history"
	"github.com/telebridge/telebridge/internal/httpapi"
	"github.com/telebridge/telebridge/internal/locks"
	"github.com/telebridge/telebridge/internal/orchestrator"
	"github.com/telebridge/telebridge/internal/runner"
	"github.com/telebridge/telebridge/internal/scheduler"
	"github.com/telebridge/telebridge/internal/state"
	"github.com/telebridge/telebridge/internal/telegram"
	"github.com/telebridge/telebridge/internal/transport"
)

// App is a fully wired bridge instance.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	client   *telegram.Client
	router   *runner.Router
	orch     *orchestrator.Orchestrator
	history  *history.Store
	debugSrv *http.Server
}

// New builds the App from a validated config.
func New(cfg *config.Config) (*App, error) {
	log := newLogger(cfg.Debug)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	registry := locks.NewRegistry()
	router := buildRouter(cfg, registry, log)
	if err := router.Validate(); err != nil {
		return nil, err
	}

	client, err := telegram.New(telegram.Options{
		Token:   cfg.BotToken,
		Allowed: cfg.ChatAllowed,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	store, err := history.New(cfg.HistoryDBPath())
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}

	orch := orchestrator.New(orchestrator.Options{
		Router:          router,
		Transport:       client,
		Topics:          state.NewTopics(cfg.TopicsStatePath(), log),
		Sessions:        state.NewChatSessions(cfg.ChatSessionsStatePath(), log),
		Scheduler:       scheduler.New(),
		History:         store,
		Logger:          log,
		Projects:        cfg.Projects,
		DefaultProject:  cfg.DefaultProject,
		ChatSessionMode: cfg.SessionMode == config.SessionModeChat,
		FinalNotify:     cfg.FinalNotify,
		ShowResumeLine:  cfg.ShowResumeLine(),
		AnswerCallback:  client.AnswerCallback,
		CreateTopic:     client.CreateTopic,
	})
	client.SetHandler(orch)

	app := &App{
		cfg:     cfg,
		log:     log,
		client:  client,
		router:  router,
		orch:    orch,
		history: store,
	}
	if cfg.DebugAddr != "" {
		handler := httpapi.New(store, app.activeRuns, log)
		app.debugSrv = &http.Server{Addr: cfg.DebugAddr, Handler: handler.Router()}
	}
	return app, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildRouter registers every configured engine. Engines whose binary
// is missing stay registered as unavailable so /help can say why.
func buildRouter(cfg *config.Config, registry *locks.Registry, log *slog.Logger) *runner.Router {
	router := runner.NewRouter(cfg.DefaultEngine)

	add := func(backend engine.Backend, path string) {
		available, issue := binaryStatus(path)
		router.Add(runner.NewSubprocess(backend, registry, log), available, issue)
	}
	add(codex.New(codex.Options{
		Path:      cfg.Engines.Codex.Command,
		Profile:   cfg.Engines.Codex.Profile,
		ExtraArgs: cfg.Engines.Codex.ExtraArgs,
	}), orDefault(cfg.Engines.Codex.Command, "codex"))
	add(claude.New(claude.Options{
		Path:            cfg.Engines.Claude.Command,
		Model:           cfg.Engines.Claude.Model,
		AllowedTools:    cfg.Engines.Claude.AllowedTools,
		SkipPermissions: cfg.Engines.Claude.SkipPermissions,
	}), orDefault(cfg.Engines.Claude.Command, "claude"))
	add(opencode.New(opencode.Options{
		Path:  cfg.Engines.Opencode.Command,
		Model: cfg.Engines.Opencode.Model,
	}), orDefault(cfg.Engines.Opencode.Command, "opencode"))
	add(pi.New(pi.Options{
		Path:      cfg.Engines.Pi.Command,
		Model:     cfg.Engines.Pi.Model,
		Provider:  cfg.Engines.Pi.Provider,
		ExtraArgs: cfg.Engines.Pi.ExtraArgs,
	}), orDefault(cfg.Engines.Pi.Command, "pi"))

	// `serve --engine mock` implies the mock even when the config
	// leaves it off.
	if cfg.Engines.Mock.Enabled || cfg.DefaultEngine == "mock" {
		router.Add(mock.New(registry, mock.Options{Answer: cfg.Engines.Mock.Answer}), true, "")
	}
	return router
}

func orDefault(path, fallback string) string {
	if path != "" {
		return path
	}
	return fallback
}

func binaryStatus(path string) (bool, string) {
	if _, err := exec.LookPath(path); err != nil {
		return false, fmt.Sprintf("%s not found on PATH", path)
	}
	return true, ""
}

func (a *App) activeRuns() []httpapi.ActiveRun {
	active := a.orch.Active()
	out := make([]httpapi.ActiveRun, 0, len(active))
	for _, run := range active {
		out = append(out, httpapi.ActiveRun{
			Engine:    run.Engine,
			ChatID:    run.Ref.ChatID,
			MessageID: run.Ref.MessageID,
			Resume:    run.Resume,
			StartedAt: run.StartedAt,
		})
	}
	return out
}

// Run announces startup and long-polls until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.publishCommands(ctx); err != nil {
		a.log.Warn("publish command menu", "err", err)
	}
	if err := a.announceStartup(ctx); err != nil {
		return fmt.Errorf("reach home chat: %w", err)
	}

	if a.debugSrv != nil {
		go func() {
			a.log.Info("debug API listening", "addr", a.debugSrv.Addr)
			if err := a.debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Error("debug API", "err", err)
			}
		}()
	}

	a.log.Info("bridge running",
		"default_engine", a.router.Default(),
		"available", a.router.Available())
	a.client.Start(ctx)
	return nil
}

func (a *App) close() {
	if a.debugSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.debugSrv.Shutdown(shutdownCtx)
		cancel()
	}
	a.client.Close()
	if err := a.history.Close(); err != nil {
		a.log.Warn("close run history", "err", err)
	}
}

func (a *App) publishCommands(ctx context.Context) error {
	commands := map[string]string{
		"help":    "list commands and engines",
		"cancel":  "reply to a progress message to stop its run",
		"default": "show or set this thread's default engine",
		"new":     "open a topic bound to a project",
	}
	order := []string{"help", "cancel", "default", "new"}
	for _, name := range a.router.Names() {
		commands[name] = "run the prompt with " + name
		order = append(order, name)
	}
	return a.client.SetCommands(ctx, commands, order)
}

func (a *App) announceStartup(ctx context.Context) error {
	var b strings.Builder
	fmt.Fprintf(&b, "telebridge is up · default engine `%s`", a.router.Default())
	if avail := a.router.Available(); len(avail) > 0 {
		fmt.Fprintf(&b, "\navailable: %s", strings.Join(avail, ", "))
	}
	_, err := a.client.Send(ctx, a.cfg.ChatID, 0, b.String(), transport.SendOptions{})
	return err
}
