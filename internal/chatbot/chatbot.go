// Package chatbot is the interactive shell: it wires the configured
// components together and runs the read-eval-print loop over the
// orchestrator.
package chatbot

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"ToolChat/internal/cache"
	"ToolChat/internal/config"
	"ToolChat/internal/gateway"
	"ToolChat/internal/mcp"
	"ToolChat/internal/orchestrator"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
	"ToolChat/internal/tools"
	"ToolChat/internal/tools/csvtools"
)

// ChatBot represents the main application
type ChatBot struct {
	orch        *orchestrator.Orchestrator
	gateway     *gateway.Gateway
	inst        *telemetry.Instrumentation
	mcpRegistry *mcp.ClientRegistry
	logger      *slog.Logger

	in        io.Reader
	out       io.Writer
	sessionID string

	// turnContext derives the context of one turn; the default cancels it
	// on Ctrl-C.
	turnContext func(context.Context) (context.Context, context.CancelFunc)
	closers     []func() error
}

// Components are the parts a ChatBot drives
type Components struct {
	Orchestrator *orchestrator.Orchestrator
	Gateway      *gateway.Gateway
	Inst         *telemetry.Instrumentation
	MCP          *mcp.ClientRegistry
	Logger       *slog.Logger
}

// New creates a ChatBot over already wired components
func New(c Components, in io.Reader, out io.Writer) *ChatBot {
	if c.MCP == nil {
		c.MCP = mcp.NewClientRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &ChatBot{
		orch:        c.Orchestrator,
		gateway:     c.Gateway,
		inst:        c.Inst,
		mcpRegistry: c.MCP,
		logger:      c.Logger,
		in:          in,
		out:         out,
		turnContext: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt)
		},
	}
}

// NewChatBot wires every component from configuration
func NewChatBot(ctx context.Context, cfg config.Config) (*ChatBot, error) {
	logger, logCloser, err := telemetry.InitLogger(telemetry.LoggerOptions{
		Dir:     cfg.Logging.Dir,
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || cfg.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	var closers []func() error
	closers = append(closers, logCloser.Close)
	fail := func(err error) (*ChatBot, error) {
		closeAll(closers)
		return nil, err
	}

	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.Logging.Dir)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize telemetry: %w", err))
	}
	closers = append(closers, func() error { shutdown(); return nil })

	db, err := telemetry.InitDB(cfg.Session.DBPath)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize database: %w", err))
	}
	closers = append(closers, db.Close)

	persister, err := NewPersister(cfg, db)
	if err != nil {
		return fail(err)
	}

	inst := telemetry.NewInstrumentation(
		telemetry.WithLogger(logger),
		telemetry.WithTracer(tracer),
		telemetry.WithMeter(meter),
		telemetry.WithDB(db),
	)

	registry := tools.NewRegistry()
	if err := csvtools.Register(registry, cfg.Data.Dir); err != nil {
		return fail(fmt.Errorf("failed to register data tools: %w", err))
	}

	clients := mcp.Connect(ctx, cfg, logger)
	closers = append(closers, clients.Close)
	for _, name := range clients.Names() {
		client, _ := clients.Get(name)
		n, err := mcp.RegisterTools(ctx, registry, client, logger)
		if err != nil {
			logger.Warn("failed to load tools from MCP server", "server", name, "error", err)
			continue
		}
		logger.Info("loaded tools from MCP server", "server", name, "count", n)
	}

	executor := tools.NewExecutor(registry, inst,
		tools.WithTimeout(cfg.Orchestrator.ToolTimeout),
		tools.WithParallelism(cfg.Orchestrator.ToolParallelism),
		tools.WithCache(cache.New(cfg.Cache.TTL)),
		tools.WithLogger(logger),
	)

	gw, err := gateway.New(cfg.Models, cfg.DefaultModel, inst,
		gateway.WithTimeout(cfg.Orchestrator.ModelTimeout),
		gateway.WithLogger(logger),
	)
	if err != nil {
		return fail(err)
	}

	store := session.NewStore(persister, session.WithLogger(logger))
	orch := orchestrator.New(store, gw, executor, registry, inst,
		orchestrator.OptionsFrom(cfg.Orchestrator),
		orchestrator.WithLogger(logger),
	)

	cb := New(Components{Orchestrator: orch, Gateway: gw, Inst: inst, MCP: clients, Logger: logger}, os.Stdin, os.Stdout)
	cb.closers = closers

	if cfg.SessionID != "" {
		if _, err := orch.Load(ctx, cfg.SessionID); err != nil {
			logger.Warn("failed to load session, creating new one", "session_id", cfg.SessionID, "error", err)
		} else {
			cb.sessionID = cfg.SessionID
		}
	}
	if cb.sessionID == "" {
		cb.sessionID = orch.NewSession()
	}
	return cb, nil
}

// NewPersister opens the session persistence backend named in the configuration
func NewPersister(cfg config.Config, db *sql.DB) (session.Persister, error) {
	switch cfg.Session.Backend {
	case config.StorageSQLite:
		return session.NewSQLiteStore(db), nil
	default:
		fs, err := session.NewFileStore(cfg.Session.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize session directory: %w", err)
		}
		return fs, nil
	}
}

// SessionID returns the active session
func (cb *ChatBot) SessionID() string { return cb.sessionID }

// Switch changes the model of the active session
func (cb *ChatBot) Switch(ctx context.Context, model string) error {
	return cb.orch.Switch(ctx, cb.sessionID, model)
}

// Run reads lines until EOF or /quit. Lines starting with / are commands,
// everything else is sent to the model.
func (cb *ChatBot) Run(ctx context.Context) error {
	model, _ := cb.orch.ActiveModel(cb.sessionID)
	fmt.Fprintln(cb.out, "=== ToolChat ===")
	fmt.Fprintf(cb.out, "Session: %s\n", cb.sessionID)
	fmt.Fprintf(cb.out, "Model: %s\n", model)
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit. Ctrl-C cancels a running turn.")
	fmt.Fprintln(cb.out)

	scanner := bufio.NewScanner(cb.in)
	for {
		fmt.Fprint(cb.out, "You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(cb.out, "Error: %v\n", err)
				cb.logger.Error("command error", "command", input, "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		cb.sendMessage(ctx, input)
	}

	if err := cb.orch.Save(ctx, cb.sessionID); err != nil {
		cb.logger.Error("failed to save session on exit", "error", err)
	}
	fmt.Fprintln(cb.out, "Goodbye!")
	return scanner.Err()
}

func (cb *ChatBot) sendMessage(ctx context.Context, input string) {
	turnCtx, cancel := cb.turnContext(ctx)
	defer cancel()

	fmt.Fprint(cb.out, "Bot: ")
	streamed := false
	res, err := cb.orch.Send(turnCtx, cb.sessionID, input, func(chunk string) {
		streamed = true
		fmt.Fprint(cb.out, chunk)
	})
	if err != nil {
		fmt.Fprintf(cb.out, "\nError: %v\n\n", err)
		cb.logger.Error("failed to send message", "error", err)
		return
	}

	switch {
	case res.Failed():
		if streamed {
			fmt.Fprintln(cb.out)
		}
		fmt.Fprint(cb.out, res.Answer)
	case !streamed:
		fmt.Fprint(cb.out, res.Answer)
	}
	fmt.Fprint(cb.out, "\n\n")
}

// Close releases MCP servers, the database and the log file
func (cb *ChatBot) Close() error {
	return closeAll(cb.closers)
}

func closeAll(closers []func() error) error {
	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
