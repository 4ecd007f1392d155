// ABOUTME: Entry point for the warren chat-agent daemon
// ABOUTME: Wires the store, queue, scheduler, mailbox, and router together

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/warrenhq/warren/internal/adapter"
	"github.com/warrenhq/warren/internal/config"
	"github.com/warrenhq/warren/internal/container"
	"github.com/warrenhq/warren/internal/mailbox"
	"github.com/warrenhq/warren/internal/queue"
	"github.com/warrenhq/warren/internal/router"
	"github.com/warrenhq/warren/internal/scheduler"
	"github.com/warrenhq/warren/internal/store"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

const banner = `
__      ____ _ _ __ _ __ ___ _ __
\ \ /\ / / _' | '__| '__/ _ \ '_ \
 \ V  V / (_| | |  | | |  __/ | | |
  \_/\_/ \__,_|_|  |_|  \___|_| |_|
`

// getConfigPath returns the path to the warren config file.
// Priority: WARREN_CONFIG env var > XDG_CONFIG_HOME/warren/warren.yaml > ~/.config/warren/warren.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARREN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "warren.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "warren", "warren.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: warren <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the daemon")
		fmt.Println("  init      Write a default config file")
		fmt.Println("  health    Check container runtime and database")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.DatabasePath())
	green.Print("    ▶ ")
	fmt.Printf("Groups:    %s\n", cfg.Data.GroupsDir)
	green.Print("    ▶ ")
	fmt.Printf("Runtime:   %s (%s)\n", cfg.Container.Binary, cfg.Container.Image)
	fmt.Println()

	logger.Info("starting warren",
		"config", configPath,
		"assistant", cfg.Assistant.Name,
		"max_concurrent", cfg.Queue.MaxConcurrent,
	)

	for _, dir := range []string{cfg.Data.Dir, cfg.Data.GroupsDir, cfg.IPCDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}

	st, err := store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	registry := adapter.NewRegistry()
	q := queue.New(cfg.Queue.MaxConcurrent)

	r := router.New(cfg, st, q, registry)
	q.SetHandler(r.HandleGroup)

	if rt := r.Runtime(); rt != nil {
		if err := rt.CheckRuntime(ctx); err != nil {
			return fmt.Errorf("container runtime unavailable: %w", err)
		}
		rt.CleanupStale(ctx)
	}

	if err := r.LoadState(ctx); err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	r.Recover(ctx)

	sched := scheduler.New(st, r, cfg.Poll.Tasks, cfg.Location())
	ingest := mailbox.New(mailbox.Config{
		IPCDir:        cfg.IPCDir(),
		MainFolder:    cfg.Assistant.MainFolder,
		AssistantName: cfg.Assistant.Name,
		Interval:      cfg.Poll.Mailbox,
		Location:      cfg.Location(),
	}, registry, r, st)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		r.RunMessageLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		ingest.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutting down", "grace", cfg.Queue.ShutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownGrace)
	defer cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue shutdown incomplete", "error", err)
	}

	wg.Wait()
	logger.Info("stopped")
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	rt := container.NewRuntime(cfg.Container, cfg.Data.GroupsDir, cfg.IPCDir(), nil)
	if err := rt.CheckRuntime(ctx); err != nil {
		return fmt.Errorf("container runtime: %w", err)
	}
	fmt.Printf("container runtime: ok (%s)\n", cfg.Container.Binary)

	st, err := store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer st.Close()
	if _, err := st.GetAllRegisteredGroups(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	fmt.Printf("database: ok (%s)\n", cfg.DatabasePath())

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	content := `# warren configuration
# Generated by warren init

assistant:
  name: "Andy"
  main_folder: "main"

data:
  dir: "data"
  groups_dir: "groups"

poll:
  messages: "2s"
  mailbox: "1s"
  tasks: "30s"

container:
  binary: "docker"
  image: "warren-agent:latest"
  name_prefix: "warren"
  memory: "2g"
  cpus: "2"
  timeout: "30m"

queue:
  max_concurrent: 3
  shutdown_grace: "30s"

scheduler:
  timezone: "UTC"

logging:
  level: "info"
  format: "text"
`

	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Config written to %s\n", configPath)
	fmt.Println("\nTo start the daemon:")
	fmt.Println("  warren serve")
	return nil
}

func setupLogger(cfg config.Logging) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
