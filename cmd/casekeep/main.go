// Command casekeep inspects and serves the save slots of the investigation
// game.
//
// Usage:
//
//	casekeep [-config path] list   -case ID -player ID
//	casekeep [-config path] show   -case ID -player ID -slot ID
//	casekeep [-config path] verify -case ID -player ID
//	casekeep [-config path] delete -case ID -player ID -slot ID
//	casekeep [-config path] new    -case ID -player ID [-slot ID] [-start LOC]
//	casekeep [-config path] serve
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/casekeep/internal/api"
	"github.com/MrWong99/casekeep/internal/app"
	"github.com/MrWong99/casekeep/internal/config"
	"github.com/MrWong99/casekeep/internal/health"
	"github.com/MrWong99/casekeep/internal/observe"
	"github.com/MrWong99/casekeep/internal/slotstore"
)

const defaultConfigPath = "config.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("casekeep", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to the YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: casekeep [-config path] <list|show|verify|delete|new|serve> [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, loaded, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "casekeep: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(stderr, level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if cmd == "serve" {
		watchPath := ""
		if loaded {
			watchPath = *configPath
		}
		return serve(ctx, cfg, watchPath, level, stderr)
	}

	engine, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "casekeep: %v\n", err)
		return 1
	}
	defer func() {
		if err := engine.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("engine close error", "err", err)
		}
	}()

	c := &cli{engine: engine, stdout: stdout, stderr: stderr}
	switch cmd {
	case "list":
		return c.list(ctx, cmdArgs)
	case "show":
		return c.show(ctx, cmdArgs)
	case "verify":
		return c.verify(ctx, cmdArgs)
	case "delete":
		return c.delete(ctx, cmdArgs)
	case "new":
		return c.newGame(ctx, cmdArgs)
	default:
		fmt.Fprintf(stderr, "casekeep: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
}

// loadConfig reads path. A missing file at the default path yields the
// built-in defaults; loaded reports whether a file was read.
func loadConfig(path string) (cfg *config.Config, loaded bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
		return config.Default(), false, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("config file %q not found", path)
	default:
		return nil, false, err
	}
}

// ── Slot commands ─────────────────────────────────────────────────────────────

type cli struct {
	engine *app.Engine
	stdout io.Writer
	stderr io.Writer
}

// slotFlags parses the -case, -player and optionally -slot flags of a
// subcommand.
type slotFlags struct {
	caseID, playerID, slotID string
	start                    string
}

func (c *cli) parse(name string, args []string, needSlot bool, extra func(*flag.FlagSet, *slotFlags)) (*slotFlags, bool) {
	sf := &slotFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.StringVar(&sf.caseID, "case", "", "case id")
	fs.StringVar(&sf.playerID, "player", "", "player id")
	if needSlot {
		fs.StringVar(&sf.slotID, "slot", "", "slot id ("+slotList()+")")
	}
	if extra != nil {
		extra(fs, sf)
	}
	if err := fs.Parse(args); err != nil {
		return nil, false
	}
	if sf.caseID == "" || sf.playerID == "" || (needSlot && sf.slotID == "") {
		fmt.Fprintf(c.stderr, "casekeep %s: -case, -player", name)
		if needSlot {
			fmt.Fprint(c.stderr, " and -slot")
		}
		fmt.Fprintln(c.stderr, " are required")
		return nil, false
	}
	return sf, true
}

func slotList() string { return strings.Join(slotstore.SlotIDs, ", ") }

func (c *cli) list(ctx context.Context, args []string) int {
	sf, ok := c.parse("list", args, false, nil)
	if !ok {
		return 2
	}
	metas, err := c.engine.ListSlots(ctx, sf.caseID, sf.playerID)
	if err != nil {
		fmt.Fprintf(c.stderr, "casekeep list: %v\n", err)
		return 1
	}
	if len(metas) == 0 {
		fmt.Fprintln(c.stdout, "no saves")
		return 0
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tSAVED\tLOCATION\tEVIDENCE\tWITNESSES\tPROGRESS\tNAME")
	for _, m := range metas {
		if m.Corrupt {
			fmt.Fprintf(tw, "%s\t(corrupt)\t\t\t\t\t\n", m.SlotID)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d%%\t%s\n",
			m.SlotID, m.Timestamp.Local().Format(time.DateTime), m.Location,
			m.EvidenceCount, m.WitnessesInterrogated, m.ProgressPercent, m.CustomName)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}

func (c *cli) show(ctx context.Context, args []string) int {
	sf, ok := c.parse("show", args, true, nil)
	if !ok {
		return 2
	}
	res, err := c.engine.Load(ctx, sf.caseID, sf.playerID, sf.slotID)
	if err != nil {
		fmt.Fprintf(c.stderr, "casekeep show: %v\n", err)
		return 1
	}
	if res == nil {
		fmt.Fprintf(c.stderr, "casekeep show: slot %s is empty\n", sf.slotID)
		return 1
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintf(c.stderr, "casekeep show: %v\n", err)
		return 1
	}
	return 0
}

// verify loads every slot and reports its outcome. It exits non-zero when a
// slot is unrecoverable.
func (c *cli) verify(ctx context.Context, args []string) int {
	sf, ok := c.parse("verify", args, false, nil)
	if !ok {
		return 2
	}
	code := 0
	for _, slot := range slotstore.SlotIDs {
		res, err := c.engine.Load(ctx, sf.caseID, sf.playerID, slot)
		switch {
		case err != nil:
			fmt.Fprintf(c.stdout, "%-10s FAIL  %v\n", slot, err)
			code = 1
		case res == nil:
			fmt.Fprintf(c.stdout, "%-10s empty\n", slot)
		default:
			fmt.Fprintf(c.stdout, "%-10s %s\n", slot, res.Outcome)
			for _, v := range res.Violations {
				fmt.Fprintf(c.stdout, "           - %s\n", v)
			}
		}
	}
	return code
}

func (c *cli) delete(ctx context.Context, args []string) int {
	sf, ok := c.parse("delete", args, true, nil)
	if !ok {
		return 2
	}
	res, err := c.engine.DeleteSlot(ctx, sf.caseID, sf.playerID, sf.slotID)
	if err != nil {
		fmt.Fprintf(c.stderr, "casekeep delete: %v\n", err)
		return 1
	}
	if res.Existed {
		fmt.Fprintf(c.stdout, "deleted %s\n", sf.slotID)
	} else {
		fmt.Fprintf(c.stdout, "%s was already empty\n", sf.slotID)
	}
	return 0
}

func (c *cli) newGame(ctx context.Context, args []string) int {
	sf, ok := c.parse("new", args, false, func(fs *flag.FlagSet, sf *slotFlags) {
		fs.StringVar(&sf.slotID, "slot", slotstore.Slot1, "slot id to write")
		fs.StringVar(&sf.start, "start", "", "start location (default: from the case catalog)")
	})
	if !ok {
		return 2
	}
	st, err := c.engine.NewGame(sf.caseID, sf.playerID, sf.start)
	if err != nil {
		fmt.Fprintf(c.stderr, "casekeep new: %v\n", err)
		return 1
	}
	res, err := c.engine.Save(ctx, st, sf.slotID, "")
	if err != nil {
		fmt.Fprintf(c.stderr, "casekeep new: %v\n", err)
		return 1
	}
	fmt.Fprintf(c.stdout, "new game %s saved to %s at %s\n", st.StateID, res.SlotID, st.CurrentLocation)
	return 0
}

// ── Server ────────────────────────────────────────────────────────────────────

func serve(ctx context.Context, cfg *config.Config, watchPath string, level *slog.LevelVar, stderr io.Writer) int {
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		fmt.Fprintf(stderr, "casekeep: init telemetry: %v\n", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	engine, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise engine", "err", err)
		return 1
	}

	if watchPath != "" {
		w, err := config.NewWatcher(watchPath, func(old, new *config.Config) {
			applyConfigChange(level, config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	mux := http.NewServeMux()
	health.New(health.PingChecker("storage", engine.Store().Backend())).Register(mux)
	api.New(engine).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(stderr, cfg)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	code := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		if err != nil {
			slog.Error("http server error", "err", err)
			code = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := engine.Close(shutdownCtx); err != nil {
		slog.Error("engine close error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// applyConfigChange applies the hot-reloadable parts of a config change and
// warns about the rest.
func applyConfigChange(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AutosaveChanged || d.GameplayChanged {
		slog.Warn("autosave and gameplay changes apply to engines started after the change")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes require a restart", "fields", d.RestartRequired)
	}
}

func printStartupSummary(w io.Writer, cfg *config.Config) {
	autosave := "(disabled)"
	if cfg.Autosave.IsEnabled() {
		autosave = "every " + cfg.Autosave.Debounce.String()
	}
	cases := cfg.Cases.Path
	if cases == "" {
		cases = "(none)"
	}
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        casekeep, startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Storage         : %-19s ║\n", truncate(string(cfg.Storage.Backend)))
	fmt.Fprintf(w, "║  Autosave        : %-19s ║\n", truncate(autosave))
	fmt.Fprintf(w, "║  Cases           : %-19s ║\n", truncate(cases))
	fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", truncate(cfg.Server.ListenAddr))
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func truncate(s string) string {
	if len(s) > 19 {
		return s[:16] + "…"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
