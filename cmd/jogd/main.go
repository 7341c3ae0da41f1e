package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/mattjoyce/jogd/internal/api"
	"github.com/mattjoyce/jogd/internal/auth"
	"github.com/mattjoyce/jogd/internal/command"
	"github.com/mattjoyce/jogd/internal/config"
	"github.com/mattjoyce/jogd/internal/dispatch"
	"github.com/mattjoyce/jogd/internal/events"
	"github.com/mattjoyce/jogd/internal/lock"
	"github.com/mattjoyce/jogd/internal/log"
	"github.com/mattjoyce/jogd/internal/transport"
	"github.com/mattjoyce/jogd/internal/tui/pad"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "serial":
		return runSerialNoun(args)
	case "token":
		return runTokenNoun(args)

	// --- ROOT ACTIONS ---
	case "start":
		return runStart(args)
	case "pad":
		if hasHelpFlag(args) {
			printPadHelp()
			return 0
		}
		return runPad(args)
	case "commands":
		return runCommands(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: jogd version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("jogd %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`jogd - serial jog command dispatcher for a two-joint actuator

Usage:
  jogd <noun> <action> [flags]

Core Resources (Nouns):
  system    Daemon lifecycle and health
  config    Configuration and integrity
  serial    Serial port discovery and a line console
  token     API credentials

System Commands:
  system start      Start the dispatcher and API in the foreground
  system status     Show device lock holder and API health

Config Commands:
  config check      Validate syntax, device, and auth settings
  config lock       Write the .checksums integrity manifest
  config show       Show resolved configuration (credentials masked)

Serial Commands:
  serial list       List serial ports on this host
  serial console    Type jog tokens straight onto the link

Token Commands:
  token issue       Sign a scoped JWT for API clients

General:
  pad               Terminal jog pad against a running daemon
  commands          List the command vocabulary
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'jogd <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: jogd system <action>")
	fmt.Fprintln(w, "Actions: start, status")
}

func printSystemStartHelp() {
	fmt.Println("Usage: jogd system start [--config PATH]")
	fmt.Println("Open the transport, start the delivery loop and serve the API in the foreground.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Stopped by signal and flushed cleanly")
	fmt.Println("  1  Startup failed, a component failed, or the transport died")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: jogd system status [--config PATH] [--json]")
	fmt.Println("Show whether a daemon holds the device lock and what its /healthz reports.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  A daemon is running and healthy")
	fmt.Println("  1  Not running, unhealthy, or the config could not be loaded")
}

func printPadHelp() {
	fmt.Println("Usage: jogd pad [--api-url URL] [--token TOKEN]")
	fmt.Println()
	fmt.Println("Terminal jog pad. Shows daemon health and the live event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Daemon API URL (default: http://localhost:5000)")
	fmt.Println("  --token TOKEN    Bearer token (or JOGD_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  ←/→, h/l         J1 minus/plus")
	fmt.Println("  ↓/↑, j/k         J2 minus/plus")
	fmt.Println("  space, s         STOP")
	fmt.Println("  q, Ctrl+C        Quit")
}

// --- ACTION IMPLEMENTATIONS ---

func loadConfig(configPath string) (*config.Config, error) {
	path, err := config.Discover(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// lockTarget names the resource guarded by the device lock. The log sink has
// no device, so the service name stands in for it.
func lockTarget(cfg *config.Config) string {
	if cfg.Transport.Kind == config.TransportSerial {
		return cfg.Transport.Device
	}
	return cfg.Service.Name
}

func serialConfig(tc config.TransportConfig) transport.SerialConfig {
	return transport.SerialConfig{
		Device:      tc.Device,
		BaudRate:    tc.BaudRate,
		ReadTimeout: tc.ReadTimeout,
		SettleDelay: tc.SettleDelay,
	}
}

func openSink(ctx context.Context, cfg *config.Config) (transport.Sink, string, error) {
	switch cfg.Transport.Kind {
	case config.TransportLog:
		return transport.NewLogSink(log.WithComponent("transport")), "log", nil
	default:
		s, err := transport.OpenSerial(ctx, serialConfig(cfg.Transport))
		if err != nil {
			return nil, "", err
		}
		return s, fmt.Sprintf("serial %s@%d", cfg.Transport.Device, cfg.Transport.BaudRate), nil
	}
}

func buildAuthenticator(ac config.APIAuthConfig) (*auth.Authenticator, error) {
	a := &auth.Authenticator{APIKey: ac.APIKey}
	for _, t := range ac.Tokens {
		a.Tokens = append(a.Tokens, auth.TokenConfig{
			Name:   t.Name,
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	if ac.JWTSecret != "" {
		v, err := auth.NewJWTVerifier(ac.JWTSecret, ac.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("jwt: %w", err)
		}
		a.JWT = v
	}
	return a, nil
}

// buildHooks converts configured hooks; commands were validated at load.
func buildHooks(hooks []config.APIHook) ([]api.Hook, error) {
	out := make([]api.Hook, 0, len(hooks))
	for _, h := range hooks {
		hook := api.Hook{
			Name:            h.Name,
			Secret:          h.Secret,
			SignatureHeader: h.SignatureHeader,
			MaxBodySize:     h.MaxBodySize,
		}
		if h.Command != "" {
			cmd, err := command.Parse(h.Command)
			if err != nil {
				return nil, fmt.Errorf("hook %s: %w", h.Name, err)
			}
			hook.Command = cmd
		}
		out = append(out, hook)
	}
	return out, nil
}

func runStart(args []string) (code int) {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWithOptions(log.Options{
		Level:     cfg.Service.LogLevel,
		Format:    cfg.Service.LogFormat,
		File:      cfg.Service.LogFile,
		MaxSizeMB: cfg.Service.LogMaxSize,
	})
	logger := log.WithComponent("main")
	logger.Info("jogd starting", "version", version, "config", cfg.SourcePath)

	var teardownErr error
	defer func() {
		if teardownErr != nil {
			logger.Error("shutdown finished with errors", "error", teardownErr)
			code = 1
		}
	}()

	target := lockTarget(cfg)
	devLock, err := lock.Acquire(cfg.Service.LockDir, target)
	if err != nil {
		logger.Error("failed to acquire device lock (another instance may be running)", "device", target, "error", err)
		return 1
	}
	defer multierr.AppendInvoke(&teardownErr, multierr.Invoke(devLock.Release))
	logger.Info("acquired device lock", "path", devLock.Path())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sink, desc, err := openSink(ctx, cfg)
	if err != nil {
		logger.Error("failed to open transport", "kind", cfg.Transport.Kind, "error", err)
		return 1
	}
	logger.Info("transport ready", "transport", desc)

	hub := events.NewHub(cfg.Dispatch.EventBuffer)
	disp := dispatch.New(sink,
		dispatch.WithPacing(cfg.Dispatch.Pacing),
		dispatch.WithEvents(hub),
		dispatch.WithLogger(log.WithComponent("dispatch")),
	)
	disp.Start()
	// Shutdown pushes the sentinel, waits for the queued frames, then closes the sink.
	defer multierr.AppendInvoke(&teardownErr, multierr.Invoke(disp.Shutdown))

	var wg sync.WaitGroup
	defer wg.Wait()
	apiCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		authn, err := buildAuthenticator(cfg.API.Auth)
		if err != nil {
			logger.Error("invalid API auth configuration", "error", err)
			return 1
		}
		hooks, err := buildHooks(cfg.API.Hooks)
		if err != nil {
			logger.Error("invalid API hook configuration", "error", err)
			return 1
		}
		apiServer := api.New(api.Config{
			Listen:           cfg.API.Listen,
			Auth:             authn,
			Transport:        desc,
			WSOriginPatterns: cfg.API.WSOrigins,
			Hooks:            hooks,
		}, disp, hub, log.WithComponent("api"))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(apiCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("jogd running (press Ctrl+C to stop)", "pacing", cfg.Dispatch.Pacing.String())

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		return 1
	case <-disp.Done():
		logger.Error("dispatcher stopped", "error", disp.Err())
		return 1
	}

	logger.Info("jogd stopping", "pending", disp.Depth())
	return 0
}

type statusReport struct {
	Config   string               `json:"config"`
	Device   string               `json:"device"`
	LockPath string               `json:"lock_path"`
	Running  bool                 `json:"running"`
	PID      int                  `json:"pid,omitempty"`
	API      string               `json:"api,omitempty"`
	Health   *api.HealthzResponse `json:"health,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	report := statusReport{
		Config:   cfg.SourcePath,
		Device:   lockTarget(cfg),
		LockPath: lock.PathForDevice(cfg.Service.LockDir, lockTarget(cfg)),
	}
	report.Running, report.PID = probeLock(cfg.Service.LockDir, report.Device)

	healthy := false
	if report.Running && cfg.API.Enabled {
		report.API = localURL(cfg.API.Listen)
		h, err := fetchHealth(report.API)
		if err != nil {
			report.Error = err.Error()
		} else {
			report.Health = h
			healthy = h.Status == "ok"
		}
	} else if report.Running {
		healthy = true
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		printStatus(report)
	}

	if !healthy {
		return 1
	}
	return 0
}

// probeLock reports whether another process holds the device lock. A free
// lock is taken and released straight away, which also clears a stale file.
func probeLock(lockDir, device string) (bool, int) {
	l, err := lock.Acquire(lockDir, device)
	if err == nil {
		_ = l.Release()
		return false, 0
	}
	if !errors.Is(err, lock.ErrLocked) {
		return false, 0
	}
	pid, _ := lock.HolderPID(lock.PathForDevice(lockDir, device))
	return true, pid
}

// localURL turns a listen address into a URL reachable from this host.
func localURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func fetchHealth(baseURL string) (*api.HealthzResponse, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode healthz: %w", err)
	}
	return &h, nil
}

func printStatus(r statusReport) {
	fmt.Printf("Config:  %s\n", r.Config)
	fmt.Printf("Device:  %s\n", r.Device)
	if !r.Running {
		fmt.Printf("Daemon:  not running (lock %s free)\n", r.LockPath)
		return
	}
	fmt.Printf("Daemon:  running (pid %d)\n", r.PID)
	if r.Health != nil {
		fmt.Printf("Health:  %s, state %s, queue %d, up %s\n",
			r.Health.Status, r.Health.State, r.Health.QueueDepth,
			time.Duration(r.Health.UptimeSeconds)*time.Second)
	}
	if r.Error != "" {
		fmt.Printf("Health:  unreachable at %s: %s\n", r.API, r.Error)
	}
}

func runPad(args []string) int {
	fs := flag.NewFlagSet("pad", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:5000", "Daemon API URL")
	token := fs.String("token", os.Getenv("JOGD_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if err := pad.Run(pad.NewClient(*apiURL, *token)); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runCommands(args []string) int {
	fs := flag.NewFlagSet("commands", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	tokens := commandTokens()
	if *jsonOut {
		data, _ := json.Marshal(api.CommandsResponse{Commands: tokens})
		fmt.Println(string(data))
		return 0
	}
	for _, t := range tokens {
		fmt.Println(t)
	}
	return 0
}

func commandTokens() []string {
	all := command.All()
	tokens := make([]string, 0, len(all))
	for _, c := range all {
		tokens = append(tokens, c.String())
	}
	return tokens
}
