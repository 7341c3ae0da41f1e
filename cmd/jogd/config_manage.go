package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/jogd/internal/auth"
	"github.com/mattjoyce/jogd/internal/config"
	"github.com/mattjoyce/jogd/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock", "hash-update":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: jogd config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: jogd config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, integrity, transport device, and API auth.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: jogd config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize the current configuration by writing its BLAKE3 hash to .checksums.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: jogd config show [path] [--config PATH] [--json]")
	fmt.Println("Show the resolved configuration, or one node of it, with credentials masked.")
	fmt.Println("Paths use dots (transport.device) or token:<name> for a named API token.")
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := config.Discover(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	report, err := config.LockFile(path, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose || verboseShort {
		name := filepath.Base(report.ConfigPath)
		fmt.Printf("  HASH %s: %s\n", name, report.Hash)
		switch report.Previous {
		case "":
		case report.Hash:
			fmt.Printf("  SAME %s: unchanged since last lock\n", name)
		default:
			fmt.Printf("  WAS  %s: %s\n", name, report.Previous)
		}
	}

	if dryRun {
		fmt.Printf("Dry run: %s not written\n", report.ChecksumPath)
	} else {
		fmt.Printf("Successfully locked configuration: %s\n", report.ChecksumPath)
	}
	return 0
}

func runConfigShow(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.BoolVar(&jsonOut, "json", false, "Output in structured JSON format")

	flagArgs, positionals := splitFlagsAndPositionals(args, map[string]bool{"--config": true, "-config": true})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	positionals = append(positionals, fs.Args()...)
	if len(positionals) > 1 {
		fmt.Fprintln(os.Stderr, "Usage: jogd config show [path] [--config PATH] [--json]")
		return 1
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	cfg = cfg.Redacted()

	var result any = cfg
	if len(positionals) == 1 {
		res, err := cfg.GetPath(positionals[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if jsonOut {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

// splitFlagsAndPositionals lets positionals appear before flags, which the
// flag package would otherwise stop at.
func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	var flags, positionals []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positionals = append(positionals, arg)
			continue
		}
		flags = append(flags, arg)
		if takesValue[arg] && !strings.Contains(arg, "=") && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, positionals
}

// --- token ---

func runTokenNoun(args []string) int {
	if len(args) < 1 {
		printTokenNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTokenNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "issue":
		if hasHelpFlag(args[1:]) {
			printTokenIssueHelp()
			return 0
		}
		return runTokenIssue(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown token action: %s\n", args[0])
		return 1
	}
}

func printTokenNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: jogd token <action> [flags]")
	fmt.Fprintln(w, "Actions: issue")
}

func printTokenIssueHelp() {
	fmt.Println("Usage: jogd token issue --subject NAME [--scopes jog:rw,events:ro] [--ttl 24h] [--config PATH] [--json]")
	fmt.Println("Sign an HS256 JWT with api.auth.jwt_secret for a client of the jog API.")
}

type issuedToken struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

func runTokenIssue(args []string) int {
	var configPath, subject, scopesArg string
	var ttl time.Duration
	var jsonOut bool

	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&subject, "subject", "", "Subject recorded against submitted commands")
	fs.StringVar(&scopesArg, "scopes", auth.ScopeJogRW, "Comma-separated scopes")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if strings.TrimSpace(subject) == "" {
		fmt.Fprintln(os.Stderr, "Error: --subject is required")
		return 1
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if cfg.API.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: api.auth.jwt_secret is not configured")
		return 1
	}

	verifier, err := auth.NewJWTVerifier(cfg.API.Auth.JWTSecret, cfg.API.Auth.JWTIssuer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	scopes := parseCSV(scopesArg)
	token, err := verifier.Issue(subject, scopes, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOut {
		data, _ := json.MarshalIndent(issuedToken{
			Token:     token,
			Subject:   subject,
			Scopes:    scopes,
			ExpiresAt: time.Now().Add(ttl).UTC().Truncate(time.Second),
		}, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Println(token)
	return 0
}

func parseCSV(in string) []string {
	var out []string
	for _, part := range strings.Split(in, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
