// Package doctor checks a jogd configuration against the host it runs on.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/jogd/internal/auth"
	"github.com/mattjoyce/jogd/internal/config"
	"github.com/mattjoyce/jogd/internal/lock"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the local system.
type Doctor struct {
	cfg     *config.Config
	stat    func(string) (os.FileInfo, error)
	fsCheck func(string) error
}

type Option func(*Doctor)

// WithStat replaces os.Stat for device and directory checks.
func WithStat(fn func(string) (os.FileInfo, error)) Option {
	return func(d *Doctor) { d.stat = fn }
}

// WithFilesystemCheck replaces the lock directory filesystem probe.
func WithFilesystemCheck(fn func(string) error) Option {
	return func(d *Doctor) { d.fsCheck = fn }
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{cfg: cfg, stat: os.Stat, fsCheck: lock.CheckLocalFilesystem}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTransport(r)
	d.validateLockDir(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnHooks(r)
	d.warnPacing(r)
	d.warnMissingEnvVars(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTransport checks the serial device is present.
func (d *Doctor) validateTransport(r *Result) {
	tc := d.cfg.Transport
	if tc.Kind != config.TransportSerial {
		d.addWarning(r, "transport", "transport.kind",
			fmt.Sprintf("transport kind %q does not drive hardware; commands are only logged", tc.Kind))
		return
	}

	info, err := d.stat(tc.Device)
	if err != nil {
		d.addError(r, "transport", "transport.device",
			fmt.Sprintf("serial device %s not available: %v", tc.Device, err))
		return
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		d.addWarning(r, "transport", "transport.device",
			fmt.Sprintf("%s is not a character device", tc.Device))
	}
	if tc.SettleDelay < 500*time.Millisecond {
		d.addWarning(r, "transport", "transport.settle_delay",
			fmt.Sprintf("settle_delay %s is short; controllers that reset on open may miss the first commands", tc.SettleDelay))
	}
}

func (d *Doctor) validateLockDir(r *Result) {
	dir := d.cfg.Service.LockDir
	info, err := d.stat(dir)
	if err != nil {
		d.addWarning(r, "service", "service.lock_dir",
			fmt.Sprintf("lock directory %s does not exist; it will be created on start", dir))
		return
	}
	if !info.IsDir() {
		d.addError(r, "service", "service.lock_dir", fmt.Sprintf("%s is not a directory", dir))
		return
	}
	if err := d.fsCheck(dir); errors.Is(err, lock.ErrNetworkFilesystem) {
		d.addWarning(r, "service", "service.lock_dir", err.Error())
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}

	a := d.cfg.API.Auth
	if a.APIKey == "" && len(a.Tokens) == 0 && a.JWTSecret == "" {
		if isLoopback(host) {
			d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
		} else {
			d.addWarning(r, "api", "api.auth",
				fmt.Sprintf("API listens on %s without authentication; anyone on the network can jog the arm", d.cfg.API.Listen))
		}
	}
	if a.JWTSecret != "" && len(a.JWTSecret) < 32 {
		d.addWarning(r, "api", "api.auth.jwt_secret", "jwt_secret shorter than 32 bytes")
	}
}

// minHookSecret is the shortest hook secret accepted without a warning.
const minHookSecret = 16

func (d *Doctor) warnHooks(r *Result) {
	if len(d.cfg.API.Hooks) > 0 && !d.cfg.API.Enabled {
		d.addWarning(r, "hooks", "api.hooks", "hooks configured but the API is disabled")
	}
	for i, h := range d.cfg.API.Hooks {
		if h.Secret != "" && len(h.Secret) < minHookSecret {
			d.addWarning(r, "hooks", fmt.Sprintf("api.hooks[%d].secret", i),
				fmt.Sprintf("hook %q secret shorter than %d bytes", h.Name, minHookSecret))
		}
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

var knownScopes = map[string]bool{
	auth.ScopeAll:       true,
	auth.ScopeJogRW:     true,
	auth.ScopeStatusRO:  true,
	auth.ScopeEventsRO:  true,
	auth.ScopeCommandRO: true,
}

// validateTokenScopes checks that every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	seen := map[string]int{}
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Name != "" {
			if prev, dup := seen[token.Name]; dup {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].name", i),
					fmt.Sprintf("token name %q already used by api.auth.tokens[%d]", token.Name, prev))
			}
			seen[token.Name] = i
		}
		for j, scope := range token.Scopes {
			if !knownScopes[strings.TrimSpace(scope)] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected one of jog:rw, status:ro, events:ro, commands:ro, *)", scope))
			}
		}
	}
}

// warnPacing flags pacing values far from what a serial controller handles.
func (d *Doctor) warnPacing(r *Result) {
	p := d.cfg.Dispatch.Pacing
	switch {
	case p < 10*time.Millisecond:
		d.addWarning(r, "dispatch", "dispatch.pacing",
			fmt.Sprintf("pacing %s is very short; the controller may drop commands", p))
	case p > time.Second:
		d.addWarning(r, "dispatch", "dispatch.pacing",
			fmt.Sprintf("pacing %s is long; jogging will feel unresponsive", p))
	}
}

// warnMissingEnvVars warns about values that look like unresolved placeholders.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if strings.TrimSpace(token.Token) == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"api_key grants full access; migrate to tokens array with scopes")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
