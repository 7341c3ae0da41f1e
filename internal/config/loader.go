package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/jogd/internal/command"
	"github.com/mattjoyce/jogd/internal/transport"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "JOGD_CONFIG"

// Load reads, interpolates, defaults and validates a configuration file.
// A directory argument means its config.yaml. When a .checksums manifest sits
// next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML config bytes, applies defaults and validates the result.
// api.enabled is true unless the file sets it, so an explicit false sticks.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{API: APIConfig{Enabled: Defaults().API.Enabled}}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file. Priority order: explicit path, $JOGD_CONFIG,
// ~/.config/jogd/config.yaml, /etc/jogd/config.yaml, ./config.yaml.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	candidates := []string{}
	if p := os.Getenv(EnvConfigPath); p != "" {
		candidates = append(candidates, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "jogd", "config.yaml"))
	}
	candidates = append(candidates, "/etc/jogd/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/jogd/config.yaml, /etc/jogd/config.yaml, ./config.yaml)", EnvConfigPath)
}

func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if errors.Is(err, ErrNoChecksums) {
		return nil
	}
	if err != nil {
		return err
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: jogd config lock --config %s", basename, dir, path)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: jogd config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.LogMaxSize == 0 {
		cfg.Service.LogMaxSize = defaults.Service.LogMaxSize
	}
	if cfg.Service.LockDir == "" {
		cfg.Service.LockDir = defaults.Service.LockDir
	}

	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = defaults.Transport.Kind
	}
	if cfg.Transport.Device == "" {
		cfg.Transport.Device = defaults.Transport.Device
	}
	if cfg.Transport.BaudRate == 0 {
		cfg.Transport.BaudRate = defaults.Transport.BaudRate
	}
	if cfg.Transport.ReadTimeout == 0 {
		cfg.Transport.ReadTimeout = defaults.Transport.ReadTimeout
	}
	if cfg.Transport.SettleDelay == 0 {
		cfg.Transport.SettleDelay = defaults.Transport.SettleDelay
	}

	// Zero pacing falls back to the default; negative values fail validate.
	if cfg.Dispatch.Pacing == 0 {
		cfg.Dispatch.Pacing = defaults.Dispatch.Pacing
	}
	if cfg.Dispatch.EventBuffer == 0 {
		cfg.Dispatch.EventBuffer = defaults.Dispatch.EventBuffer
	}

	// api.enabled is seeded before decoding (see Parse); only the address
	// is defaulted here.
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	for i := range cfg.API.Hooks {
		if cfg.API.Hooks[i].SignatureHeader == "" {
			cfg.API.Hooks[i].SignatureHeader = DefaultHookSignatureHeader
		}
		if cfg.API.Hooks[i].MaxBodySize == 0 {
			cfg.API.Hooks[i].MaxBodySize = DefaultHookMaxBodySize
		}
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

func unresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.LogMaxSize < 0 {
		return fmt.Errorf("service.log_max_size_mb must not be negative")
	}

	switch cfg.Transport.Kind {
	case TransportSerial:
		sc := transport.SerialConfig{
			Device:      cfg.Transport.Device,
			BaudRate:    cfg.Transport.BaudRate,
			ReadTimeout: cfg.Transport.ReadTimeout,
			SettleDelay: cfg.Transport.SettleDelay,
		}
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	case TransportLog:
	default:
		return fmt.Errorf("transport.kind must be serial or log (got %q)", cfg.Transport.Kind)
	}

	if cfg.Dispatch.Pacing < 0 {
		return fmt.Errorf("dispatch.pacing must not be negative")
	}
	if cfg.Dispatch.EventBuffer < 0 {
		return fmt.Errorf("dispatch.event_buffer must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if err := unresolved("api.auth.jwt_secret", cfg.API.Auth.JWTSecret); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
		seen := make(map[string]bool, len(cfg.API.Hooks))
		for i, h := range cfg.API.Hooks {
			field := fmt.Sprintf("api.hooks[%d]", i)
			if h.Name == "" {
				return fmt.Errorf("%s.name is required", field)
			}
			if seen[h.Name] {
				return fmt.Errorf("%s.name %q is duplicated", field, h.Name)
			}
			seen[h.Name] = true
			if h.Secret == "" {
				return fmt.Errorf("%s.secret is required", field)
			}
			if err := unresolved(field+".secret", h.Secret); err != nil {
				return err
			}
			if h.Command != "" {
				if _, err := command.Parse(h.Command); err != nil {
					return fmt.Errorf("%s.command: %w", field, err)
				}
			}
			if h.MaxBodySize < 0 {
				return fmt.Errorf("%s.max_body_size must not be negative", field)
			}
		}
	}

	return nil
}
