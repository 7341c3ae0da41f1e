package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "********"

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
	for i, t := range c.API.Auth.Tokens {
		t.Token = mask(t.Token)
		t.Scopes = append([]string(nil), t.Scopes...)
		out.API.Auth.Tokens[i] = t
	}
	out.API.Hooks = make([]APIHook, len(c.API.Hooks))
	for i, h := range c.API.Hooks {
		h.Secret = mask(h.Secret)
		out.API.Hooks[i] = h
	}
	out.API.Auth.APIKey = mask(c.API.Auth.APIKey)
	out.API.Auth.JWTSecret = mask(c.API.Auth.JWTSecret)
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// GetPath retrieves a value from the configuration using a dot-notation path,
// e.g. "transport.device". "token:<name>" and "hook:<name>" address named
// API tokens and hooks.
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	// Convert to map for generic traversal
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

// GetEntity retrieves a named entity by type:name.
func (c *Config) GetEntity(address string) (any, error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	entityType, name := parts[0], parts[1]

	switch entityType {
	case "token":
		if name == "*" {
			return c.API.Auth.Tokens, nil
		}
		for _, t := range c.API.Auth.Tokens {
			if t.Name == name {
				return t, nil
			}
		}
		return nil, fmt.Errorf("token %q not found", name)
	case "hook":
		if name == "*" {
			return c.API.Hooks, nil
		}
		for _, h := range c.API.Hooks {
			if h.Name == name {
				return h, nil
			}
		}
		return nil, fmt.Errorf("hook %q not found", name)
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}
