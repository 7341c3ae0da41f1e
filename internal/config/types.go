package config

import "time"

// Config represents the complete jogd configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Transport TransportConfig `yaml:"transport"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	API       APIConfig       `yaml:"api,omitempty"`

	// SourcePath is the absolute path of the file Load read.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LogFile, when set, receives a rotated copy of the log stream.
	LogFile    string `yaml:"log_file,omitempty"`
	LogMaxSize int    `yaml:"log_max_size_mb,omitempty"`
	LockDir    string `yaml:"lock_dir"`
}

// Transport kinds.
const (
	TransportSerial = "serial"
	TransportLog    = "log"
)

// TransportConfig selects and configures the sink commands are written to.
type TransportConfig struct {
	Kind        string        `yaml:"kind"`
	Device      string        `yaml:"device"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// DispatchConfig defines delivery loop settings.
type DispatchConfig struct {
	Pacing time.Duration `yaml:"pacing"`
	// EventBuffer is the number of events kept for late SSE clients.
	EventBuffer int `yaml:"event_buffer"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
	// WSOrigins are extra origin patterns allowed to open the WebSocket stream.
	WSOrigins []string `yaml:"ws_origins,omitempty"`
	// Hooks are HMAC-signed producers posting to /hooks/{name}.
	Hooks []APIHook `yaml:"hooks,omitempty"`
}

// APIHook defines a signed webhook producer, e.g. a hardware e-stop bridge.
type APIHook struct {
	Name            string `yaml:"name"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	// Command, when set, is submitted for every verified delivery and the
	// body is not parsed.
	Command     string `yaml:"command,omitempty"`
	MaxBodySize int64  `yaml:"max_body_size,omitempty"`
}

// DefaultHookSignatureHeader carries "sha256=<hex>" as GitHub sends it.
const DefaultHookSignatureHeader = "X-Hub-Signature-256"

// DefaultHookMaxBodySize bounds hook bodies when max_body_size is unset.
const DefaultHookMaxBodySize int64 = 64 * 1024

// APIAuthConfig defines API authentication settings. With nothing set the
// API is open.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey    string     `yaml:"api_key"`
	Tokens    []APIToken `yaml:"tokens,omitempty"`
	JWTSecret string     `yaml:"jwt_secret,omitempty"`
	JWTIssuer string     `yaml:"jwt_issuer,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config matching the stock controller wiring: the Pi's
// primary UART at 9600 baud and the jog page on port 5000.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:       "jogd",
			LogLevel:   "info",
			LogFormat:  "json",
			LogMaxSize: 10,
			LockDir:    "/var/lock",
		},
		Transport: TransportConfig{
			Kind:        TransportSerial,
			Device:      "/dev/serial0",
			BaudRate:    9600,
			ReadTimeout: time.Second,
			SettleDelay: 2 * time.Second,
		},
		Dispatch: DispatchConfig{
			Pacing:      50 * time.Millisecond,
			EventBuffer: 256,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "0.0.0.0:5000",
		},
	}
}
