/*
Package configs is responsible for loading and parsing the application's configuration settings.

Both binaries read operating system environment variables through caarlos0/env. The server
takes its running environment, port, CORS allowed origins, rate limits and shutdown timeout;
the terminal client takes the relay endpoint, its display name and room, and the reconnect
budget, each of which can be overridden by a command-line flag.
*/
package configs

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	minPort = 1024
	maxPort = 65535
)

// AppConfig contains all configuration parameters required for the server to run.
// All configuration values are loaded from environment variables.
type AppConfig struct {
	// General Server Settings
	Environment     string        `env:"ENVIRONMENT"      envDefault:"development"`
	Port            int           `env:"PORT"             envDefault:"5000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	// Security Settings
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// Rate Limit Settings
	JoinRate  float64 `env:"JOIN_RATE"  envDefault:"0.2"`
	JoinBurst int     `env:"JOIN_BURST" envDefault:"5"`
	SendRate  float64 `env:"SEND_RATE"  envDefault:"5"`
	SendBurst int     `env:"SEND_BURST" envDefault:"10"`
	APIRate   float64 `env:"API_RATE"   envDefault:"5"`
	APIBurst  int     `env:"API_BURST"  envDefault:"20"`
}

// IsDevelopment reports whether the server runs in the development environment.
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// LoadConfig reads and parses the server configuration from environment variables.
// Defaults are declared on the struct tags; values are validated after parsing.
func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Port < minPort || cfg.Port > maxPort {
		return nil, fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", cfg.Port, minPort, maxPort)
	}

	if cfg.JoinRate <= 0 || cfg.JoinBurst <= 0 {
		return nil, fmt.Errorf("JOIN_RATE and JOIN_BURST must be positive, got %v and %d", cfg.JoinRate, cfg.JoinBurst)
	}

	if cfg.SendRate <= 0 || cfg.SendBurst <= 0 {
		return nil, fmt.Errorf("SEND_RATE and SEND_BURST must be positive, got %v and %d", cfg.SendRate, cfg.SendBurst)
	}

	if cfg.APIRate <= 0 || cfg.APIBurst <= 0 {
		return nil, fmt.Errorf("API_RATE and API_BURST must be positive, got %v and %d", cfg.APIRate, cfg.APIBurst)
	}

	if cfg.ShutdownTimeout <= 0 {
		return nil, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", cfg.ShutdownTimeout)
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	return cfg, nil
}

// ClientConfig contains the settings of the terminal client.
type ClientConfig struct {
	Endpoint          string `env:"RELAY_ENDPOINT"           envDefault:"ws://localhost:5000/ws"`
	Name              string `env:"RELAY_NAME"`
	Room              string `env:"RELAY_ROOM"`
	ReconnectAttempts int    `env:"RELAY_RECONNECT_ATTEMPTS" envDefault:"10"`
	LogFile           string `env:"RELAY_LOG_FILE"`
	Debug             bool   `env:"RELAY_DEBUG"`
}

// ParseClientConfig reads the environment, then applies flag overrides from args.
func ParseClientConfig(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "relay websocket URL")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "display name")
	fs.StringVar(&cfg.Room, "room", cfg.Room, "room to join")
	fs.IntVar(&cfg.ReconnectAttempts, "reconnect-attempts", cfg.ReconnectAttempts, "reconnection attempts before giving up")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "write logs to this file instead of stderr")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, fmt.Errorf("parse flags: %w", err)
	}

	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Room = strings.TrimSpace(cfg.Room)

	if cfg.Name == "" || cfg.Room == "" {
		return ClientConfig{}, errors.New("name and room are required (-name/-room or RELAY_NAME/RELAY_ROOM)")
	}
	if cfg.Endpoint == "" {
		return ClientConfig{}, errors.New("endpoint is required")
	}
	if cfg.ReconnectAttempts < 0 {
		return ClientConfig{}, fmt.Errorf("reconnect attempts must not be negative, got %d", cfg.ReconnectAttempts)
	}

	return cfg, nil
}
