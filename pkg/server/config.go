package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// EnvPrefix is the prefix of environment variable overrides
const EnvPrefix = "IRCSERVER_"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Security SecuritySection `toml:"security"`
	Archive  ArchiveSection  `toml:"archive"`
	Logging  LoggingSection  `toml:"logging"`
}

type ServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	SSHPort     int    `toml:"ssh_port"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
	SSHHostKey  string `toml:"ssh_host_key"`
}

type LimitsSection struct {
	ReadTimeoutSeconds   int     `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds  int     `toml:"write_timeout_seconds"`
	ConnectionsPerSecond float64 `toml:"connections_per_second"`
	ConnectionBurst      int     `toml:"connection_burst"`
}

type SecuritySection struct {
	BcryptCost int `toml:"bcrypt_cost"`
}

type ArchiveSection struct {
	DatabasePath         string `toml:"database_path"`
	FlushIntervalSeconds int    `toml:"flush_interval_seconds"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     defaults.TCPPort,
			SSHPort:     defaults.SSHPort,
			HTTPPort:    defaults.HTTPPort,
			MetricsPort: defaults.MetricsPort,
			SSHHostKey:  defaults.SSHHostKeyPath,
		},
		Limits: LimitsSection{
			ReadTimeoutSeconds:   defaults.ReadTimeoutSeconds,
			WriteTimeoutSeconds:  defaults.WriteTimeoutSeconds,
			ConnectionsPerSecond: defaults.ConnectionsPerSecond,
			ConnectionBurst:      defaults.ConnectionBurst,
		},
		Security: SecuritySection{
			BcryptCost: defaults.BcryptCost,
		},
		Archive: ArchiveSection{
			DatabasePath:         "",
			FlushIntervalSeconds: defaults.ArchiveFlushSeconds,
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadEnvFile loads variables from a .env file into the process environment.
// Variables already set are not overridden. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only home directory still gets a running server
		if err := writeDefaultConfig(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("could not write default config file")
		}
		return applyEnvOverrides(config), nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envInt(key string, target *int) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*target = n
		}
	}
}

func envFloat(key string, target *float64) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*target = f
		}
	}
}

func envString(key string, target *string) {
	if val, ok := os.LookupEnv(EnvPrefix + key); ok {
		*target = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: IRCSERVER_SECTION_KEY
// Example: IRCSERVER_SERVER_SSH_PORT=2222
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt("SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)

	envInt("LIMITS_READ_TIMEOUT_SECONDS", &config.Limits.ReadTimeoutSeconds)
	envInt("LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envFloat("LIMITS_CONNECTIONS_PER_SECOND", &config.Limits.ConnectionsPerSecond)
	envInt("LIMITS_CONNECTION_BURST", &config.Limits.ConnectionBurst)

	envInt("SECURITY_BCRYPT_COST", &config.Security.BcryptCost)

	envString("ARCHIVE_DATABASE_PATH", &config.Archive.DatabasePath)
	envInt("ARCHIVE_FLUSH_INTERVAL_SECONDS", &config.Archive.FlushIntervalSeconds)

	envString("LOGGING_LEVEL", &config.Logging.Level)
	envString("LOGGING_FORMAT", &config.Logging.Format)
	envString("LOGGING_FILE", &config.Logging.File)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# IRC Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# IRCSERVER_SECTION_KEY (e.g., IRCSERVER_SERVER_SSH_PORT=2222)

[server]
# Port for TCP connections (the port given on the command line wins)
tcp_port = 6667

# Port for SSH connections (0 = disabled)
ssh_port = 0

# Port for the WebSocket endpoint /ws (0 = disabled)
http_port = 0

# Port for /metrics and /health (0 = disabled). Internal only.
metrics_port = 9090

# Path to SSH host key file, generated on first use
ssh_host_key = "~/.ircserver/ssh_host_key"

[limits]
# Seconds to wait for the request line
read_timeout_seconds = 30

# Seconds to wait while writing the response
write_timeout_seconds = 10

# New connections per second allowed from one IP address (0 = unlimited).
# Every command opens its own connection, so size this to the busiest client.
connections_per_second = 0.0
connection_burst = 40

[security]
# bcrypt work factor for stored passwords (4-31)
bcrypt_cost = 10

[archive]
# SQLite file that receives a write-only transcript of rooms and messages.
# Nothing is loaded from it on startup. Empty = disabled.
database_path = ""
flush_interval_seconds = 30

[logging]
# trace, debug, info, warn, error
level = "info"

# console or json
format = "console"

# Optional log file (JSON lines)
# file = "~/.ircserver/server.log"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the defaults,
// except ports where 0 means disabled.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Limits.ReadTimeoutSeconds > 0 {
		cfg.ReadTimeoutSeconds = c.Limits.ReadTimeoutSeconds
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeoutSeconds = c.Limits.WriteTimeoutSeconds
	}
	cfg.ConnectionsPerSecond = c.Limits.ConnectionsPerSecond
	if c.Limits.ConnectionBurst > 0 {
		cfg.ConnectionBurst = c.Limits.ConnectionBurst
	}

	if c.Security.BcryptCost != 0 {
		cfg.BcryptCost = c.Security.BcryptCost
	}

	cfg.ArchivePath = strings.TrimSpace(c.Archive.DatabasePath)
	if c.Archive.FlushIntervalSeconds > 0 {
		cfg.ArchiveFlushSeconds = c.Archive.FlushIntervalSeconds
	}

	return cfg
}

// expandPath expands a leading ~/ to the user's home directory
func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
