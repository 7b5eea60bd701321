// Command server runs the chat server on the TCP port given as its only
// argument. Additional transports, limits and the transcript archive are
// configured through the TOML config file and IRCSERVER_* variables.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog/log"

	"github.com/aeolun/ircserver/pkg/logging"
	"github.com/aeolun/ircserver/pkg/server"
)

const (
	defaultConfigPath = "~/.ircserver/config.toml"
	shutdownTimeout   = 10 * time.Second
	usage             = "Usage: server <port>\nWhere 1024 < port < 65536\n"
)

// parsePort validates the command line. Exactly one argument is accepted.
func parsePort(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	port, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", args[0])
	}
	if port <= 1024 || port >= 65536 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func main() {
	port, err := parsePort(os.Args[1:])
	if err != nil {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	if err := server.LoadEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	configPath := os.Getenv("IRCSERVER_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	tomlConfig, err := server.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logging.Init(logging.Options{
		Level:  tomlConfig.Logging.Level,
		Format: tomlConfig.Logging.Format,
		File:   tomlConfig.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	config := tomlConfig.ToServerConfig()
	config.TCPPort = port

	log.Info().
		Str("config", configPath).
		Int("tcp_port", config.TCPPort).
		Int("ssh_port", config.SSHPort).
		Int("http_port", config.HTTPPort).
		Int("metrics_port", config.MetricsPort).
		Bool("archive", config.ArchivePath != "").
		Msg("starting server")

	srv, err := server.NewServer(config, configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"server": func(ctx context.Context) error {
				return srv.Stop()
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("server exited")
	logFile.Close()
	os.Exit(exitCode)
}
