// Package main implements the proxy command-line interface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jayhsudev/rust-proxy/pkg/auth"
	"github.com/jayhsudev/rust-proxy/pkg/config"
	"github.com/jayhsudev/rust-proxy/pkg/logging"
	"github.com/jayhsudev/rust-proxy/pkg/metrics"
	"github.com/jayhsudev/rust-proxy/pkg/proxy/server"
)

// CLI banner with version.
const banner = `
                 _
  _ __ _   _ ___| |_      _ __  _ __ _____  ___   _
 | '__| | | / __| __|____| '_ \| '__/ _ \ \/ / | | |
 | |  | |_| \__ \ ||_____| |_) | | | (_) >  <| |_| |
 |_|   \__,_|___/\__|    | .__/|_|  \___/_/\_\\__, |
                         |_|                  |___/

   SOCKS5 / HTTP forward proxy (v1.0)
   ----------------------------------

`

// configPath is captured from the app-level flag at startup; the config
// file itself is only read by commands that need it, so hash and
// genconfig work without one.
var configPath string

// loadConfig reads and validates the configuration file.
func loadConfig() (*config.Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found at %s (use 'genconfig' to create one)", absPath)
	}
	return config.Load(absPath)
}

// AddCommands registers all CLI commands with the application.
func AddCommands(app *grumble.App) {
	// Command to run the proxy server
	app.AddCommand(&grumble.Command{
		Name:    "run",
		Aliases: []string{"serve"},
		Help:    "run the proxy server until interrupted",
		Flags: func(f *grumble.Flags) {
			f.String("l", "listen", "", "override listen address")
			f.Int("b", "buffer-size", 0, "override relay buffer size in bytes")
			f.Int("m", "max-connections", 0, "override maximum concurrent connections")
			f.Int("t", "connect-timeout", 0, "override target connect timeout in seconds")
			f.String("L", "log-level", "", "override log level")
		},
		Run: func(c *grumble.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				log.Error().Err(err).Msg("Failed to load configuration")
				return nil
			}

			// Command-line overrides take precedence over file values.
			if listen := c.Flags.String("listen"); listen != "" {
				cfg.ListenAddress = listen
			}
			if size := c.Flags.Int("buffer-size"); size != 0 {
				cfg.BufferSize = size
			}
			if maxConns := c.Flags.Int("max-connections"); maxConns != 0 {
				cfg.MaxConnections = maxConns
			}
			if timeout := c.Flags.Int("connect-timeout"); timeout != 0 {
				cfg.ConnectTimeoutSec = timeout
			}
			if level := c.Flags.String("log-level"); level != "" {
				cfg.Log.Level = level
			}
			if err := cfg.Validate(); err != nil {
				log.Error().Err(err).Msg("Invalid configuration")
				return nil
			}

			closer, err := logging.Setup(cfg.Log)
			if err != nil {
				log.Error().Err(err).Msg("Failed to initialize logging")
				return nil
			}
			if closer != nil {
				defer closer.Close()
			}

			store, err := auth.NewStore(cfg.Users)
			if err != nil {
				log.Error().Err(err).Msg("Failed to build credential store")
				return nil
			}
			if store.HasUsers() {
				log.Info().Int("users", len(cfg.Users)).Msg("Authentication enabled")
			}

			m := metrics.New()
			if cfg.Metrics.Enabled {
				metricsServer := metrics.NewServer(cfg.Metrics, m)
				metricsServer.Start()
				log.Info().Str("addr", cfg.Metrics.Listen).Msg("Metrics endpoint enabled")
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					metricsServer.Shutdown(shutdownCtx)
				}()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(cfg, store, m)
			if err := srv.ListenAndServe(ctx); err != nil {
				log.Error().Err(err).Msg("Proxy server failed")
			}
			return nil
		},
	})
	// Command to hash a password for the users map
	app.AddCommand(&grumble.Command{
		Name: "hash",
		Help: "generate a bcrypt hash for the users map",
		Args: func(a *grumble.Args) {
			a.String("password", "password to hash")
		},
		Run: func(c *grumble.Context) error {
			hash, err := auth.HashPassword(c.Args.String("password"))
			if err != nil {
				log.Error().Err(err).Msg("Failed to hash password")
				return nil
			}
			c.App.Println(hash)
			return nil
		},
	})
	// Command to write an example configuration file
	app.AddCommand(&grumble.Command{
		Name:    "genconfig",
		Aliases: []string{"init"},
		Help:    "write an example configuration file",
		Args: func(a *grumble.Args) {
			a.String("path", "destination path", grumble.Default("config.yaml"))
		},
		Run: func(c *grumble.Context) error {
			path := c.Args.String("path")
			if _, err := os.Stat(path); err == nil {
				log.Error().Str("path", path).Msg("File already exists, refusing to overwrite")
				return nil
			}
			if err := config.WriteExampleConfig(path); err != nil {
				log.Error().Err(err).Msg("Failed to write example config")
				return nil
			}
			log.Info().Str("path", path).Msg("Example configuration written")
			return nil
		},
	})
	// Command to display the effective configuration
	app.AddCommand(&grumble.Command{
		Name:    "config",
		Aliases: []string{"cfg"},
		Help:    "show the effective configuration",
		Run: func(c *grumble.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				log.Error().Err(err).Msg("Failed to load configuration")
				return nil
			}
			c.App.Println(RenderConfigTable(cfg))
			return nil
		},
	})
}

// RenderConfigTable formats the effective configuration as a
// human-readable table. Credential values are never shown, only the
// number of configured users.
func RenderConfigTable(cfg *config.Config) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{"Setting", "Value"})
	t.AppendRow(table.Row{"listen_address", cfg.ListenAddress})
	t.AppendRow(table.Row{"buffer_size", cfg.BufferSize})
	t.AppendRow(table.Row{"max_connections", cfg.MaxConnections})
	t.AppendRow(table.Row{"connect_timeout", fmt.Sprintf("%ds", cfg.ConnectTimeoutSec)})
	t.AppendRow(table.Row{"users", fmt.Sprintf("%d configured", len(cfg.Users))})
	t.AppendRow(table.Row{"log.level", cfg.Log.Level})
	t.AppendRow(table.Row{"log.path", cfg.Log.Path})
	t.AppendRow(table.Row{"metrics.enabled", cfg.Metrics.Enabled})
	if cfg.Metrics.Enabled {
		t.AppendRow(table.Row{"metrics.listen", cfg.Metrics.Listen})
	}

	return t.Render()
}

// main is the entry point for the application.
func main() {
	configureLogging()

	app := setupCLI()
	AddCommands(app)

	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with a console writer until a command
// installs the configured sinks.
func configureLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI initializes the command-line interface.
func setupCLI() *grumble.App {
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".rust-proxy"
	} else {
		histFile = filepath.Join(home, ".rust-proxy")
	}

	app := grumble.New(&grumble.Config{
		Name:        "rust-proxy",
		Description: "transparent SOCKS5 / HTTP forward proxy",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "config.yaml", "path to configuration file")
		},
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		configPath = flags.String("config")
		return nil
	})

	return app
}
