// Package cli implements the turnstile command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
	logFormat  string
}

// NewRootCmd creates the root turnstile command.
func NewRootCmd() *cobra.Command {
	var g globalOptions

	root := &cobra.Command{
		Use:   "turnstile",
		Short: "Shared-quota admission control with four rate limiting algorithms",
		Long: `Turnstile admits or denies work against one shared quota using a fixed
window, sliding window, token bucket or leaky bucket. State lives in memory
or in Redis so several processes can enforce the same quota.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to a YAML or JSON config file")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", nil, "dotenv files to load (default .env.local, .env)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format (text, json)")

	root.AddCommand(
		newServerCmd(&g),
		newSimulateCmd(&g),
		newReplayCmd(&g),
		newResetCmd(&g),
		newGenerateCmd(),
		newInitConfigCmd(),
	)

	return root
}

// load reads dotenv files and the config file and applies the logging
// flags. Callers validate after applying their own flags.
func (g *globalOptions) load() (config.Config, error) {
	if err := config.LoadDotEnv(g.envFiles...); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	} else {
		cfg.ApplyEnv()
	}

	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

// newLogger builds the slog logger described by cfg.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("%w: unknown log level %q", config.ErrInvalidConfig, cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: unknown log format %q", config.ErrInvalidConfig, cfg.Format)
	}
}
