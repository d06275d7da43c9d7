package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/config"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "parley",
		Short:         "Duplex realtime voice sessions with speech-to-speech models",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "parley.yaml", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(opts),
		newTalkCmd(opts),
		newVoicesCmd(),
	)
	return cmd
}

// load reads the config file. A missing file yields the defaults so that
// "parley talk" works with nothing but an API key in the environment.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("config file not found, using defaults", "path", o.configPath)
		cfg, err = config.LoadFromReader(strings.NewReader(""))
	}
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		lvl := config.LogLevel(o.logLevel)
		if !lvl.IsValid() {
			return nil, fmt.Errorf("invalid --log-level %q", o.logLevel)
		}
		cfg.Log.Level = lvl
	}
	return cfg, nil
}
