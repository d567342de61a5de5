package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dillendev/up"
	"github.com/dillendev/up/internal/config"
)

// settingFlags maps command-line flags onto the [settings] keys they override.
var settingFlags = map[string]string{
	"root":             "settings.root",
	"wait":             "settings.wait",
	"restart-cooldown": "settings.restart_cooldown",
	"stop-timeout":     "settings.stop_timeout",
	"log-level":        "settings.log_level",
}

// newRootCommand creates the `up [file]` command. Flags are bound to v so that
// they take precedence over the file and UP_* environment variables.
func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up [file]",
		Short: "Run and supervise local development services",
		Long: `up starts every service declared in a TOML file, restarts services whose
watched files change or that exit unexpectedly, and stops all of them,
including anything they spawned, on SIGINT or SIGTERM.

Examples:
  up                              # uses ` + up.DefaultConfigPath + `
  up services.toml --wait 1s
  UP_SETTINGS_LOG_LEVEL=debug up`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := up.DefaultConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runUp(cmd.Context(), path, v)
		},
	}

	f := cmd.Flags()
	f.String("root", "", "directory watched for file changes")
	f.Duration("wait", 0, "longest pause between health checks")
	f.Duration("restart-cooldown", 0, "base restart backoff")
	f.Duration("stop-timeout", 0, "grace period before SIGKILL")
	f.String("log-level", "", "debug, info, warn or error")
	for name, key := range settingFlags {
		_ = v.BindPFlag(key, f.Lookup(name))
	}

	cmd.AddCommand(newInitCommand())
	return cmd
}

func runUp(ctx context.Context, path string, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(path, v)
	if err != nil {
		return err
	}
	s, err := up.New(cfg)
	if err != nil {
		return err
	}
	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("run %s: %w", path, err)
	}
	return nil
}
