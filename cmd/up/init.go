package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dillendev/up/internal/event"
	"github.com/dillendev/up/internal/initd"
	"github.com/dillendev/up/internal/logger"
)

// InitFlags holds flags for the init command
type InitFlags struct {
	StopTimeout time.Duration
	LogLevel    string
	NoSubreaper bool
}

// newInitCommand creates `up init`, a minimal init for containers.
func newInitCommand() *cobra.Command {
	flags := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init [--] [command [args...]]",
		Short: "Reap orphaned processes and optionally run a command",
		Long: `init reaps every orphan re-parented to it. Given a command it runs the
command in its own session, forwards SIGINT/SIGTERM as a group stop and exits
with the command's exit code.

Examples:
  up init -- up .dev/up.toml
  up init sleep infinity`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context(), *flags, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().DurationVar(&flags.StopTimeout, "stop-timeout", initd.DefaultStopTimeout, "grace period before SIGKILL")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "info", "debug, info, warn or error")
	cmd.Flags().BoolVar(&flags.NoSubreaper, "no-subreaper", false, "do not register as child subreaper")
	return cmd
}

func runInit(ctx context.Context, flags InitFlags, argv []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log, closer, err := logger.New(logger.Config{Level: flags.LogLevel}, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	events := make(chan event.Event, 64)
	c, handle := initd.New(events, initd.Options{
		Argv:        argv,
		Env:         os.Environ(),
		StopTimeout: flags.StopTimeout,
		Subreaper:   !flags.NoSubreaper,
		Logger:      log,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go event.NewSignalProxy(events, handle, log).Run(ctx)
	go func() {
		<-ctx.Done()
		handle.Stop()
	}()

	code, err := c.Run()
	if err != nil {
		log.Error("Init failed", "error", err)
	}
	if code != 0 {
		return exitError{code: code}
	}
	return err
}
