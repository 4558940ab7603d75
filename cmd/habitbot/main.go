// Command habitbot runs the habit reminder scheduler and its operator tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"habitbot/internal/app"
	"habitbot/pkg/logx"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "habitbot",
		Short:         "Habit reminder scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "config file path (JSON or YAML)")

	open := func() (*app.App, error) { return app.New(cfgPath) }
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the beat runner, task engine and optional bot",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), cfgPath)
			},
		},
		reconcileCmd(open),
		removeCmd(open),
		dispatchCmd(open),
		entriesCmd(open),
		habitCmd(open),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "habitbot version %s (build: %s)\n", Version, BuildTime)
			},
		},
	)
	return cmd
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	log := a.Logger()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	sdNotify(log, daemon.SdNotifyReady)
	stopWatchdog := startWatchdog(log)

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
		if errors.Is(parent.Err(), context.Canceled) {
			reason = app.StopAppStop
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopWatchdog()
	sdNotify(log, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// startWatchdog pings systemd at half the WatchdogSec interval when enabled.
func startWatchdog(log logx.Logger) func() {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				sdNotify(log, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return func() { close(done) }
}
