// netpulsed is the connectivity monitoring daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/netpulse/config"
	"github.com/xtxerr/netpulse/internal/cli"
	iconfig "github.com/xtxerr/netpulse/internal/config"
	"github.com/xtxerr/netpulse/internal/daemon"
	"github.com/xtxerr/netpulse/internal/errors"
	"github.com/xtxerr/netpulse/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func newRootCommand() *cobra.Command {
	var opts cli.RootOptions

	cmd := &cobra.Command{
		Use:           "netpulsed",
		Short:         "Periodically check connectivity and record the results",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.Bind(cmd)

	cmd.AddCommand(
		newRunCommand(&opts),
		newInfoCommand(&opts),
		newStopCommand(&opts),
		newReloadCommand(&opts),
		newConfigCommand(&opts),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "netpulsed: %v\n", err)
		if errors.IsConfig(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newGuard(cfg *iconfig.Config) (*daemon.Guard, error) {
	procs, err := daemon.NewProcFS("")
	if err != nil {
		return nil, err
	}
	return &daemon.Guard{
		Procs:   procs,
		PIDFile: cfg.Daemon.PIDFile,
		Binary:  cfg.Daemon.BinaryName,
		Command: daemon.RunCommand,
	}, nil
}

// =============================================================================
// run
// =============================================================================

func newRunCommand(opts *cli.RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   daemon.RunCommand,
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			closer, err := cli.SetupLogging(cfg, true)
			if err != nil {
				return err
			}
			defer closer.Close()

			log := logging.Component("main")
			log.Info("netpulsed starting", "version", Version, "pid", os.Getpid())

			guard, err := newGuard(cfg)
			if err != nil {
				return err
			}
			d := daemon.New(daemon.Options{Config: cfg, Guard: guard})

			sig := make(chan os.Signal, 4)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sig)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case s := <-sig:
						log.Info("signal received", "signal", s)
						if s == syscall.SIGHUP {
							d.Control().RequestReload()
							continue
						}
						d.Control().RequestStop()
					}
				}
			}()

			return d.Run(ctx)
		},
	}
}

// =============================================================================
// info / stop / reload
// =============================================================================

func newInfoCommand(opts *cli.RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Report whether a daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			guard, err := newGuard(cfg)
			if err != nil {
				return err
			}
			pid, running, err := guard.Status()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !running {
				fmt.Fprintln(out, "netpulsed is not running")
				return nil
			}
			fmt.Fprintf(out, "netpulsed is running (pid %d)\n", pid)
			fmt.Fprintf(out, "store:  %s\n", cfg.Store.Path)
			fmt.Fprintf(out, "period: %s\n", cfg.Probe.Period)
			return nil
		},
	}
}

// runningPID returns the pid of the running daemon or an error when there is
// none.
func runningPID(cfg *iconfig.Config) (int, error) {
	guard, err := newGuard(cfg)
	if err != nil {
		return 0, err
	}
	pid, running, err := guard.Status()
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, fmt.Errorf("netpulsed is not running")
	}
	return pid, nil
}

func newStopCommand(opts *cli.RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			pid, err := runningPID(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal pid %d: %w", pid, err)
			}
			if waitExit(pid, timeout) {
				fmt.Fprintf(out, "netpulsed (pid %d) stopped\n", pid)
				return nil
			}

			fmt.Fprintf(out, "netpulsed (pid %d) did not stop within %s, killing\n", pid, timeout)
			if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
				return fmt.Errorf("kill pid %d: %w", pid, err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", config.DefaultStopTimeout, "time to wait before sending SIGKILL")
	return cmd
}

// waitExit polls until pid is gone or timeout passes.
func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err == syscall.ESRCH {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func newReloadCommand(opts *cli.RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running daemon to reload its store from disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			pid, err := runningPID(cfg)
			if err != nil {
				return err
			}
			if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
				return fmt.Errorf("signal pid %d: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reload requested (pid %d)\n", pid)
			return nil
		},
	}
}

// =============================================================================
// config
// =============================================================================

func newConfigCommand(opts *cli.RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			data, err := iconfig.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
