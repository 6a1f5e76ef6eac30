// netpulse analyzes the check history written by netpulsed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xtxerr/netpulse/internal/cli"
	"github.com/xtxerr/netpulse/internal/config"
	"github.com/xtxerr/netpulse/internal/errors"
)

// Version is set at build time via ldflags
var Version = "dev"

// app carries what every subcommand needs once the root has run.
type app struct {
	opts cli.RootOptions
	cfg  *config.Config
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "netpulse",
		Short:         "Analyze netpulse connectivity history",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.opts.Config()
			if err != nil {
				return err
			}
			if _, err := cli.SetupLogging(cfg, false); err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	a.opts.Bind(cmd)

	cmd.AddCommand(
		newAnalyzeCommand(a),
		newDumpCommand(a),
		newOutagesCommand(a),
		newMigrateCommand(a),
		newPeekCommand(a),
		newCheckCommand(a),
		newGenerateCommand(a),
		newExportCommand(a),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "netpulse: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error categories to distinct exit codes for scripts.
func exitCode(err error) int {
	switch {
	case errors.IsConfig(err):
		return 2
	case errors.Is(err, errors.ErrStoreNotFound):
		return 3
	case errors.Is(err, errors.ErrNeedsMigration), errors.Is(err, errors.ErrUnsupportedVersion):
		return 4
	default:
		return 1
	}
}
