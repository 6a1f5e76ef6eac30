package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/netpulse/internal/analyze"
	"github.com/xtxerr/netpulse/internal/cli"
	"github.com/xtxerr/netpulse/internal/daemon"
	"github.com/xtxerr/netpulse/internal/errors"
	"github.com/xtxerr/netpulse/internal/export"
	"github.com/xtxerr/netpulse/internal/records"
	"github.com/xtxerr/netpulse/internal/report"
	"github.com/xtxerr/netpulse/internal/runner"
	"github.com/xtxerr/netpulse/internal/store"
	"github.com/xtxerr/netpulse/internal/testset"
)

// analyzeOptions builds analyzer options from the configuration.
func (a *app) analyzeOptions() analyze.Options {
	return analyze.Options{
		Period:  a.cfg.Probe.Period,
		Enabled: a.cfg.Combinations(),
	}
}

func (a *app) loadStore(readonly bool) (*store.Store, error) {
	return store.Load(a.cfg.Store.Path, readonly)
}

// =============================================================================
// analyze
// =============================================================================

func newAnalyzeCommand(a *app) *cobra.Command {
	var maxOutages int

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Print the full report for the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.loadStore(true)
			if err != nil {
				return err
			}
			return report.Render(cmd.OutOrStdout(), st, report.Options{
				Analyze:    a.analyzeOptions(),
				MaxOutages: maxOutages,
			})
		},
	}
	cmd.Flags().IntVar(&maxOutages, "max-outages", 0, "show only the most recent N outages (0 = all)")
	return cmd
}

// =============================================================================
// dump
// =============================================================================

func newDumpCommand(a *app) *cobra.Command {
	var failed bool

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.loadStore(true)
			if err != nil {
				return err
			}
			_, err = report.Dump(cmd.OutOrStdout(), st.Checks(), failed)
			return err
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "print failed records only")
	return cmd
}

// =============================================================================
// outages
// =============================================================================

func newOutagesCommand(a *app) *cobra.Command {
	var (
		stack  string
		cutoff int
		order  string
	)

	cmd := &cobra.Command{
		Use:   "outages",
		Short: "List outages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.analyzeOptions()
			if stack != "" {
				s, err := records.ParseStack(stack)
				if err != nil {
					return err
				}
				opts.Stack = s
			}
			if cutoff < 0 {
				return fmt.Errorf("--cutoff must not be negative")
			}
			opts.Cutoff = cutoff

			st, err := a.loadStore(true)
			if err != nil {
				return err
			}
			list := analyze.Outages(st.Checks(), opts)
			switch order {
			case "recency":
				analyze.SortByRecency(list)
			case "severity":
				analyze.SortBySeverity(list)
			case "time":
			default:
				return fmt.Errorf("unknown --sort %q: must be time, recency or severity", order)
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "None")
				return nil
			}
			for _, o := range list {
				if err := report.Outage(out, o); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stack, "stack", "", "restrict to one IP stack: v4 or v6")
	cmd.Flags().IntVar(&cutoff, "cutoff", 0, "analyze only the most recent N records (0 = all)")
	cmd.Flags().StringVar(&order, "sort", "recency", "order: time, recency or severity")
	return cmd
}

// =============================================================================
// migrate / peek
// =============================================================================

func newMigrateCommand(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade the store to the current format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := a.cfg.Store.Path

			v, err := store.PeekVersion(path)
			if err != nil {
				return err
			}
			if v == store.CurrentVersion {
				fmt.Fprintf(out, "store %s is already %s\n", path, v)
				return nil
			}

			if err := a.ensureDaemonStopped(); err != nil {
				return err
			}

			st, err := a.loadStore(false)
			if err != nil {
				return err
			}
			if !yes {
				ok, err := cli.Confirm(fmt.Sprintf("Migrate %s (%d records) from %s to %s?",
					path, st.Len(), st.Version(), store.CurrentVersion))
				if errors.Is(err, cli.ErrNotInteractive) {
					return fmt.Errorf("%w: pass --yes to migrate without confirmation", err)
				}
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "aborted")
					return nil
				}
			}

			if err := st.Migrate(); err != nil {
				return err
			}
			if err := st.Save(); err != nil {
				return err
			}
			fmt.Fprintf(out, "migrated %s from %s to %s\n", path, v, st.Version())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// ensureDaemonStopped refuses to rewrite the store under a running daemon.
func (a *app) ensureDaemonStopped() error {
	procs, err := daemon.NewProcFS("")
	if err != nil {
		return err
	}
	g := &daemon.Guard{
		Procs:   procs,
		PIDFile: a.cfg.Daemon.PIDFile,
		Binary:  a.cfg.Daemon.BinaryName,
		Command: daemon.RunCommand,
	}
	pid, running, err := g.Status()
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("%w (pid %d): stop it before migrating", errors.ErrAlreadyRunning, pid)
	}
	return nil
}

func newPeekCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "peek",
		Short: "Print the on-disk store version without loading it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := store.PeekVersion(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			status := "current"
			if v < store.CurrentVersion {
				status = "needs migration"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", v, status)
			return nil
		},
	}
}

// =============================================================================
// check
// =============================================================================

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run one check cycle and print the results without storing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs := runner.FromConfig(a.cfg).RunCycle(context.Background())
			_, err := report.Dump(cmd.OutOrStdout(), recs, false)
			return err
		},
	}
}

// =============================================================================
// generate
// =============================================================================

func newGenerateCommand(a *app) *cobra.Command {
	var (
		out    string
		seed   uint64
		cycles int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a deterministic test dataset as a new store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cycles <= 0 {
				return fmt.Errorf("--cycles must be positive")
			}
			start := time.Now()
			st, err := store.Create(out)
			if err != nil {
				return err
			}
			st.AddChecks(testset.Generate(seed, cycles))
			if err := st.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d records to %s (%d bytes, hash %s) in %s\n",
				st.Len(), out, st.DiskSize(), st.Hash(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "store file to create")
	cmd.Flags().Uint64Var(&seed, "seed", testset.DefaultSeed, "random seed")
	cmd.Flags().IntVar(&cycles, "cycles", testset.DefaultCycles, "number of one-minute cycles")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// =============================================================================
// export
// =============================================================================

func newExportCommand(a *app) *cobra.Command {
	var (
		out         string
		outages     string
		compression string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export records (and optionally outages) as Parquet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.loadStore(true)
			if err != nil {
				return err
			}
			opts := export.DefaultOptions()
			opts.Compression = export.ParseCompressionType(strings.ToLower(compression))

			n, err := export.WriteChecks(out, st.Checks(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d records to %s\n", n, out)

			if outages != "" {
				list := analyze.Outages(st.Checks(), a.analyzeOptions())
				n, err := export.WriteOutages(outages, list, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d outages to %s\n", n, outages)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Parquet file for records")
	cmd.Flags().StringVar(&outages, "outages", "", "Parquet file for outages (optional)")
	cmd.Flags().StringVar(&compression, "compression", "zstd", "zstd, snappy, gzip or none")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
