// Package daemon runs the netpulsed control loop.
//
// The loop owns the store and the journal. It sleeps until the next period
// boundary, runs one check cycle, journals the batch and saves the store
// every SaveEvery cycles. Stop and reload requests arrive through Control
// and are observed between cycles:
//
//	Starting -> Running -> (ReloadPending -> Running)* -> StopRequested -> Stopped
//
// Save errors that are plain I/O failures are retried on the next cycle;
// the records stay in the journal meanwhile. Every other store error ends
// the loop and is returned with its full cause chain.
package daemon

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/xtxerr/netpulse/internal/config"
	"github.com/xtxerr/netpulse/internal/errors"
	"github.com/xtxerr/netpulse/internal/journal"
	"github.com/xtxerr/netpulse/internal/logging"
	"github.com/xtxerr/netpulse/internal/metrics"
	"github.com/xtxerr/netpulse/internal/records"
	"github.com/xtxerr/netpulse/internal/runner"
	"github.com/xtxerr/netpulse/internal/store"
)

var log = logging.Component("daemon")

// Cycler runs one check cycle.
type Cycler interface {
	RunCycle(ctx context.Context) []records.CheckRecord
}

// Options configures a Daemon. Only Config is required.
type Options struct {
	Config *config.Config

	// Runner defaults to runner.FromConfig(Config).
	Runner Cycler

	// Guard is skipped when nil.
	Guard *Guard

	Control *Control
	Clock   Clock
	Metrics *metrics.Metrics
}

// Daemon is the control loop. Run it once.
type Daemon struct {
	cfg     *config.Config
	runner  Cycler
	guard   *Guard
	ctrl    *Control
	clock   Clock
	metrics *metrics.Metrics

	state atomic.Int32

	// Owned by the Run goroutine.
	store       *store.Store
	journal     *journal.Journal
	cycles      uint64
	pendingSave bool
	unjournaled bool
}

// New creates a Daemon.
func New(opts Options) *Daemon {
	d := &Daemon{
		cfg:     opts.Config,
		runner:  opts.Runner,
		guard:   opts.Guard,
		ctrl:    opts.Control,
		clock:   opts.Clock,
		metrics: opts.Metrics,
	}
	if d.runner == nil {
		d.runner = runner.FromConfig(d.cfg)
	}
	if d.ctrl == nil {
		d.ctrl = NewControl()
	}
	if d.clock == nil {
		d.clock = realClock{}
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	return d
}

// Control returns the daemon's control token.
func (d *Daemon) Control() *Control {
	return d.ctrl
}

// State returns the current state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

func (d *Daemon) setState(s State) {
	if prev := State(d.state.Swap(int32(s))); prev != s {
		log.Debug("state change", "from", prev, "to", s)
	}
	d.metrics.SetState(int(s))
}

// Run starts the daemon and blocks until it stops. Cancelling ctx has the
// same effect as RequestStop. A nil return means a clean stop.
func (d *Daemon) Run(ctx context.Context) (err error) {
	d.setState(StateStarting)
	defer d.setState(StateStopped)
	defer func() {
		if err != nil {
			log.Error("daemon failed", "error", err, "chain", errors.Chain(err))
		}
	}()

	if d.guard != nil {
		if err := d.guard.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := d.guard.Release(); err != nil {
				log.Warn("release pid file", "error", err)
			}
		}()
	}

	if err := d.start(); err != nil {
		return err
	}
	defer func() {
		if err := d.journal.Close(); err != nil {
			log.Warn("close journal", "error", err)
		}
	}()

	d.setState(StateRunning)
	log.Info("daemon running",
		"store", d.cfg.Store.Path,
		"records", d.store.Len(),
		"period", d.cfg.Probe.Period,
		"combinations", len(d.cfg.Combinations()))

	if err := d.loop(ctx); err != nil {
		return err
	}

	d.setState(StateStopRequested)
	log.Info("stopping", "cycles", d.cycles)
	if err := d.saveFinal(); err != nil {
		return err
	}
	log.Info("daemon stopped", "records", d.store.Len())
	return nil
}

func (d *Daemon) start() error {
	path := d.cfg.Store.Path
	st, err := store.LoadOrCreate(path)
	if err != nil {
		return err
	}
	if st.NeedsMigration() {
		return errors.NewStoreError("start", path, errors.ErrNeedsMigration,
			fmt.Errorf("store is %s, run netpulse migrate to upgrade to %s", st.Version(), store.CurrentVersion))
	}

	jpath := journal.PathFor(path)
	replayed, err := journal.Replay(jpath)
	if err != nil {
		return errors.NewStoreError("start", jpath, errors.ErrIO, err)
	}
	j, err := journal.Open(jpath)
	if err != nil {
		return errors.NewStoreError("start", jpath, errors.ErrIO, err)
	}

	d.store = st
	d.journal = j
	d.metrics.SetRecords(st.Len())

	if len(replayed) > 0 {
		log.Info("replaying journal", "path", jpath, "records", len(replayed))
		d.store.AddChecks(replayed)
		if err := d.persist(); err != nil {
			j.Close()
			return err
		}
	}
	return nil
}

// loop returns nil once a stop was requested.
func (d *Daemon) loop(ctx context.Context) error {
	period := d.cfg.Probe.Period
	for {
		if d.ctrl.StopRequested() {
			return nil
		}
		if d.ctrl.takeReload() {
			if err := d.reload(); err != nil {
				return err
			}
			continue
		}

		now := d.clock.Now()
		select {
		case <-ctx.Done():
			d.ctrl.RequestStop()
			continue
		case <-d.ctrl.wake:
			continue
		case <-d.clock.After(nextBoundary(now, period).Sub(now)):
		}

		if d.ctrl.StopRequested() {
			return nil
		}
		if err := d.cycle(ctx); err != nil {
			return err
		}
	}
}

func (d *Daemon) cycle(ctx context.Context) error {
	d.cycles++
	// A stop must not abort probes in flight.
	cctx := logging.ContextWithCycle(context.WithoutCancel(ctx), d.cycles)

	start := d.clock.Now()
	batch := d.runner.RunCycle(cctx)
	d.metrics.ObserveCycle(batch, d.clock.Now().Sub(start))

	d.store.AddChecks(batch)
	d.metrics.SetRecords(d.store.Len())
	if err := d.journal.Append(batch); err != nil {
		// Without a journal entry the batch only lives in memory; save now.
		log.Warn("journal append failed", "error", err)
		d.unjournaled = true
	}
	d.metrics.SetJournalBytes(d.journal.Stats().BytesWritten)

	saveEvery := uint64(max(d.cfg.Store.SaveEvery, 1))
	if d.cycles%saveEvery == 0 || d.pendingSave || d.unjournaled {
		if err := d.persist(); err != nil {
			return err
		}
	}
	d.writeMetrics()
	return nil
}

// persist saves the store and resets the journal. Transient failures are
// logged and leave pendingSave set.
func (d *Daemon) persist() error {
	err := d.store.Save()
	d.metrics.ObserveSave(err, d.store.Len(), d.store.DiskSize())
	if err != nil {
		if errors.IsTransient(err) {
			log.Warn("save failed, retrying next cycle", "error", err)
			d.pendingSave = true
			return nil
		}
		return err
	}
	d.pendingSave = false
	d.unjournaled = false

	if err := d.journal.Reset(); err != nil {
		// Replaying a stale journal would duplicate saved records.
		log.Error("journal reset failed", "error", err, "path", d.journal.Path())
	}
	log.Debug("store saved", "records", d.store.Len(), "bytes", d.store.DiskSize())
	return nil
}

func (d *Daemon) saveFinal() error {
	err := d.store.Save()
	d.metrics.ObserveSave(err, d.store.Len(), d.store.DiskSize())
	d.writeMetrics()
	if err != nil {
		if errors.IsTransient(err) && !d.unjournaled {
			log.Warn("final save failed, records kept in journal", "error", err)
		}
		return err
	}
	if err := d.journal.Reset(); err != nil {
		log.Error("journal reset failed", "error", err, "path", d.journal.Path())
	}
	return nil
}

// reload replaces the in-memory store with the one on disk plus the
// journal, then saves.
func (d *Daemon) reload() error {
	d.setState(StateReloadPending)
	defer d.setState(StateRunning)
	d.metrics.ObserveReload()

	if d.unjournaled || d.pendingSave {
		if err := d.persist(); err != nil {
			return err
		}
		if d.unjournaled {
			log.Warn("reload skipped, unsaved records are not journaled")
			return nil
		}
	}

	path := d.cfg.Store.Path
	fresh, err := store.Load(path, false)
	if err != nil {
		if errors.IsTransient(err) {
			log.Warn("reload failed, keeping current store", "error", err)
			return nil
		}
		return err
	}
	if fresh.NeedsMigration() {
		return errors.NewStoreError("reload", path, errors.ErrNeedsMigration,
			fmt.Errorf("store on disk is %s", fresh.Version()))
	}

	replayed, err := journal.Replay(d.journal.Path())
	if err != nil {
		log.Warn("reload failed, keeping current store", "error", err)
		return nil
	}
	fresh.AddChecks(replayed)

	log.Info("store reloaded", "records", fresh.Len(), "journaled", len(replayed), "previous", d.store.Len())
	d.store = fresh
	d.metrics.SetRecords(fresh.Len())
	return d.persist()
}

func (d *Daemon) writeMetrics() {
	path := d.cfg.Metrics.Textfile
	if path == "" {
		return
	}
	if err := d.metrics.WriteTextfile(path); err != nil {
		log.Warn("write metrics textfile", "path", path, "error", err)
	}
}

// Store returns the store. Only valid while Run is not executing.
func (d *Daemon) Store() *store.Store {
	return d.store
}
