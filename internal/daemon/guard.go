package daemon

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/xtxerr/netpulse/internal/errors"
)

// commLen is the kernel's limit on /proc/<pid>/comm, without the NUL.
const commLen = 15

// RunCommand is the netpulsed subcommand that runs the daemon.
const RunCommand = "run"

// Process is one entry of the process table.
type Process struct {
	PID  int
	Name string
	Args []string // argv; empty when unreadable
}

// ProcessTable lists running processes.
type ProcessTable interface {
	Processes() ([]Process, error)
}

// ProcFS reads the process table from /proc.
type ProcFS struct {
	fs procfs.FS
}

// NewProcFS opens the proc filesystem at mountPoint. An empty mountPoint
// means /proc.
func NewProcFS(mountPoint string) (*ProcFS, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	p, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcFS{fs: p}, nil
}

// Processes lists every thread group leader. Processes that exit while the
// table is read are skipped.
func (p *ProcFS) Processes() ([]Process, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Process, 0, len(procs))
	for _, proc := range procs {
		comm, err := proc.Comm()
		if err != nil {
			continue
		}
		args, _ := proc.CmdLine()
		out = append(out, Process{PID: proc.PID, Name: comm, Args: args})
	}
	return out, nil
}

// =============================================================================
// Guard
// =============================================================================

// Guard keeps a second daemon from running against the same store.
//
// A live process named Binary recorded in the pid file is the running
// daemon. Without one, any other process named Binary whose arguments
// include Command counts; an empty Command matches on the name alone. The
// pid file is written by Acquire and removed by Release; a pid file whose
// process is gone or runs something else is stale.
type Guard struct {
	Procs   ProcessTable
	PIDFile string
	Binary  string

	// Command is the subcommand that runs the daemon, e.g. "run". Other
	// invocations of Binary (info, stop) are not daemons.
	Command string

	// Self is our own pid. 0 means os.Getpid().
	Self int
}

func (g *Guard) self() int {
	if g.Self != 0 {
		return g.Self
	}
	return os.Getpid()
}

func (g *Guard) matches(name string) bool {
	want := g.Binary
	if len(want) > commLen {
		want = want[:commLen]
	}
	return name == want
}

func (g *Guard) isDaemon(p Process) bool {
	if !g.matches(p.Name) {
		return false
	}
	if g.Command == "" {
		return true
	}
	return len(p.Args) > 1 && slices.Contains(p.Args[1:], g.Command)
}

// Status returns the pid of another running daemon, if any.
func (g *Guard) Status() (pid int, running bool, err error) {
	procs, err := g.Procs.Processes()
	if err != nil {
		return 0, false, err
	}
	self := g.self()

	// Prefer the pid recorded in the pid file when it is alive.
	if recorded, err := ReadPIDFile(g.PIDFile); err == nil && recorded != self {
		for _, p := range procs {
			if p.PID == recorded && g.matches(p.Name) {
				return recorded, true, nil
			}
		}
	}
	for _, p := range procs {
		if p.PID != self && g.isDaemon(p) {
			return p.PID, true, nil
		}
	}
	return 0, false, nil
}

// Acquire fails with ErrAlreadyRunning if another daemon is alive, removes
// a stale pid file and writes our own.
func (g *Guard) Acquire() error {
	pid, running, err := g.Status()
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("%w (pid %d)", errors.ErrAlreadyRunning, pid)
	}

	if _, err := os.Stat(g.PIDFile); err == nil {
		stale, _ := ReadPIDFile(g.PIDFile)
		log.Warn("removing stale pid file", "path", g.PIDFile, "pid", stale)
		if err := os.Remove(g.PIDFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale pid file: %w", err)
		}
	}
	return writePIDFile(g.PIDFile, g.self())
}

// Release removes the pid file if it still holds our pid.
func (g *Guard) Release() error {
	pid, err := ReadPIDFile(g.PIDFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil || pid != g.self() {
		return nil
	}
	if err := os.Remove(g.PIDFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// ReadPIDFile reads the pid stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: pid file %s appeared concurrently", errors.ErrAlreadyRunning, path)
		}
		return fmt.Errorf("write pid file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		f.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	return f.Close()
}
