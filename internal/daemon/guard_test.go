package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/netpulse/internal/errors"
)

type staticTable []Process

func (s staticTable) Processes() ([]Process, error) {
	return s, nil
}

type failingTable struct{}

func (failingTable) Processes() ([]Process, error) {
	return nil, errors.New("proc unavailable")
}

func TestGuard(t *testing.T) {
	tests := []struct {
		name    string
		procs   staticTable
		pidFile string // content, empty for none
		wantErr error
		wantPID int
	}{
		{
			name:  "only ourselves",
			procs: staticTable{{PID: 1, Name: "init"}, {PID: 10, Name: "netpulsed"}},
		},
		{
			name:    "other instance",
			procs:   staticTable{{PID: 10, Name: "netpulsed"}, {PID: 11, Name: "netpulsed"}},
			wantErr: errors.ErrAlreadyRunning,
			wantPID: 11,
		},
		{
			name:    "stale pid file, process gone",
			procs:   staticTable{{PID: 10, Name: "netpulsed"}},
			pidFile: "77\n",
		},
		{
			name:    "stale pid file, pid reused by another program",
			procs:   staticTable{{PID: 10, Name: "netpulsed"}, {PID: 77, Name: "bash"}},
			pidFile: "77\n",
		},
		{
			name:    "garbage pid file",
			procs:   staticTable{{PID: 10, Name: "netpulsed"}},
			pidFile: "not a pid",
		},
		{
			name:    "pid file matches live daemon",
			procs:   staticTable{{PID: 10, Name: "netpulsed"}, {PID: 77, Name: "netpulsed"}},
			pidFile: "77\n",
			wantErr: errors.ErrAlreadyRunning,
			wantPID: 77,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "run", "netpulse.pid")
			if tt.pidFile != "" {
				require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
				require.NoError(t, os.WriteFile(path, []byte(tt.pidFile), 0o644))
			}
			g := &Guard{Procs: tt.procs, PIDFile: path, Binary: "netpulsed", Self: 10}

			pid, running, err := g.Status()
			require.NoError(t, err)
			assert.Equal(t, tt.wantErr != nil, running)
			assert.Equal(t, tt.wantPID, pid)

			err = g.Acquire()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, err.Error(), strconv.Itoa(tt.wantPID))
				return
			}
			require.NoError(t, err)
			got, err := ReadPIDFile(path)
			require.NoError(t, err)
			assert.Equal(t, 10, got)

			require.NoError(t, g.Release())
			assert.NoFileExists(t, path)
		})
	}
}

func TestGuardReleaseKeepsForeignPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netpulse.pid")
	require.NoError(t, os.WriteFile(path, []byte("99\n"), 0o644))

	g := &Guard{Procs: staticTable{}, PIDFile: path, Binary: "netpulsed", Self: 10}
	require.NoError(t, g.Release())
	assert.FileExists(t, path)

	// Nothing to release.
	require.NoError(t, os.Remove(path))
	assert.NoError(t, g.Release())
}

func TestGuardIgnoresOtherInvocations(t *testing.T) {
	tests := []struct {
		name    string
		procs   staticTable
		pidFile string
		wantPID int
	}{
		{
			name: "concurrent info and stop",
			procs: staticTable{
				{PID: 10, Name: "netpulsed", Args: []string{"netpulsed", "run"}},
				{PID: 20, Name: "netpulsed", Args: []string{"netpulsed", "info"}},
				{PID: 21, Name: "netpulsed", Args: []string{"/usr/bin/netpulsed", "--config", "/etc/netpulse/netpulse.yaml", "stop"}},
			},
		},
		{
			name: "unreadable cmdline",
			procs: staticTable{
				{PID: 10, Name: "netpulsed", Args: []string{"netpulsed", "run"}},
				{PID: 30, Name: "netpulsed"},
			},
		},
		{
			name: "daemon without pid file",
			procs: staticTable{
				{PID: 10, Name: "netpulsed", Args: []string{"netpulsed", "info"}},
				{PID: 40, Name: "netpulsed", Args: []string{"netpulsed", "--log-json", "run"}},
			},
			wantPID: 40,
		},
		{
			name: "pid file wins over argument scan",
			procs: staticTable{
				{PID: 10, Name: "netpulsed", Args: []string{"netpulsed", "stop"}},
				{PID: 40, Name: "netpulsed", Args: []string{"netpulsed", "run"}},
				{PID: 50, Name: "netpulsed", Args: []string{"netpulsed", "run"}},
			},
			pidFile: "50\n",
			wantPID: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "netpulse.pid")
			if tt.pidFile != "" {
				require.NoError(t, os.WriteFile(path, []byte(tt.pidFile), 0o644))
			}
			g := &Guard{Procs: tt.procs, PIDFile: path, Binary: "netpulsed", Command: RunCommand, Self: 10}

			pid, running, err := g.Status()
			require.NoError(t, err)
			assert.Equal(t, tt.wantPID != 0, running)
			assert.Equal(t, tt.wantPID, pid)
		})
	}
}

func TestGuardTruncatedComm(t *testing.T) {
	g := &Guard{
		Procs:   staticTable{{PID: 5, Name: "netpulsed-stagi"}},
		PIDFile: filepath.Join(t.TempDir(), "p.pid"),
		Binary:  "netpulsed-staging",
		Self:    6,
	}
	_, running, err := g.Status()
	require.NoError(t, err)
	assert.True(t, running)
}

func TestGuardProcessTableError(t *testing.T) {
	g := &Guard{Procs: failingTable{}, PIDFile: filepath.Join(t.TempDir(), "p.pid"), Binary: "netpulsed"}
	assert.Error(t, g.Acquire())
}

func TestProcFSListsSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no /proc")
	}
	table, err := NewProcFS("")
	require.NoError(t, err)

	procs, err := table.Processes()
	require.NoError(t, err)

	self := os.Getpid()
	found := false
	for _, p := range procs {
		if p.PID == self {
			found = true
			assert.NotEmpty(t, p.Name)
			assert.NotEmpty(t, p.Args)
		}
	}
	assert.True(t, found)
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadPIDFile(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("-3"), 0o644))
	_, err = ReadPIDFile(bad)
	assert.Error(t, err)
}

func TestControl(t *testing.T) {
	c := NewControl()
	assert.False(t, c.StopRequested())
	assert.False(t, c.ReloadRequested())

	// Requests never block, however many pile up.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			c.RequestReload()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestReload blocked")
	}

	assert.True(t, c.ReloadRequested())
	assert.True(t, c.takeReload())
	assert.False(t, c.takeReload())

	c.RequestStop()
	assert.True(t, c.StopRequested())
	select {
	case <-c.wake:
	default:
		t.Fatal("no wake-up pending")
	}
}

func TestNextBoundary(t *testing.T) {
	base := time.Unix(1_699_999_980, 0) // a minute boundary
	tests := []struct {
		now    time.Time
		period time.Duration
		want   time.Time
	}{
		{base, time.Minute, base.Add(time.Minute)},
		{base.Add(17 * time.Second), time.Minute, base.Add(time.Minute)},
		{base.Add(59*time.Second + 999*time.Millisecond), time.Minute, base.Add(time.Minute)},
		{base.Add(time.Second), 5 * time.Minute, base.Truncate(5 * time.Minute).Add(5 * time.Minute)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextBoundary(tt.now, tt.period), "now=%s period=%s", tt.now, tt.period)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ReloadPending", StateReloadPending.String())
	assert.Equal(t, "Unknown", State(42).String())
}
