package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/netpulse/internal/logging"
)

func TestRootOptionsOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netpulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  path: /from/file.store\nlog:\n  level: warn\n"), 0o644))

	cmd := &cobra.Command{Use: "test"}
	opts := &RootOptions{}
	opts.Bind(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--store", "/from/flag.store", "--log-level", "debug"}))

	cfg, err := opts.Config()
	require.NoError(t, err)
	assert.Equal(t, "/from/flag.store", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)
}

func TestRootOptionsFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netpulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  path: /from/file.store\n"), 0o644))

	opts := &RootOptions{ConfigPath: path}
	cfg, err := opts.Config()
	require.NoError(t, err)
	assert.Equal(t, "/from/file.store", cfg.Store.Path)
}

func TestRootOptionsMissingExplicitConfig(t *testing.T) {
	opts := &RootOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")}
	_, err := opts.Config()
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	opts := &RootOptions{ConfigPath: writeConfig(t, "log:\n  file: "+filepath.Join(t.TempDir(), "log", "netpulsed.log")+"\n")}
	cfg, err := opts.Config()
	require.NoError(t, err)

	closer, err := SetupLogging(cfg, true)
	require.NoError(t, err)
	logging.Warn("rotated file test")
	require.NoError(t, closer.Close())
	assert.FileExists(t, cfg.Log.File)

	closer, err = SetupLogging(cfg, false)
	require.NoError(t, err)
	assert.NoError(t, closer.Close())

	cfg.Log.Level = "loud"
	_, err = SetupLogging(cfg, false)
	assert.Error(t, err)
}

func TestIsYes(t *testing.T) {
	for _, in := range []string{"y", "Y", "yes", " YES "} {
		assert.True(t, IsYes(in), in)
	}
	for _, in := range []string{"", "n", "no", "yeah", "sure"} {
		assert.False(t, IsYes(in), in)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netpulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
