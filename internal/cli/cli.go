// Package cli holds what the netpulse and netpulsed commands share: global
// flags, configuration and logging setup, and interactive confirmation.
package cli

import (
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xtxerr/netpulse/internal/config"
	"github.com/xtxerr/netpulse/internal/errors"
	"github.com/xtxerr/netpulse/internal/logging"
)

// ErrNotInteractive is returned by Confirm when stdin is not a terminal.
var ErrNotInteractive = errors.New("stdin is not a terminal")

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	StorePath  string
	LogLevel   string
	LogJSON    bool
}

// Bind registers the global flags on cmd.
func (o *RootOptions) Bind(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&o.ConfigPath, "config", "c", config.DefaultPath, "config file; a missing default file means built-in defaults")
	f.StringVar(&o.StorePath, "store", "", "store file (overrides store.path)")
	f.StringVar(&o.LogLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")
	f.BoolVar(&o.LogJSON, "log-json", false, "log as JSON")
}

// Config loads and validates the configuration and applies flag overrides.
func (o *RootOptions) Config() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.StorePath != "" {
		cfg.Store.Path = o.StorePath
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogJSON {
		cfg.Log.JSON = true
	}
	return cfg, nil
}

// SetupLogging initializes the global logger from cfg. With toFile and a
// configured log.file, output goes to the rotated file; the returned closer
// must then be closed on exit. Otherwise logs go to stderr.
func SetupLogging(cfg *config.Config, toFile bool) (io.Closer, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	if toFile && cfg.Log.File != "" {
		return logging.InitFile(cfg.Log.File, level, cfg.Log.JSON)
	}
	logging.Init(level, cfg.Log.JSON)
	return nopCloser{}, nil
}

// Confirm asks a yes/no question on the terminal. The answer defaults to
// no. Without a terminal on stdin it fails with ErrNotInteractive.
func Confirm(question string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, ErrNotInteractive
	}
	answer := prompt.Input(question+" [y/N] ", yesNo)
	return IsYes(answer), nil
}

// IsYes reports whether answer means yes.
func IsYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func yesNo(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "yes", Description: "proceed"},
		{Text: "no", Description: "abort"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
