// Package config loads and validates the netpulse configuration.
//
// Configuration is read from a YAML file with viper, defaults come from the
// top-level config package and every key can be overridden from the
// environment with the NETPULSE_ prefix (probe.period -> NETPULSE_PROBE_PERIOD).
//
// A Config is only usable after Validate succeeds. Validate resolves the
// enabled combinations and probe targets and rejects contradictory setups;
// afterwards the Config is treated as immutable.
package config

import (
	"io/fs"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/netpulse/config"
	"github.com/xtxerr/netpulse/internal/errors"
	"github.com/xtxerr/netpulse/internal/logging"
	"github.com/xtxerr/netpulse/internal/records"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "NETPULSE"

// DefaultPath is where the binaries look for a config file when none is given.
const DefaultPath = "/etc/netpulse/netpulse.yaml"

// Store configures the history file.
type Store struct {
	Path      string `mapstructure:"path" yaml:"path"`
	SaveEvery int    `mapstructure:"save_every" yaml:"save_every"`
}

// Targets holds one probe target per IP stack.
type Targets struct {
	V4 string `mapstructure:"v4" yaml:"v4"`
	V6 string `mapstructure:"v6" yaml:"v6"`
}

// Probe configures the check cycle.
type Probe struct {
	Period     time.Duration `mapstructure:"period" yaml:"period"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Enabled    []string      `mapstructure:"enabled" yaml:"enabled"`
	Targets    Targets       `mapstructure:"targets" yaml:"targets"`
	HTTPScheme string        `mapstructure:"http_scheme" yaml:"http_scheme"`
}

// Daemon configures process management.
type Daemon struct {
	PIDFile    string `mapstructure:"pid_file" yaml:"pid_file"`
	BinaryName string `mapstructure:"binary_name" yaml:"binary_name"`
}

// Log configures logging. An empty File logs to stderr.
type Log struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  string `mapstructure:"file" yaml:"file"`
}

// Metrics configures the Prometheus textfile. An empty Textfile disables it.
type Metrics struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// Config is the full netpulse configuration.
type Config struct {
	Store   Store   `mapstructure:"store" yaml:"store"`
	Probe   Probe   `mapstructure:"probe" yaml:"probe"`
	Daemon  Daemon  `mapstructure:"daemon" yaml:"daemon"`
	Log     Log     `mapstructure:"log" yaml:"log"`
	Metrics Metrics `mapstructure:"metrics" yaml:"metrics"`

	// Resolved by Validate.
	combos  []records.Combination
	targets map[records.Stack]netip.Addr
}

// Default returns a Config holding only the documented defaults. It still
// needs Validate before use.
func Default() *Config {
	return &Config{
		Store: Store{
			Path:      defaults.DefaultStorePath,
			SaveEvery: defaults.DefaultSaveEvery,
		},
		Probe: Probe{
			Period:  defaults.DefaultPeriod,
			Timeout: defaults.DefaultProbeTimeout,
			Enabled: append([]string(nil), defaults.DefaultEnabled...),
			Targets: Targets{
				V4: defaults.DefaultTargetV4,
				V6: defaults.DefaultTargetV6,
			},
			HTTPScheme: defaults.DefaultHTTPScheme,
		},
		Daemon: Daemon{
			PIDFile:    defaults.DefaultPIDFile,
			BinaryName: defaults.DefaultBinaryName,
		},
		Log: Log{
			Level: defaults.DefaultLogLevel,
		},
	}
}

// Load reads the configuration at path, applies defaults and environment
// overrides, and validates the result. A missing file is not an error when
// path is the DefaultPath or empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("store.save_every", def.Store.SaveEvery)
	v.SetDefault("probe.period", def.Probe.Period)
	v.SetDefault("probe.timeout", def.Probe.Timeout)
	v.SetDefault("probe.enabled", def.Probe.Enabled)
	v.SetDefault("probe.targets.v4", def.Probe.Targets.V4)
	v.SetDefault("probe.targets.v6", def.Probe.Targets.V6)
	v.SetDefault("probe.http_scheme", def.Probe.HTTPScheme)
	v.SetDefault("daemon.pid_file", def.Daemon.PIDFile)
	v.SetDefault("daemon.binary_name", def.Daemon.BinaryName)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.textfile", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) || path != DefaultPath {
				return nil, errors.NewInvalid("config", "read %s: %v", path, err)
			}
			logging.Debug("no config file, using defaults", "path", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewInvalid("config", "decode: %v", err)
	}
	// Comma separated lists from the environment arrive as one element.
	if len(cfg.Probe.Enabled) == 1 && strings.Contains(cfg.Probe.Enabled[0], ",") {
		cfg.Probe.Enabled = strings.Split(cfg.Probe.Enabled[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and resolves combinations and targets.
// All problems are reported together.
func (c *Config) Validate() error {
	errs := errors.NewValidationErrors()

	if c.Store.Path == "" {
		errs.Add(errors.NewInvalid("store.path", "must not be empty"))
	}
	if c.Store.SaveEvery < 1 {
		errs.Add(errors.NewInvalid("store.save_every", "must be at least 1, got %d", c.Store.SaveEvery))
	}
	if c.Probe.Period <= 0 {
		errs.Add(errors.NewInvalid("probe.period", "must be positive, got %s", c.Probe.Period))
	}
	if c.Probe.Timeout <= 0 {
		errs.Add(errors.NewInvalid("probe.timeout", "must be positive, got %s", c.Probe.Timeout))
	} else if c.Probe.Period > 0 && c.Probe.Timeout >= c.Probe.Period {
		errs.Add(errors.NewInvalid("probe.timeout", "%s must be shorter than probe.period %s", c.Probe.Timeout, c.Probe.Period))
	}
	switch c.Probe.HTTPScheme {
	case "http", "https":
	default:
		errs.Add(errors.NewInvalid("probe.http_scheme", "must be http or https, got %q", c.Probe.HTTPScheme))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs.Add(errors.NewInvalid("log.level", "%v", err))
	}

	combos := make([]records.Combination, 0, len(c.Probe.Enabled))
	seen := make(map[records.Combination]bool)
	for _, name := range c.Probe.Enabled {
		if strings.TrimSpace(name) == "" {
			continue
		}
		combo, err := records.ParseCombination(name)
		if err != nil {
			errs.Add(errors.NewInvalid("probe.enabled", "%v", err))
			continue
		}
		if seen[combo] {
			errs.Add(errors.NewAmbiguous("probe.enabled", "%s listed more than once", combo))
			continue
		}
		seen[combo] = true
		combos = append(combos, combo)
	}
	if len(combos) == 0 && !errs.HasErrors() {
		errs.Add(errors.NewMissing("probe.enabled", "no probe combination enabled"))
	}

	targets := make(map[records.Stack]netip.Addr, 2)
	for _, t := range []struct {
		field string
		raw   string
		stack records.Stack
	}{
		{"probe.targets.v4", c.Probe.Targets.V4, records.StackV4},
		{"probe.targets.v6", c.Probe.Targets.V6, records.StackV6},
	} {
		if t.raw == "" {
			continue
		}
		addr, err := netip.ParseAddr(t.raw)
		if err != nil {
			errs.Add(errors.NewInvalid(t.field, "%v", err))
			continue
		}
		if records.StackOf(addr) != t.stack {
			errs.Add(errors.NewAmbiguous(t.field, "%s is not an %s address", addr, t.stack))
			continue
		}
		targets[t.stack] = addr.Unmap()
	}
	for _, combo := range combos {
		if _, ok := targets[combo.Stack]; ok {
			continue
		}
		field := "probe.targets.v4"
		if combo.Stack == records.StackV6 {
			field = "probe.targets.v6"
		}
		errs.Add(errors.NewMissing(field, "%s is enabled but has no target", combo))
	}

	if errs.HasErrors() {
		return errs.Err()
	}
	c.combos = combos
	c.targets = targets
	return nil
}

// Combinations returns the enabled combinations in configured order.
func (c *Config) Combinations() []records.Combination {
	return append([]records.Combination(nil), c.combos...)
}

// Targets returns the resolved probe target per stack.
func (c *Config) Targets() map[records.Stack]netip.Addr {
	out := make(map[records.Stack]netip.Addr, len(c.targets))
	for k, v := range c.targets {
		out[k] = v
	}
	return out
}

// Target returns the probe target for stack.
func (c *Config) Target(stack records.Stack) (netip.Addr, bool) {
	addr, ok := c.targets[stack]
	return addr, ok
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
