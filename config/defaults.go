// Package config provides configuration defaults for netpulse.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via netpulse.yaml or NETPULSE_* environment
// variables.
package config

import "time"

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultStorePath is where the daemon keeps its check history.
	// Override via config: store.path
	DefaultStorePath = "/var/lib/netpulse/netpulse.store"

	// DefaultSaveEvery is the number of cycles between full store saves.
	// Records produced in between are kept in the journal.
	// Override via config: store.save_every
	DefaultSaveEvery = 1

	// DefaultCompressionLevel is the zstd level used for store files.
	// Matches the level the store format was designed around (4).
	DefaultCompressionLevel = 4

	// JournalSuffix is appended to the store path to form the journal path.
	JournalSuffix = ".journal"
)

// =============================================================================
// Probe Defaults
// =============================================================================

const (
	// DefaultPeriod is the interval between probe cycles. It is also the
	// basis of the outage grouping tolerance.
	// Override via config: probe.period
	DefaultPeriod = 60 * time.Second

	// DefaultProbeTimeout bounds a single probe. A cycle never takes longer
	// than the longest probe timeout.
	// Override via config: probe.timeout
	DefaultProbeTimeout = 10 * time.Second

	// DefaultTargetV4 is the IPv4 probe target.
	// Override via config: probe.targets.v4
	DefaultTargetV4 = "1.1.1.1"

	// DefaultTargetV6 is the IPv6 probe target.
	// Override via config: probe.targets.v6
	DefaultTargetV6 = "2606:4700:4700::1111"

	// DefaultHTTPScheme is the scheme used for HTTP probes.
	// Override via config: probe.http_scheme
	DefaultHTTPScheme = "http"
)

// DefaultEnabled lists the combinations probed when none are configured.
var DefaultEnabled = []string{"http-v4", "http-v6", "icmp-v4", "icmp-v6"}

// =============================================================================
// Analysis Defaults
// =============================================================================

const (
	// DefaultGapFactor is the multiple of the period two consecutive failed
	// records may be apart and still belong to the same outage.
	DefaultGapFactor = 1.5
)

// =============================================================================
// Daemon Defaults
// =============================================================================

const (
	// DefaultPIDFile is the daemon's pid file.
	// Override via config: daemon.pid_file
	DefaultPIDFile = "/run/netpulse/netpulse.pid"

	// DefaultBinaryName is the process name the liveness guard looks for.
	// Override via config: daemon.binary_name
	DefaultBinaryName = "netpulsed"

	// DefaultStopTimeout is how long `netpulsed stop` waits before SIGKILL.
	DefaultStopTimeout = 5 * time.Second
)

// =============================================================================
// Logging Defaults
// =============================================================================

const (
	// DefaultLogLevel is the default log level.
	// Override via config: log.level or NETPULSE_LOG_LEVEL
	DefaultLogLevel = "info"

	// DefaultLogMaxSizeMB is the size at which the daemon log file rotates.
	DefaultLogMaxSizeMB = 10

	// DefaultLogMaxBackups is the number of rotated log files kept.
	DefaultLogMaxBackups = 5

	// DefaultLogMaxAgeDays is how long rotated log files are kept.
	DefaultLogMaxAgeDays = 14
)
