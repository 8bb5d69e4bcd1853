// Package config holds the settings the core orchestration engine
// functionally reads (spec.md §6). guiPort/agentPort/useHttps are carried
// only as pass-through values for the external HTTP/web host — this module
// never binds a socket for them. jwtIssuer/jwtAudience/jwtSecret/
// jwtExpiryMinutes/refreshTokenExpirationDays are likewise only stored on
// Config; no code in this module reads them. Token issuance is the external
// REST API's job (spec.md §1, out of scope).
package config

import "time"

// Config is the full set of environment/file-recognized settings named in
// spec.md §6.
type Config struct {
	// Pass-through fields, owned by the external web host.
	GUIPort   string
	AgentPort string
	UseHTTPS  bool

	// Functionally read by the core.
	JournalRootPath    string
	EnvironmentName    string
	HeartbeatInterval  time.Duration
	OfflineThreshold   time.Duration
	ReadinessTimeout   time.Duration
	CancellationGrace  time.Duration
	FlushTimeout       time.Duration

	// Stored only; never interpreted by this module.
	JWTIssuer                  string
	JWTAudience                string
	JWTSecret                  string
	JWTExpiryMinutes           int
	RefreshTokenExpirationDays int
}

// Default timeout values from spec.md §4.2-§4.4.7 and Design Notes §9.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultOfflineThreshold  = 60 * time.Second
	DefaultReadinessTimeout  = 30 * time.Second
	DefaultCancellationGrace = 15 * time.Second
	DefaultFlushTimeout      = 30 * time.Second
)

// New returns a Config populated with the package defaults. Callers
// (cmd/sitekeeper-master) override fields from flags/environment.
//
// The offline threshold is not derived from the heartbeat interval
// automatically — only the relationship offlineThreshold >= 3 *
// heartbeatInterval is required to hold. Validate
// enforces that relationship explicitly rather than silently recomputing it,
// so an operator who sets both is told if they conflict instead of having
// one silently overridden.
func New() Config {
	return Config{
		AgentPort:         "9090",
		GUIPort:           "8080",
		JournalRootPath:   "./journal",
		EnvironmentName:   "development",
		HeartbeatInterval: DefaultHeartbeatInterval,
		OfflineThreshold:  DefaultOfflineThreshold,
		ReadinessTimeout:  DefaultReadinessTimeout,
		CancellationGrace: DefaultCancellationGrace,
		FlushTimeout:      DefaultFlushTimeout,
		JWTExpiryMinutes:  15,
		RefreshTokenExpirationDays: 30,
	}
}

// Validate checks the relationship spec.md §9 Open Question 2 assumes:
// offlineThreshold >= 3 * heartbeatInterval. Returns a descriptive error if
// violated so misconfiguration is caught at startup rather than producing
// spurious offline flaps at runtime.
func (c Config) Validate() error {
	if c.OfflineThreshold < 3*c.HeartbeatInterval {
		return errInvalidOfflineThreshold{heartbeat: c.HeartbeatInterval, offline: c.OfflineThreshold}
	}
	return nil
}

type errInvalidOfflineThreshold struct {
	heartbeat time.Duration
	offline   time.Duration
}

func (e errInvalidOfflineThreshold) Error() string {
	return "config: offlineThreshold (" + e.offline.String() + ") must be >= 3x heartbeatIntervalSeconds (" + e.heartbeat.String() + ")"
}
