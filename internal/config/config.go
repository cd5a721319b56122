// Package config provides the configuration schema, loader and store-driver
// registry for the tiflis workstation daemon.
package config

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler flavour.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Store drivers accepted by history.driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root configuration for the workstation daemon. It is loaded
// from a single YAML file with [Load] or [LoadFromReader].
type Config struct {
	// DataDir is the workstation state directory. The sqlite history file
	// and the audio blob tree default to paths under it. A leading "~/" is
	// expanded. Default "~/.tiflis".
	DataDir string `yaml:"data_dir"`

	Server     ServerConfig     `yaml:"server"`
	Tunnel     TunnelConfig     `yaml:"tunnel"`
	History    HistoryConfig    `yaml:"history"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Audio      AudioConfig      `yaml:"audio"`
	Agents     AgentsConfig     `yaml:"agents"`
	Terminal   TerminalConfig   `yaml:"terminal"`
	Sessions   SessionsConfig   `yaml:"sessions"`
}

// ServerConfig holds logging and the local ops endpoint.
type ServerConfig struct {
	// OpsAddr is the TCP address of the local ops mux serving /metrics,
	// /healthz and /readyz. Default "127.0.0.1:9090".
	OpsAddr string `yaml:"ops_addr"`

	// LogLevel controls verbosity. Hot-reloadable. Default info.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or json log output. Default text.
	LogFormat LogFormat `yaml:"log_format"`
}

// TunnelConfig describes the relay the workstation registers with. Clients
// never connect to the workstation directly; every device websocket is
// carried over this single registered link.
type TunnelConfig struct {
	// URL is the tunnel endpoint, ws:// or wss://.
	URL string `yaml:"url"`

	// TunnelID is the stable public identifier of this workstation. It is
	// the id clients put in their pairing deep link.
	TunnelID string `yaml:"tunnel_id"`

	// AuthKey authenticates both the workstation's registration and, later,
	// each device's auth frame.
	AuthKey string `yaml:"auth_key"`

	// PingIntervalSeconds is the tunnel-level keepalive period. Default 30.
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
}

// HistoryConfig selects and tunes the durable session log.
type HistoryConfig struct {
	// Driver is sqlite (default) or postgres.
	Driver string `yaml:"driver"`

	// Path is the sqlite database file. Default "<data_dir>/history.db".
	// Ignored by the postgres driver.
	Path string `yaml:"path"`

	// DSN is the postgres connection string. Required when driver is
	// postgres, ignored otherwise.
	DSN string `yaml:"dsn"`

	// RingCapacity bounds the in-memory frame window kept per terminal
	// session. Default 1000.
	RingCapacity int `yaml:"ring_capacity"`
}

// WorkspacesConfig locates the directory tree reported in sync.state.
type WorkspacesConfig struct {
	// Root contains one directory per workspace, each holding project
	// checkouts. A leading "~/" is expanded. Empty disables the workspace
	// tree.
	Root string `yaml:"root"`
}

// AudioConfig tunes the voice blob store.
type AudioConfig struct {
	// Dir is the blob tree root. Default "<data_dir>/audio".
	Dir string `yaml:"dir"`

	// MaxBlobMB caps one stored blob. Default 10.
	MaxBlobMB int `yaml:"max_blob_mb"`
}

// AgentsConfig declares the agent CLIs sessions can run and the alias layer
// clients see. Aliases and hidden types are hot-reloadable.
type AgentsConfig struct {
	// Types lists the launchable agent CLIs by base type name.
	Types []AgentTypeConfig `yaml:"types"`

	// Aliases maps client-facing agent names onto base types, e.g. a
	// "reviewer" alias for the claude CLI with a different working setup.
	Aliases []AgentAliasConfig `yaml:"aliases"`

	// HiddenTypes lists base types withheld from sync.state so clients only
	// offer curated aliases.
	HiddenTypes []string `yaml:"hidden_types"`
}

// AgentTypeConfig is one launchable agent CLI.
type AgentTypeConfig struct {
	// Name is the base type id, e.g. "claude".
	Name string `yaml:"name"`

	// Command is the executable to launch.
	Command string `yaml:"command"`

	// Args are prepended to every launch of this CLI.
	Args []string `yaml:"args"`
}

// AgentAliasConfig maps one client-facing name to a base type.
type AgentAliasConfig struct {
	// Name is the alias clients use in supervisor.create_session.
	Name string `yaml:"name"`

	// BaseType must match an entry of [AgentsConfig.Types].
	BaseType string `yaml:"base_type"`
}

// TerminalConfig tunes terminal sessions.
type TerminalConfig struct {
	// Shell is the command launched for terminal sessions. Default $SHELL,
	// falling back to /bin/sh.
	Shell string `yaml:"shell"`

	// DefaultCols/DefaultRows size new terminals when the client omits
	// dimensions. Defaults 80×24.
	DefaultCols int `yaml:"default_cols"`
	DefaultRows int `yaml:"default_rows"`
}

// SessionsConfig bounds the registry.
type SessionsConfig struct {
	// Max caps concurrently live sessions, supervisor included. Default 50.
	Max int `yaml:"max"`
}
