package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] for fields the file leaves unset.
const (
	DefaultDataDir             = "~/.tiflis"
	DefaultOpsAddr             = "127.0.0.1:9090"
	DefaultPingIntervalSeconds = 30
	DefaultMaxBlobMB           = 10
	DefaultTerminalCols        = 80
	DefaultTerminalRows        = 24
	DefaultMaxSessions         = 50
	DefaultRingCapacity        = 1000
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected so typos fail loudly.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields in place and expands "~/" path prefixes.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	cfg.DataDir = expandPath(cfg.DataDir)

	if cfg.Server.OpsAddr == "" {
		cfg.Server.OpsAddr = DefaultOpsAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogText
	}

	if cfg.Tunnel.PingIntervalSeconds <= 0 {
		cfg.Tunnel.PingIntervalSeconds = DefaultPingIntervalSeconds
	}

	if cfg.History.Driver == "" {
		cfg.History.Driver = DriverSQLite
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.DataDir, "history.db")
	} else {
		cfg.History.Path = expandPath(cfg.History.Path)
	}
	if cfg.History.RingCapacity <= 0 {
		cfg.History.RingCapacity = DefaultRingCapacity
	}

	cfg.Workspaces.Root = expandPath(cfg.Workspaces.Root)

	if cfg.Audio.Dir == "" {
		cfg.Audio.Dir = filepath.Join(cfg.DataDir, "audio")
	} else {
		cfg.Audio.Dir = expandPath(cfg.Audio.Dir)
	}
	if cfg.Audio.MaxBlobMB <= 0 {
		cfg.Audio.MaxBlobMB = DefaultMaxBlobMB
	}

	if cfg.Terminal.Shell == "" {
		if sh := os.Getenv("SHELL"); sh != "" {
			cfg.Terminal.Shell = sh
		} else {
			cfg.Terminal.Shell = "/bin/sh"
		}
	}
	if cfg.Terminal.DefaultCols <= 0 {
		cfg.Terminal.DefaultCols = DefaultTerminalCols
	}
	if cfg.Terminal.DefaultRows <= 0 {
		cfg.Terminal.DefaultRows = DefaultTerminalRows
	}

	if cfg.Sessions.Max <= 0 {
		cfg.Sessions.Max = DefaultMaxSessions
	}
}

// expandPath resolves a leading "~/" against the user's home directory.
// Paths that cannot be expanded are returned unchanged.
func expandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Tunnel registration is mandatory; without it no client can reach the
	// workstation.
	switch {
	case cfg.Tunnel.URL == "":
		errs = append(errs, errors.New("tunnel.url is required"))
	default:
		u, err := url.Parse(cfg.Tunnel.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("tunnel.url %q: %w", cfg.Tunnel.URL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("tunnel.url scheme %q is invalid; use ws or wss", u.Scheme))
		}
	}
	if cfg.Tunnel.TunnelID == "" {
		errs = append(errs, errors.New("tunnel.tunnel_id is required"))
	}
	if cfg.Tunnel.AuthKey == "" {
		errs = append(errs, errors.New("tunnel.auth_key is required"))
	}

	switch cfg.History.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.History.DSN == "" {
			errs = append(errs, errors.New("history.dsn is required when history.driver is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.driver %q is invalid; valid values: sqlite, postgres", cfg.History.Driver))
	}

	types := make(map[string]int, len(cfg.Agents.Types))
	for i, at := range cfg.Agents.Types {
		prefix := fmt.Sprintf("agents.types[%d]", i)
		if at.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := types[at.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of agents.types[%d]", prefix, at.Name, prev))
		}
		types[at.Name] = i
		if at.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required", prefix))
		}
	}

	aliases := make(map[string]int, len(cfg.Agents.Aliases))
	for i, al := range cfg.Agents.Aliases {
		prefix := fmt.Sprintf("agents.aliases[%d]", i)
		if al.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := aliases[al.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of agents.aliases[%d]", prefix, al.Name, prev))
			}
			aliases[al.Name] = i
		}
		if al.BaseType == "" {
			errs = append(errs, fmt.Errorf("%s.base_type is required", prefix))
		} else if _, ok := types[al.BaseType]; !ok {
			errs = append(errs, fmt.Errorf("%s.base_type %q does not match any agents.types entry", prefix, al.BaseType))
		}
	}

	for _, hidden := range cfg.Agents.HiddenTypes {
		if _, ok := types[hidden]; !ok {
			slog.Warn("hidden agent type is not declared under agents.types",
				"type", hidden)
		}
	}

	return errors.Join(errs...)
}
