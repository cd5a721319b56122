package config_test

import (
	"testing"

	"github.com/tiflis-io/tiflis-code/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Agents: config.AgentsConfig{
			Aliases: []config.AgentAliasConfig{
				{Name: "reviewer", BaseType: "claude"},
				{Name: "pair", BaseType: "codex"},
			},
			HiddenTypes: []string{"codex"},
		},
	}
}

func TestDiffNoChanges(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	d := config.Diff(old, new)
	if d.Changed() {
		t.Errorf("Diff of identical configs = %+v, want no changes", d)
	}
}

func TestDiffLogLevel(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("Diff = %+v, want log level change to debug", d)
	}
	if d.AliasesChanged || d.HiddenTypesChanged {
		t.Errorf("Diff = %+v, want only the log level flagged", d)
	}
}

func TestDiffAliases(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   config.AliasDiff
	}{
		{
			name: "added",
			mutate: func(c *config.Config) {
				c.Agents.Aliases = append(c.Agents.Aliases,
					config.AgentAliasConfig{Name: "architect", BaseType: "claude"})
			},
			want: config.AliasDiff{Name: "architect", Added: true},
		},
		{
			name: "removed",
			mutate: func(c *config.Config) {
				c.Agents.Aliases = c.Agents.Aliases[:1]
			},
			want: config.AliasDiff{Name: "pair", Removed: true},
		},
		{
			name: "repointed",
			mutate: func(c *config.Config) {
				c.Agents.Aliases[1].BaseType = "claude"
			},
			want: config.AliasDiff{Name: "pair", BaseTypeChanged: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)

			d := config.Diff(old, new)
			if !d.AliasesChanged {
				t.Fatalf("Diff = %+v, want AliasesChanged", d)
			}
			found := false
			for _, ac := range d.AliasChanges {
				if ac == tc.want {
					found = true
				}
			}
			if !found {
				t.Errorf("AliasChanges = %+v, want to contain %+v", d.AliasChanges, tc.want)
			}
		})
	}
}

func TestDiffHiddenTypes(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Agents.HiddenTypes = []string{"codex", "claude"}

	d := config.Diff(old, new)
	if !d.HiddenTypesChanged {
		t.Errorf("Diff = %+v, want HiddenTypesChanged", d)
	}

	// Order alone is not a change.
	old.Agents.HiddenTypes = []string{"a", "b"}
	new.Agents.HiddenTypes = []string{"b", "a"}
	if d := config.Diff(old, new); d.HiddenTypesChanged {
		t.Errorf("reordering flagged as change: %+v", d)
	}
}
