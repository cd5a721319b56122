package config

import "slices"

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded are tracked; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AliasesChanged is true when any alias mapping was added, removed or
	// repointed. Connected clients learn the new set on their next sync.
	AliasesChanged bool
	AliasChanges   []AliasDiff

	HiddenTypesChanged bool
}

// AliasDiff describes what changed for a single agent alias.
type AliasDiff struct {
	Name            string
	BaseTypeChanged bool
	Added           bool
	Removed         bool
}

// Changed reports whether the diff carries any reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AliasesChanged || d.HiddenTypesChanged
}

// Diff compares old and new configs and returns what changed. Only tracks
// changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldAliases := make(map[string]AgentAliasConfig, len(old.Agents.Aliases))
	for _, a := range old.Agents.Aliases {
		oldAliases[a.Name] = a
	}
	newAliases := make(map[string]AgentAliasConfig, len(new.Agents.Aliases))
	for _, a := range new.Agents.Aliases {
		newAliases[a.Name] = a
	}

	for name, oldAlias := range oldAliases {
		newAlias, exists := newAliases[name]
		if !exists {
			d.AliasChanges = append(d.AliasChanges, AliasDiff{Name: name, Removed: true})
			d.AliasesChanged = true
			continue
		}
		if oldAlias.BaseType != newAlias.BaseType {
			d.AliasChanges = append(d.AliasChanges, AliasDiff{Name: name, BaseTypeChanged: true})
			d.AliasesChanged = true
		}
	}
	for name := range newAliases {
		if _, exists := oldAliases[name]; !exists {
			d.AliasChanges = append(d.AliasChanges, AliasDiff{Name: name, Added: true})
			d.AliasesChanged = true
		}
	}

	oldHidden := slices.Clone(old.Agents.HiddenTypes)
	newHidden := slices.Clone(new.Agents.HiddenTypes)
	slices.Sort(oldHidden)
	slices.Sort(newHidden)
	d.HiddenTypesChanged = !slices.Equal(oldHidden, newHidden)

	return d
}
