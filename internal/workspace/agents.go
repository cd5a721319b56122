package workspace

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// maxSuggestDistance bounds the Levenshtein distance at which an unknown
// agent name still earns a "did you mean" suggestion.
const maxSuggestDistance = 3

// AgentType is one launchable agent CLI, keyed by its base type name.
type AgentType struct {
	Name    string
	Command string
	Args    []string
}

// Alias maps one client-facing agent name onto a base type.
type Alias struct {
	Name     string
	BaseType string
}

// Agent is a resolved launch target. Name keeps whatever the client asked
// for; BaseType, Command and Args come from the underlying CLI definition.
type Agent struct {
	Name     string
	BaseType string
	Command  string
	Args     []string
}

// UnknownAgentError reports an agent name that matches neither an alias nor
// a base type. Suggestion carries the nearest known name when one is close
// enough to be a plausible typo.
type UnknownAgentError struct {
	Name       string
	Suggestion string
}

func (e *UnknownAgentError) Error() string {
	if e.Suggestion == "" {
		return fmt.Sprintf("unknown agent %q", e.Name)
	}
	return fmt.Sprintf("unknown agent %q (did you mean %q?)", e.Name, e.Suggestion)
}

// ResolveAgent maps a client-supplied agent name to its launch target.
// Aliases win over base types of the same name; hidden base types still
// resolve, hiding only affects what sync.state advertises.
func (c *Catalog) ResolveAgent(name string) (Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if a, ok := c.aliases[name]; ok {
		t := c.types[a.BaseType]
		return Agent{Name: name, BaseType: t.Name, Command: t.Command, Args: slices.Clone(t.Args)}, nil
	}
	if t, ok := c.types[name]; ok {
		return Agent{Name: name, BaseType: t.Name, Command: t.Command, Args: slices.Clone(t.Args)}, nil
	}
	return Agent{}, &UnknownAgentError{Name: name, Suggestion: c.nearestLocked(name)}
}

// Aliases returns the alias layer as sent in sync.state, sorted by name.
func (c *Catalog) Aliases() []protocol.AgentAlias {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]protocol.AgentAlias, 0, len(c.aliases))
	for _, a := range c.aliases {
		out = append(out, protocol.AgentAlias{Name: a.Name, BaseType: a.BaseType})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HiddenTypes returns the base types withheld from clients, sorted.
func (c *Catalog) HiddenTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.hidden))
	for name := range c.hidden {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SetAliases replaces the alias layer and hidden-type set, the
// hot-reloadable half of the catalog. Aliases must reference configured
// base types; on error the previous state stays in effect.
func (c *Catalog) SetAliases(aliases []Alias, hidden []string) error {
	next := make(map[string]Alias, len(aliases))
	for _, a := range aliases {
		if a.Name == "" {
			return fmt.Errorf("workspace: alias with empty name")
		}
		if _, dup := next[a.Name]; dup {
			return fmt.Errorf("workspace: duplicate alias %q", a.Name)
		}
		if _, ok := c.types[a.BaseType]; !ok {
			return fmt.Errorf("workspace: alias %q references unknown agent type %q", a.Name, a.BaseType)
		}
		next[a.Name] = a
	}
	hiddenSet := make(map[string]struct{}, len(hidden))
	for _, name := range hidden {
		hiddenSet[name] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases = next
	c.hidden = hiddenSet
	return nil
}

// nearestLocked finds the known name closest to the requested one by
// Levenshtein distance. Candidates are scanned in sorted order so ties
// resolve deterministically.
func (c *Catalog) nearestLocked(name string) string {
	candidates := make([]string, 0, len(c.aliases)+len(c.types))
	for a := range c.aliases {
		candidates = append(candidates, a)
	}
	for t := range c.types {
		candidates = append(candidates, t)
	}
	sort.Strings(candidates)

	best, bestDist := "", maxSuggestDistance+1
	lower := strings.ToLower(name)
	for _, cand := range candidates {
		if d := matchr.Levenshtein(lower, strings.ToLower(cand)); d < bestDist {
			best, bestDist = cand, d
		}
	}
	return best
}
