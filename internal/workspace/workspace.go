// Package workspace maintains the workstation's view of the directory tree
// that sessions work in and the agent catalog clients pick from.
//
// The tree side scans a configured root two levels deep: every directory
// under the root is a workspace, every directory inside a workspace is a
// project. When a project is a git checkout, its default branch is read
// from .git/HEAD. The scan runs on demand (sync.state assembly) and never
// caches, so renames on disk show up on the next sync.
//
// The agent side resolves client-facing names to launchable CLI
// definitions. Base types are fixed at boot; the alias layer and the
// hidden-type set on top of them are hot-reloadable.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// Lookup failures for the workspace/project directory tree. The server maps
// these onto the WORKSPACE_NOT_FOUND and PROJECT_NOT_FOUND wire codes.
var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrProjectNotFound   = errors.New("project not found")
)

// Config configures a [Catalog].
type Config struct {
	// Root contains one directory per workspace. Empty disables the tree;
	// Tree returns nothing and ResolvePath fails every lookup.
	Root string

	// Types lists the launchable agent CLIs by base type name.
	Types []AgentType

	// Aliases maps client-facing agent names onto base types.
	Aliases []Alias

	// Hidden lists base types withheld from clients in sync.state.
	Hidden []string
}

// Catalog answers workspace-tree and agent-name lookups. All methods are
// safe for concurrent use; SetAliases may run while other goroutines
// resolve.
type Catalog struct {
	root  string
	types map[string]AgentType

	mu      sync.RWMutex
	aliases map[string]Alias
	hidden  map[string]struct{}
}

// New builds a [Catalog]. Base type names must be unique; aliases must
// reference a configured base type.
func New(cfg Config) (*Catalog, error) {
	types := make(map[string]AgentType, len(cfg.Types))
	for _, t := range cfg.Types {
		if t.Name == "" {
			return nil, errors.New("workspace: agent type with empty name")
		}
		if _, dup := types[t.Name]; dup {
			return nil, fmt.Errorf("workspace: duplicate agent type %q", t.Name)
		}
		types[t.Name] = t
	}

	c := &Catalog{
		root:  cfg.Root,
		types: types,
	}
	if err := c.SetAliases(cfg.Aliases, cfg.Hidden); err != nil {
		return nil, err
	}
	return c, nil
}

// Root returns the configured workspace root, empty when the tree is
// disabled.
func (c *Catalog) Root() string { return c.root }

// Tree scans the workspace root and returns the two-level directory tree,
// workspaces and projects each sorted by name. A missing or unconfigured
// root yields an empty tree rather than an error.
func (c *Catalog) Tree() ([]protocol.Workspace, error) {
	if c.root == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(c.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: read root: %w", err)
	}

	var tree []protocol.Workspace
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(c.root, e.Name())
		projects, err := scanProjects(path)
		if err != nil {
			return nil, err
		}
		tree = append(tree, protocol.Workspace{
			Name:     e.Name(),
			Path:     path,
			Projects: projects,
		})
	}
	sort.Slice(tree, func(i, j int) bool { return tree[i].Name < tree[j].Name })
	return tree, nil
}

// ResolvePath validates a workspace/project pair against the tree on disk
// and returns the directory sessions should run in. Project may be empty,
// selecting the workspace directory itself.
func (c *Catalog) ResolvePath(workspace, project string) (string, error) {
	if workspace == "" {
		return "", fmt.Errorf("workspace: empty name: %w", ErrWorkspaceNotFound)
	}
	if c.root == "" || !plainName(workspace) {
		return "", fmt.Errorf("workspace: %q: %w", workspace, ErrWorkspaceNotFound)
	}
	wsPath := filepath.Join(c.root, workspace)
	if !isDir(wsPath) {
		return "", fmt.Errorf("workspace: %q: %w", workspace, ErrWorkspaceNotFound)
	}
	if project == "" {
		return wsPath, nil
	}
	if !plainName(project) {
		return "", fmt.Errorf("workspace: %q/%q: %w", workspace, project, ErrProjectNotFound)
	}
	projPath := filepath.Join(wsPath, project)
	if !isDir(projPath) {
		return "", fmt.Errorf("workspace: %q/%q: %w", workspace, project, ErrProjectNotFound)
	}
	return projPath, nil
}

func scanProjects(wsPath string) ([]protocol.WorkspaceProject, error) {
	entries, err := os.ReadDir(wsPath)
	if err != nil {
		return nil, fmt.Errorf("workspace: read %s: %w", wsPath, err)
	}
	var projects []protocol.WorkspaceProject
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(wsPath, e.Name())
		projects = append(projects, protocol.WorkspaceProject{
			Name:          e.Name(),
			Path:          path,
			DefaultBranch: defaultBranch(path),
		})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// defaultBranch reads the checked-out branch from .git/HEAD. Non-repos,
// worktree-style .git files and detached heads all yield "".
func defaultBranch(projPath string) string {
	head, err := os.ReadFile(filepath.Join(projPath, ".git", "HEAD"))
	if err != nil {
		return ""
	}
	ref := strings.TrimSpace(string(head))
	branch, ok := strings.CutPrefix(ref, "ref: refs/heads/")
	if !ok {
		return ""
	}
	return branch
}

// plainName reports whether name is a bare directory name. Path separators
// and dot entries would escape the tree.
func plainName(name string) bool {
	return name == filepath.Base(name) && name != "." && name != ".." && !strings.HasPrefix(name, ".")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
