package definitions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
)

// cacheTTL is how long a loaded definition set stays fresh.
const cacheTTL = 30 * time.Second

const cacheKey = "definitions"

// kindDirs are the subdirectories scanned under each discovery root.
var kindDirs = []string{"agents", "commands", "skills"}

// Registry discovers definitions under a workspace and caches the result.
// Built-ins live under assets/<kind>/, repo overrides under .github/<kind>/;
// a repo entry replaces a built-in with the same case-insensitive name.
type Registry struct {
	workspace string
	cache     *gocache.Cache
}

// NewRegistry creates a Registry for the given workspace root.
func NewRegistry(workspace string) *Registry {
	return &Registry{
		workspace: workspace,
		cache:     gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// Dirs returns the directories the registry reads, for watch setup.
func (r *Registry) Dirs() []string {
	var dirs []string
	for _, root := range []string{"assets", ".github"} {
		for _, kind := range kindDirs {
			dirs = append(dirs, filepath.Join(r.workspace, root, kind))
		}
	}
	return dirs
}

// Load returns the current definition set, reusing a cached copy when fresh.
func (r *Registry) Load() (*Set, error) {
	if cached, found := r.cache.Get(cacheKey); found {
		if set, ok := cached.(*Set); ok {
			return set, nil
		}
	}

	set, err := r.scan()
	if err != nil {
		return nil, err
	}

	r.cache.Set(cacheKey, set, cacheTTL)
	log.Debug(log.CatDefs, "definitions loaded",
		"agents", len(set.Agents), "commands", len(set.Commands), "skills", len(set.Skills))
	return set, nil
}

// Invalidate drops the cached definition set. The watcher calls this when a
// definition file changes.
func (r *Registry) Invalidate() {
	r.cache.Delete(cacheKey)
}

func (r *Registry) scan() (*Set, error) {
	set := &Set{}

	// Built-ins first, then repo overrides on top.
	if err := r.scanRoot(set, filepath.Join(r.workspace, "assets"), true); err != nil {
		return nil, err
	}
	if err := r.scanRoot(set, filepath.Join(r.workspace, ".github"), false); err != nil {
		return nil, err
	}

	return set, nil
}

func (r *Registry) scanRoot(set *Set, root string, builtIn bool) error {
	for _, kind := range kindDirs {
		dir := filepath.Join(root, kind)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("reading %s: %w", dir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := r.loadFile(set, kind, path, builtIn); err != nil {
				// A malformed definition must not take down the rest.
				log.Warn(log.CatDefs, "skipping malformed definition", "path", path, "error", err)
			}
		}
	}
	return nil
}

func (r *Registry) loadFile(set *Set, kind, path string, builtIn bool) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths come from directory scans
	if err != nil {
		return err
	}

	frontmatter, body, err := splitFrontmatter(string(data))
	if err != nil {
		return err
	}

	switch kind {
	case "agents":
		var a Agent
		if err := yaml.Unmarshal([]byte(frontmatter), &a); err != nil {
			return fmt.Errorf("frontmatter: %w", err)
		}
		if a.Name == "" {
			a.Name = nameFromPath(path)
		}
		if a.Backend == "" {
			a.Backend = string(BackendCopilot)
		}
		a.Body, a.Source, a.BuiltIn = body, path, builtIn
		set.Agents = upsertAgent(set.Agents, a)

	case "commands":
		var c Command
		if err := yaml.Unmarshal([]byte(frontmatter), &c); err != nil {
			return fmt.Errorf("frontmatter: %w", err)
		}
		if c.Name == "" {
			c.Name = nameFromPath(path)
		}
		if !builtIn && ReservedSlashCommand(c.Name) {
			return fmt.Errorf("command %q clashes with a reserved slash command", c.Name)
		}
		c.Body, c.Source, c.BuiltIn = body, path, builtIn
		set.Commands = upsertCommand(set.Commands, c)

	case "skills":
		var s Skill
		if err := yaml.Unmarshal([]byte(frontmatter), &s); err != nil {
			return fmt.Errorf("frontmatter: %w", err)
		}
		if s.Name == "" {
			s.Name = nameFromPath(path)
		}
		s.Body, s.Source, s.BuiltIn = body, path, builtIn
		set.Skills = upsertSkill(set.Skills, s)
	}

	return nil
}

// splitFrontmatter separates the YAML frontmatter block from the markdown
// body. A file without frontmatter yields an empty frontmatter and the whole
// content as body.
func splitFrontmatter(content string) (frontmatter, body string, err error) {
	const delim = "---"

	trimmed := strings.TrimPrefix(content, "\ufeff")
	trimmed = strings.TrimLeft(trimmed, "\r\n")
	if !strings.HasPrefix(trimmed, delim) {
		return "", content, nil
	}

	rest := trimmed[len(delim):]
	rest = strings.TrimPrefix(rest, "\r")
	rest = strings.TrimPrefix(rest, "\n")

	idx := strings.Index(rest, "\n"+delim)
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter")
	}

	frontmatter = rest[:idx]
	body = rest[idx+len("\n"+delim):]
	// Drop the delimiter line's trailing newline from the body.
	body = strings.TrimPrefix(body, "\r")
	body = strings.TrimPrefix(body, "\n")
	return frontmatter, body, nil
}

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

func upsertAgent(list []Agent, a Agent) []Agent {
	for i, existing := range list {
		if equalFold(existing.Name, a.Name) {
			list[i] = a
			return list
		}
	}
	return append(list, a)
}

func upsertCommand(list []Command, c Command) []Command {
	for i, existing := range list {
		if equalFold(existing.Name, c.Name) {
			list[i] = c
			return list
		}
	}
	return append(list, c)
}

func upsertSkill(list []Skill, s Skill) []Skill {
	for i, existing := range list {
		if equalFold(existing.Name, s.Name) {
			list[i] = s
			return list
		}
	}
	return append(list, s)
}
