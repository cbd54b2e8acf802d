// Package definitions discovers and parses agent, command, and skill
// definition files: markdown documents with YAML frontmatter found under
// assets/ (built-in) and .github/ (repo overrides).
package definitions

// Agent describes a deployable agent persona.
type Agent struct {
	Name                  string   `yaml:"name"`
	Description           string   `yaml:"description"`
	Tools                 []string `yaml:"tools"`
	DisallowedTools       []string `yaml:"disallowedTools"`
	Model                 string   `yaml:"model"` // sonnet, opus, haiku, inherit
	UseSkills             []string `yaml:"useSkills"`
	HasArchitectureAccess bool     `yaml:"hasArchitectureAccess"`
	Backend               string   `yaml:"backend"` // copilot, claude
	ClaudeSlashCommand    string   `yaml:"claudeSlashCommand"`

	// Body is the markdown content after the frontmatter: the agent's
	// system prompt.
	Body string `yaml:"-"`
	// Source is the file the definition was loaded from.
	Source string `yaml:"-"`
	// BuiltIn reports whether the definition came from assets/ rather
	// than the repo's .github/ directory.
	BuiltIn bool `yaml:"-"`
}

// Command describes a reusable slash command.
type Command struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	ArgumentHint string   `yaml:"argumentHint"`
	Agents       []string `yaml:"agents"`

	Body    string `yaml:"-"`
	Source  string `yaml:"-"`
	BuiltIn bool   `yaml:"-"`
}

// Skill describes a skill document agents can pull in.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`

	Body    string `yaml:"-"`
	Source  string `yaml:"-"`
	BuiltIn bool   `yaml:"-"`
}

// Set is one coherent snapshot of all discovered definitions.
type Set struct {
	Agents   []Agent
	Commands []Command
	Skills   []Skill
}

// AgentByName returns the agent with the given name, case-insensitively.
func (s *Set) AgentByName(name string) (Agent, bool) {
	for _, a := range s.Agents {
		if equalFold(a.Name, name) {
			return a, true
		}
	}
	return Agent{}, false
}

// CommandByName returns the command with the given name, case-insensitively.
func (s *Set) CommandByName(name string) (Command, bool) {
	for _, c := range s.Commands {
		if equalFold(c.Name, name) {
			return c, true
		}
	}
	return Command{}, false
}

// SkillByName returns the skill with the given name, case-insensitively.
func (s *Set) SkillByName(name string) (Skill, bool) {
	for _, sk := range s.Skills {
		if equalFold(sk.Name, name) {
			return sk, true
		}
	}
	return Skill{}, false
}
