package definitions

import (
	"fmt"
	"strings"
)

// Backend identifies how a sub-agent is executed.
type Backend string

const (
	BackendCopilot Backend = "copilot"
	BackendClaude  Backend = "claude"
	BackendCLI     Backend = "cli"
	BackendCloud   Backend = "cloud"
)

// DefaultBackend is used when an agent type omits the backend prefix.
const DefaultBackend = BackendCopilot

// ParsedAgentType is the result of parsing an agent-type expression.
type ParsedAgentType struct {
	Backend      Backend
	AgentName    string
	SlashCommand string // set for built-in Claude agents
}

// builtinSlashCommands maps reserved built-in agent names to their default
// Claude slash commands.
var builtinSlashCommands = map[string]string{
	"agent":                 "/agent",
	"architect":             "/architect",
	"reviewer":              "/review",
	"planner":               "/plan",
	"repository-researcher": "/repository-researcher",
}

// ParseAgentType parses an agent-type expression:
//
//	agent-type := backend ':' name | '@' name | name
//	backend    := 'copilot' | 'claude' | 'cli' | 'cloud'
//
// An omitted backend defaults to copilot. "@name" is shorthand for the
// default backend. Built-in agent names carry their reserved slash command.
func ParseAgentType(s string) (ParsedAgentType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ParsedAgentType{}, fmt.Errorf("empty agent type")
	}

	parsed := ParsedAgentType{Backend: DefaultBackend}

	switch {
	case strings.HasPrefix(s, "@"):
		parsed.AgentName = s[1:]
	case strings.Contains(s, ":"):
		parts := strings.SplitN(s, ":", 2)
		backend := Backend(strings.ToLower(parts[0]))
		switch backend {
		case BackendCopilot, BackendClaude, BackendCLI, BackendCloud:
			parsed.Backend = backend
		default:
			return ParsedAgentType{}, fmt.Errorf("unknown backend %q in agent type %q", parts[0], s)
		}
		parsed.AgentName = parts[1]
	default:
		parsed.AgentName = s
	}

	parsed.AgentName = strings.TrimSpace(parsed.AgentName)
	if parsed.AgentName == "" {
		return ParsedAgentType{}, fmt.Errorf("agent type %q has no agent name", s)
	}

	if cmd, ok := builtinSlashCommands[strings.ToLower(parsed.AgentName)]; ok {
		parsed.SlashCommand = cmd
	}

	return parsed, nil
}

// ReservedSlashCommand reports whether name belongs to a built-in agent
// and therefore cannot be claimed by a custom command definition.
func ReservedSlashCommand(name string) bool {
	_, ok := builtinSlashCommands[strings.ToLower(name)]
	return ok
}

// String renders the agent type back to its canonical form.
func (p ParsedAgentType) String() string {
	if p.Backend == DefaultBackend {
		return p.AgentName
	}
	return string(p.Backend) + ":" + p.AgentName
}
