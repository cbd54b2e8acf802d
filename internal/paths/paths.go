// Package paths provides path resolution utilities.
package paths

import (
	"os"
	"path/filepath"
)

// WorkspaceConfigName is the per-repository config file name.
const WorkspaceConfigName = ".orchestrator.yml"

// LogFileName is the debug log, relative to the workspace.
const LogFileName = ".copilot-orchestrator.log"

// ConfigDir returns the user-level configuration directory,
// $XDG_CONFIG_HOME/copilot-orchestrator, falling back to
// ~/.config/copilot-orchestrator when XDG_CONFIG_HOME is unset.
func ConfigDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "copilot-orchestrator")
}

// WorkspaceConfig returns the path of the workspace config file and
// whether it exists. An empty workspace means the current directory.
func WorkspaceConfig(workspace string) (string, bool) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(filepath.Clean(workspace), WorkspaceConfigName)
	_, err := os.Stat(path)
	return path, err == nil
}

// LogFile returns the debug log path inside the workspace.
func LogFile(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(filepath.Clean(workspace), LogFileName)
}
