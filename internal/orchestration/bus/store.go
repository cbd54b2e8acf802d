package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/message"
)

// StateFileName is the queue state file, relative to the workspace root.
const StateFileName = ".copilot-orchestrator-queue.json"

// State is the persisted form of the bus: the pending queue in delivery
// order plus the processed-id set.
type State struct {
	Queue               []message.QueueMessage `json:"queue"`
	ProcessedMessageIDs []string               `json:"processedMessageIds"`
}

// Store reads and writes the bus state file.
type Store struct {
	path string
}

// NewStore creates a Store for the given workspace root.
func NewStore(workspace string) *Store {
	return &Store{path: filepath.Join(workspace, StateFileName)}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted state. A missing file yields an empty state.
func (s *Store) Load() (State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("reading bus state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing bus state %s: %w", s.path, err)
	}
	return state, nil
}

// Save writes the state atomically (temp file + rename).
func (s *Store) Save(state State) error {
	// Deterministic output keeps diffs of the state file readable.
	sort.Strings(state.ProcessedMessageIDs)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding bus state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // G306: state file is not sensitive
		return fmt.Errorf("writing bus state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing bus state: %w", err)
	}
	return nil
}
