package bus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/message"
)

func TestStore_LoadMissingFile(t *testing.T) {
	s := NewStore(t.TempDir())
	state, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, state.Queue)
	require.Empty(t, state.ProcessedMessageIDs)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ws := t.TempDir()
	s := NewStore(ws)

	depth := 1
	saved := State{
		Queue: []message.QueueMessage{
			{
				ID:        "m1",
				Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
				Priority:  message.PriorityHigh,
				PlanID:    "plan-1",
				TaskID:    "task-2",
				WorkerID:  "w1",
				SubTaskID: "st-1",
				Depth:     &depth,
				Owner:     &message.Owner{OwnerType: message.OwnerWorker, OwnerID: "w1"},
				Type:      message.TypeCompletion,
				Content:   "done",
			},
		},
		ProcessedMessageIDs: []string{"zz", "aa"},
	}
	require.NoError(t, s.Save(saved))
	require.FileExists(t, filepath.Join(ws, StateFileName))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Queue, 1)
	require.Equal(t, saved.Queue[0], loaded.Queue[0])
	// Processed ids are stored sorted.
	require.Equal(t, []string{"aa", "zz"}, loaded.ProcessedMessageIDs)
}

func TestStore_LoadCorruptFile(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, StateFileName), []byte("{not json"), 0o644))

	_, err := NewStore(ws).Load()
	require.Error(t, err)
}
