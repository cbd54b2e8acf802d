package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OmerMachluf/copilot-orchestrator/internal/definitions"
)

type stubRunner struct{ backend definitions.Backend }

func (s *stubRunner) Backend() definitions.Backend { return s.backend }
func (s *stubRunner) Run(context.Context, RunOptions) (Result, error) {
	return Result{}, nil
}

func TestRegistry(t *testing.T) {
	Register(definitions.BackendCLI, func() ModelRunner {
		return &stubRunner{backend: definitions.BackendCLI}
	})

	require.True(t, IsRegistered(definitions.BackendCLI))

	r, err := New(definitions.BackendCLI)
	require.NoError(t, err)
	require.Equal(t, definitions.BackendCLI, r.Backend())

	require.Contains(t, Registered(), definitions.BackendCLI)
}

func TestRegistry_UnknownBackend(t *testing.T) {
	_, err := New(definitions.BackendCloud)
	require.ErrorIs(t, err, ErrUnknownBackend)
	require.False(t, IsRegistered(definitions.BackendCloud))
}

func TestDispatch_RoutesByAgentBackend(t *testing.T) {
	Register(definitions.BackendCLI, func() ModelRunner {
		return &stubRunner{backend: definitions.BackendCLI}
	})

	var d Dispatch
	_, err := d.Run(context.Background(), RunOptions{
		Agent: definitions.ParsedAgentType{Backend: definitions.BackendCLI, AgentName: "formatter"},
	})
	require.NoError(t, err)
}

func TestDispatch_UnknownBackend(t *testing.T) {
	var d Dispatch
	_, err := d.Run(context.Background(), RunOptions{
		Agent: definitions.ParsedAgentType{Backend: definitions.BackendCloud},
	})
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestInfraError(t *testing.T) {
	cause := errors.New("spawn failed")
	err := &InfraError{Op: "spawn copilot", Err: cause}

	require.True(t, IsInfra(err))
	require.True(t, IsInfra(fmt.Errorf("run: %w", err)))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "spawn copilot")

	require.False(t, IsInfra(cause))
	require.False(t, IsInfra(nil))
}
