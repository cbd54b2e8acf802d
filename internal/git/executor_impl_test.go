package git

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCLIExecutor(t *testing.T) {
	executor := NewCLIExecutor("/some/path")
	require.NotNil(t, executor)
	require.Equal(t, "/some/path", executor.WorkDir())
}

// TestInterfaceCompliance verifies CLIExecutor implements Executor.
func TestInterfaceCompliance(t *testing.T) {
	var _ Executor = (*CLIExecutor)(nil)
}

func TestParseWorktreeList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []WorktreeInfo
	}{
		{
			name: "single worktree",
			input: `worktree /path/to/repo
HEAD abc123def456
branch refs/heads/main

`,
			want: []WorktreeInfo{
				{Path: "/path/to/repo", HEAD: "abc123def456", Branch: "main"},
			},
		},
		{
			name: "multiple worktrees",
			input: `worktree /path/to/repo
HEAD abc123def456
branch refs/heads/main

worktree /path/to/.worktrees/fix-auth
HEAD def456abc789
branch refs/heads/fix-auth

`,
			want: []WorktreeInfo{
				{Path: "/path/to/repo", HEAD: "abc123def456", Branch: "main"},
				{Path: "/path/to/.worktrees/fix-auth", HEAD: "def456abc789", Branch: "fix-auth"},
			},
		},
		{
			name: "detached head",
			input: `worktree /path/to/repo
HEAD abc123def456
detached

`,
			want: []WorktreeInfo{
				{Path: "/path/to/repo", HEAD: "abc123def456", Branch: ""},
			},
		},
		{
			name:  "empty input",
			input: "",
			want:  nil,
		},
		{
			name: "no trailing newline",
			input: `worktree /path/to/repo
HEAD abc123def456
branch refs/heads/main`,
			want: []WorktreeInfo{
				{Path: "/path/to/repo", HEAD: "abc123def456", Branch: "main"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := parseWorktreeList(tc.input)
			require.Len(t, got, len(tc.want))
			for i := range got {
				require.Equal(t, tc.want[i], got[i], "worktree[%d]", i)
			}
		})
	}
}

func TestParseGitError(t *testing.T) {
	originalErr := errors.New("exit status 128")

	tests := []struct {
		name      string
		stderr    string
		wantError error
	}{
		{
			name:      "branch already checked out",
			stderr:    "fatal: 'feature' is already checked out at '/path/to/worktree'",
			wantError: ErrBranchAlreadyCheckedOut,
		},
		{
			name:      "branch already exists",
			stderr:    "fatal: a branch named 'fix-auth' already exists",
			wantError: ErrBranchAlreadyExists,
		},
		{
			name:      "path already exists",
			stderr:    "fatal: '/path/to/worktree' already exists",
			wantError: ErrPathAlreadyExists,
		},
		{
			name:      "worktree locked",
			stderr:    "fatal: '/path/to/worktree' is locked",
			wantError: ErrWorktreeLocked,
		},
		{
			name:      "not a git repository",
			stderr:    "fatal: not a git repository (or any of the parent directories): .git",
			wantError: ErrNotGitRepo,
		},
		{
			name:      "automatic merge failed",
			stderr:    "Automatic merge failed; fix conflicts and then commit the result.",
			wantError: ErrMergeConflict,
		},
		{
			name:      "unknown error",
			stderr:    "fatal: some other error",
			wantError: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := parseGitError(tc.stderr, originalErr)

			if tc.wantError != nil {
				require.ErrorIs(t, err, tc.wantError)
			} else {
				require.Contains(t, err.Error(), tc.stderr)
			}
		})
	}
}
