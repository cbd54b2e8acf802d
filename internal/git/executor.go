// Package git provides worktree management and the parent/child merge
// protocol on top of the git CLI.
package git

// WorktreeInfo holds information about a git worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// BranchInfo holds information about a git branch.
type BranchInfo struct {
	Name      string // Branch name (e.g., "main", "task-fix-auth")
	IsCurrent bool   // True if this is the currently checked out branch
}

// FileStatus is one entry of a name-status diff.
type FileStatus struct {
	Status string // M, A, D, R...
	Path   string
}

// Executor defines the interface for git operations.
// This abstraction allows for easy testing with mock implementations.
// All paths are relative to the executor's working directory unless absolute.
type Executor interface {
	IsGitRepo() bool
	GetCurrentBranch() (string, error)
	GetDefaultBranch() (string, error)
	GetRepoRoot() (string, error)
	HasUncommittedChanges() (bool, error)
	BranchExists(name string) bool

	// CreateWorktree creates a worktree at path with a new branch off baseBranch.
	CreateWorktree(path, newBranch, baseBranch string) error
	// AddWorktree checks out an existing branch into a worktree at path.
	AddWorktree(path, branch string) error
	RemoveWorktree(path string, force bool) error
	PruneWorktrees() error
	ListWorktrees() ([]WorktreeInfo, error)

	// StatusPorcelain returns the paths reported by `status --porcelain`.
	StatusPorcelain() ([]string, error)
	// DiffNameStatus returns changed files relative to ref.
	DiffNameStatus(ref string) ([]FileStatus, error)
	// StagedFiles returns paths staged in the index.
	StagedFiles() ([]string, error)
	// UnmergedFiles returns paths left unmerged after a conflicted merge.
	UnmergedFiles() ([]string, error)
	// ShowFile returns the content of path at ref (e.g., "main:internal/a.go").
	ShowFile(ref, path string) (string, error)

	AddAll() error
	Commit(message string, allowEmpty bool) error
	// Merge runs `merge [--no-commit --no-ff] branch`.
	Merge(branch string, noCommit, noFF bool) error
	MergeAbort() error
	Push(branch string) error
	DeleteBranch(name string, force bool) error
	DeleteRemoteBranch(name string) error
}
