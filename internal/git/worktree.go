package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
)

// maxBranchNameLen caps sanitized branch names.
const maxBranchNameLen = 50

// ErrNoWorkspace indicates the coordinator's workspace directory is missing.
var ErrNoWorkspace = errors.New("workspace directory does not exist")

// PullResult reports the outcome of pulling a child worktree into a parent.
type PullResult struct {
	Success       bool
	HasConflicts  bool
	ConflictFiles []string
	MergedFiles   []string
	// ConflictPreview maps conflicted paths to a unified-diff style preview
	// of the parent and child versions. Best-effort; may be empty.
	ConflictPreview map[string]string
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithWorktreesDir overrides the worktree parent directory.
func WithWorktreesDir(dir string) CoordinatorOption {
	return func(c *Coordinator) {
		if dir != "" {
			c.worktreesDir = dir
		}
	}
}

// WithBaseBranch overrides default-branch detection.
func WithBaseBranch(branch string) CoordinatorOption {
	return func(c *Coordinator) {
		c.baseBranch = branch
	}
}

// WithExecutorFactory replaces the executor factory, mainly for tests.
func WithExecutorFactory(f func(dir string) Executor) CoordinatorOption {
	return func(c *Coordinator) {
		c.execFor = f
	}
}

// Coordinator manages per-worker worktrees rooted under a single workspace
// and implements the parent/child pull-merge protocol.
type Coordinator struct {
	workspace    string
	worktreesDir string
	baseBranch   string
	execFor      func(dir string) Executor
}

// NewCoordinator creates a Coordinator for the repository at workspace.
// Worktrees are created under <workspaceParent>/.worktrees by default.
func NewCoordinator(workspace string, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		workspace:    workspace,
		worktreesDir: filepath.Join(filepath.Dir(workspace), ".worktrees"),
		execFor: func(dir string) Executor {
			return NewCLIExecutor(dir)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Workspace returns the repository root the coordinator operates on.
func (c *Coordinator) Workspace() string {
	return c.workspace
}

// SanitizeBranchName converts an arbitrary task name into a branch-safe name:
// lowercase, any character outside [a-z0-9-] becomes '-', runs of '-' collapse,
// leading/trailing '-' are stripped, result is truncated to 50 characters.
func SanitizeBranchName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}

	s := b.String()
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")

	if len(s) > maxBranchNameLen {
		s = s[:maxBranchNameLen]
		s = strings.TrimRight(s, "-")
	}
	return s
}

// BaseBranch returns the configured base branch, or detects the repository
// default (origin HEAD, then main, then master).
func (c *Coordinator) BaseBranch() (string, error) {
	if c.baseBranch != "" {
		return c.baseBranch, nil
	}
	return c.execFor(c.workspace).GetDefaultBranch()
}

// WorktreePath returns the path a worktree for name would live at.
func (c *Coordinator) WorktreePath(name string) string {
	return filepath.Join(c.worktreesDir, SanitizeBranchName(name))
}

// EnsureWorktree returns a worktree for the given task name, creating it off
// baseBranch if needed. An existing directory at the target path is returned
// as-is; if the branch already exists, it is checked out instead of recreated.
func (c *Coordinator) EnsureWorktree(name, baseBranch string) (path, branch string, err error) {
	if _, statErr := os.Stat(c.workspace); statErr != nil {
		return "", "", fmt.Errorf("%w: %s", ErrNoWorkspace, c.workspace)
	}

	branch = SanitizeBranchName(name)
	if branch == "" {
		return "", "", fmt.Errorf("task name %q sanitizes to an empty branch name", name)
	}
	path = filepath.Join(c.worktreesDir, branch)

	if _, statErr := os.Stat(path); statErr == nil {
		log.Debug(log.CatGit, "reusing existing worktree", "path", path, "branch", branch)
		return path, branch, nil
	}

	if err := os.MkdirAll(c.worktreesDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create worktrees dir: %w", err)
	}

	if baseBranch == "" {
		baseBranch, err = c.BaseBranch()
		if err != nil {
			return "", "", err
		}
	}

	exec := c.execFor(c.workspace)
	err = exec.CreateWorktree(path, branch, baseBranch)
	if err != nil && errors.Is(err, ErrBranchAlreadyExists) {
		// Branch survived a previous worktree; check it out instead.
		err = exec.AddWorktree(path, branch)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to create worktree for %q: %w", name, err)
	}

	log.Info(log.CatGit, "created worktree", "path", path, "branch", branch, "base", baseBranch)
	return path, branch, nil
}

// Status returns the changed paths in a worktree.
func (c *Coordinator) Status(worktreePath string) ([]string, error) {
	return c.execFor(worktreePath).StatusPorcelain()
}

// Diff returns the name-status diff of a worktree against ref
// ("" compares against the index).
func (c *Coordinator) Diff(worktreePath, ref string) ([]FileStatus, error) {
	return c.execFor(worktreePath).DiffNameStatus(ref)
}

// Pull merges a completed child worktree's branch into the parent worktree.
//
// Uncommitted child changes are auto-committed first. The merge runs with
// --no-commit --no-ff so a clean merge leaves the result staged for the
// caller to commit. On conflict the parent index is left in the conflicted
// state and the unmerged paths are returned for manual resolution.
// With cleanup=true a clean merge also removes the child worktree and
// deletes its branch; cleanup failures are logged and ignored.
func (c *Coordinator) Pull(parentPath, childPath string, cleanup bool) (*PullResult, error) {
	child := c.execFor(childPath)
	parent := c.execFor(parentPath)

	dirty, err := child.HasUncommittedChanges()
	if err != nil {
		return nil, fmt.Errorf("failed to check child worktree: %w", err)
	}
	if dirty {
		if err := child.AddAll(); err != nil {
			return nil, fmt.Errorf("failed to stage child changes: %w", err)
		}
		if err := child.Commit("Auto-commit before merge to parent", false); err != nil {
			return nil, fmt.Errorf("failed to auto-commit child changes: %w", err)
		}
		log.Debug(log.CatGit, "auto-committed child changes", "path", childPath)
	}

	childBranch, err := child.GetCurrentBranch()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve child branch: %w", err)
	}
	parentBranch, err := parent.GetCurrentBranch()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parent branch: %w", err)
	}

	log.Info(log.CatGit, "pulling child into parent",
		"child", childBranch, "parent", parentBranch)

	mergeErr := parent.Merge(childBranch, true, true)
	if mergeErr != nil {
		conflictFiles, listErr := parent.UnmergedFiles()
		if listErr != nil || len(conflictFiles) == 0 {
			// Not a conflict, a real merge failure.
			return nil, fmt.Errorf("merge of %s into %s failed: %w", childBranch, parentBranch, mergeErr)
		}

		log.Warn(log.CatGit, "merge conflict",
			"child", childBranch, "parent", parentBranch, "files", len(conflictFiles))

		return &PullResult{
			Success:         false,
			HasConflicts:    true,
			ConflictFiles:   conflictFiles,
			ConflictPreview: c.conflictPreviews(parent, parentBranch, childBranch, conflictFiles),
		}, nil
	}

	merged, err := parent.StagedFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to list merged files: %w", err)
	}

	if cleanup {
		c.cleanupChild(childPath, childBranch)
	}

	return &PullResult{Success: true, MergedFiles: merged}, nil
}

// cleanupChild removes a merged child worktree and its branch. Best-effort.
func (c *Coordinator) cleanupChild(childPath, childBranch string) {
	root := c.execFor(c.workspace)
	if err := root.RemoveWorktree(childPath, true); err != nil {
		log.Warn(log.CatGit, "failed to remove child worktree", "path", childPath, "error", err)
		return
	}
	if err := root.DeleteBranch(childBranch, true); err != nil {
		log.Warn(log.CatGit, "failed to delete child branch", "branch", childBranch, "error", err)
	}
}

// FinalizeWorker commits and pushes a worker's branch, then removes its
// worktree. This is the "complete" path: work is published to origin.
func (c *Coordinator) FinalizeWorker(worktreePath, branch, taskName string) error {
	exec := c.execFor(worktreePath)

	if err := exec.AddAll(); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	// Allow-empty keeps the completion commit even when the worker changed
	// nothing, so the branch always records the task boundary.
	if err := exec.Commit(fmt.Sprintf("Complete task: %s", taskName), true); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	if err := exec.Push(branch); err != nil {
		return fmt.Errorf("failed to push branch %s: %w", branch, err)
	}

	if err := c.execFor(c.workspace).RemoveWorktree(worktreePath, true); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}

	log.Info(log.CatGit, "worker finalized", "branch", branch, "path", worktreePath)
	return nil
}

// DiscardWorker removes a worker's worktree and branch without pushing.
func (c *Coordinator) DiscardWorker(worktreePath, branch string) error {
	root := c.execFor(c.workspace)
	if err := root.RemoveWorktree(worktreePath, true); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}
	if branch != "" {
		if err := root.DeleteBranch(branch, true); err != nil {
			log.Warn(log.CatGit, "failed to delete branch", "branch", branch, "error", err)
		}
	}
	return nil
}

// ListManaged returns the worktrees under the coordinator's worktrees dir.
func (c *Coordinator) ListManaged() ([]WorktreeInfo, error) {
	all, err := c.execFor(c.workspace).ListWorktrees()
	if err != nil {
		return nil, err
	}
	var managed []WorktreeInfo
	for _, wt := range all {
		if strings.HasPrefix(wt.Path, c.worktreesDir+string(os.PathSeparator)) {
			managed = append(managed, wt)
		}
	}
	return managed, nil
}

// Prune drops stale worktree references from the repository.
func (c *Coordinator) Prune() error {
	return c.execFor(c.workspace).PruneWorktrees()
}
