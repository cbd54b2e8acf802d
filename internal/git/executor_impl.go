package git

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Git-specific errors for worktree operations.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrBranchAlreadyExists indicates the branch name is taken.
	ErrBranchAlreadyExists = errors.New("branch already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrMergeConflict indicates a merge stopped on conflicts.
	ErrMergeConflict = errors.New("merge conflict")
)

// Compile-time check that CLIExecutor implements Executor.
var _ Executor = (*CLIExecutor)(nil)

// CLIExecutor implements Executor by spawning git subprocesses.
type CLIExecutor struct {
	workDir string
}

// NewCLIExecutor creates a CLIExecutor rooted at workDir.
func NewCLIExecutor(workDir string) *CLIExecutor {
	return &CLIExecutor{workDir: workDir}
}

// WorkDir returns the directory git commands run in.
func (e *CLIExecutor) WorkDir() string {
	return e.workDir
}

// runGit executes a git command and returns an error if it fails.
func (e *CLIExecutor) runGit(args ...string) error {
	_, err := e.runGitOutput(args...)
	return err
}

// runGitOutput executes a git command and returns stdout and any error.
func (e *CLIExecutor) runGitOutput(args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.Command("git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		// Parse git-specific errors
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	// Branch exists: fatal: a branch named '<name>' already exists
	if strings.Contains(stderrLower, "branch named") && strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyExists, stderr)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	// Locked worktree: fatal: '<path>' is locked
	if strings.Contains(stderrLower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}

	// Not a git repository
	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	// Conflicted merge: CONFLICT / "Automatic merge failed"
	if strings.Contains(stderrLower, "automatic merge failed") ||
		strings.Contains(stderrLower, "conflict") {
		return fmt.Errorf("%w: %s", ErrMergeConflict, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo checks if the working directory is inside a git repository.
func (e *CLIExecutor) IsGitRepo() bool {
	err := e.runGit("rev-parse", "--git-dir")
	return err == nil
}

// GetCurrentBranch returns the name of the current branch.
func (e *CLIExecutor) GetCurrentBranch() (string, error) {
	// First try git branch --show-current (git 2.22+)
	output, err := e.runGitOutput("branch", "--show-current")
	if err == nil && output != "" {
		return output, nil
	}

	// Fallback: parse symbolic-ref
	output, err = e.runGitOutput("symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return output, nil
}

// GetDefaultBranch detects the default branch name.
// Order: remote HEAD → main/master existence → fallback to "main"
func (e *CLIExecutor) GetDefaultBranch() (string, error) {
	// 1. Check remote HEAD (works for cloned repos)
	// Returns: refs/remotes/origin/main -> extract "main"
	if ref, err := e.runGitOutput("symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		parts := strings.Split(ref, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1], nil
		}
	}

	// 2. Check which of main/master exists locally
	if err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/main"); err == nil {
		return "main", nil
	}
	if err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/master"); err == nil {
		return "master", nil
	}

	// 3. Fallback to "main"
	return "main", nil
}

// GetRepoRoot returns the root directory of the git repository.
func (e *CLIExecutor) GetRepoRoot() (string, error) {
	return e.runGitOutput("rev-parse", "--show-toplevel")
}

// HasUncommittedChanges checks if there are uncommitted changes in the working directory.
func (e *CLIExecutor) HasUncommittedChanges() (bool, error) {
	output, err := e.runGitOutput("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output != "", nil
}

// BranchExists checks if a branch with the given name exists.
func (e *CLIExecutor) BranchExists(name string) bool {
	err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// CreateWorktree creates a new worktree at the specified path with a new branch.
func (e *CLIExecutor) CreateWorktree(path, newBranch, baseBranch string) error {
	// git worktree add -b <new-branch> <path> [<start-point>]
	args := []string{"worktree", "add", "-b", newBranch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	// If baseBranch is empty, git uses current HEAD as starting point
	return e.runGit(args...)
}

// AddWorktree checks out an existing branch into a new worktree.
func (e *CLIExecutor) AddWorktree(path, branch string) error {
	return e.runGit("worktree", "add", path, branch)
}

// RemoveWorktree removes a worktree at the specified path.
func (e *CLIExecutor) RemoveWorktree(path string, force bool) error {
	if force {
		return e.runGit("worktree", "remove", path, "--force")
	}
	err := e.runGit("worktree", "remove", path)
	if err != nil {
		// If it fails, try with --force
		return e.runGit("worktree", "remove", path, "--force")
	}
	return nil
}

// PruneWorktrees removes stale worktree references.
func (e *CLIExecutor) PruneWorktrees() error {
	return e.runGit("worktree", "prune")
}

// ListWorktrees returns information about all worktrees.
func (e *CLIExecutor) ListWorktrees() ([]WorktreeInfo, error) {
	output, err := e.runGitOutput("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	return parseWorktreeList(output), nil
}

// parseWorktreeList parses the porcelain output of git worktree list.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
//	<blank line>
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// End of a worktree entry
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = WorktreeInfo{}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}

		key, value := parts[0], parts[1]
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.HEAD = value
		case "branch":
			// Extract branch name from refs/heads/branch-name
			if after, found := strings.CutPrefix(value, "refs/heads/"); found {
				current.Branch = after
			} else {
				current.Branch = value
			}
		}
	}

	// Don't forget the last entry if output doesn't end with blank line
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}

// StatusPorcelain returns the changed paths reported by `status --porcelain`.
func (e *CLIExecutor) StatusPorcelain() ([]string, error) {
	output, err := e.runGitOutput("status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}

	var paths []string
	for line := range strings.SplitSeq(output, "\n") {
		// Format: "XY path" with a two-char status prefix
		if len(line) > 3 {
			paths = append(paths, strings.TrimSpace(line[3:]))
		}
	}
	return paths, nil
}

// DiffNameStatus returns changed files relative to ref.
func (e *CLIExecutor) DiffNameStatus(ref string) ([]FileStatus, error) {
	args := []string{"diff", "--name-status"}
	if ref != "" {
		args = append(args, ref)
	}
	output, err := e.runGitOutput(args...)
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}

	var files []FileStatus
	for line := range strings.SplitSeq(output, "\n") {
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			files = append(files, FileStatus{Status: parts[0], Path: parts[len(parts)-1]})
		}
	}
	return files, nil
}

// StagedFiles returns paths staged in the index.
func (e *CLIExecutor) StagedFiles() ([]string, error) {
	output, err := e.runGitOutput("diff", "--name-only", "--cached")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// UnmergedFiles returns paths left unmerged after a conflicted merge.
func (e *CLIExecutor) UnmergedFiles() ([]string, error) {
	output, err := e.runGitOutput("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// ShowFile returns the content of path at ref.
func (e *CLIExecutor) ShowFile(ref, path string) (string, error) {
	return e.runGitOutput("show", ref+":"+path)
}

// AddAll stages all changes including untracked files.
func (e *CLIExecutor) AddAll() error {
	return e.runGit("add", "-A")
}

// Commit records the staged changes.
func (e *CLIExecutor) Commit(message string, allowEmpty bool) error {
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	return e.runGit(args...)
}

// Merge runs `merge [--no-commit --no-ff] branch`.
// A conflicted merge returns an error wrapping ErrMergeConflict and leaves
// the index in the conflicted state; callers inspect UnmergedFiles.
func (e *CLIExecutor) Merge(branch string, noCommit, noFF bool) error {
	args := []string{"merge"}
	if noCommit {
		args = append(args, "--no-commit")
	}
	if noFF {
		args = append(args, "--no-ff")
	}
	args = append(args, branch)
	return e.runGit(args...)
}

// MergeAbort aborts an in-progress merge.
func (e *CLIExecutor) MergeAbort() error {
	return e.runGit("merge", "--abort")
}

// Push pushes the branch to origin with upstream tracking.
func (e *CLIExecutor) Push(branch string) error {
	return e.runGit("push", "-u", "origin", branch)
}

// DeleteBranch deletes a local branch.
func (e *CLIExecutor) DeleteBranch(name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	return e.runGit("branch", flag, name)
}

// DeleteRemoteBranch deletes a branch on origin.
func (e *CLIExecutor) DeleteRemoteBranch(name string) error {
	return e.runGit("push", "origin", "--delete", name)
}
