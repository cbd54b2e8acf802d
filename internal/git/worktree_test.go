package git

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeExec is a scriptable Executor for Coordinator tests. One instance
// represents one directory (workspace root or a worktree); the harness
// shares a call log across all of them.
type fakeExec struct {
	dir           string
	branch        string
	defaultBranch string
	dirty         bool
	staged        []string
	unmerged      []string
	mergeErr      error
	fileContents  map[string]string // "ref:path" -> content
	calls         *[]string
}

func (f *fakeExec) record(format string, args ...any) {
	*f.calls = append(*f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeExec) IsGitRepo() bool                       { return true }
func (f *fakeExec) GetCurrentBranch() (string, error)     { return f.branch, nil }
func (f *fakeExec) GetDefaultBranch() (string, error)     { return f.defaultBranch, nil }
func (f *fakeExec) GetRepoRoot() (string, error)          { return f.dir, nil }
func (f *fakeExec) HasUncommittedChanges() (bool, error)  { return f.dirty, nil }
func (f *fakeExec) BranchExists(string) bool              { return false }
func (f *fakeExec) PruneWorktrees() error                 { f.record("prune"); return nil }
func (f *fakeExec) ListWorktrees() ([]WorktreeInfo, error) { return nil, nil }
func (f *fakeExec) StatusPorcelain() ([]string, error)    { return f.staged, nil }
func (f *fakeExec) DiffNameStatus(string) ([]FileStatus, error) { return nil, nil }
func (f *fakeExec) StagedFiles() ([]string, error)        { return f.staged, nil }
func (f *fakeExec) UnmergedFiles() ([]string, error)      { return f.unmerged, nil }
func (f *fakeExec) MergeAbort() error                     { f.record("merge-abort"); return nil }

func (f *fakeExec) CreateWorktree(path, newBranch, baseBranch string) error {
	f.record("create-worktree %s %s %s", path, newBranch, baseBranch)
	return nil
}

func (f *fakeExec) AddWorktree(path, branch string) error {
	f.record("add-worktree %s %s", path, branch)
	return nil
}

func (f *fakeExec) RemoveWorktree(path string, force bool) error {
	f.record("remove-worktree %s force=%v", path, force)
	return nil
}

func (f *fakeExec) ShowFile(ref, path string) (string, error) {
	if content, ok := f.fileContents[ref+":"+path]; ok {
		return content, nil
	}
	return "", fmt.Errorf("path %q does not exist in %q", path, ref)
}

func (f *fakeExec) AddAll() error {
	f.record("add-all %s", f.dir)
	return nil
}

func (f *fakeExec) Commit(message string, allowEmpty bool) error {
	f.record("commit %q allow-empty=%v", message, allowEmpty)
	f.dirty = false
	return nil
}

func (f *fakeExec) Merge(branch string, noCommit, noFF bool) error {
	f.record("merge %s no-commit=%v no-ff=%v", branch, noCommit, noFF)
	return f.mergeErr
}

func (f *fakeExec) Push(branch string) error {
	f.record("push %s", branch)
	return nil
}

func (f *fakeExec) DeleteBranch(name string, force bool) error {
	f.record("delete-branch %s force=%v", name, force)
	return nil
}

func (f *fakeExec) DeleteRemoteBranch(name string) error {
	f.record("delete-remote-branch %s", name)
	return nil
}

// fakeRepo hands out per-directory fakeExec instances sharing one call log.
type fakeRepo struct {
	execs map[string]*fakeExec
	calls []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{execs: make(map[string]*fakeExec)}
}

func (r *fakeRepo) at(dir string) *fakeExec {
	if e, ok := r.execs[dir]; ok {
		return e
	}
	e := &fakeExec{dir: dir, branch: "main", defaultBranch: "main", calls: &r.calls}
	r.execs[dir] = e
	return e
}

func (r *fakeRepo) factory() func(dir string) Executor {
	return func(dir string) Executor { return r.at(dir) }
}

func TestSanitizeBranchName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", "fix-auth", "fix-auth"},
		{"uppercase", "Fix Auth Bug", "fix-auth-bug"},
		{"special chars", "fix: auth/bug #42!", "fix-auth-bug-42"},
		{"collapses runs", "a---b___c", "a-b-c"},
		{"strips edges", "--hello--", "hello"},
		{"unicode", "café résumé", "caf-r-sum"},
		{"empty", "", ""},
		{"only specials", "###", ""},
		{
			"truncates to 50",
			strings.Repeat("abcde-", 20),
			strings.Repeat("abcde-", 8) + "ab",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SanitizeBranchName(tc.input)
			require.Equal(t, tc.want, got)
			require.LessOrEqual(t, len(got), 50)
		})
	}
}

var branchNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

func TestSanitizeBranchName_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		input := rapid.String().Draw(t, "input")
		got := SanitizeBranchName(input)

		if got != "" {
			require.True(t, branchNameRe.MatchString(got),
				"sanitized %q -> %q is not branch-safe", input, got)
			require.NotContains(t, got, "--")
		}
		require.LessOrEqual(t, len(got), 50)

		// Sanitization is idempotent.
		require.Equal(t, got, SanitizeBranchName(got))
	})
}

func TestCoordinator_EnsureWorktree_CreatesOffBase(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(workspace, 0o755))

	repo := newFakeRepo()
	c := NewCoordinator(workspace, WithExecutorFactory(repo.factory()))

	path, branch, err := c.EnsureWorktree("Fix Auth Bug", "develop")
	require.NoError(t, err)
	require.Equal(t, "fix-auth-bug", branch)
	require.Equal(t, filepath.Join(filepath.Dir(workspace), ".worktrees", "fix-auth-bug"), path)
	require.Contains(t, repo.calls, fmt.Sprintf("create-worktree %s fix-auth-bug develop", path))
}

func TestCoordinator_EnsureWorktree_DetectsBaseBranch(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(workspace, 0o755))

	repo := newFakeRepo()
	repo.at(workspace).defaultBranch = "master"
	c := NewCoordinator(workspace, WithExecutorFactory(repo.factory()))

	path, _, err := c.EnsureWorktree("thing", "")
	require.NoError(t, err)
	require.Contains(t, repo.calls, fmt.Sprintf("create-worktree %s thing master", path))
}

func TestCoordinator_EnsureWorktree_ReturnsExistingDir(t *testing.T) {
	base := t.TempDir()
	workspace := filepath.Join(base, "repo")
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	existing := filepath.Join(base, ".worktrees", "fix-auth")
	require.NoError(t, os.MkdirAll(existing, 0o755))

	repo := newFakeRepo()
	c := NewCoordinator(workspace, WithExecutorFactory(repo.factory()))

	path, branch, err := c.EnsureWorktree("fix-auth", "main")
	require.NoError(t, err)
	require.Equal(t, existing, path)
	require.Equal(t, "fix-auth", branch)
	require.Empty(t, repo.calls, "no git commands should run for an existing worktree")
}

func TestCoordinator_EnsureWorktree_RetriesExistingBranch(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(workspace, 0o755))

	repo := newFakeRepo()
	c := NewCoordinator(workspace, WithExecutorFactory(repo.factory()))

	// First create attempt reports the branch already exists.
	created := false
	wsWrapped := &branchExistsOnce{fakeExec: repo.at(workspace), created: &created}
	c.execFor = func(dir string) Executor {
		if dir == workspace {
			return wsWrapped
		}
		return repo.at(dir)
	}

	path, branch, err := c.EnsureWorktree("fix-auth", "main")
	require.NoError(t, err)
	require.Equal(t, "fix-auth", branch)
	require.Contains(t, repo.calls, fmt.Sprintf("add-worktree %s fix-auth", path))
}

// branchExistsOnce fails the first CreateWorktree with ErrBranchAlreadyExists.
type branchExistsOnce struct {
	*fakeExec
	created *bool
}

func (b *branchExistsOnce) CreateWorktree(path, newBranch, baseBranch string) error {
	if !*b.created {
		*b.created = true
		return fmt.Errorf("%w: a branch named %q already exists", ErrBranchAlreadyExists, newBranch)
	}
	return b.fakeExec.CreateWorktree(path, newBranch, baseBranch)
}

func TestCoordinator_EnsureWorktree_MissingWorkspace(t *testing.T) {
	repo := newFakeRepo()
	c := NewCoordinator(filepath.Join(t.TempDir(), "does-not-exist"),
		WithExecutorFactory(repo.factory()))

	_, _, err := c.EnsureWorktree("task", "main")
	require.ErrorIs(t, err, ErrNoWorkspace)
}

func TestCoordinator_Pull_CleanMerge(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "repo")
	repo := newFakeRepo()
	c := NewCoordinator(workspace, WithExecutorFactory(repo.factory()))

	parentPath := filepath.Join(workspace, "..", ".worktrees", "parent")
	childPath := filepath.Join(workspace, "..", ".worktrees", "child")
	repo.at(parentPath).branch = "parent"
	repo.at(parentPath).staged = []string{"a.txt", "b.txt"}
	repo.at(childPath).branch = "child"

	result, err := c.Pull(parentPath, childPath, false)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, result.HasConflicts)
	require.Equal(t, []string{"a.txt", "b.txt"}, result.MergedFiles)
	require.Contains(t, repo.calls, "merge child no-commit=true no-ff=true")
}

func TestCoordinator_Pull_AutoCommitsDirtyChild(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "repo")
	repo := newFakeRepo()
	c := NewCoordinator(workspace, WithExecutorFactory(repo.factory()))

	parentPath := filepath.Join(workspace, "..", ".worktrees", "parent")
	childPath := filepath.Join(workspace, "..", ".worktrees", "child")
	repo.at(childPath).branch = "child"
	repo.at(childPath).dirty = true

	_, err := c.Pull(parentPath, childPath, false)
	require.NoError(t, err)
	require.Contains(t, repo.calls, fmt.Sprintf("add-all %s", childPath))
	require.Contains(t, repo.calls, `commit "Auto-commit before merge to parent" allow-empty=false`)
}

func TestCoordinator_Pull_Conflict(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "repo")
	repo := newFakeRepo()
	c := NewCoordinator(workspace, WithExecutorFactory(repo.factory()))

	parentPath := filepath.Join(workspace, "..", ".worktrees", "parent")
	childPath := filepath.Join(workspace, "..", ".worktrees", "child")
	parent := repo.at(parentPath)
	parent.branch = "parent"
	parent.mergeErr = fmt.Errorf("%w: both modified a.txt", ErrMergeConflict)
	parent.unmerged = []string{"a.txt"}
	parent.fileContents = map[string]string{
		"parent:a.txt": "line one\nparent change\n",
		"child:a.txt":  "line one\nchild change\n",
	}
	repo.at(childPath).branch = "child"

	result, err := c.Pull(parentPath, childPath, true)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.True(t, result.HasConflicts)
	require.Equal(t, []string{"a.txt"}, result.ConflictFiles)

	preview := result.ConflictPreview["a.txt"]
	require.Contains(t, preview, "- parent change")
	require.Contains(t, preview, "+ child change")

	// Conflicted merge must not clean up the child.
	for _, call := range repo.calls {
		require.NotContains(t, call, "remove-worktree")
		require.NotContains(t, call, "delete-branch")
	}
}

func TestCoordinator_Pull_CleanupRemovesChild(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "repo")
	repo := newFakeRepo()
	c := NewCoordinator(workspace, WithExecutorFactory(repo.factory()))

	parentPath := filepath.Join(workspace, "..", ".worktrees", "parent")
	childPath := filepath.Join(workspace, "..", ".worktrees", "child")
	repo.at(parentPath).branch = "parent"
	repo.at(childPath).branch = "child"

	result, err := c.Pull(parentPath, childPath, true)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, repo.calls, fmt.Sprintf("remove-worktree %s force=true", childPath))
	require.Contains(t, repo.calls, "delete-branch child force=true")
}

func TestCoordinator_FinalizeWorker(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "repo")
	repo := newFakeRepo()
	c := NewCoordinator(workspace, WithExecutorFactory(repo.factory()))

	wtPath := filepath.Join(workspace, "..", ".worktrees", "fix-auth")

	err := c.FinalizeWorker(wtPath, "fix-auth", "fix-auth")
	require.NoError(t, err)
	require.Equal(t, []string{
		fmt.Sprintf("add-all %s", wtPath),
		`commit "Complete task: fix-auth" allow-empty=true`,
		"push fix-auth",
		fmt.Sprintf("remove-worktree %s force=true", wtPath),
	}, repo.calls)
}

func TestCoordinator_DiscardWorker(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "repo")
	repo := newFakeRepo()
	c := NewCoordinator(workspace, WithExecutorFactory(repo.factory()))

	wtPath := filepath.Join(workspace, "..", ".worktrees", "abandoned")

	err := c.DiscardWorker(wtPath, "abandoned")
	require.NoError(t, err)
	require.Contains(t, repo.calls, fmt.Sprintf("remove-worktree %s force=true", wtPath))
	require.Contains(t, repo.calls, "delete-branch abandoned force=true")
}

func TestCoordinator_BaseBranchOverride(t *testing.T) {
	repo := newFakeRepo()
	c := NewCoordinator("/repo",
		WithExecutorFactory(repo.factory()),
		WithBaseBranch("release-2.0"))

	branch, err := c.BaseBranch()
	require.NoError(t, err)
	require.Equal(t, "release-2.0", branch)
}

func TestCoordinator_WorktreePath(t *testing.T) {
	c := NewCoordinator("/home/user/repo")
	require.Equal(t, "/home/user/.worktrees/my-task", c.WorktreePath("My Task"))

	custom := NewCoordinator("/home/user/repo", WithWorktreesDir("/tmp/wts"))
	require.Equal(t, "/tmp/wts/my-task", custom.WorktreePath("My Task"))
}
