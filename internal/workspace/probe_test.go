package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

func initRepoWithCommit(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-q", "-m", "initial commit")
	return dir
}

func TestProbe_NonGitDirectoryReturnsNilStatus(t *testing.T) {
	p := NewProber()
	dir := t.TempDir()

	status, err := p.Probe(context.Background(), dir)
	assert.NoError(t, err)
	assert.Nil(t, status)
}

func TestProbe_EmptyDirReturnsNilStatus(t *testing.T) {
	p := NewProber()
	status, err := p.Probe(context.Background(), "")
	assert.NoError(t, err)
	assert.Nil(t, status)
}

func TestProbe_CleanRepoReportsBranchAndNoChanges(t *testing.T) {
	dir := initRepoWithCommit(t)
	p := NewProber()

	status, err := p.Probe(context.Background(), dir)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "main", status.Branch)
	assert.Equal(t, 0, status.FilesChanged)
	require.Len(t, status.RecentCommits, 1)
	assert.Equal(t, "initial commit", status.RecentCommits[0].Message)
}

func TestProbe_ReportsModifiedAndUntrackedFiles(t *testing.T) {
	dir := initRepoWithCommit(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\nworld\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "NEW.md"), []byte("new file\n"), 0o644))

	p := NewProber()
	status, err := p.Probe(context.Background(), dir)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 2, status.FilesChanged)

	var sawModified, sawUntracked bool
	for _, f := range status.ChangedFiles {
		switch f.Path {
		case "README.md":
			sawModified = f.Status == "modified"
		case "NEW.md":
			sawUntracked = f.Status == "untracked"
		}
	}
	assert.True(t, sawModified, "README.md should be reported modified")
	assert.True(t, sawUntracked, "NEW.md should be reported untracked")
}
