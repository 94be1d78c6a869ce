// Package workspace implements the bounded Workspace Probe (spec.md §4.7):
// a short-lived `git` CLI invocation that summarizes an agent's working
// directory for display alongside its reply. Adapted from the pack's
// streamspace git client (api/internal/sync/git.go), which shells out to
// `git` with exec.CommandContext rather than a cgo/libgit2 binding.
package workspace

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/types"
)

// MaxProbeDuration bounds how long a single probe may run (spec.md §4.7:
// "at most 15 seconds"). A probe that exceeds it returns a nil status,
// the same as a directory outside any VCS.
const MaxProbeDuration = 15 * time.Second

// maxRecentCommits is how many log entries the probe reports.
const maxRecentCommits = 5

// Prober runs bounded git-status probes against agent working directories.
type Prober struct{}

// NewProber builds a Prober. It carries no state: every probe call is a
// fresh, independently-timed git invocation.
func NewProber() *Prober {
	return &Prober{}
}

// Probe summarizes dir's VCS state, or returns (nil, nil) if dir isn't
// inside a git working tree or the probe overruns MaxProbeDuration.
// Callers (the Agent Manager's completion epilogue) treat a nil status
// as "workspace status unavailable" rather than an error.
func (p *Prober) Probe(ctx context.Context, dir string) (*types.WorkspaceStatus, error) {
	if dir == "" {
		return nil, nil
	}

	start := time.Now()
	defer func() { metrics.WorkspaceProbeDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, MaxProbeDuration)
	defer cancel()

	if !p.isGitRepo(ctx, dir) {
		return nil, nil
	}

	branch, err := p.branch(ctx, dir)
	if err != nil {
		return nil, nil
	}

	changed, additions, deletions, err := p.changedFiles(ctx, dir)
	if err != nil {
		return nil, nil
	}

	commits, err := p.recentCommits(ctx, dir)
	if err != nil {
		commits = nil
	}

	return &types.WorkspaceStatus{
		Branch:        branch,
		ChangedFiles:  changed,
		FilesChanged:  len(changed),
		Additions:     additions,
		Deletions:     deletions,
		RecentCommits: commits,
	}, nil
}

func (p *Prober) isGitRepo(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--is-inside-work-tree")
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

func (p *Prober) branch(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// changedFiles runs `git status --porcelain=v1` for the file list and
// `git diff --numstat` (tracked changes only) for per-file add/delete
// counts, then merges the two by path.
func (p *Prober) changedFiles(ctx context.Context, dir string) ([]types.WorkspaceChangedFile, int, int, error) {
	statusCmd := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain=v1")
	statusOut, err := statusCmd.Output()
	if err != nil {
		return nil, 0, 0, err
	}

	stats := make(map[string][2]int) // path -> [additions, deletions]
	numstatCmd := exec.CommandContext(ctx, "git", "-C", dir, "diff", "HEAD", "--numstat")
	if numstatOut, err := numstatCmd.Output(); err == nil {
		scanner := bufio.NewScanner(strings.NewReader(string(numstatOut)))
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) != 3 {
				continue
			}
			add, _ := strconv.Atoi(fields[0])
			del, _ := strconv.Atoi(fields[1])
			stats[fields[2]] = [2]int{add, del}
		}
	}

	var files []types.WorkspaceChangedFile
	totalAdd, totalDel := 0, 0
	scanner := bufio.NewScanner(strings.NewReader(string(statusOut)))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])

		add, del := 0, 0
		if s, ok := stats[path]; ok {
			add, del = s[0], s[1]
		}
		totalAdd += add
		totalDel += del

		files = append(files, types.WorkspaceChangedFile{
			Path:      path,
			Status:    statusFromCode(code),
			Additions: add,
			Deletions: del,
		})
	}

	return files, totalAdd, totalDel, nil
}

func statusFromCode(code string) string {
	switch {
	case strings.Contains(code, "?"):
		return "untracked"
	case strings.Contains(code, "A"):
		return "added"
	case strings.Contains(code, "D"):
		return "deleted"
	case strings.Contains(code, "R"):
		return "renamed"
	default:
		return "modified"
	}
}

func (p *Prober) recentCommits(ctx context.Context, dir string) ([]types.WorkspaceCommit, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "log",
		"-n", strconv.Itoa(maxRecentCommits), "--pretty=format:%H%x09%s")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var commits []types.WorkspaceCommit
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "\t", 2)
		if len(parts) != 2 {
			continue
		}
		commits = append(commits, types.WorkspaceCommit{Hash: parts[0], Message: parts[1]})
	}
	return commits, nil
}
