// Package diffstream produces per-file diff events between an attempt's base
// branch and its worktree (committed and uncommitted changes alike), for
// incremental consumption by UIs.
package diffstream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffBytes caps the per-file content the differ will chew on; bigger
// files report counts only.
const maxDiffBytes = 1 << 20

// ChangeKind classifies a file-level change.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Deleted  ChangeKind = "deleted"
	Modified ChangeKind = "modified"
	Renamed  ChangeKind = "renamed"
)

// FileDiff is one file's change between the base branch and the worktree.
type FileDiff struct {
	Path      string     `json:"path"`
	OldPath   string     `json:"old_path,omitempty"`
	Kind      ChangeKind `json:"kind"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	// Content is the line-level diff, empty for binary or oversized files.
	Content   string `json:"content,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Stream walks the changed files and sends one FileDiff per file, closing
// the channel when done or when ctx is cancelled.
func Stream(ctx context.Context, worktreePath, baseBranch string) <-chan FileDiff {
	out := make(chan FileDiff, 16)
	go func() {
		defer close(out)
		for _, fd := range collect(ctx, worktreePath, baseBranch) {
			select {
			case out <- fd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func collect(ctx context.Context, worktreePath, baseBranch string) []FileDiff {
	names, err := runGit(ctx, worktreePath, "diff", "--name-status", "-M", baseBranch)
	if err != nil {
		slog.Error("diff listing failed", "worktree", worktreePath, "err", err)
		return nil
	}
	var diffs []FileDiff
	seen := make(map[string]bool)
	for _, line := range strings.Split(names, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status, path := fields[0], fields[1]
		fd := FileDiff{Path: path}
		switch {
		case status == "A":
			fd.Kind = Added
		case status == "D":
			fd.Kind = Deleted
		case strings.HasPrefix(status, "R") && len(fields) >= 3:
			fd.Kind = Renamed
			fd.OldPath = path
			fd.Path = fields[2]
		default:
			fd.Kind = Modified
		}
		seen[fd.Path] = true
		fillContent(ctx, worktreePath, baseBranch, &fd)
		diffs = append(diffs, fd)
	}

	// Untracked files count as additions.
	untracked, err := runGit(ctx, worktreePath, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		slog.Error("untracked listing failed", "worktree", worktreePath, "err", err)
		return diffs
	}
	for _, path := range strings.Split(untracked, "\n") {
		if path == "" || seen[path] {
			continue
		}
		fd := FileDiff{Path: path, Kind: Added}
		fillContent(ctx, worktreePath, baseBranch, &fd)
		diffs = append(diffs, fd)
	}
	return diffs
}

// fillContent computes the line diff between the base branch's copy and the
// working tree's copy of the file.
func fillContent(ctx context.Context, worktreePath, baseBranch string, fd *FileDiff) {
	oldPath := fd.OldPath
	if oldPath == "" {
		oldPath = fd.Path
	}
	var oldContent string
	if fd.Kind != Added {
		// Not through runGit: its trimming would drop the file's final newline.
		cmd := exec.CommandContext(ctx, "git", "show", baseBranch+":"+oldPath)
		cmd.Dir = worktreePath
		if data, err := cmd.Output(); err == nil {
			oldContent = string(data)
		}
	}
	var newContent string
	if fd.Kind != Deleted {
		data, err := os.ReadFile(filepath.Join(worktreePath, fd.Path))
		if err == nil {
			newContent = string(data)
		}
	}
	if len(oldContent) > maxDiffBytes || len(newContent) > maxDiffBytes {
		fd.Truncated = true
		return
	}
	if bytes.ContainsRune([]byte(newContent), 0) || bytes.ContainsRune([]byte(oldContent), 0) {
		// Binary; counts stay zero and the content is omitted.
		return
	}

	dmp := diffmatchpatch.New()
	chars1, chars2, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lines)

	var b strings.Builder
	for _, d := range diffs {
		for _, line := range splitKeepNonEmpty(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				fd.Additions++
				fmt.Fprintf(&b, "+%s\n", line)
			case diffmatchpatch.DiffDelete:
				fd.Deletions++
				fmt.Fprintf(&b, "-%s\n", line)
			case diffmatchpatch.DiffEqual:
				fmt.Fprintf(&b, " %s\n", line)
			}
		}
	}
	fd.Content = b.String()
}

func splitKeepNonEmpty(text string) []string {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}
