// Package worktree is the external collaborator spec §4.4/§6 calls the
// "Worktree resolver": it turns a (project alias, branch) pair into a
// working directory, materializing a git worktree on demand. Full
// worktree/git lifecycle management is out of the core's scope (spec §1);
// this is the minimal real implementation the Router/bridge depend on
// through the interface the spec describes, grounded on the shape
// HyphaGroup-oubliette's internal/project.Manager uses for on-demand
// per-project directories (uuid-free here since a branch name is already a
// stable key).
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"takopi/internal/config"
)

// Resolver resolves a project alias and optional branch to a directory,
// creating a git worktree for the branch the first time it is requested.
type Resolver struct {
	Projects map[string]config.Project
}

func New(projects map[string]config.Project) *Resolver {
	return &Resolver{Projects: projects}
}

// Resolve returns the working directory for alias/branch. An empty branch
// resolves to the project's root path. A non-empty branch resolves under
// WorktreesDir, creating the worktree via `git worktree add` if it doesn't
// exist yet.
func (r *Resolver) Resolve(ctx context.Context, alias, branch string) (string, error) {
	proj, ok := r.Projects[alias]
	if !ok {
		return "", fmt.Errorf("worktree: unknown project %q", alias)
	}
	if branch == "" {
		return proj.Path, nil
	}
	if strings.HasPrefix(branch, "/") || strings.Contains(branch, "..") {
		return "", fmt.Errorf("worktree: illegal branch %q", branch)
	}

	worktreesDir := proj.WorktreesDir
	if worktreesDir == "" {
		worktreesDir = filepath.Join(proj.Path, ".worktrees")
	}
	dir := filepath.Join(worktreesDir, sanitize(branch))

	if !withinRoot(worktreesDir, dir) {
		return "", fmt.Errorf("worktree: branch %q escapes worktrees root", branch)
	}

	if dirExists(dir) {
		return dir, nil
	}

	base := proj.WorktreeBase
	if base == "" {
		base = "main"
	}
	if !r.baseBranchExists(ctx, proj.Path, base) {
		return "", fmt.Errorf("worktree: base branch %q not found in %s", base, proj.Path)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-B", branch, dir, base)
	cmd.Dir = proj.Path
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("worktree: git worktree add: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return dir, nil
}

func (r *Resolver) baseBranchExists(ctx context.Context, repoPath, base string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", base)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func sanitize(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

func withinRoot(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func dirExists(dir string) bool {
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}
