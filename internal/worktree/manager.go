// Package worktree manages git worktrees for isolated task execution. Each
// task gets its own branch and working directory; merging back into the
// mainline is mechanical here and serialized by the merge arbiter, which
// owns the mainline lock.
package worktree

import (
	"bufio"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Manager manages git worktrees for parallel task execution
type Manager struct {
	config Config
}

// NewManager creates a new worktree manager
func NewManager(cfg Config) *Manager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = filepath.Join(".loom", "worktrees")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Manager{config: cfg}
}

// BranchName derives the deterministic branch name for a task ID, so
// repeated runs are idempotent about naming.
func BranchName(taskID string) string {
	return "task/" + taskID
}

// Create creates a worktree for the given task ID on its deterministic
// branch. An existing branch of the same name is reset to the base branch,
// so a re-run after a crash starts from a clean slate.
func (m *Manager) Create(taskID string) (*Info, error) {
	branch := BranchName(taskID)
	wtPath := filepath.Join(m.config.RepoPath, m.config.WorktreeDir, taskID)

	cmd := exec.Command("git", "worktree", "add", "-B", branch, wtPath, m.config.BaseBranch)
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w (output: %s)", err, string(output))
	}

	headCmd := exec.Command("git", "rev-parse", "HEAD")
	headCmd.Dir = wtPath
	headOutput, err := headCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w (output: %s)", err, string(headOutput))
	}

	return &Info{
		Path:   wtPath,
		Branch: branch,
		TaskID: taskID,
		Head:   strings.TrimSpace(string(headOutput)),
	}, nil
}

// CommitsAhead returns how many commits the worktree branch carries beyond
// the base branch. A session that exits cleanly but leaves zero commits did
// not complete its contract.
func (m *Manager) CommitsAhead(info *Info) (int, error) {
	cmd := exec.Command("git", "rev-list", "--count", m.config.BaseBranch+".."+info.Branch)
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("failed to count commits: %w (output: %s)", err, string(output))
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", string(output), err)
	}
	return n, nil
}

// Merge merges the worktree branch into the base branch. The caller is
// responsible for serialization; concurrent merges into one mainline are
// unsafe.
func (m *Manager) Merge(info *Info) (*MergeResult, error) {
	// Checkout base branch to ensure we're merging into the right place
	checkoutCmd := exec.Command("git", "checkout", m.config.BaseBranch)
	checkoutCmd.Dir = m.config.RepoPath
	if checkoutOutput, err := checkoutCmd.CombinedOutput(); err != nil {
		return &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("failed to checkout base branch: %w (output: %s)", err, string(checkoutOutput)),
		}, nil
	}

	// Detect conflicts using merge-tree (dry-run merge)
	detectCmd := exec.Command("git", "merge-tree", "--write-tree", m.config.BaseBranch, info.Branch)
	detectCmd.Dir = m.config.RepoPath
	detectOutput, err := detectCmd.CombinedOutput()
	outputStr := string(detectOutput)
	if err != nil || strings.Contains(outputStr, "CONFLICT") {
		// Non-zero exit or conflict markers indicate conflicts
		result := &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("merge conflict detected: %s", outputStr),
		}
		result.ConflictFiles = parseConflictFiles(outputStr)
		return result, nil
	}

	mergeCmd := exec.Command("git", "merge", "--no-ff", info.Branch)
	mergeCmd.Dir = m.config.RepoPath
	mergeOutput, err := mergeCmd.CombinedOutput()
	if err != nil {
		return &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("merge failed: %w (output: %s)", err, string(mergeOutput)),
		}, nil
	}

	headCmd := exec.Command("git", "rev-parse", "HEAD")
	headCmd.Dir = m.config.RepoPath
	headOutput, err := headCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to read merge commit: %w (output: %s)", err, string(headOutput))
	}

	return &MergeResult{
		Merged: true,
		Commit: strings.TrimSpace(string(headOutput)),
	}, nil
}

// AbortMerge aborts an in-flight merge, leaving the mainline in its last
// consistent state. Safe to call when no merge is in progress.
func (m *Manager) AbortMerge() {
	cmd := exec.Command("git", "merge", "--abort")
	cmd.Dir = m.config.RepoPath
	_ = cmd.Run()
}

// Rebase rebases the worktree branch onto the latest base branch. Used by
// the rebase-retry conflict strategy. On failure the rebase is aborted and
// the branch left as it was.
func (m *Manager) Rebase(info *Info) error {
	cmd := exec.Command("git", "rebase", m.config.BaseBranch)
	cmd.Dir = info.Path
	output, err := cmd.CombinedOutput()
	if err != nil {
		abortCmd := exec.Command("git", "rebase", "--abort")
		abortCmd.Dir = info.Path
		_ = abortCmd.Run()
		return fmt.Errorf("rebase failed: %w (output: %s)", err, string(output))
	}
	return nil
}

// parseConflictFiles attempts to extract conflicting file paths from merge-tree output
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		// merge-tree output includes lines like "CONFLICT (content): Merge conflict in <file>"
		if strings.Contains(line, "CONFLICT") && strings.Contains(line, "in ") {
			parts := strings.Split(line, "in ")
			if len(parts) > 1 {
				conflicts = append(conflicts, strings.TrimSpace(parts[len(parts)-1]))
			}
		}
	}
	return conflicts
}

// Cleanup removes the worktree and deletes the branch
func (m *Manager) Cleanup(info *Info) error {
	var errors []string

	// Remove worktree
	removeCmd := exec.Command("git", "worktree", "remove", info.Path)
	removeCmd.Dir = m.config.RepoPath
	if output, err := removeCmd.CombinedOutput(); err != nil {
		// Retry with --force
		forceCmd := exec.Command("git", "worktree", "remove", "--force", info.Path)
		forceCmd.Dir = m.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			errors = append(errors, fmt.Sprintf("worktree remove failed: %v (output: %s, force output: %s)", err, string(output), string(forceOutput)))
		}
	}

	// Delete branch
	branchCmd := exec.Command("git", "branch", "-d", info.Branch)
	branchCmd.Dir = m.config.RepoPath
	if output, err := branchCmd.CombinedOutput(); err != nil {
		// Retry with -D (force delete)
		forceCmd := exec.Command("git", "branch", "-D", info.Branch)
		forceCmd.Dir = m.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			errors = append(errors, fmt.Sprintf("branch delete failed: %v (output: %s, force output: %s)", err, string(output), string(forceOutput)))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errors, "; "))
	}
	return nil
}

// DiscardWorktree removes the worktree directory but keeps the branch, so a
// conflicted branch stays available for manual inspection.
func (m *Manager) DiscardWorktree(info *Info) error {
	removeCmd := exec.Command("git", "worktree", "remove", "--force", info.Path)
	removeCmd.Dir = m.config.RepoPath
	if output, err := removeCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("worktree remove failed: %w (output: %s)", err, string(output))
	}
	return nil
}

// ForceCleanup removes the worktree and branch using force flags
func (m *Manager) ForceCleanup(info *Info) error {
	var errors []string

	// Force remove worktree
	removeCmd := exec.Command("git", "worktree", "remove", "--force", info.Path)
	removeCmd.Dir = m.config.RepoPath
	if output, err := removeCmd.CombinedOutput(); err != nil {
		errors = append(errors, fmt.Sprintf("force worktree remove failed: %v (output: %s)", err, string(output)))
	}

	// Force delete branch
	branchCmd := exec.Command("git", "branch", "-D", info.Branch)
	branchCmd.Dir = m.config.RepoPath
	if output, err := branchCmd.CombinedOutput(); err != nil {
		errors = append(errors, fmt.Sprintf("force branch delete failed: %v (output: %s)", err, string(output)))
	}

	if len(errors) > 0 {
		return fmt.Errorf("force cleanup errors: %s", strings.Join(errors, "; "))
	}
	return nil
}

// List returns all worktrees in the repository
func (m *Manager) List() ([]Info, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, string(output))
	}

	var worktrees []Info
	var current Info

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			// Empty line signals end of a worktree entry
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Info{}
			}
			continue
		}

		if strings.HasPrefix(line, "worktree ") {
			current.Path = strings.TrimPrefix(line, "worktree ")
		} else if strings.HasPrefix(line, "HEAD ") {
			current.Head = strings.TrimPrefix(line, "HEAD ")
		} else if strings.HasPrefix(line, "branch ") {
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
			// Extract task ID from branch name (format: task/{taskID})
			if strings.HasPrefix(current.Branch, "task/") {
				current.TaskID = strings.TrimPrefix(current.Branch, "task/")
			}
		}
	}

	// Add last entry if not followed by empty line
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees, nil
}

// Prune cleans up stale worktree metadata
func (m *Manager) Prune() error {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, string(output))
	}
	return nil
}
