package worktree

// Info holds information about a created worktree
type Info struct {
	Path   string // Absolute path to the worktree directory
	Branch string // Branch name (e.g., "task/build-parser")
	TaskID string // Original task ID
	Head   string // Current HEAD commit hash
}

// MergeResult represents the outcome of a merge operation
type MergeResult struct {
	Merged        bool     // True if merge succeeded
	Commit        string   // Resulting mainline commit hash when merged
	ConflictFiles []string // List of files with conflicts (if any)
	Error         error    // Error if merge failed
}

// Config configures the worktree manager
type Config struct {
	RepoPath    string // Absolute path to the git repository
	BaseBranch  string // Base branch to branch from (e.g., "main")
	WorktreeDir string // Directory under repo for worktrees (default ".loom/worktrees")
}
