// Package gitinfo reads the git state of a local crate so its
// work-in-progress version can be displayed with a commit hash and dirty
// marker.
package gitinfo

import (
	gogit "github.com/go-git/go-git/v5"
)

// Info is the git state of a local crate directory.
type Info struct {
	// Hash is the short (7 character) HEAD commit hash
	Hash string
	// Dirty reports uncommitted changes in the worktree
	Dirty bool
}

// Describe reads the repository containing path. The bool result is false
// when path is not inside a git repository; that is not an error.
func Describe(path string) (Info, bool) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return Info{}, false
	}

	head, err := repo.Head()
	if err != nil {
		return Info{}, false
	}

	info := Info{
		Hash: head.Hash().String()[:7],
		// When status cannot be read, assume dirty rather than claim a
		// clean build
		Dirty: true,
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return info, true
	}
	status, err := worktree.Status()
	if err != nil {
		return info, true
	}
	info.Dirty = !status.IsClean()

	return info, true
}
