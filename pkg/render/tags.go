package render

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var errNoCommits = errors.New("no commit touches the image paths")

// ImageTag derives an image tag from the git history of repoDir. The tag is
// "<version>-n<count>.h<hash>" where count is the number of commits touching
// paths and hash is the short hash of the latest of them. The tag only
// changes when one of the paths changes.
func ImageTag(repoDir string, paths []string, chartVersion string) (string, error) {
	repo, err := git.PlainOpenWithOptions(repoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("failed to open git repository %s: %w", repoDir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	prefixes := normalizePaths(paths)
	iter, err := repo.Log(&git.LogOptions{
		From:       head.Hash(),
		PathFilter: func(p string) bool { return matchesAny(p, prefixes) },
	})
	if err != nil {
		return "", fmt.Errorf("failed to read git log: %w", err)
	}
	defer iter.Close()

	var (
		latest string
		count  int
	)
	err = iter.ForEach(func(c *object.Commit) error {
		if latest == "" {
			latest = c.Hash.String()[:7]
		}
		count++
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk git log: %w", err)
	}
	if latest == "" {
		return "", fmt.Errorf("%w: %s", errNoCommits, strings.Join(paths, ", "))
	}
	return fmt.Sprintf("%s-n%03d.h%s", baseVersion(chartVersion), count, latest), nil
}

// baseVersion drops pre-release and build metadata from v.
func baseVersion(v string) string {
	sv, err := semver.NewVersion(v)
	if err != nil {
		return v
	}
	return fmt.Sprintf("%d.%d.%d", sv.Major(), sv.Minor(), sv.Patch())
}

func normalizePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = path.Clean(strings.TrimPrefix(p, "./"))
		if p == "." || p == "" {
			return nil
		}
		out = append(out, p)
	}
	return out
}

// matchesAny reports whether file lies under one of prefixes. No prefixes
// match everything.
func matchesAny(file string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if file == p || strings.HasPrefix(file, p+"/") {
			return true
		}
	}
	return false
}
