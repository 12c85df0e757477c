package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Branch selects which test suite a run executes. Exactly one branch is
// active per run.
type Branch string

const (
	BranchMain Branch = "main"
	BranchAuth Branch = "auth"
	BranchHelm Branch = "helm"
)

// ErrUnknownBranch is returned for a branch outside the fixed enumeration.
var ErrUnknownBranch = errors.New("unknown test branch")

// Branches lists every supported branch.
func Branches() []Branch {
	return []Branch{BranchMain, BranchAuth, BranchHelm}
}

// ParseBranch parses a branch name.
func ParseBranch(s string) (Branch, error) {
	b := Branch(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Branches() {
		if b == known {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: %q (expected one of main, auth, helm)", ErrUnknownBranch, s)
}

// Run is the immutable description of one pipeline invocation.
type Run struct {
	branch         Branch
	clusterVersion string
	helmVersion    string
}

// NewRun validates the run axes and returns a Run. Both versions must be
// full vMAJOR.MINOR.PATCH releases since they name a kind node image tag and
// a helm release archive; a missing "v" prefix is added.
func NewRun(branch, clusterVersion, helmVersion string) (Run, error) {
	b, err := ParseBranch(branch)
	if err != nil {
		return Run{}, err
	}
	cv, err := fullVersion("cluster", clusterVersion, "v1.19.16")
	if err != nil {
		return Run{}, err
	}
	hv, err := fullVersion("helm", helmVersion, "v3.5.0")
	if err != nil {
		return Run{}, err
	}
	return Run{branch: b, clusterVersion: cv, helmVersion: hv}, nil
}

func fullVersion(axis, v, example string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%s version must not be empty", axis)
	}
	v = "v" + strings.TrimPrefix(v, "v")
	if _, err := semver.StrictNewVersion(strings.TrimPrefix(v, "v")); err != nil {
		return "", fmt.Errorf("%s version %q must be a full release such as %s: %w", axis, v, example, err)
	}
	return v, nil
}

func (r Run) Branch() Branch         { return r.branch }
func (r Run) ClusterVersion() string { return r.clusterVersion }
func (r Run) HelmVersion() string    { return r.helmVersion }

func (r Run) String() string {
	return fmt.Sprintf("test=%s cluster=%s helm=%s", r.branch, r.clusterVersion, r.helmVersion)
}
