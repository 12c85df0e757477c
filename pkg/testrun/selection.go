// Package testrun selects and runs the test subset of a pipeline branch.
package testrun

import (
	"chart-pipeline/pkg/pipeline"
)

// Marker tags used to partition the suite.
const (
	TagAuth   = "auth"
	TagRemote = "remote"
)

// Case is one test with its marker tags.
type Case struct {
	Name string
	Tags []string
}

// HasTag reports whether the case carries tag.
func (c Case) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Selector picks the cases a branch runs. Expr is the equivalent pytest
// marker expression.
type Selector struct {
	Expr  string
	Match func(Case) bool
}

// SelectorFor returns the selector of branch: main runs everything not
// tagged auth, auth runs only auth cases and helm runs remote cases.
func SelectorFor(branch pipeline.Branch) (Selector, error) {
	switch branch {
	case pipeline.BranchMain:
		return Selector{Expr: "not " + TagAuth, Match: func(c Case) bool { return !c.HasTag(TagAuth) }}, nil
	case pipeline.BranchAuth:
		return Selector{Expr: TagAuth, Match: func(c Case) bool { return c.HasTag(TagAuth) }}, nil
	case pipeline.BranchHelm:
		return Selector{Expr: TagRemote, Match: func(c Case) bool { return c.HasTag(TagRemote) }}, nil
	}
	_, err := pipeline.ParseBranch(string(branch))
	return Selector{}, err
}

// Select returns the cases of branch in their original order.
func Select(branch pipeline.Branch, cases []Case) ([]Case, error) {
	sel, err := SelectorFor(branch)
	if err != nil {
		return nil, err
	}
	var out []Case
	for _, c := range cases {
		if sel.Match(c) {
			out = append(out, c)
		}
	}
	return out, nil
}
