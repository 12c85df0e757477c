// Package validate checks a rendered chart against a lint profile offline
// and a live-cluster profile on the API server.
package validate

import (
	"fmt"

	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/cli/values"
	"helm.sh/helm/v3/pkg/getter"
)

// Profile is a named set of values files and --set style overrides.
type Profile struct {
	Name  string
	Files []string
	Set   []string
}

// Load merges the profile's files in order and applies the overrides on
// top. Either every input parses and the merged values are returned, or an
// error and no values.
func (p Profile) Load() (map[string]interface{}, error) {
	opts := values.Options{ValueFiles: p.Files, Values: p.Set}
	vals, err := opts.MergeValues(getter.All(cli.New()))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s profile: %w", p.Name, err)
	}
	return vals, nil
}
