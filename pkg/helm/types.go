package helm

import (
	"net/url"
	"strings"
)

// ReleaseInfo defines information about an installed Helm release.
type ReleaseInfo struct {
	Name         string           `json:"name"`
	Namespace    string           `json:"namespace"`
	Version      int              `json:"version"`
	Updated      string           `json:"updated"` // ISO 8601 format
	Status       string           `json:"status"`
	Chart        string           `json:"chart"`         // Name of the chart (e.g., "binderhub")
	ChartVersion string           `json:"chart_version"` // Version of the chart (e.g., "0.2.0-n645.h06139f0")
	AppVersion   string           `json:"app_version"`   // Application version from chart metadata
	NodePorts    map[string]int32 `json:"node_ports,omitempty"`
}

// ChartDefinition identifies a chart either by local path or by repository
// reference.
type ChartDefinition struct {
	Name    string // User-friendly name (e.g., "jupyterhub")
	Chart   string // Full chart name (e.g., "jupyterhub/jupyterhub")
	Version string // Chart version
	RepoURL string // Helm repository URL
	Path    string // Local chart directory; takes precedence over Chart
}

// RepoName returns the repository name to register for the chart. It is the
// prefix of a "repo/chart" reference, or Name for a bare reference. Charts
// without an http(s) repository have none.
func (d ChartDefinition) RepoName() (string, bool) {
	u, err := url.Parse(d.RepoURL)
	if d.RepoURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	if parts := strings.SplitN(d.Chart, "/", 2); len(parts) == 2 && parts[0] != "" {
		return parts[0], true
	}
	if d.Name != "" {
		return d.Name, true
	}
	return "", false
}
