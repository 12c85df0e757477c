package validate

import (
	"context"
	"fmt"
	"strings"

	"chart-pipeline/pkg/shell"
)

// HelmCLI runs the installed helm client of the run's Helm version, so the
// chart is checked by the same release the matrix names and not only by the
// SDK linked into this binary.
type HelmCLI struct {
	Binary     string
	Kubeconfig string
	Commander  shell.Commander
}

// Lint runs `helm lint` with the profile's values.
func (h *HelmCLI) Lint(ctx context.Context, chartPath, namespace string, p Profile) error {
	args := append([]string{"lint", chartPath, "--namespace", namespace}, profileArgs(p)...)
	if _, err := h.Commander.Run(ctx, shell.Command{Name: h.Binary, Args: args}); err != nil {
		return fmt.Errorf("%s lint failed: %w", h.Binary, err)
	}
	return nil
}

// TemplateValidate runs `helm template --validate`, which renders the chart
// and validates the manifests against the cluster's API server.
func (h *HelmCLI) TemplateValidate(ctx context.Context, chartPath, releaseName, namespace string, p Profile) error {
	args := []string{"template", releaseName, chartPath, "--namespace", namespace, "--validate"}
	if h.Kubeconfig != "" {
		args = append(args, "--kubeconfig", h.Kubeconfig)
	}
	args = append(args, profileArgs(p)...)
	if _, err := h.Commander.Run(ctx, shell.Command{Name: h.Binary, Args: args}); err != nil {
		return fmt.Errorf("%s template --validate failed: %w", h.Binary, err)
	}
	return nil
}

func profileArgs(p Profile) []string {
	var args []string
	for _, f := range p.Files {
		args = append(args, "--values", f)
	}
	if len(p.Set) > 0 {
		args = append(args, "--set", strings.Join(p.Set, ","))
	}
	return args
}
