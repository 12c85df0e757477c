package helm

import (
	"context"
	"errors"
	"fmt"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chartutil"
	"helm.sh/helm/v3/pkg/lint/support"
)

// TemplateOptions control a client-only render.
type TemplateOptions struct {
	ReleaseName string
	Namespace   string
	// KubeVersion is the cluster version to render for, e.g. "v1.19.16".
	KubeVersion string
}

// Template renders chrt with values without contacting a cluster and returns
// the manifest. Values are checked against the chart's values.schema.json.
func Template(ctx context.Context, chrt *chart.Chart, values map[string]interface{}, opts TemplateOptions) (string, error) {
	client := action.NewInstall(&action.Configuration{Log: func(string, ...interface{}) {}})
	client.DryRun = true
	client.ClientOnly = true
	client.Replace = true
	client.IncludeCRDs = true
	client.ReleaseName = opts.ReleaseName
	client.Namespace = opts.Namespace
	if opts.KubeVersion != "" {
		kv, err := chartutil.ParseKubeVersion(opts.KubeVersion)
		if err != nil {
			return "", fmt.Errorf("invalid kube version %q: %w", opts.KubeVersion, err)
		}
		client.KubeVersion = kv
	}

	rel, err := client.RunWithContext(ctx, chrt, values)
	if err != nil {
		return "", fmt.Errorf("failed to render chart '%s': %w", chrt.Name(), err)
	}
	return rel.Manifest, nil
}

// Lint runs Helm's chart linter on chartPath with values and returns every
// error-level finding.
func Lint(chartPath, namespace, kubeVersion string, values map[string]interface{}) error {
	client := action.NewLint()
	client.Namespace = namespace
	client.Strict = false
	if kubeVersion != "" {
		kv, err := chartutil.ParseKubeVersion(kubeVersion)
		if err != nil {
			return fmt.Errorf("invalid kube version %q: %w", kubeVersion, err)
		}
		client.KubeVersion = kv
	}

	result := client.Run([]string{chartPath}, values)
	var errs []error
	for _, msg := range result.Messages {
		if msg.Severity >= support.ErrorSev {
			errs = append(errs, fmt.Errorf("%s: %w", msg.Path, msg.Err))
		}
	}
	if len(errs) == 0 && len(result.Errors) > 0 {
		errs = append(errs, result.Errors...)
	}
	return errors.Join(errs...)
}
