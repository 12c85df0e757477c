package validate

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/chartutil"

	"chart-pipeline/pkg/helm"
	"chart-pipeline/pkg/schema"
)

// LiveClient renders and validates a chart against a running cluster.
// *helm.HelmClient satisfies it.
type LiveClient interface {
	DryRunServer(ctx context.Context, chrt *chart.Chart, releaseName string, values map[string]interface{}) (string, error)
	ValidateManifest(manifest string) error
}

// Validator runs the lint and live checks of a chart.
type Validator struct {
	ChartPath   string
	SchemaPath  string
	ReleaseName string
	Namespace   string
	KubeVersion string
	Lint        Profile
	Live        Profile
	Client      LiveClient
	Log         logrus.FieldLogger

	// CLI, when set, additionally runs the installed helm client in both
	// checks.
	CLI *HelmCLI
}

// Validate runs both checks, even when the first fails, and returns their
// combined errors.
func (v *Validator) Validate(ctx context.Context) error {
	var result *multierror.Error
	if err := v.LintCheck(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("lint check: %w", err))
	}
	if err := v.LiveCheck(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("live check: %w", err))
	}
	return result.ErrorOrNil()
}

// LintCheck lints and renders the chart offline for the target kube version
// and validates the merged values against the generated schema.
func (v *Validator) LintCheck(ctx context.Context) error {
	log := v.Log.WithField("profile", v.Lint.Name)
	vals, err := v.Lint.Load()
	if err != nil {
		return err
	}
	chrt, err := loader.Load(v.ChartPath)
	if err != nil {
		return fmt.Errorf("failed to load chart %s: %w", v.ChartPath, err)
	}

	var result *multierror.Error
	log.Infof("Linting chart %s for Kubernetes %s", chrt.Name(), v.KubeVersion)
	if err := helm.Lint(v.ChartPath, v.Namespace, v.KubeVersion, vals); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := helm.Template(ctx, chrt, vals, helm.TemplateOptions{
		ReleaseName: v.ReleaseName,
		Namespace:   v.Namespace,
		KubeVersion: v.KubeVersion,
	}); err != nil {
		result = multierror.Append(result, err)
	}
	if v.CLI != nil {
		if err := v.CLI.Lint(ctx, v.ChartPath, v.Namespace, v.Lint); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if v.SchemaPath != "" {
		merged, err := chartutil.CoalesceValues(chrt, vals)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to merge values: %w", err))
		} else if err := schema.ValidateValues(v.SchemaPath, merged); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// LiveCheck runs a server-side dry-run install with the live profile and
// validates the resulting manifest against the API server.
func (v *Validator) LiveCheck(ctx context.Context) error {
	log := v.Log.WithField("profile", v.Live.Name)
	vals, err := v.Live.Load()
	if err != nil {
		return err
	}
	chrt, err := loader.Load(v.ChartPath)
	if err != nil {
		return fmt.Errorf("failed to load chart %s: %w", v.ChartPath, err)
	}

	log.Infof("Dry-running chart %s against the cluster", chrt.Name())
	manifest, err := v.Client.DryRunServer(ctx, chrt, v.ReleaseName, vals)
	if err != nil {
		return err
	}
	if err := v.Client.ValidateManifest(manifest); err != nil {
		return err
	}
	if v.CLI != nil {
		return v.CLI.TemplateValidate(ctx, v.ChartPath, v.ReleaseName, v.Namespace, v.Live)
	}
	return nil
}
