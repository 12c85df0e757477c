// Package deploy installs or upgrades a chart release.
package deploy

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/release"

	"chart-pipeline/pkg/helm"
	"chart-pipeline/pkg/validate"
)

// Client is the part of the Helm client the deployer needs.
// *helm.HelmClient satisfies it.
type Client interface {
	EnsureNamespace(ctx context.Context) error
	LocateChart(def helm.ChartDefinition) (*chart.Chart, error)
	UpgradeInstall(ctx context.Context, chrt *chart.Chart, releaseName string, values map[string]interface{}) (*release.Release, error)
}

// Target is a chart to deploy under a release name with a values profile.
type Target struct {
	Chart       helm.ChartDefinition
	ReleaseName string
	Values      validate.Profile
}

// Deployer upgrades releases in place, installing them when absent.
type Deployer struct {
	client Client
	log    logrus.FieldLogger
}

// NewDeployer returns a Deployer using client.
func NewDeployer(client Client, log logrus.FieldLogger) *Deployer {
	return &Deployer{client: client, log: log}
}

// Deploy installs or upgrades target and waits for its resources.
func (d *Deployer) Deploy(ctx context.Context, target Target) (*release.Release, error) {
	log := d.log.WithField("release", target.ReleaseName)

	vals, err := target.Values.Load()
	if err != nil {
		return nil, err
	}
	if err := d.client.EnsureNamespace(ctx); err != nil {
		return nil, err
	}
	chrt, err := d.client.LocateChart(target.Chart)
	if err != nil {
		return nil, err
	}

	rel, err := d.client.UpgradeInstall(ctx, chrt, target.ReleaseName, vals)
	if err != nil {
		return nil, fmt.Errorf("deploy of release '%s' failed: %w", target.ReleaseName, err)
	}
	log.Infof("Release deployed at revision %d", rel.Version)
	return rel, nil
}
