package render

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/downloader"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/registry"

	"chart-pipeline/pkg/chart"
	"chart-pipeline/pkg/helm"
)

// ErrDependencyMissing is returned when a declared chart dependency cannot
// be fetched or is absent after fetching.
var ErrDependencyMissing = errors.New("chart dependency missing")

// FetchDependencies makes the repositories of every dependency of the chart
// in chartDir known to Helm, fetches the dependencies pinned to their
// declared versions into charts/ and checks that all of them are present.
func FetchDependencies(settings *cli.EnvSettings, chartDir string, out io.Writer, log logrus.FieldLogger) ([]chart.Dependency, error) {
	desc, err := chart.LoadDescriptor(chartDir)
	if err != nil {
		return nil, err
	}
	if len(desc.Dependencies) == 0 {
		return nil, nil
	}

	if err := helm.UpdateRepos(settings, desc.RepoDefinitions(), log, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyMissing, err)
	}

	registryClient, err := registry.NewClient(
		registry.ClientOptDebug(settings.Debug),
		registry.ClientOptWriter(out),
		registry.ClientOptCredentialsFile(settings.RegistryConfig),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry client: %w", err)
	}

	man := &downloader.Manager{
		Out:              out,
		ChartPath:        chartDir,
		Getters:          getter.All(settings),
		RegistryClient:   registryClient,
		RepositoryConfig: settings.RepositoryConfig,
		RepositoryCache:  settings.RepositoryCache,
		SkipUpdate:       true, // indexes were refreshed above
		Debug:            settings.Debug,
	}
	log.Infof("Fetching %d chart dependencies", len(desc.Dependencies))
	if err := man.Update(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyMissing, err)
	}

	chrt, err := loader.Load(chartDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart %s: %w", chartDir, err)
	}
	if err := action.CheckDependencies(chrt, chrt.Metadata.Dependencies); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyMissing, err)
	}
	return desc.Dependencies, nil
}
