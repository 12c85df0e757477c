package helm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/repo"
	"helm.sh/helm/v3/pkg/storage/driver"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"chart-pipeline/pkg/config"
)

// HelmClient interacts with Helm and Kubernetes.
type HelmClient struct {
	config       *config.AppConfig
	namespace    string
	settings     *cli.EnvSettings
	actionConfig *action.Configuration
	kubeClient   kubernetes.Interface
	log          logrus.FieldLogger
	repoUpdateMu sync.Mutex
}

// RESTConfig builds a client config from kubeconfig, falling back to the
// in-cluster config when no kubeconfig is given.
func RESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		k8sConfig, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("no kubeconfig given and not running in a cluster: %w", err)
		}
		return k8sConfig, nil
	}
	k8sConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to get Kubernetes config from %s: %w", kubeconfig, err)
	}
	return k8sConfig, nil
}

// NewSettings returns Helm CLI settings bound to kubeconfig and namespace.
func NewSettings(kubeconfig, namespace string) *cli.EnvSettings {
	settings := cli.New()
	settings.KubeConfig = kubeconfig
	settings.SetNamespace(namespace)
	return settings
}

// NewHelmClient creates a HelmClient for the cluster behind kubeconfig.
func NewHelmClient(cfg *config.AppConfig, kubeconfig string, log logrus.FieldLogger) (*HelmClient, error) {
	settings := NewSettings(kubeconfig, cfg.Namespace)

	actionCfg := new(action.Configuration)
	err := actionCfg.Init(settings.RESTClientGetter(), cfg.Namespace, cfg.HelmDriver, log.Debugf)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Helm action configuration for namespace %s: %w", cfg.Namespace, err)
	}

	k8sConfig, err := RESTConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	kubeClient, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	return NewHelmClientWithConfig(cfg, settings, actionCfg, kubeClient, log), nil
}

// NewHelmClientWithConfig assembles a HelmClient from prepared parts.
func NewHelmClientWithConfig(cfg *config.AppConfig, settings *cli.EnvSettings, actionCfg *action.Configuration, kubeClient kubernetes.Interface, log logrus.FieldLogger) *HelmClient {
	return &HelmClient{
		config:       cfg,
		namespace:    cfg.Namespace,
		settings:     settings,
		actionConfig: actionCfg,
		kubeClient:   kubeClient,
		log:          log,
	}
}

// KubeClient returns the Kubernetes clientset used by the client.
func (hc *HelmClient) KubeClient() kubernetes.Interface { return hc.kubeClient }

// Namespace returns the release namespace.
func (hc *HelmClient) Namespace() string { return hc.namespace }

// EnsureNamespace creates the release namespace when it does not exist.
func (hc *HelmClient) EnsureNamespace(ctx context.Context) error {
	_, err := hc.kubeClient.CoreV1().Namespaces().Get(ctx, hc.namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("error checking namespace %s: %w", hc.namespace, err)
	}

	hc.log.Infof("Namespace %s not found, creating it", hc.namespace)
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: hc.namespace}}
	if _, err := hc.kubeClient.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create namespace %s: %w", hc.namespace, err)
	}
	return nil
}

// UpdateRepos registers the repositories of the given charts in the Helm
// repositories file and downloads their indexes.
func (hc *HelmClient) UpdateRepos(charts []ChartDefinition) error {
	return UpdateRepos(hc.settings, charts, hc.log, &hc.repoUpdateMu)
}

// UpdateRepos is the settings-only form of HelmClient.UpdateRepos; it needs
// no cluster. mu may be nil.
func UpdateRepos(settings *cli.EnvSettings, charts []ChartDefinition, log logrus.FieldLogger, mu *sync.Mutex) error {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}

	repoFile, err := repo.LoadFile(settings.RepositoryConfig)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load repositories file %s: %w", settings.RepositoryConfig, err)
	}
	if repoFile == nil {
		repoFile = repo.NewFile()
	}

	changed := false
	for _, def := range charts {
		repoName, ok := def.RepoName()
		if !ok {
			log.Debugf("Skipping repo for chart '%s': no http(s) repository", def.Chart)
			continue
		}

		log.Infof("Ensuring Helm repo: %s %s", repoName, def.RepoURL)
		entry := &repo.Entry{Name: repoName, URL: def.RepoURL}

		r, err := repo.NewChartRepository(entry, getter.All(settings))
		if err != nil {
			return fmt.Errorf("failed to create chart repository for %s: %w", repoName, err)
		}
		r.CachePath = settings.RepositoryCache

		if _, err := r.DownloadIndexFile(); err != nil {
			return fmt.Errorf("failed to download index for repo %s (%s): %w", repoName, def.RepoURL, err)
		}
		if existing := repoFile.Get(repoName); existing != nil && existing.URL == def.RepoURL {
			continue
		}
		repoFile.Update(entry)
		changed = true
	}

	if !changed {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(settings.RepositoryConfig), 0o755); err != nil {
		return fmt.Errorf("failed to create repository config dir: %w", err)
	}
	if err := repoFile.WriteFile(settings.RepositoryConfig, 0o644); err != nil {
		return fmt.Errorf("failed to write repositories file: %w", err)
	}
	log.Info("Helm repositories updated successfully.")
	return nil
}

// LocateChart loads a chart from a local path or, for repo/name references,
// from its repository, updating the repository once if the first lookup fails.
func (hc *HelmClient) LocateChart(chartDef ChartDefinition) (*chart.Chart, error) {
	if chartDef.Path != "" {
		chrt, err := loader.Load(chartDef.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load chart from path %s: %w", chartDef.Path, err)
		}
		return chrt, nil
	}

	chartPathOptions := action.ChartPathOptions{Version: chartDef.Version}

	hc.log.Infof("Locating chart '%s' version '%s'...", chartDef.Chart, chartDef.Version)
	cp, err := chartPathOptions.LocateChart(chartDef.Chart, hc.settings)
	if err != nil {
		hc.log.Warnf("Error locating chart %s (version %s): %v. Attempting repo update before retry.", chartDef.Chart, chartDef.Version, err)
		if errUpdate := hc.UpdateRepos([]ChartDefinition{chartDef}); errUpdate != nil {
			hc.log.Warnf("Repo update failed during chart location for %s: %v", chartDef.Chart, errUpdate)
		}
		cp, err = chartPathOptions.LocateChart(chartDef.Chart, hc.settings)
		if err != nil {
			return nil, fmt.Errorf("could not locate chart '%s' (version '%s') after repo update: %w", chartDef.Chart, chartDef.Version, err)
		}
	}
	hc.log.Debugf("Found chart at path: %s", cp)

	chrt, err := loader.Load(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart from path %s: %w", cp, err)
	}
	return chrt, nil
}

// UpgradeInstall upgrades releaseName in place when it exists and installs
// it otherwise.
func (hc *HelmClient) UpgradeInstall(ctx context.Context, chrt *chart.Chart, releaseName string, values map[string]interface{}) (*release.Release, error) {
	if releaseName == "" {
		releaseName = chrt.Name()
	}

	histClient := action.NewHistory(hc.actionConfig)
	histClient.Max = 1
	history, err := histClient.Run(releaseName)
	if err != nil && !errors.Is(err, driver.ErrReleaseNotFound) {
		return nil, fmt.Errorf("error checking history for release %s: %w", releaseName, err)
	}

	var rel *release.Release
	if len(history) == 0 {
		client := action.NewInstall(hc.actionConfig)
		client.Namespace = hc.namespace
		client.ReleaseName = releaseName
		client.Wait = true
		client.Timeout = hc.config.HelmTimeout

		hc.log.Infof("Installing chart '%s' as release '%s' in namespace '%s'", chrt.Name(), releaseName, hc.namespace)
		rel, err = client.RunWithContext(ctx, chrt, values)
		if err != nil {
			return nil, fmt.Errorf("failed to install chart '%s': %w", chrt.Name(), err)
		}
	} else {
		client := action.NewUpgrade(hc.actionConfig)
		client.Namespace = hc.namespace
		client.Wait = true
		client.Timeout = hc.config.HelmTimeout

		hc.log.Infof("Upgrading release '%s' to chart '%s' in namespace '%s'", releaseName, chrt.Name(), hc.namespace)
		rel, err = client.RunWithContext(ctx, releaseName, chrt, values)
		if err != nil {
			return nil, fmt.Errorf("failed to upgrade release '%s': %w", releaseName, err)
		}
	}

	hc.log.Infof("Release '%s' is at revision %d with chart '%s' (version %s)", rel.Name, rel.Version, rel.Chart.Metadata.Name, rel.Chart.Metadata.Version)
	return rel, nil
}

// DryRunServer renders chrt as an install against the live cluster without
// persisting anything and returns the manifest.
func (hc *HelmClient) DryRunServer(ctx context.Context, chrt *chart.Chart, releaseName string, values map[string]interface{}) (string, error) {
	client := action.NewInstall(hc.actionConfig)
	client.Namespace = hc.namespace
	client.ReleaseName = releaseName
	client.DryRun = true
	client.DryRunOption = "server"
	client.Replace = true
	client.IncludeCRDs = true

	rel, err := client.RunWithContext(ctx, chrt, values)
	if err != nil {
		return "", fmt.Errorf("server dry run of chart '%s' failed: %w", chrt.Name(), err)
	}
	return rel.Manifest, nil
}

// ValidateManifest checks every object in manifest against the API server
// schema.
func (hc *HelmClient) ValidateManifest(manifest string) error {
	if strings.TrimSpace(manifest) == "" {
		return errors.New("manifest is empty")
	}
	if _, err := hc.actionConfig.KubeClient.Build(bytes.NewBufferString(manifest), true); err != nil {
		return fmt.Errorf("manifest failed API validation: %w", err)
	}
	return nil
}

// ListInstalledReleases lists all releases in the configured namespace.
func (hc *HelmClient) ListInstalledReleases(ctx context.Context) ([]ReleaseInfo, error) {
	listClient := action.NewList(hc.actionConfig)
	listClient.AllNamespaces = false
	listClient.SetStateMask()

	results, err := listClient.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to list Helm releases: %w", err)
	}

	releasesInfo := make([]ReleaseInfo, 0, len(results))
	for _, rel := range results {
		releasesInfo = append(releasesInfo, hc.releaseInfo(ctx, rel))
	}
	return releasesInfo, nil
}

// GetReleaseStatus retrieves the status of a specific release.
func (hc *HelmClient) GetReleaseStatus(ctx context.Context, releaseName string) (*ReleaseInfo, error) {
	rel, err := action.NewStatus(hc.actionConfig).Run(releaseName)
	if err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			return nil, fmt.Errorf("release '%s' not found in namespace '%s': %w", releaseName, hc.namespace, err)
		}
		return nil, fmt.Errorf("error getting status for release '%s': %w", releaseName, err)
	}
	info := hc.releaseInfo(ctx, rel)
	return &info, nil
}

func (hc *HelmClient) releaseInfo(ctx context.Context, rel *release.Release) ReleaseInfo {
	info := ReleaseInfo{
		Name:      rel.Name,
		Namespace: rel.Namespace,
		Version:   rel.Version,
		NodePorts: hc.getReleaseNodePorts(ctx, rel.Name, rel.Namespace),
	}
	if rel.Info != nil {
		info.Updated = rel.Info.LastDeployed.Time.Format(time.RFC3339)
		info.Status = rel.Info.Status.String()
	}
	if rel.Chart != nil && rel.Chart.Metadata != nil {
		info.Chart = rel.Chart.Metadata.Name
		info.ChartVersion = rel.Chart.Metadata.Version
		info.AppVersion = rel.Chart.Metadata.AppVersion
	}
	return info
}

func (hc *HelmClient) getReleaseNodePorts(ctx context.Context, releaseName, namespace string) map[string]int32 {
	nodePorts := make(map[string]int32)
	labelSelector := fmt.Sprintf("app.kubernetes.io/instance=%s", releaseName)

	serviceList, err := hc.kubeClient.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		hc.log.Warnf("Could not list services for release '%s' in namespace '%s': %v", releaseName, namespace, err)
		return nodePorts
	}

	for _, service := range serviceList.Items {
		if service.Spec.Type != corev1.ServiceTypeNodePort && service.Spec.Type != corev1.ServiceTypeLoadBalancer {
			continue
		}
		for _, port := range service.Spec.Ports {
			if port.NodePort > 0 {
				portName := port.Name
				if portName == "" {
					portName = fmt.Sprintf("%d", port.Port)
				}
				nodePorts[service.Name+"/"+portName] = port.NodePort
			}
		}
	}
	return nodePorts
}
