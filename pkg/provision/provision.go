// Package provision creates the disposable cluster a run deploys into and
// installs the Helm client version under test.
package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/discovery"

	"chart-pipeline/pkg/helm"
	"chart-pipeline/pkg/pipeline"
	"chart-pipeline/pkg/shell"
)

// Cluster describes a provisioned cluster.
type Cluster struct {
	Name          string
	Kubeconfig    string
	APIServer     string
	ServerVersion string
	HelmBinary    string
}

// DiscoveryFunc connects to the cluster behind kubeconfig and returns a
// version client and the API server address.
type DiscoveryFunc func(kubeconfig string) (discovery.ServerVersionInterface, string, error)

// Config holds the provisioner settings.
type Config struct {
	ClusterName string
	Kubeconfig  string
	// NodeImage is the kind node image repository; the cluster version is
	// appended as tag.
	NodeImage string
}

// Provisioner creates kind clusters.
type Provisioner struct {
	cfg       Config
	commander shell.Commander
	helm      *HelmInstaller
	discover  DiscoveryFunc
	log       logrus.FieldLogger
}

// NewProvisioner returns a Provisioner. A nil discover connects with the
// kubeconfig through client-go.
func NewProvisioner(cfg Config, commander shell.Commander, installer *HelmInstaller, discover DiscoveryFunc, log logrus.FieldLogger) *Provisioner {
	if cfg.NodeImage == "" {
		cfg.NodeImage = "kindest/node"
	}
	if discover == nil {
		discover = Discover
	}
	return &Provisioner{cfg: cfg, commander: commander, helm: installer, discover: discover, log: log}
}

// Discover builds a discovery client from kubeconfig.
func Discover(kubeconfig string) (discovery.ServerVersionInterface, string, error) {
	restCfg, err := helm.RESTConfig(kubeconfig)
	if err != nil {
		return nil, "", err
	}
	client, err := discovery.NewDiscoveryClientForConfig(restCfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create discovery client: %w", err)
	}
	return client, restCfg.Host, nil
}

// Provision creates the cluster for run, reusing one with the same name,
// installs the Helm client and checks the API server answers.
func (p *Provisioner) Provision(ctx context.Context, run pipeline.Run) (Cluster, error) {
	cluster := Cluster{Name: p.cfg.ClusterName, Kubeconfig: p.cfg.Kubeconfig}
	log := p.log.WithField("cluster", cluster.Name)

	exists, err := p.clusterExists(ctx)
	if err != nil {
		return cluster, err
	}
	if exists {
		log.Info("Cluster exists, exporting kubeconfig")
		if _, err := p.commander.Run(ctx, shell.Command{
			Name: "kind",
			Args: []string{"export", "kubeconfig", "--name", cluster.Name, "--kubeconfig", cluster.Kubeconfig},
		}); err != nil {
			return cluster, fmt.Errorf("failed to export kubeconfig for cluster %s: %w", cluster.Name, err)
		}
	} else {
		image := p.cfg.NodeImage + ":" + run.ClusterVersion()
		log.Infof("Creating cluster with node image %s", image)
		if _, err := p.commander.Run(ctx, shell.Command{
			Name: "kind",
			Args: []string{"create", "cluster", "--name", cluster.Name, "--image", image, "--kubeconfig", cluster.Kubeconfig, "--wait", "120s"},
		}); err != nil {
			return cluster, fmt.Errorf("failed to create cluster %s: %w", cluster.Name, err)
		}
	}

	if p.helm != nil {
		bin, err := p.helm.Install(ctx, run.HelmVersion())
		if err != nil {
			return cluster, err
		}
		cluster.HelmBinary = bin
	}

	versions, host, err := p.discover(cluster.Kubeconfig)
	if err != nil {
		return cluster, err
	}
	info, err := versions.ServerVersion()
	if err != nil {
		return cluster, fmt.Errorf("API server of cluster %s is not reachable: %w", cluster.Name, err)
	}
	cluster.APIServer = host
	cluster.ServerVersion = info.GitVersion
	if !SameMinor(info.GitVersion, run.ClusterVersion()) {
		log.Warnf("Cluster reports version %s, requested %s", info.GitVersion, run.ClusterVersion())
	}
	log.WithField("api", host).Infof("Cluster ready, server version %s", info.GitVersion)
	return cluster, nil
}

// Teardown deletes the cluster.
func (p *Provisioner) Teardown(ctx context.Context) error {
	p.log.WithField("cluster", p.cfg.ClusterName).Info("Deleting cluster")
	if _, err := p.commander.Run(ctx, shell.Command{
		Name: "kind",
		Args: []string{"delete", "cluster", "--name", p.cfg.ClusterName},
	}); err != nil {
		return fmt.Errorf("failed to delete cluster %s: %w", p.cfg.ClusterName, err)
	}
	return nil
}

func (p *Provisioner) clusterExists(ctx context.Context) (bool, error) {
	res, err := p.commander.Run(ctx, shell.Command{Name: "kind", Args: []string{"get", "clusters"}})
	if err != nil {
		return false, fmt.Errorf("failed to list clusters: %w", err)
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == p.cfg.ClusterName {
			return true, nil
		}
	}
	return false, nil
}

// SameMinor reports whether two versions share major and minor. Unparsable
// versions never match.
func SameMinor(a, b string) bool {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.Major() == vb.Major() && va.Minor() == vb.Minor()
}
