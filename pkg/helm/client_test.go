package helm

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/chartutil"
	kubefake "helm.sh/helm/v3/pkg/kube/fake"
	"helm.sh/helm/v3/pkg/storage"
	"helm.sh/helm/v3/pkg/storage/driver"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"chart-pipeline/pkg/config"
	"chart-pipeline/pkg/internal/testchart"
)

func newTestClient(t *testing.T, objects ...corev1.Service) *HelmClient {
	t.Helper()
	mem := driver.NewMemory()
	mem.SetNamespace("binder-test")
	actionCfg := &action.Configuration{
		Releases:     storage.Init(mem),
		KubeClient:   &kubefake.PrintingKubeClient{Out: io.Discard},
		Capabilities: chartutil.DefaultCapabilities,
		Log:          func(string, ...interface{}) {},
	}

	kubeClient := fake.NewSimpleClientset()
	for i := range objects {
		_, err := kubeClient.CoreV1().Services(objects[i].Namespace).Create(context.Background(), &objects[i], metav1.CreateOptions{})
		require.NoError(t, err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := &config.AppConfig{Namespace: "binder-test", HelmTimeout: time.Minute}
	settings := NewSettings("", cfg.Namespace)
	settings.RepositoryConfig = t.TempDir() + "/repositories.yaml"
	return NewHelmClientWithConfig(cfg, settings, actionCfg, kubeClient, log)
}

func TestUpgradeInstall_InstallsThenUpgrades(t *testing.T) {
	hc := newTestClient(t)
	chrt, err := loader.Load(testchart.Write(t, t.TempDir()))
	require.NoError(t, err)

	rel, err := hc.UpgradeInstall(context.Background(), chrt, "binder-test", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rel.Version)

	rel, err = hc.UpgradeInstall(context.Background(), chrt, "binder-test", map[string]interface{}{
		"image": map[string]interface{}{"tag": "0.2.0-n1.habc"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rel.Version)
	assert.Contains(t, rel.Manifest, "jupyterhub/k8s-binderhub:0.2.0-n1.habc")
}

func TestListInstalledReleases_ReportsNodePorts(t *testing.T) {
	svc := corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "binder",
			Namespace: "binder-test",
			Labels:    map[string]string{"app.kubernetes.io/instance": "binder-test"},
		},
		Spec: corev1.ServiceSpec{
			Type:  corev1.ServiceTypeNodePort,
			Ports: []corev1.ServicePort{{Name: "http", Port: 80, NodePort: 30901}},
		},
	}
	hc := newTestClient(t, svc)
	chrt, err := loader.Load(testchart.Write(t, t.TempDir()))
	require.NoError(t, err)
	_, err = hc.UpgradeInstall(context.Background(), chrt, "binder-test", nil)
	require.NoError(t, err)

	releases, err := hc.ListInstalledReleases(context.Background())
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, "binderhub", releases[0].Chart)
	assert.Equal(t, "0.2.0", releases[0].ChartVersion)
	assert.Equal(t, map[string]int32{"binder/http": 30901}, releases[0].NodePorts)

	info, err := hc.GetReleaseStatus(context.Background(), "binder-test")
	require.NoError(t, err)
	assert.Equal(t, "deployed", info.Status)
}

func TestGetReleaseStatus_NotFound(t *testing.T) {
	hc := newTestClient(t)

	_, err := hc.GetReleaseStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, driver.ErrReleaseNotFound)
}

func TestEnsureNamespace_CreatesOnce(t *testing.T) {
	hc := newTestClient(t)

	require.NoError(t, hc.EnsureNamespace(context.Background()))
	require.NoError(t, hc.EnsureNamespace(context.Background()))

	ns, err := hc.KubeClient().CoreV1().Namespaces().Get(context.Background(), "binder-test", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "binder-test", ns.Name)
}

func TestValidateManifest_RejectsEmpty(t *testing.T) {
	hc := newTestClient(t)

	assert.Error(t, hc.ValidateManifest("  \n"))
	assert.NoError(t, hc.ValidateManifest("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: x\n"))
}

func TestLocateChart_LocalPath(t *testing.T) {
	hc := newTestClient(t)

	chrt, err := hc.LocateChart(ChartDefinition{Path: testchart.Write(t, t.TempDir())})
	require.NoError(t, err)
	assert.Equal(t, "binderhub", chrt.Name())

	_, err = hc.LocateChart(ChartDefinition{Path: t.TempDir() + "/nope"})
	assert.Error(t, err)
}

func TestChartDefinition_RepoName(t *testing.T) {
	tests := []struct {
		name   string
		def    ChartDefinition
		want   string
		wantOK bool
	}{
		{name: "prefixed", def: ChartDefinition{Chart: "jupyterhub/jupyterhub", RepoURL: "https://jupyterhub.github.io/helm-chart/"}, want: "jupyterhub", wantOK: true},
		{name: "bare", def: ChartDefinition{Name: "hub", Chart: "jupyterhub", RepoURL: "https://example.org/charts"}, want: "hub", wantOK: true},
		{name: "oci", def: ChartDefinition{Chart: "oci://registry/hub", RepoURL: "oci://registry"}},
		{name: "no repo", def: ChartDefinition{Chart: "local/chart"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.def.RepoName()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
