package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"k8s.io/client-go/util/homedir"
)

// AppConfig holds the pipeline configuration. Every field can be set from the
// environment; the run axes (branch, cluster and helm versions) are usually
// overridden by CLI flags.
type AppConfig struct {
	Branch         string `envconfig:"TEST_BRANCH" default:"main"`
	ClusterVersion string `envconfig:"CLUSTER_VERSION" default:"v1.19.16"`
	HelmVersion    string `envconfig:"HELM_VERSION" default:"v3.5.0"`

	ClusterName    string        `envconfig:"CLUSTER_NAME" default:"chartpipe"`
	KubeconfigPath string        `envconfig:"KUBECONFIG"`
	Namespace      string        `envconfig:"NAMESPACE" default:"binder-test"`
	ReleaseName    string        `envconfig:"RELEASE_NAME" default:"binder-test"`
	HelmDriver     string        `envconfig:"HELM_DRIVER" default:"secret"` // "secret", "configmap", or "memory"
	HelmTimeout    time.Duration `envconfig:"HELM_TIMEOUT" default:"5m"`
	ToolsDir       string        `envconfig:"TOOLS_DIR" default:".tools"`

	FrontendDir      string   `envconfig:"FRONTEND_DIR" default:"."`
	FrontendScript   string   `envconfig:"FRONTEND_SCRIPT" default:"webpack"`
	RequirementFiles []string `envconfig:"REQUIREMENT_FILES" default:"dev-requirements.txt"`
	StaticDir        string   `envconfig:"STATIC_DIR" default:"binderhub/static/dist"`

	ChartDir         string `envconfig:"CHART_DIR" default:"helm-chart/binderhub"`
	ChartpressConfig string `envconfig:"CHARTPRESS_CONFIG" default:"helm-chart/chartpress.yaml"`
	SkipImageBuild   bool   `envconfig:"SKIP_IMAGE_BUILD" default:"false"`
	SchemaSource     string `envconfig:"SCHEMA_SOURCE" default:"helm-chart/binderhub/schema.yaml"`
	SchemaOutput     string `envconfig:"SCHEMA_OUTPUT" default:"helm-chart/binderhub/values.schema.json"`

	LintValues         []string `envconfig:"LINT_VALUES" default:"tools/templates/lint-and-validate-values.yaml"`
	LiveValues         []string `envconfig:"LIVE_VALUES" default:"testing/k8s-binder-k8s-hub/binderhub-chart-config.yaml"`
	LiveSet            []string `envconfig:"LIVE_SET" default:"config.BinderHub.hub_url=http://localhost:30902"`
	AccessTokenKey     string   `envconfig:"ACCESS_TOKEN_KEY" default:"config.GitHubRepoProvider.access_token"`
	AccessToken        string   `envconfig:"GITHUB_ACCESS_TOKEN"`
	BaselineChart      string   `envconfig:"BASELINE_CHART" default:"jupyterhub/jupyterhub"`
	BaselineVersion    string   `envconfig:"BASELINE_VERSION" default:"1.0.1"`
	BaselineRepoURL    string   `envconfig:"BASELINE_REPO_URL" default:"https://jupyterhub.github.io/helm-chart/"`
	BaselineRelease    string   `envconfig:"BASELINE_RELEASE" default:"binder-test-hub"`
	BaselineValues     []string `envconfig:"BASELINE_VALUES" default:"testing/local-binder-k8s-hub/jupyterhub-chart-config.yaml"`
	BaselineAuthValues []string `envconfig:"BASELINE_AUTH_VALUES" default:"testing/local-binder-k8s-hub/jupyterhub-chart-config-auth-additions.yaml"`

	HubURL           string        `envconfig:"HUB_URL" default:"http://localhost:30902/hub/api/"`
	BinderURL        string        `envconfig:"BINDER_URL" default:"http://localhost:30901/health"`
	BinderTestURL    string        `envconfig:"BINDER_TEST_URL"` // exported to the helm suite as BINDER_URL; empty means BinderURL's origin
	ReadinessRetries int           `envconfig:"READINESS_RETRIES" default:"5"`
	ReadinessDelay   time.Duration `envconfig:"READINESS_DELAY" default:"1s"`
	ReadinessTimeout time.Duration `envconfig:"READINESS_TIMEOUT" default:"5s"`

	TestPath     string `envconfig:"TEST_PATH" default:"binderhub/tests"`
	MaxFailures  int    `envconfig:"MAX_FAILURES" default:"2"`
	PythonBinary string `envconfig:"PYTHON" default:"python3"`
	CoverPackage string `envconfig:"COVER_PACKAGE" default:"binderhub"`

	ArtifactsDir        string   `envconfig:"ARTIFACTS_DIR" default:"artifacts"`
	DiagnosticWorkloads []string `envconfig:"DIAGNOSTIC_WORKLOADS" default:"binder,hub,proxy,user-scheduler"`
	LogTailLines        int64    `envconfig:"LOG_TAIL_LINES" default:"200"`
	UploadEndpoint      string   `envconfig:"UPLOAD_ENDPOINT"`
	UploadBucket        string   `envconfig:"UPLOAD_BUCKET" default:"chartpipe-artifacts"`
	UploadAccessKey     string   `envconfig:"UPLOAD_ACCESS_KEY"`
	UploadSecretKey     string   `envconfig:"UPLOAD_SECRET_KEY"`
	UploadUseSSL        bool     `envconfig:"UPLOAD_USE_SSL" default:"true"`
	UploadMaxSize       ByteSize `envconfig:"UPLOAD_MAX_SIZE" default:"50M"`

	MetricsFile    string `envconfig:"METRICS_FILE"`
	PushgatewayURL string `envconfig:"PUSHGATEWAY_URL"`
	StatusAddr     string `envconfig:"STATUS_ADDR"`
	GinMode        string `envconfig:"GIN_MODE" default:"release"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// LoadConfig loads configuration from environment variables or defaults.
func LoadConfig() (*AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment configuration: %w", err)
	}

	if cfg.KubeconfigPath == "" {
		if home := homedir.HomeDir(); home != "" {
			cfg.KubeconfigPath = filepath.Join(home, ".kube", "config")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that envconfig cannot express through tags.
func (c *AppConfig) Validate() error {
	if c.ReadinessRetries < 1 {
		return fmt.Errorf("READINESS_RETRIES must be at least 1, got %d", c.ReadinessRetries)
	}
	if c.ReadinessTimeout <= 0 {
		return fmt.Errorf("READINESS_TIMEOUT must be positive, got %s", c.ReadinessTimeout)
	}
	if c.ReadinessDelay < 0 {
		return fmt.Errorf("READINESS_DELAY must not be negative, got %s", c.ReadinessDelay)
	}
	if c.MaxFailures < 1 {
		return fmt.Errorf("MAX_FAILURES must be at least 1, got %d", c.MaxFailures)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// LiveOverrides returns the --set style overrides of the live-cluster
// profile, including the access credential when one is configured.
func (c *AppConfig) LiveOverrides() []string {
	sets := append([]string(nil), c.LiveSet...)
	if c.AccessToken != "" && c.AccessTokenKey != "" {
		sets = append(sets, c.AccessTokenKey+"="+c.AccessToken)
	}
	return sets
}
