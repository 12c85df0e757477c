// Package ci assembles the BinderHub chart validation pipeline from its
// components.
package ci

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"chart-pipeline/pkg/config"
	"chart-pipeline/pkg/deploy"
	"chart-pipeline/pkg/helm"
	"chart-pipeline/pkg/pipeline"
	"chart-pipeline/pkg/provision"
	"chart-pipeline/pkg/readiness"
	"chart-pipeline/pkg/render"
	"chart-pipeline/pkg/shell"
	"chart-pipeline/pkg/testrun"
	"chart-pipeline/pkg/validate"
)

// Step names.
const (
	StepProvision = "provision"
	StepAssets    = "assets"
	StepBaseline  = "baseline"
	StepRender    = "render"
	StepSchema    = "schema"
	StepValidate  = "validate"
	StepDeploy    = "deploy"
	StepWait      = "wait"
	StepTest      = "test"
	StepReport    = "report"
)

type Provisioner interface {
	Provision(ctx context.Context, run pipeline.Run) (provision.Cluster, error)
}

type AssetBuilder interface {
	Build(ctx context.Context) error
}

type ChartRenderer interface {
	Render(ctx context.Context, opts render.Options) (render.Result, error)
}

type Waiter interface {
	Wait(ctx context.Context, checks ...readiness.Check) ([]readiness.Result, error)
}

// TestRunner runs the suite of branch with env added to the process
// environment.
type TestRunner interface {
	Run(ctx context.Context, branch pipeline.Branch, env []string) (testrun.Report, error)
}

type Reporter interface {
	Run(ctx context.Context, env *pipeline.Env) string
}

// ClusterClient validates and deploys charts on the provisioned cluster.
// *helm.HelmClient satisfies it.
type ClusterClient interface {
	validate.LiveClient
	deploy.Client
}

// ClusterConnector returns a client for the cluster recorded on env.
type ClusterConnector func(env *pipeline.Env) (ClusterClient, error)

// Deps are the components the steps drive.
type Deps struct {
	Config         *config.AppConfig
	Provisioner    Provisioner
	Assets         AssetBuilder
	Renderer       ChartRenderer
	GenerateSchema func(sourcePath, outputPath string) error
	Connect        ClusterConnector
	Waiter         Waiter
	Tests          TestRunner
	Reporter       Reporter
	Log            logrus.FieldLogger

	// Commander runs the installed helm client during validation. Nil skips
	// the helm CLI checks.
	Commander shell.Commander
}

// Steps returns the full step list. Branch predicates are evaluated by
// pipeline.Assemble.
func Steps(d Deps) []pipeline.Step {
	b := &builder{Deps: d, connect: cached(d.Connect)}
	baseline := pipeline.OnBranch(pipeline.BranchMain, pipeline.BranchAuth)
	chart := pipeline.OnBranch(pipeline.BranchHelm)

	return []pipeline.Step{
		{Name: StepProvision, Kind: pipeline.KindProvisioning, Run: b.provision},
		{Name: StepAssets, Kind: pipeline.KindBuild, Run: b.assets},
		{Name: StepBaseline, Kind: pipeline.KindDeployment, When: baseline, Run: b.baseline},
		{Name: StepRender, Kind: pipeline.KindBuild, When: chart, Run: b.render},
		{Name: StepSchema, Kind: pipeline.KindBuild, When: chart, Run: b.schema},
		{Name: StepValidate, Kind: pipeline.KindValidation, When: chart, Run: b.validate},
		{Name: StepDeploy, Kind: pipeline.KindDeployment, When: chart, Run: b.deploy},
		{Name: StepWait, Kind: pipeline.KindReadiness, Run: b.wait},
		{Name: StepTest, Kind: pipeline.KindTest, Run: b.test},
		{Name: StepReport, Kind: pipeline.KindReport, Always: true, Run: b.report},
	}
}

// Checks returns the readiness checks for branch. The hub is always
// checked; the BinderHub service only exists when the chart is deployed.
func Checks(cfg *config.AppConfig, branch pipeline.Branch) []readiness.Check {
	check := func(name, url string) readiness.Check {
		return readiness.Check{
			Name:    name,
			URL:     url,
			Retries: cfg.ReadinessRetries,
			Delay:   cfg.ReadinessDelay,
			Timeout: cfg.ReadinessTimeout,
		}
	}
	checks := []readiness.Check{check("hub", cfg.HubURL)}
	if branch == pipeline.BranchHelm {
		checks = append(checks, check("binderhub", cfg.BinderURL))
	}
	return checks
}

// TestEnv is the environment the suite of branch runs with. The installed
// helm client, when known, is put first on PATH so the suite shells out to
// the run's Helm version. The helm suite also gets the BinderHub base URL.
func TestEnv(cfg *config.AppConfig, branch pipeline.Branch, kubeconfig, helmBinary string) ([]string, error) {
	var env []string
	if kubeconfig != "" {
		env = append(env, "KUBECONFIG="+kubeconfig)
	}
	if helmBinary != "" {
		env = append(env, "PATH="+filepath.Dir(helmBinary)+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	if branch == pipeline.BranchHelm {
		binder, err := BinderTestURL(cfg)
		if err != nil {
			return nil, err
		}
		env = append(env, "BINDER_URL="+binder)
	}
	return env, nil
}

// BinderTestURL is the base URL the helm suite talks to.
func BinderTestURL(cfg *config.AppConfig) (string, error) {
	if cfg.BinderTestURL != "" {
		return cfg.BinderTestURL, nil
	}
	u, err := url.Parse(cfg.BinderURL)
	if err != nil {
		return "", fmt.Errorf("invalid binder url %q: %w", cfg.BinderURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid binder url %q: scheme and host are required", cfg.BinderURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// BaselineTarget is the JupyterHub release the main and auth suites run
// against.
func BaselineTarget(cfg *config.AppConfig, branch pipeline.Branch) deploy.Target {
	files := append([]string(nil), cfg.BaselineValues...)
	if branch == pipeline.BranchAuth {
		files = append(files, cfg.BaselineAuthValues...)
	}
	return deploy.Target{
		Chart: helm.ChartDefinition{
			Name:    "jupyterhub",
			Chart:   cfg.BaselineChart,
			Version: cfg.BaselineVersion,
			RepoURL: cfg.BaselineRepoURL,
		},
		ReleaseName: cfg.BaselineRelease,
		Values:      validate.Profile{Name: "baseline", Files: files},
	}
}

// RenderOptions locates the chart and its image build configuration.
func RenderOptions(cfg *config.AppConfig) render.Options {
	return render.Options{
		ChartDir:    cfg.ChartDir,
		BuildConfig: cfg.ChartpressConfig,
		RepoDir:     ".",
		SkipBuild:   cfg.SkipImageBuild,
	}
}

// LintProfile is the offline validation profile.
func LintProfile(cfg *config.AppConfig) validate.Profile {
	return validate.Profile{Name: "lint", Files: cfg.LintValues}
}

// LiveProfile is the profile used against the cluster, for validation and
// deployment alike.
func LiveProfile(cfg *config.AppConfig) validate.Profile {
	return validate.Profile{Name: "live", Files: cfg.LiveValues, Set: cfg.LiveOverrides()}
}

type builder struct {
	Deps
	connect ClusterConnector
}

func (b *builder) provision(ctx context.Context, env *pipeline.Env) error {
	cluster, err := b.Provisioner.Provision(ctx, env.Run)
	if err != nil {
		return err
	}
	env.SetCluster(cluster.Kubeconfig, cluster.APIServer)
	if cluster.HelmBinary != "" {
		env.SetArtifact(pipeline.ArtifactHelmBinary, cluster.HelmBinary)
	}
	return nil
}

func (b *builder) assets(ctx context.Context, _ *pipeline.Env) error {
	return b.Assets.Build(ctx)
}

func (b *builder) baseline(ctx context.Context, env *pipeline.Env) error {
	client, err := b.connect(env)
	if err != nil {
		return err
	}
	_, err = deploy.NewDeployer(client, env.Log).Deploy(ctx, BaselineTarget(b.Config, env.Run.Branch()))
	return err
}

func (b *builder) render(ctx context.Context, env *pipeline.Env) error {
	res, err := b.Renderer.Render(ctx, RenderOptions(b.Config))
	if err != nil {
		return err
	}
	env.SetArtifact(pipeline.ArtifactChart, res.ChartPath)
	for _, img := range res.Images {
		env.Log.WithField("image", img.Key).Infof("Chart uses %s", img.Ref())
	}
	return nil
}

func (b *builder) schema(_ context.Context, env *pipeline.Env) error {
	if err := b.GenerateSchema(b.Config.SchemaSource, b.Config.SchemaOutput); err != nil {
		return err
	}
	env.SetArtifact(pipeline.ArtifactSchema, b.Config.SchemaOutput)
	return nil
}

func (b *builder) validate(ctx context.Context, env *pipeline.Env) error {
	client, err := b.connect(env)
	if err != nil {
		return err
	}
	schemaPath, _ := env.Artifact(pipeline.ArtifactSchema)
	v := &validate.Validator{
		ChartPath:   b.chartPath(env),
		SchemaPath:  schemaPath,
		ReleaseName: b.Config.ReleaseName,
		Namespace:   b.Config.Namespace,
		KubeVersion: env.Run.ClusterVersion(),
		Lint:        LintProfile(b.Config),
		Live:        LiveProfile(b.Config),
		Client:      client,
		CLI:         b.helmCLI(env),
		Log:         env.Log,
	}
	return v.Validate(ctx)
}

func (b *builder) deploy(ctx context.Context, env *pipeline.Env) error {
	client, err := b.connect(env)
	if err != nil {
		return err
	}
	_, err = deploy.NewDeployer(client, env.Log).Deploy(ctx, deploy.Target{
		Chart:       helm.ChartDefinition{Name: "binderhub", Path: b.chartPath(env)},
		ReleaseName: b.Config.ReleaseName,
		Values:      LiveProfile(b.Config),
	})
	return err
}

func (b *builder) wait(ctx context.Context, env *pipeline.Env) error {
	_, err := b.Waiter.Wait(ctx, Checks(b.Config, env.Run.Branch())...)
	return err
}

func (b *builder) helmCLI(env *pipeline.Env) *validate.HelmCLI {
	bin, ok := env.Artifact(pipeline.ArtifactHelmBinary)
	if !ok || b.Commander == nil {
		return nil
	}
	return &validate.HelmCLI{Binary: bin, Kubeconfig: env.Kubeconfig(), Commander: b.Commander}
}

func (b *builder) test(ctx context.Context, env *pipeline.Env) error {
	helmBinary, _ := env.Artifact(pipeline.ArtifactHelmBinary)
	testEnv, err := TestEnv(b.Config, env.Run.Branch(), env.Kubeconfig(), helmBinary)
	if err != nil {
		return err
	}
	rep, err := b.Tests.Run(ctx, env.Run.Branch(), testEnv)
	if rep.JUnitPath != "" {
		env.SetArtifact(pipeline.ArtifactTestResults, rep.JUnitPath)
	}
	if rep.CoveragePath != "" {
		env.SetArtifact(pipeline.ArtifactCoverage, rep.CoveragePath)
	}
	return err
}

func (b *builder) report(ctx context.Context, env *pipeline.Env) error {
	b.Reporter.Run(ctx, env)
	return nil
}

func (b *builder) chartPath(env *pipeline.Env) string {
	if p, ok := env.Artifact(pipeline.ArtifactChart); ok {
		return p
	}
	return b.Config.ChartDir
}

// cached connects once per kubeconfig.
func cached(connect ClusterConnector) ClusterConnector {
	var (
		mu         sync.Mutex
		kubeconfig string
		client     ClusterClient
	)
	return func(env *pipeline.Env) (ClusterClient, error) {
		mu.Lock()
		defer mu.Unlock()
		if env.Kubeconfig() == "" {
			return nil, errors.New("no cluster has been provisioned")
		}
		if client != nil && kubeconfig == env.Kubeconfig() {
			return client, nil
		}
		c, err := connect(env)
		if err != nil {
			return nil, err
		}
		client, kubeconfig = c, env.Kubeconfig()
		return client, nil
	}
}
