package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"

	"chart-pipeline/pkg/api"
	"chart-pipeline/pkg/assets"
	"chart-pipeline/pkg/ci"
	"chart-pipeline/pkg/config"
	"chart-pipeline/pkg/helm"
	"chart-pipeline/pkg/metrics"
	"chart-pipeline/pkg/pipeline"
	"chart-pipeline/pkg/provision"
	"chart-pipeline/pkg/readiness"
	"chart-pipeline/pkg/render"
	"chart-pipeline/pkg/report"
	"chart-pipeline/pkg/schema"
	"chart-pipeline/pkg/shell"
	"chart-pipeline/pkg/testrun"
)

// app builds pipeline components from the loaded configuration.
type app struct {
	cfg *config.AppConfig
	log *logrus.Logger
	run pipeline.Run
	out io.Writer

	mu      sync.Mutex
	clients map[string]*helm.HelmClient
}

func newApp(cfg *config.AppConfig, log *logrus.Logger, out io.Writer) (*app, error) {
	run, err := pipeline.NewRun(cfg.Branch, cfg.ClusterVersion, cfg.HelmVersion)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, run: run, out: out, clients: make(map[string]*helm.HelmClient)}, nil
}

func (a *app) commander() shell.Commander { return shell.NewExec(a.log) }

func (a *app) helmInstaller(cmdr shell.Commander) *provision.HelmInstaller {
	return provision.NewHelmInstaller(a.cfg.ToolsDir, cmdr, a.log)
}

// installedHelm returns the helm client of the run's Helm version when a
// previous provision left it in the tools dir.
func (a *app) installedHelm() string {
	path := a.helmInstaller(a.commander()).BinaryPath(a.run.HelmVersion())
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func (a *app) provisioner() *provision.Provisioner {
	cmdr := a.commander()
	installer := a.helmInstaller(cmdr)
	return provision.NewProvisioner(provision.Config{
		ClusterName: a.cfg.ClusterName,
		Kubeconfig:  a.cfg.KubeconfigPath,
	}, cmdr, installer, nil, a.log)
}

func (a *app) assets() *assets.Builder {
	return assets.NewBuilder(assets.Config{
		FrontendDir:      a.cfg.FrontendDir,
		FrontendScript:   a.cfg.FrontendScript,
		RequirementFiles: a.cfg.RequirementFiles,
		StaticDir:        a.cfg.StaticDir,
		Python:           a.cfg.PythonBinary,
	}, a.commander(), a.out, a.log)
}

func (a *app) renderer(skipBuild bool) (*render.Renderer, error) {
	settings := helm.NewSettings(a.cfg.KubeconfigPath, a.cfg.Namespace)
	if skipBuild {
		return render.NewRenderer(settings, nil, a.out, a.log), nil
	}
	docker, err := render.NewDockerClient()
	if err != nil {
		return nil, err
	}
	return render.NewRenderer(settings, render.NewImageBuilder(docker, a.out, a.log), a.out, a.log), nil
}

// helmClient returns the client for kubeconfig, creating it on first use.
func (a *app) helmClient(kubeconfig string) (*helm.HelmClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hc, ok := a.clients[kubeconfig]; ok {
		return hc, nil
	}
	hc, err := helm.NewHelmClient(a.cfg, kubeconfig, a.log)
	if err != nil {
		return nil, err
	}
	a.clients[kubeconfig] = hc
	return hc, nil
}

func (a *app) waiter() *readiness.Waiter {
	return readiness.NewWaiter(readiness.NewClient(nil), a.log)
}

func (a *app) tests() *testrun.Pytest {
	return &testrun.Pytest{
		Commander:    a.commander(),
		Python:       a.cfg.PythonBinary,
		Path:         a.cfg.TestPath,
		CoverPackage: a.cfg.CoverPackage,
		ArtifactsDir: a.cfg.ArtifactsDir,
		MaxFailures:  a.cfg.MaxFailures,
		Output:       a.out,
		Log:          a.log,
	}
}

// testEnv is the suite environment for a standalone test run against the
// configured cluster.
func (a *app) testEnv() ([]string, error) {
	return ci.TestEnv(a.cfg, a.run.Branch(), a.cfg.KubeconfigPath, a.installedHelm())
}

func (a *app) reporter() (*report.Reporter, error) {
	var uploader report.Uploader
	if a.cfg.UploadEndpoint != "" {
		u, err := report.NewMinioUploader(report.UploadConfig{
			Endpoint:  a.cfg.UploadEndpoint,
			Bucket:    a.cfg.UploadBucket,
			AccessKey: a.cfg.UploadAccessKey,
			SecretKey: a.cfg.UploadSecretKey,
			UseSSL:    a.cfg.UploadUseSSL,
		})
		if err != nil {
			return nil, err
		}
		uploader = u
	}
	return report.NewReporter(report.Config{
		Namespace:     a.cfg.Namespace,
		Workloads:     a.cfg.DiagnosticWorkloads,
		TailLines:     a.cfg.LogTailLines,
		ArtifactsDir:  a.cfg.ArtifactsDir,
		MaxUploadSize: int64(a.cfg.UploadMaxSize),
	}, a.reportClients, uploader, a.log), nil
}

func (a *app) reportClients(kubeconfig string) (report.Clients, error) {
	restCfg, err := helm.RESTConfig(kubeconfig)
	if err != nil {
		return report.Clients{}, err
	}
	kube, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return report.Clients{}, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	clients := report.Clients{Kube: kube}
	if mc, err := metrics.NewMetricsClient(restCfg); err != nil {
		a.log.WithError(err).Warn("Node usage will not be reported")
	} else {
		clients.Usage = metrics.NewUsageCollector(kube, mc, a.log)
	}
	return clients, nil
}

// deps wires every component of the step list.
func (a *app) deps() (ci.Deps, error) {
	renderer, err := a.renderer(a.cfg.SkipImageBuild)
	if err != nil {
		return ci.Deps{}, err
	}
	reporter, err := a.reporter()
	if err != nil {
		return ci.Deps{}, err
	}
	return ci.Deps{
		Config:         a.cfg,
		Provisioner:    a.provisioner(),
		Assets:         a.assets(),
		Renderer:       renderer,
		GenerateSchema: schema.Generate,
		Connect: func(env *pipeline.Env) (ci.ClusterClient, error) {
			return a.helmClient(env.Kubeconfig())
		},
		Waiter:    a.waiter(),
		Tests:     a.tests(),
		Reporter:  reporter,
		Commander: a.commander(),
		Log:       a.log,
	}, nil
}

// runPipeline assembles and executes the full pipeline for the run.
func (a *app) runPipeline(ctx context.Context) error {
	deps, err := a.deps()
	if err != nil {
		return err
	}
	plan, err := pipeline.Assemble(a.run, ci.Steps(deps))
	if err != nil {
		return err
	}
	a.log.Infof("Starting pipeline %s: %v", a.run, plan.Names())

	env := pipeline.NewEnv(a.run, a.log)
	recorder := metrics.NewRecorder(a.run)
	tracker := api.NewTracker(plan)

	if a.cfg.StatusAddr != "" {
		srv := a.statusServer(tracker, recorder, env)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.WithError(err).Error("Status server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	result := pipeline.NewExecutor(a.log, recorder, tracker).Execute(ctx, plan, env)
	recorder.RunFinished(result)
	tracker.Finish(result)
	a.exportMetrics(context.WithoutCancel(ctx), recorder)

	for _, s := range result.Steps {
		a.log.WithFields(logrus.Fields{"step": s.Name, "status": s.Status}).Info("Step summary")
	}
	if !result.Succeeded() {
		a.log.WithError(result.Err).Error("Pipeline failed")
		return result.Err
	}
	a.log.Info("Pipeline passed")
	return nil
}

func (a *app) statusServer(tracker *api.Tracker, recorder *metrics.Recorder, env *pipeline.Env) *http.Server {
	releases := func() (api.ReleaseReader, error) {
		if env.Kubeconfig() == "" {
			return nil, errors.New("cluster not provisioned yet")
		}
		return a.helmClient(env.Kubeconfig())
	}
	handler := api.NewAPIHandler(tracker, releases, a.log)
	a.log.Infof("Status API listening on %s", a.cfg.StatusAddr)
	return &http.Server{
		Addr:              a.cfg.StatusAddr,
		Handler:           api.SetupRouter(handler, recorder.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (a *app) exportMetrics(ctx context.Context, recorder *metrics.Recorder) {
	if a.cfg.MetricsFile != "" {
		if err := recorder.WriteTextfile(a.cfg.MetricsFile); err != nil {
			a.log.WithError(err).Warn("Could not write metrics file")
		}
	}
	if a.cfg.PushgatewayURL != "" {
		if err := recorder.Push(ctx, a.cfg.PushgatewayURL, "chartpipe"); err != nil {
			a.log.WithError(err).Warn("Could not push metrics")
		}
	}
}
