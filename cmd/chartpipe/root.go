package main

import (
	"fmt"
	"io"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"chart-pipeline/pkg/ci"
	"chart-pipeline/pkg/config"
	"chart-pipeline/pkg/deploy"
	"chart-pipeline/pkg/helm"
	"chart-pipeline/pkg/pipeline"
	"chart-pipeline/pkg/schema"
	"chart-pipeline/pkg/validate"
)

type rootOptions struct {
	branch         string
	clusterVersion string
	helmVersion    string
}

func newRootCmd() *cobra.Command {
	var (
		opts rootOptions
		a    *app
	)
	cmd := &cobra.Command{
		Use:          "chartpipe",
		Short:        "Validate and deploy the BinderHub Helm chart on a disposable cluster",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			var err error
			a, err = loadApp(cmd, opts)
			return err
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.branch, "branch", "", "test branch: main, auth or helm (overrides TEST_BRANCH)")
	flags.StringVar(&opts.clusterVersion, "cluster-version", "", "Kubernetes version of the cluster, e.g. v1.19.16 (overrides CLUSTER_VERSION)")
	flags.StringVar(&opts.helmVersion, "helm-version", "", "Helm client version, e.g. v3.5.0 (overrides HELM_VERSION)")

	appRef := func() *app { return a }
	cmd.AddCommand(
		newRunCmd(appRef),
		newPlanCmd(appRef),
		newRenderCmd(appRef),
		newSchemaCmd(appRef),
		newValidateCmd(appRef),
		newDeployCmd(appRef),
		newWaitCmd(appRef),
		newTestCmd(appRef),
		newReportCmd(appRef),
		newTeardownCmd(appRef),
		newVersionCmd(),
	)
	return cmd
}

func loadApp(cmd *cobra.Command, opts rootOptions) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if opts.branch != "" {
		cfg.Branch = opts.branch
	}
	if opts.clusterVersion != "" {
		cfg.ClusterVersion = opts.clusterVersion
	}
	if opts.helmVersion != "" {
		cfg.HelmVersion = opts.helmVersion
	}
	log, err := config.SetupLogging(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	gin.SetMode(cfg.GinMode)
	return newApp(cfg, log, cmd.OutOrStdout())
}

func newRunCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the whole pipeline for the selected branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app().runPipeline(cmd.Context())
		},
	}
}

func newPlanCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the steps the run would execute",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			plan, err := pipeline.Assemble(a.run, ci.Steps(ci.Deps{Config: a.cfg, Log: a.log}))
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}
}

func printPlan(w io.Writer, plan pipeline.Plan) {
	fmt.Fprintf(w, "%s\n", plan.Run)
	for i, s := range plan.Steps {
		line := fmt.Sprintf("%2d. %-10s %s", i+1, s.Name, s.Kind)
		if s.Always {
			line += " (always)"
		}
		fmt.Fprintln(w, line)
	}
}

func newRenderCmd(app func() *app) *cobra.Command {
	var skipBuild bool
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Fetch chart dependencies, build images and pin their tags in values.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			opts := ci.RenderOptions(a.cfg)
			opts.SkipBuild = opts.SkipBuild || skipBuild
			r, err := a.renderer(opts.SkipBuild)
			if err != nil {
				return err
			}
			res, err := r.Render(cmd.Context(), opts)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(res)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "compute tags and rewrite values without building images")
	return cmd
}

func newSchemaCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Generate values.schema.json from the YAML schema source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			if err := schema.Generate(a.cfg.SchemaSource, a.cfg.SchemaOutput); err != nil {
				return err
			}
			a.log.Infof("Schema written to %s", a.cfg.SchemaOutput)
			return nil
		},
	}
}

func newValidateCmd(app func() *app) *cobra.Command {
	var lintOnly bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Lint the chart offline and dry-run it against the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			v := &validate.Validator{
				ChartPath:   a.cfg.ChartDir,
				ReleaseName: a.cfg.ReleaseName,
				Namespace:   a.cfg.Namespace,
				KubeVersion: a.run.ClusterVersion(),
				Lint:        ci.LintProfile(a.cfg),
				Live:        ci.LiveProfile(a.cfg),
				Log:         a.log,
			}
			if _, err := os.Stat(a.cfg.SchemaOutput); err == nil {
				v.SchemaPath = a.cfg.SchemaOutput
			}
			if bin := a.installedHelm(); bin != "" {
				v.CLI = &validate.HelmCLI{Binary: bin, Kubeconfig: a.cfg.KubeconfigPath, Commander: a.commander()}
			}
			if lintOnly {
				return v.LintCheck(cmd.Context())
			}
			client, err := a.helmClient(a.cfg.KubeconfigPath)
			if err != nil {
				return err
			}
			v.Client = client
			return v.Validate(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&lintOnly, "lint-only", false, "skip the live-cluster check")
	return cmd
}

func newDeployCmd(app func() *app) *cobra.Command {
	var baseline bool
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Install or upgrade the chart on the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			client, err := a.helmClient(a.cfg.KubeconfigPath)
			if err != nil {
				return err
			}
			target := deploy.Target{
				Chart:       helm.ChartDefinition{Name: "binderhub", Path: a.cfg.ChartDir},
				ReleaseName: a.cfg.ReleaseName,
				Values:      ci.LiveProfile(a.cfg),
			}
			if baseline {
				target = ci.BaselineTarget(a.cfg, a.run.Branch())
			}
			rel, err := deploy.NewDeployer(client, a.log).Deploy(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s revision %d %s\n", rel.Name, rel.Version, rel.Info.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&baseline, "baseline", false, "deploy the JupyterHub baseline chart instead of the local chart")
	return cmd
}

func newWaitCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "wait",
		Short: "Wait for the hub and BinderHub endpoints to answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			_, err := a.waiter().Wait(cmd.Context(), ci.Checks(a.cfg, a.run.Branch())...)
			return err
		},
	}
}

func newTestCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run the test suite selected by the branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			env, err := a.testEnv()
			if err != nil {
				return err
			}
			rep, err := a.tests().Run(cmd.Context(), a.run.Branch(), env)
			fmt.Fprintf(cmd.OutOrStdout(), "%d passed, %d failed, %d errors, %d skipped\n", rep.Passed, rep.Failed, rep.Errors, rep.Skipped)
			return err
		},
	}
}

func newReportCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Collect cluster diagnostics and upload artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			r, err := a.reporter()
			if err != nil {
				return err
			}
			env := pipeline.NewEnv(a.run, a.log)
			env.SetCluster(a.cfg.KubeconfigPath, "")
			if path := r.Run(cmd.Context(), env); path != "" {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}
}

func newTeardownCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Delete the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app().provisioner().Teardown(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
