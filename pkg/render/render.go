// Package render prepares a chart for validation: dependencies are fetched
// and pinned, images are tagged from git history and built, and the chart's
// values are rewritten to reference them.
package render

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"helm.sh/helm/v3/pkg/cli"

	"chart-pipeline/pkg/chart"
)

// Options select the chart to render.
type Options struct {
	ChartDir    string
	BuildConfig string // chartpress.yaml
	RepoDir     string // git repository holding the image sources
	SkipBuild   bool
}

// Image is an image referenced by the rendered chart.
type Image struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Tag   string `json:"tag"`
	Built bool   `json:"built"`
}

// Ref returns name:tag.
func (i Image) Ref() string { return i.Name + ":" + i.Tag }

// Result describes a rendered chart. Diff is empty when nothing changed.
type Result struct {
	ChartPath    string             `json:"chart_path"`
	Dependencies []chart.Dependency `json:"dependencies,omitempty"`
	Images       []Image            `json:"images,omitempty"`
	Diff         []Change           `json:"diff,omitempty"`
}

// Renderer renders charts.
type Renderer struct {
	settings *cli.EnvSettings
	builder  *ImageBuilder
	out      io.Writer
	log      logrus.FieldLogger
}

// NewRenderer returns a Renderer. builder may be nil when images are never
// built.
func NewRenderer(settings *cli.EnvSettings, builder *ImageBuilder, out io.Writer, log logrus.FieldLogger) *Renderer {
	if out == nil {
		out = io.Discard
	}
	return &Renderer{settings: settings, builder: builder, out: out, log: log}
}

// Render fetches dependencies, builds images and rewrites values.yaml.
// Rendering an unchanged source again yields an empty Diff and writes
// nothing.
func (r *Renderer) Render(ctx context.Context, opts Options) (Result, error) {
	res := Result{ChartPath: opts.ChartDir}

	deps, err := FetchDependencies(r.settings, opts.ChartDir, r.out, r.log)
	if err != nil {
		return res, err
	}
	res.Dependencies = deps

	desc, err := chart.LoadDescriptor(opts.ChartDir)
	if err != nil {
		return res, err
	}
	if opts.BuildConfig == "" {
		return res, nil
	}
	buildCfg, err := chart.LoadBuildConfig(opts.BuildConfig)
	if err != nil {
		return res, err
	}
	chartCfg, err := buildCfg.Chart(desc.Name)
	if err != nil {
		return res, err
	}

	valuesPath := filepath.Join(opts.ChartDir, "values.yaml")
	values, err := LoadValuesFile(valuesPath)
	if err != nil {
		return res, err
	}

	repoDir := opts.RepoDir
	if repoDir == "" {
		repoDir = "."
	}
	for _, key := range chartCfg.ImageKeys() {
		spec := chartCfg.Images[key]
		img, err := r.image(ctx, repoDir, chartCfg, key, spec, desc.Version, opts.SkipBuild)
		if err != nil {
			return res, err
		}
		res.Images = append(res.Images, img)

		for _, vp := range spec.ValuesPath {
			if err := values.SetString(vp+".name", img.Name); err != nil {
				return res, err
			}
			if err := values.SetString(vp+".tag", img.Tag); err != nil {
				return res, err
			}
		}
	}

	res.Diff = values.Changes()
	written, err := values.Save()
	if err != nil {
		return res, err
	}
	if written {
		for _, c := range res.Diff {
			r.log.Info(c.String())
		}
	} else {
		r.log.Info("Chart values already up to date")
	}
	return res, nil
}

func (r *Renderer) image(ctx context.Context, repoDir string, cfg *chart.Config, key string, spec chart.Image, chartVersion string, skipBuild bool) (Image, error) {
	contextPath := spec.ContextPath
	if contextPath == "" {
		contextPath = filepath.Join("images", key)
	}
	paths := append([]string{contextPath}, spec.Paths...)
	if spec.DockerfilePath != "" {
		paths = append(paths, spec.DockerfilePath)
	}

	tag, err := ImageTag(repoDir, paths, chartVersion)
	if err != nil {
		return Image{}, fmt.Errorf("image %s: %w", key, err)
	}
	img := Image{Key: key, Name: cfg.ImageName(key), Tag: tag}
	if skipBuild || r.builder == nil {
		return img, nil
	}

	contextDir := filepath.Join(repoDir, contextPath)
	dockerfile := "Dockerfile"
	if spec.DockerfilePath != "" {
		rel, err := filepath.Rel(contextPath, spec.DockerfilePath)
		if err != nil {
			return Image{}, fmt.Errorf("image %s: dockerfile %s: %w", key, spec.DockerfilePath, err)
		}
		dockerfile = rel
	}
	built, err := r.builder.Ensure(ctx, BuildSpec{
		Ref:            img.Ref(),
		ContextDir:     contextDir,
		DockerfilePath: dockerfile,
		BuildArgs:      spec.BuildArgs,
	})
	if err != nil {
		return Image{}, err
	}
	img.Built = built
	return img, nil
}
