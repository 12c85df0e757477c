package render

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"helm.sh/helm/v3/pkg/cli"

	"chart-pipeline/pkg/internal/testchart"
)

const buildConfig = `charts:
  - name: binderhub
    imagePrefix: jupyterhub/k8s-
    images:
      binderhub:
        contextPath: images/binderhub
        valuesPath: image
`

type fixture struct {
	dir       string
	chartDir  string
	configPth string
	repo      *git.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	f := &fixture{dir: dir, repo: repo}
	f.chartDir = testchart.Write(t, filepath.Join(dir, "helm-chart"))
	f.configPth = filepath.Join(dir, "helm-chart", "chartpress.yaml")
	require.NoError(t, os.WriteFile(f.configPth, []byte(buildConfig), 0o644))
	f.commit(t, "images/binderhub/Dockerfile", "FROM python:3.8\n")
	return f
}

func (f *fixture) commit(t *testing.T, name, content string) {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))

	wt, err := f.repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	_, err = wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.org", When: time.Now()},
	})
	require.NoError(t, err)
}

func (f *fixture) options() Options {
	return Options{ChartDir: f.chartDir, BuildConfig: f.configPth, RepoDir: f.dir, SkipBuild: true}
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testSettings(t *testing.T) *cli.EnvSettings {
	settings := cli.New()
	dir := t.TempDir()
	settings.RepositoryConfig = filepath.Join(dir, "repositories.yaml")
	settings.RepositoryCache = filepath.Join(dir, "cache")
	settings.RegistryConfig = filepath.Join(dir, "registry.json")
	return settings
}

func TestRender_Idempotent(t *testing.T) {
	f := newFixture(t)
	r := NewRenderer(testSettings(t), nil, io.Discard, quietLogger())

	first, err := r.Render(context.Background(), f.options())
	require.NoError(t, err)
	require.Len(t, first.Images, 1)
	assert.Regexp(t, `^0\.2\.0-n001\.h[0-9a-f]{7}$`, first.Images[0].Tag)
	require.Len(t, first.Diff, 1)
	assert.Equal(t, "image.tag", first.Diff[0].Path)
	assert.Equal(t, "set-by-chartpress", first.Diff[0].Old)

	valuesPath := filepath.Join(f.chartDir, "values.yaml")
	rendered, err := os.ReadFile(valuesPath)
	require.NoError(t, err)
	assert.Contains(t, string(rendered), "# Default values.")
	assert.Contains(t, string(rendered), first.Images[0].Tag)

	second, err := r.Render(context.Background(), f.options())
	require.NoError(t, err)
	assert.Empty(t, second.Diff)
	assert.Equal(t, first.Images, second.Images)

	again, err := os.ReadFile(valuesPath)
	require.NoError(t, err)
	assert.Equal(t, rendered, again)
}

func TestRender_TagFollowsImageSources(t *testing.T) {
	f := newFixture(t)
	r := NewRenderer(testSettings(t), nil, io.Discard, quietLogger())

	first, err := r.Render(context.Background(), f.options())
	require.NoError(t, err)

	f.commit(t, "docs/index.md", "unrelated\n")
	unrelated, err := r.Render(context.Background(), f.options())
	require.NoError(t, err)
	assert.Empty(t, unrelated.Diff)

	f.commit(t, "images/binderhub/Dockerfile", "FROM python:3.9\n")
	changed, err := r.Render(context.Background(), f.options())
	require.NoError(t, err)
	require.Len(t, changed.Diff, 1)
	assert.Equal(t, first.Images[0].Tag, changed.Diff[0].Old)
	assert.Contains(t, changed.Images[0].Tag, "-n002.h")
}

type fakeDocker struct {
	inspectErr error
	buildBody  string
	builds     []build.ImageBuildOptions
	files      []string
}

func (f *fakeDocker) ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	return image.InspectResponse{ID: "sha256:abc"}, f.inspectErr
}

func (f *fakeDocker) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	f.builds = append(f.builds, options)
	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		f.files = append(f.files, hdr.Name)
	}
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildBody))}, nil
}

func TestRender_BuildsMissingImage(t *testing.T) {
	f := newFixture(t)
	docker := &fakeDocker{inspectErr: errdefs.ErrNotFound, buildBody: `{"stream":"Successfully built abc\n"}` + "\n"}
	r := NewRenderer(testSettings(t), NewImageBuilder(docker, io.Discard, quietLogger()), io.Discard, quietLogger())

	opts := f.options()
	opts.SkipBuild = false
	res, err := r.Render(context.Background(), opts)
	require.NoError(t, err)

	require.Len(t, docker.builds, 1)
	assert.Equal(t, []string{res.Images[0].Ref()}, docker.builds[0].Tags)
	assert.Equal(t, "Dockerfile", docker.builds[0].Dockerfile)
	assert.Contains(t, docker.files, "Dockerfile")
	assert.True(t, res.Images[0].Built)

	docker.inspectErr = nil
	res, err = r.Render(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, docker.builds, 1, "existing image is not rebuilt")
	assert.False(t, res.Images[0].Built)
}

func TestRender_BuildFailure(t *testing.T) {
	f := newFixture(t)
	docker := &fakeDocker{inspectErr: errdefs.ErrNotFound, buildBody: `{"errorDetail":{"message":"pip failed"},"error":"pip failed"}` + "\n"}
	r := NewRenderer(testSettings(t), NewImageBuilder(docker, io.Discard, quietLogger()), io.Discard, quietLogger())

	opts := f.options()
	opts.SkipBuild = false
	_, err := r.Render(context.Background(), opts)
	assert.ErrorContains(t, err, "pip failed")

	docker.inspectErr = errors.New("daemon unavailable")
	_, err = r.Render(context.Background(), opts)
	assert.ErrorContains(t, err, "daemon unavailable")
}

func writeLocalChart(t *testing.T, dir, name, version string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name, "Chart.yaml"),
		[]byte("apiVersion: v2\nname: "+name+"\nversion: "+version+"\n"), 0o644))
}

func TestFetchDependencies(t *testing.T) {
	dir := t.TempDir()
	writeLocalChart(t, dir, "hub", "1.0.1")
	chartDir := testchart.Write(t, dir, testchart.WithDependency("hub", "1.0.1", "file://../hub"))

	deps, err := FetchDependencies(testSettings(t), chartDir, io.Discard, quietLogger())
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "hub", deps[0].Name)
	assert.FileExists(t, filepath.Join(chartDir, "charts", "hub-1.0.1.tgz"))
	assert.FileExists(t, filepath.Join(chartDir, "Chart.lock"))
}

func TestFetchDependencies_Missing(t *testing.T) {
	dir := t.TempDir()
	chartDir := testchart.Write(t, dir, testchart.WithDependency("hub", "1.0.1", "file://../hub"))

	_, err := FetchDependencies(testSettings(t), chartDir, io.Discard, quietLogger())
	assert.ErrorIs(t, err, ErrDependencyMissing)

	writeLocalChart(t, dir, "hub", "0.9.0")
	_, err = FetchDependencies(testSettings(t), chartDir, io.Discard, quietLogger())
	assert.ErrorIs(t, err, ErrDependencyMissing, "version mismatch")
}

func TestValuesFile_SetString(t *testing.T) {
	p := filepath.Join(t.TempDir(), "values.yaml")
	require.NoError(t, os.WriteFile(p, []byte("image:\n  name: a # keep\n  tag: '1'\nlist: [1]\n"), 0o644))

	vf, err := LoadValuesFile(p)
	require.NoError(t, err)
	require.NoError(t, vf.SetString("image.name", "a"))
	require.NoError(t, vf.SetString("image.tag", "2"))
	require.NoError(t, vf.SetString("image.pullPolicy", "Always"))
	assert.Error(t, vf.SetString("missing.tag", "x"))
	assert.Error(t, vf.SetString("list.tag", "x"))

	assert.Equal(t, []Change{
		{File: p, Path: "image.tag", Old: "1", New: "2"},
		{File: p, Path: "image.pullPolicy", New: "Always"},
	}, vf.Changes())

	written, err := vf.Save()
	require.NoError(t, err)
	assert.True(t, written)
	out, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(out), "# keep")
	assert.Contains(t, string(out), "pullPolicy: Always")
}
