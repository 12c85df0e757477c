package render

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	archive "github.com/moby/go-archive"
	"github.com/sirupsen/logrus"
)

// DockerAPI is the part of the Docker client used to build images.
// *client.Client satisfies it.
type DockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
}

// NewDockerClient connects to the daemon configured in the environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// BuildSpec describes one image build.
type BuildSpec struct {
	Ref            string // name:tag
	ContextDir     string
	DockerfilePath string // relative to ContextDir
	BuildArgs      map[string]string
}

// ImageBuilder builds images that are not present locally.
type ImageBuilder struct {
	docker DockerAPI
	out    io.Writer
	log    logrus.FieldLogger
}

// NewImageBuilder returns an ImageBuilder writing build output to out.
func NewImageBuilder(docker DockerAPI, out io.Writer, log logrus.FieldLogger) *ImageBuilder {
	if out == nil {
		out = io.Discard
	}
	return &ImageBuilder{docker: docker, out: out, log: log}
}

// Ensure builds spec unless an image with the same reference exists. It
// reports whether a build ran.
func (b *ImageBuilder) Ensure(ctx context.Context, spec BuildSpec) (bool, error) {
	log := b.log.WithField("image", spec.Ref)
	_, err := b.docker.ImageInspect(ctx, spec.Ref)
	if err == nil {
		log.Info("Image exists, skipping build")
		return false, nil
	}
	if !errdefs.IsNotFound(err) {
		return false, fmt.Errorf("failed to inspect image %s: %w", spec.Ref, err)
	}

	buildCtx, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to archive build context %s: %w", spec.ContextDir, err)
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(spec.BuildArgs))
	for k, v := range spec.BuildArgs {
		args[k] = &v
	}
	dockerfile := spec.DockerfilePath
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	log.Infof("Building image from %s", filepath.Join(spec.ContextDir, dockerfile))
	resp, err := b.docker.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{spec.Ref},
		Dockerfile: filepath.ToSlash(dockerfile),
		BuildArgs:  args,
		Remove:     true,
	})
	if err != nil {
		return false, fmt.Errorf("failed to build image %s: %w", spec.Ref, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, b.out, 0, false, nil); err != nil {
		return false, fmt.Errorf("image build %s failed: %w", spec.Ref, err)
	}
	return true, nil
}
