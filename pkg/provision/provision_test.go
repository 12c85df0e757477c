package provision

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/client-go/discovery"
	fakediscovery "k8s.io/client-go/discovery/fake"
	k8stesting "k8s.io/client-go/testing"

	"chart-pipeline/pkg/pipeline"
	"chart-pipeline/pkg/shell"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func fakeDiscover(gitVersion string, err error) DiscoveryFunc {
	return func(kubeconfig string) (discovery.ServerVersionInterface, string, error) {
		fake := &k8stesting.Fake{}
		if err != nil {
			fake.AddReactor("get", "version", func(action k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, err
			})
		}
		return &fakediscovery.FakeDiscovery{Fake: fake, FakedServerVersion: &version.Info{GitVersion: gitVersion}}, "https://127.0.0.1:6443", nil
	}
}

func kindCommander(existing string) *shell.FakeCommander {
	return &shell.FakeCommander{RunFunc: func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		if cmd.String() == "kind get clusters" {
			return shell.Result{Stdout: existing}, nil
		}
		return shell.Result{}, nil
	}}
}

func testRun(t *testing.T) pipeline.Run {
	run, err := pipeline.NewRun("helm", "v1.19.16", "v3.5.0")
	require.NoError(t, err)
	return run
}

func TestProvision_CreatesCluster(t *testing.T) {
	commander := kindCommander("other\n")
	p := NewProvisioner(Config{ClusterName: "chartpipe", Kubeconfig: "/tmp/kubeconfig"}, commander, nil, fakeDiscover("v1.19.16", nil), quietLogger())

	cluster, err := p.Provision(context.Background(), testRun(t))
	require.NoError(t, err)

	assert.Equal(t, "https://127.0.0.1:6443", cluster.APIServer)
	assert.Equal(t, "v1.19.16", cluster.ServerVersion)
	assert.Equal(t, []string{
		"kind get clusters",
		"kind create cluster --name chartpipe --image kindest/node:v1.19.16 --kubeconfig /tmp/kubeconfig --wait 120s",
	}, commander.CommandLines())
}

func TestProvision_ReusesCluster(t *testing.T) {
	commander := kindCommander("chartpipe\n")
	p := NewProvisioner(Config{ClusterName: "chartpipe", Kubeconfig: "/tmp/kubeconfig"}, commander, nil, fakeDiscover("v1.19.16", nil), quietLogger())

	_, err := p.Provision(context.Background(), testRun(t))
	require.NoError(t, err)
	assert.Equal(t, "kind export kubeconfig --name chartpipe --kubeconfig /tmp/kubeconfig", commander.CommandLines()[1])
}

func TestProvision_Failures(t *testing.T) {
	failing := &shell.FakeCommander{RunFunc: func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		if strings.HasPrefix(cmd.String(), "kind create") {
			return shell.Result{}, &shell.ExitError{Command: cmd.String(), ExitCode: 1, Stderr: "docker not running"}
		}
		return shell.Result{}, nil
	}}
	p := NewProvisioner(Config{ClusterName: "chartpipe"}, failing, nil, fakeDiscover("v1.19.16", nil), quietLogger())
	_, err := p.Provision(context.Background(), testRun(t))
	assert.ErrorContains(t, err, "docker not running")

	p = NewProvisioner(Config{ClusterName: "chartpipe"}, kindCommander(""), nil, fakeDiscover("", errors.New("connection refused")), quietLogger())
	_, err = p.Provision(context.Background(), testRun(t))
	assert.ErrorContains(t, err, "not reachable")
}

func TestTeardown(t *testing.T) {
	commander := kindCommander("")
	p := NewProvisioner(Config{ClusterName: "chartpipe"}, commander, nil, nil, quietLogger())

	require.NoError(t, p.Teardown(context.Background()))
	assert.Equal(t, []string{"kind delete cluster --name chartpipe"}, commander.CommandLines())
}

func TestSameMinor(t *testing.T) {
	assert.True(t, SameMinor("v1.19.16", "v1.19.1"))
	assert.False(t, SameMinor("v1.20.0", "v1.19.16"))
	assert.False(t, SameMinor("latest", "v1.19.16"))
}

func helmArchive(t *testing.T) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("#!/bin/sh\necho v3.5.0+g32c2223\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "linux-amd64/helm", Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestHelmInstaller_DownloadsOnce(t *testing.T) {
	var hits int32
	archiveBytes := helmArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/helm-v3.5.0-linux-amd64.tar.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archiveBytes)
	}))
	defer srv.Close()

	commander := &shell.FakeCommander{RunFunc: func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		return shell.Result{Stdout: "v3.5.0+g32c2223\n"}, nil
	}}
	h := NewHelmInstaller(t.TempDir(), commander, quietLogger())
	h.BaseURL = srv.URL
	h.OS, h.Arch = "linux", "amd64"
	h.Client = srv.Client()

	bin, err := h.Install(context.Background(), "v3.5.0")
	require.NoError(t, err)
	assert.FileExists(t, bin)
	assert.Equal(t, h.BinaryPath("v3.5.0"), bin)

	_, err = h.Install(context.Background(), "v3.5.0")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	_, err = h.Install(context.Background(), "v3.6.0")
	assert.Error(t, err)
}

func TestHelmInstaller_VersionMismatch(t *testing.T) {
	archiveBytes := helmArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archiveBytes)
	}))
	defer srv.Close()

	commander := &shell.FakeCommander{RunFunc: func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		return shell.Result{Stdout: "v3.4.2+g1\n"}, nil
	}}
	h := NewHelmInstaller(t.TempDir(), commander, quietLogger())
	h.BaseURL = srv.URL
	h.OS, h.Arch = "linux", "amd64"

	_, err := h.Install(context.Background(), "v3.5.0")
	assert.ErrorContains(t, err, "expected v3.5.0")
}
