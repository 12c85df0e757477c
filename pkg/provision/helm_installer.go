package provision

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	archive "github.com/moby/go-archive"
	"github.com/sirupsen/logrus"

	"chart-pipeline/pkg/shell"
)

// DefaultHelmDownloadURL is where Helm client releases are published.
const DefaultHelmDownloadURL = "https://get.helm.sh"

// HelmInstaller downloads and unpacks Helm client releases.
type HelmInstaller struct {
	BaseURL   string
	ToolsDir  string
	OS        string
	Arch      string
	Client    *http.Client
	Commander shell.Commander
	Log       logrus.FieldLogger
}

// NewHelmInstaller returns an installer for the current platform.
func NewHelmInstaller(toolsDir string, commander shell.Commander, log logrus.FieldLogger) *HelmInstaller {
	return &HelmInstaller{
		BaseURL:   DefaultHelmDownloadURL,
		ToolsDir:  toolsDir,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Client:    http.DefaultClient,
		Commander: commander,
		Log:       log,
	}
}

func (h *HelmInstaller) platform() string { return h.OS + "-" + h.Arch }

// BinaryPath returns where version is unpacked.
func (h *HelmInstaller) BinaryPath(version string) string {
	return filepath.Join(h.ToolsDir, "helm-"+version, h.platform(), "helm")
}

// Install makes the Helm client of version available and verifies it runs.
// An already unpacked client is reused.
func (h *HelmInstaller) Install(ctx context.Context, version string) (string, error) {
	bin := h.BinaryPath(version)
	log := h.Log.WithField("helm", version)

	if _, err := os.Stat(bin); err != nil {
		url := fmt.Sprintf("%s/helm-%s-%s.tar.gz", strings.TrimSuffix(h.BaseURL, "/"), version, h.platform())
		log.Infof("Downloading %s", url)
		if err := h.download(ctx, url, filepath.Dir(filepath.Dir(bin))); err != nil {
			return "", err
		}
	}

	res, err := h.Commander.Run(ctx, shell.Command{Name: bin, Args: []string{"version", "--short"}})
	if err != nil {
		return "", fmt.Errorf("helm client %s does not run: %w", version, err)
	}
	got := strings.TrimSpace(res.Stdout)
	if !strings.HasPrefix(got, version) {
		return "", fmt.Errorf("helm client reports version %q, expected %s", got, version)
	}
	log.Infof("Helm client ready at %s", bin)
	return bin, nil
}

func (h *HelmInstaller) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if err := archive.Untar(resp.Body, dest, &archive.TarOptions{NoLchown: true}); err != nil {
		return fmt.Errorf("failed to unpack %s: %w", url, err)
	}
	return nil
}
