// Package assets builds the frontend bundle and installs backend
// dependencies before the chart is exercised.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"chart-pipeline/pkg/shell"
)

// ErrNoAssets is returned when the build left no static output.
var ErrNoAssets = errors.New("no static assets produced")

// Config holds what to build.
type Config struct {
	FrontendDir      string
	FrontendScript   string
	RequirementFiles []string
	StaticDir        string
	Python           string
}

// Builder runs the frontend build and backend installs.
type Builder struct {
	cfg       Config
	commander shell.Commander
	out       io.Writer
	log       logrus.FieldLogger
}

// NewBuilder returns a Builder streaming tool output to out.
func NewBuilder(cfg Config, commander shell.Commander, out io.Writer, log logrus.FieldLogger) *Builder {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	return &Builder{cfg: cfg, commander: commander, out: &syncWriter{w: out}, log: log}
}

// syncWriter serializes writes from the concurrent frontend and backend
// streams.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Build runs the frontend and backend builds concurrently. The first failure
// cancels the other. On success the static dir must hold at least one file.
func (b *Builder) Build(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.frontend(ctx) })
	g.Go(func() error { return b.backend(ctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	return checkStatic(b.cfg.StaticDir)
}

func (b *Builder) frontend(ctx context.Context) error {
	log := b.log.WithField("part", "frontend")
	log.Info("Installing frontend dependencies")
	if _, err := b.commander.Run(ctx, shell.Command{Name: "npm", Args: []string{"ci"}, Dir: b.cfg.FrontendDir, Stream: b.out}); err != nil {
		return fmt.Errorf("frontend dependency install failed: %w", err)
	}
	log.Infof("Running npm script %s", b.cfg.FrontendScript)
	if _, err := b.commander.Run(ctx, shell.Command{Name: "npm", Args: []string{"run", b.cfg.FrontendScript}, Dir: b.cfg.FrontendDir, Stream: b.out}); err != nil {
		return fmt.Errorf("frontend build failed: %w", err)
	}
	return nil
}

func (b *Builder) backend(ctx context.Context) error {
	for _, req := range b.cfg.RequirementFiles {
		b.log.WithField("part", "backend").Infof("Installing %s", req)
		if _, err := b.commander.Run(ctx, shell.Command{
			Name:   b.cfg.Python,
			Args:   []string{"-m", "pip", "install", "-r", req},
			Stream: b.out,
		}); err != nil {
			return fmt.Errorf("backend dependency install from %s failed: %w", req, err)
		}
	}
	return nil
}

func checkStatic(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoAssets, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrNoAssets, dir)
	}
	return nil
}
