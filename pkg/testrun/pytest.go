package testrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joshdk/go-junit"
	"github.com/sirupsen/logrus"

	"chart-pipeline/pkg/pipeline"
	"chart-pipeline/pkg/shell"
)

// pytest exit codes
const (
	pytestOK          = 0
	pytestTestsFailed = 1
	pytestNoTests     = 5
)

// Pytest runs the selected subset of a pytest suite.
type Pytest struct {
	Commander    shell.Commander
	Python       string
	Path         string
	CoverPackage string
	ArtifactsDir string
	MaxFailures  int
	Env          []string
	Output       io.Writer
	Log          logrus.FieldLogger
}

// Args returns the pytest command line for branch.
func (p *Pytest) Args(branch pipeline.Branch) ([]string, error) {
	sel, err := SelectorFor(branch)
	if err != nil {
		return nil, err
	}
	args := []string{
		"-m", "pytest",
		"-v",
		"--maxfail=" + strconv.Itoa(p.MaxFailures),
		"-m", sel.Expr,
		"--junitxml=" + p.junitPath(),
	}
	if p.CoverPackage != "" {
		args = append(args, "--cov="+p.CoverPackage, "--cov-report=xml:"+p.coveragePath())
	}
	return append(args, p.Path), nil
}

func (p *Pytest) junitPath() string    { return filepath.Join(p.ArtifactsDir, "junit.xml") }
func (p *Pytest) coveragePath() string { return filepath.Join(p.ArtifactsDir, "coverage.xml") }

// Run runs the tests of branch with env appended to p.Env and parses the
// JUnit report. The returned error wraps ErrTestsFailed when tests failed.
func (p *Pytest) Run(ctx context.Context, branch pipeline.Branch, env []string) (Report, error) {
	args, err := p.Args(branch)
	if err != nil {
		return Report{}, err
	}
	if err := os.MkdirAll(p.ArtifactsDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("failed to create artifacts dir: %w", err)
	}

	p.Log.WithField("branch", branch).Infof("Running tests: %s %v", p.Python, args)
	_, runErr := p.Commander.Run(ctx, shell.Command{Name: p.Python, Args: args, Env: append(append([]string(nil), p.Env...), env...), Stream: p.Output})
	code := pytestOK
	if runErr != nil {
		code = shell.ExitCode(runErr)
		if code < 0 {
			return Report{}, fmt.Errorf("failed to run pytest: %w", runErr)
		}
	}

	rep, err := ParseJUnitFile(p.junitPath())
	if err != nil {
		if code == pytestOK {
			return Report{}, err
		}
		return Report{}, fmt.Errorf("pytest exited with code %d and left no report: %w", code, err)
	}
	rep.JUnitPath = p.junitPath()
	if p.CoverPackage != "" {
		rep.CoveragePath = p.coveragePath()
	}
	rep.StoppedEarly = p.MaxFailures > 0 && rep.Failed+rep.Errors >= p.MaxFailures
	p.Log.Infof("Tests finished: %d passed, %d failed, %d errors, %d skipped", rep.Passed, rep.Failed, rep.Errors, rep.Skipped)

	switch code {
	case pytestOK:
		return rep, rep.Err()
	case pytestTestsFailed:
		if err := rep.Err(); err != nil {
			return rep, err
		}
		return rep, fmt.Errorf("%w: pytest reported failures", ErrTestsFailed)
	case pytestNoTests:
		return rep, fmt.Errorf("%w: no tests selected for %s", ErrTestsFailed, branch)
	default:
		return rep, fmt.Errorf("pytest exited with code %d: %w", code, runErr)
	}
}

// ParseJUnitFile reads a JUnit XML report.
func ParseJUnitFile(path string) (Report, error) {
	suites, err := junit.IngestFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read junit report %s: %w", path, err)
	}
	return reportFromSuites(suites)
}

// ParseJUnit counts the outcomes of a JUnit XML report. Both a testsuites
// root and a single testsuite root are accepted.
func ParseJUnit(data []byte) (Report, error) {
	suites, err := junit.Ingest(data)
	if err != nil {
		return Report{}, fmt.Errorf("failed to parse junit report: %w", err)
	}
	return reportFromSuites(suites)
}

func reportFromSuites(suites []junit.Suite) (Report, error) {
	if len(suites) == 0 {
		return Report{}, errors.New("junit report contains no test suites")
	}
	var rep Report
	for _, s := range suites {
		addSuite(&rep, s)
	}
	return rep, nil
}

func addSuite(rep *Report, s junit.Suite) {
	for _, t := range s.Tests {
		name := t.Name
		if t.Classname != "" {
			name = t.Classname + "::" + t.Name
		}
		switch t.Status {
		case junit.StatusError:
			rep.Errors++
			rep.Failures = append(rep.Failures, name)
		case junit.StatusFailed:
			rep.Failed++
			rep.Failures = append(rep.Failures, name)
		case junit.StatusSkipped:
			rep.Skipped++
		default:
			rep.Passed++
		}
	}
	for _, nested := range s.Suites {
		addSuite(rep, nested)
	}
}
