package testrun

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chart-pipeline/pkg/pipeline"
	"chart-pipeline/pkg/shell"
)

var suiteCases = []Case{
	{Name: "test_build", Tags: []string{TagRemote}},
	{Name: "test_main_page"},
	{Name: "test_auth_redirect", Tags: []string{TagAuth}},
	{Name: "test_auth_remote", Tags: []string{TagAuth, TagRemote}},
	{Name: "test_health", Tags: []string{TagRemote}},
}

func names(cases []Case) []string {
	out := make([]string, 0, len(cases))
	for _, c := range cases {
		out = append(out, c.Name)
	}
	return out
}

func TestSelect_Branches(t *testing.T) {
	main, err := Select(pipeline.BranchMain, suiteCases)
	require.NoError(t, err)
	assert.Equal(t, []string{"test_build", "test_main_page", "test_health"}, names(main))

	auth, err := Select(pipeline.BranchAuth, suiteCases)
	require.NoError(t, err)
	assert.Equal(t, []string{"test_auth_redirect", "test_auth_remote"}, names(auth))

	helm, err := Select(pipeline.BranchHelm, suiteCases)
	require.NoError(t, err)
	assert.Equal(t, []string{"test_build", "test_auth_remote", "test_health"}, names(helm))

	_, err = Select("nightly", suiteCases)
	assert.ErrorIs(t, err, pipeline.ErrUnknownBranch)
}

func TestSelect_MainAndAuthPartitionTheSuite(t *testing.T) {
	main, err := Select(pipeline.BranchMain, suiteCases)
	require.NoError(t, err)
	auth, err := Select(pipeline.BranchAuth, suiteCases)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, c := range append(main, auth...) {
		seen[c.Name]++
	}
	assert.Len(t, seen, len(suiteCases))
	for name, n := range seen {
		assert.Equal(t, 1, n, name)
	}
}

func TestSuite_StopsAtMaxFailures(t *testing.T) {
	var ran []string
	s := Suite{
		Cases:       suiteCases,
		MaxFailures: 2,
		Exec: func(ctx context.Context, c Case) error {
			ran = append(ran, c.Name)
			if c.HasTag(TagAuth) {
				return errors.New("boom")
			}
			return nil
		},
	}

	rep := s.Run(context.Background())

	assert.Equal(t, []string{"test_build", "test_main_page", "test_auth_redirect", "test_auth_remote"}, ran)
	assert.Equal(t, 2, rep.Passed)
	assert.Equal(t, 2, rep.Failed)
	assert.True(t, rep.StoppedEarly)
	assert.ErrorIs(t, rep.Err(), ErrTestsFailed)
}

func TestSuite_CountsSkips(t *testing.T) {
	s := Suite{
		Cases:       suiteCases[:2],
		MaxFailures: 1,
		Exec: func(ctx context.Context, c Case) error {
			if c.Name == "test_main_page" {
				return ErrSkipped
			}
			return nil
		},
	}

	rep := s.Run(context.Background())

	assert.Equal(t, 1, rep.Passed)
	assert.Equal(t, 1, rep.Skipped)
	assert.NoError(t, rep.Err())
	assert.Equal(t, 2, rep.Total())
}

const junitXML = `<?xml version="1.0" encoding="utf-8"?>
<testsuites>
  <testsuite name="pytest" errors="1" failures="1" skipped="1" tests="4">
    <testcase classname="binderhub.tests.test_build" name="test_build"/>
    <testcase classname="binderhub.tests.test_build" name="test_build_fail"><failure message="assert False"/></testcase>
    <testcase classname="binderhub.tests.test_main" name="test_error"><error message="fixture"/></testcase>
    <testcase classname="binderhub.tests.test_main" name="test_skip"><skipped message="no docker"/></testcase>
  </testsuite>
</testsuites>
`

func TestParseJUnit(t *testing.T) {
	rep, err := ParseJUnit([]byte(junitXML))
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Passed)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, []string{"binderhub.tests.test_build::test_build_fail", "binderhub.tests.test_main::test_error"}, rep.Failures)

	single, err := ParseJUnit([]byte(`<testsuite name="pytest"><testcase name="a"/></testsuite>`))
	require.NoError(t, err)
	assert.Equal(t, 1, single.Passed)

	_, err = ParseJUnit([]byte("not xml"))
	assert.Error(t, err)
}

func TestParseJUnit_NestedSuites(t *testing.T) {
	rep, err := ParseJUnit([]byte(`<testsuites>
  <testsuite name="outer">
    <testcase classname="c" name="a"/>
    <testsuite name="inner">
      <testcase classname="c" name="b"><failure message="x"/></testcase>
    </testsuite>
  </testsuite>
</testsuites>`))
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Passed)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, []string{"c::b"}, rep.Failures)
}

func TestParseJUnitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junit.xml")
	require.NoError(t, os.WriteFile(path, []byte(junitXML), 0o644))

	rep, err := ParseJUnitFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Total())

	_, err = ParseJUnitFile(filepath.Join(t.TempDir(), "missing.xml"))
	assert.Error(t, err)
}

func newPytest(t *testing.T, commander shell.Commander) *Pytest {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Pytest{
		Commander:    commander,
		Python:       "python3",
		Path:         "binderhub/tests",
		CoverPackage: "binderhub",
		ArtifactsDir: t.TempDir(),
		MaxFailures:  2,
		Log:          log,
	}
}

func TestPytest_Args(t *testing.T) {
	p := newPytest(t, &shell.FakeCommander{})

	args, err := p.Args(pipeline.BranchHelm)
	require.NoError(t, err)

	line := strings.Join(args, " ")
	assert.Contains(t, line, "-m pytest")
	assert.Contains(t, line, "--maxfail=2")
	assert.Contains(t, line, "-m remote")
	assert.Contains(t, line, "--cov=binderhub")
	assert.Equal(t, "binderhub/tests", args[len(args)-1])
}

func TestPytest_Run(t *testing.T) {
	tests := []struct {
		name     string
		report   string
		exitCode int
		wantErr  error
		passed   int
	}{
		{name: "all pass", report: `<testsuite><testcase name="a"/><testcase name="b"/></testsuite>`, passed: 2},
		{name: "failures", report: junitXML, exitCode: 1, wantErr: ErrTestsFailed, passed: 1},
		{name: "nothing selected", report: `<testsuite/>`, exitCode: 5, wantErr: ErrTestsFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p *Pytest
			fake := &shell.FakeCommander{RunFunc: func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
				require.NoError(t, os.WriteFile(filepath.Join(p.ArtifactsDir, "junit.xml"), []byte(tt.report), 0o644))
				if tt.exitCode != 0 {
					return shell.Result{ExitCode: tt.exitCode}, &shell.ExitError{Command: cmd.String(), ExitCode: tt.exitCode}
				}
				return shell.Result{}, nil
			}}
			p = newPytest(t, fake)

			rep, err := p.Run(context.Background(), pipeline.BranchMain, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.passed, rep.Passed)
			assert.Equal(t, filepath.Join(p.ArtifactsDir, "junit.xml"), rep.JUnitPath)
		})
	}
}

func TestPytest_RunWithoutReport(t *testing.T) {
	fake := &shell.FakeCommander{RunFunc: func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		return shell.Result{}, &shell.ExitError{Command: cmd.String(), ExitCode: 4}
	}}
	p := newPytest(t, fake)

	_, err := p.Run(context.Background(), pipeline.BranchAuth, nil)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTestsFailed)
}

func TestPytest_RunPassesEnvironment(t *testing.T) {
	var p *Pytest
	fake := &shell.FakeCommander{RunFunc: func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		require.NoError(t, os.WriteFile(filepath.Join(p.ArtifactsDir, "junit.xml"), []byte(`<testsuite><testcase name="a"/></testsuite>`), 0o644))
		return shell.Result{}, nil
	}}
	p = newPytest(t, fake)
	p.Env = []string{"PYTHONUNBUFFERED=1"}

	_, err := p.Run(context.Background(), pipeline.BranchHelm, []string{"BINDER_URL=http://localhost:30901"})
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"PYTHONUNBUFFERED=1", "BINDER_URL=http://localhost:30901"}, calls[0].Env)
	assert.Equal(t, []string{"PYTHONUNBUFFERED=1"}, p.Env)
}
