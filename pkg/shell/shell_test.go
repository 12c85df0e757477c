package shell

import (
	"bytes"
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExec_CapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	var stream bytes.Buffer
	res, err := NewExec(nil).Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "echo out; echo err >&2; echo $CHARTPIPE_TEST"},
		Env:    []string{"CHARTPIPE_TEST=value"},
		Stream: &stream,
	})
	require.NoError(t, err)
	assert.Equal(t, "out\nvalue\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Contains(t, stream.String(), "err")
}

func TestExec_NonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	res, err := NewExec(nil).Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}})
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, 3, ExitCode(err))
	assert.ErrorContains(t, err, "broken")
}

func TestExec_MissingBinary(t *testing.T) {
	_, err := NewExec(nil).Run(context.Background(), Command{Name: "chartpipe-no-such-binary"})
	require.Error(t, err)
	assert.Equal(t, -1, ExitCode(err))
}

func TestFakeCommander_RecordsCalls(t *testing.T) {
	f := &FakeCommander{}
	_, err := f.Run(context.Background(), Command{Name: "kind", Args: []string{"get", "clusters"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"kind get clusters"}, f.CommandLines())
}
