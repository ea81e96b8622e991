package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand_Run(t *testing.T) {
	cmd, ok := ParseCommand("gorkon run make test -v")
	require.True(t, ok)
	assert.Equal(t, ActionRun, cmd.Action)
	assert.Equal(t, "make", cmd.Path)
	assert.Equal(t, []string{"test", "-v"}, cmd.Args)
	assert.Nil(t, cmd.Env)
}

func TestParseCommand_RunRemote(t *testing.T) {
	cmd, ok := ParseCommand("gorkon run-remote ./bench.sh")
	require.True(t, ok)
	assert.Equal(t, ActionRunRemote, cmd.Action)
	assert.Equal(t, "./bench.sh", cmd.Path)
	assert.Empty(t, cmd.Args)
}

func TestParseCommand_EnvLines(t *testing.T) {
	cmd, ok := ParseCommand("gorkon run make bench\nRUSTFLAGS=-O\nJOBS=4\n\nnot an assignment line")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"RUSTFLAGS": "-O", "JOBS": "4"}, cmd.Env)
}

func TestParseCommand_Cancel(t *testing.T) {
	cmd, ok := ParseCommand("gorkon cancel")
	require.True(t, ok)
	assert.Equal(t, ActionCancel, cmd.Action)
}

func TestParseCommand_CRLF(t *testing.T) {
	cmd, ok := ParseCommand("gorkon run make test\r\nFOO=bar\r\n")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"FOO": "bar"}, cmd.Env)
}

func TestParseCommand_NotACommand(t *testing.T) {
	for _, body := range []string{
		"",
		"looks good to me",
		"gorkon",
		"gorkon run",
		"gorkon dance make test",
		"please gorkon run make test",
	} {
		_, ok := ParseCommand(body)
		assert.False(t, ok, "body %q parsed as a command", body)
	}
}
