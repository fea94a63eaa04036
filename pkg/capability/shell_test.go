package capability

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/hostbridge/pkg/dispatcher"
)

func skipWithoutPosixShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("capability:shell_test - requires a POSIX shell")
	}
}

func TestShellExec_DisabledIsPermissionDenied(t *testing.T) {
	f := newFixture(t, Options{ShellEnabled: false})
	requireCode(t, f.invoke("shell.exec", dispatcher.Params{"command": "echo hi"}), dispatcher.CodePermissionDenied)
}

func TestShellExec_CapturesOutputAndExitCode(t *testing.T) {
	skipWithoutPosixShell(t)
	f := newFixture(t, Options{ShellEnabled: true})

	p := payloadMap(t, f.invoke("shell.exec", dispatcher.Params{"command": "echo out; echo err >&2; exit 3"}))
	assert.Equal(t, 3, p["exitCode"])
	assert.Equal(t, "out\n", p["stdout"])
	assert.Equal(t, "err\n", p["stderr"])
	assert.Equal(t, false, p["timedOut"])
}

func TestShellExec_ArgvStdinAndEnv(t *testing.T) {
	skipWithoutPosixShell(t)
	f := newFixture(t, Options{ShellEnabled: true})

	p := payloadMap(t, f.invoke("shell.exec", dispatcher.Params{
		"argv":  []interface{}{"/bin/sh", "-c", "cat; printf %s \"$BRIDGE_TEST_VAR\""},
		"stdin": "in-",
		"env":   map[string]interface{}{"BRIDGE_TEST_VAR": "env"},
	}))
	assert.Equal(t, "in-env", p["stdout"])
}

func TestShellExec_TimeoutIsFlaggedSuccess(t *testing.T) {
	skipWithoutPosixShell(t)
	f := newFixture(t, Options{ShellEnabled: true})

	p := payloadMap(t, f.invoke("shell.exec", dispatcher.Params{"command": "sleep 5", "timeoutMs": 100}))
	assert.Equal(t, true, p["timedOut"])
	assert.Equal(t, -1, p["exitCode"])
}

func TestShellExec_HugeTimeoutIsCapped(t *testing.T) {
	skipWithoutPosixShell(t)
	f := newFixture(t, Options{ShellEnabled: true})

	p := payloadMap(t, f.invoke("shell.exec", dispatcher.Params{"command": "echo hi", "timeoutMs": int64(10_000_000_000_000)}))
	assert.Equal(t, false, p["timedOut"])
	assert.Equal(t, 0, p["exitCode"])
	assert.Equal(t, "hi\n", p["stdout"])
}

func TestShellExec_OutputIsCapped(t *testing.T) {
	skipWithoutPosixShell(t)
	f := newFixture(t, Options{ShellEnabled: true, ShellMaxOutput: 4})

	p := payloadMap(t, f.invoke("shell.exec", dispatcher.Params{"command": "printf 0123456789"}))
	assert.Equal(t, "0123", p["stdout"])
	assert.Equal(t, true, p["truncated"])
}

func TestShellExec_RequiresCommandOrArgv(t *testing.T) {
	f := newFixture(t, Options{ShellEnabled: true})
	requireCode(t, f.invoke("shell.exec", dispatcher.Params{}), dispatcher.CodeInvalidParams)
}

func TestShellWhich(t *testing.T) {
	skipWithoutPosixShell(t)
	f := newFixture(t, Options{})

	p := payloadMap(t, f.invoke("shell.which", dispatcher.Params{"name": "sh"}))
	require.Equal(t, true, p["found"])
	assert.NotEmpty(t, p["path"])

	p = payloadMap(t, f.invoke("shell.which", dispatcher.Params{"name": "definitely-not-a-binary-xyz"}))
	assert.Equal(t, false, p["found"])
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, dispatcher.Params{"B": "20", "D": "4", "C": "3"})
	assert.Equal(t, []string{"A=1", "B=20", "C=3", "D=4"}, got)
}
