package pipeline

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPythonSandbox(t *testing.T) *SandboxRunner {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	r, err := NewSandboxRunner("python3 -I", 1<<16)
	require.NoError(t, err)
	return r
}

func runSandbox(t *testing.T, r *SandboxRunner, code string, msg Message, c Context, timeout time.Duration) (Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Run(ctx, Invocation{Node: "n1", Pipelet: "p1", Code: code, Message: msg, Context: c})
}

func TestSandboxReturnsMessageAndContext(t *testing.T) {
	r := newPythonSandbox(t)
	code := `
def run(message, context):
    context["seen"] = message["idTag"]
    message["checked"] = True
    return message
`
	c := Context{"cp_id": "CP1"}
	out, err := runSandbox(t, r, code, Message{"idTag": "T"}, c, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Message{"idTag": "T", "checked": true}, out)
	assert.Equal(t, "T", c["seen"])
	assert.Equal(t, "CP1", c["cp_id"])
}

func TestSandboxNoneHalts(t *testing.T) {
	r := newPythonSandbox(t)
	_, err := runSandbox(t, r, "def run(message, context):\n    return None\n", Message{}, Context{}, 5*time.Second)
	assert.ErrorIs(t, err, ErrHalt)
}

func TestSandboxFailures(t *testing.T) {
	r := newPythonSandbox(t)

	tests := []struct {
		name    string
		code    string
		timeout time.Duration
		kind    string
	}{
		{"exception", "def run(message, context):\n    raise ValueError('bad input')\n", 5 * time.Second, ErrorKindException},
		{"syntax", "def run(message, context)\n    return message\n", 5 * time.Second, ErrorKindSyntax},
		{"timeout", "import time\ndef run(message, context):\n    time.sleep(10)\n", 300 * time.Millisecond, ErrorKindTimeout},
		{"not an object", "def run(message, context):\n    return [1, 2]\n", 5 * time.Second, ErrorKindProtocol},
		{"stray output", "import sys\ndef run(message, context):\n    sys.__stdout__.write('hello')\n    return message\n", 5 * time.Second, ErrorKindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runSandbox(t, r, tt.code, Message{}, Context{}, tt.timeout)
			var nerr *NodeError
			require.ErrorAs(t, err, &nerr)
			assert.Equal(t, tt.kind, nerr.Kind)
			assert.Equal(t, "n1", nerr.Node)
		})
	}
}

func TestSandboxExceptionMessage(t *testing.T) {
	r := newPythonSandbox(t)
	_, err := runSandbox(t, r, "def run(message, context):\n    raise ValueError('bad input')\n", Message{}, Context{}, 5*time.Second)
	var nerr *NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "ValueError: bad input", nerr.Message)
}

func TestSandboxCapturesPrintedOutput(t *testing.T) {
	r := newPythonSandbox(t)
	code := `
def run(message, context):
    print("checking", message["idTag"])
    return message
`
	var debug strings.Builder
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := r.Run(ctx, Invocation{Node: "n1", Code: code, Message: Message{"idTag": "T"}, Context: Context{}, Debug: &debug})
	require.NoError(t, err)
	assert.Equal(t, "T", out["idTag"])
	assert.Equal(t, "checking T\n", debug.String())
}

func TestSandboxEnvironmentIsEmpty(t *testing.T) {
	r := newPythonSandbox(t)
	t.Setenv("PIPELET_SECRET", "hunter2")
	code := `
import os
def run(message, context):
    return {"secret": os.environ.get("PIPELET_SECRET")}
`
	out, err := runSandbox(t, r, code, Message{}, Context{}, 5*time.Second)
	require.NoError(t, err)
	assert.Nil(t, out["secret"])
}

func TestNewSandboxRunnerRequiresInterpreter(t *testing.T) {
	_, err := NewSandboxRunner("  ", 0)
	assert.Error(t, err)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.True(t, b.truncated)
	assert.Equal(t, "abcd", b.String())
}
