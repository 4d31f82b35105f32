package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// wrapperTemplate embeds pipelet code in a script that reads
// {"message","context"} from stdin and writes {"result","context"} to stdout.
// Pipelet prints go to stderr and become the debug output.
const wrapperTemplate = `import json, sys
inp = json.loads(sys.stdin.read() or "{}")
message = inp.get("message")
context = inp.get("context") or {}
_pipelet_stdout, sys.stdout = sys.stdout, sys.stderr
{CODE}
out = run(message, context)
_pipelet_stdout.write(json.dumps({"result": out, "context": context}, default=str))
`

// debugLimit caps the debug output kept per invocation.
const debugLimit = 4096

// SandboxRunner executes pipelet code in a child interpreter process with
// an empty environment, a private working directory, capped output and the
// deadline of the invocation context.
type SandboxRunner struct {
	interpreter []string
	maxOutput   int
}

// NewSandboxRunner creates a runner for interpreter, e.g. "python3 -I".
func NewSandboxRunner(interpreter string, maxOutput int) (*SandboxRunner, error) {
	fields := strings.Fields(interpreter)
	if len(fields) == 0 {
		return nil, errors.New("sandbox interpreter is empty")
	}
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	return &SandboxRunner{interpreter: fields, maxOutput: maxOutput}, nil
}

type sandboxInput struct {
	Message Message `json:"message"`
	Context Context `json:"context"`
}

type sandboxOutput struct {
	Result  json.RawMessage `json:"result"`
	Context Context         `json:"context"`
}

// Run executes inv.Code. A null result halts the run; the returned context
// replaces inv.Context in place.
func (r *SandboxRunner) Run(ctx context.Context, inv Invocation) (Message, error) {
	fail := func(kind, format string, args ...interface{}) error {
		return &NodeError{Node: inv.Node, Pipelet: inv.Pipelet, Kind: kind, Message: fmt.Sprintf(format, args...)}
	}

	dir, err := os.MkdirTemp("", "pipelet-*")
	if err != nil {
		return nil, fail(ErrorKindConfiguration, "create sandbox dir: %v", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "pipelet.py")
	source := strings.Replace(wrapperTemplate, "{CODE}", inv.Code, 1)
	if err := os.WriteFile(script, []byte(source), 0o600); err != nil {
		return nil, fail(ErrorKindConfiguration, "write pipelet: %v", err)
	}

	input, err := json.Marshal(sandboxInput{Message: inv.Message, Context: inv.Context})
	if err != nil {
		return nil, fail(ErrorKindProtocol, "encode input: %v", err)
	}

	args := append(append([]string{}, r.interpreter[1:]...), script)
	cmd := exec.CommandContext(ctx, r.interpreter[0], args...)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONIOENCODING=utf-8",
	}
	cmd.Stdin = bytes.NewReader(input)
	stdout := &cappedBuffer{limit: r.maxOutput}
	stderr := &cappedBuffer{limit: r.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 100 * time.Millisecond
	isolateProcess(cmd)

	started := time.Now()
	runErr := cmd.Run()
	if inv.Debug != nil && stderr.Len() > 0 {
		debug := stderr.Bytes()
		if len(debug) > debugLimit {
			debug = append(debug[:debugLimit:debugLimit], "..."...)
		}
		_, _ = inv.Debug.Write(debug)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fail(ErrorKindTimeout, "execution exceeded %s", time.Since(started).Round(time.Millisecond))
		}
		return nil, fail(ErrorKindException, "execution cancelled: %v", ctxErr)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fail(ErrorKindConfiguration, "start interpreter: %v", runErr)
		}
		debug := stderr.String()
		kind := ErrorKindException
		if strings.Contains(debug, "SyntaxError") {
			kind = ErrorKindSyntax
		}
		return nil, fail(kind, "%s", lastLine(debug, "pipelet execution failed"))
	}
	if stdout.truncated {
		return nil, fail(ErrorKindProtocol, "output exceeds %d bytes", r.maxOutput)
	}

	var out sandboxOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fail(ErrorKindProtocol, "invalid JSON output from pipelet")
	}
	if out.Context != nil && inv.Context != nil {
		for k := range inv.Context {
			if _, ok := out.Context[k]; !ok {
				delete(inv.Context, k)
			}
		}
		for k, v := range out.Context {
			inv.Context[k] = v
		}
	}

	result := bytes.TrimSpace(out.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, ErrHalt
	}
	var msg Message
	if err := json.Unmarshal(result, &msg); err != nil {
		return nil, fail(ErrorKindProtocol, "pipelet must return an object or None")
	}
	return msg, nil
}

func lastLine(s, fallback string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return last
	}
	return fallback
}

// cappedBuffer keeps at most limit bytes and silently discards the rest so
// a chatty child never blocks on a full pipe.
type cappedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
