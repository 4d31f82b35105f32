package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrHalt is returned by a pipelet to stop the run cleanly. Remaining nodes
// are skipped and the run still completes.
var ErrHalt = errors.New("pipeline halted")

// Message is the JSON object flowing through a workflow.
type Message map[string]interface{}

// Context is the key-value state shared by every node of one run.
type Context map[string]interface{}

// Invocation is one call of a pipelet.
type Invocation struct {
	Workflow string
	Node     string
	Pipelet  string
	Code     string
	Message  Message
	Context  Context
	// Debug, when set, receives what the pipelet printed.
	Debug io.Writer
}

// Runner executes pipelet code. It returns the replacement message or
// ErrHalt, and may mutate inv.Context.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Message, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, inv Invocation) (Message, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, inv Invocation) (Message, error) {
	return f(ctx, inv)
}

// Error kinds reported for failed nodes.
const (
	ErrorKindException     = "Exception"
	ErrorKindSyntax        = "SyntaxError"
	ErrorKindProtocol      = "ProtocolError"
	ErrorKindTimeout       = "Timeout"
	ErrorKindConfiguration = "ConfigurationError"
	ErrorKindPanic         = "Panic"
)

// NodeError is a failed pipelet invocation.
type NodeError struct {
	Node    string `json:"node"`
	Pipelet string `json:"pipelet,omitempty"`
	Kind    string `json:"type"`
	Message string `json:"message"`
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %s", e.Node, e.Kind, e.Message)
}

// clone deep-copies a JSON-shaped value so runs never share nested maps.
func clone[T ~map[string]interface{}](m T) T {
	if m == nil {
		return T{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(T, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		out = make(T, len(m))
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
