package pipeline

import (
	"time"
)

// RunStatus is the overall outcome of a workflow run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
	RunError     RunStatus = "error"
)

// StepStatus is the outcome of one node.
type StepStatus string

const (
	StepOK     StepStatus = "ok"
	StepHalted StepStatus = "halted"
	StepError  StepStatus = "error"
)

// Step is the recorded result of one node.
type Step struct {
	Node      string     `json:"node"`
	Pipelet   string     `json:"pipelet,omitempty"`
	Status    StepStatus `json:"status"`
	Message   Message    `json:"message,omitempty"`
	Context   Context    `json:"context,omitempty"`
	Error     *NodeError `json:"error,omitempty"`
	Debug     string     `json:"debug,omitempty"`
	ElapsedMs int64      `json:"elapsedMs"`
}

// Run is one execution of a workflow against one event. It is immutable
// once returned by the engine.
type Run struct {
	ID           string    `json:"id"`
	WorkflowID   string    `json:"workflowId"`
	WorkflowName string    `json:"workflowName"`
	Event        string    `json:"event"`
	Status       RunStatus `json:"status"`
	Steps        []Step    `json:"steps"`
	Message      Message   `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}
