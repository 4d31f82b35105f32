package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/balu-dk/go-pipelets/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultEvents are the events workflows may be bound to.
var DefaultEvents = []string{
	"BootNotification",
	"Heartbeat",
	"Authorize",
	"StartTransaction",
	"StopTransaction",
	"StatusNotification",
}

// Definitions resolves workflow and pipelet definitions.
type Definitions interface {
	WorkflowsForEvent(ctx context.Context, event string) ([]Workflow, error)
	PipeletCode(ctx context.Context, pipeletID string) (string, error)
	SaveWorkflow(ctx context.Context, wf Workflow) error
}

// RunStore receives finished runs.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
}

// Options configures an Engine.
type Options struct {
	Definitions Definitions
	Runs        RunStore
	Runner      Runner
	Events      logbus.Publisher
	Metrics     *metrics.Metrics
	// NodeTimeout bounds every pipelet invocation.
	NodeTimeout time.Duration
	// AllowedEvents restricts the events workflows can be registered for.
	AllowedEvents []string
	Now           func() time.Time
}

// Engine executes workflow graphs in response to events. Compiled plans are
// cached by graph fingerprint.
type Engine struct {
	opts    Options
	allowed map[string]bool

	mu    sync.RWMutex
	plans map[string]*Plan

	wg sync.WaitGroup
}

// NewEngine creates a new pipeline engine
func NewEngine(opts Options) (*Engine, error) {
	if opts.Definitions == nil {
		return nil, errors.New("pipeline engine requires a definitions store")
	}
	if opts.Runner == nil {
		return nil, errors.New("pipeline engine requires a runner")
	}
	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = 1500 * time.Millisecond
	}
	if len(opts.AllowedEvents) == 0 {
		opts.AllowedEvents = DefaultEvents
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	allowed := make(map[string]bool, len(opts.AllowedEvents))
	for _, ev := range opts.AllowedEvents {
		allowed[ev] = true
	}
	return &Engine{
		opts:    opts,
		allowed: allowed,
		plans:   make(map[string]*Plan),
	}, nil
}

// Register validates wf, stores it and caches its plan. Cyclic or malformed
// graphs are rejected with a *GraphValidationError and never stored.
func (e *Engine) Register(ctx context.Context, wf Workflow) (*Plan, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Name == "" {
		wf.Name = wf.ID
	}
	if !e.allowed[wf.Event] {
		return nil, &GraphValidationError{WorkflowID: wf.ID, Reason: fmt.Sprintf("unsupported event %q", wf.Event)}
	}

	plan, err := Compile(wf)
	if err != nil {
		return nil, err
	}
	if err := e.opts.Definitions.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	e.cache(plan)

	logrus.WithFields(logrus.Fields{
		"workflowID": wf.ID,
		"event":      wf.Event,
		"nodes":      len(plan.Order),
	}).Info("Workflow registered")
	return plan, nil
}

func (e *Engine) cache(p *Plan) {
	e.mu.Lock()
	e.plans[p.Fingerprint] = p
	e.mu.Unlock()
}

// plan returns the cached plan for wf, compiling it on first use.
func (e *Engine) plan(wf Workflow) (*Plan, error) {
	fingerprint, err := Fingerprint(wf.Graph)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	cached, ok := e.plans[fingerprint]
	e.mu.RUnlock()
	if ok {
		p := *cached
		p.Workflow = wf
		return &p, nil
	}

	p, err := Compile(wf)
	if err != nil {
		return nil, err
	}
	e.cache(p)
	return p, nil
}

// Fire runs the workflows bound to event in the background. Started runs
// always finish; Wait blocks until they have.
func (e *Engine) Fire(event string, message, vars map[string]interface{}) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.RunEvent(context.Background(), event, Message(message), Context(vars)); err != nil {
			logrus.WithError(err).WithField("event", event).Error("Failed to run workflows")
		}
	}()
}

// Wait blocks until every run started by Fire has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// RunEvent runs every workflow bound to event concurrently, each with its
// own copy of message and vars.
func (e *Engine) RunEvent(ctx context.Context, event string, message Message, vars Context) ([]Run, error) {
	workflows, err := e.opts.Definitions.WorkflowsForEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("resolve workflows for %s: %w", event, err)
	}

	runs := make([]*Run, len(workflows))
	var g errgroup.Group
	for i, wf := range workflows {
		i, wf := i, wf
		g.Go(func() error {
			plan, err := e.plan(wf)
			if err != nil {
				logrus.WithError(err).WithField("workflowID", wf.ID).Warn("Skipping invalid workflow")
				e.publish(fmt.Sprintf("workflow %s skipped: %v", wf.Name, err))
				return nil
			}
			run := e.Execute(ctx, plan, event, clone(message), clone(vars))
			runs[i] = &run
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Run, 0, len(runs))
	for _, r := range runs {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Execute walks plan in topological order. The root receives message; every
// other node receives the output of its latest predecessor. A halt ends the
// run as completed, a node error ends it as error, and cancellation of ctx
// between nodes ends it as aborted.
func (e *Engine) Execute(ctx context.Context, plan *Plan, event string, message Message, vars Context) Run {
	run := Run{
		ID:           uuid.NewString(),
		WorkflowID:   plan.Workflow.ID,
		WorkflowName: plan.Workflow.Name,
		Event:        event,
		Status:       RunCompleted,
		StartedAt:    e.opts.Now().UTC(),
	}
	if vars == nil {
		vars = Context{}
	}

	outputs := make(map[string]Message, len(plan.Order))
	current := message

loop:
	for _, node := range plan.Order {
		if err := ctx.Err(); err != nil {
			run.Status = RunAborted
			run.Error = err.Error()
			break
		}

		input := message
		if preds := plan.Predecessors(node.ID); len(preds) > 0 {
			input = outputs[preds[len(preds)-1]]
		}

		step := e.invoke(ctx, plan, event, node, input, vars)
		run.Steps = append(run.Steps, step)

		switch step.Status {
		case StepOK:
			outputs[node.ID] = step.Message
			current = step.Message
		case StepHalted:
			break loop
		case StepError:
			run.Status = RunError
			run.Error = step.Error.Error()
			break loop
		}
	}

	run.Message = current
	run.FinishedAt = e.opts.Now().UTC()
	e.opts.Metrics.WorkflowRun(string(run.Status))
	e.save(run)

	logrus.WithFields(logrus.Fields{
		"workflowID": run.WorkflowID,
		"event":      event,
		"runID":      run.ID,
		"status":     run.Status,
		"steps":      len(run.Steps),
	}).Info("Workflow run finished")
	return run
}

// invoke runs one node and publishes its pipeline log entry.
func (e *Engine) invoke(ctx context.Context, plan *Plan, event string, node Node, input Message, vars Context) Step {
	step := e.runNode(ctx, plan.Workflow.ID, node, input, vars, e.opts.NodeTimeout)
	e.publishStep(stepLog{
		Workflow:   plan.Workflow.Name,
		WorkflowID: plan.Workflow.ID,
		Event:      event,
	}, input, step)
	return step
}

// TestResult is the outcome of running a single pipelet outside a workflow.
// Result is nil when the pipelet halted or failed.
type TestResult struct {
	Result    Message    `json:"result"`
	Debug     string     `json:"debug"`
	Error     *NodeError `json:"error"`
	Status    StepStatus `json:"status"`
	ElapsedMs int64      `json:"elapsedMs"`
}

// MaxTestTimeout bounds the timeout a pipelet test may ask for.
const MaxTestTimeout = 30 * time.Second

// TestPipelet runs the stored pipelet pipeletID once against message and
// vars and publishes the outcome as a pipeline entry. A timeout of zero
// uses the node timeout. It fails only when the pipelet cannot be resolved.
func (e *Engine) TestPipelet(ctx context.Context, pipeletID string, message Message, vars Context, timeout time.Duration) (TestResult, error) {
	code, err := e.opts.Definitions.PipeletCode(ctx, pipeletID)
	if err != nil {
		return TestResult{}, fmt.Errorf("resolve pipelet %s: %w", pipeletID, err)
	}
	if timeout <= 0 {
		timeout = e.opts.NodeTimeout
	}
	if timeout > MaxTestTimeout {
		timeout = MaxTestTimeout
	}
	if message == nil {
		message = Message{}
	}
	if vars == nil {
		vars = Context{}
	}

	node := Node{ID: pipeletID, Pipelet: pipeletID, Code: code}
	step := e.runNode(ctx, "", node, message, vars, timeout)
	e.publishStep(stepLog{Event: contextString(vars, "event", ""), Test: true}, message, step)

	logrus.WithFields(logrus.Fields{
		"pipeletID": pipeletID,
		"status":    step.Status,
	}).Info("Pipelet test finished")
	return TestResult{
		Result:    step.Message,
		Debug:     step.Debug,
		Error:     step.Error,
		Status:    step.Status,
		ElapsedMs: step.ElapsedMs,
	}, nil
}

// runNode invokes one node under timeout and records its outcome.
func (e *Engine) runNode(ctx context.Context, workflowID string, node Node, input Message, vars Context, timeout time.Duration) Step {
	step := Step{Node: node.ID, Pipelet: node.Pipelet}
	started := time.Now()

	var debug strings.Builder
	out, err := e.call(ctx, workflowID, node, input, vars, timeout, &debug)
	elapsed := time.Since(started)
	step.ElapsedMs = elapsed.Milliseconds()
	step.Debug = debug.String()

	switch {
	case err == nil && out == nil, errors.Is(err, ErrHalt):
		step.Status = StepHalted
	case err != nil:
		step.Status = StepError
		step.Error = asNodeError(node, err)
	default:
		step.Status = StepOK
		step.Message = out
	}
	step.Context = clone(vars)

	e.opts.Metrics.NodeDuration(string(step.Status), elapsed)
	return step
}

func (e *Engine) call(ctx context.Context, workflowID string, node Node, input Message, vars Context, timeout time.Duration, debug io.Writer) (out Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &NodeError{Node: node.ID, Pipelet: node.Pipelet, Kind: ErrorKindPanic, Message: fmt.Sprint(r)}
		}
	}()

	code := node.Code
	if code == "" {
		code, err = e.opts.Definitions.PipeletCode(ctx, node.Pipelet)
		if err != nil {
			return nil, &NodeError{Node: node.ID, Pipelet: node.Pipelet, Kind: ErrorKindConfiguration, Message: err.Error()}
		}
	}

	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return e.opts.Runner.Run(nodeCtx, Invocation{
		Workflow: workflowID,
		Node:     node.ID,
		Pipelet:  node.Pipelet,
		Code:     code,
		Message:  clone(input),
		Context:  vars,
		Debug:    debug,
	})
}

func asNodeError(node Node, err error) *NodeError {
	var nerr *NodeError
	if errors.As(err, &nerr) {
		out := *nerr
		out.Node = node.ID
		if out.Pipelet == "" {
			out.Pipelet = node.Pipelet
		}
		return &out
	}
	kind := ErrorKindException
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrorKindTimeout
	}
	return &NodeError{Node: node.ID, Pipelet: node.Pipelet, Kind: kind, Message: err.Error()}
}

const summaryLimit = 512

// stepLog is the JSON body of a pipeline log entry.
type stepLog struct {
	Workflow   string     `json:"workflow,omitempty"`
	WorkflowID string     `json:"workflowId,omitempty"`
	Event      string     `json:"event,omitempty"`
	Test       bool       `json:"test,omitempty"`
	Node       string     `json:"node"`
	Pipelet    string     `json:"pipelet,omitempty"`
	Status     StepStatus `json:"status"`
	Input      string     `json:"input"`
	Output     string     `json:"output,omitempty"`
	Error      *NodeError `json:"error,omitempty"`
	Debug      string     `json:"debug,omitempty"`
	ElapsedMs  int64      `json:"elapsedMs"`
}

func (e *Engine) publishStep(entry stepLog, input Message, step Step) {
	entry.Node = step.Node
	entry.Pipelet = step.Pipelet
	entry.Status = step.Status
	entry.Input = summarize(input)
	entry.Error = step.Error
	entry.Debug = step.Debug
	entry.ElapsedMs = step.ElapsedMs
	if step.Status == StepOK {
		entry.Output = summarize(step.Message)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		logrus.WithError(err).Error("Failed to encode pipeline log entry")
		return
	}
	e.publish(string(data))
}

func (e *Engine) publish(message string) {
	if e.opts.Events == nil {
		return
	}
	e.opts.Events.Publish(logbus.SourcePipeline, message)
}

func (e *Engine) save(run Run) {
	if e.opts.Runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.opts.Runs.SaveRun(ctx, run); err != nil {
		logrus.WithError(err).WithField("runID", run.ID).Error("Failed to save workflow run")
	}
}

func summarize(m Message) string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	if len(data) > summaryLimit {
		return string(data[:summaryLimit]) + "..."
	}
	return string(data)
}
