package pipeline

import (
	"container/heap"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Node is one pipelet invocation in a workflow graph. Code, when set,
// overrides the code of the referenced pipelet.
type Node struct {
	ID      string `json:"id" yaml:"id"`
	Pipelet string `json:"pipelet,omitempty" yaml:"pipelet,omitempty"`
	Code    string `json:"code,omitempty" yaml:"code,omitempty"`
}

// Edge connects the output of From to the input of To.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Graph is the node/edge definition of a workflow.
type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Workflow binds a graph to a triggering event.
type Workflow struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Event string `json:"event" yaml:"event"`
	Graph Graph  `json:"graph" yaml:"graph"`
}

// GraphValidationError rejects a malformed or cyclic workflow graph.
type GraphValidationError struct {
	WorkflowID string
	Reason     string
	Nodes      []string
}

func (e *GraphValidationError) Error() string {
	msg := fmt.Sprintf("workflow %q: %s", e.WorkflowID, e.Reason)
	if len(e.Nodes) > 0 {
		msg += " (" + strings.Join(e.Nodes, ", ") + ")"
	}
	return msg
}

// Plan is the validated execution order of a workflow graph.
type Plan struct {
	Workflow    Workflow
	Order       []Node
	Root        string
	Fingerprint string

	preds map[string][]string
}

// Predecessors returns the ids of the nodes feeding id, in execution order.
func (p *Plan) Predecessors(id string) []string {
	return p.preds[id]
}

// Compile validates wf and computes its execution order. Node ids are
// ordered topologically with ties broken lexicographically, so a graph
// always compiles to the same plan.
func Compile(wf Workflow) (*Plan, error) {
	invalid := func(reason string, nodes ...string) error {
		return &GraphValidationError{WorkflowID: wf.ID, Reason: reason, Nodes: nodes}
	}

	if len(wf.Graph.Nodes) == 0 {
		return nil, invalid("graph has no nodes")
	}

	nodes := make(map[string]Node, len(wf.Graph.Nodes))
	for _, n := range wf.Graph.Nodes {
		if n.ID == "" {
			return nil, invalid("node with empty id")
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, invalid("duplicate node id", n.ID)
		}
		if n.Code == "" && n.Pipelet == "" {
			return nil, invalid("node has neither code nor pipelet", n.ID)
		}
		nodes[n.ID] = n
	}

	indegree := make(map[string]int, len(nodes))
	adjacency := make(map[string][]string, len(nodes))
	seen := make(map[Edge]bool)
	for id := range nodes {
		indegree[id] = 0
	}
	for _, e := range wf.Graph.Edges {
		if _, ok := nodes[e.From]; !ok {
			return nil, invalid("edge from unknown node", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return nil, invalid("edge to unknown node", e.To)
		}
		if e.From == e.To {
			return nil, invalid("self-loop", e.From)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		adjacency[e.From] = append(adjacency[e.From], e.To)
		indegree[e.To]++
	}

	var roots []string
	for id, d := range indegree {
		if d == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	if len(roots) == 0 {
		return nil, invalid("cycle detected: no root node")
	}
	if len(roots) > 1 {
		return nil, invalid("graph must have exactly one root node", roots...)
	}

	ready := &stringHeap{}
	heap.Push(ready, roots[0])
	remaining := make(map[string]int, len(indegree))
	for id, d := range indegree {
		remaining[id] = d
	}

	order := make([]Node, 0, len(nodes))
	position := make(map[string]int, len(nodes))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		position[id] = len(order)
		order = append(order, nodes[id])
		for _, next := range adjacency[id] {
			remaining[next]--
			if remaining[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(order) != len(nodes) {
		var cyclic []string
		for id, d := range remaining {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, invalid("cycle detected", cyclic...)
	}

	preds := make(map[string][]string, len(nodes))
	for from, tos := range adjacency {
		for _, to := range tos {
			preds[to] = append(preds[to], from)
		}
	}
	for id := range preds {
		p := preds[id]
		sort.Slice(p, func(i, j int) bool { return position[p[i]] < position[p[j]] })
	}

	fingerprint, err := Fingerprint(wf.Graph)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Workflow:    wf,
		Order:       order,
		Root:        roots[0],
		Fingerprint: fingerprint,
		preds:       preds,
	}, nil
}

// Fingerprint returns a BLAKE3 digest of the graph definition.
func Fingerprint(g Graph) (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("fingerprint graph: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

type stringHeap []string

func (h stringHeap) Len() int            { return len(h) }
func (h stringHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h stringHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *stringHeap) Push(x interface{}) { *h = append(*h, x.(string)) }
func (h *stringHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
