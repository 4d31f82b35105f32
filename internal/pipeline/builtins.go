package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// BuiltinPrefix marks pipelet code that names a builtin instead of carrying
// a body for the sandbox.
const BuiltinPrefix = "builtin:"

// Builtin is a pipelet implemented natively.
type Builtin struct {
	Name        string
	Title       string
	Event       string
	Description string
	run         func(ctx context.Context, r *DispatchRunner, inv Invocation) (Message, error)
}

// Code returns the code reference that selects the builtin.
func (b Builtin) Code() string {
	return BuiltinPrefix + b.Name
}

var builtins = []Builtin{
	{
		Name:        "debug-template",
		Title:       "Debug Template",
		Event:       "StartTransaction",
		Description: "Adds a _debug field with the charge point id.",
		run:         runDebugTemplate,
	},
	{
		Name:        "meter-transformer",
		Title:       "Start Meter Transformer",
		Event:       "StartTransaction",
		Description: "Renames meterStart to meter_start and sets source=ocpp.",
		run:         runMeterTransformer,
	},
	{
		Name:        "event-filter",
		Title:       "Event Filter",
		Event:       "StartTransaction",
		Description: "Lets only StartTransaction events pass and halts all others.",
		run:         runEventFilter,
	},
	{
		Name:        "routing-decision",
		Title:       "Routing Decision",
		Event:       "StartTransaction",
		Description: "Stores a routing target in route_to.cpms based on the charge point id.",
		run:         runRoutingDecision,
	},
	{
		Name:        "http-webhook",
		Title:       "HTTP Webhook",
		Event:       "StartTransaction",
		Description: "POSTs the message to context.webhook_url and continues.",
		run:         runHTTPWebhook,
	},
	{
		Name:        "mqtt-publish",
		Title:       "MQTT Publish (Stub)",
		Event:       "StartTransaction",
		Description: "Records an MQTT publish to context.mqtt_topic in the __log context entry.",
		run:         runMQTTPublish,
	},
	{
		Name:        "structured-logger",
		Title:       "Structured Logger",
		Event:       "StartTransaction",
		Description: "Appends a structured entry to the __log context entry.",
		run:         runStructuredLogger,
	},
}

// Builtins returns the builtin pipelet catalog.
func Builtins() []Builtin {
	return append([]Builtin(nil), builtins...)
}

// LookupBuiltin resolves a builtin code reference.
func LookupBuiltin(code string) (Builtin, bool) {
	name := strings.TrimSpace(code)
	if !strings.HasPrefix(name, BuiltinPrefix) {
		return Builtin{}, false
	}
	name = strings.TrimPrefix(name, BuiltinPrefix)
	for _, b := range builtins {
		if b.Name == name {
			return b, true
		}
	}
	return Builtin{}, false
}

// DispatchRunner runs builtin references natively and everything else in
// the sandbox.
type DispatchRunner struct {
	Sandbox    Runner
	HTTPClient *http.Client
	Now        func() time.Time
}

// Run executes inv with the matching runner.
func (r *DispatchRunner) Run(ctx context.Context, inv Invocation) (Message, error) {
	if strings.HasPrefix(strings.TrimSpace(inv.Code), BuiltinPrefix) {
		b, ok := LookupBuiltin(inv.Code)
		if !ok {
			return nil, &NodeError{Node: inv.Node, Pipelet: inv.Pipelet, Kind: ErrorKindConfiguration, Message: fmt.Sprintf("unknown builtin %q", inv.Code)}
		}
		if inv.Context == nil {
			inv.Context = Context{}
		}
		return b.run(ctx, r, inv)
	}
	if r.Sandbox == nil {
		return nil, &NodeError{Node: inv.Node, Pipelet: inv.Pipelet, Kind: ErrorKindConfiguration, Message: "no sandbox configured"}
	}
	return r.Sandbox.Run(ctx, inv)
}

func (r *DispatchRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func runDebugTemplate(_ context.Context, _ *DispatchRunner, inv Invocation) (Message, error) {
	out := clone(inv.Message)
	out["_debug"] = fmt.Sprintf("cp=%v", contextString(inv.Context, "cp_id", "unknown"))
	return out, nil
}

func runMeterTransformer(_ context.Context, _ *DispatchRunner, inv Invocation) (Message, error) {
	out := clone(inv.Message)
	if v, ok := out["meterStart"]; ok {
		out["meter_start"] = v
		delete(out, "meterStart")
	}
	if _, ok := out["source"]; !ok {
		out["source"] = "ocpp"
	}
	return out, nil
}

func runEventFilter(_ context.Context, _ *DispatchRunner, inv Invocation) (Message, error) {
	if inv.Context["event"] != "StartTransaction" {
		return nil, ErrHalt
	}
	return inv.Message, nil
}

func runRoutingDecision(_ context.Context, _ *DispatchRunner, inv Invocation) (Message, error) {
	target := "B"
	if cpID, ok := inv.Context["cp_id"].(string); ok && strings.HasSuffix(cpID, "1") {
		target = "A"
	}
	route, ok := inv.Context["route_to"].(map[string]interface{})
	if !ok {
		route = make(map[string]interface{})
		inv.Context["route_to"] = route
	}
	route["cpms"] = target
	return inv.Message, nil
}

func runHTTPWebhook(ctx context.Context, r *DispatchRunner, inv Invocation) (Message, error) {
	url, _ := inv.Context["webhook_url"].(string)
	if url == "" {
		return inv.Message, nil
	}
	if err := postJSON(ctx, r.HTTPClient, url, inv.Message); err != nil {
		inv.Context["webhook_error"] = err.Error()
	}
	return inv.Message, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body interface{}) error {
	if client == nil {
		client = &http.Client{Timeout: time.Second}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func runMQTTPublish(_ context.Context, _ *DispatchRunner, inv Invocation) (Message, error) {
	topic := contextString(inv.Context, "mqtt_topic", "ocpp/pipelet")
	appendLog(inv.Context, map[string]interface{}{
		"level":   "info",
		"message": fmt.Sprintf("MQTT publish to %s (stub)", topic),
	})
	return inv.Message, nil
}

func runStructuredLogger(_ context.Context, r *DispatchRunner, inv Invocation) (Message, error) {
	appendLog(inv.Context, map[string]interface{}{
		"level":     "info",
		"timestamp": r.now().UTC().Format(time.RFC3339Nano),
		"message":   "Pipelet executed",
	})
	return inv.Message, nil
}

func appendLog(c Context, entry map[string]interface{}) {
	entries, _ := c["__log"].([]interface{})
	c["__log"] = append(entries, entry)
}

func contextString(c Context, key, fallback string) string {
	if v, ok := c[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return fallback
}
