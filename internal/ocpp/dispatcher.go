package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/balu-dk/go-pipelets/internal/db/models"
	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/balu-dk/go-pipelets/internal/metrics"
	"github.com/sirupsen/logrus"
)

// DispatcherConfig holds the protocol settings of the central system
type DispatcherConfig struct {
	// HeartbeatInterval is returned to charge points on boot, in seconds.
	HeartbeatInterval int
	// CallTimeout bounds server-initiated calls.
	CallTimeout time.Duration
	// FaultThreshold is the number of consecutive protocol violations that
	// moves a session to Faulted.
	FaultThreshold int
	// Triggers lists the inbound actions that fire workflows.
	Triggers []Action
}

// WorkflowTrigger starts the workflows bound to an event. Fire must return
// without waiting for the runs.
type WorkflowTrigger interface {
	Fire(event string, message, vars map[string]interface{})
}

// TransactionRecorder persists transaction changes.
type TransactionRecorder interface {
	RecordTransaction(ctx context.Context, tx models.Transaction) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTrigger sets the workflow trigger fired for configured actions.
func WithTrigger(t WorkflowTrigger) Option {
	return func(d *Dispatcher) { d.trigger = t }
}

// WithRecorder sets where transaction changes are persisted.
func WithRecorder(r TransactionRecorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// reply is the outcome of an action handler. A rejected reply is sent as a
// regular CALLRESULT but never fires workflows.
type reply struct {
	payload  interface{}
	rejected bool
	vars     map[string]interface{}
}

type handlerFunc func(ctx context.Context, s *Session, request interface{}) (reply, error)

// Dispatcher is the central system: it owns the session registry and the
// transaction table, answers inbound calls and issues server-initiated calls.
type Dispatcher struct {
	cfg          DispatcherConfig
	registry     *Registry
	transactions *TransactionTable
	events       logbus.Publisher
	trigger      WorkflowTrigger
	recorder     TransactionRecorder
	metrics      *metrics.Metrics
	now          func() time.Time

	handlers map[Action]handlerFunc
	triggers map[Action]bool

	eventsMu  sync.Mutex
	lastEvent map[string]time.Time
}

// NewDispatcher creates a dispatcher. It fails when an inbound action has no
// handler or a trigger names an action the charge point cannot send.
func NewDispatcher(cfg DispatcherConfig, registry *Registry, transactions *TransactionTable, events logbus.Publisher, opts ...Option) (*Dispatcher, error) {
	if cfg.FaultThreshold <= 0 {
		cfg.FaultThreshold = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	d := &Dispatcher{
		cfg:          cfg,
		registry:     registry,
		transactions: transactions,
		events:       events,
		now:          time.Now,
		triggers:     make(map[Action]bool),
		lastEvent:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.handlers = map[Action]handlerFunc{
		ActionBootNotification:   d.onBootNotification,
		ActionHeartbeat:          d.onHeartbeat,
		ActionAuthorize:          d.onAuthorize,
		ActionStartTransaction:   d.onStartTransaction,
		ActionStopTransaction:    d.onStopTransaction,
		ActionStatusNotification: d.onStatusNotification,
	}
	for _, action := range Actions(OriginChargePoint) {
		if _, ok := d.handlers[action]; !ok {
			return nil, fmt.Errorf("no handler for action %s", action)
		}
	}
	for _, action := range cfg.Triggers {
		if _, err := ParseAction(string(action)); err != nil {
			return nil, fmt.Errorf("invalid trigger: %w", err)
		}
		if action.Origin() != OriginChargePoint {
			return nil, fmt.Errorf("invalid trigger: %s is not sent by charge points", action)
		}
		d.triggers[action] = true
	}
	return d, nil
}

// Connect registers a new session for cpID on conn, evicting any previous
// session for the same CP-ID.
func (d *Dispatcher) Connect(cpID string, conn Conn) *Session {
	now := d.now()
	s := newSession(cpID, NewPeer(cpID, conn, d.cfg.CallTimeout), now)
	if evicted := d.registry.Register(s); evicted != nil {
		logrus.WithField("chargePointID", cpID).Warn("Replacing existing session")
		d.publish(cpID, "previous session evicted by new connection")
		evicted.apply(EventDisconnect)
		evicted.peer.Close()
	}
	d.touch(cpID, now)
	d.metrics.SetSessions(d.registry.Len())

	logrus.WithField("chargePointID", cpID).Info("New charge point connected")
	d.publish(cpID, fmt.Sprintf("connection established: %s -> %s", StateDisconnected, StatePendingBoot))
	return s
}

// Serve runs the read loop of s and disconnects it when the loop ends.
func (d *Dispatcher) Serve(ctx context.Context, s *Session) error {
	err := s.peer.Serve(ctx, func(ctx context.Context, frame []byte) []byte {
		return d.handle(ctx, s, frame)
	})
	d.Disconnect(s)
	return err
}

// Accept connects cpID on conn and serves it until the connection closes.
func (d *Dispatcher) Accept(ctx context.Context, cpID string, conn Conn) error {
	return d.Serve(ctx, d.Connect(cpID, conn))
}

// Disconnect closes s, cancels its pending calls and removes it from the
// registry. Open transactions are kept.
func (d *Dispatcher) Disconnect(s *Session) {
	from, _, _ := s.apply(EventDisconnect)
	s.peer.Close()
	removed := d.registry.Remove(s)
	d.metrics.SetSessions(d.registry.Len())
	if from == StateDisconnected {
		return
	}

	d.touch(s.id, d.now())
	logrus.WithFields(logrus.Fields{
		"chargePointID": s.id,
		"replaced":      !removed,
	}).Info("Charge point disconnected")
	d.publish(s.id, fmt.Sprintf("connection closed: %s -> %s", from, StateDisconnected))
}

// HandleInbound processes one frame from cpID and returns the frame to send
// back, or nil when none is due. Frames for CP-IDs without a live session are
// answered with a GenericError.
func (d *Dispatcher) HandleInbound(ctx context.Context, cpID string, frame []byte) []byte {
	s, ok := d.registry.Get(cpID)
	if !ok {
		msg, err := Decode(frame)
		uniqueID := ""
		if err == nil {
			uniqueID = msg.UniqueID
		} else {
			var derr *DecodeError
			if errors.As(err, &derr) {
				uniqueID = derr.UniqueID
			}
		}
		return d.callError(uniqueID, GenericError, fmt.Sprintf("%s: %s", ErrSessionNotFound, cpID))
	}
	return d.handle(ctx, s, frame)
}

func (d *Dispatcher) handle(ctx context.Context, s *Session, frame []byte) []byte {
	msg, err := Decode(frame)
	if err != nil {
		var derr *DecodeError
		if !errors.As(err, &derr) {
			derr = &DecodeError{Code: FormationViolation, Err: err}
		}
		logrus.WithError(err).WithField("chargePointID", s.id).Warn("Rejected inbound frame")
		d.metrics.InboundCall("invalid", string(derr.Code))
		d.violation(s, derr)
		return d.callError(derr.UniqueID, derr.Code, derr.Err.Error())
	}

	switch msg.Type {
	case CallResultType, CallErrorType:
		s.peer.Resolve(msg)
		return nil
	}

	if s.State() == StateFaulted {
		d.metrics.InboundCall(string(msg.Action), string(GenericError))
		return d.callError(msg.UniqueID, GenericError, "charge point is faulted")
	}
	if msg.Action.Origin() != OriginChargePoint {
		d.metrics.InboundCall(string(msg.Action), string(NotSupported))
		d.violation(s, &DecodeError{Code: NotSupported, UniqueID: msg.UniqueID, Err: fmt.Errorf("%s is initiated by the central system", msg.Action)})
		return d.callError(msg.UniqueID, NotSupported, fmt.Sprintf("%s is initiated by the central system", msg.Action))
	}

	d.touch(s.id, d.now())
	r, err := d.handlers[msg.Action](ctx, s, msg.Request)
	if err != nil {
		code, description := GenericError, err.Error()
		var cerr *CallError
		if errors.As(err, &cerr) {
			code, description = cerr.Code, cerr.Description
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": s.id,
			"action":        msg.Action,
		}).Warn("Inbound call failed")
		d.metrics.InboundCall(string(msg.Action), string(code))
		return d.callError(msg.UniqueID, code, description)
	}
	s.clearViolations()

	out, err := EncodeCallResult(msg.UniqueID, r.payload)
	if err != nil {
		d.metrics.InboundCall(string(msg.Action), string(InternalError))
		return d.callError(msg.UniqueID, InternalError, err.Error())
	}

	result := "accepted"
	if r.rejected {
		result = "rejected"
	}
	d.metrics.InboundCall(string(msg.Action), result)

	if !r.rejected && d.triggers[msg.Action] && d.trigger != nil {
		d.fire(s, msg, r)
	}
	return out
}

// fire hands the call to the workflow trigger. The initial message is the
// call payload as a JSON object.
func (d *Dispatcher) fire(s *Session, msg *Message, r reply) {
	message := make(map[string]interface{})
	if err := json.Unmarshal(msg.Payload, &message); err != nil {
		logrus.WithError(err).WithField("chargePointID", s.id).Error("Failed to convert payload for workflows")
		return
	}
	vars := map[string]interface{}{
		"cp_id":      s.id,
		"event":      string(msg.Action),
		"event_name": string(msg.Action),
	}
	for k, v := range r.vars {
		vars[k] = v
	}
	d.trigger.Fire(string(msg.Action), message, vars)
}

// violation counts a protocol violation and faults the session once the
// threshold is reached.
func (d *Dispatcher) violation(s *Session, cause *DecodeError) {
	n := s.recordViolation()
	if n < d.cfg.FaultThreshold || s.State() == StateFaulted {
		return
	}
	from, to, err := s.apply(EventFault)
	if err != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"chargePointID": s.id,
		"violations":    n,
	}).Warn("Charge point faulted")
	d.publish(s.id, fmt.Sprintf("%s -> %s after %d protocol violations (last: %s)", from, to, n, cause.Code))
}

// SendCall issues a server-initiated call to cpID and waits for its result.
func (d *Dispatcher) SendCall(ctx context.Context, cpID string, action Action, payload interface{}) (interface{}, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return nil, err
	}
	if action.Origin() != OriginCentralSystem {
		return nil, fmt.Errorf("%s is not initiated by the central system", action)
	}
	s, ok := d.registry.Get(cpID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, cpID)
	}

	response, err := s.peer.SendCall(ctx, action, payload)
	result := "ok"
	switch {
	case errors.Is(err, ErrRequestTimeout):
		result = "timeout"
	case errors.Is(err, ErrCancelled):
		result = "cancelled"
	case err != nil:
		result = "error"
	}
	d.metrics.OutboundCall(string(action), result)

	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": cpID,
			"action":        action,
		}).Warn("Outbound call failed")
		return nil, err
	}
	d.touch(cpID, d.now())
	return response, nil
}

// SessionStatus is the externally visible status of a charge point.
type SessionStatus struct {
	Connected          bool       `json:"connected"`
	State              State      `json:"state"`
	LastEventTimestamp *time.Time `json:"lastEventTimestamp"`
}

// SessionStatus reports whether cpID is connected and when it was last seen.
func (d *Dispatcher) SessionStatus(cpID string) SessionStatus {
	status := SessionStatus{State: StateDisconnected}
	if s, ok := d.registry.Get(cpID); ok {
		status.State = s.State()
		status.Connected = status.State.Connected()
	}
	d.eventsMu.Lock()
	if t, ok := d.lastEvent[cpID]; ok {
		status.LastEventTimestamp = &t
	}
	d.eventsMu.Unlock()
	return status
}

// Sessions returns a snapshot of every live session.
func (d *Dispatcher) Sessions() []SessionInfo {
	list := d.registry.List()
	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	return infos
}

// Transactions returns the transaction table.
func (d *Dispatcher) Transactions() *TransactionTable {
	return d.transactions
}

// Close disconnects every live session.
func (d *Dispatcher) Close() {
	for _, s := range d.registry.List() {
		d.Disconnect(s)
	}
}

func (d *Dispatcher) touch(cpID string, t time.Time) {
	d.eventsMu.Lock()
	d.lastEvent[cpID] = t.UTC()
	d.eventsMu.Unlock()
}

func (d *Dispatcher) publish(cpID, message string) {
	if d.events == nil {
		return
	}
	d.events.Publish(logbus.SourceProtocolServer, fmt.Sprintf("[%s] %s", cpID, message))
}

func (d *Dispatcher) record(tx models.Transaction) {
	if d.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.recorder.RecordTransaction(ctx, tx); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": tx.ChargePointID,
			"transactionId": tx.ID,
		}).Error("Failed to save transaction")
	}
}

func (d *Dispatcher) callError(uniqueID string, code ErrorCode, description string) []byte {
	frame, err := EncodeCallError(uniqueID, code, description, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to encode call error")
		return nil
	}
	return frame
}
