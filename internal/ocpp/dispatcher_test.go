package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firedEvent struct {
	event   string
	message map[string]interface{}
	vars    map[string]interface{}
}

type recordingTrigger struct {
	mu    sync.Mutex
	fired []firedEvent
}

func (r *recordingTrigger) Fire(event string, message, vars map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, firedEvent{event: event, message: message, vars: vars})
}

func (r *recordingTrigger) events() []firedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]firedEvent(nil), r.fired...)
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *logbus.Bus) {
	t.Helper()
	bus := logbus.New(logbus.Options{HistorySize: 500})
	d, err := NewDispatcher(DispatcherConfig{
		HeartbeatInterval: 300,
		CallTimeout:       time.Second,
		FaultThreshold:    3,
		Triggers:          []Action{ActionStartTransaction},
	}, NewRegistry(), NewTransactionTable(), bus, opts...)
	require.NoError(t, err)
	return d, bus
}

var callSeq int

// call sends one CALL through HandleInbound and decodes the reply.
func call(t *testing.T, d *Dispatcher, cpID string, action Action, payload interface{}) *Message {
	t.Helper()
	callSeq++
	frame, err := json.Marshal([]interface{}{CallType, fmt.Sprintf("m%d", callSeq), action, payload})
	require.NoError(t, err)
	return send(t, d, cpID, frame)
}

func send(t *testing.T, d *Dispatcher, cpID string, frame []byte) *Message {
	t.Helper()
	out := d.HandleInbound(context.Background(), cpID, frame)
	require.NotNil(t, out)
	msg, err := Decode(out)
	require.NoError(t, err)
	return msg
}

func connect(t *testing.T, d *Dispatcher, cpID string) *Session {
	t.Helper()
	conn, _ := Pipe()
	return d.Connect(cpID, conn)
}

func boot(t *testing.T, d *Dispatcher, cpID string) {
	t.Helper()
	msg := call(t, d, cpID, ActionBootNotification, core.NewBootNotificationRequest("Simulator", "Pipelet"))
	require.Equal(t, CallResultType, msg.Type)
}

func startTx(idTag string) *core.StartTransactionRequest {
	return core.NewStartTransactionRequest(1, idTag, 0, types.NewDateTime(time.Now()))
}

func stopTx(id int) *core.StopTransactionRequest {
	return core.NewStopTransactionRequest(10, types.NewDateTime(time.Now()), id)
}

func payloadField(t *testing.T, msg *Message, path ...string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	for _, key := range path {
		m, ok := v.(map[string]interface{})
		require.True(t, ok, "payload %s has no object at %s", msg.Payload, key)
		v = m[key]
	}
	return v
}

func TestBootNotificationMakesSessionAvailable(t *testing.T) {
	d, bus := newTestDispatcher(t)
	s := connect(t, d, "CP_1")
	assert.Equal(t, StatePendingBoot, s.State())

	msg := call(t, d, "CP_1", ActionBootNotification, core.NewBootNotificationRequest("Simulator", "Pipelet"))
	require.Equal(t, CallResultType, msg.Type)
	assert.Equal(t, "Accepted", payloadField(t, msg, "status"))
	assert.Equal(t, 300.0, payloadField(t, msg, "interval"))
	assert.Equal(t, StateAvailable, s.State())

	entries := bus.Snapshot(logbus.Filter{Sources: []logbus.Source{logbus.SourceProtocolServer}}, 0)
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0].Message, "connection established")
	assert.Equal(t, "[CP_1] BootNotification: Connected(pendingBoot) -> Available", entries[1].Message)

	call(t, d, "CP_1", ActionBootNotification, core.NewBootNotificationRequest("Simulator", "Pipelet"))
	assert.Equal(t, StateAvailable, s.State())
	assert.Len(t, bus.Snapshot(logbus.Filter{}, 0), 2, "repeated boot changes nothing")
}

func TestTransactionLifecycleThroughDispatcher(t *testing.T) {
	trigger := &recordingTrigger{}
	d, _ := newTestDispatcher(t, WithTrigger(trigger))
	s := connect(t, d, "CP_1")
	boot(t, d, "CP_1")

	msg := call(t, d, "CP_1", ActionAuthorize, core.NewAuthorizationRequest("ABC123"))
	assert.Equal(t, "Accepted", payloadField(t, msg, "idTagInfo", "status"))

	msg = call(t, d, "CP_1", ActionStartTransaction, startTx("ABC123"))
	require.Equal(t, CallResultType, msg.Type)
	assert.Equal(t, 1.0, payloadField(t, msg, "transactionId"))
	assert.Equal(t, "Accepted", payloadField(t, msg, "idTagInfo", "status"))
	assert.Equal(t, StateCharging, s.State())

	open, ok := d.Transactions().OpenFor("CP_1")
	require.True(t, ok)
	assert.Equal(t, 1, open.ID)

	msg = call(t, d, "CP_1", ActionStartTransaction, startTx("OTHER"))
	require.Equal(t, CallResultType, msg.Type)
	assert.Equal(t, "ConcurrentTx", payloadField(t, msg, "idTagInfo", "status"))
	open, _ = d.Transactions().OpenFor("CP_1")
	assert.Equal(t, "ABC123", open.IdTag)

	msg = call(t, d, "CP_1", ActionStopTransaction, stopTx(1))
	require.Equal(t, CallResultType, msg.Type)
	assert.Equal(t, StateAvailable, s.State())
	tx, ok := d.Transactions().Get(1)
	require.True(t, ok)
	assert.Equal(t, "closed", tx.Status)

	fired := trigger.events()
	require.Len(t, fired, 1, "only the accepted StartTransaction fires")
	assert.Equal(t, "StartTransaction", fired[0].event)
	assert.Equal(t, "CP_1", fired[0].vars["cp_id"])
	assert.Equal(t, "StartTransaction", fired[0].vars["event_name"])
	assert.Equal(t, "ABC123", fired[0].vars["id_tag"])
	assert.Equal(t, 1, fired[0].vars["transaction_id"])
	assert.Equal(t, "ABC123", fired[0].message["idTag"])
}

func TestStartTransactionBeforeBootIsRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	s := connect(t, d, "CP_1")

	msg := call(t, d, "CP_1", ActionStartTransaction, startTx("ABC123"))
	require.Equal(t, CallResultType, msg.Type)
	assert.Equal(t, "Blocked", payloadField(t, msg, "idTagInfo", "status"))
	assert.Equal(t, StatePendingBoot, s.State())
	_, ok := d.Transactions().OpenFor("CP_1")
	assert.False(t, ok)
}

func TestStartTransactionFromPreparing(t *testing.T) {
	d, _ := newTestDispatcher(t)
	s := connect(t, d, "CP_1")
	boot(t, d, "CP_1")

	call(t, d, "CP_1", ActionStatusNotification, core.NewStatusNotificationRequest(1, core.NoError, core.ChargePointStatusPreparing))
	assert.Equal(t, StatePreparing, s.State())

	msg := call(t, d, "CP_1", ActionStartTransaction, startTx("ABC123"))
	assert.Equal(t, 1.0, payloadField(t, msg, "transactionId"))
	assert.Equal(t, StateCharging, s.State())
}

func TestStopTransactionErrors(t *testing.T) {
	d, _ := newTestDispatcher(t)
	s := connect(t, d, "CP_1")
	boot(t, d, "CP_1")

	msg := call(t, d, "CP_1", ActionStopTransaction, stopTx(1))
	require.Equal(t, CallResultType, msg.Type)
	assert.Equal(t, "Invalid", payloadField(t, msg, "idTagInfo", "status"))

	call(t, d, "CP_1", ActionStartTransaction, startTx("ABC123"))
	msg = call(t, d, "CP_1", ActionStopTransaction, stopTx(42))
	require.Equal(t, CallErrorType, msg.Type)
	assert.Equal(t, GenericError, msg.ErrorCode)
	assert.Equal(t, StateCharging, s.State())
}

func TestUnknownActionAndFaultThreshold(t *testing.T) {
	d, bus := newTestDispatcher(t)
	s := connect(t, d, "CP_1")
	boot(t, d, "CP_1")

	msg := send(t, d, "CP_1", []byte(`[2,"x1","Reset",{"type":"Hard"}]`))
	require.Equal(t, CallErrorType, msg.Type)
	assert.Equal(t, NotImplemented, msg.ErrorCode)
	assert.Equal(t, "x1", msg.UniqueID)
	assert.Equal(t, StateAvailable, s.State(), "a single violation does not fault")

	call(t, d, "CP_1", ActionHeartbeat, core.NewHeartbeatRequest())

	for i := 0; i < 3; i++ {
		msg = send(t, d, "CP_1", []byte(`[2,"bad","Authorize",{}]`))
		assert.Equal(t, ProtocolError, msg.ErrorCode)
	}
	assert.Equal(t, StateFaulted, s.State())

	msg = call(t, d, "CP_1", ActionHeartbeat, core.NewHeartbeatRequest())
	require.Equal(t, CallErrorType, msg.Type)
	assert.Equal(t, GenericError, msg.ErrorCode)

	last := bus.Snapshot(logbus.Filter{}, 1)
	require.Len(t, last, 1)
	assert.Contains(t, last[0].Message, "Available -> Faulted after 3 protocol violations")
}

func TestMalformedFrameAnsweredWithoutUniqueID(t *testing.T) {
	d, _ := newTestDispatcher(t)
	connect(t, d, "CP_1")

	out := d.HandleInbound(context.Background(), "CP_1", []byte(`{"not":"an array"}`))
	require.NotNil(t, out)

	var fields []interface{}
	require.NoError(t, json.Unmarshal(out, &fields))
	require.Len(t, fields, 5)
	assert.Equal(t, 4.0, fields[0])
	assert.Equal(t, "", fields[1])
	assert.Equal(t, string(FormationViolation), fields[2])
}

func TestHandleInboundUnknownChargePoint(t *testing.T) {
	d, _ := newTestDispatcher(t)
	msg := call(t, d, "CP_404", ActionHeartbeat, core.NewHeartbeatRequest())
	require.Equal(t, CallErrorType, msg.Type)
	assert.Equal(t, GenericError, msg.ErrorCode)
}

func TestConnectDisconnectLeavesNoResidue(t *testing.T) {
	d, _ := newTestDispatcher(t)
	for i := 0; i < 20; i++ {
		cpID := fmt.Sprintf("CP_%d", i)
		d.Disconnect(connect(t, d, cpID))
		_, ok := d.registry.Get(cpID)
		assert.False(t, ok)
		assert.False(t, d.SessionStatus(cpID).Connected)
	}
	assert.Zero(t, d.registry.Len())
}

func TestReconnectEvictsAndResumesTransaction(t *testing.T) {
	d, _ := newTestDispatcher(t)
	first := connect(t, d, "CP_1")
	boot(t, d, "CP_1")
	call(t, d, "CP_1", ActionStartTransaction, startTx("ABC123"))

	second := connect(t, d, "CP_1")
	select {
	case <-first.Peer().Done():
	default:
		t.Fatal("evicted session was not closed")
	}
	assert.Equal(t, StateDisconnected, first.State())

	d.Disconnect(first)
	got, ok := d.registry.Get("CP_1")
	require.True(t, ok)
	assert.Same(t, second, got)

	boot(t, d, "CP_1")
	assert.Equal(t, StateCharging, second.State())
	msg := call(t, d, "CP_1", ActionStopTransaction, stopTx(1))
	assert.Equal(t, CallResultType, msg.Type)
	assert.Equal(t, StateAvailable, second.State())
}

func TestSessionStatusTracksLastEvent(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d, _ := newTestDispatcher(t, WithClock(func() time.Time { return now }))

	status := d.SessionStatus("CP_1")
	assert.False(t, status.Connected)
	assert.Nil(t, status.LastEventTimestamp)

	s := connect(t, d, "CP_1")
	now = now.Add(time.Minute)
	call(t, d, "CP_1", ActionHeartbeat, core.NewHeartbeatRequest())

	status = d.SessionStatus("CP_1")
	assert.True(t, status.Connected)
	require.NotNil(t, status.LastEventTimestamp)
	assert.Equal(t, now, *status.LastEventTimestamp)

	info := s.Info()
	require.NotNil(t, info.LastHeartbeat)
	assert.Equal(t, now, *info.LastHeartbeat)
}

func TestNewDispatcherRejectsInvalidTriggers(t *testing.T) {
	_, err := NewDispatcher(DispatcherConfig{Triggers: []Action{"Reset"}}, NewRegistry(), NewTransactionTable(), nil)
	assert.Error(t, err)

	_, err = NewDispatcher(DispatcherConfig{Triggers: []Action{ActionTriggerMessage}}, NewRegistry(), NewTransactionTable(), nil)
	assert.Error(t, err)
}

// acceptDevice wires a dispatcher to a device peer over an in-memory pipe.
func acceptDevice(t *testing.T, d *Dispatcher, cpID string, handler FrameHandler) *Peer {
	t.Helper()
	deviceConn, serverConn := Pipe()
	device := NewPeer(cpID, deviceConn, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Accept(ctx, cpID, serverConn)
	go device.Serve(ctx, handler)

	require.Eventually(t, func() bool { return d.SessionStatus(cpID).Connected }, time.Second, 5*time.Millisecond)
	return device
}

func TestSendCallTriggerMessage(t *testing.T) {
	d, _ := newTestDispatcher(t)
	device := acceptDevice(t, d, "CP_1", func(ctx context.Context, frame []byte) []byte {
		msg, err := Decode(frame)
		if err != nil {
			return nil
		}
		out, _ := EncodeCallResult(msg.UniqueID, remotetrigger.NewTriggerMessageConfirmation(remotetrigger.TriggerMessageStatusAccepted))
		return out
	})

	_, err := device.SendCall(context.Background(), ActionBootNotification, core.NewBootNotificationRequest("Simulator", "Pipelet"))
	require.NoError(t, err)

	resp, err := d.SendCall(context.Background(), "CP_1", ActionTriggerMessage,
		remotetrigger.NewTriggerMessageRequest(remotetrigger.MessageTrigger(core.HeartbeatFeatureName)))
	require.NoError(t, err)
	conf, ok := resp.(*remotetrigger.TriggerMessageConfirmation)
	require.True(t, ok)
	assert.Equal(t, remotetrigger.TriggerMessageStatusAccepted, conf.Status)
}

func TestSendCallTimeoutKeepsSession(t *testing.T) {
	bus := logbus.New(logbus.Options{})
	d, err := NewDispatcher(DispatcherConfig{HeartbeatInterval: 300, CallTimeout: 50 * time.Millisecond}, NewRegistry(), NewTransactionTable(), bus)
	require.NoError(t, err)
	acceptDevice(t, d, "CP_1", func(context.Context, []byte) []byte { return nil })

	_, err = d.SendCall(context.Background(), "CP_1", ActionTriggerMessage,
		remotetrigger.NewTriggerMessageRequest(remotetrigger.MessageTrigger(core.HeartbeatFeatureName)))
	assert.True(t, errors.Is(err, ErrRequestTimeout))
	assert.True(t, d.SessionStatus("CP_1").Connected)
}

func TestDisconnectCancelsPendingCalls(t *testing.T) {
	d, _ := newTestDispatcher(t)
	acceptDevice(t, d, "CP_1", func(context.Context, []byte) []byte { return nil })

	errc := make(chan error, 1)
	go func() {
		_, err := d.SendCall(context.Background(), "CP_1", ActionTriggerMessage,
			remotetrigger.NewTriggerMessageRequest(remotetrigger.MessageTrigger(core.HeartbeatFeatureName)))
		errc <- err
	}()

	s, ok := d.registry.Get("CP_1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.Peer().Pending() == 1 }, time.Second, 5*time.Millisecond)
	d.Disconnect(s)

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrCancelled))
	case <-time.After(time.Second):
		t.Fatal("pending call survived disconnect")
	}
	assert.Zero(t, d.registry.Len())
}

func TestSendCallRequiresCentralSystemAction(t *testing.T) {
	d, _ := newTestDispatcher(t)
	connect(t, d, "CP_1")
	_, err := d.SendCall(context.Background(), "CP_1", ActionHeartbeat, core.NewHeartbeatRequest())
	assert.Error(t, err)

	_, err = d.SendCall(context.Background(), "CP_2", ActionTriggerMessage,
		remotetrigger.NewTriggerMessageRequest(remotetrigger.MessageTrigger(core.HeartbeatFeatureName)))
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}
