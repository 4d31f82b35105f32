package simulator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/balu-dk/go-pipelets/internal/db/models"
	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/balu-dk/go-pipelets/internal/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	bus        *logbus.Bus
	dispatcher *ocpp.Dispatcher
	manager    *Manager
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// newHarness wires simulators to a dispatcher over in-memory connections.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{bus: logbus.New(logbus.Options{HistorySize: 1000})}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	d, err := ocpp.NewDispatcher(ocpp.DispatcherConfig{
		HeartbeatInterval: 300,
		CallTimeout:       2 * time.Second,
		FaultThreshold:    3,
		Triggers:          []ocpp.Action{ocpp.ActionStartTransaction},
	}, ocpp.NewRegistry(), ocpp.NewTransactionTable(), h.bus)
	require.NoError(t, err)
	h.dispatcher = d

	dialer := DialerFunc(func(ctx context.Context, cpID string) (ocpp.Conn, error) {
		client, server := ocpp.Pipe()
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			_ = d.Accept(h.ctx, cpID, server)
		}()
		return client, nil
	})
	h.manager = NewManager(Config{CallTimeout: 2 * time.Second}, dialer, h.bus)

	t.Cleanup(func() {
		h.manager.Close()
		h.cancel()
		h.wg.Wait()
	})
	return h
}

func (h *harness) device(t *testing.T, cpID string) *Device {
	t.Helper()
	d, err := h.manager.Device(cpID)
	require.NoError(t, err)
	return d
}

func (h *harness) entries(source logbus.Source) []string {
	var out []string
	for _, e := range h.bus.Snapshot(logbus.Filter{Sources: []logbus.Source{source}}, 0) {
		out = append(out, e.Message)
	}
	return out
}

func TestEndToEndTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dev := h.device(t, "CP_1")

	st, err := dev.Connect(ctx)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.True(t, st.Booted)
	assert.Equal(t, 300, st.Interval)
	assert.Equal(t, ocpp.StateAvailable, h.dispatcher.SessionStatus("CP_1").State)

	_, err = dev.PresentIdTag(ctx, "ABC123")
	require.NoError(t, err)

	st, err = dev.StartTransaction(ctx, "ABC123")
	require.NoError(t, err)
	require.NotNil(t, st.TransactionID)
	assert.Equal(t, 1, *st.TransactionID)

	tx, open := h.dispatcher.Transactions().OpenFor("CP_1")
	require.True(t, open)
	assert.Equal(t, 1, tx.ID)
	assert.Equal(t, "ABC123", tx.IdTag)
	assert.Equal(t, ocpp.StateCharging, h.dispatcher.SessionStatus("CP_1").State)

	st, err = dev.StopTransaction(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.TransactionID)

	closed, ok := h.dispatcher.Transactions().Get(1)
	require.True(t, ok)
	assert.Equal(t, models.TransactionClosed, closed.Status)
	assert.Equal(t, ocpp.StateAvailable, h.dispatcher.SessionStatus("CP_1").State)

	frames := h.entries(logbus.SourceSimulatedDevice)
	var sent, received int
	for _, f := range frames {
		if strings.HasPrefix(f, "[CP_1] send: ") {
			sent++
		}
		if strings.HasPrefix(f, "[CP_1] recv: ") {
			received++
		}
	}
	assert.Equal(t, 4, sent)
	assert.Equal(t, 4, received)
}

func TestCommandsBeforeConnect(t *testing.T) {
	h := newHarness(t)
	dev := h.device(t, "CP_2")

	_, err := dev.PresentIdTag(context.Background(), "T")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = dev.StartHeartbeat()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCommandsBeforeBootAreNotReady(t *testing.T) {
	bus := logbus.New(logbus.Options{})
	// The far end never answers, so the boot call is still pending.
	dialer := DialerFunc(func(ctx context.Context, cpID string) (ocpp.Conn, error) {
		client, _ := ocpp.Pipe()
		return client, nil
	})
	dev := NewDevice("CP_3", Config{CallTimeout: 5 * time.Second}, dialer, bus)

	connectErr := make(chan error, 1)
	go func() {
		_, err := dev.Connect(context.Background())
		connectErr <- err
	}()

	require.Eventually(t, func() bool { return dev.State().Connected }, time.Second, 5*time.Millisecond)
	dev.mu.Lock()
	peer := dev.peer
	dev.mu.Unlock()
	_, err := dev.ready()
	assert.ErrorIs(t, err, ErrNotReady)

	peer.Close()
	err = <-connectErr
	assert.True(t, ocpp.IsClosed(err), "got %v", err)
	assert.False(t, dev.State().Connected)
	dev.Wait()
}

func TestStopWithoutTransaction(t *testing.T) {
	h := newHarness(t)
	dev := h.device(t, "CP_4")
	_, err := dev.Connect(context.Background())
	require.NoError(t, err)

	_, err = dev.StopTransaction(context.Background())
	assert.ErrorIs(t, err, ErrNoOpenTransaction)
	assert.Contains(t, h.entries(logbus.SourceSimulatedDevice), "[CP_4] StopTransaction skipped: no open transaction")
}

func TestSecondStartIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dev := h.device(t, "CP_5")
	_, err := dev.Connect(ctx)
	require.NoError(t, err)

	_, err = dev.StartTransaction(ctx, "A")
	require.NoError(t, err)

	// Forget the transaction locally so the device tries again.
	dev.mu.Lock()
	dev.transactionID = 0
	dev.mu.Unlock()

	_, err = dev.StartTransaction(ctx, "B")
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		assert.Equal(t, "ConcurrentTx", rejected.Status)
	} else {
		require.Error(t, err)
	}
	assert.Len(t, h.dispatcher.Transactions().List(), 1)
}

func TestConnectTwice(t *testing.T) {
	h := newHarness(t)
	dev := h.device(t, "CP_6")
	_, err := dev.Connect(context.Background())
	require.NoError(t, err)

	_, err = dev.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestDisconnectLeavesNoSession(t *testing.T) {
	h := newHarness(t)
	dev := h.device(t, "CP_7")
	_, err := dev.Connect(context.Background())
	require.NoError(t, err)

	st := dev.Disconnect()
	assert.False(t, st.Connected)
	require.Eventually(t, func() bool {
		return !h.dispatcher.SessionStatus("CP_7").Connected
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.dispatcher.Sessions())

	// Disconnect is idempotent.
	assert.False(t, dev.Disconnect().Connected)
}

func TestHeartbeatTimer(t *testing.T) {
	h := newHarness(t)
	dev := h.device(t, "CP_8")
	_, err := dev.Connect(context.Background())
	require.NoError(t, err)

	dev.mu.Lock()
	dev.interval = 20 * time.Millisecond
	dev.mu.Unlock()

	st, err := dev.StartHeartbeat()
	require.NoError(t, err)
	assert.True(t, st.Heartbeating)

	countHeartbeats := func() int {
		n := 0
		for _, f := range h.entries(logbus.SourceSimulatedDevice) {
			if strings.HasPrefix(f, "[CP_8] send: ") && strings.Contains(f, `"Heartbeat"`) {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return countHeartbeats() >= 3 }, 2*time.Second, 10*time.Millisecond)

	st = dev.StopHeartbeat()
	assert.False(t, st.Heartbeating)
	time.Sleep(50 * time.Millisecond)
	stopped := countHeartbeats()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, stopped, countHeartbeats())
}

func TestDisconnectStopsHeartbeat(t *testing.T) {
	h := newHarness(t)
	dev := h.device(t, "CP_9")
	_, err := dev.Connect(context.Background())
	require.NoError(t, err)
	_, err = dev.StartHeartbeat()
	require.NoError(t, err)

	st := dev.Disconnect()
	assert.False(t, st.Heartbeating)
	dev.Wait()
}

func TestTriggerMessageRoundTrip(t *testing.T) {
	h := newHarness(t)
	dev := h.device(t, "CP_10")
	_, err := dev.Connect(context.Background())
	require.NoError(t, err)

	res, err := h.dispatcher.SendCall(context.Background(), "CP_10", ocpp.ActionTriggerMessage,
		remotetrigger.NewTriggerMessageRequest(core.HeartbeatFeatureName))
	require.NoError(t, err)
	conf := res.(*remotetrigger.TriggerMessageConfirmation)
	assert.Equal(t, remotetrigger.TriggerMessageStatusAccepted, conf.Status)

	require.Eventually(t, func() bool {
		for _, f := range h.entries(logbus.SourceSimulatedDevice) {
			if strings.HasPrefix(f, "[CP_10] send: ") && strings.Contains(f, `"Heartbeat"`) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestTriggerMessageNotImplemented(t *testing.T) {
	h := newHarness(t)
	dev := h.device(t, "CP_11")
	_, err := dev.Connect(context.Background())
	require.NoError(t, err)

	res, err := h.dispatcher.SendCall(context.Background(), "CP_11", ocpp.ActionTriggerMessage,
		remotetrigger.NewTriggerMessageRequest(remotetrigger.MessageTrigger(core.MeterValuesFeatureName)))
	require.NoError(t, err)
	assert.Equal(t, remotetrigger.TriggerMessageStatusNotImplemented, res.(*remotetrigger.TriggerMessageConfirmation).Status)
}

func TestDevicesAreIndependent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := []string{"CP_A", "CP_B", "CP_C", "CP_D"}
	for _, id := range ids {
		dev := h.device(t, id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := dev.Connect(ctx)
			assert.NoError(t, err)
			_, err = dev.StartTransaction(ctx, "TAG")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, tx := range h.dispatcher.Transactions().List() {
		assert.False(t, seen[tx.ID])
		seen[tx.ID] = true
	}
	assert.Len(t, seen, len(ids))
	assert.Len(t, h.manager.States(), len(ids))
}

func TestManagerRejectsInvalidID(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	_, err := m.Device("bad id/with slash")
	assert.Error(t, err)

	_, ok := m.Lookup("CP_1")
	assert.False(t, ok)
	d, err := m.Device("CP_1")
	require.NoError(t, err)
	same, ok := m.Lookup("CP_1")
	require.True(t, ok)
	assert.Same(t, d, same)
}
