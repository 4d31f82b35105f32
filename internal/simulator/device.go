package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/balu-dk/go-pipelets/internal/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotReady is returned for commands issued before boot completed.
	ErrNotReady = errors.New("simulator not ready: boot notification not accepted")
	// ErrNotConnected is returned for commands that need a connection.
	ErrNotConnected = errors.New("simulator not connected")
	// ErrAlreadyConnected is returned by Connect on a live device.
	ErrAlreadyConnected = errors.New("simulator already connected")
	// ErrNoOpenTransaction is returned by StopTransaction without a transaction.
	ErrNoOpenTransaction = errors.New("no open transaction")
)

// RejectedError is a call answered with a non-accepted status.
type RejectedError struct {
	Action ocpp.Action
	Status string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Action, e.Status)
}

// Config describes the simulated hardware.
type Config struct {
	Model       string
	Vendor      string
	ConnectorID int
	// CallTimeout bounds every outbound call.
	CallTimeout time.Duration
	// DefaultInterval is used when the central system negotiates no
	// heartbeat interval.
	DefaultInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "Simulator"
	}
	if c.Vendor == "" {
		c.Vendor = "Pipelet"
	}
	if c.ConnectorID <= 0 {
		c.ConnectorID = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 10 * time.Second
	}
	return c
}

// State is a snapshot of a simulated device.
type State struct {
	CPID          string `json:"cpId"`
	Connected     bool   `json:"connected"`
	Booted        bool   `json:"booted"`
	Interval      int    `json:"interval"`
	TransactionID *int   `json:"transactionId"`
	Heartbeating  bool   `json:"heartbeating"`
}

// Device is one simulated charge point. It talks to the central system
// through an ocpp.Peer like any real device. Commands are serialized.
type Device struct {
	id     string
	cfg    Config
	dialer Dialer
	events logbus.Publisher

	cmdMu sync.Mutex

	mu            sync.Mutex
	peer          *ocpp.Peer
	stop          context.CancelFunc
	booted        bool
	interval      time.Duration
	transactionID int
	idTag         string
	meter         int
	heartbeat     context.CancelFunc
	wg            sync.WaitGroup
}

// NewDevice creates a new simulated charge point
func NewDevice(id string, cfg Config, dialer Dialer, events logbus.Publisher) *Device {
	cfg = cfg.withDefaults()
	return &Device{
		id:       id,
		cfg:      cfg,
		dialer:   dialer,
		events:   events,
		interval: cfg.DefaultInterval,
	}
}

// ID returns the charge point identity.
func (d *Device) ID() string {
	return d.id
}

// Connect opens the transport and sends BootNotification. Other commands
// fail with ErrNotReady until the boot is accepted.
func (d *Device) Connect(ctx context.Context) (State, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	if d.peer != nil {
		d.mu.Unlock()
		return d.State(), ErrAlreadyConnected
	}
	d.mu.Unlock()

	conn, err := d.dialer.Dial(ctx, d.id)
	if err != nil {
		d.publish(fmt.Sprintf("connect failed: %v", err))
		return d.State(), err
	}

	peer := ocpp.NewPeer(d.id, &loggingConn{Conn: conn, device: d}, d.cfg.CallTimeout)
	serveCtx, stop := context.WithCancel(context.Background())

	d.mu.Lock()
	d.peer = peer
	d.stop = stop
	d.booted = false
	d.mu.Unlock()
	d.publish("connection established")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := peer.Serve(serveCtx, d.handleCall(serveCtx, peer))
		if err != nil {
			logrus.WithError(err).WithField("chargePointID", d.id).Warn("Simulator connection lost")
		}
		d.detach(peer)
	}()

	if err := d.boot(ctx, peer); err != nil {
		d.close(peer)
		return d.State(), err
	}
	return d.State(), nil
}

func (d *Device) boot(ctx context.Context, peer *ocpp.Peer) error {
	res, err := peer.SendCall(ctx, ocpp.ActionBootNotification, core.NewBootNotificationRequest(d.cfg.Model, d.cfg.Vendor))
	if err != nil {
		d.publish(fmt.Sprintf("BootNotification failed: %v", err))
		return err
	}
	conf := res.(*core.BootNotificationConfirmation)
	if conf.Status != core.RegistrationStatusAccepted {
		return &RejectedError{Action: ocpp.ActionBootNotification, Status: string(conf.Status)}
	}

	d.mu.Lock()
	d.booted = true
	if conf.Interval > 0 {
		d.interval = time.Duration(conf.Interval) * time.Second
	}
	interval := d.interval
	d.mu.Unlock()

	d.publish(fmt.Sprintf("BootNotification accepted, heartbeat interval %s", interval))
	return nil
}

// Disconnect closes the transport, cancels pending calls and stops the
// heartbeat. An open transaction is kept for the next connection.
func (d *Device) Disconnect() State {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()
	if peer != nil {
		d.close(peer)
	}
	return d.State()
}

func (d *Device) close(peer *ocpp.Peer) {
	peer.Close()
	d.detach(peer)
}

// detach clears the connection state once, whichever side closed first.
func (d *Device) detach(peer *ocpp.Peer) {
	d.mu.Lock()
	if d.peer != peer {
		d.mu.Unlock()
		return
	}
	d.peer = nil
	d.booted = false
	stop := d.stop
	d.stop = nil
	hb := d.heartbeat
	d.heartbeat = nil
	d.mu.Unlock()

	if hb != nil {
		hb()
	}
	if stop != nil {
		stop()
	}
	d.publish("connection closed")
}

// PresentIdTag sends Authorize for tag.
func (d *Device) PresentIdTag(ctx context.Context, tag string) (State, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	peer, err := d.ready()
	if err != nil {
		return d.State(), err
	}
	res, err := peer.SendCall(ctx, ocpp.ActionAuthorize, core.NewAuthorizationRequest(tag))
	if err != nil {
		return d.State(), d.callFailed(ocpp.ActionAuthorize, err)
	}
	conf := res.(*core.AuthorizeConfirmation)
	if conf.IdTagInfo == nil || conf.IdTagInfo.Status != types.AuthorizationStatusAccepted {
		return d.State(), d.rejected(ocpp.ActionAuthorize, conf.IdTagInfo)
	}
	d.publish(fmt.Sprintf("Authorize %s accepted", tag))
	return d.State(), nil
}

// StartTransaction sends StartTransaction for tag and stores the assigned
// transaction id.
func (d *Device) StartTransaction(ctx context.Context, tag string) (State, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	peer, err := d.ready()
	if err != nil {
		return d.State(), err
	}

	d.mu.Lock()
	meter := d.meter
	d.mu.Unlock()

	req := core.NewStartTransactionRequest(d.cfg.ConnectorID, tag, meter, types.NewDateTime(time.Now()))
	res, err := peer.SendCall(ctx, ocpp.ActionStartTransaction, req)
	if err != nil {
		return d.State(), d.callFailed(ocpp.ActionStartTransaction, err)
	}
	conf := res.(*core.StartTransactionConfirmation)
	if conf.IdTagInfo == nil || conf.IdTagInfo.Status != types.AuthorizationStatusAccepted {
		return d.State(), d.rejected(ocpp.ActionStartTransaction, conf.IdTagInfo)
	}

	d.mu.Lock()
	d.transactionID = conf.TransactionId
	d.idTag = tag
	d.mu.Unlock()

	d.publish(fmt.Sprintf("StartTransaction accepted, transaction %d", conf.TransactionId))
	return d.State(), nil
}

// StopTransaction stops the open transaction. Without one it does nothing
// and returns ErrNoOpenTransaction.
func (d *Device) StopTransaction(ctx context.Context) (State, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	peer, err := d.ready()
	if err != nil {
		return d.State(), err
	}

	d.mu.Lock()
	txID, tag := d.transactionID, d.idTag
	meterStop := d.meter + 10
	d.mu.Unlock()
	if txID == 0 {
		d.publish(fmt.Sprintf("StopTransaction skipped: %v", ErrNoOpenTransaction))
		return d.State(), ErrNoOpenTransaction
	}

	req := core.NewStopTransactionRequest(meterStop, types.NewDateTime(time.Now()), txID)
	req.IdTag = tag
	res, err := peer.SendCall(ctx, ocpp.ActionStopTransaction, req)
	if err != nil {
		return d.State(), d.callFailed(ocpp.ActionStopTransaction, err)
	}
	conf := res.(*core.StopTransactionConfirmation)
	if conf.IdTagInfo != nil && conf.IdTagInfo.Status != types.AuthorizationStatusAccepted {
		return d.State(), d.rejected(ocpp.ActionStopTransaction, conf.IdTagInfo)
	}

	d.mu.Lock()
	d.transactionID = 0
	d.idTag = ""
	d.meter = meterStop
	d.mu.Unlock()

	d.publish(fmt.Sprintf("StopTransaction accepted, transaction %d closed", txID))
	return d.State(), nil
}

// StartHeartbeat sends Heartbeat now and then every negotiated interval
// until StopHeartbeat or disconnect.
func (d *Device) StartHeartbeat() (State, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	peer, err := d.ready()
	if err != nil {
		return d.State(), err
	}

	d.mu.Lock()
	if d.heartbeat != nil {
		d.mu.Unlock()
		return d.State(), nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.heartbeat = cancel
	interval := d.interval
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.heartbeatLoop(ctx, peer, interval)
	}()
	d.publish(fmt.Sprintf("heartbeat started, every %s", interval))
	return d.State(), nil
}

// StopHeartbeat stops the heartbeat timer.
func (d *Device) StopHeartbeat() State {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	cancel := d.heartbeat
	d.heartbeat = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		d.publish("heartbeat stopped")
	}
	return d.State()
}

func (d *Device) heartbeatLoop(ctx context.Context, peer *ocpp.Peer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := peer.SendCall(ctx, ocpp.ActionHeartbeat, core.NewHeartbeatRequest()); err != nil {
			if ctx.Err() != nil || ocpp.IsClosed(err) {
				return
			}
			d.publish(fmt.Sprintf("heartbeat failed: %v", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// State returns a snapshot of the device.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := State{
		CPID:         d.id,
		Connected:    d.peer != nil,
		Booted:       d.booted,
		Interval:     int(d.interval / time.Second),
		Heartbeating: d.heartbeat != nil,
	}
	if d.transactionID != 0 {
		id := d.transactionID
		st.TransactionID = &id
	}
	return st
}

// Wait blocks until the connection and heartbeat goroutines have exited.
func (d *Device) Wait() {
	d.wg.Wait()
}

func (d *Device) ready() (*ocpp.Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peer == nil {
		return nil, ErrNotConnected
	}
	if !d.booted {
		return nil, ErrNotReady
	}
	return d.peer, nil
}

func (d *Device) callFailed(action ocpp.Action, err error) error {
	d.publish(fmt.Sprintf("%s failed: %v", action, err))
	return err
}

func (d *Device) rejected(action ocpp.Action, info *types.IdTagInfo) error {
	status := "missing idTagInfo"
	if info != nil {
		status = string(info.Status)
	}
	err := &RejectedError{Action: action, Status: status}
	d.publish(err.Error())
	return err
}

func (d *Device) publish(message string) {
	if d.events == nil {
		return
	}
	d.events.Publish(logbus.SourceSimulatedDevice, fmt.Sprintf("[%s] %s", d.id, message))
}

// handleCall answers calls initiated by the central system.
func (d *Device) handleCall(ctx context.Context, peer *ocpp.Peer) ocpp.FrameHandler {
	return func(_ context.Context, frame []byte) []byte {
		msg, err := ocpp.Decode(frame)
		if err != nil {
			var derr *ocpp.DecodeError
			if errors.As(err, &derr) {
				out, _ := ocpp.EncodeCallError(derr.UniqueID, derr.Code, fmt.Sprint(derr.Err), nil)
				return out
			}
			return nil
		}
		if msg.Type != ocpp.CallType {
			return nil
		}

		req, ok := msg.Request.(*remotetrigger.TriggerMessageRequest)
		if !ok {
			out, _ := ocpp.EncodeCallError(msg.UniqueID, ocpp.NotSupported,
				fmt.Sprintf("simulator does not handle %s", msg.Action), nil)
			return out
		}

		follow, supported := d.triggered(req.RequestedMessage)
		status := remotetrigger.TriggerMessageStatusAccepted
		if !supported {
			status = remotetrigger.TriggerMessageStatusNotImplemented
		}
		out, err := ocpp.EncodeCallResult(msg.UniqueID, remotetrigger.NewTriggerMessageConfirmation(status))
		if err != nil {
			logrus.WithError(err).WithField("chargePointID", d.id).Error("Failed to encode trigger message confirmation")
			return nil
		}
		d.publish(fmt.Sprintf("TriggerMessage %s: %s", req.RequestedMessage, status))

		if supported {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
				defer cancel()
				if err := follow(callCtx, peer); err != nil && !ocpp.IsClosed(err) {
					d.publish(fmt.Sprintf("triggered %s failed: %v", req.RequestedMessage, err))
				}
			}()
		}
		return out
	}
}

// triggered returns the call a TriggerMessage asks for.
func (d *Device) triggered(requested remotetrigger.MessageTrigger) (func(context.Context, *ocpp.Peer) error, bool) {
	switch requested {
	case core.HeartbeatFeatureName:
		return func(ctx context.Context, p *ocpp.Peer) error {
			_, err := p.SendCall(ctx, ocpp.ActionHeartbeat, core.NewHeartbeatRequest())
			return err
		}, true
	case core.BootNotificationFeatureName:
		return func(ctx context.Context, p *ocpp.Peer) error {
			_, err := p.SendCall(ctx, ocpp.ActionBootNotification, core.NewBootNotificationRequest(d.cfg.Model, d.cfg.Vendor))
			return err
		}, true
	case core.StatusNotificationFeatureName:
		return func(ctx context.Context, p *ocpp.Peer) error {
			status := core.ChargePointStatusAvailable
			d.mu.Lock()
			if d.transactionID != 0 {
				status = core.ChargePointStatusCharging
			}
			d.mu.Unlock()
			_, err := p.SendCall(ctx, ocpp.ActionStatusNotification,
				core.NewStatusNotificationRequest(d.cfg.ConnectorID, core.NoError, status))
			return err
		}, true
	}
	return nil, false
}

// loggingConn publishes every raw frame as a simulated-device entry.
type loggingConn struct {
	ocpp.Conn
	device *Device
}

func (c *loggingConn) ReadMessage() ([]byte, error) {
	frame, err := c.Conn.ReadMessage()
	if err == nil {
		c.device.publish("recv: " + string(frame))
	}
	return frame, err
}

func (c *loggingConn) WriteMessage(data []byte) error {
	if err := c.Conn.WriteMessage(data); err != nil {
		return err
	}
	c.device.publish("send: " + string(data))
	return nil
}
