package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/balu-dk/go-pipelets/config"
	"github.com/balu-dk/go-pipelets/internal/db"
	"github.com/balu-dk/go-pipelets/internal/db/models"
	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/balu-dk/go-pipelets/internal/metrics"
	"github.com/balu-dk/go-pipelets/internal/ocpp"
	"github.com/balu-dk/go-pipelets/internal/pipeline"
	"github.com/balu-dk/go-pipelets/internal/simulator"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrInvalidTrigger is returned for a TriggerMessage naming an unknown message.
var ErrInvalidTrigger = errors.New("invalid trigger")

var validTriggers = map[remotetrigger.MessageTrigger]bool{
	core.BootNotificationFeatureName:                  true,
	core.HeartbeatFeatureName:                         true,
	core.MeterValuesFeatureName:                       true,
	core.StatusNotificationFeatureName:                true,
	firmware.DiagnosticsStatusNotificationFeatureName: true,
	firmware.FirmwareStatusNotificationFeatureName:    true,
}

// Option configures a CPMS.
type Option func(*CPMS)

// WithDialer replaces the dialer simulated devices connect through.
func WithDialer(d simulator.Dialer) Option {
	return func(s *CPMS) { s.dialer = d }
}

// WithRegistry sets the Prometheus registry the collectors are registered on.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *CPMS) { s.registry = reg }
}

// CPMS composes the central system, the pipeline engine, the log bus and
// the device simulators behind one facade.
type CPMS struct {
	config   *config.Config
	store    db.Store
	registry *prometheus.Registry
	dialer   simulator.Dialer

	bus           *logbus.Bus
	metrics       *metrics.Metrics
	engine        *pipeline.Engine
	dispatcher    *ocpp.Dispatcher
	centralSystem *ocpp.CentralSystem
	simulators    *simulator.Manager
	archiver      *logbus.Archiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCPMS creates a new CPMS service
func NewCPMS(cfg *config.Config, store db.Store, opts ...Option) (*CPMS, error) {
	s := &CPMS{
		config: cfg,
		store:  store,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	m, err := metrics.New(s.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	s.metrics = m

	s.bus = logbus.New(logbus.Options{
		HistorySize: cfg.LogHistorySize,
		QueueSize:   cfg.LogSubscriberQueue,
		Metrics:     m,
	})
	s.archiver = logbus.NewArchiver(s.bus, store)

	// Workflows can only be bound to events the dispatcher fires
	events := cfg.PipelineTriggers
	if len(events) == 0 {
		events = pipeline.DefaultEvents
	}

	sandbox, err := pipeline.NewSandboxRunner(cfg.PipeletInterpreter, cfg.PipeletMaxOutput)
	if err != nil {
		return nil, err
	}
	s.engine, err = pipeline.NewEngine(pipeline.Options{
		Definitions:   store,
		Runs:          store,
		Runner:        &pipeline.DispatchRunner{Sandbox: sandbox},
		Events:        s.bus,
		Metrics:       m,
		NodeTimeout:   cfg.PipeletTimeout,
		AllowedEvents: events,
	})
	if err != nil {
		return nil, err
	}

	triggers := make([]ocpp.Action, 0, len(events))
	for _, name := range events {
		triggers = append(triggers, ocpp.Action(name))
	}

	// Continue numbering after transactions kept by a persistent store
	lookupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	lastID, err := store.MaxTransactionID(lookupCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to read last transaction id: %w", err)
	}

	s.dispatcher, err = ocpp.NewDispatcher(ocpp.DispatcherConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		CallTimeout:       cfg.CallTimeout,
		FaultThreshold:    cfg.FaultThreshold,
		Triggers:          triggers,
	}, ocpp.NewRegistry(), ocpp.NewTransactionTable(ocpp.WithStartID(lastID)), s.bus,
		ocpp.WithTrigger(s.engine),
		ocpp.WithRecorder(store),
		ocpp.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	s.centralSystem = ocpp.NewCentralSystem(s.dispatcher, cfg.OCPPPath)

	if s.dialer == nil {
		s.dialer = s.defaultDialer()
	}
	s.simulators = simulator.NewManager(simulator.Config{CallTimeout: cfg.CallTimeout}, s.dialer, s.bus)
	return s, nil
}

// defaultDialer connects simulators to SIMULATOR_URL, or straight into this
// process' dispatcher when no URL is configured.
func (s *CPMS) defaultDialer() simulator.Dialer {
	if s.config.SimulatorURL != "" {
		return &simulator.WebsocketDialer{BaseURL: s.config.SimulatorURL}
	}
	return s.LoopbackDialer()
}

// LoopbackDialer returns a dialer that connects simulated devices to the
// dispatcher over in-memory connections.
func (s *CPMS) LoopbackDialer() simulator.Dialer {
	return simulator.DialerFunc(func(ctx context.Context, cpID string) (ocpp.Conn, error) {
		client, server := ocpp.Pipe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.dispatcher.Accept(s.ctx, cpID, server); err != nil {
				logrus.WithError(err).WithField("chargePointID", cpID).Debug("Loopback connection ended")
			}
		}()
		return client, nil
	})
}

// Start starts the log archiver
func (s *CPMS) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.archiver.Run(s.ctx); err != nil {
			logrus.WithError(err).Error("Log archiver stopped")
		}
	}()
	logrus.WithFields(logrus.Fields{
		"ocppPath": s.config.OCPPPath,
		"triggers": s.config.PipelineTriggers,
	}).Info("CPMS started")
}

// Close disconnects simulators and charge points, waits for pending
// workflow runs and stops the log bus.
func (s *CPMS) Close() {
	s.simulators.Close()
	s.centralSystem.Close()
	s.engine.Wait()
	s.cancel()
	s.bus.Close()
	s.wg.Wait()
}

// OCPPHandler returns the websocket endpoint charge points connect to
func (s *CPMS) OCPPHandler() http.Handler {
	return s.centralSystem
}

// Gatherer returns the registry holding the service metrics
func (s *CPMS) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Bus returns the log bus
func (s *CPMS) Bus() *logbus.Bus {
	return s.bus
}

// Simulator returns the simulated device for cpID, creating it on first use
func (s *CPMS) Simulator(cpID string) (*simulator.Device, error) {
	return s.simulators.Device(cpID)
}

// Simulators returns the state of every simulated device
func (s *CPMS) Simulators() []simulator.State {
	return s.simulators.States()
}

// GetSessionStatus reports whether a charge point is connected
func (s *CPMS) GetSessionStatus(cpID string) ocpp.SessionStatus {
	return s.dispatcher.SessionStatus(cpID)
}

// GetSessions returns every live charge point session
func (s *CPMS) GetSessions() []ocpp.SessionInfo {
	return s.dispatcher.Sessions()
}

// TriggerMessage asks a charge point to send the requested message
func (s *CPMS) TriggerMessage(ctx context.Context, chargePointID string, requested string, connectorID int) (*remotetrigger.TriggerMessageConfirmation, error) {
	trigger := remotetrigger.MessageTrigger(requested)
	if !validTriggers[trigger] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTrigger, requested)
	}
	req := remotetrigger.NewTriggerMessageRequest(trigger)
	if connectorID > 0 {
		req.ConnectorId = &connectorID
	}

	response, err := s.dispatcher.SendCall(ctx, chargePointID, ocpp.ActionTriggerMessage, req)
	if err != nil {
		return nil, err
	}
	confirmation, ok := response.(*remotetrigger.TriggerMessageConfirmation)
	if !ok {
		return nil, fmt.Errorf("unexpected TriggerMessage response %T", response)
	}

	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"trigger":       requested,
		"status":        confirmation.Status,
	}).Info("Trigger message request processed")
	return confirmation, nil
}

// GetTransaction returns a specific transaction
func (s *CPMS) GetTransaction(ctx context.Context, id int) (*models.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// RegisterWorkflow validates and stores a workflow
func (s *CPMS) RegisterWorkflow(ctx context.Context, wf pipeline.Workflow) (*pipeline.Plan, error) {
	return s.engine.Register(ctx, wf)
}

// GetWorkflows returns all workflows
func (s *CPMS) GetWorkflows(ctx context.Context) ([]pipeline.Workflow, error) {
	return s.store.ListWorkflows(ctx)
}

// SavePipelet creates or updates a pipelet
func (s *CPMS) SavePipelet(ctx context.Context, p *models.Pipelet) error {
	if p.ID == "" || p.Code == "" {
		return errors.New("pipelet id and code are required")
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	return s.store.SavePipelet(ctx, p)
}

// GetPipelets returns all pipelets
func (s *CPMS) GetPipelets(ctx context.Context) ([]models.Pipelet, error) {
	return s.store.ListPipelets(ctx)
}

// TestPipelet runs a stored pipelet once against message and vars
func (s *CPMS) TestPipelet(ctx context.Context, id string, message pipeline.Message, vars pipeline.Context, timeout time.Duration) (pipeline.TestResult, error) {
	return s.engine.TestPipelet(ctx, id, message, vars, timeout)
}

// GetRuns returns the most recent workflow runs
func (s *CPMS) GetRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	return s.store.ListRuns(ctx, limit)
}

// GetLogs returns up to limit recent bus entries matching filter
func (s *CPMS) GetLogs(filter logbus.Filter, limit int) []logbus.Entry {
	return s.bus.Snapshot(filter, limit)
}

// GetArchivedLogs returns archived log entries, newest first
func (s *CPMS) GetArchivedLogs(ctx context.Context, limit int) ([]models.LogRecord, error) {
	return s.store.ListLogs(ctx, limit)
}

// WaitRuns blocks until every workflow run in flight has finished
func (s *CPMS) WaitRuns() {
	s.engine.Wait()
}
