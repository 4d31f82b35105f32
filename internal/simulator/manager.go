package simulator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/balu-dk/go-pipelets/internal/ocpp"
)

// Manager owns one independent Device per charge point identity.
type Manager struct {
	cfg    Config
	dialer Dialer
	events logbus.Publisher

	mu      sync.Mutex
	devices map[string]*Device
}

// NewManager creates a new simulator manager
func NewManager(cfg Config, dialer Dialer, events logbus.Publisher) *Manager {
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		events:  events,
		devices: make(map[string]*Device),
	}
}

// Device returns the simulator for cpID, creating it on first use.
func (m *Manager) Device(cpID string) (*Device, error) {
	if !ocpp.ValidChargePointID(cpID) {
		return nil, fmt.Errorf("invalid charge point id %q", cpID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[cpID]
	if !ok {
		d = NewDevice(cpID, m.cfg, m.dialer, m.events)
		m.devices[cpID] = d
	}
	return d, nil
}

// Lookup returns the simulator for cpID if it exists.
func (m *Manager) Lookup(cpID string) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[cpID]
	return d, ok
}

// States returns a snapshot of every simulator, ordered by id.
func (m *Manager) States() []State {
	m.mu.Lock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	states := make([]State, 0, len(devices))
	for _, d := range devices {
		states = append(states, d.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].CPID < states[j].CPID })
	return states
}

// Close disconnects every simulator and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	for _, d := range devices {
		d.Disconnect()
	}
	for _, d := range devices {
		d.Wait()
	}
}
