package ocpp

import (
	"sync"
	"time"
)

// Session is the central system's view of one connected charge point. All
// mutable fields are guarded by the session's own lock; sessions never
// reference each other.
type Session struct {
	id          string
	peer        *Peer
	connectedAt time.Time

	mu                sync.Mutex
	state             State
	lastHeartbeat     time.Time
	heartbeatInterval int
	violations        int
	connectorStatus   string
}

// SessionInfo is a point-in-time copy of a session.
type SessionInfo struct {
	ID                string     `json:"id"`
	State             State      `json:"state"`
	ConnectedAt       time.Time  `json:"connectedAt"`
	LastHeartbeat     *time.Time `json:"lastHeartbeat,omitempty"`
	HeartbeatInterval int        `json:"heartbeatInterval"`
	ConnectorStatus   string     `json:"connectorStatus,omitempty"`
	PendingCalls      int        `json:"pendingCalls"`
}

func newSession(id string, peer *Peer, now time.Time) *Session {
	s := &Session{id: id, peer: peer, connectedAt: now, state: StateDisconnected}
	s.state, _ = Next(s.state, EventConnect)
	return s
}

// ID returns the charge point identity.
func (s *Session) ID() string {
	return s.id
}

// Peer returns the connection owned by the session.
func (s *Session) Peer() *Peer {
	return s.peer
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// apply runs one transition and returns the states before and after it.
func (s *Session) apply(ev Event) (State, State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	to, err := Next(from, ev)
	if err != nil {
		return from, from, err
	}
	s.state = to
	return from, to, nil
}

// resume moves a freshly booted session straight into state, used when the
// charge point reconnects with a transaction still open.
func (s *Session) resume(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) touchHeartbeat(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

func (s *Session) setHeartbeatInterval(seconds int) {
	s.mu.Lock()
	s.heartbeatInterval = seconds
	s.mu.Unlock()
}

func (s *Session) setConnectorStatus(status string) {
	s.mu.Lock()
	s.connectorStatus = status
	s.mu.Unlock()
}

// recordViolation counts a protocol violation and returns the running total.
func (s *Session) recordViolation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations++
	return s.violations
}

func (s *Session) clearViolations() {
	s.mu.Lock()
	s.violations = 0
	s.mu.Unlock()
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		ID:                s.id,
		State:             s.state,
		ConnectedAt:       s.connectedAt,
		HeartbeatInterval: s.heartbeatInterval,
		ConnectorStatus:   s.connectorStatus,
	}
	if !s.lastHeartbeat.IsZero() {
		hb := s.lastHeartbeat
		info.LastHeartbeat = &hb
	}
	s.mu.Unlock()
	if s.peer != nil {
		info.PendingCalls = s.peer.Pending()
	}
	return info
}
