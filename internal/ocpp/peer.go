package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Conn is a persistent, ordered, message-framed connection. ReadMessage is
// only ever called from one goroutine; WriteMessage calls are serialized by
// the Peer.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// FrameHandler answers an inbound CALL frame. A nil reply sends nothing.
type FrameHandler func(ctx context.Context, frame []byte) []byte

// Peer is one end of an OCPP-J connection. It owns the connection, the
// pending-request table for calls it initiates and the write lock. Both the
// central system and the simulator talk through a Peer.
type Peer struct {
	id      string
	conn    Conn
	timeout time.Duration
	pending *pendingTable

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewPeer wraps conn. timeout bounds every outbound call.
func NewPeer(id string, conn Conn, timeout time.Duration) *Peer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Peer{
		id:      id,
		conn:    conn,
		timeout: timeout,
		pending: newPendingTable(),
		done:    make(chan struct{}),
	}
}

// ID returns the charge point identity of the connection.
func (p *Peer) ID() string {
	return p.id
}

// Serve runs the read loop until the connection fails, ctx is cancelled or
// the peer is closed. Frames are processed strictly in arrival order and the
// reply to a call is written before the next frame is read. Results and
// errors for outbound calls are routed to the pending-request table.
func (p *Peer) Serve(ctx context.Context, handler FrameHandler) error {
	defer p.Close()

	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.done:
		}
	}()

	for {
		frame, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read from %s: %w", p.id, err)
		}

		if t, ok := peekType(frame); ok && (t == CallResultType || t == CallErrorType) {
			msg, err := Decode(frame)
			if err != nil {
				logrus.WithError(err).WithField("chargePointID", p.id).Warn("Dropping malformed response frame")
				continue
			}
			p.Resolve(msg)
			continue
		}

		if handler == nil {
			continue
		}
		if reply := handler(ctx, frame); reply != nil {
			if err := p.write(reply); err != nil {
				return fmt.Errorf("write to %s: %w", p.id, err)
			}
		}
	}
}

// SendCall issues a CALL and blocks until its result, a CALLERROR, the call
// timeout or ctx cancellation. Results are returned as the typed confirmation
// of action.
func (p *Peer) SendCall(ctx context.Context, action Action, payload interface{}) (interface{}, error) {
	uniqueID := uuid.NewString()
	frame, err := EncodeCall(uniqueID, action, payload)
	if err != nil {
		return nil, err
	}

	req, err := p.pending.add(uniqueID, action, p.timeout)
	if err != nil {
		return nil, err
	}
	if err := p.write(frame); err != nil {
		p.pending.complete(uniqueID, outcome{err: fmt.Errorf("send %s: %w", action, err)})
	}

	select {
	case out := <-req.done:
		return out.response, out.err
	case <-ctx.Done():
		p.pending.complete(uniqueID, outcome{err: ctx.Err()})
		out := <-req.done
		return out.response, out.err
	}
}

// Resolve completes the pending call matching a decoded CALLRESULT or
// CALLERROR. It reports false for late or unknown responses.
func (p *Peer) Resolve(msg *Message) bool {
	action, ok := p.pending.action(msg.UniqueID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"chargePointID": p.id,
			"uniqueId":      msg.UniqueID,
		}).Debug("No pending request for response")
		return false
	}

	switch msg.Type {
	case CallResultType:
		response, err := DecodeResponse(action, msg.Payload)
		return p.pending.complete(msg.UniqueID, outcome{response: response, err: err})
	case CallErrorType:
		return p.pending.complete(msg.UniqueID, outcome{err: &CallError{
			Code:        msg.ErrorCode,
			Description: msg.ErrorDescription,
			Details:     msg.ErrorDetails,
		}})
	default:
		return false
	}
}

// Pending returns the number of outbound calls awaiting a response.
func (p *Peer) Pending() int {
	return p.pending.len()
}

// Close closes the connection and fails every pending call with ErrCancelled.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
		p.pending.cancelAll(ErrCancelled)
	})
	return err
}

// Done is closed once the peer has been closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) write(frame []byte) error {
	select {
	case <-p.done:
		return ErrConnClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(frame)
}

// peekType reads only the message type id of a frame.
func peekType(frame []byte) (MessageType, bool) {
	var head []json.RawMessage
	if err := json.Unmarshal(frame, &head); err != nil || len(head) == 0 {
		return 0, false
	}
	var t int
	if err := json.Unmarshal(head[0], &t); err != nil {
		return 0, false
	}
	return MessageType(t), true
}

// Pipe returns two connected in-memory connections. Closing either end
// closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeConn{in: ba, out: ab, state: shared}, &pipeConn{in: ab, out: ba, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.state.done:
		return nil, ErrConnClosed
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	select {
	case <-c.state.done:
		return ErrConnClosed
	default:
	}
	frame := append([]byte(nil), data...)
	select {
	case c.out <- frame:
		return nil
	case <-c.state.done:
		return ErrConnClosed
	}
}

func (c *pipeConn) Close() error {
	c.state.once.Do(func() { close(c.state.done) })
	return nil
}

// IsClosed reports whether err means the connection went away.
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnClosed) || errors.Is(err, ErrCancelled)
}
