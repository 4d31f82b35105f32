package simulator

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/balu-dk/go-pipelets/internal/ocpp"
	"github.com/gorilla/websocket"
)

// Dialer opens the transport for one simulated charge point.
type Dialer interface {
	Dial(ctx context.Context, cpID string) (ocpp.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cpID string) (ocpp.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, cpID string) (ocpp.Conn, error) {
	return f(ctx, cpID)
}

// WebsocketDialer connects to a central system at BaseURL/<cpID> using the
// ocpp1.6 subprotocol.
type WebsocketDialer struct {
	BaseURL string
	Dialer  *websocket.Dialer
}

// Dial opens a websocket for cpID.
func (w *WebsocketDialer) Dial(ctx context.Context, cpID string) (ocpp.Conn, error) {
	target := strings.TrimRight(w.BaseURL, "/") + "/" + url.PathEscape(cpID)

	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	d := *dialer
	d.Subprotocols = []string{ocpp.Subprotocol}

	ws, resp, err := d.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", target, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if ws.Subprotocol() != ocpp.Subprotocol {
		ws.Close()
		return nil, fmt.Errorf("dial %s: central system did not accept subprotocol %s", target, ocpp.Subprotocol)
	}
	return ocpp.NewWebsocketConn(ws), nil
}
