package ocpp

import (
	"context"
	"net/http"
	"regexp"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var chargePointIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,64}$`)

// ValidChargePointID reports whether id can be used as a CP-ID.
func ValidChargePointID(id string) bool {
	return chargePointIDPattern.MatchString(id)
}

// CentralSystem accepts OCPP 1.6 websocket connections at {path}/{cpID} and
// hands them to the dispatcher.
type CentralSystem struct {
	dispatcher *Dispatcher
	router     chi.Router
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCentralSystem creates a new OCPP central system serving path
func NewCentralSystem(dispatcher *Dispatcher, path string) *CentralSystem {
	ctx, cancel := context.WithCancel(context.Background())
	cs := &CentralSystem{
		dispatcher: dispatcher,
		router:     chi.NewRouter(),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	cs.router.Get(path+"/{cpID}", cs.handleConnect)
	return cs
}

// ServeHTTP satisfies the http.Handler interface
func (cs *CentralSystem) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cs.router.ServeHTTP(w, r)
}

func (cs *CentralSystem) handleConnect(w http.ResponseWriter, r *http.Request) {
	cpID := chi.URLParam(r, "cpID")
	if !ValidChargePointID(cpID) {
		http.Error(w, "invalid charge point id", http.StatusBadRequest)
		return
	}
	select {
	case <-cs.ctx.Done():
		http.Error(w, "central system is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).WithField("chargePointID", cpID).Warn("Websocket upgrade failed")
		return
	}
	if ws.Subprotocol() != Subprotocol {
		logrus.WithField("chargePointID", cpID).Warn("Client did not negotiate the ocpp1.6 subprotocol")
	}

	cs.wg.Add(1)
	defer cs.wg.Done()

	if err := cs.dispatcher.Accept(cs.ctx, cpID, NewWebsocketConn(ws)); err != nil {
		logrus.WithError(err).WithField("chargePointID", cpID).Debug("Connection ended")
	}
}

// Close disconnects every charge point and waits for their read loops.
func (cs *CentralSystem) Close() {
	cs.cancel()
	cs.dispatcher.Close()
	cs.wg.Wait()
}
