package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/balu-dk/go-pipelets/internal/simulator"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type simulatorRequest struct {
	IdTag string `json:"idTag"`
}

type simulatorCommand func(ctx context.Context, d *simulator.Device, req simulatorRequest) (simulator.State, error)

// GetSimulators returns the state of every simulated device
func (h *Handler) GetSimulators(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, Response{
		Success: true,
		Data:    h.cpms.Simulators(),
	})
}

// SimConnect connects a simulated device and sends its BootNotification
func (h *Handler) SimConnect(w http.ResponseWriter, r *http.Request) {
	h.simulate(w, r, "connect", false, func(ctx context.Context, d *simulator.Device, _ simulatorRequest) (simulator.State, error) {
		return d.Connect(ctx)
	})
}

// SimDisconnect closes a simulated device connection
func (h *Handler) SimDisconnect(w http.ResponseWriter, r *http.Request) {
	h.simulate(w, r, "disconnect", false, func(_ context.Context, d *simulator.Device, _ simulatorRequest) (simulator.State, error) {
		return d.Disconnect(), nil
	})
}

// SimAuthorize presents an idTag
func (h *Handler) SimAuthorize(w http.ResponseWriter, r *http.Request) {
	h.simulate(w, r, "authorize", true, func(ctx context.Context, d *simulator.Device, req simulatorRequest) (simulator.State, error) {
		return d.PresentIdTag(ctx, req.IdTag)
	})
}

// SimStartTransaction starts a transaction
func (h *Handler) SimStartTransaction(w http.ResponseWriter, r *http.Request) {
	h.simulate(w, r, "start", true, func(ctx context.Context, d *simulator.Device, req simulatorRequest) (simulator.State, error) {
		return d.StartTransaction(ctx, req.IdTag)
	})
}

// SimStopTransaction stops the open transaction
func (h *Handler) SimStopTransaction(w http.ResponseWriter, r *http.Request) {
	h.simulate(w, r, "stop", false, func(ctx context.Context, d *simulator.Device, _ simulatorRequest) (simulator.State, error) {
		return d.StopTransaction(ctx)
	})
}

// SimStartHeartbeat starts the periodic heartbeat
func (h *Handler) SimStartHeartbeat(w http.ResponseWriter, r *http.Request) {
	h.simulate(w, r, "heartbeat/start", false, func(_ context.Context, d *simulator.Device, _ simulatorRequest) (simulator.State, error) {
		return d.StartHeartbeat()
	})
}

// SimStopHeartbeat stops the periodic heartbeat
func (h *Handler) SimStopHeartbeat(w http.ResponseWriter, r *http.Request) {
	h.simulate(w, r, "heartbeat/stop", false, func(_ context.Context, d *simulator.Device, _ simulatorRequest) (simulator.State, error) {
		return d.StopHeartbeat(), nil
	})
}

func (h *Handler) simulate(w http.ResponseWriter, r *http.Request, command string, needsTag bool, run simulatorCommand) {
	cpID := chi.URLParam(r, "cpID")
	device, err := h.cpms.Simulator(cpID)
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req simulatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if needsTag && req.IdTag == "" {
		sendErrorResponse(w, "idTag is required", http.StatusBadRequest)
		return
	}

	state, err := run(r.Context(), device, req)
	if err != nil {
		var rejected *simulator.RejectedError
		switch {
		case errors.Is(err, simulator.ErrNotConnected),
			errors.Is(err, simulator.ErrNotReady),
			errors.Is(err, simulator.ErrAlreadyConnected),
			errors.Is(err, simulator.ErrNoOpenTransaction),
			errors.As(err, &rejected):
			sendErrorResponse(w, err.Error(), http.StatusConflict)
		default:
			logrus.WithError(err).WithFields(logrus.Fields{
				"chargePointID": cpID,
				"command":       command,
			}).Warn("Simulator command failed")
			sendErrorResponse(w, err.Error(), http.StatusBadGateway)
		}
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Simulator " + command + " done",
		Data:    state,
	})
}
