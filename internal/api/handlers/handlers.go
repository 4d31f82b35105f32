package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/balu-dk/go-pipelets/internal/db"
	"github.com/balu-dk/go-pipelets/internal/ocpp"
	"github.com/balu-dk/go-pipelets/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Handler handles API requests
type Handler struct {
	cpms     *service.CPMS
	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler
func NewHandler(cpms *service.CPMS) *Handler {
	return &Handler{
		cpms: cpms,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Health reports that the process is serving requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, Response{
		Success: true,
		Message: "ok",
	})
}

// GetChargePoints returns every connected charge point session
func (h *Handler) GetChargePoints(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, Response{
		Success: true,
		Data:    h.cpms.GetSessions(),
	})
}

// GetSessionStatus returns whether a charge point is connected and when it
// was last heard from
func (h *Handler) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !ocpp.ValidChargePointID(id) {
		sendErrorResponse(w, "Invalid charge point ID", http.StatusBadRequest)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    h.cpms.GetSessionStatus(id),
	})
}

// TriggerMessage asks a charge point to send a message
func (h *Handler) TriggerMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !ocpp.ValidChargePointID(id) {
		sendErrorResponse(w, "Invalid charge point ID", http.StatusBadRequest)
		return
	}

	var req struct {
		RequestedMessage string `json:"requestedMessage"`
		ConnectorID      int    `json:"connectorId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	confirmation, err := h.cpms.TriggerMessage(r.Context(), id, req.RequestedMessage, req.ConnectorID)
	if err != nil {
		var callErr *ocpp.CallError
		switch {
		case errors.Is(err, service.ErrInvalidTrigger):
			sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ocpp.ErrSessionNotFound):
			sendErrorResponse(w, "Charge point not connected", http.StatusNotFound)
		case errors.Is(err, ocpp.ErrRequestTimeout):
			sendErrorResponse(w, "Charge point did not answer in time", http.StatusGatewayTimeout)
		case errors.As(err, &callErr):
			sendErrorResponse(w, callErr.Error(), http.StatusBadGateway)
		default:
			logrus.WithError(err).WithField("chargePointID", id).Error("Failed to trigger message")
			sendErrorResponse(w, "Failed to trigger message", http.StatusInternalServerError)
		}
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Trigger message command sent",
		Data:    confirmation,
	})
}

// GetTransaction returns a specific transaction
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		sendErrorResponse(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}

	transaction, err := h.cpms.GetTransaction(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		sendErrorResponse(w, "Transaction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("id", id).Error("Failed to get transaction")
		sendErrorResponse(w, "Failed to get transaction", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    transaction,
	})
}

// Helper functions to send responses
func sendResponse(w http.ResponseWriter, response Response) {
	sendStatusResponse(w, response, http.StatusOK)
}

func sendStatusResponse(w http.ResponseWriter, response Response, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Error:   message,
	}); err != nil {
		logrus.WithError(err).Error("Failed to encode error response")
	}
}

// queryLimit parses the limit query parameter. Missing, zero or malformed
// values mean max; everything else is clamped to 1..max.
func queryLimit(r *http.Request, max int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit == 0 {
		return max
	}
	if limit < 1 {
		return 1
	}
	if limit > max {
		return max
	}
	return limit
}
