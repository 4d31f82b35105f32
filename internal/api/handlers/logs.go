package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/sirupsen/logrus"
)

const (
	maxLogLimit    = 200
	streamWriteTTL = 5 * time.Second
)

// GetLogs returns recent log entries, newest first, optionally filtered by source
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := logFilter(r)
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries := h.cpms.GetLogs(filter, queryLimit(r, maxLogLimit))
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	sendResponse(w, Response{
		Success: true,
		Data:    entries,
	})
}

// GetArchivedLogs returns persisted log entries, newest first
func (h *Handler) GetArchivedLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.cpms.GetArchivedLogs(r.Context(), queryLimit(r, maxLogLimit))
	if err != nil {
		logrus.WithError(err).Error("Failed to get archived logs")
		sendErrorResponse(w, "Failed to get archived logs", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    logs,
	})
}

// StreamLogs upgrades to a websocket and pushes matching entries as JSON
// text frames, starting with the recent history.
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := logFilter(r)
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Log stream upgrade failed")
		return
	}
	defer ws.Close()

	sub := h.cpms.Bus().Subscribe(filter)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop only notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		entry, err := sub.Next(ctx)
		if err != nil {
			return
		}
		_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTTL))
		if err := ws.WriteJSON(entry); err != nil {
			logrus.WithError(err).Debug("Log stream client went away")
			return
		}
	}
}

func logFilter(r *http.Request) (logbus.Filter, error) {
	raw := r.URL.Query().Get("source")
	if raw == "" {
		return logbus.Filter{}, nil
	}
	source, err := logbus.ParseSource(raw)
	if err != nil {
		return logbus.Filter{}, err
	}
	return logbus.Filter{Sources: []logbus.Source{source}}, nil
}
