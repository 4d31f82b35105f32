package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/balu-dk/go-pipelets/internal/db"
	"github.com/balu-dk/go-pipelets/internal/db/models"
	"github.com/balu-dk/go-pipelets/internal/pipeline"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// GetWorkflows returns all workflows
func (h *Handler) GetWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.cpms.GetWorkflows(r.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get workflows")
		sendErrorResponse(w, "Failed to get workflows", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    workflows,
	})
}

// RegisterWorkflow validates and stores a workflow. Malformed or cyclic
// graphs are rejected with 400.
func (h *Handler) RegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf pipeline.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	plan, err := h.cpms.RegisterWorkflow(r.Context(), wf)
	var invalid *pipeline.GraphValidationError
	if errors.As(err, &invalid) {
		sendErrorResponse(w, invalid.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("workflowID", wf.ID).Error("Failed to register workflow")
		sendErrorResponse(w, "Failed to register workflow", http.StatusInternalServerError)
		return
	}

	order := make([]string, 0, len(plan.Order))
	for _, n := range plan.Order {
		order = append(order, n.ID)
	}
	sendStatusResponse(w, Response{
		Success: true,
		Message: "Workflow registered",
		Data: map[string]interface{}{
			"workflow":    plan.Workflow,
			"order":       order,
			"fingerprint": plan.Fingerprint,
		},
	}, http.StatusCreated)
}

// GetPipelets returns all pipelets
func (h *Handler) GetPipelets(w http.ResponseWriter, r *http.Request) {
	pipelets, err := h.cpms.GetPipelets(r.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get pipelets")
		sendErrorResponse(w, "Failed to get pipelets", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    pipelets,
	})
}

// SavePipelet creates or updates a pipelet
func (h *Handler) SavePipelet(w http.ResponseWriter, r *http.Request) {
	var p models.Pipelet
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if p.ID == "" || p.Code == "" {
		sendErrorResponse(w, "Pipelet id and code are required", http.StatusBadRequest)
		return
	}

	if err := h.cpms.SavePipelet(r.Context(), &p); err != nil {
		logrus.WithError(err).WithField("pipeletID", p.ID).Error("Failed to save pipelet")
		sendErrorResponse(w, "Failed to save pipelet", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Pipelet saved",
		Data:    p,
	})
}

// TestPipelet runs a stored pipelet against a message and context from the
// request body. Pipelet failures are part of the result, not HTTP errors.
func (h *Handler) TestPipelet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Message pipeline.Message `json:"message"`
		Context pipeline.Context `json:"context"`
		// Timeout is in seconds
		Timeout *float64 `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendErrorResponse(w, "message and context must be objects, timeout a number", http.StatusBadRequest)
		return
	}
	var timeout time.Duration
	if req.Timeout != nil {
		if *req.Timeout <= 0 {
			sendErrorResponse(w, "timeout must be positive", http.StatusBadRequest)
			return
		}
		timeout = time.Duration(*req.Timeout * float64(time.Second))
	}

	result, err := h.cpms.TestPipelet(r.Context(), id, req.Message, req.Context, timeout)
	if errors.Is(err, db.ErrNotFound) {
		sendErrorResponse(w, "Pipelet not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("pipeletID", id).Error("Failed to test pipelet")
		sendErrorResponse(w, "Failed to test pipelet", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    result,
	})
}

// GetBuiltins returns the builtin pipelet catalog
func (h *Handler) GetBuiltins(w http.ResponseWriter, r *http.Request) {
	type builtin struct {
		Name        string `json:"name"`
		Title       string `json:"title"`
		Event       string `json:"event"`
		Description string `json:"description"`
		Code        string `json:"code"`
	}
	catalog := pipeline.Builtins()
	out := make([]builtin, 0, len(catalog))
	for _, b := range catalog {
		out = append(out, builtin{Name: b.Name, Title: b.Title, Event: b.Event, Description: b.Description, Code: b.Code()})
	}

	sendResponse(w, Response{
		Success: true,
		Data:    out,
	})
}

// GetRuns returns the most recent workflow runs
func (h *Handler) GetRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.cpms.GetRuns(r.Context(), queryLimit(r, 200))
	if err != nil {
		logrus.WithError(err).Error("Failed to get runs")
		sendErrorResponse(w, "Failed to get runs", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    runs,
	})
}
