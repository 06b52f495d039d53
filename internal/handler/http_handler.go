package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ledgerline/be-approval-engine/internal/errors"
	"github.com/ledgerline/be-approval-engine/internal/logger"
	"github.com/ledgerline/be-approval-engine/internal/repository"
	"github.com/ledgerline/be-approval-engine/internal/service"
)

// HTTPHandler exposes the engine over JSON HTTP. The acting identity arrives
// in the X-Actor-ID header, set by the host gateway after authentication; the
// engine itself never consults ambient identity.
type HTTPHandler struct {
	orchestrator *service.WorkflowOrchestrator
	processor    *service.ActionProcessor
	store        service.InstanceStore
	log          *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	orchestrator *service.WorkflowOrchestrator,
	processor *service.ActionProcessor,
	store service.InstanceStore,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		orchestrator: orchestrator,
		processor:    processor,
		store:        store,
		log:          log,
	}
}

// Register wires all workflow routes onto the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows", h.StartWorkflow)
	mux.HandleFunc("/api/v1/workflows/preview", h.PreviewWorkflow)
	mux.HandleFunc("/api/v1/workflows/get", h.GetWorkflow)
	mux.HandleFunc("/api/v1/workflows/approve", h.Approve)
	mux.HandleFunc("/api/v1/workflows/reject", h.Reject)
	mux.HandleFunc("/api/v1/workflows/delegate", h.Delegate)
	mux.HandleFunc("/api/v1/workflows/comment", h.Comment)
	mux.HandleFunc("/api/v1/workflows/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/workflows/history", h.History)
	mux.HandleFunc("/api/v1/workflows/pending", h.ListPending)
}

// ── Requests ──────────────────────────────────────────────────────────────────

// StartWorkflowRequest is the payload for starting (or previewing) a workflow.
type StartWorkflowRequest struct {
	DocumentType string                 `json:"document_type"`
	DocumentID   int64                  `json:"document_id"`
	Amount       int64                  `json:"amount"`
	SiteID       *string                `json:"site_id,omitempty"`
	BudgetType   string                 `json:"budget_type,omitempty"`
	Category     string                 `json:"category,omitempty"`
	IsBudgeted   *bool                  `json:"is_budgeted,omitempty"`
	Urgency      string                 `json:"urgency,omitempty"`
	Notes        *string                `json:"notes,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func (r *StartWorkflowRequest) options(actorID string) service.StartOptions {
	return service.StartOptions{
		SiteID: r.SiteID,
		Attributes: repository.RuleAttributes{
			BudgetType: r.BudgetType,
			Category:   r.Category,
			IsBudgeted: r.IsBudgeted,
			Urgency:    r.Urgency,
			CreatorID:  actorID,
		},
		Notes:    r.Notes,
		Metadata: r.Metadata,
	}
}

type actionRequest struct {
	WorkflowID string `json:"workflow_id"`
	Comments   string `json:"comments,omitempty"`
	DelegateTo string `json:"delegate_to,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// StartWorkflow starts an approval workflow on a document.
func (h *HTTPHandler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StartWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actorID := r.Header.Get("X-Actor-ID")
	inst, err := h.orchestrator.Start(r.Context(), req.DocumentType, req.DocumentID, req.Amount, req.options(actorID))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, inst)
}

// PreviewWorkflow renders the path a document would take, persisting nothing.
func (h *HTTPHandler) PreviewWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StartWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actorID := r.Header.Get("X-Actor-ID")
	steps, err := h.orchestrator.Preview(r.Context(), req.DocumentType, req.Amount, req.options(actorID))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"steps":       steps,
		"total_steps": len(steps),
	})
}

// GetWorkflow fetches a workflow instance by ID or code.
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		inst *repository.WorkflowInstance
		err  error
	)
	if id := r.URL.Query().Get("id"); id != "" {
		inst, err = h.store.GetByID(r.Context(), id)
	} else if code := r.URL.Query().Get("code"); code != "" {
		inst, err = h.store.GetByCode(r.Context(), code)
	} else {
		http.Error(w, "Workflow ID or code is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflow":   inst,
		"is_overdue": h.processor.IsOverdue(inst),
	})
}

// Approve records an approval vote.
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	req, actorID, ok := h.decodeAction(w, r)
	if !ok {
		return
	}

	outcome, err := h.processor.Approve(r.Context(), req.WorkflowID, actorID, service.ActionOptions{Comments: req.Comments})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// Reject records a rejection; comments are mandatory.
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	req, actorID, ok := h.decodeAction(w, r)
	if !ok {
		return
	}

	outcome, err := h.processor.Reject(r.Context(), req.WorkflowID, actorID, service.ActionOptions{Comments: req.Comments})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// Delegate hands the current step to another identity.
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	req, actorID, ok := h.decodeAction(w, r)
	if !ok {
		return
	}

	if err := h.processor.Delegate(r.Context(), req.WorkflowID, actorID, req.DelegateTo, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "delegated"})
}

// Comment appends a remark to the workflow ledger.
func (h *HTTPHandler) Comment(w http.ResponseWriter, r *http.Request) {
	req, actorID, ok := h.decodeAction(w, r)
	if !ok {
		return
	}

	if err := h.processor.Comment(r.Context(), req.WorkflowID, actorID, req.Comments); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "commented"})
}

// Cancel terminates a pending workflow.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	req, actorID, ok := h.decodeAction(w, r)
	if !ok {
		return
	}

	if err := h.orchestrator.Cancel(r.Context(), req.WorkflowID, actorID, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// History returns the action ledger for a workflow, newest first.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("workflow_id")
	if id == "" {
		http.Error(w, "Workflow ID is required", http.StatusBadRequest)
		return
	}

	actions, err := h.processor.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

// ListPending lists pending workflows, soonest deadline first. Optional
// query parameters: document_type, limit.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	workflows, err := h.store.FindPending(r.Context(), r.URL.Query().Get("document_type"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decodeAction(w http.ResponseWriter, r *http.Request) (*actionRequest, string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, "", false
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, "", false
	}
	if req.WorkflowID == "" {
		http.Error(w, "Workflow ID is required", http.StatusBadRequest)
		return nil, "", false
	}

	actorID := r.Header.Get("X-Actor-ID")
	if actorID == "" {
		http.Error(w, "X-Actor-ID header is required", http.StatusUnauthorized)
		return nil, "", false
	}
	return &req, actorID, true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	h.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}
