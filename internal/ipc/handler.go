// Package ipc provides the HTTP API for the IVI engine.
package ipc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/notmainstreet/ivi-engine/internal/cycle"
	"github.com/notmainstreet/ivi-engine/internal/domain"
	"github.com/notmainstreet/ivi-engine/internal/intake"
	"github.com/notmainstreet/ivi-engine/internal/locality"
	"github.com/notmainstreet/ivi-engine/internal/publish"
	"github.com/notmainstreet/ivi-engine/internal/spine"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Intake     *intake.Service
	Spines     *spine.Manager
	Cycles     *cycle.Orchestrator
	Publisher  *publish.Pipeline
	Continuity cycle.ContinuityConstraint
	Version    string
	Logger     *zap.Logger
}

// APIError is a structured error response.
type APIError struct {
	Code      int    `json:"code"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// EventRequest is the body for POST /api/v1/spines/{domain}/events.
type EventRequest struct {
	Type    domain.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// CycleRequest is the body for POST /api/v1/spines/{domain}/cycles.
// Continuity falls back to the configured bounds when omitted.
type CycleRequest struct {
	Proposal    cycle.Proposal              `json:"proposal"`
	Continuity  *cycle.ContinuityConstraint `json:"continuity,omitempty"`
	Diagnostics cycle.Diagnostics           `json:"diagnostics"`
	TrustScore  float64                     `json:"trust_score"`
	TenureScore float64                     `json:"tenure_score"`
}

// CertificateRequest is the body for POST /api/v1/locality/certificates.
type CertificateRequest struct {
	Subject   locality.Point   `json:"subject"`
	Peers     []locality.Point `json:"peers"`
	MinK      int              `json:"min_k"`
	CellSizeM float64          `json:"cell_size_m"`
	Salt      string           `json:"epoch_salt"`
}

// IntakeList is the response for GET /api/v1/intake.
type IntakeList struct {
	Proposals []domain.Proposal `json:"proposals"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.Version,
		"domains": h.Spines.Domains(),
	})
}

// SubmitIntake handles POST /api/v1/intake.
func (h *Handler) SubmitIntake(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	if !readJSON(w, r, &req) {
		return
	}
	res, err := h.Intake.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replay {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// ListIntake handles GET /api/v1/intake.
func (h *Handler) ListIntake(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, r, domain.Detail(domain.ErrValidation, "limit: %v", err))
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil || offset < 0 {
		writeError(w, r, domain.Detail(domain.ErrValidation, "offset must be a non-negative integer"))
		return
	}
	f := intake.Filter{
		TenantID:     q.Get("tenant_id"),
		GateOutcome:  domain.GateOutcome(q.Get("gate_outcome")),
		RoutingClass: domain.EdgeClass(q.Get("routing_class")),
		Limit:        limit,
		Offset:       offset,
	}
	rows, err := h.Intake.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []domain.Proposal{}
	}
	writeJSON(w, http.StatusOK, IntakeList{Proposals: rows, Limit: intake.ClampLimit(limit), Offset: offset})
}

// GetIntake handles GET /api/v1/intake/{proposalID}.
func (h *Handler) GetIntake(w http.ResponseWriter, r *http.Request) {
	res, err := h.Intake.Get(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AppendEvent handles POST /api/v1/spines/{domain}/events. The response
// lists every appended event, including anchor-triggered transitions.
func (h *Handler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	sp, err := h.Spines.Get(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req EventRequest
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, r, domain.Detail(domain.ErrValidation, "payload is required"))
		return
	}
	payload, err := domain.DecodePayload(req.Type, req.Payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := sp.AppendBatch(r.Context(), payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, events)
}

// ListEvents handles GET /api/v1/spines/{domain}/events?type=T.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sp, err := h.Spines.Get(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var events []domain.Event
	if t := r.URL.Query().Get("type"); t != "" {
		events = sp.EventsOfType(domain.EventType(t))
	} else {
		events = sp.Events()
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListNodes handles GET /api/v1/spines/{domain}/nodes.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	sp, err := h.Spines.Get(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	nodes := sp.Nodes()
	if nodes == nil {
		nodes = []domain.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

// GetNode handles GET /api/v1/spines/{domain}/nodes/{nodeID}.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	sp, err := h.Spines.Get(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	node, ok := sp.Node(nodeID)
	if !ok {
		writeError(w, r, domain.Detail(domain.ErrUnknownNode, "%q", nodeID))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// RunCycle handles POST /api/v1/spines/{domain}/cycles. Both commits and
// rejections are 200 responses; the outcome says which.
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	sp, err := h.Spines.Get(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req CycleRequest
	if !readJSON(w, r, &req) {
		return
	}
	continuity := h.Continuity
	if req.Continuity != nil {
		continuity = *req.Continuity
	}
	out, err := h.Cycles.Run(r.Context(), sp, cycle.Request{
		Proposal:    req.Proposal,
		Continuity:  continuity,
		Diagnostics: req.Diagnostics,
		TrustScore:  req.TrustScore,
		TenureScore: req.TenureScore,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// PutDocument handles PUT /api/v1/documents/{documentID}. The body is the
// document payload.
func (h *Handler) PutDocument(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if !readJSON(w, r, &payload) {
		return
	}
	if payload == nil {
		writeError(w, r, domain.Detail(domain.ErrValidation, "payload must be a JSON object"))
		return
	}
	res, err := h.Publisher.Process(r.Context(), chi.URLParam(r, "documentID"), payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Unchanged {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// GetDocument handles GET /api/v1/documents/{documentID}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	rec, ok, err := h.Publisher.Latest(r.Context(), documentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, domain.Detail(domain.ErrDocumentNotFound, "%q", documentID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Certify handles POST /api/v1/locality/certificates.
func (h *Handler) Certify(w http.ResponseWriter, r *http.Request) {
	var req CertificateRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.CellSizeM == 0 {
		req.CellSizeM = locality.DefaultCellSizeM
	}
	cert, err := locality.Certify(req.Subject, req.Peers, req.MinK, req.CellSizeM, req.Salt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	// Document payloads are hashed, so their numbers keep full precision.
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, domain.Detail(domain.ErrValidation, "invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetReqID(r.Context())
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		writeJSON(w, statusFor(engErr), APIError{
			Code:      engErr.Code,
			Kind:      string(engErr.Kind),
			Message:   engErr.Message,
			RequestID: reqID,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error(), RequestID: reqID})
}

func statusFor(e *domain.EngineError) int {
	switch e.Kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindState:
		switch e.Code {
		case domain.ErrInvalidTransition.Code, domain.ErrCommitNotEligible.Code:
			return http.StatusUnprocessableEntity
		case domain.ErrUnknownNode.Code:
			return http.StatusNotFound
		}
		return http.StatusConflict
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindLimit:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
