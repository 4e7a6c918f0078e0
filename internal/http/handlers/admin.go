package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/delegated"
	"github.com/CL-j-nc/xinhexin-api/internal/middleware"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
)

// AdminHandler serves the delegated-operation endpoints. Every route assumes
// the operator middleware already attached a verified identity.
type AdminHandler struct {
	delegated *delegated.Service
	log       *zap.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(svc *delegated.Service, log *zap.Logger) *AdminHandler {
	return &AdminHandler{delegated: svc, log: log}
}

func operatorFrom(w http.ResponseWriter, r *http.Request) (delegated.Operator, bool) {
	op, ok := middleware.GetOperator(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return delegated.Operator{}, false
	}
	return *op, true
}

// auditLogResponse is the JSON shape of one audit record
type auditLogResponse struct {
	ID               string             `json:"id"`
	OperatorID       string             `json:"operator_id"`
	OperatorName     string             `json:"operator_name"`
	OperatorRole     model.OperatorRole `json:"operator_role"`
	PowerType        model.PowerType    `json:"power_type"`
	Action           string             `json:"action"`
	TargetType       string             `json:"target_type"`
	TargetID         string             `json:"target_id"`
	Reason           string             `json:"reason"`
	BeforeState      json.RawMessage    `json:"before_state,omitempty"`
	AfterState       json.RawMessage    `json:"after_state,omitempty"`
	AuthorizationURL *string            `json:"authorization_url,omitempty"`
	ReviewerID       *string            `json:"reviewer_id,omitempty"`
	ReviewedAt       *time.Time         `json:"reviewed_at,omitempty"`
	ReviewApproved   *bool              `json:"review_approved,omitempty"`
	ReviewReason     *string            `json:"review_reason,omitempty"`
	Pending          bool               `json:"pending"`
	CreatedAt        time.Time          `json:"created_at"`
}

func toAuditResponse(entry model.AdminOperationLog) auditLogResponse {
	return auditLogResponse{
		ID:               entry.ID.String(),
		OperatorID:       entry.OperatorID,
		OperatorName:     entry.OperatorName,
		OperatorRole:     entry.OperatorRole,
		PowerType:        entry.PowerType,
		Action:           entry.Action,
		TargetType:       entry.TargetType,
		TargetID:         entry.TargetID,
		Reason:           entry.Reason,
		BeforeState:      json.RawMessage(entry.BeforeState),
		AfterState:       json.RawMessage(entry.AfterState),
		AuthorizationURL: entry.AuthorizationURL,
		ReviewerID:       entry.ReviewerID,
		ReviewedAt:       entry.ReviewedAt,
		ReviewApproved:   entry.ReviewApproved,
		ReviewReason:     entry.ReviewReason,
		Pending:          entry.Pending(),
		CreatedAt:        entry.CreatedAt,
	}
}

func toAuditResponses(entries []model.AdminOperationLog) []auditLogResponse {
	out := make([]auditLogResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAuditResponse(e))
	}
	return out
}

// substituteAuthRequest is the request body for POST /api/admin/substitute-auth
type substituteAuthRequest struct {
	ProposalID string `json:"proposal_id" validate:"required"`
	Method     string `json:"method" validate:"required,oneof=phone_call video in_person"`
	Reason     string `json:"reason" validate:"required"`
}

// HandleSubstituteAuth handles POST /api/admin/substitute-auth
func (h *AdminHandler) HandleSubstituteAuth(w http.ResponseWriter, r *http.Request) {
	op, ok := operatorFrom(w, r)
	if !ok {
		return
	}

	var req substituteAuthRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	entry, err := h.delegated.SubstituteAuth(r.Context(), op, req.ProposalID, req.Method, req.Reason)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, toAuditResponse(entry))
}

// correctDataRequest is the request body for POST /api/admin/correct-data
type correctDataRequest struct {
	ProposalID  string           `json:"proposal_id" validate:"required"`
	Reason      string           `json:"reason" validate:"required,min=10"`
	Corrections model.Submission `json:"corrections"`
}

// HandleCorrectData handles POST /api/admin/correct-data
func (h *AdminHandler) HandleCorrectData(w http.ResponseWriter, r *http.Request) {
	op, ok := operatorFrom(w, r)
	if !ok {
		return
	}

	var req correctDataRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	entry, err := h.delegated.CorrectData(r.Context(), op, req.ProposalID, req.Corrections, req.Reason)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, toAuditResponse(entry))
}

// submitClaimRequest is the request body for POST /api/admin/submit-claim
type submitClaimRequest struct {
	PolicyID          string `json:"policy_id" validate:"required"`
	AuthorizationType string `json:"authorization_type" validate:"required,oneof=verbal written"`
	Description       string `json:"description" validate:"required,min=20"`
}

// HandleSubmitClaim handles POST /api/admin/submit-claim
func (h *AdminHandler) HandleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	op, ok := operatorFrom(w, r)
	if !ok {
		return
	}

	var req submitClaimRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	entry, err := h.delegated.SubmitClaim(r.Context(), op, req.PolicyID, req.AuthorizationType, req.Description)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, toAuditResponse(entry))
}

// substitutePaymentRequest is the request body for POST /api/admin/substitute-payment
type substitutePaymentRequest struct {
	ProposalID  string `json:"proposal_id" validate:"required"`
	Reason      string `json:"reason" validate:"required,min=10"`
	EvidenceURL string `json:"evidence_url" validate:"required,url"`
	ReviewerID  string `json:"reviewer_id" validate:"required"`
}

// HandleSubstitutePayment handles POST /api/admin/substitute-payment
func (h *AdminHandler) HandleSubstitutePayment(w http.ResponseWriter, r *http.Request) {
	op, ok := operatorFrom(w, r)
	if !ok {
		return
	}

	var req substitutePaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	entry, err := h.delegated.SubstitutePayment(r.Context(), op, req.ProposalID, req.Reason, req.EvidenceURL, req.ReviewerID)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, toAuditResponse(entry))
}

// substituteSurrenderRequest is the request body for POST /api/admin/substitute-surrender
type substituteSurrenderRequest struct {
	PolicyID    string `json:"policy_id" validate:"required"`
	Reason      string `json:"reason" validate:"required,min=10"`
	EvidenceURL string `json:"evidence_url" validate:"required,url"`
	ReviewerID  string `json:"reviewer_id" validate:"required"`
}

// HandleSubstituteSurrender handles POST /api/admin/substitute-surrender
func (h *AdminHandler) HandleSubstituteSurrender(w http.ResponseWriter, r *http.Request) {
	op, ok := operatorFrom(w, r)
	if !ok {
		return
	}

	var req substituteSurrenderRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	entry, err := h.delegated.SubstituteSurrender(r.Context(), op, req.PolicyID, req.Reason, req.EvidenceURL, req.ReviewerID)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, toAuditResponse(entry))
}

// reviewRequest is the request body for POST /api/admin/reviews/{logID}
type reviewRequest struct {
	Approve *bool   `json:"approve" validate:"required"`
	Reason  *string `json:"reason"`
}

// HandleReview handles POST /api/admin/reviews/{logID}
func (h *AdminHandler) HandleReview(w http.ResponseWriter, r *http.Request) {
	op, ok := operatorFrom(w, r)
	if !ok {
		return
	}

	logID, err := uuid.Parse(chi.URLParam(r, "logID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid audit record id")
		return
	}

	var req reviewRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	entry, err := h.delegated.Review(r.Context(), op, logID, *req.Approve, req.Reason)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, toAuditResponse(entry))
}

// HandleAuditLog handles GET /api/admin/audit-log?target_id=|operator_id=&limit=
func (h *AdminHandler) HandleAuditLog(w http.ResponseWriter, r *http.Request) {
	if _, ok := operatorFrom(w, r); !ok {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	targetID := r.URL.Query().Get("target_id")
	operatorID := r.URL.Query().Get("operator_id")

	var (
		entries []model.AdminOperationLog
		err     error
	)
	switch {
	case targetID != "":
		entries, err = h.delegated.ListByTarget(r.Context(), targetID, limit)
	case operatorID != "":
		entries, err = h.delegated.ListByOperator(r.Context(), operatorID, limit)
	default:
		respondWithError(w, http.StatusBadRequest, "target_id or operator_id is required")
		return
	}
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": toAuditResponses(entries)})
}

// HandlePendingReviews handles GET /api/admin/reviews/pending
func (h *AdminHandler) HandlePendingReviews(w http.ResponseWriter, r *http.Request) {
	op, ok := operatorFrom(w, r)
	if !ok {
		return
	}

	entries, err := h.delegated.PendingReviews(r.Context(), op.ID)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": toAuditResponses(entries)})
}
