package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/middleware"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
	"github.com/CL-j-nc/xinhexin-api/internal/proposal"
	"github.com/CL-j-nc/xinhexin-api/internal/underwriting"
	"github.com/CL-j-nc/xinhexin-api/internal/verification"
)

// ProposalHandler serves the proposal lifecycle and client verification
// endpoints.
type ProposalHandler struct {
	proposals *proposal.Service
	recorder  *underwriting.Recorder
	gate      *verification.Gate
	log       *zap.Logger

	// IP limiter in front of verify; the per-mobile attempt budget lives in
	// the database.
	verifyIPLimiter *middleware.RateLimiter
}

// NewProposalHandler creates a new proposal handler.
func NewProposalHandler(
	proposals *proposal.Service,
	recorder *underwriting.Recorder,
	gate *verification.Gate,
	log *zap.Logger,
) *ProposalHandler {
	return &ProposalHandler{
		proposals:       proposals,
		recorder:        recorder,
		gate:            gate,
		log:             log,
		verifyIPLimiter: middleware.NewRateLimiter(10*60*time.Second, 20),
	}
}

// submitRequest is the request body for POST /api/proposals
type submitRequest struct {
	Vehicle   model.VehicleInfo    `json:"vehicle" validate:"required"`
	Proposer  model.PersonInfo     `json:"proposer"`
	Insured   model.PersonInfo     `json:"insured"`
	Owner     model.PersonInfo     `json:"owner"`
	Coverages []model.CoverageLine `json:"coverages" validate:"required,min=1"`
}

// submitResponse is the JSON response for proposal submission
type submitResponse struct {
	ProposalID string               `json:"proposal_id"`
	Status     model.ProposalStatus `json:"status"`
}

// HandleSubmit handles POST /api/proposals
func (h *ProposalHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	proposalID, err := h.proposals.Submit(r.Context(), model.Submission{
		Vehicle:   req.Vehicle,
		Proposer:  req.Proposer,
		Insured:   req.Insured,
		Owner:     req.Owner,
		Coverages: req.Coverages,
	})
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, submitResponse{
		ProposalID: proposalID,
		Status:     model.StatusSubmitted,
	})
}

// HandleStatus handles GET /api/proposals/{proposalID}/status
func (h *ProposalHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposalID")

	info, err := h.proposals.Status(r.Context(), proposalID)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, info)
}

// HandleList handles GET /api/proposals?status=SUBMITTED,PAID&limit=50
func (h *ProposalHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var statuses []model.ProposalStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, model.ProposalStatus(strings.TrimSpace(s)))
		}
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	infos, err := h.proposals.List(r.Context(), statuses, limit)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"proposals": infos})
}

// decisionRequest is the request body for POST /api/proposals/{id}/decision
type decisionRequest struct {
	Acceptance          string               `json:"acceptance" validate:"required,oneof=ACCEPT REJECT MODIFY"`
	RiskLevel           string               `json:"risk_level"`
	RiskReason          string               `json:"risk_reason"`
	FinalPremium        float64              `json:"final_premium" validate:"gte=0"`
	PolicyEffectiveDate time.Time            `json:"policy_effective_date"`
	PolicyExpiryDate    time.Time            `json:"policy_expiry_date"`
	UnderwriterName     string               `json:"underwriter_name" validate:"required"`
	PaymentLink         string               `json:"payment_link" validate:"omitempty,url"`
	OverrideCoverages   []model.CoverageLine `json:"override_coverages"`
	CorrectedVehicle    *model.VehicleInfo   `json:"corrected_vehicle"`
	CorrectedOwner      *model.PersonInfo    `json:"corrected_owner"`
	CorrectedProposer   *model.PersonInfo    `json:"corrected_proposer"`
	CorrectedInsured    *model.PersonInfo    `json:"corrected_insured"`
}

// decisionResponse is the JSON response for a recorded decision
type decisionResponse struct {
	DecisionID  string  `json:"decision_id"`
	AuthCode    *string `json:"auth_code,omitempty"`
	QRReference *string `json:"qr_reference,omitempty"`
}

// HandleDecision handles POST /api/proposals/{proposalID}/decision
func (h *ProposalHandler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposalID")

	var req decisionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	result, err := h.recorder.Record(r.Context(), proposalID, underwriting.DecisionInput{
		Acceptance:          model.Acceptance(req.Acceptance),
		RiskLevel:           req.RiskLevel,
		RiskReason:          req.RiskReason,
		FinalPremium:        req.FinalPremium,
		PolicyEffectiveDate: req.PolicyEffectiveDate,
		PolicyExpiryDate:    req.PolicyExpiryDate,
		UnderwriterName:     req.UnderwriterName,
		PaymentLink:         req.PaymentLink,
		OverrideCoverages:   req.OverrideCoverages,
		CorrectedVehicle:    req.CorrectedVehicle,
		CorrectedOwner:      req.CorrectedOwner,
		CorrectedProposer:   req.CorrectedProposer,
		CorrectedInsured:    req.CorrectedInsured,
	})
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, decisionResponse{
		DecisionID:  result.DecisionID,
		AuthCode:    result.AuthCode,
		QRReference: result.QRReference,
	})
}

// verifyRequest is the request body for POST /api/proposals/{id}/verify
type verifyRequest struct {
	Mobile string `json:"mobile" validate:"required"`
	Code   string `json:"code" validate:"required"`
}

// HandleVerify handles POST /api/proposals/{proposalID}/verify
func (h *ProposalHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ipKey := middleware.GetIPKey(r)
	if !h.verifyIPLimiter.Allow(ipKey) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	proposalID := chi.URLParam(r, "proposalID")

	var req verifyRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	terms, err := h.gate.Verify(r.Context(), proposalID, req.Mobile, req.Code)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, terms)
}

// HandlePay handles POST /api/proposals/{proposalID}/pay
func (h *ProposalHandler) HandlePay(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposalID")

	if err := h.proposals.MarkPaid(r.Context(), proposalID); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"proposal_id": proposalID,
		"status":      model.StatusPaid,
	})
}

// HandleComplete handles POST /api/proposals/{proposalID}/complete
func (h *ProposalHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposalID")

	if err := h.proposals.MarkCompleted(r.Context(), proposalID); err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"proposal_id": proposalID,
		"status":      model.StatusCompleted,
	})
}

// HandleIssue handles POST /api/proposals/{proposalID}/issue
func (h *ProposalHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposalID")

	policy, err := h.proposals.IssuePolicy(r.Context(), proposalID)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"policy_id":      policy.PolicyID,
		"proposal_id":    policy.ProposalID,
		"status":         policy.Status,
		"premium":        policy.Premium,
		"effective_date": policy.EffectiveDate,
		"expiry_date":    policy.ExpiryDate,
	})
}

// HandlePolicyStatus handles GET /api/policies/{policyID}/status
func (h *ProposalHandler) HandlePolicyStatus(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")

	status, err := h.proposals.GetPolicyStatus(r.Context(), policyID)
	if err != nil {
		respondAppError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}
