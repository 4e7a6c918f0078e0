// Package proposal exposes the lifecycle operations around a submitted
// vehicle-insurance proposal: creation, status, guarded transitions, and
// policy issuance.
package proposal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/cache"
	"github.com/CL-j-nc/xinhexin-api/internal/lifecycle"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
	"github.com/CL-j-nc/xinhexin-api/internal/repo"
)

// Service orchestrates proposal lifecycle operations.
type Service struct {
	proposals repo.ProposalRepo
	decisions repo.DecisionRepo
	policies  repo.PolicyRepo
	codes     cache.Cache
	log       *zap.Logger
	now       func() time.Time
}

// NewService creates a proposal service.
func NewService(
	proposals repo.ProposalRepo,
	decisions repo.DecisionRepo,
	policies repo.PolicyRepo,
	codes cache.Cache,
	log *zap.Logger,
) *Service {
	return &Service{
		proposals: proposals,
		decisions: decisions,
		policies:  policies,
		codes:     codes,
		log:       log,
		now:       time.Now,
	}
}

// Submit creates a new proposal in SUBMITTED state and returns its id.
func (s *Service) Submit(ctx context.Context, submission model.Submission) (string, error) {
	if submission.Vehicle.Plate == "" || submission.Vehicle.VIN == "" {
		return "", apperr.New(apperr.KindValidation, "vehicle plate and vin are required")
	}
	if len(submission.Coverages) == 0 {
		return "", apperr.New(apperr.KindValidation, "at least one coverage line is required")
	}
	for _, line := range submission.Coverages {
		if line.Type == "" {
			return "", apperr.New(apperr.KindValidation, "coverage type is required")
		}
		if line.SumInsured <= 0 {
			return "", apperr.New(apperr.KindValidation, "coverage sum insured must be positive")
		}
	}

	p := model.Proposal{
		ProposalID:  model.NewID("PROP"),
		Status:      model.StatusSubmitted,
		Submission:  submission,
		SubmittedAt: s.now(),
	}
	if err := s.proposals.Create(ctx, p); err != nil {
		return "", err
	}
	return p.ProposalID, nil
}

// StatusInfo is the agent-facing view of a proposal's progress.
type StatusInfo struct {
	ProposalID  string               `json:"proposal_id"`
	Status      model.ProposalStatus `json:"status"`
	Reason      *string              `json:"reason,omitempty"`
	AuthCode    *string              `json:"auth_code,omitempty"`
	QRReference *string              `json:"qr_reference,omitempty"`
	PaymentLink *string              `json:"payment_link,omitempty"`
	SubmittedAt time.Time            `json:"submitted_at"`
	ConfirmedAt *time.Time           `json:"confirmed_at,omitempty"`
}

// Status returns the proposal's state plus the current decision material.
func (s *Service) Status(ctx context.Context, proposalID string) (StatusInfo, error) {
	proposal, err := s.proposals.Get(ctx, proposalID)
	if err != nil {
		return StatusInfo{}, err
	}

	info := StatusInfo{
		ProposalID:  proposal.ProposalID,
		Status:      proposal.Status,
		Reason:      proposal.RejectReason,
		SubmittedAt: proposal.SubmittedAt,
		ConfirmedAt: proposal.ConfirmedAt,
	}

	decision, err := s.decisions.GetCurrent(ctx, proposalID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return info, nil
		}
		return StatusInfo{}, err
	}
	info.AuthCode = decision.AuthCode
	info.QRReference = decision.QRReference
	info.PaymentLink = decision.PaymentLink
	return info, nil
}

// List returns proposals in the given statuses for the underwriting desk.
func (s *Service) List(ctx context.Context, statuses []model.ProposalStatus, limit int) ([]StatusInfo, error) {
	if len(statuses) == 0 {
		statuses = []model.ProposalStatus{model.StatusSubmitted}
	}
	for _, status := range statuses {
		if !lifecycle.Valid(status) {
			return nil, apperr.Newf(apperr.KindValidation, "unknown status %q", status)
		}
	}
	proposals, err := s.proposals.List(ctx, statuses, limit)
	if err != nil {
		return nil, err
	}
	out := make([]StatusInfo, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, StatusInfo{
			ProposalID:  p.ProposalID,
			Status:      p.Status,
			Reason:      p.RejectReason,
			SubmittedAt: p.SubmittedAt,
			ConfirmedAt: p.ConfirmedAt,
		})
	}
	return out, nil
}

// transition reads the current state, checks the edge against the lifecycle
// table, then applies the guarded update. A concurrent caller that wins the
// race leaves this one with a state-conflict from the guard.
func (s *Service) transition(ctx context.Context, proposalID string, to model.ProposalStatus) error {
	proposal, err := s.proposals.Get(ctx, proposalID)
	if err != nil {
		return err
	}
	if err := lifecycle.Check(proposal.Status, to); err != nil {
		return err
	}
	return s.proposals.Transition(ctx, proposalID, proposal.Status, to)
}

// MarkPaid advances UNDERWRITING_CONFIRMED to PAID.
func (s *Service) MarkPaid(ctx context.Context, proposalID string) error {
	return s.transition(ctx, proposalID, model.StatusPaid)
}

// MarkCompleted advances PAID to COMPLETED and invalidates the client's
// cached authentication code so the one-time link cannot be replayed.
func (s *Service) MarkCompleted(ctx context.Context, proposalID string) error {
	if err := s.transition(ctx, proposalID, model.StatusCompleted); err != nil {
		return err
	}
	if err := s.codes.Delete(cache.AuthCodeKey(proposalID)); err != nil {
		s.log.Warn("auth code invalidation failed",
			zap.String("proposal_id", proposalID), zap.Error(err))
	}
	return nil
}

// IssuePolicy creates the terminal policy artifact from the current ACCEPT
// decision. Idempotent: re-issuing returns the existing policy. Legal only
// once underwriting has confirmed and before the proposal is terminal.
func (s *Service) IssuePolicy(ctx context.Context, proposalID string) (model.Policy, error) {
	proposal, err := s.proposals.Get(ctx, proposalID)
	if err != nil {
		return model.Policy{}, err
	}
	if proposal.Status != model.StatusUnderwritingConfirmed && proposal.Status != model.StatusPaid {
		return model.Policy{}, apperr.Newf(apperr.KindStateConflict,
			"policy cannot be issued while proposal %s is %s", proposalID, proposal.Status)
	}

	decision, err := s.decisions.GetCurrent(ctx, proposalID)
	if err != nil {
		return model.Policy{}, err
	}
	if decision.Acceptance != model.AcceptanceAccept {
		return model.Policy{}, apperr.Newf(apperr.KindStateConflict,
			"proposal %s has no accepted underwriting decision", proposalID)
	}

	policy := model.Policy{
		PolicyID:      model.NewID("POL"),
		ProposalID:    proposalID,
		Status:        model.PolicyIssued,
		Premium:       decision.FinalPremium,
		EffectiveDate: decision.PolicyEffectiveDate,
		ExpiryDate:    decision.PolicyExpiryDate,
		IssuedAt:      s.now(),
	}
	return s.policies.Create(ctx, policy)
}

// PolicyStatus is the lightweight lookup for an issued policy.
type PolicyStatus struct {
	PolicyID      string             `json:"policy_id"`
	ProposalID    string             `json:"proposal_id"`
	Status        model.PolicyStatus `json:"status"`
	EffectiveDate time.Time          `json:"effective_date"`
	ExpiryDate    time.Time          `json:"expiry_date"`
	InForce       bool               `json:"in_force"`
}

// GetPolicyStatus returns the policy's status and in-force flag.
func (s *Service) GetPolicyStatus(ctx context.Context, policyID string) (PolicyStatus, error) {
	policy, err := s.policies.Get(ctx, policyID)
	if err != nil {
		return PolicyStatus{}, err
	}
	return PolicyStatus{
		PolicyID:      policy.PolicyID,
		ProposalID:    policy.ProposalID,
		Status:        policy.Status,
		EffectiveDate: policy.EffectiveDate,
		ExpiryDate:    policy.ExpiryDate,
		InForce:       policy.InForce(s.now()),
	}, nil
}
