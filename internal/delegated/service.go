// Package delegated lets identified back-office operators act on a client's
// or agent's behalf. Every act appends one immutable audit record; the
// riskiest classes apply optimistically and stay pending until a second,
// distinct operator confirms or rejects them, rejection compensating the
// provisional mutation.
package delegated

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/lifecycle"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
	"github.com/CL-j-nc/xinhexin-api/internal/repo"
)

// Action names, persisted verbatim in the audit log.
const (
	ActionSubstituteAuth      = "SUBSTITUTE_AUTH"
	ActionCorrectData         = "CORRECT_DATA"
	ActionSubmitClaim         = "SUBMIT_CLAIM"
	ActionSubstitutePayment   = "SUBSTITUTE_PAYMENT"
	ActionSubstituteSurrender = "SUBSTITUTE_SURRENDER"
)

// Operator identifies the acting back-office user.
type Operator struct {
	ID   string
	Name string
	Role model.OperatorRole
}

// rule is the per-action authorization contract.
type rule struct {
	minTier       int
	power         model.PowerType
	minReasonLen  int
	needsEvidence bool
	needsReviewer bool
}

var rules = map[string]rule{
	ActionSubstituteAuth:      {minTier: 1, power: model.PowerSubstitution, minReasonLen: 1},
	ActionCorrectData:         {minTier: 1, power: model.PowerCorrection, minReasonLen: 10},
	ActionSubmitClaim:         {minTier: 2, power: model.PowerSubstitution, minReasonLen: 20},
	ActionSubstitutePayment:   {minTier: 3, power: model.PowerSubstitution, minReasonLen: 10, needsEvidence: true, needsReviewer: true},
	ActionSubstituteSurrender: {minTier: 3, power: model.PowerSubstitution, minReasonLen: 10, needsEvidence: true, needsReviewer: true},
}

// verification methods accepted for substitute auth.
var authMethods = map[string]bool{
	"phone_call": true,
	"video":      true,
	"in_person":  true,
}

// authorization types accepted for delegated claim submission.
var claimAuthTypes = map[string]bool{
	"verbal":  true,
	"written": true,
}

// Service performs delegated operations and resolves their reviews.
type Service struct {
	proposals repo.ProposalRepo
	policies  repo.PolicyRepo
	audit     repo.AuditLogRepo
	log       *zap.Logger
	now       func() time.Time
}

// NewService creates a delegated-operation service.
func NewService(
	proposals repo.ProposalRepo,
	policies repo.PolicyRepo,
	audit repo.AuditLogRepo,
	log *zap.Logger,
) *Service {
	return &Service{
		proposals: proposals,
		policies:  policies,
		audit:     audit,
		log:       log,
		now:       time.Now,
	}
}

// authorize validates role sufficiency and required evidence before any
// state mutation. Insufficient role is an authorization error, never a
// silent downgrade.
func authorize(op Operator, action, reason, evidenceURL, reviewerID string) (rule, error) {
	r, ok := rules[action]
	if !ok {
		return rule{}, apperr.Newf(apperr.KindValidation, "unknown delegated action %q", action)
	}
	if op.ID == "" {
		return rule{}, apperr.New(apperr.KindValidation, "operator id is required")
	}
	if op.Role.Tier() < r.minTier {
		return rule{}, apperr.Newf(apperr.KindAuthorization,
			"role %s cannot perform %s (requires L%d or above)", op.Role, action, r.minTier)
	}
	if len(reason) < r.minReasonLen {
		return rule{}, apperr.Newf(apperr.KindValidation,
			"%s requires a justification of at least %d characters", action, r.minReasonLen)
	}
	if r.needsEvidence && evidenceURL == "" {
		return rule{}, apperr.Newf(apperr.KindValidation, "%s requires an authorization evidence reference", action)
	}
	if r.needsReviewer {
		if reviewerID == "" {
			return rule{}, apperr.Newf(apperr.KindValidation, "%s requires a designated reviewer", action)
		}
		if reviewerID == op.ID {
			return rule{}, apperr.New(apperr.KindAuthorization, "reviewer must be a different operator")
		}
	}
	return r, nil
}

func snapshot(fields map[string]interface{}) []byte {
	b, _ := json.Marshal(fields)
	return b
}

func (s *Service) append(ctx context.Context, entry model.AdminOperationLog) (model.AdminOperationLog, error) {
	entry.ID = uuid.New()
	entry.CreatedAt = s.now()
	if err := s.audit.Append(ctx, entry); err != nil {
		return model.AdminOperationLog{}, err
	}
	s.log.Info("delegated action recorded",
		zap.String("action", entry.Action),
		zap.String("operator_id", entry.OperatorID),
		zap.String("target_id", entry.TargetID))
	return entry, nil
}

// SubstituteAuth records that the operator completed the client's phone
// verification out of band (phone call, video, or in person). Record-only:
// verification never mutates lifecycle state, so neither does its
// substitution.
func (s *Service) SubstituteAuth(ctx context.Context, op Operator, proposalID, method, reason string) (model.AdminOperationLog, error) {
	r, err := authorize(op, ActionSubstituteAuth, reason, "", "")
	if err != nil {
		return model.AdminOperationLog{}, err
	}
	if !authMethods[method] {
		return model.AdminOperationLog{}, apperr.Newf(apperr.KindValidation,
			"verification method must be one of phone_call, video, in_person; got %q", method)
	}

	proposal, err := s.proposals.Get(ctx, proposalID)
	if err != nil {
		return model.AdminOperationLog{}, err
	}

	state := snapshot(map[string]interface{}{"status": proposal.Status, "method": method})
	return s.append(ctx, model.AdminOperationLog{
		OperatorID:   op.ID,
		OperatorName: op.Name,
		OperatorRole: op.Role,
		PowerType:    r.power,
		Action:       ActionSubstituteAuth,
		TargetType:   "proposal",
		TargetID:     proposalID,
		Reason:       reason,
		BeforeState:  state,
		AfterState:   state,
	})
}

// CorrectData merges corrected sections into the proposal's stored
// submission, snapshotting it before and after.
func (s *Service) CorrectData(ctx context.Context, op Operator, proposalID string, corrections model.Submission, reason string) (model.AdminOperationLog, error) {
	r, err := authorize(op, ActionCorrectData, reason, "", "")
	if err != nil {
		return model.AdminOperationLog{}, err
	}

	proposal, err := s.proposals.Get(ctx, proposalID)
	if err != nil {
		return model.AdminOperationLog{}, err
	}
	if lifecycle.Terminal(proposal.Status) {
		return model.AdminOperationLog{}, apperr.Newf(apperr.KindStateConflict,
			"proposal %s is %s and can no longer be corrected", proposalID, proposal.Status)
	}

	before, _ := json.Marshal(proposal.Submission)
	merged := mergeSubmission(proposal.Submission, corrections)
	if err := s.proposals.UpdateSubmission(ctx, proposalID, merged); err != nil {
		return model.AdminOperationLog{}, err
	}
	after, _ := json.Marshal(merged)

	return s.append(ctx, model.AdminOperationLog{
		OperatorID:   op.ID,
		OperatorName: op.Name,
		OperatorRole: op.Role,
		PowerType:    r.power,
		Action:       ActionCorrectData,
		TargetType:   "proposal",
		TargetID:     proposalID,
		Reason:       reason,
		BeforeState:  before,
		AfterState:   after,
	})
}

// SubmitClaim records a claim filed on a policyholder's behalf. Claims
// intake itself lives outside this service; the delegated act is the
// auditable fact.
func (s *Service) SubmitClaim(ctx context.Context, op Operator, policyID, authType, description string) (model.AdminOperationLog, error) {
	r, err := authorize(op, ActionSubmitClaim, description, "", "")
	if err != nil {
		return model.AdminOperationLog{}, err
	}
	if !claimAuthTypes[authType] {
		return model.AdminOperationLog{}, apperr.Newf(apperr.KindValidation,
			"authorization type must be verbal or written; got %q", authType)
	}

	policy, err := s.policies.Get(ctx, policyID)
	if err != nil {
		return model.AdminOperationLog{}, err
	}

	state := snapshot(map[string]interface{}{"policy_status": policy.Status, "authorization_type": authType})
	return s.append(ctx, model.AdminOperationLog{
		OperatorID:   op.ID,
		OperatorName: op.Name,
		OperatorRole: op.Role,
		PowerType:    r.power,
		Action:       ActionSubmitClaim,
		TargetType:   "policy",
		TargetID:     policyID,
		Reason:       description,
		BeforeState:  state,
		AfterState:   state,
	})
}

// SubstitutePayment marks the proposal PAID on the client's behalf. The
// mutation applies immediately but the audit row stays pending until the
// designated reviewer resolves it; rejection rolls the status back.
func (s *Service) SubstitutePayment(ctx context.Context, op Operator, proposalID, reason, evidenceURL, reviewerID string) (model.AdminOperationLog, error) {
	r, err := authorize(op, ActionSubstitutePayment, reason, evidenceURL, reviewerID)
	if err != nil {
		return model.AdminOperationLog{}, err
	}

	proposal, err := s.proposals.Get(ctx, proposalID)
	if err != nil {
		return model.AdminOperationLog{}, err
	}
	if err := lifecycle.Check(proposal.Status, model.StatusPaid); err != nil {
		return model.AdminOperationLog{}, err
	}
	if err := s.proposals.Transition(ctx, proposalID, proposal.Status, model.StatusPaid); err != nil {
		return model.AdminOperationLog{}, err
	}

	return s.append(ctx, model.AdminOperationLog{
		OperatorID:       op.ID,
		OperatorName:     op.Name,
		OperatorRole:     op.Role,
		PowerType:        r.power,
		Action:           ActionSubstitutePayment,
		TargetType:       "proposal",
		TargetID:         proposalID,
		Reason:           reason,
		BeforeState:      snapshot(map[string]interface{}{"status": proposal.Status}),
		AfterState:       snapshot(map[string]interface{}{"status": model.StatusPaid}),
		AuthorizationURL: &evidenceURL,
		ReviewerID:       &reviewerID,
	})
}

// SubstituteSurrender surrenders an issued policy on the client's behalf,
// under the same dual-control protocol as substitute payment.
func (s *Service) SubstituteSurrender(ctx context.Context, op Operator, policyID, reason, evidenceURL, reviewerID string) (model.AdminOperationLog, error) {
	r, err := authorize(op, ActionSubstituteSurrender, reason, evidenceURL, reviewerID)
	if err != nil {
		return model.AdminOperationLog{}, err
	}

	policy, err := s.policies.Get(ctx, policyID)
	if err != nil {
		return model.AdminOperationLog{}, err
	}
	if err := s.policies.SetStatus(ctx, policyID, model.PolicyIssued, model.PolicySurrendered); err != nil {
		return model.AdminOperationLog{}, err
	}

	return s.append(ctx, model.AdminOperationLog{
		OperatorID:       op.ID,
		OperatorName:     op.Name,
		OperatorRole:     op.Role,
		PowerType:        r.power,
		Action:           ActionSubstituteSurrender,
		TargetType:       "policy",
		TargetID:         policyID,
		Reason:           reason,
		BeforeState:      snapshot(map[string]interface{}{"policy_status": policy.Status}),
		AfterState:       snapshot(map[string]interface{}{"policy_status": model.PolicySurrendered}),
		AuthorizationURL: &evidenceURL,
		ReviewerID:       &reviewerID,
	})
}

// Review resolves a pending dual-control row. Confirm marks it terminal with
// no further effect; reject marks it terminal and compensates the
// provisional mutation. Only the designated reviewer may resolve, and a
// terminal row can never be resolved again.
func (s *Service) Review(ctx context.Context, reviewer Operator, logID uuid.UUID, approve bool, reason *string) (model.AdminOperationLog, error) {
	entry, err := s.audit.Get(ctx, logID)
	if err != nil {
		return model.AdminOperationLog{}, err
	}
	if entry.ReviewerID == nil {
		return model.AdminOperationLog{}, apperr.Newf(apperr.KindStateConflict,
			"audit record %s does not require review", logID)
	}
	if entry.ReviewedAt != nil {
		return model.AdminOperationLog{}, apperr.Newf(apperr.KindStateConflict,
			"audit record %s is already resolved", logID)
	}
	if reviewer.ID != *entry.ReviewerID {
		return model.AdminOperationLog{}, apperr.New(apperr.KindAuthorization,
			"only the designated reviewer may resolve this record")
	}

	resolvedAt := s.now()
	if err := s.audit.Resolve(ctx, logID, approve, reason, resolvedAt); err != nil {
		return model.AdminOperationLog{}, err
	}

	if !approve {
		if err := s.compensate(ctx, entry); err != nil {
			// The row is terminal either way; the failed rollback is the
			// operational emergency to surface.
			s.log.Error("compensation failed after review rejection",
				zap.String("log_id", logID.String()),
				zap.String("action", entry.Action),
				zap.Error(err))
			return model.AdminOperationLog{}, err
		}
	}

	entry.ReviewedAt = &resolvedAt
	entry.ReviewApproved = &approve
	entry.ReviewReason = reason
	return entry, nil
}

// compensate undoes the provisional mutation of a rejected dual-control act,
// restoring the target to its snapshotted prior state.
func (s *Service) compensate(ctx context.Context, entry model.AdminOperationLog) error {
	switch entry.Action {
	case ActionSubstitutePayment:
		if !lifecycle.CanCompensate(model.StatusPaid, model.StatusUnderwritingConfirmed) {
			return apperr.Newf(apperr.KindInternal, "no rollback edge for %s", entry.Action)
		}
		return s.proposals.Transition(ctx, entry.TargetID, model.StatusPaid, model.StatusUnderwritingConfirmed)
	case ActionSubstituteSurrender:
		return s.policies.SetStatus(ctx, entry.TargetID, model.PolicySurrendered, model.PolicyIssued)
	default:
		return nil
	}
}

// ListByTarget returns audit records for one proposal or policy.
func (s *Service) ListByTarget(ctx context.Context, targetID string, limit int) ([]model.AdminOperationLog, error) {
	if targetID == "" {
		return nil, apperr.New(apperr.KindValidation, "target id is required")
	}
	return s.audit.ListByTarget(ctx, targetID, limit)
}

// ListByOperator returns audit records authored by one operator.
func (s *Service) ListByOperator(ctx context.Context, operatorID string, limit int) ([]model.AdminOperationLog, error) {
	if operatorID == "" {
		return nil, apperr.New(apperr.KindValidation, "operator id is required")
	}
	return s.audit.ListByOperator(ctx, operatorID, limit)
}

// PendingReviews returns the reviewer's open queue, oldest first.
func (s *Service) PendingReviews(ctx context.Context, reviewerID string) ([]model.AdminOperationLog, error) {
	if reviewerID == "" {
		return nil, apperr.New(apperr.KindValidation, "reviewer id is required")
	}
	return s.audit.ListPendingByReviewer(ctx, reviewerID)
}

// mergeSubmission overlays non-zero sections of the correction onto the
// stored submission. Coverage lines are replaced only when supplied.
func mergeSubmission(current, corrections model.Submission) model.Submission {
	if corrections.Vehicle != (model.VehicleInfo{}) {
		current.Vehicle = corrections.Vehicle
	}
	if corrections.Owner != (model.PersonInfo{}) {
		current.Owner = corrections.Owner
	}
	if corrections.Proposer != (model.PersonInfo{}) {
		current.Proposer = corrections.Proposer
	}
	if corrections.Insured != (model.PersonInfo{}) {
		current.Insured = corrections.Insured
	}
	if len(corrections.Coverages) > 0 {
		current.Coverages = corrections.Coverages
	}
	return current
}
