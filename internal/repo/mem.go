package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
)

// In-memory implementations of the repo interfaces. They mirror the guarded
// single-row semantics of the PostgreSQL versions, including error kinds, so
// the services exercise identical behavior in unit tests and local runs
// without a database.

type MemProposalRepo struct {
	mu        sync.Mutex
	proposals map[string]model.Proposal
	coverages map[string][]model.CoverageLine
}

func NewMemProposalRepo() *MemProposalRepo {
	return &MemProposalRepo{
		proposals: make(map[string]model.Proposal),
		coverages: make(map[string][]model.CoverageLine),
	}
}

func (r *MemProposalRepo) Create(ctx context.Context, p model.Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proposals[p.ProposalID] = p
	lines := make([]model.CoverageLine, len(p.Submission.Coverages))
	copy(lines, p.Submission.Coverages)
	for i := range lines {
		if lines[i].CoverageID == "" {
			lines[i].CoverageID = model.NewID("COV")
		}
	}
	r.coverages[p.ProposalID] = lines
	return nil
}

func (r *MemProposalRepo) Get(ctx context.Context, proposalID string) (model.Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[proposalID]
	if !ok {
		return model.Proposal{}, apperr.Newf(apperr.KindNotFound, "proposal %s not found", proposalID)
	}
	return p, nil
}

func (r *MemProposalRepo) List(ctx context.Context, statuses []model.ProposalStatus, limit int) ([]model.Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	wanted := make(map[model.ProposalStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var out []model.Proposal
	for _, p := range r.proposals {
		if wanted[p.Status] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemProposalRepo) Transition(ctx context.Context, proposalID string, from, to model.ProposalStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[proposalID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "proposal %s not found", proposalID)
	}
	if p.Status != from {
		if p.Status == to {
			return apperr.Newf(apperr.KindStateConflict, "proposal %s is already %s", proposalID, to)
		}
		return apperr.Newf(apperr.KindStateConflict, "proposal %s is %s, expected %s", proposalID, p.Status, from)
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	r.proposals[proposalID] = p
	return nil
}

func (r *MemProposalRepo) ConfirmUnderwriting(ctx context.Context, proposalID string, confirmedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[proposalID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "proposal %s not found", proposalID)
	}
	if p.Status != model.StatusSubmitted {
		if p.Status == model.StatusUnderwritingConfirmed {
			return apperr.Newf(apperr.KindStateConflict, "proposal %s is already %s", proposalID, model.StatusUnderwritingConfirmed)
		}
		return apperr.Newf(apperr.KindStateConflict, "proposal %s is %s, expected %s", proposalID, p.Status, model.StatusSubmitted)
	}
	p.Status = model.StatusUnderwritingConfirmed
	p.ConfirmedAt = &confirmedAt
	p.UpdatedAt = time.Now()
	r.proposals[proposalID] = p
	return nil
}

func (r *MemProposalRepo) SetRejectReason(ctx context.Context, proposalID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[proposalID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "proposal %s not found", proposalID)
	}
	p.RejectReason = &reason
	r.proposals[proposalID] = p
	return nil
}

func (r *MemProposalRepo) UpdateSubmission(ctx context.Context, proposalID string, submission model.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[proposalID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "proposal %s not found", proposalID)
	}
	p.Submission = submission
	p.UpdatedAt = time.Now()
	r.proposals[proposalID] = p
	return nil
}

func (r *MemProposalRepo) ListCoverage(ctx context.Context, proposalID string) ([]model.CoverageLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := r.coverages[proposalID]
	out := make([]model.CoverageLine, len(lines))
	copy(out, lines)
	return out, nil
}

func (r *MemProposalRepo) ReplaceCoverage(ctx context.Context, proposalID string, lines []model.CoverageLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]model.CoverageLine, len(lines))
	copy(next, lines)
	for i := range next {
		if next[i].CoverageID == "" {
			next[i].CoverageID = model.NewID("COV")
		}
	}
	r.coverages[proposalID] = next
	return nil
}

type MemDecisionRepo struct {
	mu        sync.Mutex
	decisions map[string][]model.UnderwritingDecision
}

func NewMemDecisionRepo() *MemDecisionRepo {
	return &MemDecisionRepo{decisions: make(map[string][]model.UnderwritingDecision)}
}

func (r *MemDecisionRepo) Insert(ctx context.Context, d model.UnderwritingDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[d.ProposalID] = append(r.decisions[d.ProposalID], d)
	return nil
}

func (r *MemDecisionRepo) GetCurrent(ctx context.Context, proposalID string) (model.UnderwritingDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.decisions[proposalID]
	if len(list) == 0 {
		return model.UnderwritingDecision{}, apperr.Newf(apperr.KindNotFound, "no decision for proposal %s", proposalID)
	}
	current := list[0]
	for _, d := range list[1:] {
		if d.ConfirmedAt.After(current.ConfirmedAt) ||
			(d.ConfirmedAt.Equal(current.ConfirmedAt) && d.DecisionID > current.DecisionID) {
			current = d
		}
	}
	return current, nil
}

func (r *MemDecisionRepo) ListByProposal(ctx context.Context, proposalID string) ([]model.UnderwritingDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.decisions[proposalID]
	out := make([]model.UnderwritingDecision, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool { return out[i].ConfirmedAt.After(out[j].ConfirmedAt) })
	return out, nil
}

type MemAuthLimitRepo struct {
	mu     sync.Mutex
	limits map[string]model.PhoneAuthLimit
}

func NewMemAuthLimitRepo() *MemAuthLimitRepo {
	return &MemAuthLimitRepo{limits: make(map[string]model.PhoneAuthLimit)}
}

func (r *MemAuthLimitRepo) Upsert(ctx context.Context, limit model.PhoneAuthLimit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if existing, ok := r.limits[limit.Mobile]; ok {
		limit.CreatedAt = existing.CreatedAt
		limit.LastAccessedAt = existing.LastAccessedAt
	} else {
		limit.CreatedAt = now
	}
	limit.UpdatedAt = now
	r.limits[limit.Mobile] = limit
	return nil
}

func (r *MemAuthLimitRepo) Get(ctx context.Context, mobile string) (model.PhoneAuthLimit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit, ok := r.limits[mobile]
	if !ok {
		return model.PhoneAuthLimit{}, apperr.Newf(apperr.KindNotFound, "no auth limit for mobile")
	}
	return limit, nil
}

func (r *MemAuthLimitRepo) Decrement(ctx context.Context, mobile string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit, ok := r.limits[mobile]
	if !ok || limit.RemainingAttempts <= 0 {
		return 0, nil
	}
	now := time.Now()
	limit.RemainingAttempts--
	limit.LastAccessedAt = &now
	limit.UpdatedAt = now
	r.limits[mobile] = limit
	return limit.RemainingAttempts, nil
}

func (r *MemAuthLimitRepo) Touch(ctx context.Context, mobile string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit, ok := r.limits[mobile]
	if !ok {
		return nil
	}
	limit.LastAccessedAt = &at
	limit.UpdatedAt = time.Now()
	r.limits[mobile] = limit
	return nil
}

type MemAuditLogRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]model.AdminOperationLog
}

func NewMemAuditLogRepo() *MemAuditLogRepo {
	return &MemAuditLogRepo{entries: make(map[uuid.UUID]model.AdminOperationLog)}
}

func (r *MemAuditLogRepo) Append(ctx context.Context, entry model.AdminOperationLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ID] = entry
	return nil
}

func (r *MemAuditLogRepo) Get(ctx context.Context, id uuid.UUID) (model.AdminOperationLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return model.AdminOperationLog{}, apperr.Newf(apperr.KindNotFound, "audit record %s not found", id)
	}
	return entry, nil
}

func (r *MemAuditLogRepo) Resolve(ctx context.Context, id uuid.UUID, approved bool, reason *string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "audit record %s not found", id)
	}
	if entry.ReviewedAt != nil {
		return apperr.Newf(apperr.KindStateConflict, "audit record %s is already resolved", id)
	}
	entry.ReviewedAt = &at
	entry.ReviewApproved = &approved
	entry.ReviewReason = reason
	r.entries[id] = entry
	return nil
}

func (r *MemAuditLogRepo) list(match func(model.AdminOperationLog) bool, limit int, oldestFirst bool) []model.AdminOperationLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AdminOperationLog
	for _, e := range r.entries {
		if match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if oldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemAuditLogRepo) ListByTarget(ctx context.Context, targetID string, limit int) ([]model.AdminOperationLog, error) {
	return r.list(func(e model.AdminOperationLog) bool { return e.TargetID == targetID }, limit, false), nil
}

func (r *MemAuditLogRepo) ListByOperator(ctx context.Context, operatorID string, limit int) ([]model.AdminOperationLog, error) {
	return r.list(func(e model.AdminOperationLog) bool { return e.OperatorID == operatorID }, limit, false), nil
}

func (r *MemAuditLogRepo) ListPendingByReviewer(ctx context.Context, reviewerID string) ([]model.AdminOperationLog, error) {
	return r.list(func(e model.AdminOperationLog) bool {
		return e.Pending() && *e.ReviewerID == reviewerID
	}, 0, true), nil
}

type MemPolicyRepo struct {
	mu       sync.Mutex
	policies map[string]model.Policy
}

func NewMemPolicyRepo() *MemPolicyRepo {
	return &MemPolicyRepo{policies: make(map[string]model.Policy)}
}

func (r *MemPolicyRepo) Create(ctx context.Context, p model.Policy) (model.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.policies {
		if existing.ProposalID == p.ProposalID {
			return existing, nil
		}
	}
	r.policies[p.PolicyID] = p
	return p, nil
}

func (r *MemPolicyRepo) Get(ctx context.Context, policyID string) (model.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[policyID]
	if !ok {
		return model.Policy{}, apperr.Newf(apperr.KindNotFound, "policy %s not found", policyID)
	}
	return p, nil
}

func (r *MemPolicyRepo) GetByProposal(ctx context.Context, proposalID string) (model.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.policies {
		if p.ProposalID == proposalID {
			return p, nil
		}
	}
	return model.Policy{}, apperr.Newf(apperr.KindNotFound, "no policy for proposal %s", proposalID)
}

func (r *MemPolicyRepo) SetStatus(ctx context.Context, policyID string, from, to model.PolicyStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[policyID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "policy %s not found", policyID)
	}
	if p.Status != from {
		return apperr.Newf(apperr.KindStateConflict, "policy %s is not %s", policyID, from)
	}
	p.Status = to
	r.policies[policyID] = p
	return nil
}
