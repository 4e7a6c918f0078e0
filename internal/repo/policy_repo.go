package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
)

// PolicyRepo persists issued policies. Creation is idempotent on
// proposal_id: re-running issuance returns the already-issued policy.
type PolicyRepo interface {
	Create(ctx context.Context, p model.Policy) (model.Policy, error)
	Get(ctx context.Context, policyID string) (model.Policy, error)
	GetByProposal(ctx context.Context, proposalID string) (model.Policy, error)
	SetStatus(ctx context.Context, policyID string, from, to model.PolicyStatus) error
}

type policyRepo struct {
	db *sql.DB
}

// NewPolicyRepo creates a new PolicyRepo instance
func NewPolicyRepo(db *sql.DB) PolicyRepo {
	return &policyRepo{db: db}
}

// Create inserts the policy unless one already exists for the proposal, then
// returns whichever row owns the proposal.
func (r *policyRepo) Create(ctx context.Context, p model.Policy) (model.Policy, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO policies (policy_id, proposal_id, status, premium, effective_date, expiry_date, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (proposal_id) DO NOTHING
	`, p.PolicyID, p.ProposalID, p.Status, p.Premium, p.EffectiveDate, p.ExpiryDate, p.IssuedAt)
	if err != nil {
		return model.Policy{}, fmt.Errorf("insert policy: %w", err)
	}
	return r.GetByProposal(ctx, p.ProposalID)
}

const policyColumns = `policy_id, proposal_id, status, premium, effective_date, expiry_date, issued_at`

func scanPolicy(row *sql.Row) (model.Policy, error) {
	var p model.Policy
	err := row.Scan(&p.PolicyID, &p.ProposalID, &p.Status, &p.Premium, &p.EffectiveDate, &p.ExpiryDate, &p.IssuedAt)
	return p, err
}

func (r *policyRepo) Get(ctx context.Context, policyID string) (model.Policy, error) {
	p, err := scanPolicy(r.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE policy_id = $1`, policyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Policy{}, apperr.Newf(apperr.KindNotFound, "policy %s not found", policyID)
		}
		return model.Policy{}, fmt.Errorf("query policy: %w", err)
	}
	return p, nil
}

func (r *policyRepo) GetByProposal(ctx context.Context, proposalID string) (model.Policy, error) {
	p, err := scanPolicy(r.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE proposal_id = $1`, proposalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Policy{}, apperr.Newf(apperr.KindNotFound, "no policy for proposal %s", proposalID)
		}
		return model.Policy{}, fmt.Errorf("query policy by proposal: %w", err)
	}
	return p, nil
}

// SetStatus is a guarded single-row conditional update.
func (r *policyRepo) SetStatus(ctx context.Context, policyID string, from, to model.PolicyStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE policies SET status = $1 WHERE policy_id = $2 AND status = $3
	`, to, policyID, from)
	if err != nil {
		return fmt.Errorf("set policy status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.Newf(apperr.KindStateConflict, "policy %s is not %s", policyID, from)
	}
	return nil
}
