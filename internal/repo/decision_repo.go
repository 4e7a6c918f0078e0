package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
)

// DecisionRepo persists underwriting decisions. Older rows are retained for
// history; "current" resolves by most-recent confirmed_at.
type DecisionRepo interface {
	Insert(ctx context.Context, d model.UnderwritingDecision) error
	GetCurrent(ctx context.Context, proposalID string) (model.UnderwritingDecision, error)
	ListByProposal(ctx context.Context, proposalID string) ([]model.UnderwritingDecision, error)
}

type decisionRepo struct {
	db *sql.DB
}

// NewDecisionRepo creates a new DecisionRepo instance
func NewDecisionRepo(db *sql.DB) DecisionRepo {
	return &decisionRepo{db: db}
}

func (r *decisionRepo) Insert(ctx context.Context, d model.UnderwritingDecision) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO underwriting_decisions (
			decision_id, proposal_id, acceptance, risk_level, risk_reason,
			final_premium, policy_effective_date, policy_expiry_date,
			underwriter_name, confirmed_at, auth_code, qr_reference, owner_mobile, payment_link
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, d.DecisionID, d.ProposalID, d.Acceptance, d.RiskLevel, d.RiskReason,
		d.FinalPremium, d.PolicyEffectiveDate, d.PolicyExpiryDate,
		d.UnderwriterName, d.ConfirmedAt, d.AuthCode, d.QRReference, d.OwnerMobile, d.PaymentLink)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

const decisionColumns = `
	decision_id, proposal_id, acceptance, risk_level, risk_reason,
	final_premium, policy_effective_date, policy_expiry_date,
	underwriter_name, confirmed_at, auth_code, qr_reference, owner_mobile, payment_link`

func scanDecision(row interface{ Scan(...interface{}) error }) (model.UnderwritingDecision, error) {
	var d model.UnderwritingDecision
	err := row.Scan(&d.DecisionID, &d.ProposalID, &d.Acceptance, &d.RiskLevel, &d.RiskReason,
		&d.FinalPremium, &d.PolicyEffectiveDate, &d.PolicyExpiryDate,
		&d.UnderwriterName, &d.ConfirmedAt, &d.AuthCode, &d.QRReference, &d.OwnerMobile, &d.PaymentLink)
	return d, err
}

// GetCurrent returns the latest decision for the proposal.
func (r *decisionRepo) GetCurrent(ctx context.Context, proposalID string) (model.UnderwritingDecision, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+decisionColumns+`
		FROM underwriting_decisions
		WHERE proposal_id = $1
		ORDER BY confirmed_at DESC, decision_id DESC
		LIMIT 1
	`, proposalID)

	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UnderwritingDecision{}, apperr.Newf(apperr.KindNotFound, "no decision for proposal %s", proposalID)
		}
		return model.UnderwritingDecision{}, fmt.Errorf("query current decision: %w", err)
	}
	return d, nil
}

// ListByProposal returns the decision history, newest first.
func (r *decisionRepo) ListByProposal(ctx context.Context, proposalID string) ([]model.UnderwritingDecision, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+decisionColumns+`
		FROM underwriting_decisions
		WHERE proposal_id = $1
		ORDER BY confirmed_at DESC, decision_id DESC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []model.UnderwritingDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
