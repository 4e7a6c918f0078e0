package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
)

// ProposalRepo persists proposals and their child vehicle/coverage rows.
// Status changes are guarded single-row conditional updates: the loser of a
// concurrent transition receives a state-conflict, never a silent overwrite.
type ProposalRepo interface {
	Create(ctx context.Context, p model.Proposal) error
	Get(ctx context.Context, proposalID string) (model.Proposal, error)
	List(ctx context.Context, statuses []model.ProposalStatus, limit int) ([]model.Proposal, error)
	Transition(ctx context.Context, proposalID string, from, to model.ProposalStatus) error
	ConfirmUnderwriting(ctx context.Context, proposalID string, confirmedAt time.Time) error
	SetRejectReason(ctx context.Context, proposalID, reason string) error
	UpdateSubmission(ctx context.Context, proposalID string, submission model.Submission) error
	ListCoverage(ctx context.Context, proposalID string) ([]model.CoverageLine, error)
	ReplaceCoverage(ctx context.Context, proposalID string, lines []model.CoverageLine) error
}

type proposalRepo struct {
	db *sql.DB
}

// NewProposalRepo creates a new ProposalRepo instance
func NewProposalRepo(db *sql.DB) ProposalRepo {
	return &proposalRepo{db: db}
}

// Create inserts the proposal row, then its vehicle and coverage children.
// The store gives no cross-table transaction; each insert is atomic on its
// own row and a retry after partial failure is additive only for children,
// which Create avoids by inserting the proposal row last-wins first.
func (r *proposalRepo) Create(ctx context.Context, p model.Proposal) error {
	raw, err := json.Marshal(p.Submission)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO proposals (proposal_id, status, raw_submission, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, p.ProposalID, p.Status, raw, p.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}

	v := p.Submission.Vehicle
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO vehicles (vehicle_id, proposal_id, plate, vin, engine_no, brand,
			register_date, vehicle_type, use_nature, curb_weight, approved_load, approved_passengers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, model.NewID("VEH"), p.ProposalID, v.Plate, v.VIN, v.EngineNo, v.Brand,
		v.RegisterDate, v.VehicleType, v.UseNature, v.CurbWeight, v.ApprovedLoad, v.ApprovedPassengers)
	if err != nil {
		return fmt.Errorf("insert vehicle: %w", err)
	}

	for _, line := range p.Submission.Coverages {
		if err := r.insertCoverage(ctx, p.ProposalID, line); err != nil {
			return err
		}
	}
	return nil
}

func (r *proposalRepo) insertCoverage(ctx context.Context, proposalID string, line model.CoverageLine) error {
	id := line.CoverageID
	if id == "" {
		id = model.NewID("COV")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO coverages (coverage_id, proposal_id, coverage_type, coverage_level, sum_insured, effective_date)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, proposalID, line.Type, line.Level, line.SumInsured, line.EffectiveDate)
	if err != nil {
		return fmt.Errorf("insert coverage: %w", err)
	}
	return nil
}

// Get retrieves a proposal. A raw_submission that no longer matches the
// current shape is tolerated as a legacy payload and returned zero-valued.
func (r *proposalRepo) Get(ctx context.Context, proposalID string) (model.Proposal, error) {
	var (
		p   model.Proposal
		raw []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT proposal_id, status, raw_submission, reject_reason, submitted_at, confirmed_at, updated_at
		FROM proposals
		WHERE proposal_id = $1
	`, proposalID).Scan(&p.ProposalID, &p.Status, &raw, &p.RejectReason, &p.SubmittedAt, &p.ConfirmedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Proposal{}, apperr.Newf(apperr.KindNotFound, "proposal %s not found", proposalID)
		}
		return model.Proposal{}, fmt.Errorf("query proposal: %w", err)
	}

	// Legacy/unknown payload shapes fall back to an empty submission.
	_ = json.Unmarshal(raw, &p.Submission)
	return p, nil
}

// List returns proposals in the given statuses, newest first.
func (r *proposalRepo) List(ctx context.Context, statuses []model.ProposalStatus, limit int) ([]model.Proposal, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	args := make([]interface{}, 0, len(statuses)+1)
	placeholders := ""
	for i, s := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+1)
		args = append(args, string(s))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT proposal_id, status, raw_submission, reject_reason, submitted_at, confirmed_at, updated_at
		FROM proposals
		WHERE status IN (%s)
		ORDER BY submitted_at DESC
		LIMIT $%d
	`, placeholders, len(statuses)+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []model.Proposal
	for rows.Next() {
		var (
			p   model.Proposal
			raw []byte
		)
		if err := rows.Scan(&p.ProposalID, &p.Status, &raw, &p.RejectReason, &p.SubmittedAt, &p.ConfirmedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		_ = json.Unmarshal(raw, &p.Submission)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Transition applies "set status = to where current status = from". Zero rows
// affected means either an unknown proposal or a lost race; the follow-up
// read distinguishes the two.
func (r *proposalRepo) Transition(ctx context.Context, proposalID string, from, to model.ProposalStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE proposals
		SET status = $1, updated_at = now()
		WHERE proposal_id = $2 AND status = $3
	`, to, proposalID, from)
	if err != nil {
		return fmt.Errorf("transition proposal: %w", err)
	}
	return r.checkGuard(ctx, result, proposalID, from, to)
}

// ConfirmUnderwriting advances SUBMITTED to UNDERWRITING_CONFIRMED and
// stamps confirmed_at in the same guarded write.
func (r *proposalRepo) ConfirmUnderwriting(ctx context.Context, proposalID string, confirmedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE proposals
		SET status = $1, confirmed_at = $2, updated_at = now()
		WHERE proposal_id = $3 AND status = $4
	`, model.StatusUnderwritingConfirmed, confirmedAt, proposalID, model.StatusSubmitted)
	if err != nil {
		return fmt.Errorf("confirm underwriting: %w", err)
	}
	return r.checkGuard(ctx, result, proposalID, model.StatusSubmitted, model.StatusUnderwritingConfirmed)
}

func (r *proposalRepo) checkGuard(ctx context.Context, result sql.Result, proposalID string, from, to model.ProposalStatus) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current model.ProposalStatus
	err = r.db.QueryRowContext(ctx,
		`SELECT status FROM proposals WHERE proposal_id = $1`, proposalID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Newf(apperr.KindNotFound, "proposal %s not found", proposalID)
	}
	if err != nil {
		return fmt.Errorf("read status after guard miss: %w", err)
	}
	if current == to {
		// A concurrent identical transition already landed; the caller's
		// intent is satisfied but they still lost the race.
		return apperr.Newf(apperr.KindStateConflict, "proposal %s is already %s", proposalID, to)
	}
	return apperr.Newf(apperr.KindStateConflict, "proposal %s is %s, expected %s", proposalID, current, from)
}

// SetRejectReason records the underwriter's stated reason.
func (r *proposalRepo) SetRejectReason(ctx context.Context, proposalID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE proposals SET reject_reason = $1, updated_at = now() WHERE proposal_id = $2
	`, reason, proposalID)
	if err != nil {
		return fmt.Errorf("set reject reason: %w", err)
	}
	return nil
}

// UpdateSubmission replaces raw_submission, stamping updated_at.
func (r *proposalRepo) UpdateSubmission(ctx context.Context, proposalID string, submission model.Submission) error {
	raw, err := json.Marshal(submission)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE proposals SET raw_submission = $1, updated_at = now() WHERE proposal_id = $2
	`, raw, proposalID)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.Newf(apperr.KindNotFound, "proposal %s not found", proposalID)
	}
	return nil
}

// ListCoverage returns the current coverage lines for a proposal. An empty
// result can mean a replace is mid-flight; callers treat it as "recompute
// pending", never as zero coverage.
func (r *proposalRepo) ListCoverage(ctx context.Context, proposalID string) ([]model.CoverageLine, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT coverage_id, coverage_type, coverage_level, sum_insured, effective_date
		FROM coverages
		WHERE proposal_id = $1
		ORDER BY coverage_id
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list coverage: %w", err)
	}
	defer rows.Close()

	var out []model.CoverageLine
	for rows.Next() {
		var line model.CoverageLine
		if err := rows.Scan(&line.CoverageID, &line.Type, &line.Level, &line.SumInsured, &line.EffectiveDate); err != nil {
			return nil, fmt.Errorf("scan coverage: %w", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// ReplaceCoverage wholesale-replaces coverage lines: delete then insert.
// There is no cross-row transaction, so a reader mid-replace may observe an
// empty set; re-running the same replace is idempotent.
func (r *proposalRepo) ReplaceCoverage(ctx context.Context, proposalID string, lines []model.CoverageLine) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM coverages WHERE proposal_id = $1`, proposalID)
	if err != nil {
		return fmt.Errorf("delete coverage: %w", err)
	}
	for _, line := range lines {
		if err := r.insertCoverage(ctx, proposalID, line); err != nil {
			return err
		}
	}
	return nil
}
