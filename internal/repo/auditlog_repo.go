package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
)

// AuditLogRepo is the append-only store of delegated-operation records.
// Rows are never updated except for the single review resolution, which is
// guarded so a resolved row can never be resolved again.
type AuditLogRepo interface {
	Append(ctx context.Context, entry model.AdminOperationLog) error
	Get(ctx context.Context, id uuid.UUID) (model.AdminOperationLog, error)
	Resolve(ctx context.Context, id uuid.UUID, approved bool, reason *string, at time.Time) error
	ListByTarget(ctx context.Context, targetID string, limit int) ([]model.AdminOperationLog, error)
	ListByOperator(ctx context.Context, operatorID string, limit int) ([]model.AdminOperationLog, error)
	ListPendingByReviewer(ctx context.Context, reviewerID string) ([]model.AdminOperationLog, error)
}

type auditLogRepo struct {
	db *sql.DB
}

// NewAuditLogRepo creates a new AuditLogRepo instance
func NewAuditLogRepo(db *sql.DB) AuditLogRepo {
	return &auditLogRepo{db: db}
}

func (r *auditLogRepo) Append(ctx context.Context, entry model.AdminOperationLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_operation_logs (
			id, operator_id, operator_name, operator_role, power_type, action,
			target_type, target_id, reason, before_state, after_state,
			authorization_url, reviewer_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, entry.ID, entry.OperatorID, entry.OperatorName, entry.OperatorRole, entry.PowerType, entry.Action,
		entry.TargetType, entry.TargetID, entry.Reason, entry.BeforeState, entry.AfterState,
		entry.AuthorizationURL, entry.ReviewerID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append admin operation log: %w", err)
	}
	return nil
}

const auditColumns = `
	id, operator_id, operator_name, operator_role, power_type, action,
	target_type, target_id, reason, before_state, after_state,
	authorization_url, reviewer_id, reviewed_at, review_approved, review_reason, created_at`

func scanAuditLog(row interface{ Scan(...interface{}) error }) (model.AdminOperationLog, error) {
	var entry model.AdminOperationLog
	err := row.Scan(&entry.ID, &entry.OperatorID, &entry.OperatorName, &entry.OperatorRole,
		&entry.PowerType, &entry.Action, &entry.TargetType, &entry.TargetID, &entry.Reason,
		&entry.BeforeState, &entry.AfterState, &entry.AuthorizationURL,
		&entry.ReviewerID, &entry.ReviewedAt, &entry.ReviewApproved, &entry.ReviewReason, &entry.CreatedAt)
	return entry, err
}

func (r *auditLogRepo) Get(ctx context.Context, id uuid.UUID) (model.AdminOperationLog, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+auditColumns+`
		FROM admin_operation_logs
		WHERE id = $1
	`, id)
	entry, err := scanAuditLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AdminOperationLog{}, apperr.Newf(apperr.KindNotFound, "audit record %s not found", id)
		}
		return model.AdminOperationLog{}, fmt.Errorf("query admin operation log: %w", err)
	}
	return entry, nil
}

// Resolve marks a pending row terminal. The reviewed_at IS NULL guard makes
// a second resolution a state-conflict instead of an overwrite.
func (r *auditLogRepo) Resolve(ctx context.Context, id uuid.UUID, approved bool, reason *string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE admin_operation_logs
		SET reviewed_at = $1, review_approved = $2, review_reason = $3
		WHERE id = $4 AND reviewed_at IS NULL
	`, at, approved, reason, id)
	if err != nil {
		return fmt.Errorf("resolve admin operation log: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.Newf(apperr.KindStateConflict, "audit record %s is already resolved", id)
	}
	return nil
}

func (r *auditLogRepo) listWhere(ctx context.Context, where string, arg interface{}, limit int) ([]model.AdminOperationLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+auditColumns+`
		FROM admin_operation_logs
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $2
	`, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("list admin operation logs: %w", err)
	}
	defer rows.Close()

	var out []model.AdminOperationLog
	for rows.Next() {
		entry, err := scanAuditLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan admin operation log: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *auditLogRepo) ListByTarget(ctx context.Context, targetID string, limit int) ([]model.AdminOperationLog, error) {
	return r.listWhere(ctx, "target_id = $1", targetID, limit)
}

func (r *auditLogRepo) ListByOperator(ctx context.Context, operatorID string, limit int) ([]model.AdminOperationLog, error) {
	return r.listWhere(ctx, "operator_id = $1", operatorID, limit)
}

func (r *auditLogRepo) ListPendingByReviewer(ctx context.Context, reviewerID string) ([]model.AdminOperationLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+auditColumns+`
		FROM admin_operation_logs
		WHERE reviewer_id = $1 AND reviewed_at IS NULL
		ORDER BY created_at ASC
	`, reviewerID)
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}
	defer rows.Close()

	var out []model.AdminOperationLog
	for rows.Next() {
		entry, err := scanAuditLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending review: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
