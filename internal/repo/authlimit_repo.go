package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
)

// AuthLimitRepo persists the per-mobile verification attempt budget.
// remaining_attempts only ever decreases between refreshes and is clamped at
// zero by the guarded decrement.
type AuthLimitRepo interface {
	Upsert(ctx context.Context, limit model.PhoneAuthLimit) error
	Get(ctx context.Context, mobile string) (model.PhoneAuthLimit, error)
	Decrement(ctx context.Context, mobile string) (remaining int, err error)
	Touch(ctx context.Context, mobile string, at time.Time) error
}

type authLimitRepo struct {
	db *sql.DB
}

// NewAuthLimitRepo creates a new AuthLimitRepo instance
func NewAuthLimitRepo(db *sql.DB) AuthLimitRepo {
	return &authLimitRepo{db: db}
}

// Upsert installs or refreshes the budget row for a mobile. A re-issued
// decision restores the full budget and the new expiry.
func (r *authLimitRepo) Upsert(ctx context.Context, limit model.PhoneAuthLimit) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO phone_auth_limits (
			mobile_phone, auth_code, remaining_attempts, max_attempts,
			proposal_id, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (mobile_phone) DO UPDATE SET
			auth_code = excluded.auth_code,
			remaining_attempts = excluded.remaining_attempts,
			max_attempts = excluded.max_attempts,
			proposal_id = excluded.proposal_id,
			expires_at = excluded.expires_at,
			updated_at = now()
	`, limit.Mobile, limit.AuthCode, limit.RemainingAttempts, limit.MaxAttempts,
		limit.ProposalID, limit.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert phone auth limit: %w", err)
	}
	return nil
}

func (r *authLimitRepo) Get(ctx context.Context, mobile string) (model.PhoneAuthLimit, error) {
	var limit model.PhoneAuthLimit
	err := r.db.QueryRowContext(ctx, `
		SELECT mobile_phone, auth_code, remaining_attempts, max_attempts,
		       proposal_id, expires_at, last_accessed_at, created_at, updated_at
		FROM phone_auth_limits
		WHERE mobile_phone = $1
	`, mobile).Scan(&limit.Mobile, &limit.AuthCode, &limit.RemainingAttempts, &limit.MaxAttempts,
		&limit.ProposalID, &limit.ExpiresAt, &limit.LastAccessedAt, &limit.CreatedAt, &limit.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PhoneAuthLimit{}, apperr.Newf(apperr.KindNotFound, "no auth limit for mobile")
		}
		return model.PhoneAuthLimit{}, fmt.Errorf("query phone auth limit: %w", err)
	}
	return limit, nil
}

// Decrement burns one attempt. The remaining_attempts > 0 guard keeps the
// counter non-negative under concurrent failures; an exhausted budget
// returns zero without error so callers report "incorrect code" uniformly.
func (r *authLimitRepo) Decrement(ctx context.Context, mobile string) (int, error) {
	var remaining int
	err := r.db.QueryRowContext(ctx, `
		UPDATE phone_auth_limits
		SET remaining_attempts = remaining_attempts - 1,
		    last_accessed_at = now(),
		    updated_at = now()
		WHERE mobile_phone = $1 AND remaining_attempts > 0
		RETURNING remaining_attempts
	`, mobile).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("decrement attempts: %w", err)
	}
	return remaining, nil
}

// Touch stamps last_accessed_at on a successful verification.
func (r *authLimitRepo) Touch(ctx context.Context, mobile string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE phone_auth_limits SET last_accessed_at = $1, updated_at = now() WHERE mobile_phone = $2
	`, at, mobile)
	if err != nil {
		return fmt.Errorf("touch phone auth limit: %w", err)
	}
	return nil
}
