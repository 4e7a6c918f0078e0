// Package underwriting produces the authoritative decision, premium, and
// client authentication code for a reviewed proposal.
package underwriting

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/cache"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
	"github.com/CL-j-nc/xinhexin-api/internal/repo"
	"github.com/CL-j-nc/xinhexin-api/internal/verification"
)

// DecisionInput carries the underwriter's ruling and optional overrides.
type DecisionInput struct {
	Acceptance          model.Acceptance
	RiskLevel           string
	RiskReason          string
	FinalPremium        float64
	PolicyEffectiveDate time.Time
	PolicyExpiryDate    time.Time
	UnderwriterName     string
	PaymentLink         string

	// OverrideCoverages, when non-empty, wholesale-replaces the proposal's
	// coverage lines.
	OverrideCoverages []model.CoverageLine

	// Corrected sections replace their counterpart in raw_submission.
	CorrectedVehicle  *model.VehicleInfo
	CorrectedOwner    *model.PersonInfo
	CorrectedProposer *model.PersonInfo
	CorrectedInsured  *model.PersonInfo
}

// Result is returned to the underwriting desk after a recorded decision.
type Result struct {
	DecisionID  string
	AuthCode    *string
	QRReference *string
}

// Recorder writes underwriting decisions and advances the proposal.
type Recorder struct {
	proposals repo.ProposalRepo
	decisions repo.DecisionRepo
	limits    repo.AuthLimitRepo
	codes     cache.Cache
	log       *zap.Logger

	codeTTL     time.Duration
	maxAttempts int
	now         func() time.Time
	rng         *rand.Rand
}

// NewRecorder creates a decision recorder.
func NewRecorder(
	proposals repo.ProposalRepo,
	decisions repo.DecisionRepo,
	limits repo.AuthLimitRepo,
	codes cache.Cache,
	log *zap.Logger,
	codeTTL time.Duration,
	maxAttempts int,
) *Recorder {
	return &Recorder{
		proposals:   proposals,
		decisions:   decisions,
		limits:      limits,
		codes:       codes,
		log:         log,
		codeTTL:     codeTTL,
		maxAttempts: maxAttempts,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Record validates and persists the decision, then advances the proposal to
// UNDERWRITING_CONFIRMED (and on REJECT, onward to REJECTED). The multi-step
// write has no cross-table transaction: re-running after a partial failure
// re-replaces coverage idempotently and may leave a superseded decision row,
// which readers resolve by most-recent confirmed_at.
func (r *Recorder) Record(ctx context.Context, proposalID string, input DecisionInput) (Result, error) {
	if err := validateInput(input); err != nil {
		return Result{}, err
	}

	proposal, err := r.proposals.Get(ctx, proposalID)
	if err != nil {
		return Result{}, err
	}
	if proposal.Status != model.StatusSubmitted {
		return Result{}, apperr.Newf(apperr.KindStateConflict,
			"proposal %s is %s, decisions are recorded on SUBMITTED proposals", proposalID, proposal.Status)
	}

	if corrected, changed := applyCorrections(proposal.Submission, input); changed {
		if err := r.proposals.UpdateSubmission(ctx, proposalID, corrected); err != nil {
			return Result{}, err
		}
		proposal.Submission = corrected
	}

	if len(input.OverrideCoverages) > 0 {
		if err := r.proposals.ReplaceCoverage(ctx, proposalID, input.OverrideCoverages); err != nil {
			return Result{}, err
		}
	}

	anchor := extractMobileAnchor(proposal.Submission)

	now := r.now()
	decision := model.UnderwritingDecision{
		DecisionID:          model.NewID("DEC"),
		ProposalID:          proposalID,
		Acceptance:          input.Acceptance,
		RiskLevel:           input.RiskLevel,
		RiskReason:          input.RiskReason,
		FinalPremium:        input.FinalPremium,
		PolicyEffectiveDate: input.PolicyEffectiveDate,
		PolicyExpiryDate:    input.PolicyExpiryDate,
		UnderwriterName:     input.UnderwriterName,
		ConfirmedAt:         now,
	}
	if anchor != "" {
		decision.OwnerMobile = &anchor
	}
	if input.PaymentLink != "" {
		decision.PaymentLink = &input.PaymentLink
	}

	// auth_code and qr_reference are populated iff the decision is ACCEPT.
	if input.Acceptance == model.AcceptanceAccept {
		code := r.generateAuthCode()
		qr := qrReference(proposalID)
		decision.AuthCode = &code
		decision.QRReference = &qr
	}

	if err := r.decisions.Insert(ctx, decision); err != nil {
		return Result{}, err
	}

	if err := r.proposals.ConfirmUnderwriting(ctx, proposalID, now); err != nil {
		return Result{}, err
	}

	if input.Acceptance == model.AcceptanceReject {
		if input.RiskReason != "" {
			if err := r.proposals.SetRejectReason(ctx, proposalID, input.RiskReason); err != nil {
				return Result{}, err
			}
		}
		if err := r.proposals.Transition(ctx, proposalID, model.StatusUnderwritingConfirmed, model.StatusRejected); err != nil {
			return Result{}, err
		}
	}

	if input.Acceptance == model.AcceptanceAccept {
		r.installAuthCode(ctx, proposalID, anchor, *decision.AuthCode, now)
	}

	return Result{
		DecisionID:  decision.DecisionID,
		AuthCode:    decision.AuthCode,
		QRReference: decision.QRReference,
	}, nil
}

// installAuthCode writes the attempt budget and mirrors the code into the
// ephemeral cache. The durable decision row is the source of truth; both
// writes here are fallback channels, so failures are logged, not fatal.
func (r *Recorder) installAuthCode(ctx context.Context, proposalID, mobile, code string, now time.Time) {
	if mobile != "" {
		limit := model.PhoneAuthLimit{
			Mobile:            mobile,
			AuthCode:          code,
			RemainingAttempts: r.maxAttempts,
			MaxAttempts:       r.maxAttempts,
			ProposalID:        &proposalID,
			ExpiresAt:         now.Add(r.codeTTL),
		}
		if err := r.limits.Upsert(ctx, limit); err != nil {
			r.log.Warn("auth limit upsert failed",
				zap.String("proposal_id", proposalID), zap.Error(err))
		}
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(r.codes.Set(cache.AuthCodeKey(proposalID), []byte(code), r.codeTTL))
	})
	if err != nil {
		r.log.Warn("auth code cache mirror failed",
			zap.String("proposal_id", proposalID), zap.Error(err))
	}
}

func validateInput(input DecisionInput) error {
	switch input.Acceptance {
	case model.AcceptanceAccept, model.AcceptanceReject, model.AcceptanceModify:
	default:
		return apperr.Newf(apperr.KindValidation, "unknown acceptance %q", input.Acceptance)
	}
	if input.UnderwriterName == "" {
		return apperr.New(apperr.KindValidation, "underwriter name is required")
	}
	if input.FinalPremium < 0 {
		return apperr.New(apperr.KindValidation, "final premium must not be negative")
	}
	if !input.PolicyExpiryDate.After(input.PolicyEffectiveDate) {
		return apperr.New(apperr.KindValidation, "policy expiry must be after effective date")
	}
	return nil
}

func applyCorrections(submission model.Submission, input DecisionInput) (model.Submission, bool) {
	changed := false
	if input.CorrectedVehicle != nil {
		submission.Vehicle = *input.CorrectedVehicle
		changed = true
	}
	if input.CorrectedOwner != nil {
		submission.Owner = *input.CorrectedOwner
		changed = true
	}
	if input.CorrectedProposer != nil {
		submission.Proposer = *input.CorrectedProposer
		changed = true
	}
	if input.CorrectedInsured != nil {
		submission.Insured = *input.CorrectedInsured
		changed = true
	}
	return submission, changed
}

// extractMobileAnchor picks the verification anchor from the stored
// submission: owner first, then proposer, then insured.
func extractMobileAnchor(submission model.Submission) string {
	for _, candidate := range []string{
		submission.Owner.Mobile,
		submission.Proposer.Mobile,
		submission.Insured.Mobile,
	} {
		if normalized := verification.NormalizePhoneLoose(candidate); normalized != "" {
			return normalized
		}
	}
	return ""
}

// generateAuthCode draws a uniform random 6-digit code. math/rand is not
// cryptographically unpredictable; the persisted attempt budget is the
// brute-force bound.
func (r *Recorder) generateAuthCode() string {
	return fmt.Sprintf("%06d", r.rng.Intn(900000)+100000)
}

// qrReference is the client-facing resolution link keyed by proposal id.
func qrReference(proposalID string) string {
	return "/client/resolve/" + proposalID
}
