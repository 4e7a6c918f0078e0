// Package verification gates client access to confirmed policy terms behind
// a phone number and authentication code check. Verification only unlocks
// reads; it never advances the proposal lifecycle.
package verification

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/cache"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
	"github.com/CL-j-nc/xinhexin-api/internal/repo"
)

// ExpiredMessage is the terminal acknowledgement shown once a proposal is
// COMPLETED or REJECTED. It replaces the decision terms permanently.
const ExpiredMessage = "Your application has been completed. Thank you for insuring with us."

// Terms are the confirmed policy terms released to a verified client.
type Terms struct {
	ProposalID    string              `json:"proposal_id"`
	Status        model.ProposalStatus `json:"status"`
	Vehicle       model.VehicleInfo   `json:"vehicle"`
	Coverages     []model.CoverageLine `json:"coverages"`
	FinalPremium  float64             `json:"final_premium"`
	PaymentLink   *string             `json:"payment_link,omitempty"`
	EffectiveDate time.Time           `json:"effective_date"`
	ExpiryDate    time.Time           `json:"expiry_date"`
}

// Gate validates a client's phone number and code before releasing terms.
type Gate struct {
	proposals repo.ProposalRepo
	decisions repo.DecisionRepo
	limits    repo.AuthLimitRepo
	codes     cache.Cache
	log       *zap.Logger
	now       func() time.Time
}

// NewGate creates a verification gate.
func NewGate(
	proposals repo.ProposalRepo,
	decisions repo.DecisionRepo,
	limits repo.AuthLimitRepo,
	codes cache.Cache,
	log *zap.Logger,
) *Gate {
	return &Gate{
		proposals: proposals,
		decisions: decisions,
		limits:    limits,
		codes:     codes,
		log:       log,
		now:       time.Now,
	}
}

// Verify checks the submitted phone and code and returns the proposal's
// confirmed terms. Replay-safe: the same correct pair keeps returning the
// same terms until the proposal reaches a terminal state, after which only
// the expired acknowledgement is returned.
func (g *Gate) Verify(ctx context.Context, proposalID, mobile, code string) (Terms, error) {
	proposal, err := g.proposals.Get(ctx, proposalID)
	if err != nil {
		return Terms{}, err
	}

	if proposal.Status == model.StatusCompleted || proposal.Status == model.StatusRejected {
		return Terms{}, apperr.New(apperr.KindExpired, ExpiredMessage)
	}

	normalized, err := NormalizePhone(mobile)
	if err != nil {
		return Terms{}, err
	}
	if code == "" {
		return Terms{}, apperr.New(apperr.KindValidation, "verification code is required")
	}

	decision, expected, err := g.resolveExpectedCode(ctx, proposalID)
	if err != nil {
		return Terms{}, err
	}

	if err := g.checkAttemptBudget(ctx, normalized); err != nil {
		return Terms{}, err
	}

	if code != expected {
		g.burnAttempt(ctx, normalized)
		return Terms{}, apperr.New(apperr.KindValidation, "incorrect verification code")
	}

	if err := matchAnchor(decision, proposal.Submission, normalized); err != nil {
		return Terms{}, err
	}

	if err := g.limits.Touch(ctx, normalized, g.now()); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		g.log.Warn("auth limit touch failed", zap.String("proposal_id", proposalID), zap.Error(err))
	}

	coverages, err := g.proposals.ListCoverage(ctx, proposalID)
	if err != nil {
		return Terms{}, err
	}

	terms := Terms{
		ProposalID:    proposal.ProposalID,
		Status:        proposal.Status,
		Vehicle:       proposal.Submission.Vehicle,
		Coverages:     coverages,
		FinalPremium:  decision.FinalPremium,
		PaymentLink:   decision.PaymentLink,
		EffectiveDate: decision.PolicyEffectiveDate,
		ExpiryDate:    decision.PolicyExpiryDate,
	}
	return terms, nil
}

// resolveExpectedCode reads the current decision's auth_code, falling back
// to the ephemeral cache for legacy rows. The durable row wins when present.
func (g *Gate) resolveExpectedCode(ctx context.Context, proposalID string) (model.UnderwritingDecision, string, error) {
	decision, err := g.decisions.GetCurrent(ctx, proposalID)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return model.UnderwritingDecision{}, "", err
	}

	if decision.AuthCode != nil && *decision.AuthCode != "" {
		return decision, *decision.AuthCode, nil
	}

	cached, cacheErr := g.codes.Get(cache.AuthCodeKey(proposalID))
	if cacheErr == nil && len(cached) > 0 {
		return decision, string(cached), nil
	}
	if cacheErr != nil && !errors.Is(cacheErr, cache.ErrNotFound) {
		// An evicted or unreachable cache degrades to "absent".
		g.log.Warn("auth code cache read failed", zap.String("proposal_id", proposalID), zap.Error(cacheErr))
	}

	return model.UnderwritingDecision{}, "", apperr.New(apperr.KindNotFound, "verification code expired or proposal unknown")
}

// checkAttemptBudget refuses further attempts once the budget is exhausted.
// A missing or expired row is treated as absent and does not block.
func (g *Gate) checkAttemptBudget(ctx context.Context, mobile string) error {
	limit, err := g.limits.Get(ctx, mobile)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil
		}
		return err
	}
	if limit.Expired(g.now()) {
		return nil
	}
	if limit.RemainingAttempts <= 0 {
		return apperr.New(apperr.KindValidation, "verification attempt limit reached")
	}
	return nil
}

func (g *Gate) burnAttempt(ctx context.Context, mobile string) {
	if _, err := g.limits.Decrement(ctx, mobile); err != nil {
		g.log.Warn("attempt decrement failed", zap.Error(err))
	}
}

// matchAnchor requires the submitted phone to equal the decision's stored
// anchor. Legacy decisions without an anchor fall back to any phone recorded
// on the original submission; a submission with no phones at all cannot be
// cross-checked and passes.
func matchAnchor(decision model.UnderwritingDecision, submission model.Submission, mobile string) error {
	if decision.OwnerMobile != nil && *decision.OwnerMobile != "" {
		if *decision.OwnerMobile != mobile {
			return apperr.New(apperr.KindValidation, "mobile number does not match this proposal")
		}
		return nil
	}

	recorded := false
	for _, candidate := range []string{
		submission.Owner.Mobile,
		submission.Proposer.Mobile,
		submission.Insured.Mobile,
	} {
		normalized := NormalizePhoneLoose(candidate)
		if normalized == "" {
			continue
		}
		recorded = true
		if normalized == mobile {
			return nil
		}
	}
	if recorded {
		return apperr.New(apperr.KindValidation, "mobile number does not match this proposal")
	}
	return nil
}
