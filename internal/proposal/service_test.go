package proposal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/cache"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
	"github.com/CL-j-nc/xinhexin-api/internal/repo"
)

type serviceEnv struct {
	proposals *repo.MemProposalRepo
	decisions *repo.MemDecisionRepo
	policies  *repo.MemPolicyRepo
	codes     cache.Cache
	svc       *Service
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()

	codes, err := cache.Open(cache.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = codes.Close() })

	proposals := repo.NewMemProposalRepo()
	decisions := repo.NewMemDecisionRepo()
	policies := repo.NewMemPolicyRepo()

	return &serviceEnv{
		proposals: proposals,
		decisions: decisions,
		policies:  policies,
		codes:     codes,
		svc:       NewService(proposals, decisions, policies, codes, zap.NewNop()),
	}
}

func validSubmission() model.Submission {
	return model.Submission{
		Vehicle:  model.VehicleInfo{Plate: "京A12345", VIN: "LVSHCAMB0FE000001"},
		Proposer: model.PersonInfo{Name: "Li Na", Mobile: "13912345678"},
		Owner:    model.PersonInfo{Name: "Wang Lei", Mobile: "13812345678"},
		Coverages: []model.CoverageLine{
			{Type: "third_party_liability", SumInsured: 1000000, EffectiveDate: time.Now()},
		},
	}
}

// accept installs an ACCEPT decision and advances the proposal to
// UNDERWRITING_CONFIRMED, mimicking the underwriting desk.
func (e *serviceEnv) accept(t *testing.T, proposalID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, e.decisions.Insert(ctx, model.UnderwritingDecision{
		DecisionID:          model.NewID("DEC"),
		ProposalID:          proposalID,
		Acceptance:          model.AcceptanceAccept,
		FinalPremium:        3580.50,
		PolicyEffectiveDate: now.Add(-time.Hour),
		PolicyExpiryDate:    now.Add(365 * 24 * time.Hour),
		UnderwriterName:     "Chen Ming",
		ConfirmedAt:         now,
	}))
	require.NoError(t, e.proposals.ConfirmUnderwriting(ctx, proposalID, now))
}

func TestSubmitValidation(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	s := validSubmission()
	s.Vehicle.Plate = ""
	_, err := env.svc.Submit(ctx, s)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	s = validSubmission()
	s.Coverages = nil
	_, err = env.svc.Submit(ctx, s)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	s = validSubmission()
	s.Coverages[0].SumInsured = 0
	_, err = env.svc.Submit(ctx, s)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	s = validSubmission()
	s.Coverages[0].Type = ""
	_, err = env.svc.Submit(ctx, s)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSubmitAndStatus(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	proposalID, err := env.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)
	assert.Regexp(t, `^PROP-[0-9A-F]{12}$`, proposalID)

	info, err := env.svc.Status(ctx, proposalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, info.Status)
	assert.Nil(t, info.AuthCode)
	assert.Nil(t, info.ConfirmedAt)

	_, err = env.svc.Status(ctx, "PROP-MISSING0000")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestStatusCarriesDecisionMaterial(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	proposalID, err := env.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	code := "123456"
	qr := "/client/resolve/" + proposalID
	require.NoError(t, env.decisions.Insert(ctx, model.UnderwritingDecision{
		DecisionID:  model.NewID("DEC"),
		ProposalID:  proposalID,
		Acceptance:  model.AcceptanceAccept,
		ConfirmedAt: time.Now(),
		AuthCode:    &code,
		QRReference: &qr,
	}))

	info, err := env.svc.Status(ctx, proposalID)
	require.NoError(t, err)
	require.NotNil(t, info.AuthCode)
	assert.Equal(t, code, *info.AuthCode)
	require.NotNil(t, info.QRReference)
}

func TestLifecycleHappyPath(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	proposalID, err := env.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)
	env.accept(t, proposalID)

	require.NoError(t, env.svc.MarkPaid(ctx, proposalID))
	require.NoError(t, env.svc.MarkCompleted(ctx, proposalID))

	info, err := env.svc.Status(ctx, proposalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, info.Status)
}

func TestIllegalTransitions(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	proposalID, err := env.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	// Paying a SUBMITTED proposal skips underwriting.
	err = env.svc.MarkPaid(ctx, proposalID)
	assert.True(t, apperr.Is(err, apperr.KindStateConflict))

	// Completing before payment.
	env.accept(t, proposalID)
	err = env.svc.MarkCompleted(ctx, proposalID)
	assert.True(t, apperr.Is(err, apperr.KindStateConflict))

	// Terminal states accept nothing further.
	require.NoError(t, env.svc.MarkPaid(ctx, proposalID))
	require.NoError(t, env.svc.MarkCompleted(ctx, proposalID))
	err = env.svc.MarkPaid(ctx, proposalID)
	assert.True(t, apperr.Is(err, apperr.KindStateConflict))
}

func TestCompleteInvalidatesCachedCode(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	proposalID, err := env.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)
	env.accept(t, proposalID)
	require.NoError(t, env.codes.Set(cache.AuthCodeKey(proposalID), []byte("123456"), time.Hour))

	require.NoError(t, env.svc.MarkPaid(ctx, proposalID))
	require.NoError(t, env.svc.MarkCompleted(ctx, proposalID))

	_, err = env.codes.Get(cache.AuthCodeKey(proposalID))
	assert.True(t, errors.Is(err, cache.ErrNotFound))
}

func TestIssuePolicy(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	proposalID, err := env.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	t.Run("requires confirmed underwriting", func(t *testing.T) {
		_, err := env.svc.IssuePolicy(ctx, proposalID)
		assert.True(t, apperr.Is(err, apperr.KindStateConflict))
	})

	env.accept(t, proposalID)

	t.Run("issues from the current decision", func(t *testing.T) {
		policy, err := env.svc.IssuePolicy(ctx, proposalID)
		require.NoError(t, err)
		assert.Regexp(t, `^POL-[0-9A-F]{12}$`, policy.PolicyID)
		assert.Equal(t, model.PolicyIssued, policy.Status)
		assert.Equal(t, 3580.50, policy.Premium)
	})

	t.Run("re-issuing returns the same policy", func(t *testing.T) {
		first, err := env.svc.IssuePolicy(ctx, proposalID)
		require.NoError(t, err)
		second, err := env.svc.IssuePolicy(ctx, proposalID)
		require.NoError(t, err)
		assert.Equal(t, first.PolicyID, second.PolicyID)
	})

	t.Run("still legal after payment", func(t *testing.T) {
		require.NoError(t, env.svc.MarkPaid(ctx, proposalID))
		_, err := env.svc.IssuePolicy(ctx, proposalID)
		require.NoError(t, err)
	})
}

func TestIssuePolicyRequiresAcceptDecision(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	proposalID, err := env.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, env.decisions.Insert(ctx, model.UnderwritingDecision{
		DecisionID:      model.NewID("DEC"),
		ProposalID:      proposalID,
		Acceptance:      model.AcceptanceModify,
		UnderwriterName: "Chen Ming",
		ConfirmedAt:     now,
	}))
	require.NoError(t, env.proposals.ConfirmUnderwriting(ctx, proposalID, now))

	_, err = env.svc.IssuePolicy(ctx, proposalID)
	assert.True(t, apperr.Is(err, apperr.KindStateConflict))
}

func TestGetPolicyStatus(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	proposalID, err := env.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)
	env.accept(t, proposalID)

	policy, err := env.svc.IssuePolicy(ctx, proposalID)
	require.NoError(t, err)

	status, err := env.svc.GetPolicyStatus(ctx, policy.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, model.PolicyIssued, status.Status)
	assert.True(t, status.InForce, "effective window covers now")

	_, err = env.svc.GetPolicyStatus(ctx, "POL-MISSING00000")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestList(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	first, err := env.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)
	second, err := env.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)
	env.accept(t, second)

	submitted, err := env.svc.List(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, submitted, 1, "default filter is SUBMITTED")
	assert.Equal(t, first, submitted[0].ProposalID)

	confirmed, err := env.svc.List(ctx, []model.ProposalStatus{model.StatusUnderwritingConfirmed}, 10)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, second, confirmed[0].ProposalID)

	_, err = env.svc.List(ctx, []model.ProposalStatus{"UNKNOWN"}, 10)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
