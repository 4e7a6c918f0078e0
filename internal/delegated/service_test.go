package delegated

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
	"github.com/CL-j-nc/xinhexin-api/internal/repo"
)

var (
	opCS = Operator{ID: "op-cs", Name: "Liu Fang", Role: model.RoleCS}
	opL1 = Operator{ID: "op-l1", Name: "Zhao Jun", Role: model.RoleL1}
	opL2 = Operator{ID: "op-l2", Name: "Sun Qiang", Role: model.RoleL2}
	opL3 = Operator{ID: "op-l3", Name: "Zhou Min", Role: model.RoleL3}
	opRv = Operator{ID: "op-reviewer", Name: "Wu Gang", Role: model.RoleL3}
)

type delegatedEnv struct {
	proposals *repo.MemProposalRepo
	policies  *repo.MemPolicyRepo
	audit     *repo.MemAuditLogRepo
	svc       *Service
}

func newDelegatedEnv(t *testing.T) *delegatedEnv {
	t.Helper()
	proposals := repo.NewMemProposalRepo()
	policies := repo.NewMemPolicyRepo()
	audit := repo.NewMemAuditLogRepo()
	return &delegatedEnv{
		proposals: proposals,
		policies:  policies,
		audit:     audit,
		svc:       NewService(proposals, policies, audit, zap.NewNop()),
	}
}

func (e *delegatedEnv) seedProposal(t *testing.T, status model.ProposalStatus) string {
	t.Helper()
	p := model.Proposal{
		ProposalID: model.NewID("PROP"),
		Status:     status,
		Submission: model.Submission{
			Vehicle: model.VehicleInfo{Plate: "京A12345", VIN: "LVSHCAMB0FE000001"},
			Owner:   model.PersonInfo{Name: "Wang Lei", Mobile: "13812345678"},
		},
		SubmittedAt: time.Now(),
	}
	require.NoError(t, e.proposals.Create(context.Background(), p))
	return p.ProposalID
}

func (e *delegatedEnv) seedPolicy(t *testing.T, status model.PolicyStatus) string {
	t.Helper()
	p, err := e.policies.Create(context.Background(), model.Policy{
		PolicyID:      model.NewID("POL"),
		ProposalID:    model.NewID("PROP"),
		Status:        status,
		Premium:       3580.50,
		EffectiveDate: time.Now().Add(-time.Hour),
		ExpiryDate:    time.Now().Add(365 * 24 * time.Hour),
		IssuedAt:      time.Now(),
	})
	require.NoError(t, err)
	return p.PolicyID
}

func TestSubstituteAuth(t *testing.T) {
	env := newDelegatedEnv(t)
	ctx := context.Background()
	proposalID := env.seedProposal(t, model.StatusUnderwritingConfirmed)

	t.Run("cs role is refused", func(t *testing.T) {
		_, err := env.svc.SubstituteAuth(ctx, opCS, proposalID, "phone_call", "client cannot receive code")
		assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	})

	t.Run("unknown method is refused", func(t *testing.T) {
		_, err := env.svc.SubstituteAuth(ctx, opL1, proposalID, "email", "client cannot receive code")
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})

	t.Run("l1 records without state change", func(t *testing.T) {
		entry, err := env.svc.SubstituteAuth(ctx, opL1, proposalID, "phone_call", "client cannot receive code")
		require.NoError(t, err)

		assert.Equal(t, ActionSubstituteAuth, entry.Action)
		assert.Equal(t, model.PowerSubstitution, entry.PowerType)
		assert.Equal(t, "proposal", entry.TargetType)
		assert.False(t, entry.Pending())
		assert.JSONEq(t, string(entry.BeforeState), string(entry.AfterState))

		p, err := env.proposals.Get(ctx, proposalID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusUnderwritingConfirmed, p.Status)
	})
}

func TestCorrectData(t *testing.T) {
	env := newDelegatedEnv(t)
	ctx := context.Background()
	proposalID := env.seedProposal(t, model.StatusSubmitted)

	t.Run("short reason is refused", func(t *testing.T) {
		_, err := env.svc.CorrectData(ctx, opL1, proposalID, model.Submission{}, "typo")
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})

	t.Run("merges corrected sections", func(t *testing.T) {
		entry, err := env.svc.CorrectData(ctx, opL1, proposalID, model.Submission{
			Vehicle: model.VehicleInfo{Plate: "京B98765", VIN: "LVSHCAMB0FE000002"},
		}, "plate recorded with wrong district letter")
		require.NoError(t, err)
		assert.Equal(t, model.PowerCorrection, entry.PowerType)

		p, err := env.proposals.Get(ctx, proposalID)
		require.NoError(t, err)
		assert.Equal(t, "京B98765", p.Submission.Vehicle.Plate)
		assert.Equal(t, "Wang Lei", p.Submission.Owner.Name)

		var before, after model.Submission
		require.NoError(t, json.Unmarshal(entry.BeforeState, &before))
		require.NoError(t, json.Unmarshal(entry.AfterState, &after))
		assert.Equal(t, "京A12345", before.Vehicle.Plate)
		assert.Equal(t, "京B98765", after.Vehicle.Plate)
	})

	t.Run("terminal proposal is refused", func(t *testing.T) {
		doneID := env.seedProposal(t, model.StatusCompleted)
		_, err := env.svc.CorrectData(ctx, opL1, doneID, model.Submission{}, "late correction attempt")
		assert.True(t, apperr.Is(err, apperr.KindStateConflict))
	})
}

func TestSubmitClaim(t *testing.T) {
	env := newDelegatedEnv(t)
	ctx := context.Background()
	policyID := env.seedPolicy(t, model.PolicyIssued)

	description := "rear-end collision on the airport expressway, client hospitalized"

	t.Run("l1 is refused", func(t *testing.T) {
		_, err := env.svc.SubmitClaim(ctx, opL1, policyID, "verbal", description)
		assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	})

	t.Run("short description is refused", func(t *testing.T) {
		_, err := env.svc.SubmitClaim(ctx, opL2, policyID, "verbal", "crash")
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})

	t.Run("unknown authorization type is refused", func(t *testing.T) {
		_, err := env.svc.SubmitClaim(ctx, opL2, policyID, "implied", description)
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})

	t.Run("l2 records against the policy", func(t *testing.T) {
		entry, err := env.svc.SubmitClaim(ctx, opL2, policyID, "written", description)
		require.NoError(t, err)
		assert.Equal(t, "policy", entry.TargetType)
		assert.Equal(t, policyID, entry.TargetID)
		assert.False(t, entry.Pending())
	})
}

func TestSubstitutePayment(t *testing.T) {
	env := newDelegatedEnv(t)
	ctx := context.Background()

	reason := "client paid via branch POS terminal"
	evidence := "https://evidence.example.com/receipts/991"

	t.Run("l2 is refused", func(t *testing.T) {
		proposalID := env.seedProposal(t, model.StatusUnderwritingConfirmed)
		_, err := env.svc.SubstitutePayment(ctx, opL2, proposalID, reason, evidence, opRv.ID)
		assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	})

	t.Run("missing evidence is refused", func(t *testing.T) {
		proposalID := env.seedProposal(t, model.StatusUnderwritingConfirmed)
		_, err := env.svc.SubstitutePayment(ctx, opL3, proposalID, reason, "", opRv.ID)
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})

	t.Run("self review is refused", func(t *testing.T) {
		proposalID := env.seedProposal(t, model.StatusUnderwritingConfirmed)
		_, err := env.svc.SubstitutePayment(ctx, opL3, proposalID, reason, evidence, opL3.ID)
		assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	})

	t.Run("wrong lifecycle state is refused", func(t *testing.T) {
		proposalID := env.seedProposal(t, model.StatusSubmitted)
		_, err := env.svc.SubstitutePayment(ctx, opL3, proposalID, reason, evidence, opRv.ID)
		assert.True(t, apperr.Is(err, apperr.KindStateConflict))
	})

	t.Run("applies optimistically and stays pending", func(t *testing.T) {
		proposalID := env.seedProposal(t, model.StatusUnderwritingConfirmed)
		entry, err := env.svc.SubstitutePayment(ctx, opL3, proposalID, reason, evidence, opRv.ID)
		require.NoError(t, err)

		assert.True(t, entry.Pending())
		require.NotNil(t, entry.ReviewerID)
		assert.Equal(t, opRv.ID, *entry.ReviewerID)
		require.NotNil(t, entry.AuthorizationURL)

		p, err := env.proposals.Get(ctx, proposalID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPaid, p.Status)

		queue, err := env.svc.PendingReviews(ctx, opRv.ID)
		require.NoError(t, err)
		require.Len(t, queue, 1)
		assert.Equal(t, entry.ID, queue[0].ID)
	})
}

func TestReviewConfirmAndReject(t *testing.T) {
	env := newDelegatedEnv(t)
	ctx := context.Background()

	reason := "client paid via branch POS terminal"
	evidence := "https://evidence.example.com/receipts/991"

	t.Run("confirm keeps the payment", func(t *testing.T) {
		proposalID := env.seedProposal(t, model.StatusUnderwritingConfirmed)
		entry, err := env.svc.SubstitutePayment(ctx, opL3, proposalID, reason, evidence, opRv.ID)
		require.NoError(t, err)

		resolved, err := env.svc.Review(ctx, opRv, entry.ID, true, nil)
		require.NoError(t, err)
		assert.False(t, resolved.Pending())
		require.NotNil(t, resolved.ReviewApproved)
		assert.True(t, *resolved.ReviewApproved)

		p, err := env.proposals.Get(ctx, proposalID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPaid, p.Status)
	})

	t.Run("reject compensates the payment", func(t *testing.T) {
		proposalID := env.seedProposal(t, model.StatusUnderwritingConfirmed)
		entry, err := env.svc.SubstitutePayment(ctx, opL3, proposalID, reason, evidence, opRv.ID)
		require.NoError(t, err)

		why := "receipt does not match the premium amount"
		resolved, err := env.svc.Review(ctx, opRv, entry.ID, false, &why)
		require.NoError(t, err)
		require.NotNil(t, resolved.ReviewApproved)
		assert.False(t, *resolved.ReviewApproved)

		p, err := env.proposals.Get(ctx, proposalID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusUnderwritingConfirmed, p.Status)
	})

	t.Run("only the designated reviewer may resolve", func(t *testing.T) {
		proposalID := env.seedProposal(t, model.StatusUnderwritingConfirmed)
		entry, err := env.svc.SubstitutePayment(ctx, opL3, proposalID, reason, evidence, opRv.ID)
		require.NoError(t, err)

		_, err = env.svc.Review(ctx, opL2, entry.ID, true, nil)
		assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	})

	t.Run("resolving twice conflicts", func(t *testing.T) {
		proposalID := env.seedProposal(t, model.StatusUnderwritingConfirmed)
		entry, err := env.svc.SubstitutePayment(ctx, opL3, proposalID, reason, evidence, opRv.ID)
		require.NoError(t, err)

		_, err = env.svc.Review(ctx, opRv, entry.ID, true, nil)
		require.NoError(t, err)

		_, err = env.svc.Review(ctx, opRv, entry.ID, false, nil)
		assert.True(t, apperr.Is(err, apperr.KindStateConflict))
	})

	t.Run("record without review requirement conflicts", func(t *testing.T) {
		proposalID := env.seedProposal(t, model.StatusUnderwritingConfirmed)
		entry, err := env.svc.SubstituteAuth(ctx, opL1, proposalID, "video", "client abroad without local number")
		require.NoError(t, err)

		_, err = env.svc.Review(ctx, opRv, entry.ID, true, nil)
		assert.True(t, apperr.Is(err, apperr.KindStateConflict))
	})
}

func TestSubstituteSurrender(t *testing.T) {
	env := newDelegatedEnv(t)
	ctx := context.Background()

	reason := "written surrender request received by mail"
	evidence := "https://evidence.example.com/letters/17"

	t.Run("applies provisionally", func(t *testing.T) {
		policyID := env.seedPolicy(t, model.PolicyIssued)
		entry, err := env.svc.SubstituteSurrender(ctx, opL3, policyID, reason, evidence, opRv.ID)
		require.NoError(t, err)
		assert.True(t, entry.Pending())

		p, err := env.policies.Get(ctx, policyID)
		require.NoError(t, err)
		assert.Equal(t, model.PolicySurrendered, p.Status)
	})

	t.Run("reject restores the policy", func(t *testing.T) {
		policyID := env.seedPolicy(t, model.PolicyIssued)
		entry, err := env.svc.SubstituteSurrender(ctx, opL3, policyID, reason, evidence, opRv.ID)
		require.NoError(t, err)

		why := "signature on the letter does not match"
		_, err = env.svc.Review(ctx, opRv, entry.ID, false, &why)
		require.NoError(t, err)

		p, err := env.policies.Get(ctx, policyID)
		require.NoError(t, err)
		assert.Equal(t, model.PolicyIssued, p.Status)
	})

	t.Run("already surrendered policy is refused", func(t *testing.T) {
		policyID := env.seedPolicy(t, model.PolicySurrendered)
		_, err := env.svc.SubstituteSurrender(ctx, opL3, policyID, reason, evidence, opRv.ID)
		assert.True(t, apperr.Is(err, apperr.KindStateConflict))
	})
}

func TestAuditListing(t *testing.T) {
	env := newDelegatedEnv(t)
	ctx := context.Background()
	proposalID := env.seedProposal(t, model.StatusUnderwritingConfirmed)

	_, err := env.svc.SubstituteAuth(ctx, opL1, proposalID, "phone_call", "client phone lost")
	require.NoError(t, err)
	_, err = env.svc.CorrectData(ctx, opL2, proposalID, model.Submission{
		Owner: model.PersonInfo{Name: "Wang Lei", Mobile: "13812345679"},
	}, "owner mobile digit transposed")
	require.NoError(t, err)

	byTarget, err := env.svc.ListByTarget(ctx, proposalID, 10)
	require.NoError(t, err)
	assert.Len(t, byTarget, 2)

	byOperator, err := env.svc.ListByOperator(ctx, opL1.ID, 10)
	require.NoError(t, err)
	require.Len(t, byOperator, 1)
	assert.Equal(t, ActionSubstituteAuth, byOperator[0].Action)

	_, err = env.svc.ListByTarget(ctx, "", 10)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
