package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoPartyPath() []struct {
	action Action
	role   Role
} {
	out := make([]struct {
		action Action
		role   Role
	}, 0, len(happyPath)-1)
	for _, p := range happyPath {
		if p.role != RoleAffiliate {
			out = append(out, p)
		}
	}
	return out
}

func TestCodec_RoundTripEveryPrefix(t *testing.T) {
	cases := []struct {
		name string
		flow Flow
		path []struct {
			action Action
			role   Role
		}
	}{
		{"two_party", TwoParty{}, twoPartyPath()},
		{"three_party", ThreeParty{Affiliate: "aff-1"}, happyPath},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := NewState(tc.flow)
			base := Record{ContractID: "c-1", CreatedBy: "u-1", Version: 3}

			for i := 0; i <= len(tc.path); i++ {
				rec := Project(st).Apply(base)
				got := Reconstruct(rec, tc.flow)
				require.Equal(t, st, got, "after %d actions", i)

				assert.Equal(t, int64(3), rec.Version)
				assert.Equal(t, "c-1", rec.ContractID)

				if i < len(tc.path) {
					p := tc.path[i]
					st = mustNext(t, st, p.action, p.role, t0.Add(time.Duration(i)*time.Hour))
				}
			}
		})
	}
}

func TestReconstruct_IgnoresStoredDerivedFields(t *testing.T) {
	rec := Record{
		Signoffs: map[Action]Signoff{
			ActionAdminReviewApproved:  {Done: true, At: &t0},
			ActionClientReviewApproved: {Done: true, At: &t0},
		},
		CurrentStepName: string(StepPaymentProof),
		WorkflowStatus:  string(StatusCompleted),
	}

	st := Reconstruct(rec, TwoParty{})
	assert.Equal(t, StepSignatures, st.Current)
	assert.False(t, st.Steps[StepSignatures].Blocked)
	assert.True(t, st.Steps[StepOTPVerification].Blocked)
	assert.Equal(t, StatusApproved, StatusOf(st))

	derived, drifted := Drift(rec, TwoParty{})
	assert.Equal(t, StepSignatures, derived)
	assert.True(t, drifted)
}

func TestReconstruct_CompletedAtFallsBackToLatestSignoff(t *testing.T) {
	later := t0.Add(90 * time.Minute)
	rec := Record{Signoffs: map[Action]Signoff{
		ActionAdminReviewApproved:  {Done: true, At: &later},
		ActionClientReviewApproved: {Done: true, At: &t0},
	}}

	st := Reconstruct(rec, TwoParty{})
	require.NotNil(t, st.Steps[StepReview].CompletedAt)
	assert.Equal(t, later, *st.Steps[StepReview].CompletedAt)
}

func TestReconstruct_ThreePartyWaitsForAffiliate(t *testing.T) {
	rec := Record{Signoffs: map[Action]Signoff{
		ActionAdminReviewApproved:  {Done: true, At: &t0},
		ActionClientReviewApproved: {Done: true, At: &t0},
	}}

	st := Reconstruct(rec, ThreeParty{Affiliate: "aff-1"})
	assert.Equal(t, StepReview, st.Current)
	assert.True(t, st.Steps[StepSignatures].Blocked)
	assert.Equal(t, "يجب الموافقة على العقد أولاً", st.Steps[StepSignatures].BlockReason)
}

func TestResolveFlow(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		want Kind
	}{
		{"no affiliate", Record{CreatedBy: "u-1"}, KindTwoParty},
		{"owned by creator", Record{CreatedBy: "u-1", AffiliateID: "a-1", AffiliateOwnerID: "u-1"}, KindThreeParty},
		{"owned by someone else", Record{CreatedBy: "u-1", AffiliateID: "a-1", AffiliateOwnerID: "u-2"}, KindTwoParty},
		{"owner unknown", Record{CreatedBy: "u-1", AffiliateID: "a-1"}, KindTwoParty},
		{"no creator", Record{AffiliateID: "a-1"}, KindTwoParty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResolveFlow(tc.rec).Kind())
		})
	}

	f := ResolveFlow(Record{CreatedBy: "u-1", AffiliateID: "a-1", AffiliateOwnerID: "u-1"})
	assert.Equal(t, "a-1", f.AffiliateID())
}

func TestProjection_ValuesCoverEveryColumn(t *testing.T) {
	st := mustNext(t, InitialState(false, ""), ActionAdminReviewApproved, RoleAdmin, t0)
	vals := Project(st).Values()

	cols := Columns()
	assert.Len(t, vals, len(cols))
	for _, c := range cols {
		_, ok := vals[c]
		assert.True(t, ok, c)
	}

	assert.Equal(t, true, vals["admin_review_approved"])
	assert.Equal(t, false, vals["client_review_approved"])
	assert.Equal(t, "review", vals["current_step_name"])
	assert.Equal(t, "pending_review", vals["workflow_status"])
	assert.Equal(t, "ADMIN_REVIEW_APPROVED", vals["last_action"])
	assert.Nil(t, vals["review_completed_at"])
}
