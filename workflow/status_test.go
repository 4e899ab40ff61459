package workflow

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
)

func TestStatusOf_HappyPathGolden(t *testing.T) {
	var buf bytes.Buffer
	st := InitialState(true, "aff-1")
	for _, p := range happyPath {
		st = mustNext(t, st, p.action, p.role, t0)
		fmt.Fprintf(&buf, "%s by %s -> current=%s status=%s progress=%d%%\n",
			p.action, p.role, st.Current, StatusOf(st), ProgressOf(st).Percentage)
	}
	fmt.Fprintf(&buf, "complete=%t\n", st.Complete)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "happy_path_three_party", buf.Bytes())
}

func TestStatusOf_SignatureOrder(t *testing.T) {
	st := InitialState(false, "")
	st = mustNext(t, st, ActionAdminReviewApproved, RoleAdmin, t0)
	st = mustNext(t, st, ActionClientReviewApproved, RoleClient, t0)
	assert.Equal(t, StatusApproved, StatusOf(st))

	clientFirst := mustNext(t, st, ActionClientSigned, RoleClient, t0)
	assert.Equal(t, StatusPendingAdminSignature, StatusOf(clientFirst))

	adminFirst := mustNext(t, st, ActionAdminSigned, RoleAdmin, t0)
	assert.Equal(t, StatusPendingClientSignature, StatusOf(adminFirst))
}

func TestStatusOf_Initial(t *testing.T) {
	assert.Equal(t, StatusPendingReview, StatusOf(InitialState(false, "")))
	assert.Equal(t, StatusPendingReview, StatusOf(InitialState(true, "aff-1")))
}
