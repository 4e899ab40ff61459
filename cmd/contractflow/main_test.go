package main

import (
	"bytes"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contractflow/auth"
	"contractflow/workflow"
)

func seededRecord(t *testing.T, actions ...workflow.Action) workflow.Record {
	t.Helper()
	rec := workflow.Record{
		ContractID:       "c-42",
		CreatedBy:        "u-owner",
		AffiliateID:      "aff-7",
		AffiliateOwnerID: "u-owner",
		Version:          int64(len(actions) + 1),
	}
	st := workflow.NewState(workflow.ResolveFlow(rec))
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	for i, a := range actions {
		role, _, _ := workflow.Bind(a)
		var err error
		st, err = workflow.Next(st, a, role, at.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	return workflow.Project(st).Apply(rec)
}

func TestWriteInspection(t *testing.T) {
	rec := seededRecord(t,
		workflow.ActionAdminReviewApproved,
		workflow.ActionClientReviewApproved,
		workflow.ActionAffiliateReviewApproved,
	)

	var buf bytes.Buffer
	require.NoError(t, writeInspection(&buf, rec))
	out := buf.String()

	assert.Contains(t, out, "three_party")
	assert.Contains(t, out, "aff-7")
	assert.Regexp(t, regexp.MustCompile(`current step\s+signatures`), out)
	assert.Regexp(t, regexp.MustCompile(`status\s+approved`), out)
	assert.Regexp(t, regexp.MustCompile(`review\s+x\s+x\s+x\s+done 2026-05-04 10:02`), out)
	assert.Regexp(t, regexp.MustCompile(`signatures\s+\.\s+\.\s+-\s+open`), out)
	assert.Regexp(t, regexp.MustCompile(`otp_verification\s+-\s+\.\s+-\s+blocked`), out)
	assert.NotContains(t, out, "drift")
}

func TestWriteInspection_ReportsDrift(t *testing.T) {
	rec := seededRecord(t, workflow.ActionAdminReviewApproved)
	rec.CurrentStepName = string(workflow.StepFinalization)
	rec.WorkflowStatus = string(workflow.StatusCompleted)

	var buf bytes.Buffer
	require.NoError(t, writeInspection(&buf, rec))
	out := buf.String()

	assert.Contains(t, out, "stored step finalization, derived review")
	assert.Contains(t, out, "stored status completed, derived pending_review")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--user", "u-9", "--role", "client", "--contract", "c-1", "--name", "Sara"})
	require.NoError(t, cmd.Execute())

	svc, err := auth.NewService("cli-secret", 0)
	require.NoError(t, err)
	p, err := svc.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, auth.Participant{UserID: "u-9", ContractID: "c-1", Role: workflow.RoleClient, DisplayName: "Sara"}, p)
}

func TestTokenCommand_RejectsUnknownRole(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--user", "u-9", "--role", "broker"})
	assert.Error(t, cmd.Execute())
}

func TestServe_RequiresValidConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url is required")
}

func TestRoot_LogLevelOverride(t *testing.T) {
	opts := &rootOptions{logLevel: "shout"}
	_, _, err := opts.load(false)
	assert.Error(t, err)
}
