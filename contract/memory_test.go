package contract

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contractflow/workflow"
)

var at = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, m *MemoryStore) workflow.Record {
	t.Helper()
	st := workflow.InitialState(false, "")
	rec := workflow.Project(st).Apply(workflow.Record{ContractID: "c-1", CreatedBy: "u-1", Version: 1})
	m.Put(rec)
	got, err := m.Get(context.Background(), "c-1")
	require.NoError(t, err)
	return got
}

func approveReview(t *testing.T, rec workflow.Record) workflow.Projection {
	t.Helper()
	st := workflow.Reconstruct(rec, workflow.ResolveFlow(rec))
	st, err := workflow.Next(st, workflow.ActionAdminReviewApproved, workflow.RoleAdmin, at)
	require.NoError(t, err)
	st, err = workflow.Next(st, workflow.ActionClientReviewApproved, workflow.RoleClient, at)
	require.NoError(t, err)
	return workflow.Project(st)
}

func TestMemoryStore_UpdateBumpsVersion(t *testing.T) {
	m := NewMemoryStore()
	rec := seed(t, m)

	got, err := m.Update(context.Background(), "c-1", rec.Version, approveReview(t, rec))
	require.NoError(t, err)
	assert.Equal(t, rec.Version+1, got.Version)
	assert.Equal(t, "signatures", got.CurrentStepName)
	assert.Equal(t, "approved", got.WorkflowStatus)
	assert.Equal(t, "u-1", got.CreatedBy)

	stored, err := m.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestMemoryStore_RejectsStaleVersion(t *testing.T) {
	m := NewMemoryStore()
	rec := seed(t, m)
	p := approveReview(t, rec)

	_, err := m.Update(context.Background(), "c-1", rec.Version, p)
	require.NoError(t, err)

	_, err = m.Update(context.Background(), "c-1", rec.Version, p)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemoryStore_NotFound(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Update(context.Background(), "missing", 0, workflow.Projection{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_OutboxOnStatusChange(t *testing.T) {
	m := NewMemoryStore()
	rec := seed(t, m)

	st := workflow.Reconstruct(rec, workflow.TwoParty{})
	st, err := workflow.Next(st, workflow.ActionAdminReviewApproved, workflow.RoleAdmin, at)
	require.NoError(t, err)
	rec, err = m.Update(context.Background(), "c-1", rec.Version, workflow.Project(st))
	require.NoError(t, err)
	assert.Empty(t, m.Outbox(), "pending_review -> pending_review is not a change")

	st, err = workflow.Next(st, workflow.ActionClientReviewApproved, workflow.RoleClient, at)
	require.NoError(t, err)
	_, err = m.Update(context.Background(), "c-1", rec.Version, workflow.Project(st))
	require.NoError(t, err)

	out := m.Outbox()
	require.Len(t, out, 1)
	assert.Equal(t, OutboxTopicStatusChanged, out[0].Topic)

	var change statusChange
	require.NoError(t, json.Unmarshal(out[0].Payload, &change))
	assert.Equal(t, "pending_review", change.Previous)
	assert.Equal(t, "approved", change.Next)
	assert.Equal(t, "signatures", change.Step)
}

func TestMemoryStore_SubscribeReceivesFullRecord(t *testing.T) {
	m := NewMemoryStore()
	rec := seed(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Subscribe(ctx, "c-1")
	require.NoError(t, err)

	updated, err := m.Update(context.Background(), "c-1", rec.Version, approveReview(t, rec))
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, updated, got)
	case <-time.After(time.Second):
		t.Fatal("expected push after update")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_SlowSubscriberKeepsLatest(t *testing.T) {
	m := NewMemoryStore()
	rec := seed(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := m.Subscribe(ctx, "c-1")
	require.NoError(t, err)

	p := approveReview(t, rec)
	version := rec.Version
	for i := 0; i < subscriberBuffer*3; i++ {
		got, err := m.Update(context.Background(), "c-1", version, p)
		require.NoError(t, err)
		version = got.Version
	}

	var last workflow.Record
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, version, last.Version)
}

func TestClone_DoesNotShareMaps(t *testing.T) {
	rec := workflow.Record{
		Signoffs:        map[workflow.Action]workflow.Signoff{workflow.ActionAdminSigned: {Done: true, At: &at}},
		StepCompletedAt: map[workflow.Step]time.Time{workflow.StepReview: at},
	}
	c := Clone(rec)
	c.Signoffs[workflow.ActionClientSigned] = workflow.Signoff{Done: true}
	delete(c.StepCompletedAt, workflow.StepReview)

	assert.Len(t, rec.Signoffs, 1)
	assert.Len(t, rec.StepCompletedAt, 1)
	assert.NotSame(t, rec.Signoffs[workflow.ActionAdminSigned].At, c.Signoffs[workflow.ActionAdminSigned].At)
}
