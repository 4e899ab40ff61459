package activity

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"contractflow/workflow"
)

var base = time.Date(2026, 5, 10, 8, 30, 0, 0, time.UTC)

func newSQLiteSink(t *testing.T) *SQLiteSink {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})

	sink, err := NewSQLiteSink(context.Background(), db)
	require.NoError(t, err)
	return sink
}

func entries() []Entry {
	return []Entry{
		{
			ID: "e-2", ContractID: "c-1", Action: workflow.ActionClientReviewApproved,
			ActorRole: workflow.RoleClient, ActorName: "سارة",
			Description: workflow.Describe(workflow.ActionClientReviewApproved),
			CreatedAt:   base.Add(time.Minute),
		},
		{
			ID: "e-1", ContractID: "c-1", Action: workflow.ActionAdminReviewApproved,
			ActorRole: workflow.RoleAdmin, ActorName: "Admin",
			Description: workflow.Describe(workflow.ActionAdminReviewApproved),
			Metadata:    map[string]any{"ip": "10.0.0.4"},
			CreatedAt:   base,
		},
		{
			ID: "e-3", ContractID: "c-1", Action: workflow.ActionClientSigned,
			ActorRole: workflow.RoleAdmin, OnBehalfOf: workflow.RoleClient, ActorName: "Admin",
			Description: workflow.Describe(workflow.ActionClientSigned),
			CreatedAt:   base.Add(2 * time.Minute),
		},
		{
			ID: "e-9", ContractID: "c-2", Action: workflow.ActionAdminReviewApproved,
			ActorRole: workflow.RoleAdmin, CreatedAt: base,
		},
	}
}

func TestSinks_ListOrderedByTime(t *testing.T) {
	sinks := map[string]Sink{
		"memory": NewMemorySink(),
		"sqlite": newSQLiteSink(t),
	}
	for name, sink := range sinks {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, e := range entries() {
				require.NoError(t, sink.Append(ctx, e))
			}

			got, err := sink.List(ctx, "c-1")
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []string{"e-1", "e-2", "e-3"}, []string{got[0].ID, got[1].ID, got[2].ID})

			assert.Equal(t, base, got[0].CreatedAt)
			assert.Equal(t, "10.0.0.4", got[0].Metadata["ip"])
			assert.Equal(t, "سارة", got[1].ActorName)
			assert.Equal(t, workflow.RoleClient, got[2].EffectiveRole())
			assert.Equal(t, workflow.RoleAdmin, got[2].ActorRole)

			other, err := sink.List(ctx, "c-2")
			require.NoError(t, err)
			assert.Len(t, other, 1)

			none, err := sink.List(ctx, "c-404")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestSinks_RejectInvalidEntry(t *testing.T) {
	for name, sink := range map[string]Sink{"memory": NewMemorySink(), "sqlite": newSQLiteSink(t)} {
		t.Run(name, func(t *testing.T) {
			err := sink.Append(context.Background(), Entry{ID: "e-1", Action: workflow.ActionAdminSigned})
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}
}

func TestSQLiteSink_DuplicateIDFails(t *testing.T) {
	sink := newSQLiteSink(t)
	e := entries()[0]
	require.NoError(t, sink.Append(context.Background(), e))
	assert.Error(t, sink.Append(context.Background(), e))
}

func TestEffectiveRole(t *testing.T) {
	assert.Equal(t, workflow.RoleAdmin, Entry{ActorRole: workflow.RoleAdmin}.EffectiveRole())
	assert.Equal(t, workflow.RoleClient, Entry{ActorRole: workflow.RoleAdmin, OnBehalfOf: workflow.RoleClient}.EffectiveRole())
}
