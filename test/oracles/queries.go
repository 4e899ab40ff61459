package oracles

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/contract"
	"contractflow/workflow"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{Name: "O1_flag_has_timestamp", SQL: flagTimestampSQL()},
		{Name: "O2_step_needs_flags", SQL: stepFlagsSQL()},
		{Name: "O3_steps_complete_in_order", SQL: stepOrderSQL()},
		{
			Name: "O4_action_logged_once",
			SQL: `SELECT contract_id, action, COUNT(*) FROM activity_log
                  GROUP BY contract_id, action HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_activity_bounded_by_writes",
			SQL: `SELECT c.id, c.version, COUNT(l.id) FROM contracts c
                  JOIN activity_log l ON l.contract_id = c.id
                  GROUP BY c.id, c.version HAVING COUNT(l.id) > c.version - 1`,
		},
		{
			Name: "O6_outbox_not_ahead",
			SQL: `SELECT o.id FROM outbox o
                  JOIN contracts c ON c.id::text = o.payload->>'contract_id'
                  WHERE (o.payload->>'version')::bigint > c.version`,
		},
		{
			Name: "O7_completed_status",
			SQL: `SELECT id FROM contracts
                  WHERE finalization_completed_at IS NOT NULL AND workflow_status <> 'completed'`,
		},
	}
}

func col(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// flagTimestampSQL finds signoffs recorded without their timestamp.
func flagTimestampSQL() string {
	conds := make([]string, 0, len(workflow.Actions()))
	for _, a := range workflow.Actions() {
		conds = append(conds, fmt.Sprintf("(%s AND %s IS NULL)", col(a.Column()), col(a.Column()+"_at")))
	}
	return "SELECT id FROM contracts WHERE " + strings.Join(conds, " OR ")
}

// stepFlagsSQL finds steps stamped complete while a role every flow
// requires has not signed off.
func stepFlagsSQL() string {
	var conds []string
	for _, step := range workflow.Steps() {
		t, _ := workflow.Lookup(step)
		required := workflow.TwoParty{}.Roles(t)
		var flags []string
		for _, a := range t.Actions {
			role, _, _ := workflow.Bind(a)
			for _, r := range required {
				if r == role {
					flags = append(flags, col(a.Column()))
				}
			}
		}
		conds = append(conds, fmt.Sprintf("(%s IS NOT NULL AND NOT (%s))",
			col(workflow.StepColumn(step)), strings.Join(flags, " AND ")))
	}
	return "SELECT id FROM contracts WHERE " + strings.Join(conds, " OR ")
}

// stepOrderSQL finds a step stamped complete before its predecessor.
func stepOrderSQL() string {
	steps := workflow.Steps()
	conds := make([]string, 0, len(steps)-1)
	for i := 1; i < len(steps); i++ {
		conds = append(conds, fmt.Sprintf("(%s IS NOT NULL AND %s IS NULL)",
			col(workflow.StepColumn(steps[i])), col(workflow.StepColumn(steps[i-1]))))
	}
	return "SELECT id FROM contracts WHERE " + strings.Join(conds, " OR ")
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}

// Drift reloads each contract and reports the first whose stored step or
// status disagrees with what its completion flags derive.
func Drift(ctx context.Context, store contract.Store, ids []string) (string, error) {
	for _, id := range ids {
		rec, err := store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, contract.ErrNotFound) {
				return id + ": missing", nil
			}
			return "", err
		}
		flow := workflow.ResolveFlow(rec)
		if derived, drifted := workflow.Drift(rec, flow); drifted {
			return fmt.Sprintf("%s: stored step %s, derived %s", id, rec.CurrentStepName, derived), nil
		}
		if status := workflow.StatusOf(workflow.Reconstruct(rec, flow)); rec.WorkflowStatus != string(status) {
			return fmt.Sprintf("%s: stored status %s, derived %s", id, rec.WorkflowStatus, status), nil
		}
	}
	return "", nil
}
