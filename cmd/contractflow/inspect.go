package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"contractflow/contract"
	"contractflow/db"
	"contractflow/workflow"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <contract-id>",
		Short: "Print the derived workflow state of a contract",
		Long:  `Loads the stored record, rebuilds the workflow state from its completion flags and reports any drift from the stored step and status.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load(false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.Pool)
			if err != nil {
				return err
			}
			defer pool.Close()

			rec, err := contract.NewRepository(pool).Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load contract %s: %w", args[0], err)
			}
			return writeInspection(cmd.OutOrStdout(), rec)
		},
	}
}

func writeInspection(w io.Writer, rec workflow.Record) error {
	flow := workflow.ResolveFlow(rec)
	st := workflow.Reconstruct(rec, flow)
	progress := workflow.ProgressOf(st)
	status := workflow.StatusOf(st)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "contract\t%s\n", rec.ContractID)
	fmt.Fprintf(tw, "version\t%d\n", rec.Version)
	fmt.Fprintf(tw, "flow\t%s\n", flow.Kind())
	if id := flow.AffiliateID(); id != "" {
		fmt.Fprintf(tw, "affiliate\t%s\n", id)
	}
	fmt.Fprintf(tw, "current step\t%s\n", st.Current)
	fmt.Fprintf(tw, "status\t%s\n", status)
	fmt.Fprintf(tw, "progress\t%d/%d (%d%%)\n", progress.CompletedSteps, progress.TotalSteps, progress.Percentage)
	if derived, drifted := workflow.Drift(rec, flow); drifted {
		fmt.Fprintf(tw, "drift\tstored step %s, derived %s\n", rec.CurrentStepName, derived)
	}
	if rec.WorkflowStatus != "" && rec.WorkflowStatus != string(status) {
		fmt.Fprintf(tw, "drift\tstored status %s, derived %s\n", rec.WorkflowStatus, status)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "STEP\tADMIN\tCLIENT\tAFFILIATE\tSTATE")
	for _, step := range workflow.Steps() {
		ss := st.Step(step)
		state := "open"
		switch {
		case ss.CompletedAt != nil:
			state = "done " + ss.CompletedAt.Format("2006-01-02 15:04")
		case ss.Blocked:
			state = "blocked"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			step,
			mark(st, step, workflow.RoleAdmin),
			mark(st, step, workflow.RoleClient),
			mark(st, step, workflow.RoleAffiliate),
			state,
		)
	}
	return tw.Flush()
}

// mark renders one role's sign-off on a step: "x" done, "." pending, "-" not
// required.
func mark(st workflow.State, step workflow.Step, role workflow.Role) string {
	t, _ := workflow.Lookup(step)
	required := false
	for _, r := range st.Flow.Roles(t) {
		if r == role {
			required = true
		}
	}
	switch {
	case !required:
		return "-"
	case st.Step(step).Done(role):
		return "x"
	default:
		return "."
	}
}
