package workflow

import (
	"sort"
	"time"
)

// Signoff is the persisted pair of columns backing one action.
type Signoff struct {
	Done bool
	At   *time.Time
}

// Record is the flat persisted contract row as far as the engine is
// concerned. Reference fields (CreatedBy, AffiliateID, AffiliateOwnerID) are
// owned by the contract-record collaborator and only read here.
type Record struct {
	ContractID       string
	CreatedBy        string
	AffiliateID      string
	AffiliateOwnerID string

	Signoffs        map[Action]Signoff
	StepCompletedAt map[Step]time.Time
	CurrentStepName string
	WorkflowStatus  string
	LastAction      string
	LastActionRole  string
	LastActionAt    *time.Time

	// Version increases by one on every successful write.
	Version   int64
	UpdatedAt time.Time
}

// Projection is the set of engine-owned columns written back to the record.
type Projection struct {
	Signoffs        map[Action]Signoff
	StepCompletedAt map[Step]time.Time
	CurrentStepName string
	WorkflowStatus  Status
	LastAction      Action
	LastActionRole  Role
	LastActionAt    *time.Time
}

// ResolveFlow applies the hasAffiliate rule: the contract runs three-party
// only when the referring affiliate is owned by the contract's creator.
func ResolveFlow(r Record) Flow {
	if r.AffiliateID != "" && r.AffiliateOwnerID != "" && r.AffiliateOwnerID == r.CreatedBy {
		return ThreeParty{Affiliate: r.AffiliateID}
	}
	return TwoParty{}
}

// Reconstruct rebuilds the nested state from a persisted record. Blocking
// and the current step are always recomputed from the completion flags;
// nothing derived is trusted from storage.
func Reconstruct(r Record, flow Flow) State {
	st := NewState(flow)
	flow = st.Flow

	for _, t := range transitions {
		ss := st.Steps[t.Step]
		roles := flow.Roles(t)
		for _, a := range t.Actions {
			role, _, _ := Bind(a)
			if so := r.Signoffs[a]; so.Done {
				ss.mark(role, utcPtr(so.At))
			}
		}
		if ss.satisfies(roles) {
			if at, ok := r.StepCompletedAt[t.Step]; ok {
				ss.CompletedAt = utcPtr(&at)
			} else {
				ss.CompletedAt = latest(ss, roles)
			}
		}
		st.Steps[t.Step] = ss
	}

	derive(&st)

	if r.LastAction != "" && r.LastActionAt != nil {
		st.LastAction = &LastAction{
			Action: Action(r.LastAction),
			Role:   Role(r.LastActionRole),
			At:     r.LastActionAt.UTC(),
		}
	}
	return st
}

// Project is the inverse of Reconstruct: the full engine-owned column set.
func Project(s State) Projection {
	p := Projection{
		Signoffs:        make(map[Action]Signoff, len(bindings)),
		StepCompletedAt: make(map[Step]time.Time),
		CurrentStepName: string(s.Current),
		WorkflowStatus:  StatusOf(s),
	}
	for _, t := range transitions {
		ss := s.Steps[t.Step]
		for _, a := range t.Actions {
			role, _, _ := Bind(a)
			p.Signoffs[a] = Signoff{Done: ss.Done(role), At: ss.DoneAt(role)}
		}
		if ss.CompletedAt != nil {
			p.StepCompletedAt[t.Step] = *ss.CompletedAt
		}
	}
	if s.LastAction != nil {
		at := s.LastAction.At
		p.LastAction = s.LastAction.Action
		p.LastActionRole = s.LastAction.Role
		p.LastActionAt = &at
	}
	return p
}

// Apply writes the projection onto r and returns the updated copy. Reference
// fields and Version are left untouched.
func (p Projection) Apply(r Record) Record {
	out := r
	out.Signoffs = make(map[Action]Signoff, len(p.Signoffs))
	for a, so := range p.Signoffs {
		out.Signoffs[a] = so
	}
	out.StepCompletedAt = make(map[Step]time.Time, len(p.StepCompletedAt))
	for step, at := range p.StepCompletedAt {
		out.StepCompletedAt[step] = at
	}
	out.CurrentStepName = p.CurrentStepName
	out.WorkflowStatus = string(p.WorkflowStatus)
	out.LastAction = string(p.LastAction)
	out.LastActionRole = string(p.LastActionRole)
	out.LastActionAt = p.LastActionAt
	return out
}

// Values flattens the projection into column name → value pairs.
func (p Projection) Values() map[string]any {
	vals := make(map[string]any, len(Columns()))
	for _, a := range Actions() {
		so := p.Signoffs[a]
		vals[a.Column()] = so.Done
		vals[a.Column()+"_at"] = so.At
	}
	for _, step := range Steps() {
		var at *time.Time
		if v, ok := p.StepCompletedAt[step]; ok {
			at = &v
		}
		vals[StepColumn(step)] = at
	}
	vals["current_step_name"] = p.CurrentStepName
	vals["workflow_status"] = string(p.WorkflowStatus)
	vals["last_action"] = nullable(string(p.LastAction))
	vals["last_action_role"] = nullable(string(p.LastActionRole))
	vals["last_action_at"] = p.LastActionAt
	return vals
}

// StepColumn is the completion timestamp column of step.
func StepColumn(step Step) string {
	return string(step) + "_completed_at"
}

// Columns lists every engine-owned column in a stable order.
func Columns() []string {
	cols := make([]string, 0, 2*len(bindings)+len(transitions)+5)
	for _, a := range Actions() {
		cols = append(cols, a.Column(), a.Column()+"_at")
	}
	for _, step := range Steps() {
		cols = append(cols, StepColumn(step))
	}
	cols = append(cols, "current_step_name", "workflow_status", "last_action", "last_action_role", "last_action_at")
	return cols
}

// Drift reports whether the stored current_step_name disagrees with the
// step derived from the completion flags.
func Drift(r Record, flow Flow) (derived Step, drifted bool) {
	derived = Reconstruct(r, flow).Current
	return derived, r.CurrentStepName != "" && r.CurrentStepName != string(derived)
}

func derive(st *State) {
	flow := st.flow()
	prior := true
	st.Current = ""
	st.Complete = false
	for _, t := range transitions {
		ss := st.Steps[t.Step]
		if prior {
			ss.Blocked = false
			ss.BlockReason = ""
		} else {
			ss.Blocked = true
			ss.BlockReason = t.BlockReason
		}
		st.Steps[t.Step] = ss

		done := ss.satisfies(flow.Roles(t))
		if st.Current == "" && !done {
			st.Current = t.Step
		}
		prior = prior && done
	}
	if st.Current == "" {
		st.Current = transitions[len(transitions)-1].Step
		st.Complete = true
	}
	st.CanProceed = !st.Complete
}

func latest(ss StepState, roles []Role) *time.Time {
	stamps := make([]time.Time, 0, len(roles))
	for _, r := range roles {
		if at := ss.DoneAt(r); at != nil {
			stamps = append(stamps, *at)
		}
	}
	if len(stamps) == 0 {
		return nil
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	at := stamps[len(stamps)-1]
	return &at
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
