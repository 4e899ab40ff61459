package workflow

import "time"

// NewState builds the "no progress" state for flow: every step after the
// first is blocked with its precomputed reason.
func NewState(flow Flow) State {
	if flow == nil {
		flow = TwoParty{}
	}
	st := State{
		Current:    transitions[0].Step,
		Steps:      make(map[Step]StepState, len(transitions)),
		Flow:       flow,
		CanProceed: true,
	}
	for i, t := range transitions {
		ss := StepState{RequiresAffiliate: hasRole(flow.Roles(t), RoleAffiliate)}
		if i > 0 {
			ss.Blocked = true
			ss.BlockReason = t.BlockReason
		}
		st.Steps[t.Step] = ss
	}
	return st
}

// InitialState is NewState keyed by the hasAffiliate business flag.
func InitialState(hasAffiliate bool, affiliateID string) State {
	return NewState(FlowFor(hasAffiliate, affiliateID))
}

// CanPerform validates whether role may emit action against s right now.
// A nil error means allowed; failures are *RejectionError.
func CanPerform(s State, action Action, role Role) error {
	bound, step, ok := Bind(action)
	if !ok {
		return reject(ErrUnknownAction, action, role, reasonUnknownAction)
	}
	if bound != role {
		return reject(ErrNotAuthorized, action, role, reasonNotAuthorized)
	}
	t, _ := Lookup(step)
	if !hasRole(s.flow().Roles(t), role) {
		return reject(ErrNotAuthorized, action, role, reasonNotParticipant)
	}
	ss := s.Steps[step]
	if ss.Blocked {
		return reject(ErrStepBlocked, action, role, ss.BlockReason)
	}
	if ss.Done(role) {
		return reject(ErrAlreadyCompleted, action, role, reasonAlreadyCompleted)
	}
	if step != s.Current {
		return reject(ErrStepBlocked, action, role, reasonNotCurrent)
	}
	return nil
}

// Check is CanPerform in decision form.
func Check(s State, action Action, role Role) Decision {
	if err := CanPerform(s, action, role); err != nil {
		return Decision{Allowed: false, Reason: Reason(err)}
	}
	return Decision{Allowed: true}
}

// Next returns the state after role emits action at the given time. The input
// is never mutated. On rejection the input is returned unchanged together
// with the *RejectionError, so at most one step completes per call.
func Next(s State, action Action, role Role, at time.Time) (State, error) {
	if err := CanPerform(s, action, role); err != nil {
		return s, err
	}

	at = at.UTC()
	next := s.Clone()
	t, _ := Lookup(next.Current)

	ss := next.Steps[t.Step]
	ss.mark(role, &at)
	next.LastAction = &LastAction{Action: action, Role: role, At: at}

	if ss.satisfies(next.flow().Roles(t)) {
		completedAt := at
		ss.CompletedAt = &completedAt
		ss.Blocked = false
		ss.BlockReason = ""
		if t.Next != "" {
			succ := next.Steps[t.Next]
			succ.Blocked = false
			succ.BlockReason = ""
			next.Steps[t.Next] = succ
			next.Current = t.Next
		} else {
			next.Complete = true
		}
	}
	next.Steps[t.Step] = ss
	next.CanProceed = !next.Complete
	return next, nil
}

// Available lists the actions role may emit against s right now.
func Available(s State, role Role) []Action {
	var out []Action
	for _, a := range Actions() {
		if CanPerform(s, a, role) == nil {
			out = append(out, a)
		}
	}
	return out
}
