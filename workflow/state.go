package workflow

import "time"

// StepState is the per-step progress of a contract. Completion flags and
// timestamps are monotonic: once set they are never cleared.
type StepState struct {
	AdminCompleted     bool
	ClientCompleted    bool
	AffiliateCompleted bool

	AdminCompletedAt     *time.Time
	ClientCompletedAt    *time.Time
	AffiliateCompletedAt *time.Time

	Blocked     bool
	BlockReason string
	CompletedAt *time.Time

	RequiresAffiliate bool
}

// Done reports whether role has signed off on the step.
func (s StepState) Done(role Role) bool {
	switch role {
	case RoleAdmin:
		return s.AdminCompleted
	case RoleClient:
		return s.ClientCompleted
	case RoleAffiliate:
		return s.AffiliateCompleted
	default:
		return false
	}
}

// DoneAt returns when role signed off, if it has.
func (s StepState) DoneAt(role Role) *time.Time {
	switch role {
	case RoleAdmin:
		return s.AdminCompletedAt
	case RoleClient:
		return s.ClientCompletedAt
	case RoleAffiliate:
		return s.AffiliateCompletedAt
	default:
		return nil
	}
}

func (s *StepState) mark(role Role, at *time.Time) {
	switch role {
	case RoleAdmin:
		s.AdminCompleted, s.AdminCompletedAt = true, at
	case RoleClient:
		s.ClientCompleted, s.ClientCompletedAt = true, at
	case RoleAffiliate:
		s.AffiliateCompleted, s.AffiliateCompletedAt = true, at
	}
}

func (s StepState) satisfies(roles []Role) bool {
	for _, r := range roles {
		if !s.Done(r) {
			return false
		}
	}
	return true
}

// LastAction records the most recent action. It is informational only and
// never consulted during validation.
type LastAction struct {
	Action Action
	Role   Role
	At     time.Time
}

// State is the in-memory view of a contract's progress through every step.
// It is never the source of truth; the persisted record is.
type State struct {
	Current    Step
	Steps      map[Step]StepState
	Flow       Flow
	CanProceed bool
	Complete   bool
	LastAction *LastAction
}

// HasAffiliate reports whether the contract runs as a three-party flow.
func (s State) HasAffiliate() bool {
	return s.flow().Kind() == KindThreeParty
}

// AffiliateID returns the referring affiliate for three-party flows.
func (s State) AffiliateID() string {
	return s.flow().AffiliateID()
}

// Step returns the state of step, zero-valued when unknown.
func (s State) Step(step Step) StepState {
	return s.Steps[step]
}

// StepComplete reports whether every role the flow requires on step has
// signed off.
func (s State) StepComplete(step Step) bool {
	t, ok := Lookup(step)
	if !ok {
		return false
	}
	return s.Steps[step].satisfies(s.flow().Roles(t))
}

// Clone returns a copy that shares no mutable structure with s.
func (s State) Clone() State {
	out := s
	out.Steps = make(map[Step]StepState, len(s.Steps))
	for k, v := range s.Steps {
		out.Steps[k] = v
	}
	if s.LastAction != nil {
		la := *s.LastAction
		out.LastAction = &la
	}
	return out
}

func (s State) flow() Flow {
	if s.Flow == nil {
		return TwoParty{}
	}
	return s.Flow
}

// Progress summarises how far a contract has moved through the steps.
type Progress struct {
	CurrentStepIndex int
	TotalSteps       int
	Percentage       int
	CompletedSteps   int
}

// ProgressOf computes the progress summary of s.
func ProgressOf(s State) Progress {
	total := len(transitions)
	completed := 0
	for _, t := range transitions {
		if s.StepComplete(t.Step) {
			completed++
		}
	}
	return Progress{
		CurrentStepIndex: Index(s.Current),
		TotalSteps:       total,
		Percentage:       completed * 100 / total,
		CompletedSteps:   completed,
	}
}
