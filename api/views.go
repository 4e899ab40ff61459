package api

import (
	"time"

	"contractflow/activity"
	"contractflow/presence"
	"contractflow/session"
	"contractflow/workflow"
)

type stepView struct {
	Name               workflow.Step `json:"name"`
	AdminCompleted     bool          `json:"admin_completed"`
	ClientCompleted    bool          `json:"client_completed"`
	AffiliateCompleted bool          `json:"affiliate_completed"`
	Blocked            bool          `json:"blocked"`
	BlockReason        string        `json:"block_reason,omitempty"`
	RequiresAffiliate  bool          `json:"requires_affiliate"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
}

type lastActionView struct {
	Action workflow.Action `json:"action"`
	Role   workflow.Role   `json:"role"`
	At     time.Time       `json:"at"`
}

type progressView struct {
	CurrentStepIndex int `json:"current_step_index"`
	TotalSteps       int `json:"total_steps"`
	Percentage       int `json:"percentage"`
	CompletedSteps   int `json:"completed_steps"`
}

type contractView struct {
	ContractID  string            `json:"contract_id"`
	Version     int64             `json:"version"`
	Flow        workflow.Kind     `json:"flow"`
	AffiliateID string            `json:"affiliate_id,omitempty"`
	CurrentStep workflow.Step     `json:"current_step"`
	Status      workflow.Status   `json:"status"`
	CanProceed  bool              `json:"can_proceed"`
	Complete    bool              `json:"complete"`
	Progress    progressView      `json:"progress"`
	Steps       []stepView        `json:"steps"`
	LastAction  *lastActionView   `json:"last_action,omitempty"`
	Available   []workflow.Action `json:"available_actions"`
	Role        workflow.Role     `json:"role"`
	SyncedAt    time.Time         `json:"synced_at"`
}

func viewContract(s *session.Session) contractView {
	st := s.State()
	p := workflow.ProgressOf(st)

	v := contractView{
		ContractID:  s.ContractID(),
		Version:     s.Version(),
		Flow:        st.Flow.Kind(),
		AffiliateID: st.AffiliateID(),
		CurrentStep: st.Current,
		Status:      workflow.StatusOf(st),
		CanProceed:  st.CanProceed,
		Complete:    st.Complete,
		Progress: progressView{
			CurrentStepIndex: p.CurrentStepIndex,
			TotalSteps:       p.TotalSteps,
			Percentage:       p.Percentage,
			CompletedSteps:   p.CompletedSteps,
		},
		Available: s.Available(),
		Role:      s.Role(),
		SyncedAt:  s.SyncedAt(),
	}
	if v.Available == nil {
		v.Available = []workflow.Action{}
	}
	for _, step := range workflow.Steps() {
		ss := st.Step(step)
		v.Steps = append(v.Steps, stepView{
			Name:               step,
			AdminCompleted:     ss.AdminCompleted,
			ClientCompleted:    ss.ClientCompleted,
			AffiliateCompleted: ss.AffiliateCompleted,
			Blocked:            ss.Blocked,
			BlockReason:        ss.BlockReason,
			RequiresAffiliate:  ss.RequiresAffiliate,
			CompletedAt:        ss.CompletedAt,
		})
	}
	if la := st.LastAction; la != nil {
		v.LastAction = &lastActionView{Action: la.Action, Role: la.Role, At: la.At}
	}
	return v
}

type activityView struct {
	ID          string          `json:"id"`
	Action      workflow.Action `json:"action"`
	ActorRole   workflow.Role   `json:"actor_role"`
	ActorName   string          `json:"actor_name"`
	OnBehalfOf  workflow.Role   `json:"on_behalf_of,omitempty"`
	Description string          `json:"description"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func viewActivity(entries []activity.Entry) []activityView {
	out := make([]activityView, 0, len(entries))
	for _, e := range entries {
		out = append(out, activityView{
			ID:          e.ID,
			Action:      e.Action,
			ActorRole:   e.ActorRole,
			ActorName:   e.ActorName,
			OnBehalfOf:  e.OnBehalfOf,
			Description: e.Description,
			Metadata:    e.Metadata,
			CreatedAt:   e.CreatedAt,
		})
	}
	return out
}

func viewPresence(ps []presence.Presence) []presence.Presence {
	if ps == nil {
		return []presence.Presence{}
	}
	return ps
}
