package workflow

import "strings"

// Step is one ordered stage of the contract approval protocol.
type Step string

const (
	StepReview                Step = "review"
	StepSignatures            Step = "signatures"
	StepOTPVerification       Step = "otp_verification"
	StepIDCards               Step = "id_cards"
	StepPaymentProof          Step = "payment_proof"
	StepPaymentApproval       Step = "payment_approval"
	StepEncryptionExplanation Step = "encryption_explanation"
	StepFinalization          Step = "finalization"
)

// Role identifies the kind of participant acting on a contract.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleClient    Role = "client"
	RoleAffiliate Role = "affiliate"
)

// Valid reports whether r is one of the known participant roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleClient, RoleAffiliate:
		return true
	default:
		return false
	}
}

// Action is an event a single role may emit against a single step.
type Action string

const (
	ActionAdminReviewApproved     Action = "ADMIN_REVIEW_APPROVED"
	ActionClientReviewApproved    Action = "CLIENT_REVIEW_APPROVED"
	ActionAffiliateReviewApproved Action = "AFFILIATE_REVIEW_APPROVED"
	ActionAdminSigned             Action = "ADMIN_SIGNED"
	ActionClientSigned            Action = "CLIENT_SIGNED"
	ActionOTPVerified             Action = "OTP_VERIFIED"
	ActionAdminIDUploaded         Action = "ADMIN_ID_UPLOADED"
	ActionClientIDUploaded        Action = "CLIENT_ID_UPLOADED"
	ActionPaymentProofUploaded    Action = "PAYMENT_PROOF_UPLOADED"
	ActionPaymentApproved         Action = "PAYMENT_APPROVED"
	ActionEncryptionUnderstood    Action = "ENCRYPTION_UNDERSTOOD"
	ActionAdminFinalized          Action = "ADMIN_FINALIZED"
	ActionClientFinalized         Action = "CLIENT_FINALIZED"
)

// Column is the persisted boolean column backing the action. The timestamp
// column is the same name suffixed with "_at".
func (a Action) Column() string {
	return strings.ToLower(string(a))
}

// Rule is the participant-count rule a step must satisfy to complete.
type Rule int

const (
	RuleSingle Rule = iota + 1
	RuleBoth
	RuleAllThree
)

func (r Rule) String() string {
	switch r {
	case RuleSingle:
		return "single"
	case RuleBoth:
		return "both"
	case RuleAllThree:
		return "all-three"
	default:
		return "unknown"
	}
}

// Transition is one row of the static step table.
type Transition struct {
	Step    Step
	Actions []Action
	Rule    Rule
	// Next is empty for the terminal step.
	Next Step
	// BlockReason is shown while any predecessor is incomplete.
	BlockReason string
	// AffiliateGated steps also require the affiliate in three-party flows.
	AffiliateGated bool
}

type binding struct {
	role        Role
	step        Step
	description string
}

var transitions = []Transition{
	{
		Step:           StepReview,
		Actions:        []Action{ActionAdminReviewApproved, ActionClientReviewApproved, ActionAffiliateReviewApproved},
		Rule:           RuleBoth,
		Next:           StepSignatures,
		AffiliateGated: true,
	},
	{
		Step:        StepSignatures,
		Actions:     []Action{ActionAdminSigned, ActionClientSigned},
		Rule:        RuleBoth,
		Next:        StepOTPVerification,
		BlockReason: "يجب الموافقة على العقد أولاً",
	},
	{
		Step:        StepOTPVerification,
		Actions:     []Action{ActionOTPVerified},
		Rule:        RuleSingle,
		Next:        StepIDCards,
		BlockReason: "يجب توقيع العقد من الطرفين أولاً",
	},
	{
		Step:        StepIDCards,
		Actions:     []Action{ActionAdminIDUploaded, ActionClientIDUploaded},
		Rule:        RuleBoth,
		Next:        StepPaymentProof,
		BlockReason: "يجب التحقق من رمز OTP أولاً",
	},
	{
		Step:        StepPaymentProof,
		Actions:     []Action{ActionPaymentProofUploaded},
		Rule:        RuleSingle,
		Next:        StepPaymentApproval,
		BlockReason: "يجب رفع صور الهويات أولاً",
	},
	{
		Step:        StepPaymentApproval,
		Actions:     []Action{ActionPaymentApproved},
		Rule:        RuleSingle,
		Next:        StepEncryptionExplanation,
		BlockReason: "يجب رفع إثبات الدفع أولاً",
	},
	{
		Step:        StepEncryptionExplanation,
		Actions:     []Action{ActionEncryptionUnderstood},
		Rule:        RuleSingle,
		Next:        StepFinalization,
		BlockReason: "يجب اعتماد الدفع أولاً",
	},
	{
		Step:        StepFinalization,
		Actions:     []Action{ActionAdminFinalized, ActionClientFinalized},
		Rule:        RuleBoth,
		BlockReason: "يجب تأكيد فهم آلية التشفير أولاً",
	},
}

var bindings = map[Action]binding{
	ActionAdminReviewApproved:     {RoleAdmin, StepReview, "وافق المسؤول على العقد"},
	ActionClientReviewApproved:    {RoleClient, StepReview, "وافق العميل على العقد"},
	ActionAffiliateReviewApproved: {RoleAffiliate, StepReview, "وافق المسوّق على العقد"},
	ActionAdminSigned:             {RoleAdmin, StepSignatures, "وقّع المسؤول على العقد"},
	ActionClientSigned:            {RoleClient, StepSignatures, "وقّع العميل على العقد"},
	ActionOTPVerified:             {RoleClient, StepOTPVerification, "تم التحقق من رمز OTP"},
	ActionAdminIDUploaded:         {RoleAdmin, StepIDCards, "رفع المسؤول صورة الهوية"},
	ActionClientIDUploaded:        {RoleClient, StepIDCards, "رفع العميل صورة الهوية"},
	ActionPaymentProofUploaded:    {RoleClient, StepPaymentProof, "رفع العميل إثبات الدفع"},
	ActionPaymentApproved:         {RoleAdmin, StepPaymentApproval, "اعتمد المسؤول الدفع"},
	ActionEncryptionUnderstood:    {RoleClient, StepEncryptionExplanation, "أكد العميل فهم آلية التشفير"},
	ActionAdminFinalized:          {RoleAdmin, StepFinalization, "أنهى المسؤول العقد"},
	ActionClientFinalized:         {RoleClient, StepFinalization, "أنهى العميل العقد"},
}

var stepIndex = func() map[Step]int {
	idx := make(map[Step]int, len(transitions))
	for i, t := range transitions {
		idx[t.Step] = i
	}
	return idx
}()

// Steps returns the fixed step order.
func Steps() []Step {
	out := make([]Step, len(transitions))
	for i, t := range transitions {
		out[i] = t.Step
	}
	return out
}

// Actions returns every action in table order.
func Actions() []Action {
	out := make([]Action, 0, len(bindings))
	for _, t := range transitions {
		out = append(out, t.Actions...)
	}
	return out
}

// Lookup returns the transition row for step.
func Lookup(step Step) (Transition, bool) {
	i, ok := stepIndex[step]
	if !ok {
		return Transition{}, false
	}
	return transitions[i], true
}

// Index returns the position of step in the fixed order, or -1.
func Index(step Step) int {
	i, ok := stepIndex[step]
	if !ok {
		return -1
	}
	return i
}

// Bind returns the role allowed to emit action and the step it completes.
func Bind(action Action) (Role, Step, bool) {
	b, ok := bindings[action]
	return b.role, b.step, ok
}

// Describe returns the human description recorded in the activity log.
func Describe(action Action) string {
	if b, ok := bindings[action]; ok {
		return b.description
	}
	return string(action)
}

// ParseStep converts a persisted step name.
func ParseStep(name string) (Step, bool) {
	step := Step(name)
	_, ok := stepIndex[step]
	return step, ok
}

// ParseAction converts a wire action name, ignoring case.
func ParseAction(name string) (Action, bool) {
	action := Action(strings.ToUpper(strings.TrimSpace(name)))
	_, ok := bindings[action]
	return action, ok
}
