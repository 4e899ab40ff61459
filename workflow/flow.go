package workflow

// Kind distinguishes the two participant-set variants of the protocol.
type Kind string

const (
	KindTwoParty   Kind = "two_party"
	KindThreeParty Kind = "three_party"
)

// Flow is the participant-set variant a contract runs under. It is decided
// once when a session loads the contract and stays fixed for that session.
type Flow interface {
	Kind() Kind
	AffiliateID() string
	// Roles lists the roles whose sign-off completes the transition.
	Roles(t Transition) []Role
	// Rule is the effective participant-count rule for the transition.
	Rule(t Transition) Rule
}

// TwoParty runs every step with admin and client only.
type TwoParty struct{}

func (TwoParty) Kind() Kind          { return KindTwoParty }
func (TwoParty) AffiliateID() string { return "" }

func (TwoParty) Roles(t Transition) []Role {
	return transitionRoles(t, false)
}

func (TwoParty) Rule(t Transition) Rule { return t.Rule }

// ThreeParty additionally requires the referring affiliate on
// affiliate-gated steps. After those the affiliate only observes.
type ThreeParty struct {
	Affiliate string
}

func (ThreeParty) Kind() Kind            { return KindThreeParty }
func (f ThreeParty) AffiliateID() string { return f.Affiliate }

func (ThreeParty) Roles(t Transition) []Role {
	return transitionRoles(t, t.AffiliateGated)
}

func (ThreeParty) Rule(t Transition) Rule {
	if t.AffiliateGated {
		return RuleAllThree
	}
	return t.Rule
}

// FlowFor maps the legacy (hasAffiliate, affiliateID) pair onto a variant.
func FlowFor(hasAffiliate bool, affiliateID string) Flow {
	if hasAffiliate {
		return ThreeParty{Affiliate: affiliateID}
	}
	return TwoParty{}
}

func transitionRoles(t Transition, withAffiliate bool) []Role {
	roles := make([]Role, 0, len(t.Actions))
	for _, a := range t.Actions {
		role, _, _ := Bind(a)
		if role == RoleAffiliate && !withAffiliate {
			continue
		}
		roles = append(roles, role)
	}
	return roles
}

func hasRole(roles []Role, r Role) bool {
	for _, role := range roles {
		if role == r {
			return true
		}
	}
	return false
}
