package auth

import "contractflow/workflow"

// Participant is the authenticated caller of the workflow API. A token is
// scoped to one contract unless ContractID is empty, which only admins get.
type Participant struct {
	UserID      string
	ContractID  string
	Role        workflow.Role
	DisplayName string
}

// CanAccess reports whether the participant may act on contractID.
func (p Participant) CanAccess(contractID string) bool {
	if p.ContractID == "" {
		return p.Role == workflow.RoleAdmin
	}
	return p.ContractID == contractID
}
