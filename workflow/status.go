package workflow

// Status is the single human-facing workflow label consumed by lists and
// dashboards. It is output only and never fed back into the machine.
type Status string

const (
	StatusPendingReview          Status = "pending_review"
	StatusApproved               Status = "approved"
	StatusPendingAdminSignature  Status = "pending_admin_signature"
	StatusPendingClientSignature Status = "pending_client_signature"
	StatusSigned                 Status = "signed"
	StatusOTPVerified            Status = "otp_verified"
	StatusIDsUploaded            Status = "ids_uploaded"
	StatusPaymentPending         Status = "payment_pending"
	StatusPaymentApproved        Status = "payment_approved"
	StatusEncryptionUnderstood   Status = "encryption_understood"
	StatusCompleted              Status = "completed"
)

// milestones maps a completed step to its label, walked terminal-first.
var milestones = []struct {
	step   Step
	status Status
}{
	{StepFinalization, StatusCompleted},
	{StepEncryptionExplanation, StatusEncryptionUnderstood},
	{StepPaymentApproval, StatusPaymentApproved},
	{StepPaymentProof, StatusPaymentPending},
	{StepIDCards, StatusIDsUploaded},
	{StepOTPVerification, StatusOTPVerified},
	{StepSignatures, StatusSigned},
}

// StatusOf derives the workflow label by walking backward from the terminal
// step to the furthest completed milestone.
func StatusOf(s State) Status {
	for _, m := range milestones {
		if s.StepComplete(m.step) && !s.Steps[m.step].Blocked {
			return m.status
		}
	}
	if !s.StepComplete(StepReview) {
		return StatusPendingReview
	}
	sig := s.Steps[StepSignatures]
	switch {
	case sig.AdminCompleted:
		return StatusPendingClientSignature
	case sig.ClientCompleted:
		return StatusPendingAdminSignature
	default:
		return StatusApproved
	}
}
