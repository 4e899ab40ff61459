package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAction is returned for actions missing from the step table.
	ErrUnknownAction = errors.New("workflow: unknown action")
	// ErrNotAuthorized signals the action is bound to a different role.
	ErrNotAuthorized = errors.New("workflow: not authorized")
	// ErrStepBlocked signals a predecessor step is still incomplete.
	ErrStepBlocked = errors.New("workflow: step blocked")
	// ErrAlreadyCompleted signals the role already signed off on the step.
	ErrAlreadyCompleted = errors.New("workflow: already completed")
)

const (
	reasonUnknownAction    = "إجراء غير معروف"
	reasonNotAuthorized    = "غير مصرح لك بتنفيذ هذا الإجراء"
	reasonNotParticipant   = "هذا العقد لا يتطلب موافقة المسوّق"
	reasonAlreadyCompleted = "تم تنفيذ هذا الإجراء مسبقاً"
	reasonNotCurrent       = "هذه الخطوة غير متاحة حالياً"
)

// RejectionError is a validation failure carrying a user-facing reason.
// It never accompanies a state change.
type RejectionError struct {
	Err    error
	Action Action
	Role   Role
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%v: %s as %s: %s", e.Err, e.Action, e.Role, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

func reject(err error, action Action, role Role, reason string) *RejectionError {
	return &RejectionError{Err: err, Action: action, Role: role, Reason: reason}
}

// Reason extracts the user-facing reason from err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return err.Error()
}

// Decision is the caller-facing form of a validation check.
type Decision struct {
	Allowed bool
	Reason  string
}
