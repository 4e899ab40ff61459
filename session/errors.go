package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionInvalid is returned when the session has no contract or role context.
	ErrSessionInvalid = errors.New("session: not initialized")
	// ErrPersistence wraps failed writes to the durable record. Local state
	// has already been rolled back when it is returned.
	ErrPersistence = errors.New("session: persistence failure")
	// ErrConflict signals another participant wrote the record first. The
	// session has reloaded the canonical record; re-validate and retry.
	ErrConflict = fmt.Errorf("%w: version conflict", ErrPersistence)
)

const (
	reasonSessionInvalid = "الجلسة غير مهيأة"
	reasonDelegation     = "فقط المسؤول يمكنه التنفيذ نيابة عن طرف آخر"
)
