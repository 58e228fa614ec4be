package scheduler

import "errors"

// AdmissionErrors (spec §7): recoverable, reported to the caller.
var (
	ErrEmptyInput       = errors.New("scheduler: empty input")
	ErrSessionLenExceeded = errors.New("scheduler: token count exceeds max_session_len")
)
