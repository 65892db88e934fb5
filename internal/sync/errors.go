package sync

import (
	"errors"
	"fmt"
)

// ErrSyncInProgress is returned by TryTriggerSync while a round is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// TransientError is a failure that may succeed on retry: the request never
// reached the remote, timed out, or the remote answered 5xx.
type TransientError struct {
	StatusCode int // 0 when no response was received
	Message    string
	Err        error
}

func (e *TransientError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("sync endpoint unavailable (HTTP %d): %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("sync endpoint unavailable (HTTP %d)", e.StatusCode)
	default:
		return fmt.Sprintf("sync request failed: %v", e.Err)
	}
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ProtocolError is a definitive rejection: a 4xx status, an error body, or
// a response that cannot be decoded. Retrying will not help.
type ProtocolError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProtocolError) Error() string {
	msg := "sync protocol error"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil && e.Code == "" && e.Message == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
