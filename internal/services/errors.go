package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotMaster is returned when a write lands on a device that does
	// not currently hold the master role and no forwarder is configured.
	ErrNotMaster = errors.New("device is not the current master")

	// ErrNoMaster is returned when no active master exists and the
	// operation needs one.
	ErrNoMaster = errors.New("no active master")

	// ErrNoQuorum is returned when an election exhausts its retries
	// without reaching any other active device.
	ErrNoQuorum = errors.New("election failed: no quorum of active devices")

	// ErrInvalidCredentials is returned for a bad enrollment secret or
	// an unparseable token.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ValidationError rejects malformed input before any state changes. It is
// never partially applied: callers return it without touching storage
// beyond the audit trail.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
