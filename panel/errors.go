package panel

import (
	"errors"
	"fmt"
)

// Every remote call resolves to one of five outcomes: success, not found,
// auth failure, transient network failure, or a protocol-level failure the
// caller must not retry.

// ErrNotFound reports that the remote client does not exist on the panel.
// Delete treats it as success, update treats it as failure.
var ErrNotFound = errors.New("client not found on panel")

// errAuthExpired is the internal signal that a cached session was rejected.
// Adapters re-login once and retry before surfacing an AuthError.
var errAuthExpired = errors.New("panel session expired")

// AuthError means the panel rejected our credentials, or a re-login after an
// expired session failed. Not retryable without operator action.
type AuthError struct {
	Panel  string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("panel %s: authentication failed: %s", e.Panel, e.Reason)
}

// ProvisionError carries the remote panel's own message for a rejected
// create/update. Surfaced to the caller, never retried.
type ProvisionError struct {
	Panel  string
	Remote string
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("panel %s: provisioning rejected: %s", e.Panel, e.Remote)
}

// TransientError wraps a network-level failure worth a bounded retry by the
// orchestrator. Adapters never retry these themselves.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ProtocolError means the panel answered with something this adapter cannot
// interpret. Retrying will not help.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: unexpected panel response: %s", e.Op, e.Detail)
}

// IsTransient reports whether err is worth a bounded retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// outcomeLabel maps an error to the metrics outcome label.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, errAuthExpired):
		return "auth_expired"
	default:
		var ae *AuthError
		var pe *ProvisionError
		var te *TransientError
		switch {
		case errors.As(err, &ae):
			return "auth"
		case errors.As(err, &pe):
			return "rejected"
		case errors.As(err, &te):
			return "transient"
		default:
			return "protocol"
		}
	}
}
