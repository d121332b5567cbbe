package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidName indicates the offered username fails the name syntax.
	ErrInvalidName = errors.New("invalid name")

	// ErrNameOwned means the name is bound to a different device fingerprint.
	ErrNameOwned = errors.New("name is registered with another device")

	// ErrQuotaExceeded is returned when a device has used up its plan.
	ErrQuotaExceeded = errors.New("plan limit exceeded")

	// ErrNameExists is returned by an insert that lost a registration race.
	ErrNameExists = errors.New("name already exists")

	// ErrUnsupportedPort is returned for forwarding requests other than 80/443.
	ErrUnsupportedPort = errors.New("remote port not supported")

	// ErrStoreUnavailable wraps failures to reach the registry database.
	ErrStoreUnavailable = errors.New("registry store unavailable")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// QuotaError reports the usage and plan that caused a registration refusal.
type QuotaError struct {
	Usage int
	Plan  int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("plan limit exceeded (%d/%d)", e.Usage, e.Plan)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// TunnelError wraps an underlying error with the name and operation it
// occurred in.
type TunnelError struct {
	Name string
	Op   string
	Err  error
}

func (e *TunnelError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("name %s: %s: %v", e.Name, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
