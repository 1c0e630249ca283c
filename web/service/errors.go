package service

import "fmt"

// NameCollisionError reports a service name already in use. The caller can
// retry with a different name.
type NameCollisionError struct {
	Name string
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("service name %q is already taken", e.Name)
}

// InsufficientRemainingError is the migration precondition failure: nothing
// transferable is left on the source. Raised before any remote call is made.
type InsufficientRemainingError struct {
	RemainingGB float64
	Unlimited   bool
}

func (e *InsufficientRemainingError) Error() string {
	if e.Unlimited {
		return "unlimited-quota services cannot be migrated by remaining volume"
	}
	return fmt.Sprintf("no remaining volume to migrate (%.2f GB left)", e.RemainingGB)
}
