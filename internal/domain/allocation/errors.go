package allocation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrRequestNotFound       = errors.New("request not found")
	ErrResourceNotFound      = errors.New("resource not found")
	ErrInvalidState          = errors.New("invalid resource state")
	ErrCorruptState          = errors.New("corrupt state")
)

// InsufficientResourcesError reports the first required type occurrence a
// request could not satisfy. The request stays Pending.
type InsufficientResourcesError struct {
	RequestID uuid.UUID
	Type      ResourceType
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("not enough %s available for request %s", e.Type, e.RequestID)
}

func (e *InsufficientResourcesError) Unwrap() error { return ErrInsufficientResources }

// CorruptStateError is a discharge-time invariant violation. It is reported
// alongside the resources that were released, never instead of them.
type CorruptStateError struct {
	AssignmentID uuid.UUID
	ResourceID   string
	Err          error
}

func (e *CorruptStateError) Error() string {
	if e.ResourceID == "" {
		return fmt.Sprintf("corrupt state in assignment %s: %v", e.AssignmentID, e.Err)
	}
	return fmt.Sprintf("corrupt state releasing %s for assignment %s: %v", e.ResourceID, e.AssignmentID, e.Err)
}

func (e *CorruptStateError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorruptState}
	}
	return []error{ErrCorruptState, e.Err}
}
