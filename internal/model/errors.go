package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrNotFound               = errors.New("not found")
	ErrReferenceNotFound      = errors.New("reference not found")
	ErrDateSlotMismatch       = errors.New("session date does not fall on slot day")
	ErrSlotInUse              = errors.New("slot in use by active sessions")
	ErrSlotConflict           = errors.New("an active slot already covers this day and time")
	ErrIdentityNotFound       = errors.New("identity not found")
	ErrDuplicateAttendance    = errors.New("duplicate attendance record")
	ErrCascadeIncomplete      = errors.New("cascade incomplete")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// ReferenceError names the missing entity behind ErrReferenceNotFound.
type ReferenceError struct {
	Entity string
	ID     string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *ReferenceError) Unwrap() error { return ErrReferenceNotFound }

// MissingReference builds a ReferenceError.
func MissingReference(entity, id string) error {
	return &ReferenceError{Entity: entity, ID: id}
}

// CascadeError carries the run whose steps did not all complete.
type CascadeError struct {
	Run CascadeRun
}

func (e *CascadeError) Error() string {
	for _, s := range e.Run.Steps {
		if s.Error != "" {
			return fmt.Sprintf("cascade %s %s: step %s: %s", e.Run.Kind, e.Run.RunID, s.Name, s.Error)
		}
	}
	return fmt.Sprintf("cascade %s %s incomplete", e.Run.Kind, e.Run.RunID)
}

func (e *CascadeError) Unwrap() error { return ErrCascadeIncomplete }

// DateMismatchError explains which weekday was expected.
type DateMismatchError struct {
	Date Date
	Slot Weekday
}

func (e *DateMismatchError) Error() string {
	return fmt.Sprintf("session date %s is a %s but slot is on %s", e.Date, e.Date.Weekday(), e.Slot)
}

func (e *DateMismatchError) Unwrap() error { return ErrDateSlotMismatch }
