// Package directory adapts the school's people and catalog records, which are
// owned by other services, into the lookups the engine needs.
package directory

import (
	"context"

	"schoolops/internal/model"
)

// Kind names a catalog entity type.
type Kind string

const (
	KindClass     Kind = "class"
	KindSubject   Kind = "subject"
	KindTeacher   Kind = "teacher"
	KindClassroom Kind = "classroom"
	KindSemester  Kind = "semester"
)

// IdentityResolver maps an RFID card uid or user id to a user id.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (string, error)
}

type Profiles interface {
	Profile(ctx context.Context, userID string) (model.Profile, error)
}

// Roster exposes class enrollment.
type Roster interface {
	StudentsOf(ctx context.Context, classID string) ([]string, error)
	// DetachClass clears the class assignment of every student in classID.
	DetachClass(ctx context.Context, classID string) (int64, error)
}

// Catalog resolves display names; a missing entity yields model.ErrNotFound.
type Catalog interface {
	Name(ctx context.Context, kind Kind, id string) (string, error)
}

// Directory is the full collaborator surface.
type Directory interface {
	IdentityResolver
	Profiles
	Roster
	Catalog
}
