package store

import (
	"context"

	"schoolops/internal/model"
)

// Store persists slots, sessions, attendance records and cascade runs.
// All reads and writes go through a Tx so that multi-row cascades commit or
// roll back together.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	ReadOnly(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// FindSlot returns the active slot for key, if any.
	FindSlot(ctx context.Context, key model.SlotKey) (model.Slot, bool, error)
	// InsertSlot inserts s unless an active slot already holds the same key,
	// in which case the existing slot is returned with created=false.
	InsertSlot(ctx context.Context, s model.Slot) (slot model.Slot, created bool, err error)
	GetSlot(ctx context.Context, slotID int64) (model.Slot, error)
	UpdateSlot(ctx context.Context, s model.Slot) error
	ListSlots(ctx context.Context, f SlotFilter) ([]model.Slot, error)
	NextSlotNumber(ctx context.Context, day model.Weekday) (int, error)
	CountActiveSessionsForSlot(ctx context.Context, slotID int64) (int64, error)

	InsertSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, scheduleID int64) (model.Session, error)
	// ShareSession reads a session and holds it against concurrent deletion
	// until the transaction ends.
	ShareSession(ctx context.Context, scheduleID int64) (model.Session, error)
	UpdateSession(ctx context.Context, s model.Session) error
	DeleteSession(ctx context.Context, scheduleID int64) (int64, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]model.Session, error)
	// MatchSessions returns active sessions on date whose slot covers clock,
	// oldest first.
	MatchSessions(ctx context.Context, q MatchQuery) ([]model.Session, error)
	DeleteSessionsByClass(ctx context.Context, classID string) (int64, error)

	// InsertAttendance allocates an id for r; a linked record whose
	// (schedule, user) pair exists is left untouched and created is false.
	InsertAttendance(ctx context.Context, r *model.AttendanceRecord) (created bool, err error)
	GetAttendance(ctx context.Context, scheduleID int64, userID string) (model.AttendanceRecord, error)
	GetAttendanceByID(ctx context.Context, attendanceID int64) (model.AttendanceRecord, error)
	// SwapAttendance writes r only if the stored version equals r.Version and
	// bumps the version on success.
	SwapAttendance(ctx context.Context, r model.AttendanceRecord) (bool, error)
	ListAttendance(ctx context.Context, f AttendanceFilter) ([]model.AttendanceRecord, error)
	DeleteAttendance(ctx context.Context, attendanceID int64) error
	DeleteAttendanceBySchedule(ctx context.Context, scheduleID int64) (int64, error)
	DeleteAttendanceByClass(ctx context.Context, classID string) (int64, error)

	SaveCascadeRun(ctx context.Context, run model.CascadeRun) error
	GetCascadeRun(ctx context.Context, runID string) (model.CascadeRun, error)
}

type SlotFilter struct {
	Day             model.Weekday // zero means every day
	IncludeInactive bool
}

type SessionFilter struct {
	SemesterID  string
	ClassID     string
	TeacherID   string
	ClassroomID string
	SubjectIDs  []string
	SlotID      int64
	Week        string
	From        model.Date
	To          model.Date
	ActiveOnly  bool
}

type MatchQuery struct {
	Date      model.Date
	Clock     model.ClockTime
	ClassID   string
	TeacherID string
}

type AttendanceFilter struct {
	ScheduleID   int64
	UserID       string
	ClassID      string
	SubjectID    string
	From         model.Date
	To           model.Date
	UnlinkedOnly bool
}
