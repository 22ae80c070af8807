package model

import "time"

// Slot is a reusable weekly time window.
type Slot struct {
	SlotID     int64     `json:"slot_id"`
	DayOfWeek  Weekday   `json:"day_of_week"`
	StartTime  ClockTime `json:"start_time"`
	EndTime    ClockTime `json:"end_time"`
	SlotNumber int       `json:"slot_number"`
	SlotName   string    `json:"slot_name"`
	IsActive   bool      `json:"is_active"`
}

// Contains reports whether the clock time falls in [start, end].
func (s Slot) Contains(c ClockTime) bool {
	return c >= s.StartTime && c <= s.EndTime
}

// SlotKey identifies a slot by its (day, start, end) triple.
type SlotKey struct {
	Day   Weekday
	Start ClockTime
	End   ClockTime
}

func (s Slot) Key() SlotKey { return SlotKey{Day: s.DayOfWeek, Start: s.StartTime, End: s.EndTime} }

func (k SlotKey) String() string {
	return k.Day.String() + " " + k.Start.String() + "-" + k.End.String()
}

// Session is one dated occurrence of a class meeting.
type Session struct {
	ScheduleID  int64     `json:"schedule_id"`
	SemesterID  string    `json:"semester_id,omitempty"`
	ClassID     string    `json:"class_id"`
	SubjectID   string    `json:"subject_id"`
	TeacherID   string    `json:"teacher_id,omitempty"`
	ClassroomID string    `json:"classroom_id"`
	SlotID      int64     `json:"slot_id"`
	SessionDate Date      `json:"session_date"`
	SessionWeek string    `json:"session_week"`
	Topic       string    `json:"topic,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role of a person attached to an attendance record.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Status of an attendance record.
type Status string

const (
	StatusPending Status = "pending"
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
)

// Decided reports whether s is a roll-call outcome rather than a placeholder.
func (s Status) Decided() bool {
	return s == StatusPresent || s == StatusLate || s == StatusAbsent
}

// Method is how a check-in was captured.
type Method string

const (
	MethodRFID   Method = "rfid"
	MethodFace   Method = "face"
	MethodManual Method = "manual"
)

// Verification carries the device-side evidence for a check-in.
type Verification struct {
	Method       Method   `json:"method,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	AntiSpoofing *bool    `json:"anti_spoofing,omitempty"`
	DeviceID     string   `json:"device_id,omitempty"`
	Location     string   `json:"location,omitempty"`
}

// AttendanceRecord is the per-person state for one session. Records with a
// nil ScheduleID are unlinked check-ins kept for operator review.
//
// The display fields are copied when the record is written and are not
// refreshed when the referenced entities are renamed.
type AttendanceRecord struct {
	AttendanceID int64        `json:"attendance_id"`
	ScheduleID   *int64       `json:"schedule_id,omitempty"`
	UserID       string       `json:"user_id"`
	UserRole     Role         `json:"user_role"`
	Status       Status       `json:"status"`
	CheckIn      *time.Time   `json:"check_in"`
	Verification Verification `json:"verification"`
	NeedsReview  bool         `json:"needs_review"`

	UserName    string `json:"user_name,omitempty"`
	ClassID     string `json:"class_id,omitempty"`
	ClassName   string `json:"class_name,omitempty"`
	SubjectID   string `json:"subject_id,omitempty"`
	SubjectName string `json:"subject_name,omitempty"`
	TeacherName string `json:"teacher_name,omitempty"`
	SessionDate Date   `json:"session_date"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckInEvent is an external assertion that a person was present at Timestamp.
type CheckInEvent struct {
	EventID       string       `json:"event_id"`
	IdentityToken string       `json:"identity_token"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        Status       `json:"status,omitempty"`
	ImageURL      string       `json:"image_url,omitempty"`
	Verification  Verification `json:"verification"`
}

// Profile is the directory view of a person.
type Profile struct {
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	ClassID     string `json:"class_id,omitempty"`
}

// CascadeStatus tracks a cascade run through its saga states.
type CascadeStatus string

const (
	CascadePending   CascadeStatus = "pending"
	CascadeCommitted CascadeStatus = "committed"
	CascadeFailed    CascadeStatus = "failed"
)

// CascadeStep reports one write step of a cascade run.
type CascadeStep struct {
	Name     string `json:"name"`
	Affected int64  `json:"affected"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// CascadeRun is the persisted record of a propagated edit or delete.
type CascadeRun struct {
	RunID      string        `json:"run_id"`
	Kind       string        `json:"kind"`
	SubjectID  string        `json:"subject_id"`
	ActorID    string        `json:"actor_id"`
	Status     CascadeStatus `json:"status"`
	Steps      []CascadeStep `json:"steps"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// BootstrapReport summarizes one attendance bootstrap pass over a session.
type BootstrapReport struct {
	Expected       int      `json:"expected"`
	Created        int      `json:"created"`
	AlreadyPresent int      `json:"already_present"`
	Failed         int      `json:"failed"`
	FailedUsers    []string `json:"failed_users,omitempty"`
}
