package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"schoolops/internal/directory"
	"schoolops/internal/lock"
	"schoolops/internal/metrics"
	"schoolops/internal/model"
	"schoolops/internal/store"
)

// Ledger owns per-session attendance records.
type Ledger struct {
	store   store.Store
	dir     directory.Directory
	locker  lock.Locker
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewLedger(st store.Store, dir directory.Directory, locker lock.Locker, m *metrics.Metrics, log *slog.Logger) *Ledger {
	return &Ledger{store: st, dir: dir, locker: locker, metrics: m, log: log, now: time.Now}
}

// sessionNames is the display snapshot shared by every record of a session.
type sessionNames struct {
	class, subject, teacher string
}

func (l *Ledger) lookupName(ctx context.Context, kind directory.Kind, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	name, err := l.dir.Name(ctx, kind, id)
	if errors.Is(err, model.ErrNotFound) {
		return "", nil
	}
	return name, err
}

func (l *Ledger) namesFor(ctx context.Context, s model.Session) (sessionNames, error) {
	var n sessionNames
	var err error
	if n.class, err = l.lookupName(ctx, directory.KindClass, s.ClassID); err != nil {
		return n, err
	}
	if n.subject, err = l.lookupName(ctx, directory.KindSubject, s.SubjectID); err != nil {
		return n, err
	}
	if n.teacher, err = l.lookupName(ctx, directory.KindTeacher, s.TeacherID); err != nil {
		return n, err
	}
	return n, nil
}

func snapshot(s model.Session, n sessionNames, p model.Profile) model.AttendanceRecord {
	id := s.ScheduleID
	return model.AttendanceRecord{
		ScheduleID:  &id,
		UserID:      p.UserID,
		UserRole:    p.Role,
		Status:      model.StatusPending,
		UserName:    p.DisplayName,
		ClassID:     s.ClassID,
		ClassName:   n.class,
		SubjectID:   s.SubjectID,
		SubjectName: n.subject,
		TeacherName: n.teacher,
		SessionDate: s.SessionDate,
	}
}

// Bootstrap creates a pending record for the session's teacher and for each
// student enrolled in its class right now. Existing (schedule, user) pairs are
// reported as already present. People without a profile are counted as
// failed; storage errors abort so the caller's transaction rolls back.
func (l *Ledger) Bootstrap(ctx context.Context, tx store.Tx, s model.Session) (model.BootstrapReport, error) {
	var report model.BootstrapReport
	names, err := l.namesFor(ctx, s)
	if err != nil {
		return report, fmt.Errorf("resolve names: %w", err)
	}
	students, err := l.dir.StudentsOf(ctx, s.ClassID)
	if err != nil {
		return report, fmt.Errorf("roster for class %s: %w", s.ClassID, err)
	}
	people := make([]string, 0, len(students)+1)
	if s.TeacherID != "" {
		people = append(people, s.TeacherID)
	}
	people = append(people, students...)
	report.Expected = len(people)

	for _, userID := range people {
		p, err := l.dir.Profile(ctx, userID)
		if errors.Is(err, model.ErrNotFound) {
			report.Failed++
			report.FailedUsers = append(report.FailedUsers, userID)
			l.metrics.BootstrapRecords.WithLabelValues("failed").Inc()
			continue
		}
		if err != nil {
			return report, fmt.Errorf("profile %s: %w", userID, err)
		}
		if userID == s.TeacherID {
			p.Role = model.RoleTeacher
		}
		rec := snapshot(s, names, p)
		created, err := tx.InsertAttendance(ctx, &rec)
		if err != nil {
			return report, fmt.Errorf("insert attendance for %s: %w", userID, err)
		}
		if created {
			report.Created++
			l.metrics.BootstrapRecords.WithLabelValues("created").Inc()
		} else {
			report.AlreadyPresent++
			l.metrics.BootstrapRecords.WithLabelValues("already_present").Inc()
		}
	}
	if report.Failed > 0 {
		l.log.Warn("bootstrap incomplete", "schedule_id", s.ScheduleID, "failed_users", report.FailedUsers)
	}
	return report, nil
}

// RollCallEntry is one line of a teacher-submitted roll call.
type RollCallEntry struct {
	UserID string       `json:"user_id"`
	Status model.Status `json:"status"`
}

type SkippedEntry struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type RollCallReport struct {
	ScheduleID int64          `json:"schedule_id"`
	Updated    int            `json:"updated"`
	Skipped    []SkippedEntry `json:"skipped,omitempty"`
}

const maxSwapAttempts = 5

// swap re-reads the record and applies mutate until the versioned write lands.
// mutate returning false leaves the record as it is.
func swap(ctx context.Context, tx store.Tx, m *metrics.Metrics, scheduleID int64, userID string,
	mutate func(*model.AttendanceRecord) bool) (model.AttendanceRecord, bool, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		rec, err := tx.GetAttendance(ctx, scheduleID, userID)
		if err != nil {
			return model.AttendanceRecord{}, false, err
		}
		if !mutate(&rec) {
			return rec, false, nil
		}
		ok, err := tx.SwapAttendance(ctx, rec)
		if err != nil {
			return model.AttendanceRecord{}, false, err
		}
		if ok {
			rec.Version++
			return rec, true, nil
		}
		m.CASRetries.Inc()
	}
	return model.AttendanceRecord{}, false, fmt.Errorf("attendance %d/%s: %w", scheduleID, userID, model.ErrConcurrentModification)
}

// RecordRollCall overwrites the status of existing records. Users that are
// unknown or have no record in the session are skipped, not fatal.
func (l *Ledger) RecordRollCall(ctx context.Context, scheduleID int64, actorID string, entries []RollCallEntry) (RollCallReport, error) {
	report := RollCallReport{ScheduleID: scheduleID}
	if actorID == "" {
		return report, fmt.Errorf("%w: actor id is required", model.ErrInvalidArgument)
	}
	for _, e := range entries {
		if !e.Status.Decided() {
			return report, fmt.Errorf("%w: status %q for %s must be present, late or absent", model.ErrInvalidArgument, e.Status, e.UserID)
		}
	}

	unlock, err := l.locker.Lock(ctx, lock.ScheduleKey(scheduleID))
	if err != nil {
		return report, err
	}
	defer unlock()

	now := l.now().UTC()
	err = l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		report.Updated, report.Skipped = 0, nil
		if _, err := tx.ShareSession(ctx, scheduleID); err != nil {
			return err
		}
		for _, e := range entries {
			_, _, err := swap(ctx, tx, l.metrics, scheduleID, e.UserID, func(r *model.AttendanceRecord) bool {
				r.Status = e.Status
				r.CheckIn = nil
				if e.Status != model.StatusAbsent {
					r.CheckIn = &now
				}
				r.Verification = model.Verification{Method: model.MethodManual}
				r.NeedsReview = false
				return true
			})
			if errors.Is(err, model.ErrNotFound) {
				report.Skipped = append(report.Skipped, SkippedEntry{UserID: e.UserID, Reason: l.skipReason(ctx, e.UserID)})
				continue
			}
			if err != nil {
				return err
			}
			report.Updated++
		}
		return nil
	})
	if err != nil {
		return RollCallReport{ScheduleID: scheduleID}, err
	}
	l.log.Info("roll call recorded",
		"schedule_id", scheduleID,
		"actor_id", actorID,
		"updated", report.Updated,
		"skipped", len(report.Skipped))
	return report, nil
}

func (l *Ledger) skipReason(ctx context.Context, userID string) string {
	if _, err := l.dir.Profile(ctx, userID); errors.Is(err, model.ErrNotFound) {
		return "unknown user"
	}
	return "no attendance record for this session"
}

func (l *Ledger) BySchedule(ctx context.Context, scheduleID int64) ([]model.AttendanceRecord, error) {
	var out []model.AttendanceRecord
	err := l.store.ReadOnly(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetSession(ctx, scheduleID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListAttendance(ctx, store.AttendanceFilter{ScheduleID: scheduleID})
		return err
	})
	return out, err
}

// Stats are derived on read. PercentPresent counts late as attended and
// ignores pending records.
type Stats struct {
	Total          int     `json:"total"`
	Present        int     `json:"present"`
	Late           int     `json:"late"`
	Absent         int     `json:"absent"`
	Pending        int     `json:"pending"`
	PercentPresent float64 `json:"percent_present"`
}

func computeStats(records []model.AttendanceRecord) Stats {
	var s Stats
	for _, r := range records {
		s.Total++
		switch r.Status {
		case model.StatusPresent:
			s.Present++
		case model.StatusLate:
			s.Late++
		case model.StatusAbsent:
			s.Absent++
		default:
			s.Pending++
		}
	}
	if decided := s.Present + s.Late + s.Absent; decided > 0 {
		s.PercentPresent = float64(s.Present+s.Late) * 100 / float64(decided)
	}
	return s
}

type UserAttendance struct {
	UserID  string                   `json:"user_id"`
	Records []model.AttendanceRecord `json:"records"`
	Stats   Stats                    `json:"stats"`
}

// ByUser lists a person's records in [from, to]; zero bounds are open.
func (l *Ledger) ByUser(ctx context.Context, userID string, from, to model.Date, subjectID string) (UserAttendance, error) {
	if userID == "" {
		return UserAttendance{}, fmt.Errorf("%w: user id is required", model.ErrInvalidArgument)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return UserAttendance{}, fmt.Errorf("%w: range %s..%s is invalid", model.ErrInvalidArgument, from, to)
	}
	records, err := l.list(ctx, store.AttendanceFilter{UserID: userID, SubjectID: subjectID, From: from, To: to})
	if err != nil {
		return UserAttendance{}, err
	}
	return UserAttendance{UserID: userID, Records: records, Stats: computeStats(records)}, nil
}

func (l *Ledger) ByClassDate(ctx context.Context, classID string, date model.Date) ([]model.AttendanceRecord, error) {
	if classID == "" || date.IsZero() {
		return nil, fmt.Errorf("%w: class id and date are required", model.ErrInvalidArgument)
	}
	return l.list(ctx, store.AttendanceFilter{ClassID: classID, From: date, To: date})
}

// Unlinked returns check-ins that matched no session, for operator review.
func (l *Ledger) Unlinked(ctx context.Context, from, to model.Date) ([]model.AttendanceRecord, error) {
	return l.list(ctx, store.AttendanceFilter{UnlinkedOnly: true, From: from, To: to})
}

func (l *Ledger) list(ctx context.Context, f store.AttendanceFilter) ([]model.AttendanceRecord, error) {
	var out []model.AttendanceRecord
	err := l.store.ReadOnly(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		out, err = tx.ListAttendance(ctx, f)
		return err
	})
	return out, err
}

// Delete removes a single record. Linked records are deleted under their
// session's lock.
func (l *Ledger) Delete(ctx context.Context, attendanceID int64, actorID string) error {
	if actorID == "" {
		return fmt.Errorf("%w: actor id is required", model.ErrInvalidArgument)
	}
	var rec model.AttendanceRecord
	if err := l.store.ReadOnly(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		rec, err = tx.GetAttendanceByID(ctx, attendanceID)
		return err
	}); err != nil {
		return err
	}
	if rec.ScheduleID != nil {
		unlock, err := l.locker.Lock(ctx, lock.ScheduleKey(*rec.ScheduleID))
		if err != nil {
			return err
		}
		defer unlock()
	}
	if err := l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteAttendance(ctx, attendanceID)
	}); err != nil {
		return err
	}
	l.log.Info("attendance deleted", "attendance_id", attendanceID, "user_id", rec.UserID, "actor_id", actorID)
	return nil
}
