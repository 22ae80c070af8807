package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"schoolops/internal/model"
)

const pgUniqueViolation = "23505"

// Postgres is the Store backed by a pgx connection pool.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return RunInTx(ctx, p.db, nil, func(ctx context.Context, q DBTX) error {
		return fn(ctx, &pgTx{q: q})
	})
}

func (p *Postgres) ReadOnly(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return RunInTx(ctx, p.db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, q DBTX) error {
		return fn(ctx, &pgTx{q: q})
	})
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

type pgTx struct {
	q DBTX
}

// where accumulates numbered predicates for the list queries.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) raw(clause string) { w.clauses = append(w.clauses, clause) }

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// ---------- slots ----------

const slotColumns = `slot_id, day_of_week, start_time, end_time, slot_number, slot_name, is_active`

func scanSlot(row interface{ Scan(...any) error }) (model.Slot, error) {
	var s model.Slot
	var day int
	if err := row.Scan(&s.SlotID, &day, &s.StartTime, &s.EndTime, &s.SlotNumber, &s.SlotName, &s.IsActive); err != nil {
		return model.Slot{}, err
	}
	s.DayOfWeek = model.Weekday(day)
	return s, nil
}

func (t *pgTx) FindSlot(ctx context.Context, key model.SlotKey) (model.Slot, bool, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+slotColumns+` FROM slots
		WHERE day_of_week = $1 AND start_time = $2 AND end_time = $3 AND is_active
	`, int(key.Day), key.Start, key.End)
	s, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Slot{}, false, nil
	}
	if err != nil {
		return model.Slot{}, false, err
	}
	return s, true, nil
}

func (t *pgTx) InsertSlot(ctx context.Context, s model.Slot) (model.Slot, bool, error) {
	row := t.q.QueryRowContext(ctx, `
		INSERT INTO slots (day_of_week, start_time, end_time, slot_number, slot_name, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (day_of_week, start_time, end_time) WHERE is_active DO NOTHING
		RETURNING slot_id
	`, int(s.DayOfWeek), s.StartTime, s.EndTime, s.SlotNumber, s.SlotName)
	err := row.Scan(&s.SlotID)
	if errors.Is(err, sql.ErrNoRows) {
		existing, ok, err := t.FindSlot(ctx, s.Key())
		if err != nil {
			return model.Slot{}, false, err
		}
		if !ok {
			return model.Slot{}, false, fmt.Errorf("slot %s: conflict without visible row: %w", s.Key(), model.ErrConcurrentModification)
		}
		return existing, false, nil
	}
	if err != nil {
		return model.Slot{}, false, err
	}
	s.IsActive = true
	return s, true, nil
}

func (t *pgTx) GetSlot(ctx context.Context, slotID int64) (model.Slot, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots WHERE slot_id = $1`, slotID)
	s, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Slot{}, fmt.Errorf("slot %d: %w", slotID, model.ErrNotFound)
	}
	return s, err
}

func (t *pgTx) UpdateSlot(ctx context.Context, s model.Slot) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE slots
		SET day_of_week = $2, start_time = $3, end_time = $4, slot_number = $5, slot_name = $6, is_active = $7
		WHERE slot_id = $1
	`, s.SlotID, int(s.DayOfWeek), s.StartTime, s.EndTime, s.SlotNumber, s.SlotName, s.IsActive)
	if isUniqueViolation(err) {
		return fmt.Errorf("slot %s: %w", s.Key(), model.ErrSlotConflict)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("slot %d: %w", s.SlotID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListSlots(ctx context.Context, f SlotFilter) ([]model.Slot, error) {
	var w where
	if f.Day != 0 {
		w.add("day_of_week = ?", int(f.Day))
	}
	if !f.IncludeInactive {
		w.raw("is_active")
	}
	rows, err := t.q.QueryContext(ctx, `SELECT `+slotColumns+` FROM slots`+w.String()+
		` ORDER BY day_of_week, slot_number, start_time, slot_id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) NextSlotNumber(ctx context.Context, day model.Weekday) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(slot_number), 0) + 1 FROM slots WHERE day_of_week = $1 AND is_active
	`, int(day)).Scan(&n)
	return n, err
}

func (t *pgTx) CountActiveSessionsForSlot(ctx context.Context, slotID int64) (int64, error) {
	var n int64
	err := t.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE slot_id = $1 AND is_active
	`, slotID).Scan(&n)
	return n, err
}

// ---------- sessions ----------

const sessionColumns = `schedule_id, semester_id, class_id, subject_id, teacher_id, classroom_id,
	slot_id, session_date, session_week, topic, is_active, created_at`

const joinedSessionColumns = `s.schedule_id, s.semester_id, s.class_id, s.subject_id, s.teacher_id, s.classroom_id,
	s.slot_id, s.session_date, s.session_week, s.topic, s.is_active, s.created_at`

func scanSession(row interface{ Scan(...any) error }) (model.Session, error) {
	var s model.Session
	var semester, teacher sql.NullString
	if err := row.Scan(&s.ScheduleID, &semester, &s.ClassID, &s.SubjectID, &teacher, &s.ClassroomID,
		&s.SlotID, &s.SessionDate, &s.SessionWeek, &s.Topic, &s.IsActive, &s.CreatedAt); err != nil {
		return model.Session{}, err
	}
	s.SemesterID = semester.String
	s.TeacherID = teacher.String
	return s, nil
}

func collectSessions(rows *sql.Rows, err error) ([]model.Session, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertSession(ctx context.Context, s *model.Session) error {
	return t.q.QueryRowContext(ctx, `
		INSERT INTO sessions (semester_id, class_id, subject_id, teacher_id, classroom_id,
			slot_id, session_date, session_week, topic, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING schedule_id, created_at
	`, nullString(s.SemesterID), s.ClassID, s.SubjectID, nullString(s.TeacherID), s.ClassroomID,
		s.SlotID, s.SessionDate, s.SessionWeek, s.Topic, s.IsActive,
	).Scan(&s.ScheduleID, &s.CreatedAt)
}

func (t *pgTx) getSession(ctx context.Context, scheduleID int64, suffix string) (model.Session, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE schedule_id = $1`+suffix, scheduleID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, fmt.Errorf("session %d: %w", scheduleID, model.ErrNotFound)
	}
	return s, err
}

func (t *pgTx) GetSession(ctx context.Context, scheduleID int64) (model.Session, error) {
	return t.getSession(ctx, scheduleID, "")
}

func (t *pgTx) ShareSession(ctx context.Context, scheduleID int64) (model.Session, error) {
	return t.getSession(ctx, scheduleID, " FOR SHARE")
}

func (t *pgTx) UpdateSession(ctx context.Context, s model.Session) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE sessions
		SET semester_id = $2, class_id = $3, subject_id = $4, teacher_id = $5, classroom_id = $6,
			slot_id = $7, session_date = $8, session_week = $9, topic = $10, is_active = $11
		WHERE schedule_id = $1
	`, s.ScheduleID, nullString(s.SemesterID), s.ClassID, s.SubjectID, nullString(s.TeacherID), s.ClassroomID,
		s.SlotID, s.SessionDate, s.SessionWeek, s.Topic, s.IsActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %d: %w", s.ScheduleID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeleteSession(ctx context.Context, scheduleID int64) (int64, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM sessions WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *pgTx) ListSessions(ctx context.Context, f SessionFilter) ([]model.Session, error) {
	var w where
	if f.SemesterID != "" {
		w.add("semester_id = ?", f.SemesterID)
	}
	if f.ClassID != "" {
		w.add("class_id = ?", f.ClassID)
	}
	if f.TeacherID != "" {
		w.add("teacher_id = ?", f.TeacherID)
	}
	if f.ClassroomID != "" {
		w.add("classroom_id = ?", f.ClassroomID)
	}
	if len(f.SubjectIDs) > 0 {
		w.add("subject_id = ANY(?)", f.SubjectIDs)
	}
	if f.SlotID != 0 {
		w.add("slot_id = ?", f.SlotID)
	}
	if f.Week != "" {
		w.add("session_week = ?", f.Week)
	}
	if !f.From.IsZero() {
		w.add("session_date >= ?", f.From)
	}
	if !f.To.IsZero() {
		w.add("session_date <= ?", f.To)
	}
	if f.ActiveOnly {
		w.raw("is_active")
	}
	rows, err := t.q.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions`+w.String()+
		` ORDER BY session_date, schedule_id`, w.args...)
	return collectSessions(rows, err)
}

func (t *pgTx) MatchSessions(ctx context.Context, q MatchQuery) ([]model.Session, error) {
	var w where
	w.raw("s.is_active")
	w.add("s.session_date = ?", q.Date)
	w.add("sl.day_of_week = ?", int(q.Date.Weekday()))
	w.add("sl.start_time <= ?", q.Clock)
	w.add("sl.end_time >= ?", q.Clock)
	if q.ClassID != "" {
		w.add("s.class_id = ?", q.ClassID)
	}
	if q.TeacherID != "" {
		w.add("s.teacher_id = ?", q.TeacherID)
	}
	rows, err := t.q.QueryContext(ctx, `SELECT `+joinedSessionColumns+`
		FROM sessions s JOIN slots sl ON sl.slot_id = s.slot_id`+w.String()+`
		ORDER BY s.created_at, s.schedule_id`, w.args...)
	return collectSessions(rows, err)
}

func (t *pgTx) DeleteSessionsByClass(ctx context.Context, classID string) (int64, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM sessions WHERE class_id = $1`, classID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------- attendance ----------

const attendanceColumns = `attendance_id, schedule_id, user_id, user_role, status, check_in,
	method, score, anti_spoofing, device_id, location, needs_review,
	user_name, class_id, class_name, subject_id, subject_name, teacher_name, session_date,
	version, created_at, updated_at`

func scanAttendance(row interface{ Scan(...any) error }) (model.AttendanceRecord, error) {
	var r model.AttendanceRecord
	var (
		scheduleID sql.NullInt64
		checkIn    sql.NullTime
		score      sql.NullFloat64
		spoof      sql.NullBool
		role       string
		status     string
		method     string
	)
	if err := row.Scan(&r.AttendanceID, &scheduleID, &r.UserID, &role, &status, &checkIn,
		&method, &score, &spoof, &r.Verification.DeviceID, &r.Verification.Location, &r.NeedsReview,
		&r.UserName, &r.ClassID, &r.ClassName, &r.SubjectID, &r.SubjectName, &r.TeacherName, &r.SessionDate,
		&r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.AttendanceRecord{}, err
	}
	r.UserRole = model.Role(role)
	r.Status = model.Status(status)
	r.Verification.Method = model.Method(method)
	if scheduleID.Valid {
		id := scheduleID.Int64
		r.ScheduleID = &id
	}
	if checkIn.Valid {
		ts := checkIn.Time.UTC()
		r.CheckIn = &ts
	}
	if score.Valid {
		v := score.Float64
		r.Verification.Score = &v
	}
	if spoof.Valid {
		v := spoof.Bool
		r.Verification.AntiSpoofing = &v
	}
	return r, nil
}

func collectAttendance(rows *sql.Rows, err error) ([]model.AttendanceRecord, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AttendanceRecord
	for rows.Next() {
		r, err := scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertAttendance(ctx context.Context, r *model.AttendanceRecord) (bool, error) {
	row := t.q.QueryRowContext(ctx, `
		INSERT INTO attendance_records (schedule_id, user_id, user_role, status, check_in,
			method, score, anti_spoofing, device_id, location, needs_review,
			user_name, class_id, class_name, subject_id, subject_name, teacher_name, session_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (schedule_id, user_id) DO NOTHING
		RETURNING attendance_id, version, created_at, updated_at
	`, r.ScheduleID, r.UserID, string(r.UserRole), string(r.Status), r.CheckIn,
		string(r.Verification.Method), r.Verification.Score, r.Verification.AntiSpoofing,
		r.Verification.DeviceID, r.Verification.Location, r.NeedsReview,
		r.UserName, r.ClassID, r.ClassName, r.SubjectID, r.SubjectName, r.TeacherName, r.SessionDate)
	err := row.Scan(&r.AttendanceID, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case isUniqueViolation(err):
		return false, fmt.Errorf("attendance for %s: %w", r.UserID, model.ErrDuplicateAttendance)
	case err != nil:
		return false, err
	}
	return true, nil
}

func (t *pgTx) GetAttendance(ctx context.Context, scheduleID int64, userID string) (model.AttendanceRecord, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+attendanceColumns+` FROM attendance_records WHERE schedule_id = $1 AND user_id = $2
	`, scheduleID, userID)
	r, err := scanAttendance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AttendanceRecord{}, fmt.Errorf("attendance %d/%s: %w", scheduleID, userID, model.ErrNotFound)
	}
	return r, err
}

func (t *pgTx) GetAttendanceByID(ctx context.Context, attendanceID int64) (model.AttendanceRecord, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+attendanceColumns+` FROM attendance_records WHERE attendance_id = $1`, attendanceID)
	r, err := scanAttendance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AttendanceRecord{}, fmt.Errorf("attendance %d: %w", attendanceID, model.ErrNotFound)
	}
	return r, err
}

func (t *pgTx) SwapAttendance(ctx context.Context, r model.AttendanceRecord) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $3, check_in = $4, method = $5, score = $6, anti_spoofing = $7,
			device_id = $8, location = $9, needs_review = $10,
			version = version + 1, updated_at = NOW()
		WHERE attendance_id = $1 AND version = $2
	`, r.AttendanceID, r.Version, string(r.Status), r.CheckIn, string(r.Verification.Method),
		r.Verification.Score, r.Verification.AntiSpoofing, r.Verification.DeviceID, r.Verification.Location,
		r.NeedsReview)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *pgTx) ListAttendance(ctx context.Context, f AttendanceFilter) ([]model.AttendanceRecord, error) {
	var w where
	if f.ScheduleID != 0 {
		w.add("schedule_id = ?", f.ScheduleID)
	}
	if f.UserID != "" {
		w.add("user_id = ?", f.UserID)
	}
	if f.ClassID != "" {
		w.add("class_id = ?", f.ClassID)
	}
	if f.SubjectID != "" {
		w.add("subject_id = ?", f.SubjectID)
	}
	if !f.From.IsZero() {
		w.add("session_date >= ?", f.From)
	}
	if !f.To.IsZero() {
		w.add("session_date <= ?", f.To)
	}
	if f.UnlinkedOnly {
		w.raw("schedule_id IS NULL")
	}
	rows, err := t.q.QueryContext(ctx, `SELECT `+attendanceColumns+` FROM attendance_records`+w.String()+
		` ORDER BY session_date, attendance_id`, w.args...)
	return collectAttendance(rows, err)
}

func (t *pgTx) DeleteAttendance(ctx context.Context, attendanceID int64) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM attendance_records WHERE attendance_id = $1`, attendanceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attendance %d: %w", attendanceID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeleteAttendanceBySchedule(ctx context.Context, scheduleID int64) (int64, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM attendance_records WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *pgTx) DeleteAttendanceByClass(ctx context.Context, classID string) (int64, error) {
	res, err := t.q.ExecContext(ctx, `
		DELETE FROM attendance_records
		WHERE class_id = $1 OR schedule_id IN (SELECT schedule_id FROM sessions WHERE class_id = $1)
	`, classID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------- cascade runs ----------

func (t *pgTx) SaveCascadeRun(ctx context.Context, run model.CascadeRun) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO cascade_runs (run_id, kind, subject_id, actor_id, status, steps, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			finished_at = EXCLUDED.finished_at
	`, run.RunID, run.Kind, run.SubjectID, run.ActorID, string(run.Status), steps, run.StartedAt, run.FinishedAt)
	return err
}

func (t *pgTx) GetCascadeRun(ctx context.Context, runID string) (model.CascadeRun, error) {
	var run model.CascadeRun
	var status string
	var steps []byte
	var finished sql.NullTime
	err := t.q.QueryRowContext(ctx, `
		SELECT run_id, kind, subject_id, actor_id, status, steps, started_at, finished_at
		FROM cascade_runs WHERE run_id = $1
	`, runID).Scan(&run.RunID, &run.Kind, &run.SubjectID, &run.ActorID, &status, &steps, &run.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CascadeRun{}, fmt.Errorf("cascade run %s: %w", runID, model.ErrNotFound)
	}
	if err != nil {
		return model.CascadeRun{}, err
	}
	run.Status = model.CascadeStatus(status)
	if finished.Valid {
		ts := finished.Time
		run.FinishedAt = &ts
	}
	if err := json.Unmarshal(steps, &run.Steps); err != nil {
		return model.CascadeRun{}, fmt.Errorf("decode cascade steps: %w", err)
	}
	return run, nil
}
