package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"schoolops/internal/model"
)

// Memory is an in-process Store. Transactions are serialized and roll back by
// restoring a snapshot taken when they began; id counters behave like
// database sequences and are not rolled back.
type Memory struct {
	mu    sync.RWMutex
	state memState
	seq   struct{ slot, session, attendance int64 }
	now   func() time.Time
}

type memState struct {
	slots      map[int64]model.Slot
	sessions   map[int64]model.Session
	attendance map[int64]model.AttendanceRecord
	runs       map[string]model.CascadeRun
}

func (s memState) clone() memState {
	return memState{
		slots:      maps.Clone(s.slots),
		sessions:   maps.Clone(s.sessions),
		attendance: maps.Clone(s.attendance),
		runs:       maps.Clone(s.runs),
	}
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		state: memState{
			slots:      map[int64]model.Slot{},
			sessions:   map[int64]model.Session{},
			attendance: map[int64]model.AttendanceRecord{},
			runs:       map[string]model.CascadeRun{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) ReadOnly(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(ctx, &memTx{m: m, readOnly: true})
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

type memTx struct {
	m        *Memory
	readOnly bool
}

var errReadOnly = fmt.Errorf("%w: write in read-only transaction", model.ErrInvalidArgument)

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// ---------- slots ----------

func (t *memTx) FindSlot(_ context.Context, key model.SlotKey) (model.Slot, bool, error) {
	for _, s := range t.m.state.slots {
		if s.IsActive && s.Key() == key {
			return s, true, nil
		}
	}
	return model.Slot{}, false, nil
}

func (t *memTx) InsertSlot(ctx context.Context, s model.Slot) (model.Slot, bool, error) {
	if err := t.writable(); err != nil {
		return model.Slot{}, false, err
	}
	if existing, ok, _ := t.FindSlot(ctx, s.Key()); ok {
		return existing, false, nil
	}
	t.m.seq.slot++
	s.SlotID = t.m.seq.slot
	s.IsActive = true
	t.m.state.slots[s.SlotID] = s
	return s, true, nil
}

func (t *memTx) GetSlot(_ context.Context, slotID int64) (model.Slot, error) {
	s, ok := t.m.state.slots[slotID]
	if !ok {
		return model.Slot{}, fmt.Errorf("slot %d: %w", slotID, model.ErrNotFound)
	}
	return s, nil
}

func (t *memTx) UpdateSlot(_ context.Context, s model.Slot) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.m.state.slots[s.SlotID]; !ok {
		return fmt.Errorf("slot %d: %w", s.SlotID, model.ErrNotFound)
	}
	if s.IsActive {
		for _, other := range t.m.state.slots {
			if other.SlotID != s.SlotID && other.IsActive && other.Key() == s.Key() {
				return fmt.Errorf("slot %s: %w", s.Key(), model.ErrSlotConflict)
			}
		}
	}
	t.m.state.slots[s.SlotID] = s
	return nil
}

func (t *memTx) ListSlots(_ context.Context, f SlotFilter) ([]model.Slot, error) {
	var out []model.Slot
	for _, s := range t.m.state.slots {
		if f.Day != 0 && s.DayOfWeek != f.Day {
			continue
		}
		if !f.IncludeInactive && !s.IsActive {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek < b.DayOfWeek
		}
		if a.SlotNumber != b.SlotNumber {
			return a.SlotNumber < b.SlotNumber
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.SlotID < b.SlotID
	})
	return out, nil
}

func (t *memTx) NextSlotNumber(_ context.Context, day model.Weekday) (int, error) {
	n := 0
	for _, s := range t.m.state.slots {
		if s.DayOfWeek == day && s.IsActive && s.SlotNumber > n {
			n = s.SlotNumber
		}
	}
	return n + 1, nil
}

func (t *memTx) CountActiveSessionsForSlot(_ context.Context, slotID int64) (int64, error) {
	var n int64
	for _, s := range t.m.state.sessions {
		if s.SlotID == slotID && s.IsActive {
			n++
		}
	}
	return n, nil
}

// ---------- sessions ----------

func (t *memTx) InsertSession(_ context.Context, s *model.Session) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.m.state.slots[s.SlotID]; !ok {
		return fmt.Errorf("slot %d: %w", s.SlotID, model.ErrNotFound)
	}
	t.m.seq.session++
	s.ScheduleID = t.m.seq.session
	s.CreatedAt = t.m.now()
	t.m.state.sessions[s.ScheduleID] = *s
	return nil
}

func (t *memTx) GetSession(_ context.Context, scheduleID int64) (model.Session, error) {
	s, ok := t.m.state.sessions[scheduleID]
	if !ok {
		return model.Session{}, fmt.Errorf("session %d: %w", scheduleID, model.ErrNotFound)
	}
	return s, nil
}

func (t *memTx) ShareSession(ctx context.Context, scheduleID int64) (model.Session, error) {
	return t.GetSession(ctx, scheduleID)
}

func (t *memTx) UpdateSession(_ context.Context, s model.Session) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.m.state.sessions[s.ScheduleID]; !ok {
		return fmt.Errorf("session %d: %w", s.ScheduleID, model.ErrNotFound)
	}
	t.m.state.sessions[s.ScheduleID] = s
	return nil
}

func (t *memTx) DeleteSession(_ context.Context, scheduleID int64) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	if _, ok := t.m.state.sessions[scheduleID]; !ok {
		return 0, nil
	}
	for _, r := range t.m.state.attendance {
		if r.ScheduleID != nil && *r.ScheduleID == scheduleID {
			return 0, fmt.Errorf("session %d still referenced by attendance %d", scheduleID, r.AttendanceID)
		}
	}
	delete(t.m.state.sessions, scheduleID)
	return 1, nil
}

func (f SessionFilter) match(s model.Session) bool {
	switch {
	case f.SemesterID != "" && s.SemesterID != f.SemesterID,
		f.ClassID != "" && s.ClassID != f.ClassID,
		f.TeacherID != "" && s.TeacherID != f.TeacherID,
		f.ClassroomID != "" && s.ClassroomID != f.ClassroomID,
		len(f.SubjectIDs) > 0 && !slices.Contains(f.SubjectIDs, s.SubjectID),
		f.SlotID != 0 && s.SlotID != f.SlotID,
		f.Week != "" && s.SessionWeek != f.Week,
		!f.From.IsZero() && s.SessionDate.Before(f.From),
		!f.To.IsZero() && s.SessionDate.After(f.To),
		f.ActiveOnly && !s.IsActive:
		return false
	}
	return true
}

func (t *memTx) ListSessions(_ context.Context, f SessionFilter) ([]model.Session, error) {
	var out []model.Session
	for _, s := range t.m.state.sessions {
		if f.match(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionDate != out[j].SessionDate {
			return out[i].SessionDate.Before(out[j].SessionDate)
		}
		return out[i].ScheduleID < out[j].ScheduleID
	})
	return out, nil
}

func (t *memTx) MatchSessions(_ context.Context, q MatchQuery) ([]model.Session, error) {
	var out []model.Session
	for _, s := range t.m.state.sessions {
		if !s.IsActive || s.SessionDate != q.Date {
			continue
		}
		if q.ClassID != "" && s.ClassID != q.ClassID {
			continue
		}
		if q.TeacherID != "" && s.TeacherID != q.TeacherID {
			continue
		}
		slot, ok := t.m.state.slots[s.SlotID]
		if !ok || slot.DayOfWeek != q.Date.Weekday() || !slot.Contains(q.Clock) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ScheduleID < out[j].ScheduleID
	})
	return out, nil
}

func (t *memTx) DeleteSessionsByClass(_ context.Context, classID string) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var n int64
	for id, s := range t.m.state.sessions {
		if s.ClassID == classID {
			delete(t.m.state.sessions, id)
			n++
		}
	}
	return n, nil
}

// ---------- attendance ----------

func (t *memTx) InsertAttendance(_ context.Context, r *model.AttendanceRecord) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if r.ScheduleID != nil {
		if _, ok := t.m.state.sessions[*r.ScheduleID]; !ok {
			return false, fmt.Errorf("session %d: %w", *r.ScheduleID, model.ErrNotFound)
		}
		for _, existing := range t.m.state.attendance {
			if existing.ScheduleID != nil && *existing.ScheduleID == *r.ScheduleID && existing.UserID == r.UserID {
				return false, nil
			}
		}
	}
	t.m.seq.attendance++
	now := t.m.now()
	r.AttendanceID = t.m.seq.attendance
	r.Version = 1
	r.CreatedAt, r.UpdatedAt = now, now
	t.m.state.attendance[r.AttendanceID] = *r
	return true, nil
}

func (t *memTx) GetAttendance(_ context.Context, scheduleID int64, userID string) (model.AttendanceRecord, error) {
	for _, r := range t.m.state.attendance {
		if r.ScheduleID != nil && *r.ScheduleID == scheduleID && r.UserID == userID {
			return r, nil
		}
	}
	return model.AttendanceRecord{}, fmt.Errorf("attendance %d/%s: %w", scheduleID, userID, model.ErrNotFound)
}

func (t *memTx) GetAttendanceByID(_ context.Context, attendanceID int64) (model.AttendanceRecord, error) {
	r, ok := t.m.state.attendance[attendanceID]
	if !ok {
		return model.AttendanceRecord{}, fmt.Errorf("attendance %d: %w", attendanceID, model.ErrNotFound)
	}
	return r, nil
}

func (t *memTx) SwapAttendance(_ context.Context, r model.AttendanceRecord) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	cur, ok := t.m.state.attendance[r.AttendanceID]
	if !ok || cur.Version != r.Version {
		return false, nil
	}
	cur.Status = r.Status
	cur.CheckIn = r.CheckIn
	cur.Verification = r.Verification
	cur.NeedsReview = r.NeedsReview
	cur.Version++
	cur.UpdatedAt = t.m.now()
	t.m.state.attendance[r.AttendanceID] = cur
	return true, nil
}

func (f AttendanceFilter) match(r model.AttendanceRecord) bool {
	switch {
	case f.ScheduleID != 0 && (r.ScheduleID == nil || *r.ScheduleID != f.ScheduleID),
		f.UserID != "" && r.UserID != f.UserID,
		f.ClassID != "" && r.ClassID != f.ClassID,
		f.SubjectID != "" && r.SubjectID != f.SubjectID,
		!f.From.IsZero() && r.SessionDate.Before(f.From),
		!f.To.IsZero() && r.SessionDate.After(f.To),
		f.UnlinkedOnly && r.ScheduleID != nil:
		return false
	}
	return true
}

func (t *memTx) ListAttendance(_ context.Context, f AttendanceFilter) ([]model.AttendanceRecord, error) {
	var out []model.AttendanceRecord
	for _, r := range t.m.state.attendance {
		if f.match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionDate != out[j].SessionDate {
			return out[i].SessionDate.Before(out[j].SessionDate)
		}
		return out[i].AttendanceID < out[j].AttendanceID
	})
	return out, nil
}

func (t *memTx) DeleteAttendance(_ context.Context, attendanceID int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.m.state.attendance[attendanceID]; !ok {
		return fmt.Errorf("attendance %d: %w", attendanceID, model.ErrNotFound)
	}
	delete(t.m.state.attendance, attendanceID)
	return nil
}

func (t *memTx) deleteAttendanceWhere(keep func(model.AttendanceRecord) bool) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var n int64
	for id, r := range t.m.state.attendance {
		if !keep(r) {
			delete(t.m.state.attendance, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) DeleteAttendanceBySchedule(_ context.Context, scheduleID int64) (int64, error) {
	return t.deleteAttendanceWhere(func(r model.AttendanceRecord) bool {
		return r.ScheduleID == nil || *r.ScheduleID != scheduleID
	})
}

func (t *memTx) DeleteAttendanceByClass(_ context.Context, classID string) (int64, error) {
	return t.deleteAttendanceWhere(func(r model.AttendanceRecord) bool {
		if r.ClassID == classID {
			return false
		}
		if r.ScheduleID != nil {
			if s, ok := t.m.state.sessions[*r.ScheduleID]; ok && s.ClassID == classID {
				return false
			}
		}
		return true
	})
}

// ---------- cascade runs ----------

func (t *memTx) SaveCascadeRun(_ context.Context, run model.CascadeRun) error {
	if err := t.writable(); err != nil {
		return err
	}
	run.Steps = slices.Clone(run.Steps)
	t.m.state.runs[run.RunID] = run
	return nil
}

func (t *memTx) GetCascadeRun(_ context.Context, runID string) (model.CascadeRun, error) {
	run, ok := t.m.state.runs[runID]
	if !ok {
		return model.CascadeRun{}, fmt.Errorf("cascade run %s: %w", runID, model.ErrNotFound)
	}
	run.Steps = slices.Clone(run.Steps)
	return run, nil
}
