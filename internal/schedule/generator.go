package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"schoolops/internal/directory"
	"schoolops/internal/lock"
	"schoolops/internal/metrics"
	"schoolops/internal/model"
	"schoolops/internal/store"
)

// Bootstrapper creates the attendance placeholders for a session inside the
// caller's transaction.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, tx store.Tx, s model.Session) (model.BootstrapReport, error)
}

// Generator turns session requests into dated sessions.
type Generator struct {
	store   store.Store
	slots   *SlotCatalog
	catalog directory.Catalog
	ledger  Bootstrapper
	locker  lock.Locker
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewGenerator(st store.Store, slots *SlotCatalog, catalog directory.Catalog, ledger Bootstrapper,
	locker lock.Locker, m *metrics.Metrics, log *slog.Logger) *Generator {
	return &Generator{store: st, slots: slots, catalog: catalog, ledger: ledger, locker: locker, metrics: m, log: log}
}

// CreateRequest describes a session. Either SlotID or the
// DayOfWeek/StartTime/EndTime triple selects the slot.
type CreateRequest struct {
	SemesterID  string
	ClassID     string
	SubjectID   string
	TeacherID   string
	ClassroomID string
	SlotID      int64
	DayOfWeek   model.Weekday
	StartTime   model.ClockTime
	EndTime     model.ClockTime
	SlotNumber  int
	SlotName    string
	SessionDate model.Date
	Topic       string
}

func (r CreateRequest) slotKey() model.SlotKey {
	return model.SlotKey{Day: r.DayOfWeek, Start: r.StartTime, End: r.EndTime}
}

type CreateResult struct {
	Session   model.Session         `json:"session"`
	Slot      model.Slot            `json:"slot"`
	Bootstrap model.BootstrapReport `json:"bootstrap"`
}

// BulkItem is the per-request outcome of CreateBulk and GenerateRange.
type BulkItem struct {
	Date   model.Date    `json:"session_date"`
	Result *CreateResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
	err    error
}

func (b BulkItem) Err() error { return b.err }

// SessionPatch holds optional session edits. Setting any of
// DayOfWeek/StartTime/EndTime requires all three.
type SessionPatch struct {
	SemesterID  *string
	ClassID     *string
	SubjectID   *string
	TeacherID   *string
	ClassroomID *string
	SlotID      *int64
	DayOfWeek   *model.Weekday
	StartTime   *model.ClockTime
	EndTime     *model.ClockTime
	SessionDate *model.Date
	Topic       *string
	IsActive    *bool
}

type DeleteResult struct {
	ScheduleID int64 `json:"schedule_id"`
	Sessions   int64 `json:"sessions_deleted"`
	Attendance int64 `json:"attendance_deleted"`
}

func (g *Generator) checkRef(ctx context.Context, kind directory.Kind, id string, required bool) error {
	if id == "" {
		if required {
			return fmt.Errorf("%w: %s id is required", model.ErrInvalidArgument, kind)
		}
		return nil
	}
	if _, err := g.catalog.Name(ctx, kind, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.MissingReference(string(kind), id)
		}
		return err
	}
	return nil
}

func checkDate(d model.Date, day model.Weekday) error {
	if d.Weekday() != day {
		return &model.DateMismatchError{Date: d, Slot: day}
	}
	return nil
}

// resolveSlot validates the slot selection and returns the slot, creating it
// from the triple when needed. The creation is the only write that happens
// before the session transaction; it runs after every other check.
func (g *Generator) resolveSlot(ctx context.Context, slotID int64, key model.SlotKey, number int, name string, date model.Date) (model.Slot, error) {
	if slotID != 0 {
		slot, err := g.slots.Get(ctx, slotID)
		if errors.Is(err, model.ErrNotFound) || (err == nil && !slot.IsActive) {
			return model.Slot{}, model.MissingReference("slot", fmt.Sprint(slotID))
		}
		if err != nil {
			return model.Slot{}, err
		}
		return slot, checkDate(date, slot.DayOfWeek)
	}
	if err := validateKey(key); err != nil {
		return model.Slot{}, err
	}
	if err := checkDate(date, key.Day); err != nil {
		return model.Slot{}, err
	}
	return g.slots.FindOrCreate(ctx, key, number, name)
}

// Create validates the request, persists the session and bootstraps its
// attendance in one transaction.
func (g *Generator) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.SessionDate.IsZero() {
		return CreateResult{}, fmt.Errorf("%w: session date is required", model.ErrInvalidArgument)
	}
	for _, ref := range []struct {
		kind     directory.Kind
		id       string
		required bool
	}{
		{directory.KindClass, req.ClassID, true},
		{directory.KindSubject, req.SubjectID, true},
		{directory.KindTeacher, req.TeacherID, true},
		{directory.KindClassroom, req.ClassroomID, true},
		{directory.KindSemester, req.SemesterID, false},
	} {
		if err := g.checkRef(ctx, ref.kind, ref.id, ref.required); err != nil {
			return CreateResult{}, err
		}
	}
	slot, err := g.resolveSlot(ctx, req.SlotID, req.slotKey(), req.SlotNumber, req.SlotName, req.SessionDate)
	if err != nil {
		return CreateResult{}, err
	}

	res := CreateResult{Slot: slot}
	err = g.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s := model.Session{
			SemesterID:  req.SemesterID,
			ClassID:     req.ClassID,
			SubjectID:   req.SubjectID,
			TeacherID:   req.TeacherID,
			ClassroomID: req.ClassroomID,
			SlotID:      slot.SlotID,
			SessionDate: req.SessionDate,
			SessionWeek: req.SessionDate.WeekLabel(),
			Topic:       req.Topic,
			IsActive:    true,
		}
		if err := tx.InsertSession(ctx, &s); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		report, err := g.ledger.Bootstrap(ctx, tx, s)
		if err != nil {
			return fmt.Errorf("bootstrap session %d: %w", s.ScheduleID, err)
		}
		res.Session, res.Bootstrap = s, report
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	g.metrics.SessionsCreated.Inc()
	g.log.Info("session created",
		"schedule_id", res.Session.ScheduleID,
		"class_id", res.Session.ClassID,
		"date", res.Session.SessionDate.String(),
		"slot_id", slot.SlotID,
		"attendance_created", res.Bootstrap.Created,
		"attendance_failed", res.Bootstrap.Failed)
	return res, nil
}

// CreateBulk creates each request in its own transaction.
func (g *Generator) CreateBulk(ctx context.Context, reqs []CreateRequest) []BulkItem {
	out := make([]BulkItem, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, g.bulkItem(ctx, req))
	}
	return out
}

func (g *Generator) bulkItem(ctx context.Context, req CreateRequest) BulkItem {
	item := BulkItem{Date: req.SessionDate}
	res, err := g.Create(ctx, req)
	if err != nil {
		item.err, item.Error = err, err.Error()
		return item
	}
	item.Result = &res
	return item
}

// GenerateRange creates one session for every date in [from, to] that falls
// on the slot's weekday. req.SessionDate is ignored.
func (g *Generator) GenerateRange(ctx context.Context, req CreateRequest, from, to model.Date) ([]BulkItem, error) {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, fmt.Errorf("%w: range %s..%s is invalid", model.ErrInvalidArgument, from, to)
	}
	if to.Time().Sub(from.Time()).Hours() > 24*366 {
		return nil, fmt.Errorf("%w: range longer than a year", model.ErrInvalidArgument)
	}
	day := req.DayOfWeek
	if req.SlotID != 0 {
		slot, err := g.slots.Get(ctx, req.SlotID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil, model.MissingReference("slot", fmt.Sprint(req.SlotID))
			}
			return nil, err
		}
		day = slot.DayOfWeek
	}
	if !day.Valid() {
		return nil, fmt.Errorf("%w: day of week is required", model.ErrInvalidArgument)
	}

	first := from.AddDays((int(day) - int(from.Weekday()) + 7) % 7)
	var out []BulkItem
	for d := first; !d.After(to); d = d.AddDays(7) {
		req.SessionDate = d
		item := g.bulkItem(ctx, req)
		if err := item.Err(); errors.Is(err, model.ErrReferenceNotFound) || errors.Is(err, model.ErrInvalidArgument) {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Update applies a partial edit. Attendance rows are left as they are even
// when the class or teacher changes; Rebootstrap adds missing people.
func (g *Generator) Update(ctx context.Context, scheduleID int64, p SessionPatch) (model.Session, error) {
	unlock, err := g.locker.Lock(ctx, lock.ScheduleKey(scheduleID))
	if err != nil {
		return model.Session{}, err
	}
	defer unlock()

	var cur model.Session
	if err := g.store.ReadOnly(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		cur, err = tx.GetSession(ctx, scheduleID)
		return err
	}); err != nil {
		return model.Session{}, err
	}

	next := cur
	refs := []struct {
		field *string
		dst   *string
		kind  directory.Kind
		req   bool
	}{
		{p.SemesterID, &next.SemesterID, directory.KindSemester, false},
		{p.ClassID, &next.ClassID, directory.KindClass, true},
		{p.SubjectID, &next.SubjectID, directory.KindSubject, true},
		{p.TeacherID, &next.TeacherID, directory.KindTeacher, false},
		{p.ClassroomID, &next.ClassroomID, directory.KindClassroom, true},
	}
	for _, r := range refs {
		if r.field == nil || *r.field == *r.dst {
			continue
		}
		if err := g.checkRef(ctx, r.kind, *r.field, r.req); err != nil {
			return model.Session{}, err
		}
		*r.dst = *r.field
	}
	if p.Topic != nil {
		next.Topic = *p.Topic
	}
	if p.IsActive != nil {
		next.IsActive = *p.IsActive
	}
	if p.SessionDate != nil {
		next.SessionDate = *p.SessionDate
	}

	tripleSet := p.DayOfWeek != nil || p.StartTime != nil || p.EndTime != nil
	if tripleSet && (p.DayOfWeek == nil || p.StartTime == nil || p.EndTime == nil) {
		return model.Session{}, fmt.Errorf("%w: day_of_week, start_time and end_time must be set together", model.ErrInvalidArgument)
	}
	switch {
	case p.SlotID != nil:
		slot, err := g.resolveSlot(ctx, *p.SlotID, model.SlotKey{}, 0, "", next.SessionDate)
		if err != nil {
			return model.Session{}, err
		}
		next.SlotID = slot.SlotID
	case tripleSet:
		key := model.SlotKey{Day: *p.DayOfWeek, Start: *p.StartTime, End: *p.EndTime}
		slot, err := g.resolveSlot(ctx, 0, key, 0, "", next.SessionDate)
		if err != nil {
			return model.Session{}, err
		}
		next.SlotID = slot.SlotID
	case p.SessionDate != nil:
		slot, err := g.slots.Get(ctx, next.SlotID)
		if err != nil {
			return model.Session{}, err
		}
		if err := checkDate(next.SessionDate, slot.DayOfWeek); err != nil {
			return model.Session{}, err
		}
	}
	next.SessionWeek = next.SessionDate.WeekLabel()

	if err := g.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateSession(ctx, next)
	}); err != nil {
		return model.Session{}, err
	}
	if next.TeacherID != cur.TeacherID || next.ClassID != cur.ClassID {
		g.log.Info("session roster fields changed; attendance left untouched",
			"schedule_id", scheduleID, "class_id", next.ClassID, "teacher_id", next.TeacherID)
	}
	return next, nil
}

// Delete removes a session and all of its attendance records atomically.
func (g *Generator) Delete(ctx context.Context, scheduleID int64) (DeleteResult, error) {
	unlock, err := g.locker.Lock(ctx, lock.ScheduleKey(scheduleID))
	if err != nil {
		return DeleteResult{}, err
	}
	defer unlock()

	res := DeleteResult{ScheduleID: scheduleID}
	err = g.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetSession(ctx, scheduleID); err != nil {
			return err
		}
		n, err := tx.DeleteAttendanceBySchedule(ctx, scheduleID)
		if err != nil {
			return fmt.Errorf("delete attendance: %w", err)
		}
		res.Attendance = n
		if res.Sessions, err = tx.DeleteSession(ctx, scheduleID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	g.log.Info("session deleted", "schedule_id", scheduleID, "attendance_deleted", res.Attendance)
	return res, nil
}

// Rebootstrap re-runs attendance bootstrap; people who already have a record
// are reported rather than duplicated.
func (g *Generator) Rebootstrap(ctx context.Context, scheduleID int64) (model.BootstrapReport, error) {
	unlock, err := g.locker.Lock(ctx, lock.ScheduleKey(scheduleID))
	if err != nil {
		return model.BootstrapReport{}, err
	}
	defer unlock()

	var report model.BootstrapReport
	err = g.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.ShareSession(ctx, scheduleID)
		if err != nil {
			return err
		}
		report, err = g.ledger.Bootstrap(ctx, tx, s)
		return err
	})
	return report, err
}
