package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"schoolops/internal/directory"
	"schoolops/internal/model"
	"schoolops/internal/store"
)

const unknownName = "unknown"

// SessionView is a session joined with its slot and display names.
type SessionView struct {
	model.Session
	DayOfWeek     model.Weekday   `json:"day_of_week"`
	StartTime     model.ClockTime `json:"start_time"`
	EndTime       model.ClockTime `json:"end_time"`
	SlotNumber    int             `json:"slot_number"`
	SlotName      string          `json:"slot_name"`
	ClassName     string          `json:"class_name"`
	SubjectName   string          `json:"subject_name"`
	TeacherName   string          `json:"teacher_name"`
	ClassroomName string          `json:"classroom_name"`
}

// ViewFilter narrows schedule views. Empty fields match everything.
type ViewFilter struct {
	ClassID     string
	TeacherID   string
	ClassroomID string
}

// Query builds read-side schedule views.
type Query struct {
	store   store.Store
	catalog directory.Catalog
	log     *slog.Logger
}

func NewQuery(st store.Store, catalog directory.Catalog, log *slog.Logger) *Query {
	return &Query{store: st, catalog: catalog, log: log}
}

// Weekly returns the Monday..Sunday week containing anyDay.
func (q *Query) Weekly(ctx context.Context, f ViewFilter, anyDay model.Date) ([]SessionView, error) {
	if anyDay.IsZero() {
		return nil, fmt.Errorf("%w: date is required", model.ErrInvalidArgument)
	}
	return q.view(ctx, q.sessionFilter(f, func(sf *store.SessionFilter) { sf.Week = anyDay.WeekLabel() }))
}

func (q *Query) Daily(ctx context.Context, f ViewFilter, day model.Date) ([]SessionView, error) {
	if day.IsZero() {
		return nil, fmt.Errorf("%w: date is required", model.ErrInvalidArgument)
	}
	return q.view(ctx, q.sessionFilter(f, func(sf *store.SessionFilter) { sf.From, sf.To = day, day }))
}

func (q *Query) Semester(ctx context.Context, semesterID string, f ViewFilter) ([]SessionView, error) {
	if semesterID == "" {
		return nil, fmt.Errorf("%w: semester id is required", model.ErrInvalidArgument)
	}
	return q.view(ctx, q.sessionFilter(f, func(sf *store.SessionFilter) { sf.SemesterID = semesterID }))
}

func (q *Query) sessionFilter(f ViewFilter, scope func(*store.SessionFilter)) store.SessionFilter {
	sf := store.SessionFilter{
		ClassID:     f.ClassID,
		TeacherID:   f.TeacherID,
		ClassroomID: f.ClassroomID,
		ActiveOnly:  true,
	}
	scope(&sf)
	return sf
}

func (q *Query) view(ctx context.Context, sf store.SessionFilter) ([]SessionView, error) {
	var (
		sessions []model.Session
		slots    = map[int64]model.Slot{}
	)
	err := q.store.ReadOnly(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if sessions, err = tx.ListSessions(ctx, sf); err != nil {
			return err
		}
		for _, s := range sessions {
			if _, ok := slots[s.SlotID]; ok {
				continue
			}
			slot, err := tx.GetSlot(ctx, s.SlotID)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return err
			}
			slots[s.SlotID] = slot
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	names, err := q.names(ctx, sessions)
	if err != nil {
		return nil, err
	}
	out := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		slot := slots[s.SlotID]
		out = append(out, SessionView{
			Session:       s,
			DayOfWeek:     slot.DayOfWeek,
			StartTime:     slot.StartTime,
			EndTime:       slot.EndTime,
			SlotNumber:    slot.SlotNumber,
			SlotName:      slot.SlotName,
			ClassName:     names.get(directory.KindClass, s.ClassID),
			SubjectName:   names.get(directory.KindSubject, s.SubjectID),
			TeacherName:   names.get(directory.KindTeacher, s.TeacherID),
			ClassroomName: names.get(directory.KindClassroom, s.ClassroomID),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SessionDate != b.SessionDate {
			return a.SessionDate.Before(b.SessionDate)
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.ScheduleID < b.ScheduleID
	})
	return out, nil
}

type nameKey struct {
	kind directory.Kind
	id   string
}

type nameSet map[nameKey]string

func (n nameSet) get(kind directory.Kind, id string) string {
	if v, ok := n[nameKey{kind, id}]; ok {
		return v
	}
	return unknownName
}

// names resolves each distinct referenced entity once, concurrently. Lookups
// that miss leave the entry out so it renders as unknown.
func (q *Query) names(ctx context.Context, sessions []model.Session) (nameSet, error) {
	want := map[nameKey]struct{}{}
	for _, s := range sessions {
		for _, k := range []nameKey{
			{directory.KindClass, s.ClassID},
			{directory.KindSubject, s.SubjectID},
			{directory.KindTeacher, s.TeacherID},
			{directory.KindClassroom, s.ClassroomID},
		} {
			if k.id != "" {
				want[k] = struct{}{}
			}
		}
	}

	var mu sync.Mutex
	out := make(nameSet, len(want))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for k := range want {
		k := k
		g.Go(func() error {
			name, err := q.catalog.Name(gctx, k.kind, k.id)
			if errors.Is(err, model.ErrNotFound) {
				return nil
			}
			if err != nil {
				q.log.Warn("name lookup failed", "kind", k.kind, "id", k.id, "error", err)
				return nil
			}
			mu.Lock()
			out[k] = name
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
