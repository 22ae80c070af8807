// Package cascade propagates deletes and edits of classes and teachers into
// sessions and attendance records.
package cascade

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"schoolops/internal/directory"
	"schoolops/internal/lock"
	"schoolops/internal/metrics"
	"schoolops/internal/model"
	"schoolops/internal/store"
)

const (
	KindClassDeleted    = "class_deleted"
	KindTeacherSubjects = "teacher_subjects"
)

type IDGen interface {
	New() (string, error)
}

type ulidGen struct{}

func (ulidGen) New() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Manager runs cascades as recorded sagas: a run is saved as pending, each
// step's outcome is appended, and the run ends committed or failed.
type Manager struct {
	store   store.Store
	roster  directory.Roster
	locker  lock.Locker
	ids     IDGen
	metrics *metrics.Metrics
	log     *slog.Logger
	loc     *time.Location
	now     func() time.Time
}

func NewManager(st store.Store, roster directory.Roster, locker lock.Locker, m *metrics.Metrics, log *slog.Logger, loc *time.Location) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	return &Manager{store: st, roster: roster, locker: locker, ids: ulidGen{}, metrics: m, log: log, loc: loc, now: time.Now}
}

func (m *Manager) begin(ctx context.Context, kind, subjectID, actorID string) (model.CascadeRun, error) {
	id, err := m.ids.New()
	if err != nil {
		return model.CascadeRun{}, fmt.Errorf("cascade run id: %w", err)
	}
	run := model.CascadeRun{
		RunID:     id,
		Kind:      kind,
		SubjectID: subjectID,
		ActorID:   actorID,
		Status:    model.CascadePending,
		StartedAt: m.now().UTC(),
	}
	if err := m.save(ctx, run); err != nil {
		return model.CascadeRun{}, err
	}
	return run, nil
}

func (m *Manager) save(ctx context.Context, run model.CascadeRun) error {
	return m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveCascadeRun(ctx, run)
	})
}

// finish closes the run and returns a *model.CascadeError when any step failed.
func (m *Manager) finish(ctx context.Context, run model.CascadeRun) (model.CascadeRun, error) {
	run.Status = model.CascadeCommitted
	for _, s := range run.Steps {
		if !s.Done {
			run.Status = model.CascadeFailed
		}
	}
	done := m.now().UTC()
	run.FinishedAt = &done
	// saved even when ctx is already cancelled
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.save(sctx, run); err != nil {
		m.log.Error("cascade run not recorded", "run_id", run.RunID, "status", run.Status, "error", err)
	}
	m.metrics.CascadeRuns.WithLabelValues(run.Kind, string(run.Status)).Inc()
	m.log.Info("cascade finished", "run_id", run.RunID, "kind", run.Kind, "subject_id", run.SubjectID,
		"actor_id", run.ActorID, "status", run.Status, "steps", run.Steps)
	if run.Status == model.CascadeFailed {
		return run, &model.CascadeError{Run: run}
	}
	return run, nil
}

func (m *Manager) lockSessions(ctx context.Context, f store.SessionFilter) ([]model.Session, func(), error) {
	var sessions []model.Session
	if err := m.store.ReadOnly(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		sessions, err = tx.ListSessions(ctx, f)
		return err
	}); err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(sessions))
	for _, s := range sessions {
		keys = append(keys, lock.ScheduleKey(s.ScheduleID))
	}
	unlock, err := lock.LockAll(ctx, m.locker, keys)
	if err != nil {
		return nil, nil, err
	}
	return sessions, unlock, nil
}

// ClassDeleted removes every session and attendance record of the class and
// clears the class from its students. Re-running a failed run is safe.
func (m *Manager) ClassDeleted(ctx context.Context, classID, actorID string) (model.CascadeRun, error) {
	if classID == "" || actorID == "" {
		return model.CascadeRun{}, fmt.Errorf("%w: class id and actor id are required", model.ErrInvalidArgument)
	}
	run, err := m.begin(ctx, KindClassDeleted, classID, actorID)
	if err != nil {
		return model.CascadeRun{}, err
	}

	_, unlock, err := m.lockSessions(ctx, store.SessionFilter{ClassID: classID})
	if err != nil {
		run.Steps = append(run.Steps, model.CascadeStep{Name: "lock_sessions", Error: err.Error()})
		return m.finish(ctx, run)
	}
	att := model.CascadeStep{Name: "delete_attendance"}
	ses := model.CascadeStep{Name: "delete_sessions"}
	err = m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if att.Affected, err = tx.DeleteAttendanceByClass(ctx, classID); err != nil {
			return fmt.Errorf("delete attendance: %w", err)
		}
		if ses.Affected, err = tx.DeleteSessionsByClass(ctx, classID); err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		return nil
	})
	unlock()
	if err != nil {
		att.Affected, ses.Affected = 0, 0
		att.Error, ses.Error = err.Error(), err.Error()
	} else {
		att.Done, ses.Done = true, true
	}
	run.Steps = append(run.Steps, att, ses)

	roster := model.CascadeStep{Name: "detach_roster"}
	if n, err := m.roster.DetachClass(ctx, classID); err != nil {
		roster.Error = err.Error()
	} else {
		roster.Affected, roster.Done = n, true
	}
	run.Steps = append(run.Steps, roster)
	return m.finish(ctx, run)
}

// DetachResult lists the sessions that lost their teacher.
type DetachResult struct {
	Run      *model.CascadeRun `json:"run,omitempty"`
	Affected []int64           `json:"affected_schedule_ids"`
}

// TeacherSubjectsChanged unassigns the teacher from upcoming sessions in the
// subjects they no longer teach. Sessions are kept for reassignment. A zero
// asOf means today in the school timezone.
func (m *Manager) TeacherSubjectsChanged(ctx context.Context, teacherID string, before, after []string, asOf model.Date, actorID string) (DetachResult, error) {
	res := DetachResult{Affected: []int64{}}
	if teacherID == "" || actorID == "" {
		return res, fmt.Errorf("%w: teacher id and actor id are required", model.ErrInvalidArgument)
	}
	var removed []string
	for _, s := range before {
		if !slices.Contains(after, s) && !slices.Contains(removed, s) {
			removed = append(removed, s)
		}
	}
	if len(removed) == 0 {
		return res, nil
	}
	if asOf.IsZero() {
		asOf = model.DateOf(m.now().In(m.loc))
	}

	run, err := m.begin(ctx, KindTeacherSubjects, teacherID, actorID)
	if err != nil {
		return res, err
	}
	step := model.CascadeStep{Name: "detach_teacher"}
	sessions, unlock, err := m.lockSessions(ctx, store.SessionFilter{TeacherID: teacherID, SubjectIDs: removed, From: asOf})
	if err == nil {
		err = m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			res.Affected = res.Affected[:0]
			for _, s := range sessions {
				cur, err := tx.GetSession(ctx, s.ScheduleID)
				if err != nil {
					return err
				}
				if cur.TeacherID != teacherID {
					continue
				}
				cur.TeacherID = ""
				if err := tx.UpdateSession(ctx, cur); err != nil {
					return fmt.Errorf("detach session %d: %w", cur.ScheduleID, err)
				}
				res.Affected = append(res.Affected, cur.ScheduleID)
			}
			return nil
		})
		unlock()
	}
	if err != nil {
		res.Affected = []int64{}
		step.Error = err.Error()
	} else {
		step.Affected, step.Done = int64(len(res.Affected)), true
	}
	run.Steps = append(run.Steps, step)
	run, err = m.finish(ctx, run)
	res.Run = &run
	return res, err
}

// EnrollmentChanged only logs: existing sessions keep the
// roster they were bootstrapped with.
func (m *Manager) EnrollmentChanged(ctx context.Context, classID string, added, removed []string) {
	m.log.DebugContext(ctx, "enrollment change not propagated",
		"class_id", classID, "added", len(added), "removed", len(removed))
}

// Run fetches a recorded cascade run.
func (m *Manager) Run(ctx context.Context, runID string) (model.CascadeRun, error) {
	var run model.CascadeRun
	err := m.store.ReadOnly(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		run, err = tx.GetCascadeRun(ctx, runID)
		return err
	})
	return run, err
}
