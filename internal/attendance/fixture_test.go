package attendance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schoolops/internal/directory"
	"schoolops/internal/lock"
	"schoolops/internal/metrics"
	"schoolops/internal/model"
	"schoolops/internal/schedule"
	"schoolops/internal/store"
)

var mon0902 = model.NewDate(2024, time.September, 2)

type fixture struct {
	store  *store.Memory
	dir    *directory.Memory
	locker lock.Locker
	ledger *Ledger
	gen    *schedule.Generator
	rec    *Reconciler
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture seeds class 5 (student-1..3, student-2 carries card CARD-2),
// teacher 9, subject 2 and classroom 1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := directory.NewMemory()
	dir.PutName(directory.KindClass, "5", "10A")
	dir.PutName(directory.KindClass, "6", "10B")
	dir.PutName(directory.KindSubject, "2", "Mathematics")
	dir.PutName(directory.KindClassroom, "1", "Room 101")
	dir.PutUser(model.Profile{UserID: "9", Role: model.RoleTeacher, DisplayName: "Linh Ng"})
	for _, id := range []string{"student-1", "student-2", "student-3"} {
		dir.PutUser(model.Profile{UserID: id, Role: model.RoleStudent, DisplayName: id, ClassID: "5"})
	}
	dir.PutUser(model.Profile{UserID: "student-9", Role: model.RoleStudent, DisplayName: "other class", ClassID: "6"})
	dir.PutCard("CARD-2", "student-2")
	return newFixtureWith(t, dir, dir, time.UTC)
}

func newFixtureWith(t *testing.T, dir *directory.Memory, ledgerDir directory.Directory, loc *time.Location) *fixture {
	t.Helper()
	st := store.NewMemory()
	m := metrics.Discard()
	locker := lock.NewLocal()
	log := quietLog()
	ledger := NewLedger(st, ledgerDir, locker, m, log)
	slots := schedule.NewSlotCatalog(st, log)
	return &fixture{
		store:  st,
		dir:    dir,
		locker: locker,
		ledger: ledger,
		gen:    schedule.NewGenerator(st, slots, dir, ledger, locker, m, log),
		rec: NewReconciler(st, dir, ledger, locker, NewMemoryDeduper(), ReconcilerConfig{
			Location:    loc,
			LateAfter:   10 * time.Minute,
			DedupWindow: 2 * time.Minute,
		}, m, log),
	}
}

// createSession schedules class 5 on a Monday 07:00-07:50 slot.
func (f *fixture) createSession(t *testing.T, date model.Date) model.Session {
	t.Helper()
	res, err := f.gen.Create(context.Background(), schedule.CreateRequest{
		ClassID:     "5",
		SubjectID:   "2",
		TeacherID:   "9",
		ClassroomID: "1",
		DayOfWeek:   model.Monday,
		StartTime:   model.NewClock(7, 0),
		EndTime:     model.NewClock(7, 50),
		SessionDate: date,
	})
	require.NoError(t, err)
	return res.Session
}

func (f *fixture) record(t *testing.T, scheduleID int64, userID string) model.AttendanceRecord {
	t.Helper()
	var rec model.AttendanceRecord
	require.NoError(t, f.store.ReadOnly(context.Background(), func(ctx context.Context, tx store.Tx) (err error) {
		rec, err = tx.GetAttendance(ctx, scheduleID, userID)
		return err
	}))
	return rec
}

func (f *fixture) allRecords(t *testing.T) []model.AttendanceRecord {
	t.Helper()
	var out []model.AttendanceRecord
	require.NoError(t, f.store.ReadOnly(context.Background(), func(ctx context.Context, tx store.Tx) (err error) {
		out, err = tx.ListAttendance(ctx, store.AttendanceFilter{})
		return err
	}))
	return out
}

func utc(h, m int) time.Time {
	return time.Date(2024, time.September, 2, h, m, 0, 0, time.UTC)
}
