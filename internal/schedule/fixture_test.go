package schedule

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"schoolops/internal/attendance"
	"schoolops/internal/directory"
	"schoolops/internal/lock"
	"schoolops/internal/metrics"
	"schoolops/internal/model"
	"schoolops/internal/store"
)

var (
	mon0902 = model.NewDate(2024, time.September, 2)
	tue0903 = model.NewDate(2024, time.September, 3)
	wed0904 = model.NewDate(2024, time.September, 4)
)

type fixture struct {
	store  *store.Memory
	dir    *directory.Memory
	slots  *SlotCatalog
	gen    *Generator
	query  *Query
	ledger *attendance.Ledger
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture seeds class 5 with three students, teacher 9, subject 2 and
// classroom 1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	dir := directory.NewMemory()
	dir.PutName(directory.KindClass, "5", "10A")
	dir.PutName(directory.KindSubject, "2", "Mathematics")
	dir.PutName(directory.KindSubject, "3", "Physics")
	dir.PutName(directory.KindClassroom, "1", "Room 101")
	dir.PutName(directory.KindSemester, "fall", "Fall 2024")
	dir.PutUser(model.Profile{UserID: "9", Role: model.RoleTeacher, DisplayName: "Linh Ng"})
	for _, id := range []string{"student-1", "student-2", "student-3"} {
		dir.PutUser(model.Profile{UserID: id, Role: model.RoleStudent, DisplayName: id, ClassID: "5"})
	}

	m := metrics.Discard()
	locker := lock.NewLocal()
	log := quietLog()
	ledger := attendance.NewLedger(st, dir, locker, m, log)
	slots := NewSlotCatalog(st, log)
	return &fixture{
		store:  st,
		dir:    dir,
		slots:  slots,
		gen:    NewGenerator(st, slots, dir, ledger, locker, m, log),
		query:  NewQuery(st, dir, log),
		ledger: ledger,
	}
}

func mondayFirstPeriod(date model.Date) CreateRequest {
	return CreateRequest{
		SemesterID:  "fall",
		ClassID:     "5",
		SubjectID:   "2",
		TeacherID:   "9",
		ClassroomID: "1",
		DayOfWeek:   model.Monday,
		StartTime:   model.NewClock(7, 0),
		EndTime:     model.NewClock(7, 50),
		SessionDate: date,
	}
}
