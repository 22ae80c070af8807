package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolops/internal/model"
	"schoolops/internal/store"
)

func countAttendance(t *testing.T, f *fixture) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.ReadOnly(context.Background(), func(ctx context.Context, tx store.Tx) error {
		recs, err := tx.ListAttendance(ctx, store.AttendanceFilter{})
		n = len(recs)
		return err
	}))
	return n
}

func TestCreateSessionBootstrapsAttendance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gen.Create(ctx, mondayFirstPeriod(mon0902))
	require.NoError(t, err)

	assert.EqualValues(t, 1, res.Slot.SlotID)
	assert.EqualValues(t, 1, res.Session.ScheduleID)
	assert.Equal(t, "2024-09-02/2024-09-08", res.Session.SessionWeek)
	assert.True(t, res.Session.IsActive)
	assert.Equal(t, model.BootstrapReport{Expected: 4, Created: 4}, res.Bootstrap)

	records, err := f.ledger.BySchedule(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 4)
	roles := map[string]model.Role{}
	for _, r := range records {
		assert.Equal(t, model.StatusPending, r.Status)
		assert.Nil(t, r.CheckIn)
		assert.Equal(t, "10A", r.ClassName)
		assert.Equal(t, "Mathematics", r.SubjectName)
		assert.Equal(t, "Linh Ng", r.TeacherName)
		assert.Equal(t, mon0902, r.SessionDate)
		roles[r.UserID] = r.UserRole
	}
	assert.Equal(t, model.RoleTeacher, roles["9"])
	assert.Equal(t, model.RoleStudent, roles["student-2"])
}

func TestCreateSessionWithSlotID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.gen.Create(ctx, mondayFirstPeriod(mon0902))
	require.NoError(t, err)

	req := mondayFirstPeriod(mon0902.AddDays(7))
	req.DayOfWeek, req.StartTime, req.EndTime = 0, 0, 0
	req.SlotID = first.Slot.SlotID
	second, err := f.gen.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Slot.SlotID, second.Session.SlotID)

	req.SlotID = 42
	_, err = f.gen.Create(ctx, req)
	var ref *model.ReferenceError
	require.True(t, errors.As(err, &ref))
	assert.Equal(t, "slot", ref.Entity)
}

func TestCreateSessionDateMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gen.Create(ctx, mondayFirstPeriod(tue0903))
	require.ErrorIs(t, err, model.ErrDateSlotMismatch)

	slots, err := f.slots.ListByDay(ctx, model.Monday, true)
	require.NoError(t, err)
	assert.Empty(t, slots, "a rejected request must not create its slot")
	assert.Zero(t, countAttendance(t, f))
}

func TestCreateSessionMissingReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]func(*CreateRequest){
		"class":     func(r *CreateRequest) { r.ClassID = "404" },
		"subject":   func(r *CreateRequest) { r.SubjectID = "404" },
		"teacher":   func(r *CreateRequest) { r.TeacherID = "student-1" },
		"classroom": func(r *CreateRequest) { r.ClassroomID = "404" },
		"semester":  func(r *CreateRequest) { r.SemesterID = "spring" },
	}
	for entity, mutate := range cases {
		t.Run(entity, func(t *testing.T) {
			req := mondayFirstPeriod(mon0902)
			mutate(&req)
			_, err := f.gen.Create(ctx, req)
			require.ErrorIs(t, err, model.ErrReferenceNotFound)
			var ref *model.ReferenceError
			require.True(t, errors.As(err, &ref))
			assert.Equal(t, entity, ref.Entity)
		})
	}

	req := mondayFirstPeriod(mon0902)
	req.ClassroomID = ""
	_, err := f.gen.Create(ctx, req)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	slots, err := f.slots.ListByDay(ctx, model.Monday, true)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestCreateSessionRequiresDate(t *testing.T) {
	f := newFixture(t)
	_, err := f.gen.Create(context.Background(), mondayFirstPeriod(model.Date{}))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestDeleteSessionRemovesAttendance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keep, err := f.gen.Create(ctx, mondayFirstPeriod(mon0902.AddDays(7)))
	require.NoError(t, err)
	res, err := f.gen.Create(ctx, mondayFirstPeriod(mon0902))
	require.NoError(t, err)
	require.Equal(t, 8, countAttendance(t, f))

	del, err := f.gen.Delete(ctx, res.Session.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, DeleteResult{ScheduleID: res.Session.ScheduleID, Sessions: 1, Attendance: 4}, del)
	assert.Equal(t, 4, countAttendance(t, f))

	_, err = f.ledger.BySchedule(ctx, res.Session.ScheduleID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	records, err := f.ledger.BySchedule(ctx, keep.Session.ScheduleID)
	require.NoError(t, err)
	assert.Len(t, records, 4)

	_, err = f.gen.Delete(ctx, res.Session.ScheduleID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRebootstrapIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gen.Create(ctx, mondayFirstPeriod(mon0902))
	require.NoError(t, err)

	report, err := f.gen.Rebootstrap(ctx, res.Session.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, model.BootstrapReport{Expected: 4, AlreadyPresent: 4}, report)
	assert.Equal(t, 4, countAttendance(t, f))

	f.dir.PutUser(model.Profile{UserID: "student-4", Role: model.RoleStudent, DisplayName: "late enrollee", ClassID: "5"})
	report, err = f.gen.Rebootstrap(ctx, res.Session.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, model.BootstrapReport{Expected: 5, Created: 1, AlreadyPresent: 4}, report)
	assert.Equal(t, 5, countAttendance(t, f))

	_, err = f.gen.Rebootstrap(ctx, 99)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGenerateRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	items, err := f.gen.GenerateRange(ctx, mondayFirstPeriod(model.Date{}),
		model.NewDate(2024, time.September, 1), model.NewDate(2024, time.September, 30))
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i, item := range items {
		require.NoError(t, item.Err())
		assert.Equal(t, mon0902.AddDays(7*i), item.Date)
		assert.Equal(t, mon0902.AddDays(7*i), item.Result.Session.SessionDate)
	}

	slots, err := f.slots.ListByDay(ctx, model.Monday, true)
	require.NoError(t, err)
	assert.Len(t, slots, 1)
	assert.Equal(t, 20, countAttendance(t, f))
}

func TestGenerateRangeRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gen.GenerateRange(ctx, mondayFirstPeriod(model.Date{}), mon0902, mon0902.AddDays(-1))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = f.gen.GenerateRange(ctx, mondayFirstPeriod(model.Date{}), mon0902, mon0902.AddDays(400))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	req := mondayFirstPeriod(model.Date{})
	req.SubjectID = "404"
	items, err := f.gen.GenerateRange(ctx, req, mon0902, mon0902.AddDays(30))
	assert.ErrorIs(t, err, model.ErrReferenceNotFound)
	assert.Empty(t, items)
}

func TestCreateBulkReportsPerItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	items := f.gen.CreateBulk(ctx, []CreateRequest{
		mondayFirstPeriod(mon0902),
		mondayFirstPeriod(tue0903),
		mondayFirstPeriod(mon0902.AddDays(7)),
	})
	require.Len(t, items, 3)
	assert.NoError(t, items[0].Err())
	assert.ErrorIs(t, items[1].Err(), model.ErrDateSlotMismatch)
	assert.NotEmpty(t, items[1].Error)
	assert.Nil(t, items[1].Result)
	assert.NoError(t, items[2].Err())
}

func TestUpdateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gen.Create(ctx, mondayFirstPeriod(mon0902))
	require.NoError(t, err)
	id := res.Session.ScheduleID

	next := mon0902.AddDays(7)
	topic := "Fractions"
	s, err := f.gen.Update(ctx, id, SessionPatch{SessionDate: &next, Topic: &topic})
	require.NoError(t, err)
	assert.Equal(t, "2024-09-09/2024-09-15", s.SessionWeek)
	assert.Equal(t, "Fractions", s.Topic)

	_, err = f.gen.Update(ctx, id, SessionPatch{SessionDate: &wed0904})
	assert.ErrorIs(t, err, model.ErrDateSlotMismatch)

	wednesday := model.Wednesday
	_, err = f.gen.Update(ctx, id, SessionPatch{DayOfWeek: &wednesday})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	start, end := model.NewClock(10, 0), model.NewClock(10, 50)
	s, err = f.gen.Update(ctx, id, SessionPatch{DayOfWeek: &wednesday, StartTime: &start, EndTime: &end, SessionDate: &wed0904})
	require.NoError(t, err)
	assert.NotEqual(t, res.Slot.SlotID, s.SlotID)
	assert.Equal(t, "2024-09-02/2024-09-08", s.SessionWeek)

	ghost := "ghost"
	_, err = f.gen.Update(ctx, id, SessionPatch{TeacherID: &ghost})
	assert.ErrorIs(t, err, model.ErrReferenceNotFound)

	_, err = f.gen.Update(ctx, 99, SessionPatch{Topic: &topic})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateSessionLeavesAttendance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gen.Create(ctx, mondayFirstPeriod(mon0902))
	require.NoError(t, err)

	f.dir.PutUser(model.Profile{UserID: "11", Role: model.RoleTeacher, DisplayName: "Ada Okafor"})
	teacher := "11"
	_, err = f.gen.Update(ctx, res.Session.ScheduleID, SessionPatch{TeacherID: &teacher})
	require.NoError(t, err)

	records, err := f.ledger.BySchedule(ctx, res.Session.ScheduleID)
	require.NoError(t, err)
	require.Len(t, records, 4)
	for _, r := range records {
		assert.NotEqual(t, "11", r.UserID)
		assert.Equal(t, "Linh Ng", r.TeacherName)
	}
}
