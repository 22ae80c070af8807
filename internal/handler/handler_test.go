package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolops/internal/attendance"
	"schoolops/internal/auth"
	"schoolops/internal/cascade"
	"schoolops/internal/directory"
	"schoolops/internal/lock"
	"schoolops/internal/metrics"
	"schoolops/internal/model"
	"schoolops/internal/queue"
	"schoolops/internal/schedule"
	"schoolops/internal/store"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "schoolops-test"
)

type testServer struct {
	router *gin.Engine
	queue  *queue.InMemory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, RegisterValidators())

	dir := directory.NewMemory()
	dir.PutName(directory.KindClass, "5", "10A")
	dir.PutName(directory.KindSubject, "2", "Mathematics")
	dir.PutName(directory.KindClassroom, "1", "Room 101")
	dir.PutUser(model.Profile{UserID: "9", Role: model.RoleTeacher, DisplayName: "Linh Ng"})
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("student-%d", i)
		dir.PutUser(model.Profile{UserID: id, Role: model.RoleStudent, DisplayName: id, ClassID: "5"})
	}
	dir.PutCard("CARD-2", "student-2")

	st := store.NewMemory()
	m := metrics.Discard()
	locker := lock.NewLocal()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := attendance.NewLedger(st, dir, locker, m, log)
	slots := schedule.NewSlotCatalog(st, log)
	q := queue.NewInMemory(8)

	r := gin.New()
	RegisterRoutes(r, &Handler{
		Slots:     slots,
		Generator: schedule.NewGenerator(st, slots, dir, ledger, locker, m, log),
		Query:     schedule.NewQuery(st, dir, log),
		Ledger:    ledger,
		Reconciler: attendance.NewReconciler(st, dir, ledger, locker, nil, attendance.ReconcilerConfig{
			Location:    time.UTC,
			LateAfter:   10 * time.Minute,
			DedupWindow: time.Minute,
		}, m, log),
		Cascades: cascade.NewManager(st, dir, locker, m, log, time.UTC),
		Queue:    q,
		Log:      log,
	}, Auth{SigningKey: testKey, Issuer: testIssuer})
	return &testServer{router: r, queue: q}
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	pair, err := auth.Issue(subject, role, testIssuer, testKey, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	return pair.AccessToken
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func sessionBody(date string) gin.H {
	return gin.H{
		"class_id":     "5",
		"subject_id":   "2",
		"teacher_id":   "9",
		"classroom_id": "1",
		"day_of_week":  "Monday",
		"start_time":   "07:00",
		"end_time":     "07:50",
		"session_date": date,
	}
}

func TestRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/v1/slots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/v1/slots", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := auth.Issue("admin", auth.RoleAdmin, "someone-else", testKey, time.Hour, time.Hour)
	require.NoError(t, err)
	w = s.do(t, http.MethodGet, "/v1/slots", other.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoutesEnforceRoles(t *testing.T) {
	s := newTestServer(t)
	teacher := token(t, "9", auth.RoleTeacher)
	device := token(t, "gate-1", auth.RoleDevice)

	w := s.do(t, http.MethodPost, "/v1/sessions", teacher, sessionBody("2024-09-02"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/v1/slots", device, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/v1/checkins", teacher, gin.H{"identity_token": "CARD-2"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "admin", auth.RoleAdmin)
	teacher := token(t, "9", auth.RoleTeacher)
	device := token(t, "gate-1", auth.RoleDevice)

	w := s.do(t, http.MethodPost, "/v1/sessions", admin, sessionBody("2024-09-02"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[schedule.CreateResult](t, w)
	assert.EqualValues(t, 1, created.Session.ScheduleID)
	assert.EqualValues(t, 1, created.Slot.SlotID)
	assert.Equal(t, 4, created.Bootstrap.Created)

	w = s.do(t, http.MethodPost, "/v1/checkins", device, gin.H{
		"identity_token": "CARD-2",
		"timestamp":      "2024-09-02T07:05:00Z",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	checked := decode[struct {
		EventID string             `json:"event_id"`
		Outcome attendance.Outcome `json:"outcome"`
	}](t, w)
	assert.NotEmpty(t, checked.EventID)
	assert.True(t, checked.Outcome.Matched)
	assert.Equal(t, model.StatusPresent, checked.Outcome.Record.Status)
	assert.Equal(t, "gate-1", checked.Outcome.Record.Verification.DeviceID)
	assert.Equal(t, model.MethodRFID, checked.Outcome.Record.Verification.Method)

	w = s.do(t, http.MethodPost, "/v1/sessions/1/rollcall", teacher, gin.H{
		"entries": []gin.H{{"user_id": "student-1", "status": "absent"}, {"user_id": "ghost", "status": "present"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[attendance.RollCallReport](t, w)
	assert.Equal(t, 1, report.Updated)
	assert.Len(t, report.Skipped, 1)

	w = s.do(t, http.MethodGet, "/v1/sessions/1/attendance", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	records := decode[struct {
		Records []model.AttendanceRecord `json:"records"`
	}](t, w)
	statuses := map[string]model.Status{}
	for _, r := range records.Records {
		statuses[r.UserID] = r.Status
	}
	assert.Equal(t, map[string]model.Status{
		"9":         model.StatusPending,
		"student-1": model.StatusAbsent,
		"student-2": model.StatusPresent,
		"student-3": model.StatusPending,
	}, statuses)

	w = s.do(t, http.MethodGet, "/v1/schedule/weekly?date=2024-09-05&class_id=5", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	views := decode[struct {
		Sessions []schedule.SessionView `json:"sessions"`
	}](t, w)
	require.Len(t, views.Sessions, 1)
	assert.Equal(t, "Mathematics", views.Sessions[0].SubjectName)

	w = s.do(t, http.MethodGet, "/v1/attendance/users/student-1?from=2024-09-01&to=2024-09-30", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ua := decode[attendance.UserAttendance](t, w)
	assert.Equal(t, 1, ua.Stats.Absent)

	w = s.do(t, http.MethodDelete, "/v1/sessions/1", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	del := decode[schedule.DeleteResult](t, w)
	assert.EqualValues(t, 4, del.Attendance)

	w = s.do(t, http.MethodGet, "/v1/sessions/1/attendance", teacher, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateSessionErrors(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "admin", auth.RoleAdmin)

	w := s.do(t, http.MethodPost, "/v1/sessions", admin, sessionBody("2024-09-03"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, CodeDateSlotMismatch, decode[errorDTO](t, w).Code)

	body := sessionBody("2024-09-02")
	body["subject_id"] = "404"
	w = s.do(t, http.MethodPost, "/v1/sessions", admin, body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, CodeReferenceNotFound, decode[errorDTO](t, w).Code)

	body = sessionBody("2024-09-02")
	body["start_time"] = "7am"
	w = s.do(t, http.MethodPost, "/v1/sessions", admin, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body = sessionBody("2024-09-02")
	delete(body, "class_id")
	w = s.do(t, http.MethodPost, "/v1/sessions", admin, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/v1/sessions/abc", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSessionRequiresSlotTriple(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "admin", auth.RoleAdmin)

	for _, field := range []string{"start_time", "end_time", "day_of_week"} {
		body := sessionBody("2024-09-02")
		delete(body, field)
		w := s.do(t, http.MethodPost, "/v1/sessions", admin, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, field)
		assert.Equal(t, CodeInvalidArgument, decode[errorDTO](t, w).Code, field)
	}

	partial := sessionBody("2024-09-02")
	delete(partial, "start_time")
	w := s.do(t, http.MethodPost, "/v1/sessions/bulk", admin, gin.H{"sessions": []gin.H{sessionBody("2024-09-02"), partial}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	gen := sessionBody("")
	delete(gen, "session_date")
	delete(gen, "end_time")
	gen["from"], gen["to"] = "2024-09-01", "2024-09-30"
	w = s.do(t, http.MethodPost, "/v1/sessions/generate", admin, gen)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// nothing was written
	w = s.do(t, http.MethodGet, "/v1/slots?include_inactive=true", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[struct {
		Slots []model.Slot `json:"slots"`
	}](t, w).Slots)
}

func TestGenerateSessions(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "admin", auth.RoleAdmin)

	body := sessionBody("")
	delete(body, "session_date")
	body["from"], body["to"] = "2024-09-01", "2024-09-30"
	w := s.do(t, http.MethodPost, "/v1/sessions/generate", admin, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[struct {
		Items  []schedule.BulkItem `json:"items"`
		Failed int                 `json:"failed"`
	}](t, w)
	assert.Len(t, res.Items, 5)
	assert.Zero(t, res.Failed)
}

func TestCheckInEdgeCases(t *testing.T) {
	s := newTestServer(t)
	device := token(t, "gate-1", auth.RoleDevice)

	w := s.do(t, http.MethodPost, "/v1/checkins", device, gin.H{"identity_token": "CARD-404"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeIdentityNotFound, decode[errorDTO](t, w).Code)

	w = s.do(t, http.MethodPost, "/v1/checkins", device, gin.H{"identity_token": "CARD-2", "device_id": "gate-2"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/v1/checkins", device, gin.H{"identity_token": "CARD-2", "status": "absent"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/checkins", device, gin.H{
		"identity_token": "CARD-2",
		"timestamp":      "2024-09-02T12:00:00Z",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[struct {
		Outcome attendance.Outcome `json:"outcome"`
	}](t, w).Outcome.Matched)
}

func TestFaceCheckInQueues(t *testing.T) {
	s := newTestServer(t)
	device := token(t, "cam-3", auth.RoleDevice)

	w := s.do(t, http.MethodPost, "/v1/checkins/face", device, gin.H{
		"identity_token": "student-2",
		"image_url":      "https://img.example.com/a.jpg",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := s.queue.Consume(ctx)
	require.NoError(t, err)
	select {
	case msg := <-msgs:
		ev, err := queue.DecodeCheckIn(msg)
		require.NoError(t, err)
		assert.Equal(t, "student-2", ev.IdentityToken)
		assert.Equal(t, model.MethodFace, ev.Verification.Method)
		assert.Equal(t, "cam-3", ev.Verification.DeviceID)
	case <-ctx.Done():
		t.Fatal("no message queued")
	}

	w = s.do(t, http.MethodPost, "/v1/checkins/face", device, gin.H{"identity_token": "student-2", "image_url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSlotRoutes(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "admin", auth.RoleAdmin)

	w := s.do(t, http.MethodPost, "/v1/slots", admin, gin.H{"day_of_week": 1, "start_time": "07:00", "end_time": "07:50"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	slot := decode[model.Slot](t, w)

	w = s.do(t, http.MethodPost, "/v1/sessions", admin, sessionBody("2024-09-02"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodDelete, fmt.Sprintf("/v1/slots/%d", slot.SlotID), admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeSlotInUse, decode[errorDTO](t, w).Code)

	w = s.do(t, http.MethodDelete, fmt.Sprintf("/v1/slots/%d?force=true", slot.SlotID), admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/v1/slots?day=monday&include_inactive=true", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Slots []model.Slot `json:"slots"`
	}](t, w)
	require.Len(t, list.Slots, 1)
	assert.False(t, list.Slots[0].IsActive)
}

func TestClassDeletedRoute(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "admin", auth.RoleAdmin)

	w := s.do(t, http.MethodPost, "/v1/sessions", admin, sessionBody("2024-09-02"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, "/v1/cascades/class-deleted", admin, gin.H{"class_id": "5"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decode[model.CascadeRun](t, w)
	assert.Equal(t, model.CascadeCommitted, run.Status)
	assert.Equal(t, "admin", run.ActorID)

	w = s.do(t, http.MethodGet, "/v1/cascades/"+run.RunID, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/v1/cascades/missing", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   Code
	}{
		{model.MissingReference("class", "1"), http.StatusUnprocessableEntity, CodeReferenceNotFound},
		{fmt.Errorf("wrap: %w", model.ErrSlotInUse), http.StatusConflict, CodeSlotInUse},
		{model.ErrConcurrentModification, http.StatusConflict, CodeConcurrent},
		{fmt.Errorf("user x: %w", model.ErrIdentityNotFound), http.StatusNotFound, CodeIdentityNotFound},
		{errors.New("db down"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, ToHTTPStatus(tc.err), tc.err.Error())
		assert.Equal(t, tc.code, errorFromErr(tc.err).Code)
	}

	assert.Equal(t, "internal error", errorFromErr(errors.New("secret dsn")).Error)

	run := model.CascadeRun{RunID: "r1", Kind: cascade.KindClassDeleted, Status: model.CascadeFailed}
	dto := errorFromErr(&model.CascadeError{Run: run})
	assert.Equal(t, CodeCascadeIncomplete, dto.Code)
	require.NotNil(t, dto.Run)
	assert.Equal(t, "r1", dto.Run.RunID)
}
