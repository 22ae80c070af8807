package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolops/internal/attendance"
	"schoolops/internal/directory"
	"schoolops/internal/faceclient"
	"schoolops/internal/metrics"
	"schoolops/internal/model"
	"schoolops/internal/queue"
)

type stubVerifier struct {
	err error
}

func (s stubVerifier) Check(_ context.Context, _ string, ev model.CheckInEvent) (model.CheckInEvent, error) {
	ev.Verification.Method = model.MethodFace
	return ev, s.err
}

type recordingReconciler struct {
	mu     sync.Mutex
	err    error
	events []model.CheckInEvent
	held   []model.CheckInEvent
}

func (r *recordingReconciler) Reconcile(_ context.Context, ev model.CheckInEvent) (attendance.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return attendance.Outcome{}, r.err
	}
	r.events = append(r.events, ev)
	return attendance.Outcome{Matched: true, Applied: true}, nil
}

func (r *recordingReconciler) Hold(_ context.Context, ev model.CheckInEvent) (model.AttendanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held = append(r.held, ev)
	return model.AttendanceRecord{UserID: ev.IdentityToken, Status: model.StatusPending, NeedsReview: true}, nil
}

func (r *recordingReconciler) heldEvents() []model.CheckInEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.CheckInEvent(nil), r.held...)
}

func (r *recordingReconciler) seen() []model.CheckInEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.CheckInEvent(nil), r.events...)
}

func newWorker(t *testing.T, verifyErr error) (*Worker, *recordingReconciler, *metrics.Metrics, *queue.InMemory) {
	t.Helper()
	dir := directory.NewMemory()
	dir.PutUser(model.Profile{UserID: "student-2", Role: model.RoleStudent, ClassID: "5"})
	dir.PutCard("CARD-2", "student-2")
	rec := &recordingReconciler{}
	m := metrics.Discard()
	q := queue.NewInMemory(4)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(q, dir, stubVerifier{err: verifyErr}, rec, m, log), rec, m, q
}

func message(t *testing.T, token string) queue.Message {
	t.Helper()
	msg, err := queue.EncodeCheckIn(model.CheckInEvent{
		EventID:       "ev-" + token,
		IdentityToken: token,
		Timestamp:     time.Date(2024, 9, 2, 7, 5, 0, 0, time.UTC),
		ImageURL:      "https://img.example.com/a.jpg",
	})
	require.NoError(t, err)
	return msg
}

func TestProcessVerifiedEvent(t *testing.T) {
	w, rec, m, _ := newWorker(t, nil)
	w.Process(context.Background(), message(t, "CARD-2"))

	events := rec.seen()
	require.Len(t, events, 1)
	assert.Equal(t, "student-2", events[0].IdentityToken)
	assert.Equal(t, model.MethodFace, events[0].Verification.Method)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FaceVerifications.WithLabelValues("verified")))
}

func TestProcessRejectedEvent(t *testing.T) {
	w, rec, m, _ := newWorker(t, fmt.Errorf("%w: similarity 0.30", faceclient.ErrRejected))
	w.Process(context.Background(), message(t, "CARD-2"))

	assert.Empty(t, rec.seen())
	assert.Empty(t, rec.heldEvents())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FaceVerifications.WithLabelValues("rejected")))
}

func consume(t *testing.T, q *queue.InMemory) <-chan queue.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	return msgs
}

// next reads one message published back onto the queue.
func next(t *testing.T, msgs <-chan queue.Message) queue.Message {
	t.Helper()
	select {
	case msg := <-msgs:
		return msg
	case <-time.After(time.Second):
		t.Fatal("nothing was requeued")
		return queue.Message{}
	}
}

func TestProcessVerifierFailureRequeuesThenHolds(t *testing.T) {
	w, rec, m, q := newWorker(t, errors.New("face service down"))
	ctx := context.Background()
	requeued := consume(t, q)

	msg := message(t, "CARD-2")
	for attempt := 1; attempt < MaxAttempts; attempt++ {
		w.Process(ctx, msg)
		msg = next(t, requeued)
		assert.Equal(t, attempt, msg.Attempts)
	}
	assert.Empty(t, rec.heldEvents())

	w.Process(ctx, msg)
	held := rec.heldEvents()
	require.Len(t, held, 1)
	assert.Equal(t, "student-2", held[0].IdentityToken)
	assert.Equal(t, model.MethodFace, held[0].Verification.Method)
	assert.Nil(t, held[0].Verification.Score)
	assert.Empty(t, rec.seen())

	assert.Equal(t, float64(MaxAttempts), testutil.ToFloat64(m.FaceVerifications.WithLabelValues("error")))
	assert.Equal(t, float64(MaxAttempts-1), testutil.ToFloat64(m.FaceVerifications.WithLabelValues("requeued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FaceVerifications.WithLabelValues("held")))
}

func TestProcessReconcileFailureRequeues(t *testing.T) {
	w, rec, _, q := newWorker(t, nil)
	rec.err = errors.New("store unavailable")
	requeued := consume(t, q)

	w.Process(context.Background(), message(t, "CARD-2"))
	msg := next(t, requeued)
	assert.Equal(t, 1, msg.Attempts)

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	w.Process(context.Background(), msg)
	require.Len(t, rec.seen(), 1)
	assert.Empty(t, rec.heldEvents())
}

func TestProcessUnknownIdentityAndBadMessage(t *testing.T) {
	w, rec, m, _ := newWorker(t, nil)
	w.Process(context.Background(), message(t, "CARD-404"))
	w.Process(context.Background(), queue.Message{Type: "other"})

	assert.Empty(t, rec.seen())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FaceVerifications.WithLabelValues("unknown_identity")))
}

func TestRunDrainsQueue(t *testing.T) {
	w, rec, _, q := newWorker(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, message(t, "CARD-2")))
	require.NoError(t, q.Publish(ctx, message(t, "student-2")))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(rec.seen()) == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
