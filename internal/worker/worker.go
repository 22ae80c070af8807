// Package worker runs the face check-in pipeline: dequeue, verify, reconcile.
package worker

import (
	"context"
	"errors"
	"log/slog"

	"schoolops/internal/attendance"
	"schoolops/internal/directory"
	"schoolops/internal/faceclient"
	"schoolops/internal/metrics"
	"schoolops/internal/model"
	"schoolops/internal/queue"
)

// Verifier stamps face verification results onto an event.
type Verifier interface {
	Check(ctx context.Context, userID string, ev model.CheckInEvent) (model.CheckInEvent, error)
}

// Reconciler applies verified events and holds the ones that could not be
// verified.
type Reconciler interface {
	Reconcile(ctx context.Context, ev model.CheckInEvent) (attendance.Outcome, error)
	Hold(ctx context.Context, ev model.CheckInEvent) (model.AttendanceRecord, error)
}

// MaxAttempts bounds deliveries of one message before it is held for review.
const MaxAttempts = 3

type Worker struct {
	queue    queue.Queue
	ids      directory.IdentityResolver
	verifier Verifier
	rec      Reconciler
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func New(q queue.Queue, ids directory.IdentityResolver, v Verifier, rec Reconciler, m *metrics.Metrics, log *slog.Logger) *Worker {
	return &Worker{queue: q, ids: ids, verifier: v, rec: rec, metrics: m, log: log}
}

// Run processes messages until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		w.Process(ctx, msg)
	}
	return ctx.Err()
}

// Process handles one message. Rejected faces and unknown identities are
// dropped. Service and storage failures are requeued up to MaxAttempts, after
// which the event is held as an unverified record.
func (w *Worker) Process(ctx context.Context, msg queue.Message) {
	ev, err := queue.DecodeCheckIn(msg)
	if err != nil {
		w.log.Warn("skipping message", "type", msg.Type, "error", err)
		return
	}
	log := w.log.With("event_id", ev.EventID)

	userID, err := w.ids.ResolveIdentity(ctx, ev.IdentityToken)
	if err != nil {
		w.metrics.FaceVerifications.WithLabelValues("unknown_identity").Inc()
		log.Warn("face check-in for unknown identity", "error", err)
		return
	}

	ev, err = w.verifier.Check(ctx, userID, ev)
	switch {
	case errors.Is(err, faceclient.ErrRejected):
		w.metrics.FaceVerifications.WithLabelValues("rejected").Inc()
		log.Warn("face check-in rejected", "user_id", userID, "error", err)
		return
	case err != nil:
		w.metrics.FaceVerifications.WithLabelValues("error").Inc()
		log.Error("face verification failed", "user_id", userID, "error", err)
		w.retry(ctx, msg, ev, userID)
		return
	}
	w.metrics.FaceVerifications.WithLabelValues("verified").Inc()

	// user ids resolve to themselves
	ev.IdentityToken = userID
	out, err := w.rec.Reconcile(ctx, ev)
	if err != nil {
		log.Error("reconcile failed", "user_id", userID, "error", err)
		w.retry(ctx, msg, ev, userID)
		return
	}
	log.Info("face check-in processed",
		"user_id", userID,
		"matched", out.Matched,
		"schedule_id", out.ScheduleID,
		"applied", out.Applied,
		"duplicate", out.Duplicate)
}

func (w *Worker) retry(ctx context.Context, msg queue.Message, ev model.CheckInEvent, userID string) {
	log := w.log.With("event_id", ev.EventID, "user_id", userID)
	if msg.Attempts+1 < MaxAttempts {
		msg.Attempts++
		err := w.queue.Publish(ctx, msg)
		if err == nil {
			w.metrics.FaceVerifications.WithLabelValues("requeued").Inc()
			log.Warn("face check-in requeued", "attempt", msg.Attempts)
			return
		}
		log.Error("requeue failed", "error", err)
	}

	// the score came from a failed run
	ev.IdentityToken = userID
	ev.Verification.Method = model.MethodFace
	ev.Verification.Score = nil
	ev.Verification.AntiSpoofing = nil
	if _, err := w.rec.Hold(context.WithoutCancel(ctx), ev); err != nil {
		log.Error("face check-in lost", "attempts", msg.Attempts+1, "error", err)
		return
	}
	w.metrics.FaceVerifications.WithLabelValues("held").Inc()
}
