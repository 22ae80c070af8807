package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"schoolops/internal/directory"
	"schoolops/internal/lock"
	"schoolops/internal/metrics"
	"schoolops/internal/model"
	"schoolops/internal/store"
)

// ReconcilerConfig holds the matching policy.
type ReconcilerConfig struct {
	Location    *time.Location
	LateAfter   time.Duration
	DedupWindow time.Duration
}

// Reconciler resolves check-in events to the session a person is attending.
type Reconciler struct {
	store   store.Store
	dir     directory.Directory
	ledger  *Ledger
	locker  lock.Locker
	dedup   Deduper
	cfg     ReconcilerConfig
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewReconciler(st store.Store, dir directory.Directory, ledger *Ledger, locker lock.Locker, dedup Deduper,
	cfg ReconcilerConfig, m *metrics.Metrics, log *slog.Logger) *Reconciler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if dedup == nil {
		dedup = NewMemoryDeduper()
	}
	return &Reconciler{store: st, dir: dir, ledger: ledger, locker: locker, dedup: dedup, cfg: cfg, metrics: m, log: log}
}

// Outcome describes what one event did.
type Outcome struct {
	Record     model.AttendanceRecord `json:"record"`
	Matched    bool                   `json:"matched"`
	ScheduleID int64                  `json:"schedule_id,omitempty"`
	Ambiguous  bool                   `json:"ambiguous"`
	Candidates []int64                `json:"candidates,omitempty"`
	// Applied is false when a newer check-in was already stored.
	Applied   bool `json:"applied"`
	Duplicate bool `json:"duplicate"`
}

func (o Outcome) label() string {
	switch {
	case o.Duplicate:
		return "duplicate"
	case !o.Matched:
		return "unlinked"
	case !o.Applied:
		return "stale"
	default:
		return "matched"
	}
}

// Reconcile applies one check-in event. Events that match no session are
// stored as unlinked records rather than dropped.
func (r *Reconciler) Reconcile(ctx context.Context, ev model.CheckInEvent) (Outcome, error) {
	start := time.Now()
	defer func() { r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	if ev.IdentityToken == "" || ev.Timestamp.IsZero() {
		return Outcome{}, fmt.Errorf("%w: identity token and timestamp are required", model.ErrInvalidArgument)
	}
	if ev.Status != "" && ev.Status != model.StatusPresent && ev.Status != model.StatusLate {
		return Outcome{}, fmt.Errorf("%w: check-in status %q must be present or late", model.ErrInvalidArgument, ev.Status)
	}

	userID, err := r.dir.ResolveIdentity(ctx, ev.IdentityToken)
	if err != nil {
		r.metrics.CheckIns.WithLabelValues("rejected").Inc()
		return Outcome{}, err
	}
	profile, err := r.dir.Profile(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		r.metrics.CheckIns.WithLabelValues("rejected").Inc()
		return Outcome{}, fmt.Errorf("user %s: %w", userID, model.ErrIdentityNotFound)
	}
	if err != nil {
		return Outcome{}, err
	}

	local := ev.Timestamp.In(r.cfg.Location)
	q := store.MatchQuery{Date: model.DateOf(local), Clock: model.ClockOf(local)}
	switch profile.Role {
	case model.RoleStudent:
		q.ClassID = profile.ClassID
	case model.RoleTeacher:
		q.TeacherID = userID
	}

	var candidates []model.Session
	if q.ClassID != "" || q.TeacherID != "" {
		if candidates, err = r.candidates(ctx, q); err != nil {
			return Outcome{}, err
		}
	}

	target := "unlinked:" + q.Date.String()
	if len(candidates) > 0 {
		target = strconv.FormatInt(candidates[0].ScheduleID, 10)
	}
	key, dup := r.claim(ctx, userID, ev.Verification.DeviceID, target)
	if dup {
		r.metrics.CheckIns.WithLabelValues("duplicate").Inc()
		r.log.Debug("duplicate check-in suppressed", "user_id", userID, "device_id", ev.Verification.DeviceID, "target", target)
		return Outcome{Duplicate: true}, nil
	}

	out, err := r.apply(ctx, candidates, profile, ev, local, q.Date)
	if err != nil {
		r.release(ctx, key)
		return Outcome{}, err
	}

	r.metrics.CheckIns.WithLabelValues(out.label()).Inc()
	r.log.Info("check-in reconciled",
		"event_id", ev.EventID,
		"user_id", userID,
		"outcome", out.label(),
		"schedule_id", out.ScheduleID,
		"status", out.Record.Status)
	return out, nil
}

// claim marks a device tap for target. It returns the key to release if the
// write fails, and whether the tap was already seen inside the window.
func (r *Reconciler) claim(ctx context.Context, userID, deviceID, target string) (string, bool) {
	if deviceID == "" {
		return "", false
	}
	key := dedupKey(userID, deviceID, target)
	seen, err := r.dedup.Seen(ctx, key, r.cfg.DedupWindow)
	if err != nil {
		r.log.Warn("dedup unavailable", "error", err)
		return "", false
	}
	return key, seen
}

func (r *Reconciler) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := r.dedup.Forget(context.WithoutCancel(ctx), key); err != nil {
		r.log.Warn("dedup release failed", "key", key, "error", err)
	}
}

// apply writes the event onto the first candidate, falling back to an
// unlinked record when there is none or it vanished before the write.
func (r *Reconciler) apply(ctx context.Context, candidates []model.Session, profile model.Profile, ev model.CheckInEvent,
	local time.Time, date model.Date) (Outcome, error) {
	var out Outcome
	if len(candidates) > 1 {
		out.Ambiguous = true
		for _, s := range candidates {
			out.Candidates = append(out.Candidates, s.ScheduleID)
		}
		r.metrics.AmbiguousMatches.Inc()
		r.log.Warn("check-in matched several sessions; using earliest created",
			"user_id", profile.UserID, "candidates", out.Candidates, "chosen", candidates[0].ScheduleID)
	}
	if len(candidates) > 0 {
		matched, err := r.applyLinked(ctx, candidates[0], profile, ev, local, &out)
		if err != nil {
			return Outcome{}, err
		}
		if !matched {
			r.log.Info("matched session disappeared before write", "schedule_id", candidates[0].ScheduleID)
		}
	}
	if !out.Matched {
		rec, err := r.insertUnlinked(ctx, profile, ev, date, "")
		if err != nil {
			return Outcome{}, err
		}
		out.Record, out.Applied = rec, true
	}
	return out, nil
}

func (r *Reconciler) candidates(ctx context.Context, q store.MatchQuery) ([]model.Session, error) {
	var out []model.Session
	err := r.store.ReadOnly(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		out, err = tx.MatchSessions(ctx, q)
		return err
	})
	return out, err
}

func (r *Reconciler) statusFor(ev model.CheckInEvent, slot model.Slot, date model.Date, local time.Time) model.Status {
	if ev.Status != "" {
		return ev.Status
	}
	if local.After(slot.StartTime.On(date, r.cfg.Location).Add(r.cfg.LateAfter)) {
		return model.StatusLate
	}
	return model.StatusPresent
}

// applyLinked writes the event onto the session's record for this person.
// It reports false when the session was deleted after matching.
func (r *Reconciler) applyLinked(ctx context.Context, s model.Session, p model.Profile, ev model.CheckInEvent,
	local time.Time, out *Outcome) (bool, error) {
	unlock, err := r.locker.Lock(ctx, lock.ScheduleKey(s.ScheduleID))
	if err != nil {
		return false, err
	}
	defer unlock()

	ts := ev.Timestamp.UTC()
	err = r.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.ShareSession(ctx, s.ScheduleID)
		if err != nil {
			return err
		}
		slot, err := tx.GetSlot(ctx, cur.SlotID)
		if err != nil {
			return err
		}
		status := r.statusFor(ev, slot, cur.SessionDate, local)

		if _, err := tx.GetAttendance(ctx, cur.ScheduleID, p.UserID); errors.Is(err, model.ErrNotFound) {
			// enrolled after bootstrap
			names, err := r.ledger.namesFor(ctx, cur)
			if err != nil {
				return err
			}
			rec := snapshot(cur, names, p)
			rec.Status, rec.CheckIn, rec.Verification, rec.NeedsReview = status, &ts, ev.Verification, true
			created, err := tx.InsertAttendance(ctx, &rec)
			if err != nil {
				return err
			}
			if created {
				out.Record, out.Applied = rec, true
				return nil
			}
		} else if err != nil {
			return err
		}

		rec, applied, err := swap(ctx, tx, r.metrics, cur.ScheduleID, p.UserID, func(rec *model.AttendanceRecord) bool {
			if rec.CheckIn != nil && !ts.After(*rec.CheckIn) {
				return false
			}
			rec.Status, rec.CheckIn, rec.Verification = status, &ts, ev.Verification
			return true
		})
		if err != nil {
			return err
		}
		out.Record, out.Applied = rec, applied
		return nil
	})
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	out.Matched, out.ScheduleID = true, s.ScheduleID
	return true, nil
}

// Hold stores an event that could not be verified as an unlinked pending
// record so a reviewer can decide it. It never matches a session.
func (r *Reconciler) Hold(ctx context.Context, ev model.CheckInEvent) (model.AttendanceRecord, error) {
	if ev.IdentityToken == "" || ev.Timestamp.IsZero() {
		return model.AttendanceRecord{}, fmt.Errorf("%w: identity token and timestamp are required", model.ErrInvalidArgument)
	}
	userID, err := r.dir.ResolveIdentity(ctx, ev.IdentityToken)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	profile, err := r.dir.Profile(ctx, userID)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	rec, err := r.insertUnlinked(ctx, profile, ev, model.DateOf(ev.Timestamp.In(r.cfg.Location)), model.StatusPending)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	r.metrics.CheckIns.WithLabelValues("held").Inc()
	r.log.Warn("check-in held for review", "event_id", ev.EventID, "user_id", userID, "attendance_id", rec.AttendanceID)
	return rec, nil
}

func (r *Reconciler) insertUnlinked(ctx context.Context, p model.Profile, ev model.CheckInEvent, date model.Date,
	status model.Status) (model.AttendanceRecord, error) {
	ts := ev.Timestamp.UTC()
	if status == "" {
		status = ev.Status
	}
	if status == "" {
		status = model.StatusPresent
	}
	rec := model.AttendanceRecord{
		UserID:       p.UserID,
		UserRole:     p.Role,
		Status:       status,
		CheckIn:      &ts,
		Verification: ev.Verification,
		NeedsReview:  true,
		UserName:     p.DisplayName,
		SessionDate:  date,
	}
	err := r.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		created, err := tx.InsertAttendance(ctx, &rec)
		if err == nil && !created {
			err = fmt.Errorf("user %s on %s: %w", p.UserID, date, model.ErrDuplicateAttendance)
		}
		return err
	})
	if err != nil {
		return model.AttendanceRecord{}, fmt.Errorf("insert unlinked check-in: %w", err)
	}
	return rec, nil
}
