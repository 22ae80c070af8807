package schedule

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"schoolops/internal/model"
	"schoolops/internal/store"
)

// SlotCatalog owns the weekly time slots.
type SlotCatalog struct {
	store store.Store
	group singleflight.Group
	log   *slog.Logger
}

func NewSlotCatalog(st store.Store, log *slog.Logger) *SlotCatalog {
	return &SlotCatalog{store: st, log: log}
}

// SlotPatch holds optional slot edits.
type SlotPatch struct {
	DayOfWeek  *model.Weekday
	StartTime  *model.ClockTime
	EndTime    *model.ClockTime
	SlotNumber *int
	SlotName   *string
}

func validateKey(k model.SlotKey) error {
	if !k.Day.Valid() {
		return fmt.Errorf("%w: day of week is required", model.ErrInvalidArgument)
	}
	if !k.Start.Valid() || !k.End.Valid() {
		return fmt.Errorf("%w: slot times must be within the day", model.ErrInvalidArgument)
	}
	if k.Start >= k.End {
		return fmt.Errorf("%w: slot start %s must be before end %s", model.ErrInvalidArgument, k.Start, k.End)
	}
	return nil
}

// FindOrCreate returns the active slot for the triple, creating it when
// missing. A hint <= 0 takes the next number for that day.
func (c *SlotCatalog) FindOrCreate(ctx context.Context, key model.SlotKey, numberHint int, name string) (model.Slot, error) {
	if err := validateKey(key); err != nil {
		return model.Slot{}, err
	}
	v, err, shared := c.group.Do(key.String(), func() (any, error) {
		var slot model.Slot
		err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			existing, ok, err := tx.FindSlot(ctx, key)
			if err != nil || ok {
				slot = existing
				return err
			}
			number := numberHint
			if number <= 0 {
				if number, err = tx.NextSlotNumber(ctx, key.Day); err != nil {
					return err
				}
			}
			if name == "" {
				name = fmt.Sprintf("%s period %d", key.Day, number)
			}
			var created bool
			slot, created, err = tx.InsertSlot(ctx, model.Slot{
				DayOfWeek:  key.Day,
				StartTime:  key.Start,
				EndTime:    key.End,
				SlotNumber: number,
				SlotName:   name,
			})
			if err == nil && created {
				c.log.Info("slot created", "slot_id", slot.SlotID, "slot", key.String())
			}
			return err
		})
		return slot, err
	})
	if err != nil {
		return model.Slot{}, err
	}
	if shared {
		c.log.Debug("slot lookup shared", "slot", key.String())
	}
	return v.(model.Slot), nil
}

func (c *SlotCatalog) Get(ctx context.Context, slotID int64) (model.Slot, error) {
	var slot model.Slot
	err := c.store.ReadOnly(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		slot, err = tx.GetSlot(ctx, slotID)
		return err
	})
	return slot, err
}

// ListByDay returns one day's slots ordered by slot number.
func (c *SlotCatalog) ListByDay(ctx context.Context, day model.Weekday, includeInactive bool) ([]model.Slot, error) {
	if !day.Valid() {
		return nil, fmt.Errorf("%w: day of week is required", model.ErrInvalidArgument)
	}
	return c.List(ctx, store.SlotFilter{Day: day, IncludeInactive: includeInactive})
}

func (c *SlotCatalog) List(ctx context.Context, f store.SlotFilter) ([]model.Slot, error) {
	var slots []model.Slot
	err := c.store.ReadOnly(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		slots, err = tx.ListSlots(ctx, f)
		return err
	})
	return slots, err
}

// Update edits a slot. Moving an in-use slot to another weekday is refused
// because its sessions' dates would no longer fall on it.
func (c *SlotCatalog) Update(ctx context.Context, slotID int64, p SlotPatch) (model.Slot, error) {
	var slot model.Slot
	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetSlot(ctx, slotID)
		if err != nil {
			return err
		}
		next := cur
		if p.DayOfWeek != nil {
			next.DayOfWeek = *p.DayOfWeek
		}
		if p.StartTime != nil {
			next.StartTime = *p.StartTime
		}
		if p.EndTime != nil {
			next.EndTime = *p.EndTime
		}
		if p.SlotNumber != nil {
			next.SlotNumber = *p.SlotNumber
		}
		if p.SlotName != nil {
			next.SlotName = *p.SlotName
		}
		if err := validateKey(next.Key()); err != nil {
			return err
		}
		if next.DayOfWeek != cur.DayOfWeek {
			n, err := tx.CountActiveSessionsForSlot(ctx, slotID)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("slot %d has %d active sessions on %s: %w", slotID, n, cur.DayOfWeek, model.ErrSlotInUse)
			}
		}
		if err := tx.UpdateSlot(ctx, next); err != nil {
			return err
		}
		slot = next
		return nil
	})
	return slot, err
}

// Deactivate soft-deletes a slot. With force, sessions keep pointing at the
// inactive slot for historical display.
func (c *SlotCatalog) Deactivate(ctx context.Context, slotID int64, force bool) error {
	return c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		slot, err := tx.GetSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if !slot.IsActive {
			return nil
		}
		n, err := tx.CountActiveSessionsForSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if n > 0 && !force {
			return fmt.Errorf("slot %d referenced by %d active sessions: %w", slotID, n, model.ErrSlotInUse)
		}
		if n > 0 {
			c.log.Warn("slot force-deactivated while in use", "slot_id", slotID, "sessions", n)
		}
		slot.IsActive = false
		return tx.UpdateSlot(ctx, slot)
	})
}
