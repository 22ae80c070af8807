package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"schoolops/internal/model"
	"schoolops/internal/schedule"
	"schoolops/internal/store"
)

type createSlotRequest struct {
	DayOfWeek  model.Weekday `json:"day_of_week" binding:"required"`
	StartTime  string        `json:"start_time" binding:"required,clock"`
	EndTime    string        `json:"end_time" binding:"required,clock"`
	SlotNumber int           `json:"slot_number" binding:"gte=0"`
	SlotName   string        `json:"slot_name" binding:"max=100"`
}

type patchSlotRequest struct {
	DayOfWeek  *model.Weekday `json:"day_of_week"`
	StartTime  *string        `json:"start_time" binding:"omitempty,clock"`
	EndTime    *string        `json:"end_time" binding:"omitempty,clock"`
	SlotNumber *int           `json:"slot_number" binding:"omitempty,gte=0"`
	SlotName   *string        `json:"slot_name" binding:"omitempty,max=100"`
}

// mustClock parses a value that already passed the clock tag.
func mustClock(s string) model.ClockTime {
	c, _ := model.ParseClock(s)
	return c
}

func optClock(s *string) *model.ClockTime {
	if s == nil {
		return nil
	}
	c := mustClock(*s)
	return &c
}

// POST /v1/slots
func (h *Handler) CreateSlot(c *gin.Context) {
	var req createSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	key := model.SlotKey{Day: req.DayOfWeek, Start: mustClock(req.StartTime), End: mustClock(req.EndTime)}
	slot, err := h.Slots.FindOrCreate(c.Request.Context(), key, req.SlotNumber, req.SlotName)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

// GET /v1/slots?day=&include_inactive=
func (h *Handler) ListSlots(c *gin.Context) {
	f := store.SlotFilter{IncludeInactive: queryBool(c, "include_inactive")}
	if v := c.Query("day"); v != "" {
		day, err := model.ParseWeekday(v)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		f.Day = day
	}
	slots, err := h.Slots.List(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slots": slots})
}

// PATCH /v1/slots/:id
func (h *Handler) UpdateSlot(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req patchSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	slot, err := h.Slots.Update(c.Request.Context(), id, schedule.SlotPatch{
		DayOfWeek:  req.DayOfWeek,
		StartTime:  optClock(req.StartTime),
		EndTime:    optClock(req.EndTime),
		SlotNumber: req.SlotNumber,
		SlotName:   req.SlotName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

// DELETE /v1/slots/:id?force=
func (h *Handler) DeactivateSlot(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.Slots.Deactivate(c.Request.Context(), id, queryBool(c, "force")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
