package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"schoolops/internal/attendance"
	"schoolops/internal/model"
	"schoolops/internal/schedule"
)

// sessionFields is shared by create, bulk and generate requests. Either
// slot_id or the day/start/end triple selects the slot.
type sessionFields struct {
	SemesterID  string        `json:"semester_id"`
	ClassID     string        `json:"class_id" binding:"required"`
	SubjectID   string        `json:"subject_id" binding:"required"`
	TeacherID   string        `json:"teacher_id" binding:"required"`
	ClassroomID string        `json:"classroom_id" binding:"required"`
	SlotID      int64         `json:"slot_id" binding:"gte=0"`
	DayOfWeek   model.Weekday `json:"day_of_week"`
	StartTime   string        `json:"start_time" binding:"omitempty,clock"`
	EndTime     string        `json:"end_time" binding:"omitempty,clock"`
	SlotNumber  int           `json:"slot_number" binding:"gte=0"`
	SlotName    string        `json:"slot_name" binding:"max=100"`
	Topic       string        `json:"topic" binding:"max=500"`
}

func (f sessionFields) toRequest() (schedule.CreateRequest, error) {
	req := schedule.CreateRequest{
		SemesterID:  f.SemesterID,
		ClassID:     f.ClassID,
		SubjectID:   f.SubjectID,
		TeacherID:   f.TeacherID,
		ClassroomID: f.ClassroomID,
		SlotID:      f.SlotID,
		DayOfWeek:   f.DayOfWeek,
		SlotNumber:  f.SlotNumber,
		SlotName:    f.SlotName,
		Topic:       f.Topic,
	}
	if f.SlotID == 0 {
		if !f.DayOfWeek.Valid() || f.StartTime == "" || f.EndTime == "" {
			return req, fmt.Errorf("%w: day_of_week, start_time and end_time are required without slot_id", model.ErrInvalidArgument)
		}
		req.StartTime, req.EndTime = mustClock(f.StartTime), mustClock(f.EndTime)
	}
	return req, nil
}

type createSessionRequest struct {
	sessionFields
	SessionDate model.Date `json:"session_date"`
}

func (r createSessionRequest) toRequest() (schedule.CreateRequest, error) {
	req, err := r.sessionFields.toRequest()
	req.SessionDate = r.SessionDate
	return req, err
}

type bulkSessionsRequest struct {
	Sessions []createSessionRequest `json:"sessions" binding:"required,min=1,max=200,dive"`
}

type generateSessionsRequest struct {
	sessionFields
	From model.Date `json:"from"`
	To   model.Date `json:"to"`
}

type patchSessionRequest struct {
	SemesterID  *string        `json:"semester_id"`
	ClassID     *string        `json:"class_id"`
	SubjectID   *string        `json:"subject_id"`
	TeacherID   *string        `json:"teacher_id"`
	ClassroomID *string        `json:"classroom_id"`
	SlotID      *int64         `json:"slot_id" binding:"omitempty,gt=0"`
	DayOfWeek   *model.Weekday `json:"day_of_week"`
	StartTime   *string        `json:"start_time" binding:"omitempty,clock"`
	EndTime     *string        `json:"end_time" binding:"omitempty,clock"`
	SessionDate *model.Date    `json:"session_date"`
	Topic       *string        `json:"topic" binding:"omitempty,max=500"`
	IsActive    *bool          `json:"is_active"`
}

type rollCallRequest struct {
	Entries []attendance.RollCallEntry `json:"entries" binding:"required,min=1"`
}

// POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	create, err := req.toRequest()
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.Generator.Create(c.Request.Context(), create)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// POST /v1/sessions/bulk
func (h *Handler) CreateSessions(c *gin.Context) {
	var req bulkSessionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	reqs := make([]schedule.CreateRequest, 0, len(req.Sessions))
	for i, s := range req.Sessions {
		create, err := s.toRequest()
		if err != nil {
			h.fail(c, fmt.Errorf("sessions[%d]: %w", i, err))
			return
		}
		reqs = append(reqs, create)
	}
	items := h.Generator.CreateBulk(c.Request.Context(), reqs)
	c.JSON(http.StatusOK, gin.H{"items": items, "failed": countFailed(items)})
}

// POST /v1/sessions/generate
func (h *Handler) GenerateSessions(c *gin.Context) {
	var req generateSessionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	create, err := req.toRequest()
	if err != nil {
		h.fail(c, err)
		return
	}
	items, err := h.Generator.GenerateRange(c.Request.Context(), create, req.From, req.To)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "failed": countFailed(items)})
}

func countFailed(items []schedule.BulkItem) int {
	n := 0
	for _, it := range items {
		if it.Err() != nil {
			n++
		}
	}
	return n
}

// PATCH /v1/sessions/:id
func (h *Handler) UpdateSession(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req patchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	s, err := h.Generator.Update(c.Request.Context(), id, schedule.SessionPatch{
		SemesterID:  req.SemesterID,
		ClassID:     req.ClassID,
		SubjectID:   req.SubjectID,
		TeacherID:   req.TeacherID,
		ClassroomID: req.ClassroomID,
		SlotID:      req.SlotID,
		DayOfWeek:   req.DayOfWeek,
		StartTime:   optClock(req.StartTime),
		EndTime:     optClock(req.EndTime),
		SessionDate: req.SessionDate,
		Topic:       req.Topic,
		IsActive:    req.IsActive,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// DELETE /v1/sessions/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	res, err := h.Generator.Delete(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /v1/sessions/:id/bootstrap
func (h *Handler) Rebootstrap(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	report, err := h.Generator.Rebootstrap(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// POST /v1/sessions/:id/rollcall
func (h *Handler) RollCall(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var req rollCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	report, err := h.Ledger.RecordRollCall(c.Request.Context(), id, actorID, req.Entries)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GET /v1/sessions/:id/attendance
func (h *Handler) SessionAttendance(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	records, err := h.Ledger.BySchedule(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule_id": id, "records": records})
}
