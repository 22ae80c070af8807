package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"schoolops/internal/model"
)

// GET /v1/attendance/users/:user_id?from=&to=&subject_id=
func (h *Handler) UserAttendance(c *gin.Context) {
	from, ok := queryDate(c, "from")
	if !ok {
		return
	}
	to, ok := queryDate(c, "to")
	if !ok {
		return
	}
	res, err := h.Ledger.ByUser(c.Request.Context(), c.Param("user_id"), from, to, c.Query("subject_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /v1/attendance/classes/:class_id?date=
func (h *Handler) ClassAttendance(c *gin.Context) {
	date, ok := queryDate(c, "date")
	if !ok {
		return
	}
	if date.IsZero() {
		badRequest(c, "date is required")
		return
	}
	records, err := h.Ledger.ByClassDate(c.Request.Context(), c.Param("class_id"), date)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"class_id": c.Param("class_id"), "date": date, "records": records})
}

// GET /v1/attendance/unlinked?from=&to=
func (h *Handler) UnlinkedAttendance(c *gin.Context) {
	from, ok := queryDate(c, "from")
	if !ok {
		return
	}
	to, ok := queryDate(c, "to")
	if !ok {
		return
	}
	records, err := h.Ledger.Unlinked(c.Request.Context(), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []model.AttendanceRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// DELETE /v1/attendance/:id
func (h *Handler) DeleteAttendance(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	actorID, ok := actor(c)
	if !ok {
		return
	}
	if err := h.Ledger.Delete(c.Request.Context(), id, actorID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
