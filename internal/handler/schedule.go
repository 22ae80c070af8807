package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"schoolops/internal/schedule"
)

func viewFilter(c *gin.Context) schedule.ViewFilter {
	return schedule.ViewFilter{
		ClassID:     c.Query("class_id"),
		TeacherID:   c.Query("teacher_id"),
		ClassroomID: c.Query("classroom_id"),
	}
}

func (h *Handler) writeViews(c *gin.Context, views []schedule.SessionView, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	if views == nil {
		views = []schedule.SessionView{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// GET /v1/schedule/weekly?date=
func (h *Handler) WeeklySchedule(c *gin.Context) {
	date, ok := queryDate(c, "date")
	if !ok {
		return
	}
	views, err := h.Query.Weekly(c.Request.Context(), viewFilter(c), date)
	h.writeViews(c, views, err)
}

// GET /v1/schedule/daily?date=
func (h *Handler) DailySchedule(c *gin.Context) {
	date, ok := queryDate(c, "date")
	if !ok {
		return
	}
	views, err := h.Query.Daily(c.Request.Context(), viewFilter(c), date)
	h.writeViews(c, views, err)
}

// GET /v1/schedule/semester?semester_id=
func (h *Handler) SemesterSchedule(c *gin.Context) {
	views, err := h.Query.Semester(c.Request.Context(), c.Query("semester_id"), viewFilter(c))
	h.writeViews(c, views, err)
}
