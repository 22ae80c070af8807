// Package handler exposes the schedule and attendance engine over HTTP.
package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"schoolops/internal/attendance"
	"schoolops/internal/auth"
	"schoolops/internal/cascade"
	"schoolops/internal/model"
	"schoolops/internal/queue"
	"schoolops/internal/schedule"
)

// Handler holds the services behind the routes.
type Handler struct {
	Slots      *schedule.SlotCatalog
	Generator  *schedule.Generator
	Query      *schedule.Query
	Ledger     *attendance.Ledger
	Reconciler *attendance.Reconciler
	Cascades   *cascade.Manager
	Queue      queue.Queue
	Log        *slog.Logger
}

// Auth configures token checks for the route groups.
type Auth struct {
	SigningKey string
	Issuer     string
	// Limiter runs after authentication so it can key on the token subject.
	Limiter gin.HandlerFunc
}

// RegisterRoutes mounts every /v1 route on r.
func RegisterRoutes(r gin.IRouter, h *Handler, a Auth) {
	chain := []gin.HandlerFunc{auth.Authenticate(a.SigningKey, a.Issuer)}
	if a.Limiter != nil {
		chain = append(chain, a.Limiter)
	}
	v1 := r.Group("/v1", chain...)

	staff := v1.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleTeacher))
	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	device := v1.Group("", auth.RequireRole(auth.RoleDevice, auth.RoleAdmin))

	staff.GET("/slots", h.ListSlots)
	admin.POST("/slots", h.CreateSlot)
	admin.PATCH("/slots/:id", h.UpdateSlot)
	admin.DELETE("/slots/:id", h.DeactivateSlot)

	admin.POST("/sessions", h.CreateSession)
	admin.POST("/sessions/bulk", h.CreateSessions)
	admin.POST("/sessions/generate", h.GenerateSessions)
	admin.PATCH("/sessions/:id", h.UpdateSession)
	admin.DELETE("/sessions/:id", h.DeleteSession)
	admin.POST("/sessions/:id/bootstrap", h.Rebootstrap)
	staff.POST("/sessions/:id/rollcall", h.RollCall)
	staff.GET("/sessions/:id/attendance", h.SessionAttendance)

	staff.GET("/attendance/users/:user_id", h.UserAttendance)
	staff.GET("/attendance/classes/:class_id", h.ClassAttendance)
	staff.GET("/attendance/unlinked", h.UnlinkedAttendance)
	admin.DELETE("/attendance/:id", h.DeleteAttendance)

	staff.GET("/schedule/weekly", h.WeeklySchedule)
	staff.GET("/schedule/daily", h.DailySchedule)
	staff.GET("/schedule/semester", h.SemesterSchedule)

	admin.POST("/cascades/class-deleted", h.ClassDeleted)
	admin.POST("/cascades/teacher-subjects", h.TeacherSubjectsChanged)
	admin.GET("/cascades/:run_id", h.CascadeRun)

	device.POST("/checkins", h.CheckIn)
	device.POST("/checkins/face", h.FaceCheckIn)
}

// fail writes the mapped error response, logging anything unexpected.
func (h *Handler) fail(c *gin.Context, err error) {
	status := ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Log.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, errorFromErr(err))
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, msg))
}

func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// queryDate parses an optional YYYY-MM-DD query value.
func queryDate(c *gin.Context, name string) (model.Date, bool) {
	v := c.Query(name)
	if v == "" {
		return model.Date{}, true
	}
	d, err := model.ParseDate(v)
	if err != nil {
		badRequest(c, err.Error())
		return model.Date{}, false
	}
	return d, true
}

func queryBool(c *gin.Context, name string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(c.Query(name)))
	return b
}

// actor returns the token subject. Routes are authenticated, so an empty
// subject only happens when the middleware is bypassed.
func actor(c *gin.Context) (string, bool) {
	id := auth.ActorID(c)
	if id == "" {
		c.JSON(http.StatusUnauthorized, errorBody(CodeUnauthorized, "caller identity required"))
		return "", false
	}
	return id, true
}
