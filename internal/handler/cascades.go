package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"schoolops/internal/model"
)

type classDeletedRequest struct {
	ClassID string `json:"class_id" binding:"required"`
}

type teacherSubjectsRequest struct {
	TeacherID string     `json:"teacher_id" binding:"required"`
	Before    []string   `json:"before" binding:"required"`
	After     []string   `json:"after"`
	AsOf      model.Date `json:"as_of"`
}

// POST /v1/cascades/class-deleted
func (h *Handler) ClassDeleted(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var req classDeletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	run, err := h.Cascades.ClassDeleted(c.Request.Context(), req.ClassID, actorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// POST /v1/cascades/teacher-subjects
func (h *Handler) TeacherSubjectsChanged(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var req teacherSubjectsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.Cascades.TeacherSubjectsChanged(c.Request.Context(), req.TeacherID, req.Before, req.After, req.AsOf, actorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /v1/cascades/:run_id
func (h *Handler) CascadeRun(c *gin.Context) {
	run, err := h.Cascades.Run(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
