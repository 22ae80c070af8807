package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"schoolops/internal/auth"
	"schoolops/internal/model"
	"schoolops/internal/queue"
)

type checkInRequest struct {
	IdentityToken string       `json:"identity_token" binding:"required"`
	Timestamp     *time.Time   `json:"timestamp"`
	Status        model.Status `json:"status" binding:"omitempty,oneof=present late"`
	Method        model.Method `json:"method" binding:"omitempty,oneof=rfid face manual"`
	Score         *float64     `json:"score" binding:"omitempty,gte=0,lte=1"`
	AntiSpoofing  *bool        `json:"anti_spoofing"`
	DeviceID      string       `json:"device_id"`
	Location      string       `json:"location" binding:"max=200"`
}

type faceCheckInRequest struct {
	IdentityToken string     `json:"identity_token" binding:"required"`
	Timestamp     *time.Time `json:"timestamp"`
	ImageURL      string     `json:"image_url" binding:"required,url"`
	DeviceID      string     `json:"device_id"`
	Location      string     `json:"location" binding:"max=200"`
}

// deviceFor binds device tokens to their own id; admins may name any device.
func deviceFor(c *gin.Context, requested string) (string, bool) {
	claims, _ := auth.FromContext(c)
	if claims.Role != auth.RoleDevice {
		return requested, true
	}
	if requested != "" && requested != claims.Subject {
		c.JSON(http.StatusForbidden, errorBody(CodeForbidden, "device mismatch"))
		return "", false
	}
	return claims.Subject, true
}

func eventTime(ts *time.Time) time.Time {
	if ts == nil || ts.IsZero() {
		return time.Now().UTC()
	}
	return *ts
}

// POST /v1/checkins
func (h *Handler) CheckIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	deviceID, ok := deviceFor(c, req.DeviceID)
	if !ok {
		return
	}
	method := req.Method
	if method == "" {
		method = model.MethodRFID
	}
	ev := model.CheckInEvent{
		EventID:       uuid.NewString(),
		IdentityToken: req.IdentityToken,
		Timestamp:     eventTime(req.Timestamp),
		Status:        req.Status,
		Verification: model.Verification{
			Method:       method,
			Score:        req.Score,
			AntiSpoofing: req.AntiSpoofing,
			DeviceID:     deviceID,
			Location:     req.Location,
		},
	}
	out, err := h.Reconciler.Reconcile(c.Request.Context(), ev)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": ev.EventID, "outcome": out})
}

// POST /v1/checkins/face queues the event for the face worker.
func (h *Handler) FaceCheckIn(c *gin.Context) {
	var req faceCheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	deviceID, ok := deviceFor(c, req.DeviceID)
	if !ok {
		return
	}
	ev := model.CheckInEvent{
		EventID:       uuid.NewString(),
		IdentityToken: req.IdentityToken,
		Timestamp:     eventTime(req.Timestamp),
		ImageURL:      req.ImageURL,
		Verification: model.Verification{
			Method:   model.MethodFace,
			DeviceID: deviceID,
			Location: req.Location,
		},
	}
	msg, err := queue.EncodeCheckIn(ev)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Queue.Publish(c.Request.Context(), msg); err != nil {
		h.Log.ErrorContext(c.Request.Context(), "queue publish failed", "event_id", ev.EventID, "error", err)
		c.JSON(http.StatusServiceUnavailable, errorBody(CodeInternal, "check-in queue unavailable"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": ev.EventID, "timestamp": ev.Timestamp})
}
