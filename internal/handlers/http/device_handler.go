package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
	"mediagate/pkg/errors"
)

// DeviceHandler exposes the coordinator's control surface over HTTP.
// Stream generation itself lives on the signal connection; this API
// covers access checks, inspection, and teardown.
type DeviceHandler struct {
	coordinator ports.Coordinator
	log         *zap.Logger
}

func NewDeviceHandler(coordinator ports.Coordinator, log *zap.Logger) *DeviceHandler {
	return &DeviceHandler{coordinator: coordinator, log: log}
}

// SetupRoutes registers the control API under /api/v1.
func (h *DeviceHandler) SetupRoutes(router *gin.RouterGroup) {
	router.POST("/access-requests", h.MakeAccessRequest)
	router.GET("/requests/count", h.CountRequests)
	router.GET("/requests/:label/devices", h.GetOpenedDevices)
	router.DELETE("/requests/:label", h.CancelRequest)
	router.DELETE("/processes/:pid/requests", h.CancelProcessRequests)
	router.POST("/devices/stop", h.StopDevice)
	router.POST("/monitoring/start", h.StartMonitoring)
}

type accessRequestBody struct {
	RenderProcessID int    `json:"render_process_id"`
	RenderViewID    int    `json:"render_view_id"`
	PageRequestID   int    `json:"page_request_id"`
	AudioType       string `json:"audio_type"`
	VideoType       string `json:"video_type"`
	SecurityOrigin  string `json:"security_origin" binding:"required"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
}

type accessRequestResponse struct {
	Label   string                     `json:"label"`
	Granted bool                       `json:"granted"`
	Devices []domain.MediaStreamDevice `json:"devices"`
}

// MakeAccessRequest runs a device-access check and blocks until the
// permission oracle answers or the timeout fires.
func (h *DeviceHandler) MakeAccessRequest(c *gin.Context) {
	var body accessRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errors.NewInvalidInput("invalid request body", err))
		return
	}

	timeout := 30 * time.Second
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}

	type outcome struct {
		devices []domain.MediaStreamDevice
	}
	done := make(chan outcome, 1)

	label := h.coordinator.MakeAccessRequest(
		body.RenderProcessID, body.RenderViewID, body.PageRequestID,
		domain.StreamOptions{
			AudioType: parseStreamType(body.AudioType),
			VideoType: parseStreamType(body.VideoType),
		},
		body.SecurityOrigin,
		func(devices []domain.MediaStreamDevice, ui ports.UIProxy) {
			done <- outcome{devices: devices}
		},
	)

	select {
	case out := <-done:
		c.JSON(http.StatusOK, accessRequestResponse{
			Label:   label,
			Granted: len(out.devices) > 0,
			Devices: out.devices,
		})
	case <-time.After(timeout):
		h.coordinator.CancelRequest(label)
		c.Error(errors.NewInternal("access request timed out", nil))
	case <-c.Request.Context().Done():
		h.coordinator.CancelRequest(label)
	}
}

// GetOpenedDevices returns the devices a request has opened so far.
func (h *DeviceHandler) GetOpenedDevices(c *gin.Context) {
	label := c.Param("label")
	devices, err := h.coordinator.DevicesOpenedByRequest(label)
	if err != nil {
		c.Error(errors.NewNotFound("request not found: " + label))
		return
	}
	if devices == nil {
		devices = []domain.StreamDeviceInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"label": label, "devices": devices})
}

// CancelRequest tears down one request by label.
func (h *DeviceHandler) CancelRequest(c *gin.Context) {
	label := c.Param("label")
	h.coordinator.CancelRequest(label)
	h.log.Info("request cancelled via api", zap.String("label", label))
	c.JSON(http.StatusOK, gin.H{"label": label, "cancelled": true})
}

// CancelProcessRequests tears down every request a render process owns.
func (h *DeviceHandler) CancelProcessRequests(c *gin.Context) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil {
		c.Error(errors.NewInvalidInput("invalid process id", err))
		return
	}
	h.coordinator.CancelAllRequests(pid)
	c.JSON(http.StatusOK, gin.H{"render_process_id": pid, "cancelled": true})
}

type stopDeviceBody struct {
	RenderProcessID int    `json:"render_process_id"`
	RenderViewID    int    `json:"render_view_id"`
	DeviceID        string `json:"device_id" binding:"required"`
}

// StopDevice stops one device for a given view, the same teardown the
// in-page stop button triggers.
func (h *DeviceHandler) StopDevice(c *gin.Context) {
	var body stopDeviceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errors.NewInvalidInput("invalid request body", err))
		return
	}
	h.coordinator.StopStreamDevice(body.RenderProcessID, body.RenderViewID, body.DeviceID)
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// CountRequests reports how many requests are currently tracked.
func (h *DeviceHandler) CountRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.coordinator.NumRequests()})
}

// StartMonitoring kicks off hot-plug monitoring if it is not running.
func (h *DeviceHandler) StartMonitoring(c *gin.Context) {
	h.coordinator.EnsureDeviceMonitorStarted()
	c.JSON(http.StatusAccepted, gin.H{"monitoring": true})
}

func parseStreamType(s string) domain.MediaStreamType {
	switch s {
	case "audio_capture":
		return domain.MediaDeviceAudioCapture
	case "video_capture":
		return domain.MediaDeviceVideoCapture
	case "tab_audio_capture":
		return domain.MediaTabAudioCapture
	case "tab_video_capture":
		return domain.MediaTabVideoCapture
	case "desktop_video_capture":
		return domain.MediaDesktopVideoCapture
	case "loopback_audio_capture":
		return domain.MediaLoopbackAudioCapture
	}
	return domain.MediaNoService
}
