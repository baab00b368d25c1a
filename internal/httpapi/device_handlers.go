package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remoteeye/relay/internal/auth"
	"github.com/remoteeye/relay/internal/store"
)

// deviceView is the outward device shape; the secret hash never leaves the
// store layer.
type deviceView struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Status        string         `json:"status"`
	Online        bool           `json:"online"`
	LastSeen      *time.Time     `json:"lastSeen,omitempty"`
	DeviceInfo    map[string]any `json:"deviceInfo,omitempty"`
	CurrentStatus map[string]any `json:"currentStatus,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

func (s *Server) deviceView(d store.Device) deviceView {
	v := deviceView{
		ID:            d.ID,
		Name:          d.Name,
		Status:        string(d.Status),
		Online:        s.registry.IsDeviceOnline(d.ID),
		DeviceInfo:    d.DeviceInfo,
		CurrentStatus: d.CurrentStatus,
		Settings:      d.Settings,
		CreatedAt:     d.CreatedAt,
	}
	if !d.LastSeen.IsZero() {
		lastSeen := d.LastSeen
		v.LastSeen = &lastSeen
	}
	return v
}

func (s *Server) handleListDevices(c *gin.Context) {
	deviceID, ok := s.deviceForSubject(c)
	if !ok {
		c.JSON(http.StatusForbidden, errorJSON("PERMISSION_DENIED", "not allowed"))
		return
	}
	dev, err := s.store.Device(c.Request.Context(), deviceID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": []deviceView{s.deviceView(dev)}})
}

func (s *Server) handleGetDevice(c *gin.Context) {
	id := c.Param("id")
	if !s.authorizeDevice(c, id) {
		return
	}
	dev, err := s.store.Device(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deviceView(dev))
}

type updateDeviceRequest struct {
	Name      string         `json:"name"`
	Settings  map[string]any `json:"settings"`
	PushToken string         `json:"pushToken"`
}

func (s *Server) handleUpdateDevice(c *gin.Context) {
	id := c.Param("id")
	if !s.authorizeDevice(c, id) {
		return
	}

	var req updateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorJSON("INVALID_REQUEST", err.Error()))
		return
	}

	ctx := c.Request.Context()

	// Only the device itself may rotate its push token.
	if req.PushToken != "" {
		if _, typ := subject(c); typ != auth.SubjectDevice {
			c.JSON(http.StatusForbidden, errorJSON("PERMISSION_DENIED", "push token is device-owned"))
			return
		}
		if err := s.store.SetDevicePushToken(ctx, id, req.PushToken); err != nil {
			s.fail(c, err)
			return
		}
	}

	dev, err := s.store.UpdateDeviceProfile(ctx, id, req.Name, req.Settings)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deviceView(dev))
}

// handleDeleteDevice unpairs a device: its live session is dropped before
// the record goes away.
func (s *Server) handleDeleteDevice(c *gin.Context) {
	id := c.Param("id")
	if !s.authorizeDevice(c, id) {
		return
	}

	ctx := c.Request.Context()
	s.registry.DropDevice(ctx, id)
	if err := s.store.DeleteDevice(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("device unpaired", "device_id", id)
	c.Status(http.StatusNoContent)
}

type dispatchRequest struct {
	Action string         `json:"action" binding:"required"`
	Params map[string]any `json:"params"`
}

// handleDispatchCommand is the REST twin of the websocket command path.
// Controller-only.
func (s *Server) handleDispatchCommand(c *gin.Context) {
	subjectID, typ := subject(c)
	if typ != auth.SubjectController {
		c.JSON(http.StatusForbidden, errorJSON("PERMISSION_DENIED", "commands are controller-only"))
		return
	}

	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorJSON("INVALID_REQUEST", err.Error()))
		return
	}

	res, err := s.dispatch.Dispatch(c.Request.Context(), subjectID, c.Param("id"), req.Action, req.Params)
	if err != nil {
		s.fail(c, err)
		return
	}

	body := gin.H{
		"command":   res.Command,
		"delivered": res.Delivered,
	}
	if !res.Delivered {
		body["position"] = res.Position
		body["reason"] = "device_offline"
	}
	c.JSON(http.StatusAccepted, body)
}

func (s *Server) handleCommandHistory(c *gin.Context) {
	id := c.Param("id")
	if !s.authorizeDevice(c, id) {
		return
	}

	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	cmds, total, err := s.store.DeviceCommands(c.Request.Context(), id, limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"commands": cmds,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
