package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/remoteeye/relay/internal/auth"
	"github.com/remoteeye/relay/internal/metrics"
	"github.com/remoteeye/relay/internal/store"
)

func (s *Server) handlePair(c *gin.Context) {
	pc, err := s.pairing.Issue(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": pc.Code, "expiresAt": pc.ExpiresAt})
}

type registerRequest struct {
	Role        string         `json:"role" binding:"required,oneof=device controller"`
	PairingCode string         `json:"pairingCode" binding:"required"`
	Name        string         `json:"name"`
	DeviceInfo  map[string]any `json:"deviceInfo"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorJSON("INVALID_REQUEST", err.Error()))
		return
	}

	switch req.Role {
	case "device":
		s.registerDevice(c, req)
	case "controller":
		s.registerController(c, req)
	}
}

// registerDevice consumes the pairing code and creates the device. The
// plaintext secret is returned exactly once; only its hash is stored.
func (s *Server) registerDevice(c *gin.Context, req registerRequest) {
	ctx := c.Request.Context()

	code, err := s.pairing.Validate(ctx, req.PairingCode)
	if err != nil {
		s.fail(c, err)
		return
	}

	secret, err := auth.NewDeviceSecret()
	if err != nil {
		s.fail(c, err)
		return
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		s.fail(c, err)
		return
	}

	now := s.now().UTC()
	dev := store.Device{
		ID:         uuid.NewString(),
		Name:       req.Name,
		SecretHash: hash,
		Status:     store.DeviceOffline,
		DeviceInfo: req.DeviceInfo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if dev.Name == "" {
		dev.Name = "Device " + dev.ID[:8]
	}
	if err := s.store.CreateDevice(ctx, dev); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.pairing.Bind(ctx, code, dev.ID); err != nil {
		s.fail(c, err)
		return
	}

	pair, err := s.auth.MintPair(dev.ID, auth.SubjectDevice)
	if err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info("device registered", "device_id", dev.ID)
	c.JSON(http.StatusCreated, gin.H{
		"deviceId":     dev.ID,
		"deviceSecret": secret,
		"name":         dev.Name,
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn,
	})
}

// registerController resolves the device already bound to the code. The
// device must have consumed the code first.
func (s *Server) registerController(c *gin.Context, req registerRequest) {
	ctx := c.Request.Context()

	deviceID, err := s.pairing.Lookup(ctx, req.PairingCode)
	if err != nil {
		s.fail(c, err)
		return
	}

	now := s.now().UTC()
	ctl := store.Controller{
		ID:        uuid.NewString(),
		Name:      req.Name,
		DeviceID:  deviceID,
		CreatedAt: now,
	}
	if err := s.store.CreateController(ctx, ctl); err != nil {
		s.fail(c, err)
		return
	}

	pair, err := s.auth.MintPair(ctl.ID, auth.SubjectController)
	if err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info("controller registered", "controller_id", ctl.ID, "device_id", deviceID)
	c.JSON(http.StatusCreated, gin.H{
		"controllerId": ctl.ID,
		"deviceId":     deviceID,
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn,
	})
}

type loginRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorJSON("INVALID_REQUEST", err.Error()))
		return
	}

	dev, err := s.store.Device(c.Request.Context(), req.DeviceID)
	if err != nil || !auth.VerifySecret(req.Secret, dev.SecretHash) {
		// Unknown device and bad secret are indistinguishable on purpose.
		s.metrics.Inc(metrics.AuthRejected)
		c.JSON(http.StatusUnauthorized, errorJSON("AUTH_FAILED", "invalid device credentials"))
		return
	}

	pair, err := s.auth.MintPair(dev.ID, auth.SubjectDevice)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deviceId":     dev.ID,
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorJSON("INVALID_REQUEST", err.Error()))
		return
	}

	access, expiresIn, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accessToken": access, "expiresIn": expiresIn})
}

func (s *Server) handleLookupPairing(c *gin.Context) {
	deviceID, err := s.pairing.Lookup(c.Request.Context(), c.Param("code"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": deviceID})
}
