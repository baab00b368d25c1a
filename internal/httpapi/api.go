// Package httpapi is the REST surface: pairing, registration, token refresh,
// device management, command history, recordings, and upload URLs. The live
// relay path stays on the websocket gateway; this API is everything around
// it.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remoteeye/relay/internal/auth"
	"github.com/remoteeye/relay/internal/blobstore"
	"github.com/remoteeye/relay/internal/config"
	"github.com/remoteeye/relay/internal/dispatch"
	"github.com/remoteeye/relay/internal/metrics"
	"github.com/remoteeye/relay/internal/pairing"
	"github.com/remoteeye/relay/internal/registry"
	"github.com/remoteeye/relay/internal/store"
)

const (
	ctxSubjectID   = "subjectID"
	ctxSubjectType = "subjectType"
)

type Server struct {
	cfg       config.Config
	auth      *auth.Authority
	store     store.Store
	pairing   *pairing.Service
	registry  *registry.Registry
	dispatch  *dispatch.Dispatcher
	presigner blobstore.Presigner // nil when blob storage is not configured
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewServer(cfg config.Config, authority *auth.Authority, st store.Store, pairingSvc *pairing.Service, reg *registry.Registry, disp *dispatch.Dispatcher, presigner blobstore.Presigner, m *metrics.Metrics, logger *slog.Logger) *Server {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		auth:      authority,
		store:     st,
		pairing:   pairingSvc,
		registry:  reg,
		dispatch:  disp,
		presigner: presigner,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Router builds the gin engine with all routes mounted. The websocket
// gateway handler is attached by the caller.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Mode == config.ModeProd {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)

	authGroup := r.Group("/api/auth")
	{
		authGroup.POST("/pair", s.handlePair)
		authGroup.POST("/register", s.handleRegister)
		authGroup.POST("/login", s.handleLogin)
		authGroup.POST("/refresh", s.handleRefresh)
		authGroup.GET("/lookup-pairing/:code", s.handleLookupPairing)
	}

	api := r.Group("/api", s.requireAuth)
	{
		api.GET("/devices", s.handleListDevices)
		api.GET("/devices/:id", s.handleGetDevice)
		api.PATCH("/devices/:id", s.handleUpdateDevice)
		api.DELETE("/devices/:id", s.handleDeleteDevice)

		api.POST("/devices/:id/commands", s.handleDispatchCommand)
		api.GET("/devices/:id/commands", s.handleCommandHistory)

		api.GET("/recordings", s.handleListRecordings)
		api.GET("/recordings/:id", s.handleGetRecording)
		api.DELETE("/recordings/:id", s.handleDeleteRecording)

		api.POST("/media/upload-url", s.handleUploadURL)
	}

	return r
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorJSON(code, message string) gin.H {
	return gin.H{"error": apiError{Code: code, Message: message}}
}

// fail maps package sentinels onto stable HTTP statuses and machine codes.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pairing.ErrCodeInvalid):
		c.JSON(http.StatusBadRequest, errorJSON("PAIRING_CODE_INVALID", "pairing code invalid"))
	case errors.Is(err, pairing.ErrCodeExpired):
		c.JSON(http.StatusBadRequest, errorJSON("PAIRING_CODE_EXPIRED", "pairing code expired"))
	case errors.Is(err, pairing.ErrCodeAlreadyUsed):
		c.JSON(http.StatusConflict, errorJSON("PAIRING_CODE_USED", "pairing code already used"))
	case errors.Is(err, pairing.ErrDeviceNotRegistered):
		c.JSON(http.StatusNotFound, errorJSON("DEVICE_NOT_REGISTERED", "no device registered with this code"))
	case errors.Is(err, auth.ErrTokenExpired):
		c.JSON(http.StatusUnauthorized, errorJSON("TOKEN_EXPIRED", "token expired"))
	case errors.Is(err, auth.ErrTokenInvalid):
		c.JSON(http.StatusUnauthorized, errorJSON("TOKEN_INVALID", "token invalid"))
	case errors.Is(err, dispatch.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, errorJSON("PERMISSION_DENIED", "not allowed"))
	case errors.Is(err, dispatch.ErrUnknownAction):
		c.JSON(http.StatusBadRequest, errorJSON("UNKNOWN_ACTION", "unknown command action"))
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, errorJSON("NOT_FOUND", "resource not found"))
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, errorJSON("INTERNAL", "internal error"))
	}
}

// requireAuth validates the Bearer token and stashes the subject on the
// context.
func (s *Server) requireAuth(c *gin.Context) {
	h := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		s.metrics.Inc(metrics.AuthRejected)
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorJSON("TOKEN_MISSING", "authorization required"))
		return
	}

	subjectID, subjectType, err := s.auth.Validate(h[len(prefix):])
	if err != nil {
		s.metrics.Inc(metrics.AuthRejected)
		if errors.Is(err, auth.ErrTokenExpired) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorJSON("TOKEN_EXPIRED", "token expired"))
		} else {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorJSON("TOKEN_INVALID", "token invalid"))
		}
		return
	}

	c.Set(ctxSubjectID, subjectID)
	c.Set(ctxSubjectType, subjectType)
	c.Next()
}

func subject(c *gin.Context) (string, auth.SubjectType) {
	return c.GetString(ctxSubjectID), c.MustGet(ctxSubjectType).(auth.SubjectType)
}

// deviceForSubject resolves which device the caller may act on: devices act
// on themselves, controllers on their bound device.
func (s *Server) deviceForSubject(c *gin.Context) (string, bool) {
	id, typ := subject(c)
	if typ == auth.SubjectDevice {
		return id, true
	}
	ctl, err := s.store.Controller(c.Request.Context(), id)
	if err != nil {
		return "", false
	}
	return ctl.DeviceID, true
}

// authorizeDevice checks the caller may act on deviceID.
func (s *Server) authorizeDevice(c *gin.Context, deviceID string) bool {
	allowed, ok := s.deviceForSubject(c)
	if !ok || allowed != deviceID {
		s.metrics.Inc(metrics.PermissionDenied)
		c.JSON(http.StatusForbidden, errorJSON("PERMISSION_DENIED", "not allowed"))
		return false
	}
	return true
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	devices, controllers := s.registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"counters": s.metrics.Snapshot(),
		"sessions": gin.H{"devices": devices, "controllers": controllers},
	})
}
