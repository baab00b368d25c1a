package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remoteeye/relay/internal/auth"
	"github.com/remoteeye/relay/internal/store"
)

func (s *Server) handleListRecordings(c *gin.Context) {
	deviceID, ok := s.deviceForSubject(c)
	if !ok {
		c.JSON(http.StatusForbidden, errorJSON("PERMISSION_DENIED", "not allowed"))
		return
	}

	// Callers only ever see their own device's recordings; the device filter
	// is forced, not optional.
	f := store.RecordingFilter{
		DeviceID:    deviceID,
		Type:        store.RecordingType(c.Query("type")),
		TriggeredBy: c.Query("triggeredBy"),
		Limit:       intQuery(c, "limit", 50),
		Offset:      intQuery(c, "offset", 0),
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorJSON("INVALID_REQUEST", "since must be RFC3339"))
			return
		}
		f.Since = t
	}
	if raw := c.Query("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorJSON("INVALID_REQUEST", "until must be RFC3339"))
			return
		}
		f.Until = t
	}

	recs, total, err := s.store.Recordings(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"recordings": recs,
		"total":      total,
		"limit":      f.Limit,
		"offset":     f.Offset,
	})
}

func (s *Server) handleGetRecording(c *gin.Context) {
	ctx := c.Request.Context()

	rec, err := s.store.Recording(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !s.authorizeDevice(c, rec.DeviceID) {
		return
	}

	body := gin.H{"recording": rec}
	if s.presigner != nil && rec.BlobKey != "" {
		url, err := s.presigner.PresignDownload(ctx, rec.BlobKey)
		if err != nil {
			s.logger.Error("failed to presign download", "recording_id", rec.ID, "err", err)
		} else {
			body["downloadUrl"] = url
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleDeleteRecording(c *gin.Context) {
	ctx := c.Request.Context()

	rec, err := s.store.Recording(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !s.authorizeDevice(c, rec.DeviceID) {
		return
	}

	if err := s.store.DeleteRecording(ctx, rec.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type uploadURLRequest struct {
	Type        string `json:"type" binding:"required,oneof=audio video photo"`
	ContentType string `json:"contentType" binding:"required"`
}

// handleUploadURL hands a device a presigned PUT for its next recording.
// Device-only; controllers download, they never upload.
func (s *Server) handleUploadURL(c *gin.Context) {
	subjectID, typ := subject(c)
	if typ != auth.SubjectDevice {
		c.JSON(http.StatusForbidden, errorJSON("PERMISSION_DENIED", "uploads are device-only"))
		return
	}
	if s.presigner == nil {
		c.JSON(http.StatusServiceUnavailable, errorJSON("BLOB_NOT_CONFIGURED", "recording storage not configured"))
		return
	}

	var req uploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorJSON("INVALID_REQUEST", err.Error()))
		return
	}

	url, key, err := s.presigner.PresignUpload(c.Request.Context(), subjectID, req.Type, req.ContentType)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"uploadUrl": url,
		"objectKey": key,
		"expiresIn": int64(s.cfg.BlobURLTTL.Seconds()),
	})
}
