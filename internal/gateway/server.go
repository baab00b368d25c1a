// Package gateway is the websocket front door. It authenticates each
// connection at upgrade time, decodes frames exactly once, and routes them to
// the registry and dispatcher. Media payloads pass through verbatim.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/remoteeye/relay/internal/auth"
	"github.com/remoteeye/relay/internal/config"
	"github.com/remoteeye/relay/internal/dispatch"
	"github.com/remoteeye/relay/internal/metrics"
	"github.com/remoteeye/relay/internal/protocol"
	"github.com/remoteeye/relay/internal/registry"
	"github.com/remoteeye/relay/internal/store"
)

// Server upgrades and serves relay websocket sessions.
type Server struct {
	cfg      config.Config
	auth     *auth.Authority
	store    store.Store
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewServer(cfg config.Config, authority *auth.Authority, st store.Store, reg *registry.Registry, disp *dispatch.Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Server {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		auth:     authority,
		store:    st,
		registry: reg,
		dispatch: disp,
		metrics:  m,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// tokenFromRequest pulls the access token from the query string or the
// Authorization header. Query wins; browser websocket clients cannot set
// headers.
func tokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	subjectID, subjectType, err := s.auth.Validate(tokenFromRequest(r))
	if err != nil {
		s.metrics.Inc(metrics.AuthRejected)
		writeClose(ws, websocket.ClosePolicyViolation, "invalid token")
		_ = ws.Close()
		return
	}

	c := newConn(ws, s.cfg.SendQueueDepth, s.cfg.WSPingInterval)
	defer c.Close()

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	})
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))

	sess := &session{
		server:      s,
		conn:        c,
		subjectID:   subjectID,
		subjectType: subjectType,
		logger: s.logger.With(
			"subject_id", subjectID, "subject_type", subjectType,
			"conn_id", uuid.NewString()[:8]),
	}
	sess.run(r.Context(), ws)
}

// session is one authenticated websocket, from register to disconnect.
type session struct {
	server      *Server
	conn        *conn
	subjectID   string
	subjectType auth.SubjectType
	logger      *slog.Logger

	registered bool
	// For controllers, the device the session is bound to.
	deviceID string
}

func (sess *session) run(ctx context.Context, ws *websocket.Conn) {
	s := sess.server
	limiter := newRateLimiter(s.cfg.MaxMessagesPerSecond)

	defer func() {
		if !sess.registered {
			return
		}
		switch sess.subjectType {
		case auth.SubjectDevice:
			s.registry.UnregisterDevice(context.Background(), sess.subjectID, sess.conn)
		case auth.SubjectController:
			s.registry.UnregisterController(sess.subjectID, sess.conn)
		}
	}()

	for {
		if !limiter.Allow(time.Now()) {
			writeClose(ws, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := ws.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(ws, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))

		raw, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(ws, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(ws, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		msg, err := protocol.Parse(raw)
		if err != nil {
			sess.conn.Send(protocol.NewServerError("INVALID_MESSAGE", err.Error()))
			continue
		}

		if !sess.registered {
			if !sess.handleRegister(ctx, ws, msg) {
				return
			}
			continue
		}

		switch sess.subjectType {
		case auth.SubjectDevice:
			sess.handleDeviceMessage(ctx, msg)
		case auth.SubjectController:
			sess.handleControllerMessage(ctx, msg)
		}
	}
}

// handleRegister requires the first frame to be the register message matching
// the session's authenticated identity. Returns false when the session must
// close.
func (sess *session) handleRegister(ctx context.Context, ws *websocket.Conn, msg protocol.Message) bool {
	s := sess.server
	now := s.now().UTC()

	switch m := msg.(type) {
	case protocol.DeviceRegister:
		if sess.subjectType != auth.SubjectDevice || m.DeviceID != sess.subjectID {
			writeClose(ws, websocket.ClosePolicyViolation, "register does not match token subject")
			return false
		}

		s.registry.RegisterDevice(ctx, sess.subjectID, sess.conn)
		sess.registered = true

		reply := protocol.NewServerRegistered(now)
		reply.QueuedCommands = s.dispatch.Queued(sess.subjectID)
		sess.conn.Send(reply)

		s.dispatch.OnDeviceConnect(ctx, sess.subjectID)
		return true

	case protocol.ControllerRegister:
		if sess.subjectType != auth.SubjectController || m.ControllerID != sess.subjectID {
			writeClose(ws, websocket.ClosePolicyViolation, "register does not match token subject")
			return false
		}

		ctl, err := s.store.Controller(ctx, sess.subjectID)
		if err != nil {
			writeClose(ws, websocket.ClosePolicyViolation, "unknown controller")
			return false
		}
		if m.DeviceID != "" && m.DeviceID != ctl.DeviceID {
			s.metrics.Inc(metrics.PermissionDenied)
			writeClose(ws, websocket.ClosePolicyViolation, "controller not bound to device")
			return false
		}

		sess.deviceID = ctl.DeviceID
		s.registry.RegisterController(sess.subjectID, ctl.DeviceID, sess.conn)
		sess.registered = true

		sess.conn.Send(protocol.NewControllerRegistered(now, s.registry.IsDeviceOnline(ctl.DeviceID)))
		return true

	default:
		writeClose(ws, websocket.ClosePolicyViolation, "must register first")
		return false
	}
}

func (sess *session) handleDeviceMessage(ctx context.Context, msg protocol.Message) {
	s := sess.server

	switch m := msg.(type) {
	case protocol.DeviceHeartbeat:
		s.registry.Heartbeat(sess.subjectID)
		sess.conn.Send(protocol.NewServerHeartbeatAck(s.now().UTC()))

	case protocol.DeviceStatusReport:
		s.registry.UpdateDeviceStatus(ctx, sess.subjectID, m.Status)

	case protocol.MediaEvent:
		s.metrics.Inc(metrics.MediaEventsRelayed)
		s.registry.BroadcastToWatchers(sess.subjectID, m.Raw)

	case protocol.DevicePhoto:
		s.metrics.Inc(metrics.MediaEventsRelayed)
		s.registry.BroadcastToWatchers(sess.subjectID, m.Raw)
		sess.recordCapture(ctx, store.RecordingPhoto, protocol.RecordingInfo{
			Filename:    m.Photo.Filename,
			ObjectKey:   m.Photo.ObjectKey,
			SizeBytes:   m.Photo.SizeBytes,
			TriggeredBy: m.Photo.TriggeredBy,
		})

	case protocol.RecordingComplete:
		s.metrics.Inc(metrics.MediaEventsRelayed)
		s.registry.BroadcastToWatchers(sess.subjectID, m.Raw)
		sess.recordCapture(ctx, store.RecordingType(m.Recording.Type), m.Recording)

	case protocol.CommandAck:
		s.dispatch.HandleAck(ctx, sess.subjectID, m)

	case protocol.DeviceRegister:
		// Re-register on an already registered session is harmless.

	default:
		sess.conn.Send(protocol.NewServerError("INVALID_MESSAGE", "not a device message"))
	}
}

func (sess *session) handleControllerMessage(ctx context.Context, msg protocol.Message) {
	s := sess.server

	switch m := msg.(type) {
	case protocol.ControllerCommand:
		res, err := s.dispatch.Dispatch(ctx, sess.subjectID, sess.deviceID, m.Action, m.Params)
		now := s.now().UTC()
		switch {
		case errors.Is(err, dispatch.ErrUnknownAction):
			sess.conn.Send(protocol.NewServerError("UNKNOWN_ACTION", err.Error()))
		case errors.Is(err, dispatch.ErrPermissionDenied):
			sess.conn.Send(protocol.NewServerError("PERMISSION_DENIED", "not allowed"))
		case errors.Is(err, store.ErrNotFound):
			sess.conn.Send(protocol.NewServerError("DEVICE_NOT_FOUND", "device not found"))
		case err != nil:
			sess.logger.Error("dispatch failed", "err", err)
			sess.conn.Send(protocol.NewServerError("INTERNAL", "command failed"))
		case res.Delivered:
			sess.conn.Send(protocol.NewServerCommandResult(now, res.Command.ID, "delivered"))
		default:
			sess.conn.Send(protocol.NewServerCommandQueued(now, res.Command.ID, res.Position))
		}

	case protocol.ControllerRegister:
		// Harmless repeat.

	default:
		sess.conn.Send(protocol.NewServerError("INVALID_MESSAGE", "not a controller message"))
	}
}

// recordCapture persists metadata for a media capture announced over the
// socket. Best effort; relay to watchers already happened.
func (sess *session) recordCapture(ctx context.Context, typ store.RecordingType, info protocol.RecordingInfo) {
	s := sess.server
	rec := store.Recording{
		ID:          uuid.NewString(),
		DeviceID:    sess.subjectID,
		Type:        typ,
		Filename:    info.Filename,
		BlobKey:     info.ObjectKey,
		Duration:    int(info.Duration),
		Size:        info.SizeBytes,
		TriggeredBy: info.TriggeredBy,
		CreatedAt:   s.now().UTC(),
	}
	if rec.TriggeredBy == "" {
		rec.TriggeredBy = "manual"
	}
	if err := s.store.CreateRecording(ctx, rec); err != nil {
		sess.logger.Error("failed to persist recording metadata", "err", err)
	}
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}

type rateLimiter struct {
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func newRateLimiter(messagesPerSecond int) *rateLimiter {
	rate := float64(messagesPerSecond)
	return &rateLimiter{
		rate:     rate,
		capacity: rate,
		tokens:   rate,
		last:     time.Now(),
	}
}

func (rl *rateLimiter) Allow(now time.Time) bool {
	elapsed := now.Sub(rl.last).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
	rl.last = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
