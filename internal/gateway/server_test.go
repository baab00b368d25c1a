package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remoteeye/relay/internal/auth"
	"github.com/remoteeye/relay/internal/command"
	"github.com/remoteeye/relay/internal/config"
	"github.com/remoteeye/relay/internal/dispatch"
	"github.com/remoteeye/relay/internal/metrics"
	"github.com/remoteeye/relay/internal/registry"
	"github.com/remoteeye/relay/internal/store"
)

type testStack struct {
	server    *httptest.Server
	authority *auth.Authority
	store     store.Store
	registry  *registry.Registry
	dispatch  *dispatch.Dispatcher
	metrics   *metrics.Metrics
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	if err := st.CreateDevice(ctx, store.Device{ID: "dev-1", Status: store.DeviceOffline, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if err := st.CreateController(ctx, store.Controller{ID: "ctl-1", DeviceID: "dev-1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateController: %v", err)
	}

	cfg := config.Config{
		SendQueueDepth:       32,
		WSPingInterval:       20 * time.Second,
		WSIdleTimeout:        10 * time.Second,
		MaxMessageBytes:      1 << 20,
		MaxMessagesPerSecond: 200,
	}

	m := metrics.New()
	authority := auth.NewAuthority("test-secret", time.Hour, 7*24*time.Hour)
	reg := registry.New(st, m, nil, 30*time.Second, 3)
	disp := dispatch.New(st, reg, command.NewQueue(10), nil, m, nil)
	srv := NewServer(cfg, authority, st, reg, disp, m, nil)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testStack{server: ts, authority: authority, store: st, registry: reg, dispatch: disp, metrics: m}
}

func (ts *testStack) dial(t *testing.T, subjectID string, subjectType auth.SubjectType) *websocket.Conn {
	t.Helper()
	pair, err := ts.authority.MintPair(subjectID, subjectType)
	if err != nil {
		t.Fatalf("MintPair: %v", err)
	}
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "?token=" + pair.AccessToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return out
}

func registerDevice(t *testing.T, ts *testStack, deviceID string) *websocket.Conn {
	t.Helper()
	conn := ts.dial(t, deviceID, auth.SubjectDevice)
	send(t, conn, `{"type":"device:register","deviceId":"`+deviceID+`"}`)
	reply := recv(t, conn)
	if reply["type"] != "server:registered" {
		t.Fatalf("register reply=%v", reply)
	}
	return conn
}

func registerController(t *testing.T, ts *testStack, controllerID string) *websocket.Conn {
	t.Helper()
	conn := ts.dial(t, controllerID, auth.SubjectController)
	send(t, conn, `{"type":"controller:register","controllerId":"`+controllerID+`"}`)
	reply := recv(t, conn)
	if reply["type"] != "server:registered" {
		t.Fatalf("register reply=%v", reply)
	}
	return conn
}

func TestServer_RejectsBadToken(t *testing.T) {
	ts := newTestStack(t)

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "?token=garbage"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected close for invalid token")
	}
	if got := ts.metrics.Get(metrics.AuthRejected); got != 1 {
		t.Fatalf("AuthRejected=%d, want 1", got)
	}
}

func TestServer_RegisterMismatchCloses(t *testing.T) {
	ts := newTestStack(t)

	conn := ts.dial(t, "dev-1", auth.SubjectDevice)
	send(t, conn, `{"type":"device:register","deviceId":"dev-other"}`)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected close for mismatched register")
	}
}

func TestServer_DeviceHeartbeat(t *testing.T) {
	ts := newTestStack(t)
	conn := registerDevice(t, ts, "dev-1")

	send(t, conn, `{"type":"device:heartbeat","deviceId":"dev-1"}`)
	reply := recv(t, conn)
	if reply["type"] != "server:heartbeat_ack" {
		t.Fatalf("reply=%v, want heartbeat ack", reply)
	}
}

func TestServer_CommandRoundTrip(t *testing.T) {
	ts := newTestStack(t)
	dev := registerDevice(t, ts, "dev-1")
	ctl := registerController(t, ts, "ctl-1")

	send(t, ctl, `{"type":"controller:command","action":"start_camera","params":{"quality":"high"}}`)

	// Device receives the delivery frame.
	frame := recv(t, dev)
	if frame["type"] != "server:command" || frame["action"] != "start_camera" {
		t.Fatalf("device frame=%v", frame)
	}
	commandID, _ := frame["commandId"].(string)
	if commandID == "" {
		t.Fatal("delivery frame missing commandId")
	}

	// Controller hears it was delivered.
	result := recv(t, ctl)
	if result["type"] != "server:command_result" || result["status"] != "delivered" {
		t.Fatalf("controller result=%v", result)
	}

	// Device acks completion; controller hears the relay.
	send(t, dev, `{"type":"device:command_ack","commandId":"`+commandID+`","status":"completed"}`)
	ack := recv(t, ctl)
	if ack["type"] != "server:command_ack" || ack["status"] != "completed" {
		t.Fatalf("relayed ack=%v", ack)
	}

	stored, err := ts.store.Command(context.Background(), commandID)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if stored.Status != command.StatusCompleted {
		t.Fatalf("stored status=%v, want completed", stored.Status)
	}
}

func TestServer_OfflineCommandQueuedThenDrained(t *testing.T) {
	ts := newTestStack(t)
	ctl := registerController(t, ts, "ctl-1")

	send(t, ctl, `{"type":"controller:command","action":"capture_photo"}`)
	queued := recv(t, ctl)
	if queued["type"] != "server:command_queued" || queued["reason"] != "device_offline" {
		t.Fatalf("queued notice=%v", queued)
	}
	if queued["position"] != float64(1) {
		t.Fatalf("position=%v, want 1", queued["position"])
	}

	// Controller also hears the presence transition when the device shows up.
	dev := registerDevice(t, ts, "dev-1")
	frame := recv(t, dev)
	if frame["type"] != "server:command" || frame["action"] != "capture_photo" {
		t.Fatalf("drained frame=%v", frame)
	}

	presence := recv(t, ctl)
	if presence["type"] != "server:device_status" || presence["online"] != true {
		t.Fatalf("presence=%v", presence)
	}
}

func TestServer_MediaRelayedVerbatim(t *testing.T) {
	ts := newTestStack(t)
	ctl := registerController(t, ts, "ctl-1")
	dev := registerDevice(t, ts, "dev-1")

	// The device coming online produced a presence event; drain it first.
	presence := recv(t, ctl)
	if presence["type"] != "server:device_status" {
		t.Fatalf("expected presence, got %v", presence)
	}

	raw := `{"type":"device:frame","deviceId":"dev-1","frame":"AAEC","seq":1}`
	send(t, dev, raw)

	_ = ctl.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, got, err := ctl.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != raw {
		t.Fatalf("relayed=%q, want verbatim %q", got, raw)
	}
}

func TestServer_RecordingCompletePersists(t *testing.T) {
	ts := newTestStack(t)
	dev := registerDevice(t, ts, "dev-1")

	send(t, dev, `{"type":"device:recording_complete","deviceId":"dev-1","recording":{"type":"audio","filename":"a.ogg","objectKey":"recordings/dev-1/a.ogg","duration":12.5,"sizeBytes":2048,"triggeredBy":"sound_detection"}}`)

	// No reply to wait on; poll the store briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, total, err := ts.store.Recordings(context.Background(), store.RecordingFilter{DeviceID: "dev-1"})
		if err != nil {
			t.Fatalf("Recordings: %v", err)
		}
		if total == 1 {
			r := recs[0]
			if r.Type != store.RecordingAudio || r.BlobKey != "recordings/dev-1/a.ogg" || r.Duration != 12 {
				t.Fatalf("recording=%+v", r)
			}
			if r.TriggeredBy != "sound_detection" {
				t.Fatalf("triggeredBy=%q", r.TriggeredBy)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("recording never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_PermissionDeniedOverSocket(t *testing.T) {
	ts := newTestStack(t)
	if err := ts.store.CreateDevice(context.Background(), store.Device{ID: "dev-2", Status: store.DeviceOffline, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	conn := ts.dial(t, "ctl-1", auth.SubjectController)
	// Asking for a device the controller is not bound to fails at register.
	send(t, conn, `{"type":"controller:register","controllerId":"ctl-1","deviceId":"dev-2"}`)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected close for foreign device registration")
	}
}

func TestServer_UnknownActionError(t *testing.T) {
	ts := newTestStack(t)
	ctl := registerController(t, ts, "ctl-1")

	send(t, ctl, `{"type":"controller:command","action":"self_destruct"}`)
	reply := recv(t, ctl)
	if reply["type"] != "server:error" || reply["code"] != "UNKNOWN_ACTION" {
		t.Fatalf("reply=%v", reply)
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	rl := newRateLimiter(2)
	rl.last = now

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatal("burst within capacity rejected")
	}
	if rl.Allow(now) {
		t.Fatal("over-capacity burst allowed")
	}
	if !rl.Allow(now.Add(time.Second)) {
		t.Fatal("refilled token rejected")
	}
}
