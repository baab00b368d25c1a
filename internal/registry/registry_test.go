package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/remoteeye/relay/internal/metrics"
	"github.com/remoteeye/relay/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

func (c *fakeConn) Send(v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sent = append(c.sent, v)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) presenceEvents() []PresenceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PresenceEvent
	for _, v := range c.sent {
		if evt, ok := v.(PresenceEvent); ok {
			out = append(out, evt)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, now *time.Time) (*Registry, store.Store) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"dev-1", "dev-2"} {
		if err := st.CreateDevice(ctx, store.Device{ID: id, Status: store.DeviceOffline, CreatedAt: *now}); err != nil {
			t.Fatalf("CreateDevice(%s): %v", id, err)
		}
	}
	r := New(st, metrics.New(), nil, 30*time.Second, 3).WithClock(func() time.Time { return *now })
	return r, st
}

func TestRegisterDevice_PersistsAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, st := newTestRegistry(t, &now)

	watcher := &fakeConn{}
	r.RegisterController("ctl-1", "dev-1", watcher)

	dev := &fakeConn{}
	r.RegisterDevice(ctx, "dev-1", dev)

	if !r.IsDeviceOnline("dev-1") {
		t.Fatal("device not online after register")
	}
	d, err := st.Device(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if d.Status != store.DeviceOnline {
		t.Fatalf("stored status=%v, want online", d.Status)
	}
	if d.LastSeen != now {
		t.Fatalf("stored last seen=%v, want %v", d.LastSeen, now)
	}

	evts := watcher.presenceEvents()
	if len(evts) != 1 {
		t.Fatalf("watcher got %d presence events, want 1", len(evts))
	}
	if !evts[0].Online || evts[0].DeviceID != "dev-1" {
		t.Fatalf("presence event=%+v, want online dev-1", evts[0])
	}
}

func TestRegisterDevice_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, _ := newTestRegistry(t, &now)

	watcher := &fakeConn{}
	r.RegisterController("ctl-1", "dev-1", watcher)

	first := &fakeConn{}
	second := &fakeConn{}
	r.RegisterDevice(ctx, "dev-1", first)
	r.RegisterDevice(ctx, "dev-1", second)

	if !first.isClosed() {
		t.Fatal("evicted session not closed")
	}
	if second.isClosed() {
		t.Fatal("winning session closed")
	}

	// The evicted transport's late disconnect must not take the device
	// offline.
	r.UnregisterDevice(ctx, "dev-1", first)
	if !r.IsDeviceOnline("dev-1") {
		t.Fatal("device went offline after stale disconnect")
	}

	// Net effect of the reconnect is one online event, no offline.
	evts := watcher.presenceEvents()
	if len(evts) != 1 {
		t.Fatalf("watcher got %d presence events, want 1", len(evts))
	}
	if !evts[0].Online {
		t.Fatal("expected online event")
	}
}

func TestUnregisterDevice_BroadcastsOffline(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, st := newTestRegistry(t, &now)

	watcher := &fakeConn{}
	r.RegisterController("ctl-1", "dev-1", watcher)

	dev := &fakeConn{}
	r.RegisterDevice(ctx, "dev-1", dev)
	now = now.Add(time.Minute)
	r.UnregisterDevice(ctx, "dev-1", dev)

	if r.IsDeviceOnline("dev-1") {
		t.Fatal("device still online after unregister")
	}
	d, _ := st.Device(ctx, "dev-1")
	if d.Status != store.DeviceOffline {
		t.Fatalf("stored status=%v, want offline", d.Status)
	}

	evts := watcher.presenceEvents()
	if len(evts) != 2 {
		t.Fatalf("watcher got %d presence events, want 2", len(evts))
	}
	if evts[1].Online {
		t.Fatal("second event should be offline")
	}
	if evts[1].LastSeen != now {
		t.Fatalf("offline last seen=%v, want %v", evts[1].LastSeen, now)
	}
}

func TestRegisterController_LastWriterWins(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, _ := newTestRegistry(t, &now)

	first := &fakeConn{}
	second := &fakeConn{}
	r.RegisterController("ctl-1", "dev-1", first)
	r.RegisterController("ctl-1", "dev-2", second)

	if !first.isClosed() {
		t.Fatal("evicted controller session not closed")
	}
	deviceID, ok := r.ControllerDevice("ctl-1")
	if !ok || deviceID != "dev-2" {
		t.Fatalf("ControllerDevice=%q,%v, want dev-2", deviceID, ok)
	}

	// The old subscription must be gone: dev-1 broadcasts reach nobody.
	if n := r.BroadcastToWatchers("dev-1", "x"); n != 0 {
		t.Fatalf("dev-1 broadcast reached %d watchers, want 0", n)
	}
	if n := r.BroadcastToWatchers("dev-2", "x"); n != 1 {
		t.Fatalf("dev-2 broadcast reached %d watchers, want 1", n)
	}
}

func TestUpdateDeviceStatus_FansOut(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, st := newTestRegistry(t, &now)

	watcher := &fakeConn{}
	r.RegisterController("ctl-1", "dev-1", watcher)
	dev := &fakeConn{}
	r.RegisterDevice(ctx, "dev-1", dev)

	status := map[string]any{"battery": 72, "charging": false}
	r.UpdateDeviceStatus(ctx, "dev-1", status)

	got, ok := r.DeviceStatus("dev-1")
	if !ok {
		t.Fatal("DeviceStatus missing")
	}
	if got["battery"] != 72 {
		t.Fatalf("battery=%v, want 72", got["battery"])
	}

	d, _ := st.Device(ctx, "dev-1")
	if d.CurrentStatus == nil {
		t.Fatal("status not persisted")
	}

	evts := watcher.presenceEvents()
	if len(evts) != 2 {
		t.Fatalf("watcher got %d presence events, want 2", len(evts))
	}
	if evts[1].Status == nil {
		t.Fatal("status event carries no status")
	}

	// Reports from devices without a session are dropped.
	r.UpdateDeviceStatus(ctx, "dev-2", status)
	if _, ok := r.DeviceStatus("dev-2"); ok {
		t.Fatal("status recorded for offline device")
	}
}

func TestHeartbeat_SweepTimesOutSilentDevices(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, _ := newTestRegistry(t, &now)

	quiet := &fakeConn{}
	chatty := &fakeConn{}
	r.RegisterDevice(ctx, "dev-1", quiet)
	r.RegisterDevice(ctx, "dev-2", chatty)

	// Just inside the grace window: nothing happens.
	now = now.Add(89 * time.Second)
	if !r.Heartbeat("dev-2") {
		t.Fatal("heartbeat for live device rejected")
	}
	r.sweepStaleDevices(ctx)
	if !r.IsDeviceOnline("dev-1") || !r.IsDeviceOnline("dev-2") {
		t.Fatal("device swept inside grace window")
	}

	// Past 3x the interval with no heartbeat: implicit disconnect.
	now = now.Add(2 * time.Second)
	r.sweepStaleDevices(ctx)
	if r.IsDeviceOnline("dev-1") {
		t.Fatal("silent device still online after sweep")
	}
	if !quiet.isClosed() {
		t.Fatal("timed-out transport not closed")
	}
	if !r.IsDeviceOnline("dev-2") {
		t.Fatal("heartbeating device swept")
	}

	if ok := r.Heartbeat("dev-1"); ok {
		t.Fatal("heartbeat accepted for swept device")
	}
}

func TestSendToDevice(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, _ := newTestRegistry(t, &now)

	if r.SendToDevice("dev-1", "x") {
		t.Fatal("send succeeded with no session")
	}

	dev := &fakeConn{}
	r.RegisterDevice(ctx, "dev-1", dev)
	if !r.SendToDevice("dev-1", "x") {
		t.Fatal("send failed with live session")
	}
	if len(dev.sent) != 1 {
		t.Fatalf("device got %d messages, want 1", len(dev.sent))
	}

	devs, ctls := r.Stats()
	if devs != 1 || ctls != 0 {
		t.Fatalf("Stats=%d,%d, want 1,0", devs, ctls)
	}
}
