// Package registry tracks the single live session each device and controller
// identity may hold, and derives presence from sessions and heartbeats.
//
// Sessions are ephemeral: they exist only while a transport is connected and
// are never persisted. Durable presence (status + last-seen) is written
// through to the store.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/remoteeye/relay/internal/metrics"
	"github.com/remoteeye/relay/internal/store"
)

// Conn is the transport half the registry needs: a non-blocking send into the
// connection's outbound queue and an asynchronous close.
type Conn interface {
	// Send enqueues v for delivery. It reports false when the connection is
	// closed or its queue is full; the registry treats that as best-effort.
	Send(v any) bool
	// Close tears the transport down. It must not block and must be safe to
	// call more than once.
	Close()
}

type deviceEntry struct {
	conn          Conn
	connectedAt   time.Time
	lastHeartbeat time.Time
	status        map[string]any
}

type controllerEntry struct {
	conn     Conn
	deviceID string
}

// Registry is the one-session-per-identity table. A second authenticated
// connection for an identity evicts the first: last writer wins, never two
// live sessions.
type Registry struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	heartbeatInterval time.Duration
	graceMultiple     int
	now               func() time.Time

	mu          sync.RWMutex
	devices     map[string]*deviceEntry
	controllers map[string]*controllerEntry
	watchers    map[string]map[string]*controllerEntry // deviceID -> controllerID
}

func New(st store.Store, m *metrics.Metrics, logger *slog.Logger, heartbeatInterval time.Duration, graceMultiple int) *Registry {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:             st,
		metrics:           m,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		graceMultiple:     graceMultiple,
		now:               time.Now,
		devices:           make(map[string]*deviceEntry),
		controllers:       make(map[string]*controllerEntry),
		watchers:          make(map[string]map[string]*controllerEntry),
	}
}

// WithClock overrides the time source. Test use only.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// RegisterDevice installs conn as the device's live session, evicting any
// prior session first. It persists the online transition and broadcasts it to
// the device's watchers, but only when the device actually went from offline
// to online, so a quick reconnect produces one net transition.
func (r *Registry) RegisterDevice(ctx context.Context, deviceID string, conn Conn) {
	now := r.now().UTC()

	r.mu.Lock()
	prev, wasOnline := r.devices[deviceID]
	r.devices[deviceID] = &deviceEntry{
		conn:          conn,
		connectedAt:   now,
		lastHeartbeat: now,
	}
	r.mu.Unlock()

	if wasOnline {
		r.metrics.Inc(metrics.SessionsEvicted)
		r.logger.Info("evicting superseded device session", "device_id", deviceID)
		prev.conn.Close()
	}

	if err := r.store.UpdateDevicePresence(ctx, deviceID, store.DeviceOnline, now, nil); err != nil {
		r.logger.Error("failed to persist device presence", "device_id", deviceID, "err", err)
	}

	if !wasOnline {
		r.metrics.Inc(metrics.PresenceOnline)
		r.broadcastPresence(deviceID, true, now, nil)
	}
	r.logger.Info("device session registered", "device_id", deviceID, "evicted", wasOnline)
}

// UnregisterDevice removes the device's session, but only if conn is still
// the current one. An evicted session's late disconnect is a no-op, which is
// what keeps eviction at a single net presence transition.
func (r *Registry) UnregisterDevice(ctx context.Context, deviceID string, conn Conn) {
	now := r.now().UTC()

	r.mu.Lock()
	entry, ok := r.devices[deviceID]
	if !ok || entry.conn != conn {
		r.mu.Unlock()
		return
	}
	delete(r.devices, deviceID)
	r.mu.Unlock()

	if err := r.store.UpdateDevicePresence(ctx, deviceID, store.DeviceOffline, now, nil); err != nil {
		r.logger.Error("failed to persist device presence", "device_id", deviceID, "err", err)
	}

	r.metrics.Inc(metrics.PresenceOffline)
	r.broadcastPresence(deviceID, false, now, nil)
	r.logger.Info("device session removed", "device_id", deviceID)
}

// RegisterController installs conn as the controller's live session and
// subscribes it to its bound device's events. Last writer wins, as with
// devices; controller eviction is silent.
func (r *Registry) RegisterController(controllerID, deviceID string, conn Conn) {
	entry := &controllerEntry{conn: conn, deviceID: deviceID}

	r.mu.Lock()
	prev, had := r.controllers[controllerID]
	r.controllers[controllerID] = entry
	if had {
		delete(r.watchers[prev.deviceID], controllerID)
	}
	if r.watchers[deviceID] == nil {
		r.watchers[deviceID] = make(map[string]*controllerEntry)
	}
	r.watchers[deviceID][controllerID] = entry
	r.mu.Unlock()

	if had {
		r.metrics.Inc(metrics.SessionsEvicted)
		prev.conn.Close()
	}
	r.logger.Info("controller session registered", "controller_id", controllerID, "device_id", deviceID, "evicted", had)
}

// UnregisterController removes the controller's session if conn is still the
// current one.
func (r *Registry) UnregisterController(controllerID string, conn Conn) {
	r.mu.Lock()
	entry, ok := r.controllers[controllerID]
	if !ok || entry.conn != conn {
		r.mu.Unlock()
		return
	}
	delete(r.controllers, controllerID)
	delete(r.watchers[entry.deviceID], controllerID)
	r.mu.Unlock()

	r.logger.Info("controller session removed", "controller_id", controllerID)
}

// DropDevice force-closes the device's live session, if any. Used when a
// device is unpaired out from under its connection.
func (r *Registry) DropDevice(ctx context.Context, deviceID string) {
	r.mu.RLock()
	entry, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.UnregisterDevice(ctx, deviceID, entry.conn)
	entry.conn.Close()
}

// Heartbeat refreshes the device's liveness without a reconnect.
func (r *Registry) Heartbeat(deviceID string) bool {
	now := r.now().UTC()
	r.mu.Lock()
	entry, ok := r.devices[deviceID]
	if ok {
		entry.lastHeartbeat = now
	}
	r.mu.Unlock()
	return ok
}

// UpdateDeviceStatus records a device status report, persists last-seen, and
// fans the report out to watchers as a presence event.
func (r *Registry) UpdateDeviceStatus(ctx context.Context, deviceID string, status map[string]any) {
	now := r.now().UTC()

	r.mu.Lock()
	entry, ok := r.devices[deviceID]
	if ok {
		entry.status = status
		entry.lastHeartbeat = now
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := r.store.UpdateDevicePresence(ctx, deviceID, store.DeviceOnline, now, status); err != nil {
		r.logger.Error("failed to persist device status", "device_id", deviceID, "err", err)
	}
	r.broadcastPresence(deviceID, true, now, status)
}

// IsDeviceOnline reports whether the device holds a live session.
func (r *Registry) IsDeviceOnline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[deviceID]
	return ok
}

// DeviceStatus returns the last in-memory status report for an online
// device.
func (r *Registry) DeviceStatus(deviceID string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}
	return entry.status, true
}

// SendToDevice delivers v to the device's live session, if any.
func (r *Registry) SendToDevice(deviceID string, v any) bool {
	r.mu.RLock()
	entry, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return entry.conn.Send(v)
}

// BroadcastToWatchers delivers v to every controller session scoped to the
// device. Slow or closed watchers are skipped, not waited on.
func (r *Registry) BroadcastToWatchers(deviceID string, v any) int {
	r.mu.RLock()
	entries := make([]*controllerEntry, 0, len(r.watchers[deviceID]))
	for _, e := range r.watchers[deviceID] {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sent := 0
	for _, e := range entries {
		if e.conn.Send(v) {
			sent++
		}
	}
	return sent
}

// ControllerDevice returns the device a connected controller is bound to.
func (r *Registry) ControllerDevice(controllerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.controllers[controllerID]
	if !ok {
		return "", false
	}
	return entry.deviceID, true
}

// SendToController delivers v to the controller's live session, if any.
func (r *Registry) SendToController(controllerID string, v any) bool {
	r.mu.RLock()
	entry, ok := r.controllers[controllerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return entry.conn.Send(v)
}

// Stats reports how many sessions of each kind are live.
func (r *Registry) Stats() (devices, controllers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices), len(r.controllers)
}

func (r *Registry) broadcastPresence(deviceID string, online bool, lastSeen time.Time, status map[string]any) {
	r.BroadcastToWatchers(deviceID, PresenceEvent{
		Type:      "server:device_status",
		Timestamp: lastSeen,
		DeviceID:  deviceID,
		Online:    online,
		LastSeen:  lastSeen,
		Status:    status,
	})
}

// PresenceEvent is the wire payload broadcast to a device's watchers on
// every presence transition and status report.
type PresenceEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	DeviceID  string         `json:"deviceId"`
	Online    bool           `json:"online"`
	LastSeen  time.Time      `json:"lastSeen"`
	Status    map[string]any `json:"status,omitempty"`
}

// RunHeartbeatMonitor sweeps for devices whose heartbeats stopped and treats
// them as disconnected before the transport notices. The stale session is
// unregistered (broadcasting offline) and its transport closed; the eventual
// read-loop exit is then a no-op.
func (r *Registry) RunHeartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepStaleDevices(ctx)
		}
	}
}

func (r *Registry) sweepStaleDevices(ctx context.Context) {
	cutoff := r.now().UTC().Add(-time.Duration(r.graceMultiple) * r.heartbeatInterval)

	type stale struct {
		id   string
		conn Conn
	}
	var expired []stale

	r.mu.RLock()
	for id, entry := range r.devices {
		if entry.lastHeartbeat.Before(cutoff) {
			expired = append(expired, stale{id: id, conn: entry.conn})
		}
	}
	r.mu.RUnlock()

	for _, s := range expired {
		r.metrics.Inc(metrics.HeartbeatTimeouts)
		r.logger.Warn("device heartbeat timed out", "device_id", s.id)
		r.UnregisterDevice(ctx, s.id, s.conn)
		s.conn.Close()
	}
}
