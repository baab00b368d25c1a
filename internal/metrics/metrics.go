package metrics

import "sync"

// Counter names used across the relay. Names are intentionally simple; a
// follow-up metrics task can standardize and export these via Prometheus/OTel.
const (
	CommandsDelivered = "commands_delivered"
	CommandsQueued    = "commands_queued"
	CommandsEvicted   = "commands_evicted"
	CommandsDrained   = "commands_drained"
	AcksRelayed       = "acks_relayed"
	AcksDropped       = "acks_dropped"

	PresenceOnline  = "presence_online"
	PresenceOffline = "presence_offline"

	SessionsEvicted    = "sessions_evicted"
	HeartbeatTimeouts  = "heartbeat_timeouts"
	AuthRejected       = "auth_rejected"
	PermissionDenied   = "permission_denied"
	WakePushSent       = "wake_push_sent"
	WakePushFailed     = "wake_push_failed"
	MediaEventsRelayed = "media_events_relayed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps the session/dispatch logic testable without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
