package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/remoteeye/relay/internal/command"
)

// Memory is an in-memory Store for tests and single-node dev setups.
type Memory struct {
	mu          sync.RWMutex
	devices     map[string]Device
	controllers map[string]Controller
	pairings    map[string]PairingCode
	commands    map[string]command.Command
	cmdOrder    []string // command ids in insertion order
	recordings  map[string]Recording
	recOrder    []string
}

func NewMemory() *Memory {
	return &Memory{
		devices:     make(map[string]Device),
		controllers: make(map[string]Controller),
		pairings:    make(map[string]PairingCode),
		commands:    make(map[string]command.Command),
		recordings:  make(map[string]Recording),
	}
}

func (m *Memory) CreateDevice(_ context.Context, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; ok {
		return ErrAlreadyExists
	}
	m.devices[d.ID] = d
	return nil
}

func (m *Memory) Device(_ context.Context, id string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) Devices(_ context.Context) ([]Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateDevicePresence(_ context.Context, id string, status DeviceStatus, lastSeen time.Time, current map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.LastSeen = lastSeen
	d.UpdatedAt = lastSeen
	if current != nil {
		d.CurrentStatus = current
	}
	m.devices[id] = d
	return nil
}

func (m *Memory) UpdateDeviceProfile(_ context.Context, id string, name string, settings map[string]any) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	if name != "" {
		d.Name = name
	}
	if settings != nil {
		d.Settings = settings
	}
	m.devices[id] = d
	return d, nil
}

func (m *Memory) SetDevicePushToken(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.PushToken = token
	m.devices[id] = d
	return nil
}

func (m *Memory) DeleteDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return ErrNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *Memory) CreateController(_ context.Context, c Controller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.controllers[c.ID]; ok {
		return ErrAlreadyExists
	}
	m.controllers[c.ID] = c
	return nil
}

func (m *Memory) Controller(_ context.Context, id string) (Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.controllers[id]
	if !ok {
		return Controller{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) CreatePairingCode(_ context.Context, pc PairingCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairings[pc.Code]; ok {
		return ErrAlreadyExists
	}
	m.pairings[pc.Code] = pc
	return nil
}

func (m *Memory) PairingCode(_ context.Context, code string) (PairingCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.pairings[code]
	if !ok {
		return PairingCode{}, ErrNotFound
	}
	return pc, nil
}

func (m *Memory) MarkPairingCodeUsed(_ context.Context, code, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pairings[code]
	if !ok {
		return ErrNotFound
	}
	pc.Used = true
	pc.DeviceID = deviceID
	m.pairings[code] = pc
	return nil
}

func (m *Memory) DeleteExpiredPairingCodes(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for code, pc := range m.pairings {
		if !pc.Used && pc.ExpiresAt.Before(before) {
			delete(m.pairings, code)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateCommand(_ context.Context, c command.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commands[c.ID]; ok {
		return ErrAlreadyExists
	}
	m.commands[c.ID] = c
	m.cmdOrder = append(m.cmdOrder, c.ID)
	return nil
}

func (m *Memory) Command(_ context.Context, id string) (command.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[id]
	if !ok {
		return command.Command{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) DeviceCommands(_ context.Context, deviceID string, limit, offset int) ([]command.Command, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []command.Command
	// Newest first, as the dashboard shows history.
	for i := len(m.cmdOrder) - 1; i >= 0; i-- {
		c := m.commands[m.cmdOrder[i]]
		if c.DeviceID == deviceID {
			all = append(all, c)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *Memory) TransitionCommand(_ context.Context, id string, to command.Status, errMsg string, now time.Time) (command.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok {
		return command.Command{}, ErrNotFound
	}
	if !command.CanTransition(c.Status, to) {
		return command.Command{}, ErrStaleTransition
	}
	c.Status = to
	switch to {
	case command.StatusDelivered:
		c.DeliveredAt = &now
	case command.StatusCompleted, command.StatusFailed:
		c.CompletedAt = &now
	}
	if errMsg != "" {
		c.Error = errMsg
	}
	m.commands[id] = c
	return c, nil
}

func (m *Memory) CreateRecording(_ context.Context, r Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recordings[r.ID]; ok {
		return ErrAlreadyExists
	}
	m.recordings[r.ID] = r
	m.recOrder = append(m.recOrder, r.ID)
	return nil
}

func (m *Memory) Recording(_ context.Context, id string) (Recording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recordings[id]
	if !ok {
		return Recording{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Recordings(_ context.Context, f RecordingFilter) ([]Recording, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []Recording
	for i := len(m.recOrder) - 1; i >= 0; i-- {
		r := m.recordings[m.recOrder[i]]
		if f.DeviceID != "" && r.DeviceID != f.DeviceID {
			continue
		}
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		if f.TriggeredBy != "" && r.TriggeredBy != f.TriggeredBy {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && r.CreatedAt.After(f.Until) {
			continue
		}
		all = append(all, r)
	}
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *Memory) DeleteRecording(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recordings[id]; !ok {
		return ErrNotFound
	}
	delete(m.recordings, id)
	return nil
}

func (m *Memory) Ping(context.Context) error  { return nil }
func (m *Memory) Close(context.Context) error { return nil }
