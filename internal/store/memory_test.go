package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remoteeye/relay/internal/command"
)

func TestMemory_DeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	d := Device{ID: "dev-1", Name: "Nursery", Status: DeviceOffline, CreatedAt: now}
	require.NoError(t, m.CreateDevice(ctx, d))
	assert.ErrorIs(t, m.CreateDevice(ctx, d), ErrAlreadyExists)

	got, err := m.Device(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Nursery", got.Name)

	require.NoError(t, m.UpdateDevicePresence(ctx, "dev-1", DeviceOnline, now.Add(time.Minute), map[string]any{"battery": 80}))
	got, err = m.Device(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, DeviceOnline, got.Status)
	assert.Equal(t, now.Add(time.Minute), got.LastSeen)

	updated, err := m.UpdateDeviceProfile(ctx, "dev-1", "Bedroom", map[string]any{"soundThreshold": 0.5})
	require.NoError(t, err)
	assert.Equal(t, "Bedroom", updated.Name)

	require.NoError(t, m.SetDevicePushToken(ctx, "dev-1", "fcm-token"))
	got, _ = m.Device(ctx, "dev-1")
	assert.Equal(t, "fcm-token", got.PushToken)

	require.NoError(t, m.DeleteDevice(ctx, "dev-1"))
	_, err = m.Device(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_PairingCodes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	pc := PairingCode{Code: "A1B2C3", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
	require.NoError(t, m.CreatePairingCode(ctx, pc))

	require.NoError(t, m.MarkPairingCodeUsed(ctx, "A1B2C3", "dev-1"))
	got, err := m.PairingCode(ctx, "A1B2C3")
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, "dev-1", got.DeviceID)

	// Used codes are never cleaned up; unexpired unused codes survive too.
	expired := PairingCode{Code: "D4E5F6", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-50 * time.Minute)}
	fresh := PairingCode{Code: "ABCDEF", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
	require.NoError(t, m.CreatePairingCode(ctx, expired))
	require.NoError(t, m.CreatePairingCode(ctx, fresh))

	n, err := m.DeleteExpiredPairingCodes(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.PairingCode(ctx, "D4E5F6")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.PairingCode(ctx, "A1B2C3")
	assert.NoError(t, err)
}

func TestMemory_CommandTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cmd := command.New("dev-1", command.ActionStartCamera, nil, now)
	require.NoError(t, m.CreateCommand(ctx, cmd))

	delivered, err := m.TransitionCommand(ctx, cmd.ID, command.StatusDelivered, "", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, command.StatusDelivered, delivered.Status)
	require.NotNil(t, delivered.DeliveredAt)

	// Going backwards is refused.
	_, err = m.TransitionCommand(ctx, cmd.ID, command.StatusPending, "", now)
	assert.ErrorIs(t, err, ErrStaleTransition)

	failed, err := m.TransitionCommand(ctx, cmd.ID, command.StatusFailed, "camera unavailable", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "camera unavailable", failed.Error)
	require.NotNil(t, failed.CompletedAt)

	// Terminal states stay terminal.
	_, err = m.TransitionCommand(ctx, cmd.ID, command.StatusCompleted, "", now)
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func TestMemory_DeviceCommandsPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.CreateCommand(ctx, command.New("dev-1", command.ActionGetStatus, nil, now)))
	}
	require.NoError(t, m.CreateCommand(ctx, command.New("dev-2", command.ActionGetStatus, nil, now)))

	cmds, total, err := m.DeviceCommands(ctx, "dev-1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, cmds, 2)

	cmds, _, err = m.DeviceCommands(ctx, "dev-1", 10, 4)
	require.NoError(t, err)
	assert.Len(t, cmds, 1)
}

func TestMemory_RecordingFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []Recording{
		{ID: "r1", DeviceID: "dev-1", Type: RecordingPhoto, TriggeredBy: "manual", CreatedAt: now},
		{ID: "r2", DeviceID: "dev-1", Type: RecordingAudio, TriggeredBy: "sound_detection", CreatedAt: now.Add(time.Hour)},
		{ID: "r3", DeviceID: "dev-2", Type: RecordingAudio, TriggeredBy: "manual", CreatedAt: now.Add(2 * time.Hour)},
	}
	for _, r := range recs {
		require.NoError(t, m.CreateRecording(ctx, r))
	}

	got, total, err := m.Recordings(ctx, RecordingFilter{DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, got, 2)

	got, _, err = m.Recordings(ctx, RecordingFilter{Type: RecordingAudio, TriggeredBy: "sound_detection"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].ID)

	got, _, err = m.Recordings(ctx, RecordingFilter{Since: now.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
