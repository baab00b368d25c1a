// Package store persists devices, controllers, pairing codes, command
// history, and recording metadata. The gateway's live sessions are never
// stored here; they die with their connections.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/remoteeye/relay/internal/command"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrAlreadyExists   = errors.New("store: already exists")
	ErrStaleTransition = errors.New("store: command status transition not allowed")
)

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// Device is a paired sensor-bearing client.
type Device struct {
	ID            string         `bson:"_id"`
	Name          string         `bson:"name"`
	SecretHash    string         `bson:"secret_hash"`
	Status        DeviceStatus   `bson:"status"`
	LastSeen      time.Time      `bson:"last_seen"`
	DeviceInfo    map[string]any `bson:"device_info,omitempty"`
	CurrentStatus map[string]any `bson:"current_status,omitempty"`
	Settings      map[string]any `bson:"settings,omitempty"`
	PushToken     string         `bson:"push_token,omitempty"`
	CreatedAt     time.Time      `bson:"created_at"`
	UpdatedAt     time.Time      `bson:"updated_at"`
}

// Controller is an operator client bound to exactly one device at
// registration.
type Controller struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name,omitempty"`
	DeviceID  string    `bson:"device_id"`
	CreatedAt time.Time `bson:"created_at"`
}

// PairingCode is a single-use credential binding a registration to a device.
// Codes are stored upper-cased; lookups must normalize before calling in.
type PairingCode struct {
	Code      string    `bson:"_id"`
	DeviceID  string    `bson:"device_id,omitempty"`
	Used      bool      `bson:"used"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type RecordingType string

const (
	RecordingAudio RecordingType = "audio"
	RecordingVideo RecordingType = "video"
	RecordingPhoto RecordingType = "photo"
)

// Recording is metadata about a captured blob; the bytes themselves live in
// the external blob store under BlobKey.
type Recording struct {
	ID          string         `bson:"_id"`
	DeviceID    string         `bson:"device_id"`
	Type        RecordingType  `bson:"type"`
	Filename    string         `bson:"filename"`
	BlobKey     string         `bson:"blob_key,omitempty"`
	Duration    int            `bson:"duration,omitempty"` // seconds, audio/video only
	Size        int64          `bson:"size"`
	TriggeredBy string         `bson:"triggered_by"` // manual | sound_detection
	Metadata    map[string]any `bson:"metadata,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
}

// RecordingFilter narrows Recordings listings.
type RecordingFilter struct {
	DeviceID    string
	Type        RecordingType
	TriggeredBy string
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

// Store is the persistence boundary. Implementations must be safe for
// concurrent use.
type Store interface {
	CreateDevice(ctx context.Context, d Device) error
	Device(ctx context.Context, id string) (Device, error)
	Devices(ctx context.Context) ([]Device, error)
	UpdateDevicePresence(ctx context.Context, id string, status DeviceStatus, lastSeen time.Time, current map[string]any) error
	UpdateDeviceProfile(ctx context.Context, id string, name string, settings map[string]any) (Device, error)
	SetDevicePushToken(ctx context.Context, id, token string) error
	DeleteDevice(ctx context.Context, id string) error

	CreateController(ctx context.Context, c Controller) error
	Controller(ctx context.Context, id string) (Controller, error)

	CreatePairingCode(ctx context.Context, pc PairingCode) error
	PairingCode(ctx context.Context, code string) (PairingCode, error)
	MarkPairingCodeUsed(ctx context.Context, code, deviceID string) error
	DeleteExpiredPairingCodes(ctx context.Context, before time.Time) (int, error)

	CreateCommand(ctx context.Context, c command.Command) error
	Command(ctx context.Context, id string) (command.Command, error)
	DeviceCommands(ctx context.Context, deviceID string, limit, offset int) ([]command.Command, int, error)
	// TransitionCommand advances a command's status, stamping delivered/
	// completed times as appropriate. Transitions that would move backwards
	// (or out of a terminal state) fail with ErrStaleTransition.
	TransitionCommand(ctx context.Context, id string, to command.Status, errMsg string, now time.Time) (command.Command, error)

	CreateRecording(ctx context.Context, r Recording) error
	Recording(ctx context.Context, id string) (Recording, error)
	Recordings(ctx context.Context, f RecordingFilter) ([]Recording, int, error)
	DeleteRecording(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
