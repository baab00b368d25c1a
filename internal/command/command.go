// Package command defines the command model and the per-device holding queue
// for commands that cannot be delivered immediately.
package command

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is the verb a controller asks a device to perform.
type Action string

const (
	ActionStartCamera           Action = "start_camera"
	ActionStopCamera            Action = "stop_camera"
	ActionSwitchCamera          Action = "switch_camera"
	ActionCapturePhoto          Action = "capture_photo"
	ActionStartAudio            Action = "start_audio"
	ActionStopAudio             Action = "stop_audio"
	ActionStartRecording        Action = "start_recording"
	ActionStopRecording         Action = "stop_recording"
	ActionGetLocation           Action = "get_location"
	ActionGetStatus             Action = "get_status"
	ActionSetSoundThreshold     Action = "set_sound_threshold"
	ActionEnableSoundDetection  Action = "enable_sound_detection"
	ActionDisableSoundDetection Action = "disable_sound_detection"
)

var knownActions = map[Action]struct{}{
	ActionStartCamera:           {},
	ActionStopCamera:            {},
	ActionSwitchCamera:          {},
	ActionCapturePhoto:          {},
	ActionStartAudio:            {},
	ActionStopAudio:             {},
	ActionStartRecording:        {},
	ActionStopRecording:         {},
	ActionGetLocation:           {},
	ActionGetStatus:             {},
	ActionSetSoundThreshold:     {},
	ActionEnableSoundDetection:  {},
	ActionDisableSoundDetection: {},
}

func ParseAction(raw string) (Action, error) {
	a := Action(raw)
	if _, ok := knownActions[a]; !ok {
		return "", fmt.Errorf("unknown command action %q", raw)
	}
	return a, nil
}

// Status is the lifecycle state of a command. Transitions are monotonic; a
// command never returns to pending once delivered.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusDelivered: 1,
	StatusExecuting: 2,
	StatusCompleted: 3,
	StatusFailed:    3,
}

// CanTransition reports whether moving from one status to another respects
// the monotonic lifecycle. Completed and failed are terminal.
func CanTransition(from, to Status) bool {
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == StatusCompleted || from == StatusFailed {
		return false
	}
	return toRank > fromRank
}

// AckStatus is what a device reports back about a delivered command.
type AckStatus string

const (
	AckReceived  AckStatus = "received"
	AckExecuting AckStatus = "executing"
	AckCompleted AckStatus = "completed"
	AckFailed    AckStatus = "failed"
)

func ParseAckStatus(raw string) (AckStatus, error) {
	switch AckStatus(raw) {
	case AckReceived, AckExecuting, AckCompleted, AckFailed:
		return AckStatus(raw), nil
	default:
		return "", fmt.Errorf("unknown ack status %q", raw)
	}
}

// CommandStatus maps a device ack onto the command lifecycle. "received" does
// not advance the lifecycle: delivery was already recorded when the send
// happened.
func (s AckStatus) CommandStatus() (Status, bool) {
	switch s {
	case AckExecuting:
		return StatusExecuting, true
	case AckCompleted:
		return StatusCompleted, true
	case AckFailed:
		return StatusFailed, true
	default:
		return "", false
	}
}

// Command is one controller instruction addressed to a device.
type Command struct {
	ID          string         `json:"id" bson:"_id"`
	DeviceID    string         `json:"deviceId" bson:"device_id"`
	Action      Action         `json:"action" bson:"action"`
	Params      map[string]any `json:"params,omitempty" bson:"params,omitempty"`
	Status      Status         `json:"status" bson:"status"`
	CreatedAt   time.Time      `json:"createdAt" bson:"created_at"`
	DeliveredAt *time.Time     `json:"deliveredAt,omitempty" bson:"delivered_at,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty" bson:"error,omitempty"`
}

// New creates a pending command addressed to deviceID.
func New(deviceID string, action Action, params map[string]any, now time.Time) Command {
	return Command{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Action:    action,
		Params:    params,
		Status:    StatusPending,
		CreatedAt: now,
	}
}
