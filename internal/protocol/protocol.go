// Package protocol defines the relay's websocket message surface. Inbound
// frames are decoded exactly once, at the gateway boundary, into a closed set
// of typed messages; everything past the boundary works with these types.
//
// Media events are the exception: their payloads are opaque to the relay and
// the original bytes are carried alongside for verbatim fan-out.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	// Device to server.
	TypeDeviceRegister          Type = "device:register"
	TypeDeviceStatus            Type = "device:status"
	TypeDeviceHeartbeat         Type = "device:heartbeat"
	TypeDeviceFrame             Type = "device:frame"
	TypeDeviceAudio             Type = "device:audio"
	TypeDevicePhoto             Type = "device:photo"
	TypeDeviceLocation          Type = "device:location"
	TypeDeviceSoundDetected     Type = "device:sound_detected"
	TypeDeviceRecordingComplete Type = "device:recording_complete"
	TypeDeviceCommandAck        Type = "device:command_ack"

	// Controller to server.
	TypeControllerRegister Type = "controller:register"
	TypeControllerCommand  Type = "controller:command"

	// Server to client.
	TypeServerRegistered      Type = "server:registered"
	TypeServerDeviceStatus    Type = "server:device_status"
	TypeServerCommandResult   Type = "server:command_result"
	TypeServerCommandQueued   Type = "server:command_queued"
	TypeServerCommandAck      Type = "server:command_ack"
	TypeServerCommandDelivery Type = "server:command"
	TypeServerHeartbeatAck    Type = "server:heartbeat_ack"
	TypeServerError           Type = "server:error"
)

// Message is the closed set of inbound frames. Exactly one concrete type per
// wire type.
type Message interface {
	messageType() Type
}

// DeviceRegister announces a device session. The device id must match the
// session's authenticated subject; the gateway enforces that.
type DeviceRegister struct {
	DeviceID   string         `json:"deviceId"`
	DeviceInfo map[string]any `json:"deviceInfo,omitempty"`
}

// DeviceStatusReport carries a periodic device status object.
type DeviceStatusReport struct {
	DeviceID string         `json:"deviceId"`
	Status   map[string]any `json:"status"`
}

// DeviceHeartbeat refreshes liveness without any payload.
type DeviceHeartbeat struct {
	DeviceID string `json:"deviceId"`
}

// MediaEvent is any of the opaque streaming events: frames, audio chunks,
// locations, sound detections. Raw holds the original frame for verbatim
// relay.
type MediaEvent struct {
	Kind     Type
	DeviceID string
	Raw      []byte
}

// DevicePhoto is a captured photo. Relayed like media, but also recorded.
type DevicePhoto struct {
	DeviceID string
	Photo    PhotoInfo
	Raw      []byte
}

type PhotoInfo struct {
	Filename    string `json:"filename,omitempty"`
	ObjectKey   string `json:"objectKey,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
	TriggeredBy string `json:"triggeredBy,omitempty"`
}

// RecordingComplete announces a finished upload. Relayed like media, but
// also recorded.
type RecordingComplete struct {
	DeviceID  string
	Recording RecordingInfo
	Raw       []byte
}

type RecordingInfo struct {
	Type        string  `json:"type"`
	Filename    string  `json:"filename,omitempty"`
	ObjectKey   string  `json:"objectKey,omitempty"`
	Duration    float64 `json:"duration,omitempty"` // seconds
	SizeBytes   int64   `json:"sizeBytes,omitempty"`
	TriggeredBy string  `json:"triggeredBy,omitempty"`
}

// CommandAck reports device-side command progress.
type CommandAck struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Result    any    `json:"result,omitempty"`
}

// ControllerRegister announces a controller session.
type ControllerRegister struct {
	ControllerID string `json:"controllerId"`
	DeviceID     string `json:"deviceId"`
}

// ControllerCommand asks the server to deliver a command to the controller's
// bound device.
type ControllerCommand struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

func (DeviceRegister) messageType() Type     { return TypeDeviceRegister }
func (DeviceStatusReport) messageType() Type { return TypeDeviceStatus }
func (DeviceHeartbeat) messageType() Type    { return TypeDeviceHeartbeat }
func (m MediaEvent) messageType() Type       { return m.Kind }
func (DevicePhoto) messageType() Type        { return TypeDevicePhoto }
func (RecordingComplete) messageType() Type  { return TypeDeviceRecordingComplete }
func (CommandAck) messageType() Type         { return TypeDeviceCommandAck }
func (ControllerRegister) messageType() Type { return TypeControllerRegister }
func (ControllerCommand) messageType() Type  { return TypeControllerCommand }

type envelope struct {
	Type Type `json:"type"`
}

// Parse decodes an inbound frame. Unknown types and malformed control
// messages fail; media payloads are validated only as far as the relay
// needs.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch env.Type {
	case TypeDeviceRegister:
		var m struct {
			DeviceRegister
			envelope
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return m.DeviceRegister, nil

	case TypeDeviceStatus:
		var m struct {
			DeviceStatusReport
			envelope
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return m.DeviceStatusReport, nil

	case TypeDeviceHeartbeat:
		var m struct {
			DeviceHeartbeat
			envelope
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return m.DeviceHeartbeat, nil

	case TypeDeviceFrame, TypeDeviceAudio, TypeDeviceLocation, TypeDeviceSoundDetected:
		var m struct {
			DeviceID string `json:"deviceId"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return MediaEvent{Kind: env.Type, DeviceID: m.DeviceID, Raw: data}, nil

	case TypeDevicePhoto:
		var m struct {
			DeviceID string    `json:"deviceId"`
			Photo    PhotoInfo `json:"photo"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return DevicePhoto{DeviceID: m.DeviceID, Photo: m.Photo, Raw: data}, nil

	case TypeDeviceRecordingComplete:
		var m struct {
			DeviceID  string        `json:"deviceId"`
			Recording RecordingInfo `json:"recording"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		if m.Recording.Type == "" {
			return nil, fmt.Errorf("%s: missing recording type", env.Type)
		}
		return RecordingComplete{DeviceID: m.DeviceID, Recording: m.Recording, Raw: data}, nil

	case TypeDeviceCommandAck:
		var m struct {
			CommandAck
			envelope
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		if m.CommandID == "" {
			return nil, fmt.Errorf("%s: missing commandId", env.Type)
		}
		return m.CommandAck, nil

	case TypeControllerRegister:
		var m struct {
			ControllerRegister
			envelope
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return m.ControllerRegister, nil

	case TypeControllerCommand:
		var m struct {
			ControllerCommand
			envelope
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		if m.Action == "" {
			return nil, fmt.Errorf("%s: missing action", env.Type)
		}
		return m.ControllerCommand, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// Outbound frames. Constructors stamp the type tag so callers cannot send a
// mistagged frame.

type ServerRegistered struct {
	Type           Type      `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	DeviceOnline   *bool     `json:"deviceOnline,omitempty"`
	QueuedCommands int       `json:"queuedCommands,omitempty"`
}

func NewServerRegistered(now time.Time) ServerRegistered {
	return ServerRegistered{Type: TypeServerRegistered, Timestamp: now}
}

// NewControllerRegistered includes the bound device's current presence so a
// controller does not have to wait for the next transition.
func NewControllerRegistered(now time.Time, deviceOnline bool) ServerRegistered {
	return ServerRegistered{Type: TypeServerRegistered, Timestamp: now, DeviceOnline: &deviceOnline}
}

type ServerCommandResult struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	CommandID string    `json:"commandId"`
	Status    string    `json:"status"`
}

func NewServerCommandResult(now time.Time, commandID, status string) ServerCommandResult {
	return ServerCommandResult{Type: TypeServerCommandResult, Timestamp: now, CommandID: commandID, Status: status}
}

type ServerCommandQueued struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	CommandID string    `json:"commandId"`
	Position  int       `json:"position"`
	Reason    string    `json:"reason"`
}

func NewServerCommandQueued(now time.Time, commandID string, position int) ServerCommandQueued {
	return ServerCommandQueued{
		Type:      TypeServerCommandQueued,
		Timestamp: now,
		CommandID: commandID,
		Position:  position,
		Reason:    "device_offline",
	}
}

// ServerCommandDelivery is the frame pushed to a device for each command.
type ServerCommandDelivery struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	CommandID string         `json:"commandId"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
}

func NewServerCommandDelivery(now time.Time, commandID, action string, params map[string]any) ServerCommandDelivery {
	return ServerCommandDelivery{
		Type:      TypeServerCommandDelivery,
		Timestamp: now,
		CommandID: commandID,
		Action:    action,
		Params:    params,
	}
}

// ServerCommandAck relays device-side command progress to watchers.
type ServerCommandAck struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"deviceId"`
	CommandID string    `json:"commandId"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Result    any       `json:"result,omitempty"`
}

func NewServerCommandAck(now time.Time, deviceID string, ack CommandAck) ServerCommandAck {
	return ServerCommandAck{
		Type:      TypeServerCommandAck,
		Timestamp: now,
		DeviceID:  deviceID,
		CommandID: ack.CommandID,
		Status:    ack.Status,
		Error:     ack.Error,
		Result:    ack.Result,
	}
}

type ServerHeartbeatAck struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewServerHeartbeatAck(now time.Time) ServerHeartbeatAck {
	return ServerHeartbeatAck{Type: TypeServerHeartbeatAck, Timestamp: now}
}

type ServerError struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewServerError(code, message string) ServerError {
	return ServerError{Type: TypeServerError, Code: code, Message: message}
}
