package protocol

import (
	"bytes"
	"testing"
)

func TestParse_ControlMessages(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Type
	}{
		{"device register", `{"type":"device:register","deviceId":"dev-1","deviceInfo":{"model":"pixel"}}`, TypeDeviceRegister},
		{"device status", `{"type":"device:status","deviceId":"dev-1","status":{"battery":80}}`, TypeDeviceStatus},
		{"heartbeat", `{"type":"device:heartbeat","deviceId":"dev-1"}`, TypeDeviceHeartbeat},
		{"command ack", `{"type":"device:command_ack","commandId":"cmd-1","status":"completed"}`, TypeDeviceCommandAck},
		{"controller register", `{"type":"controller:register","controllerId":"ctl-1","deviceId":"dev-1"}`, TypeControllerRegister},
		{"controller command", `{"type":"controller:command","action":"start_camera","params":{"quality":"high"}}`, TypeControllerCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.in))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := msg.messageType(); got != tt.want {
				t.Fatalf("type=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestParse_FieldExtraction(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"device:command_ack","commandId":"cmd-1","status":"failed","error":"camera busy"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ack, ok := msg.(CommandAck)
	if !ok {
		t.Fatalf("got %T, want CommandAck", msg)
	}
	if ack.CommandID != "cmd-1" || ack.Status != "failed" || ack.Error != "camera busy" {
		t.Fatalf("ack=%+v", ack)
	}
}

func TestParse_MediaKeepsRawBytes(t *testing.T) {
	raw := []byte(`{"type":"device:frame","deviceId":"dev-1","frame":"b64data","seq":17}`)
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	media, ok := msg.(MediaEvent)
	if !ok {
		t.Fatalf("got %T, want MediaEvent", msg)
	}
	if media.Kind != TypeDeviceFrame || media.DeviceID != "dev-1" {
		t.Fatalf("media=%+v", media)
	}
	if !bytes.Equal(media.Raw, raw) {
		t.Fatal("raw bytes not preserved")
	}
}

func TestParse_RecordingComplete(t *testing.T) {
	raw := []byte(`{"type":"device:recording_complete","deviceId":"dev-1","recording":{"type":"audio","objectKey":"rec/1.ogg","duration":12.5,"triggeredBy":"sound_detection"}}`)
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rc, ok := msg.(RecordingComplete)
	if !ok {
		t.Fatalf("got %T, want RecordingComplete", msg)
	}
	if rc.Recording.Type != "audio" || rc.Recording.Duration != 12.5 {
		t.Fatalf("recording=%+v", rc.Recording)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", `nope`},
		{"unknown type", `{"type":"device:selfdestruct"}`},
		{"empty type", `{"deviceId":"dev-1"}`},
		{"ack without command id", `{"type":"device:command_ack","status":"completed"}`},
		{"command without action", `{"type":"controller:command","params":{}}`},
		{"recording without type", `{"type":"device:recording_complete","deviceId":"dev-1","recording":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.in)); err == nil {
				t.Fatal("Parse accepted malformed input")
			}
		})
	}
}
