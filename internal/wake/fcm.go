package wake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// FCM sends silent high-priority data pushes. The device's push service
// delivers them even while the app process is dormant, which is the whole
// point of the escalation.
type FCM struct {
	endpoint  string
	serverKey string
	client    *http.Client
}

func NewFCM(endpoint, serverKey string) *FCM {
	return &FCM{
		endpoint:  endpoint,
		serverKey: serverKey,
		client:    &http.Client{},
	}
}

func (f *FCM) Name() string { return "fcm" }

type fcmRequest struct {
	To       string            `json:"to"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data"`
}

func (f *FCM) Notify(ctx context.Context, n Notification) error {
	if n.PushToken == "" {
		return errNoPushToken
	}

	data := map[string]string{
		"type":      string(n.Kind),
		"device_id": n.DeviceID,
	}
	if n.CommandID != "" {
		data["command_id"] = n.CommandID
	}
	if n.Action != "" {
		data["action"] = n.Action
	}

	body, err := json.Marshal(fcmRequest{To: n.PushToken, Priority: "high", Data: data})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.serverKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fcm: unexpected status %d", resp.StatusCode)
	}
	return nil
}
