package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// gatewayRequest is the payload sent to the push gateway's POST /v1/notify
// endpoint.
type gatewayRequest struct {
	DeviceToken  string        `json:"device_token"`
	PushPlatform string        `json:"push_platform"` // "fcm" or "apns"
	Op           string        `json:"op"`            // "post" or "cancel"
	Notification *Notification `json:"notification,omitempty"`
	ID           string        `json:"id"`
}

type gatewayResponse struct {
	Delivered bool `json:"delivered"`
}

// envelope is the standard push gateway response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// GatewaySender relays notifications through an HTTP push gateway.
type GatewaySender struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	deviceToken string
	platform    string
}

// NewGatewaySender creates a sender for the gateway at baseURL
// (e.g. "https://push.flowpbx.com") that targets one device.
func NewGatewaySender(baseURL, apiKey, deviceToken, platform string) *GatewaySender {
	return &GatewaySender{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     baseURL,
		apiKey:      apiKey,
		deviceToken: deviceToken,
		platform:    platform,
	}
}

// Configured reports whether the sender has an endpoint, key and device.
func (g *GatewaySender) Configured() bool {
	return g.baseURL != "" && g.apiKey != "" && g.deviceToken != ""
}

func (g *GatewaySender) Post(ctx context.Context, n Notification) error {
	return g.send(ctx, gatewayRequest{Op: "post", Notification: &n, ID: n.ID})
}

func (g *GatewaySender) Cancel(ctx context.Context, id string) error {
	return g.send(ctx, gatewayRequest{Op: "cancel", ID: id})
}

func (g *GatewaySender) send(ctx context.Context, req gatewayRequest) error {
	req.DeviceToken = g.deviceToken
	req.PushPlatform = g.platform

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("gateway: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/notify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gateway: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("gateway: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return fmt.Errorf("gateway: error (status %d): %s", resp.StatusCode, env.Error)
		}
		return fmt.Errorf("gateway: returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("gateway: decoding response: %w", err)
	}
	var out gatewayResponse
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return fmt.Errorf("gateway: decoding response data: %w", err)
	}
	if !out.Delivered {
		return fmt.Errorf("gateway: %s %s not delivered", req.Op, req.ID)
	}

	slog.Debug("gateway notification sent", "op", req.Op, "id", req.ID, "platform", g.platform)
	return nil
}
