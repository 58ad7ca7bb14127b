// Package client is the client side of the sync plane: the REST surface
// a terminal uses against the master (auth, registration, heartbeats,
// forwarded pushes, pulls) and the peer loop that keeps a client-role
// terminal registered, reconciled and connected to whoever holds the
// master role.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
	"github.com/storegrid/tillsync/internal/services"
)

// AddrResolver maps a device id to the base URL its REST surface listens
// on.
type AddrResolver func(deviceID string) string

// TemplateResolver expands a printf-style template such as
// "http://%s:8080" with the device id.
func TemplateResolver(template string) AddrResolver {
	return func(deviceID string) string {
		return fmt.Sprintf(template, deviceID)
	}
}

// SyncClient wraps resty with the sync plane's standard retry schedule
// (three attempts, 1s to 4s backoff).
type SyncClient struct {
	http    *resty.Client
	resolve AddrResolver
	token   string
	log     *logger.Logger
}

func NewSyncClient(resolve AddrResolver, token string, log *logger.Logger) *SyncClient {
	httpClient := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(4 * time.Second)

	return &SyncClient{
		http:    httpClient,
		resolve: resolve,
		token:   token,
		log:     log,
	}
}

// SetToken swaps the bearer token after (re-)authentication.
func (c *SyncClient) SetToken(token string) {
	c.token = token
}

// Token returns the bearer token acquired by Authenticate, for callers
// that open other channels (the websocket, for one) with it.
func (c *SyncClient) Token() string {
	return c.token
}

func (c *SyncClient) request(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx).SetHeader("Content-Type", "application/json")
	if c.token != "" {
		req.SetHeader("Authorization", "Bearer "+c.token)
	}
	return req
}

// apiError mirrors the structured error body of the REST surface.
type apiError struct {
	Error     string    `json:"error"`
	ErrorCode string    `json:"error_code"`
	Timestamp time.Time `json:"timestamp"`
}

func decodeFailure(resp *resty.Response) error {
	var body apiError
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.ErrorCode != "" {
		return fmt.Errorf("%s: %s (status %d)", body.ErrorCode, body.Error, resp.StatusCode())
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode())
}

// Authenticate exchanges the enrollment secret for a bearer token at the
// target device and stores it on the client.
func (c *SyncClient) Authenticate(ctx context.Context, targetDevice, deviceID, enrollSecret string) error {
	var out struct {
		Token string `json:"token"`
	}
	resp, err := c.request(ctx).
		SetBody(map[string]string{"device_id": deviceID, "enroll_secret": enrollSecret}).
		SetResult(&out).
		Post(c.resolve(targetDevice) + "/auth/token")
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	if resp.IsError() {
		return decodeFailure(resp)
	}
	c.token = out.Token
	return nil
}

// Register announces this device to the target terminal's registry.
func (c *SyncClient) Register(ctx context.Context, targetDevice string, req services.RegisterRequest) (*services.RegistrationResult, error) {
	var out services.RegistrationResult
	resp, err := c.request(ctx).
		SetBody(req).
		SetResult(&out).
		Post(c.resolve(targetDevice) + "/device/register")
	if err != nil {
		return nil, fmt.Errorf("register request failed: %w", err)
	}
	if resp.IsError() {
		return nil, decodeFailure(resp)
	}
	return &out, nil
}

// Heartbeat refreshes this device's liveness at the target terminal.
func (c *SyncClient) Heartbeat(ctx context.Context, targetDevice, deviceID string) error {
	resp, err := c.request(ctx).
		SetBody(map[string]string{"device_id": deviceID}).
		Post(c.resolve(targetDevice) + "/device/heartbeat")
	if err != nil {
		return fmt.Errorf("heartbeat request failed: %w", err)
	}
	if resp.IsError() {
		return decodeFailure(resp)
	}
	return nil
}

// ForwardPush implements services.Forwarder: a client-role node relays a
// write to the current master.
func (c *SyncClient) ForwardPush(ctx context.Context, master *models.Device, deviceID string, change *models.ChangeRecord) (*services.PushResult, error) {
	var out services.PushResult
	resp, err := c.request(ctx).
		SetBody(map[string]any{
			"device_id":        deviceID,
			"record_key":       change.RecordKey,
			"operation":        change.Operation,
			"payload":          json.RawMessage(change.Payload),
			"origin_timestamp": change.OriginTimestamp,
		}).
		SetResult(&out).
		Post(c.resolve(master.DeviceID) + "/sync/push")
	if err != nil {
		return nil, fmt.Errorf("forward push failed: %w", err)
	}
	if resp.IsError() {
		return nil, decodeFailure(resp)
	}
	return &out, nil
}

// Pull fetches all changes after since from the master, for polling
// clients that resume from their last-applied sequence id.
func (c *SyncClient) Pull(ctx context.Context, master, deviceID string, since int64) (*services.PullResult, error) {
	var out services.PullResult
	resp, err := c.request(ctx).
		SetQueryParam("device_id", deviceID).
		SetQueryParam("since_sequence_id", fmt.Sprintf("%d", since)).
		SetResult(&out).
		Get(c.resolve(master) + "/sync/pull")
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	if resp.IsError() {
		return nil, decodeFailure(resp)
	}
	return &out, nil
}
