// Package tapo talks to the TP-Link Tapo cloud: account token issuance,
// account device listing and hub child-device listing through the cloud
// passthrough. Every call is network-bound and fallible; callers decide
// how to degrade.
package tapo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultBaseURL is the EU cloud endpoint the original firmware apps use.
const DefaultBaseURL = "https://eu-wap.tplinkcloud.com/"

const defaultTimeout = 10 * time.Second

// APIError is a cloud response with a non-zero error code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tapo: cloud API error %d: %s", e.Code, e.Message)
}

// Client issues requests against the Tapo cloud.
type Client struct {
	httpClient *http.Client
	baseURL    string
	lg         zerolog.Logger
}

// Option customises the client.
type Option func(*Client)

// WithBaseURL overrides the cloud endpoint (tests point this at a local
// server).
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = base
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger attaches a logger for request failures.
func WithLogger(lg zerolog.Logger) Option {
	return func(c *Client) {
		c.lg = lg.With().Str("component", "tapo").Logger()
	}
}

// NewClient constructs a cloud client with a bounded request timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    DefaultBaseURL,
		lg:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the outer shape of every cloud response.
type envelope struct {
	ErrorCode int             `json:"error_code"`
	Msg       string          `json:"msg"`
	Result    json.RawMessage `json:"result"`
}

type loginParams struct {
	AppType       string `json:"appType"`
	CloudUserName string `json:"cloudUserName"`
	CloudPassword string `json:"cloudPassword"`
	TerminalUUID  string `json:"terminalUUID"`
}

type cloudRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// IssueToken authenticates the cloud account and returns a session token.
func (c *Client) IssueToken(ctx context.Context, login, password string) (string, error) {
	req := cloudRequest{
		Method: "login",
		Params: loginParams{
			AppType:       "Tapo_Android",
			CloudUserName: login,
			CloudPassword: password,
			TerminalUUID:  uuid.NewString(),
		},
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, c.baseURL, req, &result); err != nil {
		return "", fmt.Errorf("tapo: issue token: %w", err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("tapo: issue token: empty token in response")
	}
	return result.Token, nil
}

// ListDevices returns every device registered to the account.
func (c *Client) ListDevices(ctx context.Context, token string) ([]CloudDevice, error) {
	endpoint, err := withToken(c.baseURL, token)
	if err != nil {
		return nil, fmt.Errorf("tapo: list devices: %w", err)
	}

	var result struct {
		DeviceList []CloudDevice `json:"deviceList"`
	}
	if err := c.post(ctx, endpoint, cloudRequest{Method: "getDeviceList"}, &result); err != nil {
		return nil, fmt.Errorf("tapo: list devices: %w", err)
	}
	return result.DeviceList, nil
}

// HubSession is an authenticated handle to a single hub, reached via the
// hub's regional app server.
type HubSession struct {
	client *Client
	hub    CloudDevice
	token  string
}

// HubLogin authenticates against the hub's app server and returns a
// session for passthrough requests.
func (c *Client) HubLogin(ctx context.Context, login, password string, hub CloudDevice) (*HubSession, error) {
	base := hub.AppServerURL
	if base == "" {
		base = c.baseURL
	}

	req := cloudRequest{
		Method: "login",
		Params: loginParams{
			AppType:       "Tapo_Android",
			CloudUserName: login,
			CloudPassword: password,
			TerminalUUID:  uuid.NewString(),
		},
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, base, req, &result); err != nil {
		return nil, fmt.Errorf("tapo: hub login %s: %w", hub.DeviceID, err)
	}
	if result.Token == "" {
		return nil, fmt.Errorf("tapo: hub login %s: empty token in response", hub.DeviceID)
	}

	return &HubSession{client: c, hub: hub, token: result.Token}, nil
}

// ChildDevices lists the devices paired to the hub.
func (s *HubSession) ChildDevices(ctx context.Context) ([]ChildDevice, error) {
	base := s.hub.AppServerURL
	if base == "" {
		base = s.client.baseURL
	}
	endpoint, err := withToken(base, s.token)
	if err != nil {
		return nil, fmt.Errorf("tapo: child devices %s: %w", s.hub.DeviceID, err)
	}

	inner, err := json.Marshal(cloudRequest{Method: "get_child_device_list"})
	if err != nil {
		return nil, fmt.Errorf("tapo: child devices %s: encode request: %w", s.hub.DeviceID, err)
	}

	req := cloudRequest{
		Method: "passthrough",
		Params: map[string]any{
			"deviceId":    s.hub.DeviceID,
			"requestData": string(inner),
		},
	}

	var result struct {
		ResponseData string `json:"responseData"`
	}
	if err := s.client.post(ctx, endpoint, req, &result); err != nil {
		return nil, fmt.Errorf("tapo: child devices %s: %w", s.hub.DeviceID, err)
	}

	var list struct {
		ChildDeviceList []ChildDevice `json:"child_device_list"`
	}
	if err := json.Unmarshal([]byte(result.ResponseData), &list); err != nil {
		return nil, fmt.Errorf("tapo: child devices %s: decode response data: %w", s.hub.DeviceID, err)
	}
	return list.ChildDeviceList, nil
}

// HubChildDevices logs into the hub and lists its children in one call.
func (c *Client) HubChildDevices(ctx context.Context, login, password string, hub CloudDevice) ([]ChildDevice, error) {
	session, err := c.HubLogin(ctx, login, password, hub)
	if err != nil {
		return nil, err
	}
	return session.ChildDevices(ctx)
}

func (c *Client) post(ctx context.Context, endpoint string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.ErrorCode != 0 {
		return &APIError{Code: env.ErrorCode, Message: env.Msg}
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func withToken(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
