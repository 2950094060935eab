// Package registry talks to the device registration backend.
//
// The backend decides which serial numbers may be provisioned and records
// devices once they joined WiFi. Both calls are network round trips.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a single registry request.
const DefaultTimeout = 10 * time.Second

// ErrUnexpectedStatus is wrapped by errors for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected registry status")

// Validator is the registration backend contract.
type Validator interface {
	ValidateDeviceRegistration(ctx context.Context, serial string) (bool, error)
	RegisterDevice(ctx context.Context, serial, transportID, name string) (bool, error)
}

// HTTPClient implements Validator over the registry's JSON API:
//
//	GET  {base}/devices/{serial}/registration  → {"allowed": bool}
//	POST {base}/devices {serial, transport_id, name} → {"registered": bool}
type HTTPClient struct {
	base   *url.URL
	client *http.Client
	token  string
	logger *logrus.Logger
}

// Config configures an HTTPClient.
type Config struct {
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("registry base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse registry base URL")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("registry base URL must be http or https, got %q", raw)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &HTTPClient{base: base, client: client, token: cfg.Token, logger: logger}, nil
}

type registrationResponse struct {
	Allowed bool `json:"allowed"`
}

type registerRequest struct {
	Serial      string `json:"serial"`
	TransportID string `json:"transport_id"`
	Name        string `json:"name"`
}

type registerResponse struct {
	Registered bool `json:"registered"`
}

// ValidateDeviceRegistration asks whether serial may be provisioned.
func (c *HTTPClient) ValidateDeviceRegistration(ctx context.Context, serial string) (bool, error) {
	if serial == "" {
		return false, errors.New("serial number is required")
	}

	var resp registrationResponse
	if err := c.do(ctx, http.MethodGet, "devices/"+url.PathEscape(serial)+"/registration", nil, &resp); err != nil {
		return false, errors.Wrapf(err, "validate registration of %s", serial)
	}

	c.logger.WithFields(logrus.Fields{
		"serial":  serial,
		"allowed": resp.Allowed,
	}).Debug("Registry validation")
	return resp.Allowed, nil
}

// RegisterDevice records a provisioned device.
func (c *HTTPClient) RegisterDevice(ctx context.Context, serial, transportID, name string) (bool, error) {
	if serial == "" {
		return false, errors.New("serial number is required")
	}

	body := registerRequest{Serial: serial, TransportID: transportID, Name: name}
	var resp registerResponse
	if err := c.do(ctx, http.MethodPost, "devices", body, &resp); err != nil {
		return false, errors.Wrapf(err, "register %s", serial)
	}

	c.logger.WithFields(logrus.Fields{
		"serial":     serial,
		"registered": resp.Registered,
	}).Info("Device registration recorded")
	return resp.Registered, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	endpoint := c.base.JoinPath(path)

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if trimmed := strings.TrimSpace(string(msg)); trimmed != "" {
			return errors.Wrapf(ErrUnexpectedStatus, "status %d: %s", resp.StatusCode, trimmed)
		}
		return errors.Wrapf(ErrUnexpectedStatus, "status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
