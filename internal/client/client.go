package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
)

const (
	requestTimeout = 10 * time.Second

	pairingTokenHeader = "X-Pairing-Token"
	csrfHeader         = "X-CSRF-Token"
)

// Client talks to the relay's HTTP API. Errors returned by the server are decoded into
// *apperrors.AppError so callers can switch on the code.
type Client struct {
	baseURL *url.URL
	http    *http.Client

	mu        sync.Mutex
	csrfToken string
}

func New(baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", u.Scheme)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &Client{
		baseURL: u,
		http: &http.Client{
			Timeout: requestTimeout,
			Jar:     jar,
		},
	}, nil
}

type IssuedPin struct {
	SessionID string    `json:"sessionId"`
	PIN       string    `json:"pin"`
	ExpiresAt time.Time `json:"expiresAt"`
	ExpiresIn int       `json:"expiresIn"`
}

type PinStatus struct {
	PIN   string             `json:"pin"`
	State model.SessionState `json:"state"`
}

func (c *Client) IssuePin(ctx context.Context) (*IssuedPin, error) {
	var out IssuedPin
	if err := c.do(ctx, http.MethodPost, "/v1/outputs", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResolvePin(ctx context.Context, pin string) (*PinStatus, error) {
	var out PinStatus
	if err := c.do(ctx, http.MethodGet, "/v1/pins/"+url.PathEscape(pin), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pair(ctx context.Context, pin string) (*model.Capability, error) {
	var out model.Capability
	body := map[string]string{"pin": pin}
	if err := c.do(ctx, http.MethodPost, "/v1/pair", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var out model.Session
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send writes payload as the paired display's control state.
func (c *Client) Send(ctx context.Context, capability model.Capability, payload model.ControlPayload) (time.Time, error) {
	raw, err := model.EncodeControlPayload(payload)
	if err != nil {
		return time.Time{}, apperrors.InvalidPayload(err.Error())
	}

	var out struct {
		ControlStateAt time.Time `json:"controlStateAt"`
	}
	err = c.do(ctx, http.MethodPut, sessionPath(capability.ControlSessionID)+"/control",
		raw, tokenHeader(capability.PairingToken), &out)
	if err != nil {
		return time.Time{}, err
	}
	return out.ControlStateAt, nil
}

// ControlState returns the stored controlState of a session, or nil before the first send.
func (c *Client) ControlState(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var out struct {
		ControlState json.RawMessage `json:"controlState"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID)+"/control", nil, nil, &out); err != nil {
		return nil, err
	}
	if string(out.ControlState) == "null" {
		return nil, nil
	}
	return out.ControlState, nil
}

func (c *Client) Heartbeat(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionID)+"/heartbeat", nil, nil, nil)
}

// Disconnect tears down the pair. token is required for control sessions only.
func (c *Client) Disconnect(ctx context.Context, sessionID, token string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(sessionID), nil, tokenHeader(token), nil)
}

func (c *Client) SchoolBlocking(ctx context.Context) (*model.SchoolBlocking, error) {
	var out model.SchoolBlocking
	if err := c.do(ctx, http.MethodGet, "/v1/settings/school-blocking", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func sessionPath(id string) string {
	return "/v1/sessions/" + url.PathEscape(id)
}

func tokenHeader(token string) http.Header {
	if token == "" {
		return nil
	}
	return http.Header{pairingTokenHeader: []string{token}}
}

// do sends body as JSON (json.RawMessage is sent verbatim) and decodes a 2xx response
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		raw, ok := body.(json.RawMessage)
		if !ok {
			var err error
			raw, err = json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	c.mu.Lock()
	if c.csrfToken != "" {
		req.Header.Set(csrfHeader, c.csrfToken)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string              `json:"error"`
		Code  apperrors.ErrorCode `json:"code"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}
	if body.Code == "" {
		body.Code = codeFromStatus(resp.StatusCode)
	}
	return apperrors.New(body.Code, body.Error)
}

func codeFromStatus(status int) apperrors.ErrorCode {
	switch status {
	case http.StatusBadRequest:
		return apperrors.ErrCodeValidation
	case http.StatusUnauthorized:
		return apperrors.ErrCodeUnauthorized
	case http.StatusForbidden:
		return apperrors.ErrCodeForbidden
	case http.StatusNotFound:
		return apperrors.ErrCodeNotFound
	case http.StatusConflict:
		return apperrors.ErrCodeConflict
	case http.StatusGone:
		return apperrors.ErrCodeNotPaired
	case http.StatusRequestEntityTooLarge:
		return apperrors.ErrCodePayloadTooLarge
	case http.StatusTooManyRequests:
		return apperrors.ErrCodeRateLimitExceeded
	case http.StatusServiceUnavailable:
		return apperrors.ErrCodeStoreUnavailable
	default:
		return apperrors.ErrCodeInternal
	}
}
