package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
)

type AdminStats struct {
	Sessions         model.SessionCounts `json:"sessions"`
	MaxActiveOutputs int                 `json:"maxActiveOutputs"`
	Subscribers      int                 `json:"subscribers"`
}

// AdminLogin exchanges the admin code for a session cookie kept in the client's jar.
func (c *Client) AdminLogin(ctx context.Context, code string) error {
	var out struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/api/login", map[string]string{"code": code}, nil, &out); err != nil {
		return err
	}

	c.mu.Lock()
	c.csrfToken = out.CSRFToken
	c.mu.Unlock()
	return nil
}

func (c *Client) AdminLogout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/admin/api/logout", nil, nil, nil)
	c.mu.Lock()
	c.csrfToken = ""
	c.mu.Unlock()
	return err
}

func (c *Client) AdminSessions(ctx context.Context, params model.ListSessionsParams) ([]model.Session, error) {
	q := url.Values{}
	if params.Role != "" {
		q.Set("role", string(params.Role))
	}
	if params.State != "" {
		q.Set("state", string(params.State))
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", strconv.Itoa(params.Offset))
	}

	path := "/admin/api/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Items []model.Session `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) AdminForceDisconnect(ctx context.Context, sessionID, message string) error {
	var body any
	if message != "" {
		body = map[string]string{"message": message}
	}
	return c.do(ctx, http.MethodPost, "/admin/api/sessions/"+url.PathEscape(sessionID)+"/force-disconnect", body, nil, nil)
}

func (c *Client) AdminStats(ctx context.Context) (*AdminStats, error) {
	var out AdminStats
	if err := c.do(ctx, http.MethodGet, "/admin/api/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AdminSetSchoolBlocking(ctx context.Context, enabled bool, message string) (*model.SchoolBlocking, error) {
	var out model.SchoolBlocking
	body := map[string]any{"enabled": enabled, "message": message}
	if err := c.do(ctx, http.MethodPut, "/admin/api/settings/school-blocking", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
