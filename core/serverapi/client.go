package serverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jasonchiu/dvirmail/feature/recipients"
	"github.com/jasonchiu/dvirmail/feature/repository"
)

// Client talks to a dvirmail server and satisfies repository.Repository, so the
// CLI and TUI can operate on a remote deployment.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ repository.Repository = (*Client)(nil)

func New(baseURL string) (*Client, error) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if u == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 20 * time.Second},
	}, nil
}

type Recipient struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	DatabaseName       string    `json:"database_name"`
	SendOnlyNewDefects bool      `json:"send_only_new_defects"`
	DefectFilter       string    `json:"defect_filter"`
	CreatedAt          time.Time `json:"created_at,omitempty"`
}

type ListResponse struct {
	Database           string      `json:"database"`
	Count              int         `json:"count"`
	SendOnlyNewDefects bool        `json:"send_only_new_defects"`
	Recipients         []Recipient `json:"recipients"`
}

type AddRequest struct {
	Email        string `json:"email"`
	DefectFilter string `json:"defect_filter,omitempty"`
}

type AddResponse struct {
	ID string `json:"id"`
}

type EnsureResponse struct {
	Created bool `json:"created"`
}

type SettingsRequest struct {
	SendOnlyNewDefects bool `json:"send_only_new_defects"`
}

type UploadResponse struct {
	Key      string `json:"key"`
	Filename string `json:"filename"`
}

// Error is a non-2xx response. Unwrap yields the matching recipients sentinel
// when the server sent a known code.
type Error struct {
	Method  string
	Path    string
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("server %s %s: %s", e.Method, e.Path, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case "invalid_email":
		return recipients.ErrInvalidEmail
	case "invalid_defect_filter":
		return recipients.ErrInvalidDefectFilter
	case "duplicate_recipient":
		return recipients.ErrDuplicateRecipient
	case "read_only_tenant":
		return recipients.ErrReadOnlyTenant
	case "configuration_missing":
		return recipients.ErrConfigurationMissing
	case "remote_unavailable":
		return recipients.ErrRemoteUnavailable
	case "query_failed":
		return recipients.ErrQueryFailed
	case "write_failed":
		return recipients.ErrWriteFailed
	}
	return nil
}

func tenantPath(tenant, suffix string) string {
	return "/api/tenants/" + url.PathEscape(strings.TrimSpace(tenant)) + suffix
}

func (c *Client) EnsureTenantConfigured(ctx context.Context, tenant string) (bool, error) {
	if !recipients.Persistable(tenant) {
		return false, nil
	}
	var out EnsureResponse
	if err := c.doJSON(ctx, http.MethodPost, tenantPath(tenant, "/ensure"), nil, &out); err != nil {
		return false, err
	}
	return out.Created, nil
}

func (c *Client) Load(ctx context.Context, tenant string) (recipients.Listing, error) {
	var out ListResponse
	if err := c.doJSON(ctx, http.MethodGet, tenantPath(tenant, "/recipients"), nil, &out); err != nil {
		return recipients.Listing{}, err
	}
	l := recipients.Listing{
		Tenant:             out.Database,
		Recipients:         make([]recipients.Recipient, 0, len(out.Recipients)),
		SendOnlyNewDefects: out.SendOnlyNewDefects,
	}
	for _, r := range out.Recipients {
		l.Recipients = append(l.Recipients, recipients.Recipient{
			ID:                 r.ID,
			Email:              r.Email,
			Tenant:             r.DatabaseName,
			SendOnlyNewDefects: r.SendOnlyNewDefects,
			CreatedAt:          r.CreatedAt,
		})
	}
	return l, nil
}

func (c *Client) AddRecipient(ctx context.Context, tenant, email string, filter recipients.DefectFilter) (string, error) {
	var out AddResponse
	req := AddRequest{Email: email, DefectFilter: string(filter)}
	if err := c.doJSON(ctx, http.MethodPost, tenantPath(tenant, "/recipients"), req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) RemoveRecipient(ctx context.Context, tenant, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return c.doJSON(ctx, http.MethodDelete, tenantPath(tenant, "/recipients/"+url.PathEscape(id)), nil, nil)
}

func (c *Client) UpdateSharedSetting(ctx context.Context, tenant string, sendOnlyNewDefects bool) error {
	return c.doJSON(ctx, http.MethodPut, tenantPath(tenant, "/settings"), SettingsRequest{SendOnlyNewDefects: sendOnlyNewDefects}, nil)
}

// Ping asks the server to reach its store.
func (c *Client) Ping(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, "/api/test/connection", nil, nil)
	if err != nil && !errors.Is(err, recipients.ErrRemoteUnavailable) {
		return fmt.Errorf("%w: %w", recipients.ErrRemoteUnavailable, err)
	}
	return err
}

// UploadExport asks the server to store the tenant's export in its bucket.
func (c *Client) UploadExport(ctx context.Context, tenant string) (UploadResponse, error) {
	var out UploadResponse
	if err := c.doJSON(ctx, http.MethodPost, tenantPath(tenant, "/export/upload"), nil, &out); err != nil {
		return UploadResponse{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody any, dst any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", recipients.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		apiErr := &Error{Method: method, Path: path, Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(msg, &payload) == nil && payload.Error != "" {
			apiErr.Message, apiErr.Code = payload.Error, payload.Code
		} else {
			apiErr.Message = strings.TrimSpace(string(msg))
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}
	if dst == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
