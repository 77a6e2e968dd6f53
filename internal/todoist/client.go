// Package todoist talks to the Todoist Sync API: incremental reads and
// command batches.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultBaseURL = "https://api.todoist.com/api/v1"

var ErrMissingToken = errors.New("todoist api token is not configured")

// DefaultResourceTypes is what a sync asks for when the caller does not say.
var DefaultResourceTypes = []string{"items", "projects", "labels", "sections", "notes", "reminders"}

type TokenProvider func(ctx context.Context) (string, error)

func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("todoist http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("todoist http %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the next scheduled attempt may succeed.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type ClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
}

// Client makes a single attempt per call. Failed syncs are retried by the
// runner on its next interval, not here.
type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "tasksync"
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     userAgent,
	}
}

type SyncRequest struct {
	SyncToken     string   `json:"sync_token"`
	ResourceTypes []string `json:"resource_types"`
}

// Sync fetches everything changed since req.SyncToken ("*" for a full sync).
func (c *Client) Sync(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	if strings.TrimSpace(req.SyncToken) == "" {
		req.SyncToken = "*"
	}
	if len(req.ResourceTypes) == 0 {
		req.ResourceTypes = DefaultResourceTypes
	}
	var resp SyncResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync", req, &resp); err != nil {
		return SyncResponse{}, err
	}
	return resp, nil
}

// Execute sends a command batch. The first rejected command is returned as a
// *CommandError after the whole response is decoded.
func (c *Client) Execute(ctx context.Context, commands []Command) (CommandResult, error) {
	if len(commands) == 0 {
		return CommandResult{}, nil
	}
	for i := range commands {
		if commands[i].UUID == "" {
			commands[i].UUID = uuid.NewString()
		}
	}
	var resp SyncResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync", struct {
		Commands []Command `json:"commands"`
	}{Commands: commands}, &resp); err != nil {
		return CommandResult{}, err
	}
	result := CommandResult{
		SyncToken:     resp.SyncToken,
		TempIDMapping: resp.TempIDMapping,
		SyncStatus:    resp.SyncStatus,
	}
	for _, cmd := range commands {
		if err := commandStatus(cmd, resp.SyncStatus[cmd.UUID]); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	if c == nil {
		return fmt.Errorf("todoist client is nil")
	}
	if c.tokenProvider == nil {
		return ErrMissingToken
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingToken
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}

	var errPayload struct {
		Error    string `json:"error"`
		ErrorTag string `json:"error_tag"`
	}
	message := strings.TrimSpace(string(payload))
	if json.Unmarshal(payload, &errPayload) == nil && errPayload.Error != "" {
		message = errPayload.Error
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.ErrorTag,
		Message:    message,
	}
}
