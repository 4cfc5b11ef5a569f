// Package cloud is the HTTP client of the remote authority that holds the
// canonical copy of every school's records.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/schoolab/ecole/internal/metrics"
	"github.com/schoolab/ecole/internal/schema"
)

// DefaultTimeout bounds every request when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ErrNetwork wraps transport failures: the remote could not be reached or
// did not answer before the deadline.
var ErrNetwork = errors.New("network error")

// RemoteError is a non-2xx answer from the remote authority.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.Status)
	}
	return e.Message
}

// Identity authenticates requests. SchoolID and LicenseToken come from the
// linked credentials; DeviceID identifies this installation.
type Identity struct {
	SchoolID     string
	LicenseToken string
	DeviceID     string
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the remote authority.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

// New creates a Client. The base URL is required.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid cloud url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL: base,
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
		log:     cfg.Logger.With().Str("component", "cloud").Logger(),
	}, nil
}

// BaseURL returns the remote's base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PullResult is the remote's authoritative snapshot.
type PullResult struct {
	Snapshot   schema.Snapshot
	ServerTime string
}

type pullResponse struct {
	Success    bool             `json:"success"`
	Error      string           `json:"error"`
	Code       string           `json:"code"`
	Data       *schema.Snapshot `json:"data"`
	ServerTime string           `json:"serverTime"`
}

// Pull fetches the school's snapshot. since, when not empty, asks the remote
// for changes after that time only.
func (c *Client) Pull(ctx context.Context, id Identity, since string) (*PullResult, error) {
	q := url.Values{"schoolId": {id.SchoolID}}
	if since != "" {
		q.Set("since", since)
	}

	var resp pullResponse
	if err := c.do(ctx, "pull", http.MethodGet, "/api/sync/pull?"+q.Encode(), id, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "cloud reported failure during pull"
		}
		return nil, &RemoteError{Status: http.StatusOK, Code: resp.Code, Message: msg}
	}

	result := &PullResult{ServerTime: resp.ServerTime}
	if resp.Data != nil {
		result.Snapshot = *resp.Data
	}
	if result.Snapshot.Rows == nil {
		result.Snapshot.Rows = make(map[string][]schema.Record)
	}
	c.log.Debug().Int("rows", result.Snapshot.Count()).Int("deletions", len(result.Snapshot.Deletions)).Msg("pulled snapshot")
	return result, nil
}

type pushRequest struct {
	SchoolID   string            `json:"schoolId"`
	DeviceID   string            `json:"deviceId"`
	Data       schema.Batch      `json:"data"`
	SchoolInfo schema.SchoolInfo `json:"schoolInfo"`
}

type pushResponse struct {
	Success   bool                 `json:"success"`
	Error     string               `json:"error"`
	Code      string               `json:"code"`
	Results   *schema.Ack          `json:"results"`
	Deletions []schema.DeletionAck `json:"deletions"`
}

// Push sends local changes and returns the remote's acknowledgments.
func (c *Client) Push(ctx context.Context, id Identity, batch schema.Batch, info schema.SchoolInfo) (*schema.Ack, error) {
	req := pushRequest{SchoolID: id.SchoolID, DeviceID: id.DeviceID, Data: batch, SchoolInfo: info}

	var resp pushResponse
	if err := c.do(ctx, "push", http.MethodPost, "/api/sync/push", id, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "cloud push failed"
		}
		return nil, &RemoteError{Status: http.StatusOK, Code: resp.Code, Message: msg}
	}

	ack := &schema.Ack{Rows: make(map[string][]schema.IDMapping)}
	if resp.Results != nil {
		ack = resp.Results
	}
	ack.Deletions = append(ack.Deletions, resp.Deletions...)
	c.log.Debug().Int("acknowledged", ack.Count()).Int("deletions", len(ack.Deletions)).Msg("push acknowledged")
	return ack, nil
}

// SyncLog is the summary of one sync cycle reported to the remote.
type SyncLog struct {
	Type         string         `json:"type"`
	Status       string         `json:"status"`
	Details      map[string]int `json:"details"`
	ErrorMessage *string        `json:"errorMessage"`
	DurationMS   int64          `json:"durationMs"`
	Timestamp    string         `json:"timestamp"`
}

// ReportSyncLog posts a sync cycle summary.
func (c *Client) ReportSyncLog(ctx context.Context, id Identity, entry SyncLog) error {
	return c.do(ctx, "sync-logs", http.MethodPost, "/api/sync/sync-logs", id, entry, nil)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, id Identity, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+id.LicenseToken)
	if id.DeviceID != "" {
		req.Header.Set("x-device-id", id.DeviceID)
	}

	start := time.Now()
	status := "error"
	defer func() {
		metrics.CloudRequests.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, endpoint, err)
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %w", ErrNetwork, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remote := &RemoteError{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			remote.Code = eb.Code
			remote.Message = eb.Error
			if remote.Message == "" {
				remote.Message = eb.Message
			}
		}
		c.log.Warn().Str("endpoint", endpoint).Int("status", resp.StatusCode).Str("code", remote.Code).Msg("remote rejected request")
		return remote
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid %s response: %w", endpoint, err)
	}
	return nil
}
