package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries     = 3
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "syncbox/0.1"
)

// healthTimeout bounds the health probe so an offline server is detected
// quickly by the reconciler.
const healthTimeout = 3 * time.Second

// Client is the HTTP client for the syncbox server API. It handles request
// construction, retry with exponential backoff, and error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates an API client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  ctxSleep,
	}
}

// FileInfo is one entry of the server file listing.
type FileInfo struct {
	Name          string `json:"name"`
	LastModified  int64  `json:"last_modified"`
	Size          int64  `json:"size"`
	Version       int    `json:"version"`
	ClientID      string `json:"client_id"`
	TotalVersions int    `json:"total_versions"`
}

// VersionInfo is one entry of a file's version history.
type VersionInfo struct {
	FileID       string `json:"file_id"`
	Version      int    `json:"version"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum"`
	ClientID     string `json:"client_id"`
	LastModified int64  `json:"last_modified"`
	RestoredFrom int    `json:"restored_from,omitempty"`
}

// ConflictInfo is one entry of the server conflict listing.
type ConflictInfo struct {
	ID           string `json:"id"`
	FileName     string `json:"file_name"`
	ConflictType string `json:"conflict_type"`
	Status       string `json:"status"`
	Winner       struct {
		ClientID     string `json:"client_id"`
		LastModified int64  `json:"last_modified"`
	} `json:"winner"`
	Losers []struct {
		ClientID         string `json:"client_id"`
		ConflictFileName string `json:"conflict_file_name"`
	} `json:"losers"`
}

// UploadResult summarizes an accepted upload.
type UploadResult struct {
	Version   int
	Duplicate bool
	Message   string
	Checksum  string
}

// Health probes the server, returning nil when it responds 200.
func (c *Client) Health(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("transport: building health request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: health probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "health probe failed", Err: classifyStatus(resp.StatusCode)}
	}

	return nil
}

// ListFiles returns the server's current file listing.
func (c *Client) ListFiles(ctx context.Context) ([]FileInfo, error) {
	var body struct {
		Files []FileInfo `json:"files"`
	}

	if err := c.getJSON(ctx, "/files", &body); err != nil {
		return nil, err
	}

	return body.Files, nil
}

// Download fetches the current blob for name.
func (c *Client) Download(ctx context.Context, name string) ([]byte, error) {
	return c.getBlob(ctx, "/files/"+url.PathEscape(name)+"/download")
}

// DownloadVersion fetches one versioned blob.
func (c *Client) DownloadVersion(ctx context.Context, name string, version int) ([]byte, error) {
	return c.getBlob(ctx, fmt.Sprintf("/files/%s/versions/%d/download", url.PathEscape(name), version))
}

// Versions returns the version history for name, latest first.
func (c *Client) Versions(ctx context.Context, name string) ([]VersionInfo, error) {
	var body struct {
		Versions []VersionInfo `json:"versions"`
	}

	if err := c.getJSON(ctx, "/files/"+url.PathEscape(name)+"/versions", &body); err != nil {
		return nil, err
	}

	return body.Versions, nil
}

// Restore promotes version v of name as a new latest version.
func (c *Client) Restore(ctx context.Context, name string, version int, clientID string) error {
	path := fmt.Sprintf("/files/%s/restore/%d", url.PathEscape(name), version)

	return c.postJSON(ctx, path, map[string]string{"client_id": clientID}, nil)
}

// Rename renames a file, its versions, and its metadata on the server.
func (c *Client) Rename(ctx context.Context, oldName, newName string) error {
	path := "/files/" + url.PathEscape(oldName) + "/rename"

	return c.postJSON(ctx, path, map[string]string{"new_name": newName}, nil)
}

// Delete removes the current blob for name on the server.
func (c *Client) Delete(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/files/"+url.PathEscape(name), "", nil)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// Conflicts lists all conflict records on the server.
func (c *Client) Conflicts(ctx context.Context) ([]ConflictInfo, error) {
	var body struct {
		Conflicts []ConflictInfo `json:"conflicts"`
	}

	if err := c.getJSON(ctx, "/conflicts", &body); err != nil {
		return nil, err
	}

	return body.Conflicts, nil
}

// ResolveConflict marks a conflict resolved on the server.
func (c *Client) ResolveConflict(ctx context.Context, id, method, clientID string) error {
	path := "/conflicts/" + url.PathEscape(id) + "/resolve"

	return c.postJSON(ctx, path, map[string]string{
		"method":    method,
		"client_id": clientID,
	}, nil)
}

// getJSON GETs path and decodes the JSON body into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("transport: decoding %s response: %w", path, err)
	}

	return nil
}

// getBlob GETs path and returns the raw bytes.
func (c *Client) getBlob(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: reading %s body: %w", path, err)
	}

	return data, nil
}

// postJSON POSTs a JSON body and optionally decodes the response into out.
func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: encoding %s request: %w", path, err)
	}

	resp, err := c.do(ctx, http.MethodPost, path, "application/json", encoded)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: decoding %s response: %w", path, err)
	}

	return nil
}

// do executes a request with retry. The body is replayable because it is a
// byte slice; transport failures and retryable statuses back off with
// jitter, everything else classifies into an APIError (with 409s parsed
// into ConflictError).
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, error) {
	var attempt int

	for {
		resp, err := c.doOnce(ctx, method, path, contentType, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("transport: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("transport: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("transport: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.calcBackoff(attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("transport: request canceled: %w", err)
			}

			attempt++

			continue
		}

		return nil, classifyResponse(resp.StatusCode, errBody)
	}
}

// classifyResponse builds the typed error for a non-2xx response.
func classifyResponse(status int, body []byte) error {
	if status == http.StatusConflict {
		var parsed struct {
			Winner struct {
				ClientID     string `json:"client_id"`
				LastModified int64  `json:"last_modified"`
			} `json:"winner"`
			ConflictFileName string `json:"conflict_file_name"`
			ConflictID       string `json:"conflict_id"`
		}

		if err := json.Unmarshal(body, &parsed); err == nil && parsed.ConflictID != "" {
			return &ConflictError{
				WinnerClientID:     parsed.Winner.ClientID,
				WinnerLastModified: parsed.Winner.LastModified,
				ConflictFileName:   parsed.ConflictFileName,
				ConflictID:         parsed.ConflictID,
			}
		}
	}

	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		message = envelope.Message
	} else if err == nil && envelope.Error != "" {
		message = envelope.Error
	}

	return &APIError{StatusCode: status, Message: message, Err: classifyStatus(status)}
}

// doOnce executes a single request attempt.
func (c *Client) doOnce(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: building request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

// calcBackoff returns the backoff for the given attempt with jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (2*rand.Float64() - 1)

	return time.Duration(backoff + jitter)
}

// ctxSleep waits for d or until the context is canceled.
func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
