// Package transfer speaks the session-based upload protocol of the media
// server: create a session, push chunks one at a time, then finalize or
// abort.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxErrorBody caps how much of an error response body is surfaced.
const maxErrorBody = 4096

// Client is a stateless client for the media server's upload API. The
// acting user travels as the x-user-id request header; a cookie jar keeps
// credentials flowing for the server's own auth layer.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewClient validates the base URL and builds a client. The timeout bounds
// every individual request.
func NewClient(baseURL, userID string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("base URL must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base URL must use http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base URL must include a host")
	}

	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateSession opens an upload session for one file.
func (c *Client) CreateSession(ctx context.Context, filename, relativePath string, totalSize, chunkSize int64) (sessionID string, totalChunks int, err error) {
	body, err := json.Marshal(map[string]interface{}{
		"filename":     filename,
		"relativePath": relativePath,
		"totalSize":    totalSize,
		"chunkSize":    chunkSize,
	})
	if err != nil {
		return "", 0, fmt.Errorf("marshaling session request: %w", err)
	}

	resp, err := c.request(ctx, http.MethodPost, "/api/v1/upload/session", bytes.NewReader(body), "application/json")
	if err != nil {
		return "", 0, &SessionCreationError{Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &SessionCreationError{Status: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	var out struct {
		SessionID   string `json:"sessionId"`
		TotalChunks int    `json:"totalChunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, &SessionCreationError{Status: resp.StatusCode, Body: fmt.Sprintf("decoding response: %v", err)}
	}

	return out.SessionID, out.TotalChunks, nil
}

// UploadChunk pushes one zero-indexed chunk as a multipart form field named
// "chunk".
func (c *Client) UploadChunk(ctx context.Context, sessionID string, chunkIndex int, chunk []byte) (chunksReceived int, err error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("chunk", "chunk")
	if err != nil {
		return 0, &ChunkUploadError{ChunkIndex: chunkIndex, Body: fmt.Sprintf("creating chunk form: %v", err)}
	}
	if _, err := part.Write(chunk); err != nil {
		return 0, &ChunkUploadError{ChunkIndex: chunkIndex, Body: fmt.Sprintf("writing chunk: %v", err)}
	}
	if err := writer.Close(); err != nil {
		return 0, &ChunkUploadError{ChunkIndex: chunkIndex, Body: fmt.Sprintf("closing chunk form: %v", err)}
	}

	path := "/api/v1/upload/chunk?sessionId=" + url.QueryEscape(sessionID) + "&chunkIndex=" + strconv.Itoa(chunkIndex)
	resp, err := c.request(ctx, http.MethodPost, path, &buf, writer.FormDataContentType())
	if err != nil {
		return 0, &ChunkUploadError{ChunkIndex: chunkIndex, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &ChunkUploadError{ChunkIndex: chunkIndex, Status: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	var ack struct {
		ChunksReceived int `json:"chunksReceived"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return 0, &ChunkUploadError{ChunkIndex: chunkIndex, Status: resp.StatusCode, Body: fmt.Sprintf("decoding ack: %v", err)}
	}

	return ack.ChunksReceived, nil
}

// CompleteSession finalizes a session after all chunks are delivered and
// returns the path and size of the assembled resource.
func (c *Client) CompleteSession(ctx context.Context, sessionID string) (relativePath string, size int64, err error) {
	body, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return "", 0, fmt.Errorf("marshaling completion request: %w", err)
	}

	resp, err := c.request(ctx, http.MethodPost, "/api/v1/upload/complete", bytes.NewReader(body), "application/json")
	if err != nil {
		return "", 0, &SessionCompletionError{Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &SessionCompletionError{Status: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	var out struct {
		RelativePath string `json:"relativePath"`
		Size         int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, &SessionCompletionError{Status: resp.StatusCode, Body: fmt.Sprintf("decoding response: %v", err)}
	}

	return out.RelativePath, out.Size, nil
}

// AbortSession asks the server to drop a session. It runs on error paths,
// so the caller logs the returned error but never propagates it over the
// failure that triggered the abort.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	resp, err := c.request(ctx, http.MethodDelete, "/api/v1/upload/session/"+url.PathEscape(sessionID), nil, "")
	if err != nil {
		return fmt.Errorf("aborting session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("aborting session %s: server returned status %d", sessionID, resp.StatusCode)
	}
	return nil
}

// request makes an HTTP request to the media server.
func (c *Client) request(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if c.userID != "" {
		req.Header.Set("x-user-id", c.userID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	return resp, nil
}

// readErrorBody extracts the failure reason from a non-2xx response. The
// server sends a JSON error envelope; plain text bodies are passed through.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(raw))
}
