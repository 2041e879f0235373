package sharecache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CacheFetchError reports a failed grant fetch from the identity service.
// Status is zero when the request never reached the server.
type CacheFetchError struct {
	Status int
	Err    error
}

func (e *CacheFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetching share grants: %v", e.Err)
	}
	return fmt.Sprintf("fetching share grants: identity service returned %d", e.Status)
}

func (e *CacheFetchError) Unwrap() error {
	return e.Err
}

// IdentityClient fetches the global grant list from the identity service.
// It authenticates with a service-level credential, not a per-request user
// token.
type IdentityClient struct {
	baseURL      string
	ownerID      string
	ownerRole    string
	serviceToken string
	httpClient   *http.Client
}

// NewIdentityClient validates baseURL and builds a client. A zero timeout
// defaults to 30 seconds.
func NewIdentityClient(baseURL, ownerID, ownerRole, serviceToken string, timeout time.Duration) (*IdentityClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid identity URL %q: %w", baseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid identity URL %q: must be absolute http(s)", baseURL)
	}

	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &IdentityClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		ownerID:      ownerID,
		ownerRole:    ownerRole,
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

// grantRecord is the identity service's wire shape for one grant.
type grantRecord struct {
	Path        string `json:"path"`
	IsDirectory bool   `json:"isDirectory"`
	Recipient   struct {
		ID string `json:"id"`
	} `json:"recipient"`
}

// FetchGrants implements Fetcher.
func (c *IdentityClient) FetchGrants(ctx context.Context) ([]Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/shares", nil)
	if err != nil {
		return nil, &CacheFetchError{Err: err}
	}
	req.Header.Set("x-owner-id", c.ownerID)
	req.Header.Set("x-owner-role", c.ownerRole)
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CacheFetchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &CacheFetchError{Status: resp.StatusCode}
	}

	var records []grantRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, &CacheFetchError{Err: fmt.Errorf("decoding grant list: %w", err)}
	}

	grants := make([]Grant, 0, len(records))
	for _, r := range records {
		grants = append(grants, Grant{
			Path:        r.Path,
			IsDirectory: r.IsDirectory,
			RecipientID: r.Recipient.ID,
		})
	}
	return grants, nil
}
