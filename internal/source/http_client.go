package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/photomirror/photomirror/internal/retry"
)

// HTTPClient talks to a remote photo API:
//
//	GET {base}/api/items               -> {"items": [...]}
//	GET {item.ContentLocation}         -> raw bytes
//
// Transient failures (network errors, 5xx, 429) are retried with the
// shared backoff policy; other HTTP errors fail immediately.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	policy  retry.Policy
}

// NewHTTPClient creates a source client for baseURL. A nil httpClient
// gets a 30s-timeout default.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
		client:  httpClient,
		policy:  retry.Default(),
	}
}

type listResponse struct {
	Items []Item `json:"items"`
}

// ListItems implements Client.
func (c *HTTPClient) ListItems(ctx context.Context) ([]Item, error) {
	var items []Item
	err := c.policy.Do(ctx, func() error {
		body, err := c.get(ctx, c.baseURL+"/api/items")
		if err != nil {
			return err
		}
		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return &retry.Permanent{Err: fmt.Errorf("decoding listing: %w", err)}
		}
		items = resp.Items
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return items, nil
}

// FetchContent implements Client.
func (c *HTTPClient) FetchContent(ctx context.Context, item Item) ([]byte, error) {
	url := item.ContentLocation
	if url == "" {
		return nil, fmt.Errorf("item %s has no content location", item.ID)
	}
	if strings.HasPrefix(url, "/") {
		url = c.baseURL + url
	}

	var data []byte
	err := c.policy.Do(ctx, func() error {
		body, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching content for %s: %w", item.ID, err)
	}
	return data, nil
}

// get performs one GET, classifying the response for the retry policy.
func (c *HTTPClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &retry.Permanent{Err: err}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("http %d from %s", resp.StatusCode, url)
	default:
		return nil, &retry.Permanent{Err: fmt.Errorf("http %d from %s", resp.StatusCode, url)}
	}
}
