package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/photomirror/photomirror/internal/retry"
)

// maxBatchSize is the largest id list the platform accepts per call.
// Attach, detach, trash and purge requests are sub-batched to this.
const maxBatchSize = 50

// HTTPClient implements Client against a REST photo API.
//
// Expected endpoints:
//
//	GET    /api/me                         auth probe (401 when invalid)
//	POST   /api/token/refresh              exchange refresh token
//	GET    /api/albums?name=               find album by exact name
//	POST   /api/albums                     create album
//	POST   /api/uploads                    raw bytes; 409 returns existing id
//	GET    /api/albums/{id}/items          current membership
//	POST   /api/albums/{id}/items          add items
//	POST   /api/albums/{id}/items:remove   remove items
//	POST   /api/media:trash                move to trash
//	POST   /api/media:purge                permanently delete trashed items
type HTTPClient struct {
	baseURL string
	client  *http.Client
	policy  retry.Policy

	tokenMu      sync.Mutex
	accessToken  string
	refreshToken string
}

// NewHTTPClient creates a target client. A nil httpClient gets a
// 60s-timeout default (uploads can be slow).
func NewHTTPClient(baseURL, accessToken, refreshToken string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{
		baseURL:      baseURL,
		client:       httpClient,
		policy:       retry.Default(),
		accessToken:  strings.TrimSpace(accessToken),
		refreshToken: strings.TrimSpace(refreshToken),
	}
}

// CheckAuthenticated implements Client. An expired access token is
// refreshed once before reporting failure.
func (c *HTTPClient) CheckAuthenticated(ctx context.Context) (bool, error) {
	status, _, err := c.do(ctx, http.MethodGet, "/api/me", "", nil)
	if err != nil {
		return false, err
	}
	if status == http.StatusOK {
		return true, nil
	}
	if status != http.StatusUnauthorized {
		return false, fmt.Errorf("unexpected auth probe status %d", status)
	}

	if err := c.refresh(ctx); err != nil {
		return false, nil
	}
	status, _, err = c.do(ctx, http.MethodGet, "/api/me", "", nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// refresh exchanges the refresh token for a new access token.
func (c *HTTPClient) refresh(ctx context.Context) error {
	c.tokenMu.Lock()
	refreshToken := c.refreshToken
	c.tokenMu.Unlock()
	if refreshToken == "" {
		return ErrUnauthenticated
	}

	payload, _ := json.Marshal(map[string]string{"refreshToken": refreshToken})
	status, body, err := c.do(ctx, http.MethodPost, "/api/token/refresh", "application/json", payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: refresh returned %d", ErrUnauthenticated, status)
	}

	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		return fmt.Errorf("bad refresh response: %v", err)
	}

	c.tokenMu.Lock()
	c.accessToken = resp.AccessToken
	c.tokenMu.Unlock()
	return nil
}

type album struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EnsureCollectionExists implements Client.
func (c *HTTPClient) EnsureCollectionExists(ctx context.Context, name string) (string, error) {
	var id string
	err := c.policy.Do(ctx, func() error {
		status, body, err := c.do(ctx, http.MethodGet, "/api/albums?name="+url.QueryEscape(name), "", nil)
		if err != nil {
			return err
		}
		if status == http.StatusOK {
			var resp struct {
				Albums []album `json:"albums"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return &retry.Permanent{Err: err}
			}
			for _, a := range resp.Albums {
				if a.Name == name {
					id = a.ID
					return nil
				}
			}
		} else if status != http.StatusNotFound {
			return statusError(status, "list albums")
		}

		payload, _ := json.Marshal(map[string]string{"name": name})
		status, body, err = c.do(ctx, http.MethodPost, "/api/albums", "application/json", payload)
		if err != nil {
			return err
		}
		if status != http.StatusOK && status != http.StatusCreated {
			return statusError(status, "create album")
		}
		var created album
		if err := json.Unmarshal(body, &created); err != nil {
			return &retry.Permanent{Err: err}
		}
		id = created.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ensuring collection %q: %w", name, err)
	}
	return id, nil
}

// Upload implements Client. A 409 response means the platform already
// holds these bytes; that is success, carrying the existing id.
func (c *HTTPClient) Upload(ctx context.Context, data []byte, suggestedName string) (string, error) {
	var id string
	err := c.policy.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads", bytes.NewReader(data))
		if err != nil {
			return &retry.Permanent{Err: err}
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-Filename", suggestedName)
		c.authorize(req)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusConflict:
			// Conflict is not an error: the artifact exists and the
			// body names it.
			var uploaded struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(body, &uploaded); err != nil || uploaded.ID == "" {
				return &retry.Permanent{Err: fmt.Errorf("upload response missing id: %v", err)}
			}
			id = uploaded.ID
			return nil
		default:
			return statusError(resp.StatusCode, "upload")
		}
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", suggestedName, err)
	}
	return id, nil
}

// AttachIfAbsent implements Client. Membership is fetched first so a
// blind re-add can never create duplicate album entries.
func (c *HTTPClient) AttachIfAbsent(ctx context.Context, collectionID string, targetIDs []string) (AttachResult, error) {
	var result AttachResult
	if len(targetIDs) == 0 {
		return result, nil
	}

	members, err := c.collectionMembers(ctx, collectionID)
	if err != nil {
		return result, err
	}

	var missing []string
	for _, id := range targetIDs {
		if members[id] {
			result.Skipped++
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return result, nil
	}

	err = c.batched(ctx, missing, func(batch []string) error {
		return c.postIDs(ctx, "/api/albums/"+url.PathEscape(collectionID)+"/items", batch)
	})
	if err != nil {
		return result, fmt.Errorf("attaching to collection %s: %w", collectionID, err)
	}
	result.Added = len(missing)
	return result, nil
}

// Detach implements Client.
func (c *HTTPClient) Detach(ctx context.Context, collectionID string, targetIDs []string) error {
	err := c.batched(ctx, targetIDs, func(batch []string) error {
		return c.postIDs(ctx, "/api/albums/"+url.PathEscape(collectionID)+"/items:remove", batch)
	})
	if err != nil {
		return fmt.Errorf("detaching from collection %s: %w", collectionID, err)
	}
	return nil
}

// Trash implements Client.
func (c *HTTPClient) Trash(ctx context.Context, targetIDs []string) error {
	err := c.batched(ctx, targetIDs, func(batch []string) error {
		return c.postIDs(ctx, "/api/media:trash", batch)
	})
	if err != nil {
		return fmt.Errorf("trashing: %w", err)
	}
	return nil
}

// Purge implements Client.
func (c *HTTPClient) Purge(ctx context.Context, targetIDs []string) error {
	err := c.batched(ctx, targetIDs, func(batch []string) error {
		return c.postIDs(ctx, "/api/media:purge", batch)
	})
	if err != nil {
		return fmt.Errorf("purging: %w", err)
	}
	return nil
}

// collectionMembers fetches the current membership set of a collection.
func (c *HTTPClient) collectionMembers(ctx context.Context, collectionID string) (map[string]bool, error) {
	members := make(map[string]bool)
	err := c.policy.Do(ctx, func() error {
		status, body, err := c.do(ctx, http.MethodGet, "/api/albums/"+url.PathEscape(collectionID)+"/items", "", nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return statusError(status, "list collection items")
		}
		var resp struct {
			Items []struct {
				ID string `json:"id"`
			} `json:"items"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return &retry.Permanent{Err: err}
		}
		for _, it := range resp.Items {
			members[it.ID] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching membership of %s: %w", collectionID, err)
	}
	return members, nil
}

// batched runs fn over targetIDs in chunks of maxBatchSize.
func (c *HTTPClient) batched(ctx context.Context, targetIDs []string, fn func([]string) error) error {
	for start := 0; start < len(targetIDs); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(targetIDs) {
			end = len(targetIDs)
		}
		if err := fn(targetIDs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// postIDs posts {"ids": [...]} to path with retries.
func (c *HTTPClient) postIDs(ctx context.Context, path string, ids []string) error {
	payload, _ := json.Marshal(map[string][]string{"ids": ids})
	return c.policy.Do(ctx, func() error {
		status, _, err := c.do(ctx, http.MethodPost, path, "application/json", payload)
		if err != nil {
			return err
		}
		if status != http.StatusOK && status != http.StatusNoContent {
			return statusError(status, path)
		}
		return nil
	})
}

// do performs one request and returns status plus body. Transport
// errors come back raw so the retry policy can treat them as transient.
func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, &retry.Permanent{Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	c.tokenMu.Lock()
	token := c.accessToken
	c.tokenMu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// statusError classifies an HTTP status for the retry policy: 5xx and
// 429 are transient, the rest permanent.
func statusError(status int, op string) error {
	err := fmt.Errorf("http %d during %s", status, op)
	if status == http.StatusTooManyRequests || status >= 500 {
		return err
	}
	return &retry.Permanent{Err: err}
}
