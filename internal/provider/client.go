package provider

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

const (
	DefaultBaseURL = "https://api.browserbase.com"
	apiKeyHeader   = "X-BB-API-Key"
)

// Client reads sessions from the browser provider's REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// apiSession mirrors the provider's wire format.
type apiSession struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    *time.Time     `json:"updatedAt"`
	StartedAt    *time.Time     `json:"startedAt"`
	EndedAt      *time.Time     `json:"endedAt"`
	Region       string         `json:"region"`
	UserMetadata map[string]any `json:"userMetadata"`
}

// GetSession fetches one session. A 404 maps to ErrNotFound.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw apiSession
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return raw.toSession(), nil
}

func (a apiSession) toSession() *Session {
	s := &Session{
		ID:        a.ID,
		Status:    Status(strings.ToUpper(a.Status)),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
		StartedAt: a.StartedAt,
		EndedAt:   a.EndedAt,
		Region:    a.Region,
		Metadata:  a.UserMetadata,
	}
	if owner, ok := a.UserMetadata[OwnerMetadataKey].(string); ok {
		s.OwnerID = owner
	}
	return s
}
