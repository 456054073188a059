package followers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultCacheTTL = 30 * time.Second

var (
	// ErrInvalidClientConfig indicates a client constructed without a usable base URL.
	ErrInvalidClientConfig = errors.New("followers: invalid client config")
	// ErrUnauthorized indicates the relay refused the bearer token.
	ErrUnauthorized = errors.New("followers: unauthorized")

	errMissingUserID = errors.New("followers: user id is required")
)

// Follower is one entry of the share target picker.
type Follower struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type listResponse struct {
	Followers []Follower `json:"followers"`
}

// TokenSource returns the bearer token sent with each request.
type TokenSource func(ctx context.Context) (string, error)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Client fetches follower lists from the relay. Responses are cached briefly
// per user so reopening the picker does not refetch.
type Client struct {
	baseURL    *url.URL
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]cachedList
}

type cachedList struct {
	followers []Follower
	expiresAt time.Time
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("%w: base url required", ErrInvalidClientConfig)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidClientConfig, raw)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Client{
		baseURL:    parsed,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
		ttl:        ttl,
		cache:      make(map[string]cachedList),
	}, nil
}

// List returns the followers of userID.
func (c *Client) List(ctx context.Context, userID string) ([]Follower, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errMissingUserID
	}
	now := c.clock()
	if cached, ok := c.cached(userID, now); ok {
		return cached, nil
	}

	req, err := c.newRequest(ctx, http.MethodGet, userID)
	if err != nil {
		return nil, err
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case response.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("followers: request returned status %d", response.StatusCode)
	}

	var document listResponse
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return nil, fmt.Errorf("followers: decode response: %w", err)
	}
	followers := make([]Follower, 0, len(document.Followers))
	for _, follower := range document.Followers {
		if strings.TrimSpace(follower.UserID) == "" {
			c.logger.Debug("skipping follower without id")
			continue
		}
		followers = append(followers, follower)
	}

	c.store(userID, followers, now)
	return copyFollowers(followers), nil
}

// Follow makes the token's user a follower of userID.
func (c *Client) Follow(ctx context.Context, userID string) error {
	return c.changeFollow(ctx, http.MethodPut, userID)
}

// Unfollow removes the token's user from the followers of userID.
func (c *Client) Unfollow(ctx context.Context, userID string) error {
	return c.changeFollow(ctx, http.MethodDelete, userID)
}

func (c *Client) changeFollow(ctx context.Context, method string, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errMissingUserID
	}
	req, err := c.newRequest(ctx, method, userID)
	if err != nil {
		return err
	}
	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case response.StatusCode != http.StatusNoContent && response.StatusCode != http.StatusOK:
		return fmt.Errorf("followers: %s returned status %d", strings.ToLower(method), response.StatusCode)
	}
	c.Invalidate(userID)
	return nil
}

func (c *Client) newRequest(ctx context.Context, method string, userID string) (*http.Request, error) {
	endpoint := c.baseURL.JoinPath("users", userID, "followers")
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("followers: resolve token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// Invalidate drops the cached list of userID.
func (c *Client) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, strings.TrimSpace(userID))
}

func (c *Client) cached(userID string, now time.Time) ([]Follower, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[userID]
	if !ok || now.After(entry.expiresAt) {
		return nil, false
	}
	return copyFollowers(entry.followers), true
}

func (c *Client) store(userID string, followers []Follower, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[userID] = cachedList{followers: followers, expiresAt: now.Add(c.ttl)}
}

func copyFollowers(followers []Follower) []Follower {
	copied := make([]Follower, len(followers))
	copy(copied, followers)
	return copied
}
