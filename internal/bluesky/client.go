package bluesky

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/blackmichael/bluesky-liked-feeds/internal/domain"
	"github.com/blackmichael/bluesky-liked-feeds/internal/metrics"
)

const (
	defaultPDS     = "https://bsky.social"
	defaultAppView = "https://public.api.bsky.app"

	breakerName = "bluesky-appview"
)

// errAbandoned marks a call cut short by the caller's context. It says
// nothing about the AppView's health.
var errAbandoned = errors.New("request abandoned by caller")

// Config holds the endpoints and pacing of a Client.
type Config struct {
	// PDS is used for session login. Defaults to https://bsky.social.
	PDS string

	// AppView serves the graph listings. Defaults to https://public.api.bsky.app.
	AppView string

	// RequestsPerSecond paces AppView calls. Zero disables pacing.
	RequestsPerSecond float64
}

// Client is a minimal BlueSky/AT Protocol API client for reading the social
// graph. Calls are paced by a token bucket and guarded by a circuit breaker.
type Client struct {
	pds        string
	appView    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger

	mu sync.RWMutex
	// populated after Login
	accessJwt string
	did       string
}

// NewClient creates a new BlueSky API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.PDS == "" {
		cfg.PDS = defaultPDS
	}
	if cfg.AppView == "" {
		cfg.AppView = defaultAppView
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(float64(gobreaker.StateClosed))

	return &Client{
		pds:     cfg.PDS,
		appView: cfg.AppView,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Client errors mean the request was bad, not that the AppView is down.
			// Abandoned calls are not AppView failures either.
			IsSuccessful: func(err error) bool {
				var apiErr *APIError
				return err == nil || errors.Is(err, errAbandoned) || errors.As(err, &apiErr) && apiErr.StatusCode < 500
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
				logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			},
		}),
		logger: logger,
	}
}

// APIError is a non-2xx response from an XRPC endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Login authenticates with the PDS and stores the session token. Use an App
// Password, not your account password. Graph calls made after Login carry
// the session token.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	body := map[string]string{
		"identifier": identifier,
		"password":   password,
	}

	var resp createSessionResponse
	if err := c.post(ctx, c.pds+"/xrpc/com.atproto.server.createSession", body, &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.mu.Lock()
	c.accessJwt = resp.AccessJwt
	c.did = resp.DID
	c.mu.Unlock()
	return nil
}

// DID returns the authenticated user's DID. Only valid after Login.
func (c *Client) DID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.did
}

// ListFollowers returns one page of the accounts following actor.
func (c *Client) ListFollowers(ctx context.Context, actor, cursor string, limit int) (domain.GraphPage, error) {
	var resp followersResponse
	if err := c.get(ctx, "app.bsky.graph.getFollowers", actor, cursor, limit, &resp); err != nil {
		return domain.GraphPage{}, err
	}
	if resp.Followers == nil {
		return domain.GraphPage{}, fmt.Errorf("%w: getFollowers response has no followers", domain.ErrUpstreamDataMissing)
	}
	return toPage(*resp.Followers, resp.Cursor), nil
}

// ListFollowing returns one page of the accounts actor follows.
func (c *Client) ListFollowing(ctx context.Context, actor, cursor string, limit int) (domain.GraphPage, error) {
	var resp followsResponse
	if err := c.get(ctx, "app.bsky.graph.getFollows", actor, cursor, limit, &resp); err != nil {
		return domain.GraphPage{}, err
	}
	if resp.Follows == nil {
		return domain.GraphPage{}, fmt.Errorf("%w: getFollows response has no follows", domain.ErrUpstreamDataMissing)
	}
	return toPage(*resp.Follows, resp.Cursor), nil
}

func toPage(views []profileView, cursor string) domain.GraphPage {
	profiles := make([]domain.ProfileSummary, 0, len(views))
	for _, v := range views {
		profiles = append(profiles, domain.ProfileSummary{
			DID:         v.DID,
			Handle:      v.Handle,
			DisplayName: v.DisplayName,
		})
	}
	return domain.GraphPage{Profiles: profiles, Cursor: cursor}
}

func (c *Client) get(ctx context.Context, method, actor, cursor string, limit int, result any) error {
	q := url.Values{}
	q.Set("actor", actor)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.appView + "/xrpc/" + method + "?" + q.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		c.mu.RLock()
		if c.accessJwt != "" {
			req.Header.Set("Authorization", "Bearer "+c.accessJwt)
		}
		c.mu.RUnlock()
		body, err := c.do(req)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errAbandoned, err)
		}
		return body, err
	})
	if err != nil {
		metrics.AppViewRequests.WithLabelValues(method, outcome(err)).Inc()
		return fmt.Errorf("%s (actor=%s): %w", method, actor, err)
	}
	metrics.AppViewRequests.WithLabelValues(method, "ok").Inc()

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	return nil
}

func outcome(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, errAbandoned):
		return "cancelled"
	case errors.As(err, &apiErr):
		return strconv.Itoa(apiErr.StatusCode)
	default:
		return "error"
	}
}

func (c *Client) post(ctx context.Context, endpoint string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return err
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}

type profileView struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
}

// The listings are pointers so that an absent array can be told apart from
// an empty one.
type followersResponse struct {
	Followers *[]profileView `json:"followers"`
	Cursor    string         `json:"cursor"`
}

type followsResponse struct {
	Follows *[]profileView `json:"follows"`
	Cursor  string         `json:"cursor"`
}
