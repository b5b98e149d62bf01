// Package api is the REST client for the metricsplay backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/models"
)

const maxErrorBody = 4096

// TokenSource yields the bearer token for outgoing requests, or "" when none is bound.
type TokenSource interface {
	Token() string
}

// Client calls the backend REST API. Every request carries the bearer token when one is bound.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
	logger  *zap.Logger
}

// NewClient creates a REST client. timeout bounds ordinary calls; video streams are only
// bounded by their context.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &bearerTransport{
		base:   defaultTransport(),
		tokens: tokens,
		logger: logger,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
		logger:  logger,
	}
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// bearerTransport adds the Authorization header to every request when a token is bound.
type bearerTransport struct {
	base   http.RoundTripper
	tokens TokenSource
	logger *zap.Logger
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var token string
	if t.tokens != nil {
		token = t.tokens.Token()
	}
	if token == "" {
		t.logger.Debug("no token for request", zap.String("method", req.Method), zap.String("path", req.URL.Path))
		return t.base.RoundTrip(req)
	}
	authReq := req.Clone(req.Context())
	authReq.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(authReq)
}

// ListFilms handles GET /api/films.
func (c *Client) ListFilms(ctx context.Context) ([]models.Film, error) {
	var films []models.Film
	if err := c.getJSON(ctx, "/api/films", &films); err != nil {
		return nil, err
	}
	return films, nil
}

// GetFilm handles GET /api/films/{id}.
func (c *Client) GetFilm(ctx context.Context, filmID int64) (*models.Film, error) {
	var film models.Film
	if err := c.getJSON(ctx, fmt.Sprintf("/api/films/%d", filmID), &film); err != nil {
		return nil, err
	}
	return &film, nil
}

// OpenStream handles GET /api/films/{id}/stream. The caller must close the returned body.
func (c *Client) OpenStream(ctx context.Context, filmID int64) (io.ReadCloser, string, error) {
	path := fmt.Sprintf("/api/films/%d/stream", filmID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", path, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return resp.Body, contentType, nil
}

// PublishVideoEvent handles POST /api/events/video and returns the backend's text reply.
func (c *Client) PublishVideoEvent(ctx context.Context, rec models.VideoTelemetryRecord) (string, error) {
	return c.postText(ctx, "/api/events/video", rec)
}

// SendEvent posts the loosely typed player event to /api/events/video.
func (c *Client) SendEvent(ctx context.Context, ev models.GenericVideoEvent) (string, error) {
	return c.postText(ctx, "/api/events/video", ev)
}

// FilmMetrics handles GET /api/analytics/film/{id}/metrics.
func (c *Client) FilmMetrics(ctx context.Context, filmID int64) (*models.FilmMetrics, error) {
	var m models.FilmMetrics
	if err := c.getJSON(ctx, fmt.Sprintf("/api/analytics/film/%d/metrics", filmID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DashboardMetrics handles GET /api/analytics/dashboard.
func (c *Client) DashboardMetrics(ctx context.Context) (map[string]any, error) {
	var m map[string]any
	if err := c.getJSON(ctx, "/api/analytics/dashboard", &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ViewerCount handles GET /api/viewers/film/{id}/count.
func (c *Client) ViewerCount(ctx context.Context, filmID int64) (*models.ViewerCount, error) {
	var vc models.ViewerCount
	if err := c.getJSON(ctx, fmt.Sprintf("/api/viewers/film/%d/count", filmID), &vc); err != nil {
		return nil, err
	}
	return &vc, nil
}

// Login handles POST /api/auth/login.
func (c *Client) Login(ctx context.Context, req models.AuthRequest) (*models.AuthResponse, error) {
	var resp models.AuthResponse
	if err := c.postJSON(ctx, "/api/auth/login", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Signup handles POST /api/auth/signup.
func (c *Client) Signup(ctx context.Context, req models.AuthRequest) (*models.AuthResponse, error) {
	var resp models.AuthResponse
	if err := c.postJSON(ctx, "/api/auth/signup", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) postText(ctx context.Context, path string, body any) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(text), nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method:     resp.Request.Method,
		Path:       resp.Request.URL.Path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
