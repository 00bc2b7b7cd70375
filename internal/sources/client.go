// Package sources queries an external backlink index service for pages
// likely to link at a target URL. It is the production implementation of the
// backlink finder; deployments without an index configure none and the graph
// falls back to a no-op.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/seoscope/crawler/internal/backlink"
)

const (
	// DefaultBaseURL is the default endpoint of the backlink index API.
	DefaultBaseURL = "http://localhost:8060/api/v1/backlink-sources"
	// DefaultTimeout is the default timeout for index queries.
	DefaultTimeout = 30 * time.Second
	// ServiceTokenExpirationHours is the expiration time for service-to-service JWT tokens.
	ServiceTokenExpirationHours = 24

	defaultMaxResults = 10
)

// Client is an HTTP client for the backlink index API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	jwtSecret  string
}

var _ backlink.Finder = (*Client)(nil)

// Option is a function that configures a Client.
type Option func(*Client)

// WithBaseURL sets the base URL for the index API.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the timeout for index queries.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithJWTSecret sets the JWT secret for generating service tokens.
func WithJWTSecret(secret string) Option {
	return func(c *Client) {
		c.jwtSecret = secret
	}
}

// NewClient creates a new backlink index client.
func NewClient(opts ...Option) *Client {
	client := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

type sourcesResponse struct {
	Sources []backlink.Source `json:"sources"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// FindSources asks the index for up to maxResults pages that may link at
// targetURL.
func (c *Client) FindSources(ctx context.Context, targetURL string, maxResults int) ([]backlink.Source, error) {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse index URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("target", targetURL)
	query.Set("limit", strconv.Itoa(maxResults))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var response sourcesResponse
	if doErr := c.doRequest(req, &response); doErr != nil {
		return nil, fmt.Errorf("failed to query backlink index: %w", doErr)
	}

	return response.Sources, nil
}

// generateServiceToken generates a JWT token for service-to-service authentication.
func (c *Client) generateServiceToken() (string, error) {
	if c.jwtSecret == "" {
		return "", errors.New("JWT secret not configured")
	}

	now := time.Now()
	claims := &jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ServiceTokenExpirationHours * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Subject:   "crawler-service",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.jwtSecret))
}

// doRequest executes an HTTP request and decodes the response.
func (c *Client) doRequest(req *http.Request, result any) error {
	if c.jwtSecret != "" {
		token, err := c.generateServiceToken()
		if err != nil {
			return fmt.Errorf("failed to generate service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("failed to read response body: %w", readErr)
	}

	const minErrorStatusCode = 400
	if resp.StatusCode >= minErrorStatusCode {
		var errResp errorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error != "" {
			return fmt.Errorf("index error (status %d): %s - %s", resp.StatusCode, errResp.Error, errResp.Message)
		}
		return fmt.Errorf("index error (status %d): %s", resp.StatusCode, string(body))
	}

	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	if unmarshalErr := json.Unmarshal(body, result); unmarshalErr != nil {
		return fmt.Errorf("failed to decode response: %w", unmarshalErr)
	}

	return nil
}
