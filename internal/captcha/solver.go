package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seoscope/crawler/internal/logger"
)

// Solver errors.
var (
	// ErrNoSolver is returned by NopSolver: no solving service is configured.
	ErrNoSolver = errors.New("captcha: no solver configured")
	// ErrUnsolved is returned when the solving service gave up or timed out.
	ErrUnsolved = errors.New("captcha: challenge unsolved")
)

// Solver obtains a response token for a detected challenge.
type Solver interface {
	Solve(ctx context.Context, challenge Challenge, pageURL string) (string, error)
}

// NopSolver fails fast; deployments without a solving service use it so the
// fetch pipeline falls through to proxy rotation immediately.
type NopSolver struct{}

// Solve always returns ErrNoSolver.
func (NopSolver) Solve(context.Context, Challenge, string) (string, error) {
	return "", ErrNoSolver
}

// Default HTTPSolver settings.
const (
	// DefaultSolveTimeout bounds one solve attempt end to end.
	DefaultSolveTimeout = 2 * time.Minute
	// DefaultPollInterval is the delay between result polls.
	DefaultPollInterval = 5 * time.Second
	// notReadyAnswer is the service's in-progress marker.
	notReadyAnswer = "CAPCHA_NOT_READY"
)

// HTTPSolverConfig holds HTTPSolver settings.
type HTTPSolverConfig struct {
	// Endpoint is the solving service base URL, e.g. "https://2captcha.com".
	Endpoint string
	// APIKey authenticates against the service.
	APIKey string `json:"-"`
	// SolveTimeout overrides DefaultSolveTimeout when positive.
	SolveTimeout time.Duration
	// PollInterval overrides DefaultPollInterval when positive.
	PollInterval time.Duration
}

// HTTPSolver submits challenges to a 2captcha-compatible solving service and
// polls for the token.
type HTTPSolver struct {
	httpClient   *http.Client
	endpoint     string
	apiKey       string
	solveTimeout time.Duration
	pollInterval time.Duration
	log          logger.Logger
}

// NewHTTPSolver creates a solver against a 2captcha-compatible HTTP API.
func NewHTTPSolver(httpClient *http.Client, cfg HTTPSolverConfig, log logger.Logger) *HTTPSolver {
	timeout := cfg.SolveTimeout
	if timeout <= 0 {
		timeout = DefaultSolveTimeout
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	if log == nil {
		log = logger.NewNop()
	}

	return &HTTPSolver{
		httpClient:   httpClient,
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:       cfg.APIKey,
		solveTimeout: timeout,
		pollInterval: interval,
		log:          log,
	}
}

// apiResponse is the service's JSON reply shape for both submit and poll.
type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits the challenge and polls until the service answers or the
// solve timeout elapses.
func (s *HTTPSolver) Solve(ctx context.Context, challenge Challenge, pageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.solveTimeout)
	defer cancel()

	taskID, err := s.submit(ctx, challenge, pageURL)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrUnsolved, ctx.Err())
		case <-ticker.C:
			token, ready, pollErr := s.poll(ctx, taskID)
			if pollErr != nil {
				return "", pollErr
			}
			if ready {
				return token, nil
			}
		}
	}
}

// submit registers the challenge with the service and returns the task ID.
func (s *HTTPSolver) submit(ctx context.Context, challenge Challenge, pageURL string) (string, error) {
	params := url.Values{}
	params.Set("key", s.apiKey)
	params.Set("method", methodForProvider(challenge.Provider))
	params.Set("pageurl", pageURL)
	params.Set("json", "1")

	switch challenge.Provider {
	case ProviderHcaptcha, ProviderTurnstile:
		params.Set("sitekey", challenge.SiteKey)
	default:
		params.Set("googlekey", challenge.SiteKey)
	}

	resp, err := s.call(ctx, s.endpoint+"/in.php?"+params.Encode())
	if err != nil {
		return "", fmt.Errorf("captcha submit: %w", err)
	}

	if resp.Status != 1 {
		return "", fmt.Errorf("%w: submit rejected: %s", ErrUnsolved, resp.Request)
	}

	return resp.Request, nil
}

// poll asks the service whether the task is solved. The second return value
// is false while the service is still working.
func (s *HTTPSolver) poll(ctx context.Context, taskID string) (string, bool, error) {
	params := url.Values{}
	params.Set("key", s.apiKey)
	params.Set("action", "get")
	params.Set("id", taskID)
	params.Set("json", "1")

	resp, err := s.call(ctx, s.endpoint+"/res.php?"+params.Encode())
	if err != nil {
		return "", false, fmt.Errorf("captcha poll: %w", err)
	}

	if resp.Status == 1 {
		return resp.Request, true, nil
	}

	if resp.Request == notReadyAnswer {
		return "", false, nil
	}

	return "", false, fmt.Errorf("%w: %s", ErrUnsolved, resp.Request)
}

// call issues a GET and decodes the service's JSON envelope.
func (s *HTTPSolver) call(ctx context.Context, callURL string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callURL, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode solver response: %w", err)
	}

	return &parsed, nil
}

// methodForProvider maps a detected provider to the service's method name.
func methodForProvider(provider string) string {
	switch provider {
	case ProviderHcaptcha:
		return "hcaptcha"
	case ProviderTurnstile:
		return "turnstile"
	default:
		return "userrecaptcha"
	}
}
