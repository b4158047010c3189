// Package remote is the HTTP client of the remote challenge and wallet service.
package remote

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

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/types"
)

const maxResponseSize = 1 << 20

var ErrInvalidURL = errors.New("invalid remote service URL")

// Client talks to the remote service. Connection errors and 5xx answers are
// retried inside the HTTP client; whatever remains is reported as
// types.ErrTransientNetwork. 4xx answers become *types.RejectionError.
type Client struct {
	baseURL   *url.URL
	client    *retryablehttp.Client
	limiter   *rate.Limiter
	userAgent string
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	baseURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if baseURL.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURL, cfg.URL)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "https"
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.TransportRetries
	client.RetryWaitMin = cfg.RetryWait
	client.RetryWaitMax = cfg.RetryWait * 8
	client.HTTPClient.Timeout = cfg.RequestTimeout
	client.Logger = leveledLogger{s: logger.Named("http").Sugar()}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:   baseURL,
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: cfg.UserAgent,
	}, nil
}

type challengeResponse struct {
	Code      string         `json:"code"`
	Challenge *challengeInfo `json:"challenge"`
}

type challengeInfo struct {
	ID               string `json:"challenge_id"`
	Difficulty       string `json:"difficulty"`
	NoPreMine        string `json:"no_pre_mine"`
	NoPreMineHour    string `json:"no_pre_mine_hour"`
	LatestSubmission string `json:"latest_submission"`
	IssuedAt         string `json:"issued_at"`
}

// ListChallenges returns the challenge the service currently announces, if any.
func (c *Client) ListChallenges(ctx context.Context) ([]*shared.Challenge, error) {
	var resp challengeResponse
	if err := c.req(ctx, http.MethodGet, &resp, "challenge"); err != nil {
		return nil, fmt.Errorf("getting challenge: %w", err)
	}
	if resp.Challenge == nil || resp.Challenge.ID == "" {
		return nil, nil
	}
	info := resp.Challenge
	target, err := shared.ParseTarget(info.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("challenge %s: %w", info.ID, err)
	}
	ch := &shared.Challenge{
		ID:               info.ID,
		Difficulty:       shared.OrdinalDifficulty(target),
		Target:           target,
		TargetHex:        info.Difficulty,
		RomKey:           info.NoPreMine,
		RomKeyHour:       info.NoPreMineHour,
		LatestSubmission: info.LatestSubmission,
	}
	if issued, err := time.Parse(time.RFC3339, info.IssuedAt); err == nil {
		ch.IssuedAt = issued.UnixNano()
	}
	return []*shared.Challenge{ch}, nil
}

// RegisterWallet accepts the terms on behalf of address. A wallet the
// service already knows counts as registered.
func (c *Client) RegisterWallet(ctx context.Context, address, signature, pubkey string) error {
	err := c.req(ctx, http.MethodPost, nil, "register", address, signature, pubkey)
	var rejection *types.RejectionError
	if errors.As(err, &rejection) && strings.Contains(strings.ToLower(rejection.Reason), "already") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registering %s: %w", address, err)
	}
	return nil
}

// SubmitSolution posts a nonce. The service recomputes the hash itself, so
// hash is not sent.
func (c *Client) SubmitSolution(ctx context.Context, address, challengeID, nonce, hash string) error {
	if err := c.req(ctx, http.MethodPost, nil, "solution", address, challengeID, nonce); err != nil {
		return fmt.Errorf("submitting solution for %s: %w", challengeID, err)
	}
	return nil
}

// Consolidate assigns the rights accumulated by address to destination.
// A conflict means it was already done.
func (c *Client) Consolidate(ctx context.Context, address, destination, signature string) error {
	err := c.req(ctx, http.MethodPost, nil, "donate_to", destination, address, signature)
	var rejection *types.RejectionError
	if errors.As(err, &rejection) && rejection.Status == http.StatusConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("consolidating %s: %w", address, err)
	}
	return nil
}

type statisticsResponse struct {
	Local struct {
		Receipts   uint64 `json:"crypto_receipts"`
		Allocation uint64 `json:"night_allocation"`
	} `json:"local"`
}

// Balance returns the allocation accumulated by address.
func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	var resp statisticsResponse
	if err := c.req(ctx, http.MethodGet, &resp, "statistics", address); err != nil {
		return 0, fmt.Errorf("querying balance of %s: %w", address, err)
	}
	return resp.Local.Allocation, nil
}

func (c *Client) req(ctx context.Context, method string, resBody any, path ...string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path...).String(), nil)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	res, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s /%s: %w", types.ErrTransientNetwork, method, strings.Join(path, "/"), err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading response body: %w", types.ErrTransientNetwork, err)
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
	case res.StatusCode == http.StatusRequestTimeout,
		res.StatusCode == http.StatusTooManyRequests,
		res.StatusCode >= 500:
		return fmt.Errorf("%w: response status %s, body: %s", types.ErrTransientNetwork, res.Status, string(data))
	default:
		return &types.RejectionError{Status: res.StatusCode, Reason: strings.TrimSpace(string(data))}
	}

	if resBody != nil && len(data) > 0 {
		if err := json.Unmarshal(data, resBody); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}
