package crawler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/ratecache"
)

const maxResponseBytes = 8 << 20

// Config configures the crawler client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond limits calls to the source; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
}

// Client talks to the rate source crawler service.
type Client struct {
	base      *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	timeout   time.Duration
	userAgent string
	logger    *zap.SugaredLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// New creates a crawler client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Newf("invalid crawler base url %q", cfg.BaseURL)
	}
	c := &Client{
		base:      base,
		http:      &http.Client{},
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		logger:    zap.NewNop().Sugar(),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.userAgent == "" {
		c.userAgent = "taxsync-crawler-client"
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "crawler")
	return c, nil
}

// rateResponse is the wire form of one rate.
type rateResponse struct {
	State          string             `json:"state"`
	County         string             `json:"county"`
	City           string             `json:"city"`
	Zip            string             `json:"zip"`
	BaseRate       float64            `json:"baseRate"`
	CategoryRates  map[string]float64 `json:"categoryRates"`
	EffectiveDate  time.Time          `json:"effectiveDate"`
	ExpirationDate *time.Time         `json:"expirationDate"`
	Source         string             `json:"source"`
}

func (r rateResponse) record(fetchedAt time.Time) *ratecache.RateRecord {
	return &ratecache.RateRecord{
		Jurisdiction:   ratecache.Jurisdiction{State: r.State, County: r.County, City: r.City, Zip: r.Zip},
		BaseRate:       r.BaseRate,
		CategoryRates:  r.CategoryRates,
		EffectiveDate:  r.EffectiveDate,
		ExpirationDate: r.ExpirationDate,
		Source:         r.Source,
		FetchedAt:      fetchedAt,
	}
}

type stateResponse struct {
	State string         `json:"state"`
	Rates []rateResponse `json:"rates"`
}

// FetchRate fetches the rate of a single jurisdiction.
// It implements ratecache.Fetcher.
func (c *Client) FetchRate(ctx context.Context, j ratecache.Jurisdiction) (*ratecache.RateRecord, error) {
	q := url.Values{}
	for k, v := range map[string]string{"county": j.County, "city": j.City, "zip": j.Zip} {
		if v != "" {
			q.Set(k, v)
		}
	}
	var resp rateResponse
	if err := c.get(ctx, "/rates/"+url.PathEscape(strings.ToUpper(j.State)), q, &resp); err != nil {
		return nil, err
	}
	rec := resp.record(time.Now())
	if rec.Jurisdiction.State == "" {
		rec.Jurisdiction = j
	}
	return rec, nil
}

// FetchState fetches every published rate of a state.
func (c *Client) FetchState(ctx context.Context, state string) ([]*ratecache.RateRecord, error) {
	var resp stateResponse
	if err := c.get(ctx, "/states/"+url.PathEscape(strings.ToUpper(state))+"/rates", nil, &resp); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]*ratecache.RateRecord, 0, len(resp.Rates))
	for _, r := range resp.Rates {
		if r.State == "" {
			r.State = state
		}
		out = append(out, r.record(now))
	}
	return out, nil
}

// Ping calls the crawler health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/health", nil, nil)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "crawler rate limit")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "build crawler request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "GET %s", u.Path), core.ErrUpstreamFetchFailed)
	}
	defer resp.Body.Close()

	c.logger.Debugw("crawler request", "path", u.Path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := errors.Mark(
			errors.Newf("GET %s: status %d: %s", u.Path, resp.StatusCode, strings.TrimSpace(string(body))),
			core.ErrUpstreamFetchFailed,
		)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return core.NoRetry(err)
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return errors.Mark(errors.Wrapf(err, "decode %s", u.Path), core.ErrUpstreamFetchFailed)
	}
	return nil
}
