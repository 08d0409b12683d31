package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/abdrafdev/agrimind/internal/model"
)

// apiResponse is the wire shape every provider endpoint must return.
// Exact vendor response formats are translated to this envelope by the
// provider-side shim, not by the core.
type apiResponse struct {
	Value      float64    `json:"value"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

// APIAdapter fetches live values from an external HTTP provider.
//
// Requests are rate limited with a token bucket so a burst of concurrent
// resolves cannot exhaust a provider quota; a request that cannot obtain a
// token before ctx expires fails as unavailable rather than queueing.
type APIAdapter struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// APIConfig configures an APIAdapter.
type APIConfig struct {
	// Name identifies the provider ("openweather", "usda").
	Name string
	// BaseURL is the provider endpoint; the adapter appends
	// /v1/data?domain=...&key=... to it.
	BaseURL string
	// Timeout bounds each HTTP call independently of the caller's ctx.
	// Defaults to 5s.
	Timeout time.Duration
	// RPS and Burst configure the client-side rate limiter.
	// Defaults: 10 rps, burst 20.
	RPS   float64
	Burst int
}

// NewAPIAdapter creates an HTTP provider adapter.
func NewAPIAdapter(cfg APIConfig) *APIAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &APIAdapter{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
}

// Fetch performs one rate-limited GET against the provider.
func (a *APIAdapter) Fetch(ctx context.Context, domain, key string) (model.RawValue, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return model.RawValue{}, fmt.Errorf("api %q: rate limit wait: %w", a.name, ErrUnavailable)
	}

	q := url.Values{}
	q.Set("domain", domain)
	q.Set("key", key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/data?"+q.Encode(), nil)
	if err != nil {
		return model.RawValue{}, fmt.Errorf("api %q: build request: %w", a.name, err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return model.RawValue{}, fmt.Errorf("api %q: %v: %w", a.name, err, ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return model.RawValue{}, fmt.Errorf("api %q: status %d: %w", a.name, resp.StatusCode, ErrUnavailable)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// Malformed response is a tier failure, not a fatal error.
		return model.RawValue{}, fmt.Errorf("api %q: decode: %v: %w", a.name, err, ErrUnavailable)
	}

	observed := time.Now().UTC()
	if body.ObservedAt != nil {
		observed = body.ObservedAt.UTC()
	}
	return model.RawValue{Value: body.Value, ObservedAt: observed, Provider: a.name}, nil
}

// Tier returns the api tier.
func (a *APIAdapter) Tier() model.SourceTier { return model.TierAPI }

// Name returns the provider name.
func (a *APIAdapter) Name() string { return a.name }

// Healthy probes the provider's health endpoint.
func (a *APIAdapter) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("api %q: %v: %w", a.name, err, ErrUnavailable)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api %q: health status %d: %w", a.name, resp.StatusCode, ErrUnavailable)
	}
	return nil
}
