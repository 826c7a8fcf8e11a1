package oracle

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// HTTPSourceConfig describes a JSON-over-HTTP price feed. The paths are
// gjson expressions evaluated against the response body. ExponentPath
// is optional; when empty, Decimals is used as a fixed scale.
type HTTPSourceConfig struct {
	Name          string
	Endpoint      string
	APIKey        string
	ValuePath     string
	ExponentPath  string
	TimestampPath string
	Decimals      uint8
	// Feeds maps asset keys onto the feed identifier the upstream
	// expects (push-cache style endpoints address feeds, not symbols).
	Feeds map[string]string
	// RatePerSecond bounds outbound calls; zero disables limiting.
	RatePerSecond float64
}

// HTTPSource adapts a JSON HTTP endpoint to the Source interface.
type HTTPSource struct {
	cfg      HTTPSourceConfig
	client   *http.Client
	endpoint *url.URL
	limiter  *rate.Limiter
}

// NewHTTPSource constructs an HTTP source adapter.
func NewHTTPSource(client *http.Client, cfg HTTPSourceConfig) (*HTTPSource, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Name == "" {
		return nil, fmt.Errorf("source name required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("source endpoint required")
	}
	if cfg.ValuePath == "" {
		return nil, fmt.Errorf("source value path required")
	}
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse source endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &HTTPSource{cfg: cfg, client: client, endpoint: parsed, limiter: limiter}, nil
}

func (h *HTTPSource) Name() string { return h.cfg.Name }

// Fetch retrieves one observation for the asset. The asset (or its
// mapped feed identifier) is passed as the "id" query parameter.
func (h *HTTPSource) Fetch(ctx context.Context, asset string) (Sample, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return Sample{}, err
		}
	}

	id := asset
	if mapped, ok := h.cfg.Feeds[asset]; ok {
		id = mapped
	}

	requestURL := *h.endpoint
	q := requestURL.Query()
	q.Set("id", id)
	requestURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return Sample{}, fmt.Errorf("build source request: %w", err)
	}
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("source request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Sample{}, fmt.Errorf("source status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Sample{}, fmt.Errorf("read source response: %w", err)
	}
	return h.parse(body)
}

func (h *HTTPSource) parse(body []byte) (Sample, error) {
	if !gjson.ValidBytes(body) {
		return Sample{}, fmt.Errorf("malformed source response")
	}
	doc := gjson.ParseBytes(body)

	value := doc.Get(h.cfg.ValuePath)
	if !value.Exists() {
		return Sample{}, fmt.Errorf("value path %q missing in response", h.cfg.ValuePath)
	}
	raw, ok := new(big.Int).SetString(strings.TrimSpace(value.String()), 10)
	if !ok {
		return Sample{}, fmt.Errorf("value %q is not an integer", value.String())
	}

	decimals := h.cfg.Decimals
	if h.cfg.ExponentPath != "" {
		expo := doc.Get(h.cfg.ExponentPath)
		if !expo.Exists() {
			return Sample{}, fmt.Errorf("exponent path %q missing in response", h.cfg.ExponentPath)
		}
		// Push feeds publish negative exponents: value * 10^expo.
		e := expo.Int()
		if e > 0 || e < -255 {
			return Sample{}, fmt.Errorf("unsupported exponent %d", e)
		}
		decimals = uint8(-e)
	}

	sample := Sample{RawValue: raw, Decimals: decimals}
	if h.cfg.TimestampPath != "" {
		if ts := doc.Get(h.cfg.TimestampPath); ts.Exists() {
			sample.PublishedAt = time.Unix(ts.Int(), 0).UTC()
		}
	}
	return sample, nil
}
