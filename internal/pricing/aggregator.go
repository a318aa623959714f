package pricing

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

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const simplePricePath = "/simple/price"

// AggregatorOptions parameterise the HTTP aggregator source.
type AggregatorOptions struct {
	Name    string
	BaseURL string
	// AssetIDs maps our asset symbols onto the aggregator's identifiers.
	AssetIDs  map[string]string
	Timeout   time.Duration
	UserAgent string
}

// Aggregator fetches spot quotes from a CoinGecko-compatible price API.
type Aggregator struct {
	opts    AggregatorOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewAggregator constructs an aggregator source.
func NewAggregator(opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}

	return &Aggregator{
		opts:    opts,
		logger:  logger.With().Str("component", "aggregator_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name identifies the source in diagnostics and configuration.
func (a *Aggregator) Name() string {
	if a.opts.Name != "" {
		return a.opts.Name
	}
	return "aggregator"
}

// LatestPrice retrieves the asset's USD spot quote.
func (a *Aggregator) LatestPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	id := a.opts.AssetIDs[asset]
	if id == "" {
		return decimal.Decimal{}, fmt.Errorf("no aggregator identifier configured for asset %q", asset)
	}

	query := url.Values{}
	query.Set("ids", id)
	query.Set("vs_currencies", "usd")
	endpoint := a.baseURL + simplePricePath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "withdrawguard/1.0")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, parseHTTPError(resp.StatusCode, payload)
	}

	// {"<id>": {"usd": 1.0013}}
	var body map[string]map[string]json.Number
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, err
	}
	raw, ok := body[id]["usd"]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("aggregator returned no usd quote for %q", id)
	}

	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse quote: %w", err)
	}
	if price.IsZero() {
		return decimal.Decimal{}, errors.New("aggregator returned zero quote")
	}
	return price, nil
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("price api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price api error (%d)", status)
}

var _ Source = (*Aggregator)(nil)
