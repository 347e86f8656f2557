package reference

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

	"disputable-values-monitor/internal/queries"
)

// HTTPOptions parameterise the HTTP reference source.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTP fetches reference prices from a price API keyed by asset/currency.
type HTTP struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTP constructs an HTTP reference source.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTP{
		opts:    opts,
		logger:  logger.With().Str("component", "reference_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type priceResponse struct {
	Price *float64 `json:"price"`
}

// Current resolves the reference price for a query id. Query ids outside the
// catalog, transport failures, and empty responses all map to ErrUnavailable
// so the caller can degrade to "unknown" instead of aborting the cycle.
func (h *HTTP) Current(ctx context.Context, queryID string) (decimal.Decimal, error) {
	if h.baseURL == "" {
		return decimal.Decimal{}, errors.New("reference base url not configured")
	}

	info, ok := queries.Lookup(queryID)
	if !ok || info.Type != queries.TypeSpotPrice {
		return decimal.Decimal{}, ErrUnavailable
	}

	endpoint := fmt.Sprintf("%s/price?asset=%s&currency=%s",
		h.baseURL, url.QueryEscape(info.Asset), url.QueryEscape(info.Currency))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.logger.Warn().Int("status", resp.StatusCode).Str("query_id", queryID).Msg("reference API 响应码异常")
		return decimal.Decimal{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var parsed priceResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if parsed.Price == nil {
		return decimal.Decimal{}, ErrUnavailable
	}

	return decimal.NewFromFloat(*parsed.Price), nil
}

var _ Source = (*HTTP)(nil)
