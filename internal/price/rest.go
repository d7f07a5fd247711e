// rest.go implements the REST fallback source.
//
// The poller fetches both symbols on a fixed interval and stores them under
// the "rest" source, which Resolve falls back to when a live source is
// absent or stale. FetchNow exposes an on-demand lookup for the recovery
// probe and the dashboard.
package price

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

// ErrAuthRejected marks a 401/403 from the upstream. Retrying cannot help,
// so the failure is reported as critical and pauses the bot immediately.
var ErrAuthRejected = errors.New("auth rejected")

// RESTSource polls a market REST endpoint for spot prices.
type RESTSource struct {
	cfg      config.RESTConfig
	http     *resty.Client
	agg      *Aggregator
	reporter FailureReporter
	logger   *slog.Logger
}

// tickerResponse is the REST wire format for GET /ticker.
type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewRESTSource creates the REST fallback client.
func NewRESTSource(cfg config.RESTConfig, agg *Aggregator, reporter FailureReporter, logger *slog.Logger) *RESTSource {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	return &RESTSource{
		cfg:      cfg,
		http:     client,
		agg:      agg,
		reporter: reporter,
		logger:   logger.With("component", "price_rest"),
	}
}

// Run polls both symbols until ctx is cancelled.
func (r *RESTSource) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *RESTSource) poll(ctx context.Context) {
	for _, symbol := range []types.Symbol{types.SymbolUSDTBRL, types.SymbolUSDBRL} {
		if _, err := r.FetchNow(ctx, symbol); err != nil {
			kind := types.KindTransient
			if errors.Is(err, ErrAuthRejected) {
				kind = types.KindCritical
			}
			r.reporter.RecordFailure(string(types.SourceREST), kind, err)
		} else {
			r.reporter.RecordSuccess(string(types.SourceREST))
		}
	}
}

// FetchNow performs one on-demand lookup and feeds the aggregator.
func (r *RESTSource) FetchNow(ctx context.Context, symbol types.Symbol) (decimal.Decimal, error) {
	var result tickerResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", string(symbol)).
		SetResult(&result).
		Get("/ticker")
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch %s: %w", symbol, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return decimal.Zero, fmt.Errorf("fetch %s: %w (%d)", symbol, ErrAuthRejected, resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	price, err := decimal.NewFromString(result.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch %s: bad price %q", symbol, result.Price)
	}

	r.agg.Accept(types.PriceSample{
		Source:     types.SourceREST,
		Symbol:     symbol,
		Price:      price,
		CapturedAt: time.Now(),
	})
	return price, nil
}

// Probe is the recovery health check registered with the error service.
func (r *RESTSource) Probe(ctx context.Context) error {
	_, err := r.FetchNow(ctx, types.SymbolUSDTBRL)
	return err
}
