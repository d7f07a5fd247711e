// scraper.go implements the commercial USD/BRL supervisor.
//
// The commercial dollar rate is read out of a web page's title, refreshed by
// an embedded page session. The UI automation itself lives behind the Page
// interface; the default implementation fetches the document over HTTP and
// parses the <title> element.
//
// The supervisor's watchdog fires every WatchdogEvery: a sample older than
// FrozenAfter first gets a soft refresh, and a full navigation if the
// refresh fails or the page stays frozen. Navigations are budgeted per
// rolling hour; once the budget is spent, one bypass navigation is allowed
// per RateLimitBypass cooldown.
package price

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

// Page is the embedded page session the scraper drives. Navigate performs a
// full (budgeted) navigation; Refresh is a soft reload of the current page.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Refresh(ctx context.Context) error
	Title(ctx context.Context) (string, error)
}

// titlePriceRe pulls the first money-looking number out of a page title,
// e.g. "Dólar Comercial R$ 5,4321" or "USD/BRL 5.4321".
var titlePriceRe = regexp.MustCompile(`(\d+[.,]\d{2,6})`)

// Scraper supervises the commercial-dollar page session.
type Scraper struct {
	cfg      config.ScraperConfig
	page     Page
	agg      *Aggregator
	reporter FailureReporter
	logger   *slog.Logger

	mu         sync.Mutex
	navTimes   []time.Time // navigations inside the rolling hour
	lastBypass time.Time
}

// NewScraper creates the scraper supervisor. If page is nil an HTTP-backed
// session is used.
func NewScraper(cfg config.ScraperConfig, page Page, agg *Aggregator, reporter FailureReporter, logger *slog.Logger) *Scraper {
	if page == nil {
		page = NewHTTPPage()
	}
	return &Scraper{
		cfg:      cfg,
		page:     page,
		agg:      agg,
		reporter: reporter,
		logger:   logger.With("component", "price_scraper"),
	}
}

// Run drives the initial navigation, the periodic title poll, and the
// frozen-page watchdog. Blocks until ctx is cancelled.
func (s *Scraper) Run(ctx context.Context) error {
	if err := s.navigate(ctx, false); err != nil {
		s.reporter.RecordFailure(string(types.SourceCommercial), types.KindTransient, err)
	}

	poll := time.NewTicker(5 * time.Second)
	defer poll.Stop()
	watchdog := time.NewTicker(s.cfg.WatchdogEvery)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			s.capture(ctx)
		case <-watchdog.C:
			s.checkFrozen(ctx)
		}
	}
}

// capture reads the current title and feeds a sample to the aggregator.
func (s *Scraper) capture(ctx context.Context) {
	title, err := s.page.Title(ctx)
	if err != nil {
		s.reporter.RecordFailure(string(types.SourceCommercial), types.KindTransient, err)
		return
	}

	price, err := parseTitlePrice(title)
	if err != nil {
		s.logger.Debug("no price in title", "title", title)
		return
	}

	s.reporter.RecordSuccess(string(types.SourceCommercial))
	s.agg.Accept(types.PriceSample{
		Source:     types.SourceCommercial,
		Symbol:     types.SymbolUSDBRL,
		Price:      price,
		CapturedAt: time.Now(),
	})
}

// checkFrozen escalates a stuck page: soft refresh first, full navigation if
// that does not help.
func (s *Scraper) checkFrozen(ctx context.Context) {
	last, ok := s.agg.LastSampleAt(types.SourceCommercial)
	if ok && time.Since(last) < s.cfg.FrozenAfter {
		return
	}

	s.logger.Warn("commercial page frozen, refreshing",
		"last_sample", last,
		"frozen_after", s.cfg.FrozenAfter,
	)

	if err := s.page.Refresh(ctx); err == nil {
		s.capture(ctx)
		if last2, ok2 := s.agg.LastSampleAt(types.SourceCommercial); ok2 && time.Since(last2) < s.cfg.FrozenAfter {
			return
		}
	}

	if err := s.navigate(ctx, true); err != nil {
		s.reporter.RecordFailure(string(types.SourceCommercial), types.KindTransient, err)
	}
}

// navigate performs a full navigation, enforcing the rolling-hour budget.
// When the budget is exhausted, a bypass navigation is allowed once per
// cooldown if allowBypass is set.
func (s *Scraper) navigate(ctx context.Context, allowBypass bool) error {
	now := time.Now()

	s.mu.Lock()
	cutoff := now.Add(-time.Hour)
	i := 0
	for ; i < len(s.navTimes); i++ {
		if s.navTimes[i].After(cutoff) {
			break
		}
	}
	s.navTimes = append(s.navTimes[:0:0], s.navTimes[i:]...)

	if len(s.navTimes) >= s.cfg.MaxNavPerHour {
		if !allowBypass || now.Sub(s.lastBypass) < s.cfg.RateLimitBypass {
			s.mu.Unlock()
			return fmt.Errorf("navigation budget exhausted (%d/hour)", s.cfg.MaxNavPerHour)
		}
		s.lastBypass = now
	}
	s.navTimes = append(s.navTimes, now)
	s.mu.Unlock()

	if err := s.page.Navigate(ctx, s.cfg.URL); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	s.capture(ctx)
	return nil
}

// Probe is the recovery health check registered with the error service: the
// page must yield a parseable price again.
func (s *Scraper) Probe(ctx context.Context) error {
	title, err := s.page.Title(ctx)
	if err != nil {
		return err
	}
	_, err = parseTitlePrice(title)
	return err
}

func parseTitlePrice(title string) (decimal.Decimal, error) {
	m := titlePriceRe.FindString(title)
	if m == "" {
		return decimal.Zero, fmt.Errorf("no price in title %q", title)
	}
	m = strings.ReplaceAll(m, ",", ".")
	return decimal.NewFromString(m)
}

// ————————————————————————————————————————————————————————————————————————
// HTTP-backed page session
// ————————————————————————————————————————————————————————————————————————

var htmlTitleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// HTTPPage is the default Page: it fetches the document over HTTP and
// remembers the last parsed <title>.
type HTTPPage struct {
	http *resty.Client

	mu    sync.Mutex
	url   string
	title string
}

// NewHTTPPage creates an HTTP-backed page session.
func NewHTTPPage() *HTTPPage {
	return &HTTPPage{
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
	}
}

// Navigate fetches the page and caches its title.
func (p *HTTPPage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return p.fetch(ctx)
}

// Refresh re-fetches the current page.
func (p *HTTPPage) Refresh(ctx context.Context) error {
	return p.fetch(ctx)
}

// Title returns the last fetched title, re-fetching if none is cached.
func (p *HTTPPage) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	title := p.title
	p.mu.Unlock()
	if title != "" {
		return title, nil
	}
	if err := p.fetch(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *HTTPPage) fetch(ctx context.Context) error {
	p.mu.Lock()
	url := p.url
	p.mu.Unlock()
	if url == "" {
		return fmt.Errorf("no page loaded")
	}

	resp, err := p.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("fetch page: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("fetch page: status %d", resp.StatusCode())
	}

	m := htmlTitleRe.FindSubmatch(resp.Body())
	if m == nil {
		return fmt.Errorf("page has no title")
	}

	p.mu.Lock()
	p.title = strings.TrimSpace(string(m[1]))
	p.mu.Unlock()
	return nil
}
