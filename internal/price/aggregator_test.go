package price

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

type captureSink struct {
	mu    sync.Mutex
	ticks []types.PriceSample
}

func (c *captureSink) EmitPriceTick(s types.PriceSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = append(c.ticks, s)
}

func testPricesConfig() config.PricesConfig {
	return config.PricesConfig{
		StaleAfter:   2 * time.Minute,
		MinPlausible: 3,
		MaxPlausible: 10,
		Scraper:      config.ScraperConfig{StaleAfter: 2 * time.Minute},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestAcceptAndGetPrice(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	agg := NewAggregator(testPricesConfig(), sink, testLogger())

	ok := agg.Accept(types.PriceSample{
		Source:     types.SourceBinance,
		Symbol:     types.SymbolUSDTBRL,
		Price:      dec("5.20"),
		CapturedAt: time.Now(),
	})
	if !ok {
		t.Fatal("plausible sample should be accepted")
	}

	view, found := agg.GetPrice(types.SourceBinance, types.SymbolUSDTBRL)
	if !found {
		t.Fatal("price should be present")
	}
	if !view.Price.Equal(dec("5.20")) {
		t.Errorf("price = %s, want 5.20", view.Price)
	}
	if view.Stale {
		t.Error("fresh sample should not be stale")
	}
	if len(sink.ticks) != 1 {
		t.Errorf("bronze ticks = %d, want 1", len(sink.ticks))
	}
}

func TestImplausibleSampleRejected(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(testPricesConfig(), nil, testLogger())

	for _, p := range []string{"2.99", "10.01", "0", "523"} {
		if agg.Accept(types.PriceSample{
			Source:     types.SourceBinance,
			Symbol:     types.SymbolUSDTBRL,
			Price:      dec(p),
			CapturedAt: time.Now(),
		}) {
			t.Errorf("price %s outside 3..10 should be rejected", p)
		}
	}
	if agg.Rejected() != 4 {
		t.Errorf("rejected = %d, want 4", agg.Rejected())
	}
	if _, found := agg.GetPrice(types.SourceBinance, types.SymbolUSDTBRL); found {
		t.Error("rejected samples must not be stored")
	}
}

func TestOlderSampleDoesNotRegress(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(testPricesConfig(), nil, testLogger())
	now := time.Now()

	agg.Accept(types.PriceSample{Source: types.SourceBinance, Symbol: types.SymbolUSDTBRL, Price: dec("5.25"), CapturedAt: now})
	if agg.Accept(types.PriceSample{Source: types.SourceBinance, Symbol: types.SymbolUSDTBRL, Price: dec("5.10"), CapturedAt: now.Add(-time.Second)}) {
		t.Error("older sample should be discarded")
	}

	view, _ := agg.GetPrice(types.SourceBinance, types.SymbolUSDTBRL)
	if !view.Price.Equal(dec("5.25")) {
		t.Errorf("price = %s, want 5.25 (latest wins)", view.Price)
	}
}

func TestStaleness(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(testPricesConfig(), nil, testLogger())
	agg.Accept(types.PriceSample{
		Source:     types.SourceBinance,
		Symbol:     types.SymbolUSDTBRL,
		Price:      dec("5.20"),
		CapturedAt: time.Now().Add(-3 * time.Minute),
	})

	view, found := agg.GetPrice(types.SourceBinance, types.SymbolUSDTBRL)
	if !found {
		t.Fatal("stale price is still served")
	}
	if !view.Stale {
		t.Error("3-minute-old sample should be stale")
	}
}

func TestResolveFallsBackToREST(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(testPricesConfig(), nil, testLogger())

	// Primary stale, REST fresh.
	agg.Accept(types.PriceSample{
		Source: types.SourceBinance, Symbol: types.SymbolUSDTBRL,
		Price: dec("5.10"), CapturedAt: time.Now().Add(-5 * time.Minute),
	})
	agg.Accept(types.PriceSample{
		Source: types.SourceREST, Symbol: types.SymbolUSDTBRL,
		Price: dec("5.22"), CapturedAt: time.Now(),
	})

	view, found := agg.Resolve(types.SourceBinance)
	if !found {
		t.Fatal("resolve should find a price")
	}
	if !view.Price.Equal(dec("5.22")) {
		t.Errorf("price = %s, want REST fallback 5.22", view.Price)
	}
}

func TestResolveAbsentWhenNoSamples(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(testPricesConfig(), nil, testLogger())
	if _, found := agg.Resolve(types.SourceBinance); found {
		t.Error("resolve with no samples should report absent")
	}
}

func TestParseTitlePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		title string
		want  string
		ok    bool
	}{
		{"Dólar Comercial R$ 5,4321 - Cotação", "5.4321", true},
		{"USD/BRL 5.43 | Markets", "5.43", true},
		{"Market news", "", false},
	}
	for _, tt := range tests {
		got, err := parseTitlePrice(tt.title)
		if (err == nil) != tt.ok {
			t.Errorf("parseTitlePrice(%q) err = %v, ok want %v", tt.title, err, tt.ok)
			continue
		}
		if tt.ok && got.String() != tt.want {
			t.Errorf("parseTitlePrice(%q) = %s, want %s", tt.title, got, tt.want)
		}
	}
}
