// stream.go implements the live USDT/BRL websocket feed supervisor.
//
// The feed subscribes to a book-ticker style stream and turns every update
// into a PriceSample whose price is the bid/ask mid. The supervisor
// auto-reconnects with exponential backoff (2s → 30s max) and reports every
// failure to the error service; a read deadline catches silent server
// failures.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

const (
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamInitBackoff  = 2 * time.Second
	streamMaxBackoff   = 30 * time.Second
)

// tickerMsg is the wire format of one book-ticker update.
type tickerMsg struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

// Stream supervises the websocket connection to the live USDT/BRL feed.
type Stream struct {
	cfg      config.StreamConfig
	agg      *Aggregator
	reporter FailureReporter
	logger   *slog.Logger
}

// NewStream creates the stream supervisor.
func NewStream(cfg config.StreamConfig, agg *Aggregator, reporter FailureReporter, logger *slog.Logger) *Stream {
	return &Stream{
		cfg:      cfg,
		agg:      agg,
		reporter: reporter,
		logger:   logger.With("component", "price_stream"),
	}
}

// Run connects and maintains the feed with auto-reconnect. Blocks until ctx
// is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := streamInitBackoff

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.reporter.RecordFailure(string(types.SourceBinance), types.KindTransient, err)
		s.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > streamMaxBackoff {
			backoff = streamMaxBackoff
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.logger.Info("stream connected", "url", s.cfg.URL, "symbol", s.cfg.Symbol)
	s.reporter.RecordSuccess(string(types.SourceBinance))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	// Keep-alive pings so the server does not drop us as idle.
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.handleMessage(msg)
	}
}

// Probe is the recovery health check registered with the error service. A
// successful dial means the feed is reachable again; the supervisor's own
// reconnect loop restores the flow.
func (s *Stream) Probe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("probe dial: %w", err)
	}
	return conn.Close()
}

func (s *Stream) handleMessage(data []byte) {
	var tick tickerMsg
	if err := json.Unmarshal(data, &tick); err != nil {
		s.logger.Debug("ignoring non-ticker message", "data", string(data))
		return
	}
	if tick.Bid == "" || tick.Ask == "" {
		return
	}
	if s.cfg.Symbol != "" && tick.Symbol != s.cfg.Symbol {
		return
	}

	bid, err := decimal.NewFromString(tick.Bid)
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(tick.Ask)
	if err != nil {
		return
	}

	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	s.agg.Accept(types.PriceSample{
		Source:     types.SourceBinance,
		Symbol:     types.SymbolUSDTBRL,
		Price:      mid,
		Bid:        bid,
		Ask:        ask,
		CapturedAt: time.Now(),
	})
}
