// Package marketstream owns the single upstream quote-streaming connection:
// a dedicated, supervised worker that owns its own read loop and is
// recreated on death, re-subscribing from the authoritative in-memory
// monitored-symbol set rather than trusting the dead connection's state.
// The reconnect/resubscribe split mirrors how Alpaca-style streaming
// clients split connection setup from message handling, built here on
// gorilla/websocket.
package marketstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Quote is one upstream tick, decoded into the core's decimal types before
// it ever reaches the Market Data Consumer.
type Quote struct {
	Symbol    string
	AskPrice  decimal.Decimal
	BidPrice  decimal.Decimal
	AskSize   int64
	BidSize   int64
	Timestamp time.Time
}

// wireQuote mirrors the upstream JSON frame shape (Alpaca-style IEX quote
// messages: {"T":"q","S":"AAPL","ap":150.1,"bp":150.0,"as":2,"bs":4,"t":"..."}).
type wireQuote struct {
	Type      string  `json:"T"`
	Symbol    string  `json:"S"`
	AskPrice  float64 `json:"ap"`
	BidPrice  float64 `json:"bp"`
	AskSize   int64   `json:"as"`
	BidSize   int64   `json:"bs"`
	Timestamp string  `json:"t"`
}

type authMessage struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type subscribeMessage struct {
	Action string   `json:"action"`
	Quotes []string `json:"quotes"`
}

// Stream owns the upstream connection and the authoritative monitored-symbol
// set. It is safe for concurrent use: Subscribe/Unsubscribe may be called
// from the Market Data Consumer's symbol_updates handler while Run's
// read loop is active on another goroutine.
type Stream struct {
	url       string
	apiKey    string
	secretKey string
	onQuote   func(Quote)
	logger    *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	monitored map[string]bool
}

func New(url, apiKey, secretKey string, onQuote func(Quote), logger *zap.Logger) *Stream {
	return &Stream{
		url:       url,
		apiKey:    apiKey,
		secretKey: secretKey,
		onQuote:   onQuote,
		logger:    logger,
		monitored: make(map[string]bool),
	}
}

// Subscribe adds symbols to the monitored set and, if a connection is live,
// subscribes immediately. If no connection is live the symbols are picked
// up on the next successful (re)connect.
func (s *Stream) Subscribe(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	s.mu.Lock()
	for _, sym := range symbols {
		s.monitored[sym] = true
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Quotes: symbols}); err != nil {
			s.logger.Warn("marketstream: failed to send subscribe, will retry on next reconnect", zap.Error(err))
		}
	}
}

// Unsubscribe removes symbols from the monitored set. The caller is
// responsible for deleting the corresponding price/quote cache entries;
// this package only owns the upstream subscription.
func (s *Stream) Unsubscribe(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	s.mu.Lock()
	for _, sym := range symbols {
		delete(s.monitored, sym)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := conn.WriteJSON(subscribeMessage{Action: "unsubscribe", Quotes: symbols}); err != nil {
			s.logger.Warn("marketstream: failed to send unsubscribe", zap.Error(err))
		}
	}
}

func (s *Stream) monitoredList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.monitored))
	for sym := range s.monitored {
		out = append(out, sym)
	}
	return out
}

// Run is the supervisor: it connects, authenticates, re-subscribes the
// current monitored set, and reads quotes until the connection drops or ctx
// is cancelled, then reconnects with an exponential backoff (1s, doubling
// after each attempt, capped at 30s, not reset after a successful
// connection). It never returns
// until ctx is done, recreating the connection itself rather than relying
// on a caller to notice it died.
func (s *Stream) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		if err := s.runOnce(ctx); err != nil {
			s.logger.Warn("marketstream: connection ended, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Stream) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("marketstream: dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(authMessage{Action: "auth", Key: s.apiKey, Secret: s.secretKey}); err != nil {
		return fmt.Errorf("marketstream: auth: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if monitored := s.monitoredList(); len(monitored) > 0 {
		if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Quotes: monitored}); err != nil {
			return fmt.Errorf("marketstream: resubscribe: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("marketstream: read: %w", err)
		}
		s.handleRealtimeData(data)
	}
}

// handleRealtimeData decodes one or more quote frames and invokes onQuote.
// Malformed frames are logged and skipped; they must never crash the
// worker.
func (s *Stream) handleRealtimeData(data []byte) {
	var frames []wireQuote
	if err := json.Unmarshal(data, &frames); err != nil {
		var single wireQuote
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			s.logger.Warn("marketstream: malformed frame, skipping", zap.Error(err))
			return
		}
		frames = []wireQuote{single}
	}

	for _, f := range frames {
		if f.Type != "" && f.Type != "q" {
			continue
		}
		if f.Symbol == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, f.Timestamp)
		if err != nil {
			ts = time.Now()
		}
		s.onQuote(Quote{
			Symbol:    f.Symbol,
			AskPrice:  decimal.NewFromFloat(f.AskPrice),
			BidPrice:  decimal.NewFromFloat(f.BidPrice),
			AskSize:   f.AskSize,
			BidSize:   f.BidSize,
			Timestamp: ts,
		})
	}
}
