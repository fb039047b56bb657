// Package bus implements three cross-process pub/sub channels:
// symbol_updates, price_updates and portfolio_updates. NATS is the
// cross-process transport; each incoming message then fans out in-process
// to any number of local subscribers with drop-on-slow-consumer semantics,
// so no subscriber can back-pressure the publisher.
package bus

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectSymbolUpdates    = "symbol_updates"
	SubjectPriceUpdates     = "price_updates"
	SubjectPortfolioUpdates = "portfolio_updates"
)

// SymbolUpdate is published by the Symbol Collector whenever the tracked
// symbol set changes.
type SymbolUpdate struct {
	Add       []string `json:"add"`
	Remove    []string `json:"remove"`
	Timestamp string   `json:"timestamp"`
}

// PriceUpdate is published by the Market Data Consumer on every upstream
// quote tick.
type PriceUpdate struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// PortfolioUpdate is published by the Portfolio Calculator after each
// recompute; its shape matches the WebSocket broadcast frame exactly.
type PortfolioUpdate struct {
	AccountID        string  `json:"account_id"`
	TotalValue       string  `json:"total_value"`
	TodayReturn      string  `json:"today_return"`
	RawValue         float64 `json:"raw_value"`
	RawReturn        float64 `json:"raw_return"`
	RawReturnPercent float64 `json:"raw_return_percent"`
	Timestamp        string  `json:"timestamp"`
}

// Bus is the cross-process pub/sub surface. Implemented by *NatsBus in
// production and by *Local in tests that don't want a live NATS server.
type Bus interface {
	PublishSymbolUpdate(SymbolUpdate) error
	PublishPriceUpdate(PriceUpdate) error
	PublishPortfolioUpdate(PortfolioUpdate) error

	SubscribeSymbolUpdates(func(SymbolUpdate)) (Subscription, error)
	SubscribePriceUpdates(func(PriceUpdate)) (Subscription, error)
	SubscribePortfolioUpdates(func(PortfolioUpdate)) (Subscription, error)
}

// Subscription can be cancelled by the caller.
type Subscription interface {
	Unsubscribe() error
}

// NatsBus is the production Bus backed by a NATS connection.
type NatsBus struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func New(conn *nats.Conn, logger *zap.Logger) *NatsBus {
	return &NatsBus{conn: conn, logger: logger}
}

func (b *NatsBus) PublishSymbolUpdate(msg SymbolUpdate) error {
	return publish(b.conn, SubjectSymbolUpdates, msg)
}

func (b *NatsBus) PublishPriceUpdate(msg PriceUpdate) error {
	return publish(b.conn, SubjectPriceUpdates, msg)
}

func (b *NatsBus) PublishPortfolioUpdate(msg PortfolioUpdate) error {
	return publish(b.conn, SubjectPortfolioUpdates, msg)
}

func publish(conn *nats.Conn, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Publish(subject, data)
}

type natsSub struct{ sub *nats.Subscription }

func (s natsSub) Unsubscribe() error { return s.sub.Unsubscribe() }

func (b *NatsBus) SubscribeSymbolUpdates(handler func(SymbolUpdate)) (Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectSymbolUpdates, func(m *nats.Msg) {
		var msg SymbolUpdate
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("bus: malformed symbol_updates message", zap.Error(err))
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, err
	}
	return natsSub{sub}, nil
}

func (b *NatsBus) SubscribePriceUpdates(handler func(PriceUpdate)) (Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectPriceUpdates, func(m *nats.Msg) {
		var msg PriceUpdate
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("bus: malformed price_updates message", zap.Error(err))
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, err
	}
	return natsSub{sub}, nil
}

func (b *NatsBus) SubscribePortfolioUpdates(handler func(PortfolioUpdate)) (Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectPortfolioUpdates, func(m *nats.Msg) {
		var msg PortfolioUpdate
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("bus: malformed portfolio_updates message", zap.Error(err))
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, err
	}
	return natsSub{sub}, nil
}

// Local is an in-process Bus for tests: it skips NATS entirely and calls
// subscriber callbacks synchronously from the publishing goroutine.
type Local struct {
	mu               sync.RWMutex
	symbolHandlers    []func(SymbolUpdate)
	priceHandlers     []func(PriceUpdate)
	portfolioHandlers []func(PortfolioUpdate)
}

func NewLocal() *Local { return &Local{} }

func (l *Local) PublishSymbolUpdate(msg SymbolUpdate) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, h := range l.symbolHandlers {
		h(msg)
	}
	return nil
}

func (l *Local) PublishPriceUpdate(msg PriceUpdate) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, h := range l.priceHandlers {
		h(msg)
	}
	return nil
}

func (l *Local) PublishPortfolioUpdate(msg PortfolioUpdate) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, h := range l.portfolioHandlers {
		h(msg)
	}
	return nil
}

type localSub struct{ cancel func() }

func (s localSub) Unsubscribe() error { s.cancel(); return nil }

func (l *Local) SubscribeSymbolUpdates(handler func(SymbolUpdate)) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := len(l.symbolHandlers)
	l.symbolHandlers = append(l.symbolHandlers, handler)
	return localSub{cancel: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.symbolHandlers[idx] = func(SymbolUpdate) {}
	}}, nil
}

func (l *Local) SubscribePriceUpdates(handler func(PriceUpdate)) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := len(l.priceHandlers)
	l.priceHandlers = append(l.priceHandlers, handler)
	return localSub{cancel: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.priceHandlers[idx] = func(PriceUpdate) {}
	}}, nil
}

func (l *Local) SubscribePortfolioUpdates(handler func(PortfolioUpdate)) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := len(l.portfolioHandlers)
	l.portfolioHandlers = append(l.portfolioHandlers, handler)
	return localSub{cancel: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.portfolioHandlers[idx] = func(PortfolioUpdate) {}
	}}, nil
}
