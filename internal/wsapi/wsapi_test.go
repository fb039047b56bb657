package wsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/auth"
	"github.com/portfolio-management/portfolio-core/internal/bus"
	"github.com/portfolio-management/portfolio-core/internal/cache"
)

const (
	testSecret   = "test-secret-key-that-is-long-enough"
	testAudience = "portfolio-core"
)

type fakeOwnership struct {
	owns map[string]bool
}

func (f fakeOwnership) OwnsAccount(ctx context.Context, userID, accountID string) (bool, error) {
	return f.owns[userID+":"+accountID], nil
}
func (f fakeOwnership) HasAggregatedAccount(ctx context.Context, userID string) (bool, error) {
	return false, nil
}

type noopCache struct{}

func (noopCache) Get(ctx context.Context, key string) (string, error) { return "", cache.ErrNotFound }
func (noopCache) Set(ctx context.Context, key, value string, ttl time.Duration) error { return nil }
func (noopCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (noopCache) Delete(ctx context.Context, keys ...string) error { return nil }
func (noopCache) CompareAndDelete(ctx context.Context, key, want string) error { return nil }
func (noopCache) CompareAndExpire(ctx context.Context, key, want string, ttl time.Duration) (bool, error) {
	return false, nil
}
func (noopCache) Ping(ctx context.Context) error { return nil }

type fakeBus struct{}

func (fakeBus) PublishSymbolUpdate(bus.SymbolUpdate) error       { return nil }
func (fakeBus) PublishPriceUpdate(bus.PriceUpdate) error         { return nil }
func (fakeBus) PublishPortfolioUpdate(bus.PortfolioUpdate) error { return nil }
func (fakeBus) SubscribeSymbolUpdates(func(bus.SymbolUpdate)) (bus.Subscription, error) {
	return noopSub{}, nil
}
func (fakeBus) SubscribePriceUpdates(func(bus.PriceUpdate)) (bus.Subscription, error) {
	return noopSub{}, nil
}
func (fakeBus) SubscribePortfolioUpdates(func(bus.PortfolioUpdate)) (bus.Subscription, error) {
	return noopSub{}, nil
}

type noopSub struct{}

func (noopSub) Unsubscribe() error { return nil }

func newTestHub() *Hub {
	verifier := auth.NewVerifier(testSecret, testAudience)
	ownership := fakeOwnership{owns: map[string]bool{"user-1:acc-1": true}}
	return NewHub(cache.NewStore(noopCache{}), verifier, ownership, fakeBus{}, zap.NewNop())
}

func TestServeHTTP_RejectsConnectionWithoutBearerToken(t *testing.T) {
	hub := newTestHub()

	req := httptest.NewRequest(http.MethodGet, "/ws/portfolio/acc-1", nil)
	w := httptest.NewRecorder()

	hub.ServeHTTP(w, req, "acc-1")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeHTTP_UpgradesAndClosesOnForbiddenAccount(t *testing.T) {
	hub := newTestHub()
	go hub.Run(context.Background())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r, "acc-not-owned")
	}))
	defer server.Close()

	token, err := auth.IssueTestToken(testSecret, testAudience, "user-1", time.Hour)
	assert.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "the server must close the socket for an unowned account")
	closeErr, ok := err.(*websocket.CloseError)
	if ok {
		assert.Equal(t, closeAuthFailure, closeErr.Code)
	}
}

func TestServeHTTP_AcceptsOwnedAccountAndRespondsToPing(t *testing.T) {
	hub := newTestHub()
	go hub.Run(context.Background())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r, "acc-1")
	}))
	defer server.Close()

	token, err := auth.IssueTestToken(testSecret, testAudience, "user-1", time.Hour)
	assert.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.NoError(t, err)
	defer conn.Close()

	assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, "pong", string(message))
}

func TestDispatch_FansOutOnlyToMatchingAccountConnections(t *testing.T) {
	hub := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c1 := &client{id: "c1", accountID: "acc-1", send: make(chan []byte, 4)}
	c2 := &client{id: "c2", accountID: "acc-2", send: make(chan []byte, 4)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.dispatch(bus.PortfolioUpdate{AccountID: "acc-1", TotalValue: "100.00"})

	select {
	case msg := <-c1.send:
		assert.Contains(t, string(msg), "acc-1")
	case <-time.After(time.Second):
		t.Fatal("expected c1 to receive the update")
	}

	select {
	case <-c2.send:
		t.Fatal("c2 should not receive an update for a different account")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionCount_TracksRegisteredClients(t *testing.T) {
	hub := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	assert.Equal(t, 0, hub.ConnectionCount())

	c1 := &client{id: "c1", accountID: "acc-1", send: make(chan []byte, 4)}
	hub.register <- c1
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 1, hub.ConnectionCount())
	assert.Equal(t, 1, hub.DistinctAccountCount())
}
