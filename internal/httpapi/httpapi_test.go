package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/auth"
	"github.com/portfolio-management/portfolio-core/internal/broker"
	"github.com/portfolio-management/portfolio-core/internal/bus"
	"github.com/portfolio-management/portfolio-core/internal/cache"
	"github.com/portfolio-management/portfolio-core/internal/calculator"
	"github.com/portfolio-management/portfolio-core/internal/model"
	"github.com/portfolio-management/portfolio-core/internal/ratelimit"
	"github.com/portfolio-management/portfolio-core/internal/snapshot"
	"github.com/portfolio-management/portfolio-core/internal/store"
	"github.com/portfolio-management/portfolio-core/internal/wsapi"
)

const (
	testSecret   = "test-secret-key-that-is-long-enough"
	testAudience = "portfolio-core"
)

// fakeCache is an in-memory cache.Cache used to back cache.Store in tests
// without a live Redis instance.
type fakeCache struct {
	values map[string]string
}

func newFakeCache() *fakeCache { return &fakeCache{values: make(map[string]string)} }

func (f *fakeCache) Get(ctx context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", cache.ErrNotFound
	}
	return v, nil
}
func (f *fakeCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.values[key] = value
	return nil
}
func (f *fakeCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value
	return true, nil
}
func (f *fakeCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.values, k)
	}
	return nil
}
func (f *fakeCache) CompareAndDelete(ctx context.Context, key, want string) error {
	if f.values[key] == want {
		delete(f.values, key)
	}
	return nil
}
func (f *fakeCache) CompareAndExpire(ctx context.Context, key, want string, ttl time.Duration) (bool, error) {
	return f.values[key] == want, nil
}
func (f *fakeCache) Ping(ctx context.Context) error { return nil }

type fakeAccounts struct {
	holdings []model.AggregatedHolding
}

func (f fakeAccounts) ListActiveAccounts(ctx context.Context) ([]model.Account, error) {
	return nil, nil
}
func (f fakeAccounts) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	return model.Account{}, nil
}
func (f fakeAccounts) AggregatedHoldings(ctx context.Context, userID string) ([]model.AggregatedHolding, error) {
	return f.holdings, nil
}

type fakeBroker struct{}

func (fakeBroker) AccountPositions(ctx context.Context, accountID string) ([]broker.BrokerPosition, error) {
	return nil, nil
}
func (fakeBroker) GetAccount(ctx context.Context, accountID string) (broker.Account, error) {
	return broker.Account{}, nil
}
func (fakeBroker) TodayCashActivity(ctx context.Context, accountID string) ([]broker.CashActivity, error) {
	return nil, nil
}
func (fakeBroker) GetPortfolioHistory(ctx context.Context, accountID string) (broker.PortfolioHistory, error) {
	return broker.PortfolioHistory{}, nil
}

type fakeSnapshotWriter struct{}

func (fakeSnapshotWriter) WriteIntraday(ctx context.Context, snap model.HistorySnapshot) error {
	return nil
}

type fakeBus struct{}

func (fakeBus) PublishSymbolUpdate(bus.SymbolUpdate) error       { return nil }
func (fakeBus) PublishPriceUpdate(bus.PriceUpdate) error         { return nil }
func (fakeBus) PublishPortfolioUpdate(bus.PortfolioUpdate) error { return nil }
func (fakeBus) SubscribeSymbolUpdates(func(bus.SymbolUpdate)) (bus.Subscription, error) {
	return nil, nil
}
func (fakeBus) SubscribePriceUpdates(func(bus.PriceUpdate)) (bus.Subscription, error) {
	return nil, nil
}
func (fakeBus) SubscribePortfolioUpdates(func(bus.PortfolioUpdate)) (bus.Subscription, error) {
	return nil, nil
}

func setupTest(t *testing.T) (*Handler, sqlmock.Sqlmock, string) {
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlStore := &store.Store{DB: db}
	cacheStore := cache.NewStore(newFakeCache())
	verifier := auth.NewVerifier(testSecret, testAudience)
	limiter := ratelimit.New(db, time.Minute)
	calc := calculator.New(cacheStore, fakeBroker{}, fakeBus{}, fakeAccounts{}, fakeSnapshotWriter{}, zap.NewNop(), calculator.Config{})
	hub := wsapi.NewHub(cacheStore, verifier, sqlStore, fakeBus{}, zap.NewNop())
	reconstructor := snapshot.NewReconstructionWorker(sqlStore, zap.NewNop())

	handler := NewHandler(verifier, sqlStore, sqlStore, cacheStore, calc, limiter, hub, reconstructor, zap.NewNop())

	token, err := auth.IssueTestToken(testSecret, testAudience, "user-1", time.Hour)
	assert.NoError(t, err)

	return handler, mock, token
}

func TestGetPortfolioValue_MissingAccountIDReturns400(t *testing.T) {
	handler, _, token := setupTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/portfolio/value", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	handler.GetPortfolioValue(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPortfolioValue_MissingTokenReturns401(t *testing.T) {
	handler, _, _ := setupTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/portfolio/value?account_id=acc-1", nil)

	handler.GetPortfolioValue(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetPortfolioValue_UnownedAccountReturns403(t *testing.T) {
	handler, mock, token := setupTest(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM user_investment_accounts").
		WithArgs("acc-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/portfolio/value?account_id=acc-1", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	handler.GetPortfolioValue(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetPortfolioValue_NoComputedValueYetReturns404(t *testing.T) {
	handler, mock, token := setupTest(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM user_investment_accounts").
		WithArgs("acc-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/portfolio/value?account_id=acc-1", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	handler.GetPortfolioValue(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPortfolioValue_AggregatedLiteralComputesLiveValue(t *testing.T) {
	handler, mock, token := setupTest(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM user_investment_accounts").
		WithArgs("user-1", "read").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/portfolio/value?account_id=aggregated", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	handler.GetPortfolioValue(c)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetPortfolioHistory_MissingUserIDReturns400(t *testing.T) {
	handler, _, token := setupTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/portfolio/history", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	handler.GetPortfolioHistory(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPortfolioHistory_InvalidRangeReturns400(t *testing.T) {
	handler, mock, token := setupTest(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM user_investment_accounts").
		WithArgs("user-1", "read").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/portfolio/history?user_id=user-1&range=nonsense", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	handler.GetPortfolioHistory(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshPortfolio_RateLimitedReturns429(t *testing.T) {
	handler, mock, token := setupTest(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM user_investment_accounts").
		WithArgs("acc-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO user_rate_limits").
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/portfolio/refresh?account_id=acc-1", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	handler.RefreshPortfolio(c)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHealthCheck_ReportsHealthyWhenCacheReachable(t *testing.T) {
	handler, _, _ := setupTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)

	handler.HealthCheck(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), `"cache_reachable":true`)
	assert.Contains(t, w.Body.String(), `"connection_count":0`)
	assert.Contains(t, w.Body.String(), `"distinct_account_count":0`)
	assert.Contains(t, w.Body.String(), `"timestamp":"`)
}

func TestReconstructPortfolioHistory_MissingAccountIDReturns400(t *testing.T) {
	handler, _, token := setupTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/portfolio/reconstruct", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	handler.ReconstructPortfolioHistory(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconstructPortfolioHistory_OwnedAccountRunsAndReturns202(t *testing.T) {
	handler, mock, token := setupTest(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM user_investment_accounts").
		WithArgs("acc-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM user_transactions").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "symbol", "transaction_type", "quantity", "amount", "transaction_date"}))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/portfolio/reconstruct?account_id=acc-1", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	handler.ReconstructPortfolioHistory(c)

	assert.Equal(t, http.StatusAccepted, w.Code)
}
