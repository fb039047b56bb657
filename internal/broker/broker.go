// Package broker is a small REST client for the upstream brokerage API:
// all-accounts positions (for the symbol collector), account equity/cash,
// and the portfolio-history endpoint (for the daily-return calculation).
// It is a thin struct wrapping *http.Client plus typed response structs,
// in the shape common to Alpaca-style broker clients: one method per
// endpoint, JSON decoded straight into a response type.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client talks to the brokerage's account/position/market endpoints.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiKey, secretKey, baseURL string) *Client {
	return &Client{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// BrokerPosition mirrors one element of the broker's positions response.
// UnrealizedIntradayPL is a pointer because the field is frequently absent
// for paper/sandbox accounts.
type BrokerPosition struct {
	Symbol               string           `json:"symbol"`
	Quantity             decimal.Decimal  `json:"qty"`
	MarketValue          decimal.Decimal  `json:"market_value"`
	CostBasis            decimal.Decimal  `json:"cost_basis"`
	CurrentPrice         decimal.Decimal  `json:"current_price"`
	AvgEntryPrice        decimal.Decimal  `json:"avg_entry_price"`
	UnrealizedPL         decimal.Decimal  `json:"unrealized_pl"`
	UnrealizedPLPC       *decimal.Decimal `json:"unrealized_plpc"`
	UnrealizedIntradayPL *decimal.Decimal `json:"unrealized_intraday_pl"`
}

// AllAccountsPositions is the Symbol Collector's single all-accounts call.
type AllAccountsPositions struct {
	Positions map[string][]BrokerPosition
}

// GetAllAccountsPositions fetches positions for every account the fleet
// manages in one call.
func (c *Client) GetAllAccountsPositions(ctx context.Context) (AllAccountsPositions, error) {
	var out struct {
		Positions map[string][]BrokerPosition `json:"positions"`
	}
	if err := c.get(ctx, "/v1/trading/accounts/positions", &out); err != nil {
		return AllAccountsPositions{}, fmt.Errorf("broker: get all accounts positions: %w", err)
	}
	return AllAccountsPositions{Positions: out.Positions}, nil
}

// AccountPositions fetches the positions for a single account, used by the
// Calculator's primary intraday-P&L source.
func (c *Client) AccountPositions(ctx context.Context, accountID string) ([]BrokerPosition, error) {
	var positions []BrokerPosition
	if err := c.get(ctx, fmt.Sprintf("/v1/trading/accounts/%s/positions", accountID), &positions); err != nil {
		return nil, fmt.Errorf("broker: get account positions: %w", err)
	}
	return positions, nil
}

// Account is the broker's account-level equity/cash snapshot.
type Account struct {
	AccountID   string          `json:"account_id"`
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`
	LastEquity  decimal.Decimal `json:"last_equity"`
}

func (c *Client) GetAccount(ctx context.Context, accountID string) (Account, error) {
	var acct Account
	if err := c.get(ctx, fmt.Sprintf("/v1/trading/accounts/%s/account", accountID), &acct); err != nil {
		return Account{}, fmt.Errorf("broker: get account: %w", err)
	}
	return acct, nil
}

// CashActivity is one deposit or withdrawal recorded today.
type CashActivity struct {
	Type   string          `json:"activity_type"` // "CSD" deposit, "CSW" withdrawal
	Amount decimal.Decimal `json:"net_amount"`
	Date   time.Time       `json:"date"`
}

// TodayCashActivity returns today's deposits and withdrawals for an
// account, used by the Calculator's secondary deposit-adjusted-equity
// source.
func (c *Client) TodayCashActivity(ctx context.Context, accountID string) ([]CashActivity, error) {
	var activity []CashActivity
	path := fmt.Sprintf("/v1/trading/accounts/%s/activities?date=%s", accountID, time.Now().Format("2006-01-02"))
	if err := c.get(ctx, path, &activity); err != nil {
		return nil, fmt.Errorf("broker: get cash activity: %w", err)
	}
	return activity, nil
}

// PortfolioHistory is the broker's tertiary daily-return source.
type PortfolioHistory struct {
	ProfitLoss []decimal.Decimal `json:"profit_loss"`
	Timestamp  []int64           `json:"timestamp"`
}

func (c *Client) GetPortfolioHistory(ctx context.Context, accountID string) (PortfolioHistory, error) {
	var hist PortfolioHistory
	path := fmt.Sprintf("/v1/trading/accounts/%s/account/portfolio/history", accountID)
	if err := c.get(ctx, path, &hist); err != nil {
		return PortfolioHistory{}, fmt.Errorf("broker: get portfolio history: %w", err)
	}
	return hist, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker API error %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
