package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Balances is a snapshot of an account's cash and equity.
type Balances struct {
	AccountNumber    string  `json:"account_number"`
	AccountType      string  `json:"account_type"`
	TotalEquity      float64 `json:"total_equity"`
	TotalCash        float64 `json:"total_cash"`
	MarketValue      float64 `json:"market_value"`
	OpenPL           float64 `json:"open_pl"`
	ClosePL          float64 `json:"close_pl"`
	OptionBuyingPwr  float64 `json:"option_buying_power"`
	StockBuyingPwr   float64 `json:"stock_buying_power"`
	PendingOrdersCnt int     `json:"pending_orders_count"`
}

// Position is one open position in an account.
type Position struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	CostBasis    float64   `json:"cost_basis"`
	DateAcquired time.Time `json:"date_acquired"`
}

type balancesServer struct {
	Balances Balances `json:"balances"`
}

type positionsServer struct {
	Positions struct {
		Position []Position `json:"position"`
	} `json:"positions"`
}

// GetAccountBalances fetches the current balances for an account.
func (c *TradierRESTClient) GetAccountBalances(ctx context.Context, accountNumber string) (*Balances, error) {
	res := balancesServer{}

	path := fmt.Sprintf("/v1/accounts/%s/balances", accountNumber)
	if err := c.get(ctx, path, &res); err != nil {
		return nil, errors.Trace(err)
	}

	return &res.Balances, nil
}

// GetAccountPositions fetches the open positions for an account. An account
// with no positions yields an empty slice.
func (c *TradierRESTClient) GetAccountPositions(ctx context.Context, accountNumber string) ([]Position, error) {
	res := positionsServer{}

	path := fmt.Sprintf("/v1/accounts/%s/positions", accountNumber)
	if err := c.get(ctx, path, &res); err != nil {
		return nil, errors.Trace(err)
	}

	return res.Positions.Position, nil
}
