package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradier-sdk-go/common"
)

func TestNewSessionMarket(t *testing.T) {
	sessionID := uuid.New().String()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/markets/events/session", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"stream":{"url":"wss://ws.example.com/v1/markets/events","sessionid":"` + sessionID + `"}}`))
	}))
	defer ts.Close()

	c := NewTradierRESTClient(&TradierRESTClientParams{
		BaseURL:     ts.URL,
		AccessToken: "test-token",
		ClientID:    "test-client",
	})

	session, err := c.NewSession(context.Background(), SessionKindMarket)
	require.NoError(t, err)

	assert.Equal(t, SessionKindMarket, session.Kind)
	assert.Equal(t, sessionID, session.ID)
	assert.Equal(t, "wss://ws.example.com/v1/markets/events", session.URL)
	assert.False(t, session.IsExpired())
}

func TestNewSessionAccount(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/events/session", r.URL.Path)

		w.Write([]byte(`{"stream":{"url":"wss://ws.example.com/v1/accounts/events","sessionid":"deadbeef"}}`))
	}))
	defer ts.Close()

	c := NewTradierRESTClient(&TradierRESTClientParams{
		BaseURL:     ts.URL,
		AccessToken: "test-token",
	})

	session, err := c.NewSession(context.Background(), SessionKindAccount)
	require.NoError(t, err)

	assert.Equal(t, SessionKindAccount, session.Kind)
	assert.Equal(t, "deadbeef", session.ID)
}

func TestNewSessionRejectedCredentials(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := NewTradierRESTClient(&TradierRESTClientParams{
			BaseURL:     ts.URL,
			AccessToken: "bad-token",
		})

		_, err := c.NewSession(context.Background(), SessionKindMarket)
		require.Error(t, err)

		// A rejection is always an auth error, never a network one.
		assert.Equal(t, common.ErrAuth, common.ErrorKind(err))

		ts.Close()
	}
}

func TestNewSessionServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := NewTradierRESTClient(&TradierRESTClientParams{
		BaseURL:     ts.URL,
		AccessToken: "test-token",
	})

	_, err := c.NewSession(context.Background(), SessionKindMarket)
	require.Error(t, err)
	assert.Equal(t, common.ErrNetwork, common.ErrorKind(err))
}

func TestNewSessionConnectionRefused(t *testing.T) {
	// Grab a port with nothing listening on it.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	c := NewTradierRESTClient(&TradierRESTClientParams{
		BaseURL:     ts.URL,
		AccessToken: "test-token",
	})

	_, err := c.NewSession(context.Background(), SessionKindMarket)
	require.Error(t, err)
	assert.Equal(t, common.ErrNetwork, common.ErrorKind(err))
}

func TestNewSessionMalformedResponse(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: `<html>no</html>`},
		{name: "empty stream", body: `{"stream":{}}`},
		{name: "missing url", body: `{"stream":{"sessionid":"deadbeef"}}`},
		{name: "missing sessionid", body: `{"stream":{"url":"wss://ws.example.com"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			c := NewTradierRESTClient(&TradierRESTClientParams{
				BaseURL:     ts.URL,
				AccessToken: "test-token",
			})

			_, err := c.NewSession(context.Background(), SessionKindMarket)
			require.Error(t, err)
			assert.Equal(t, common.ErrProtocol, common.ErrorKind(err))
		})
	}
}

func TestNewSessionMissingToken(t *testing.T) {
	c := NewTradierRESTClient(&TradierRESTClientParams{})

	_, err := c.NewSession(context.Background(), SessionKindMarket)
	require.Error(t, err)
	assert.Equal(t, common.ErrAuth, common.ErrorKind(err))
}

func TestGetAccountBalances(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/accounts/VA000001/balances", r.URL.Path)

		w.Write([]byte(`{"balances":{"account_number":"VA000001","account_type":"margin","total_equity":20462.5,"total_cash":1203.4}}`))
	}))
	defer ts.Close()

	c := NewTradierRESTClient(&TradierRESTClientParams{
		BaseURL:     ts.URL,
		AccessToken: "test-token",
	})

	balances, err := c.GetAccountBalances(context.Background(), "VA000001")
	require.NoError(t, err)

	assert.Equal(t, "VA000001", balances.AccountNumber)
	assert.Equal(t, 20462.5, balances.TotalEquity)
}

func TestGetAccountPositions(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/VA000001/positions", r.URL.Path)

		w.Write([]byte(`{"positions":{"position":[
			{"id":1,"symbol":"AAPL","quantity":100,"cost_basis":17425.0},
			{"id":2,"symbol":"MSFT","quantity":50,"cost_basis":19200.0}
		]}}`))
	}))
	defer ts.Close()

	c := NewTradierRESTClient(&TradierRESTClientParams{
		BaseURL:     ts.URL,
		AccessToken: "test-token",
	})

	positions, err := c.GetAccountPositions(context.Background(), "VA000001")
	require.NoError(t, err)

	require.Len(t, positions, 2)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, float64(50), positions[1].Quantity)
}

func TestSessionIsExpired(t *testing.T) {
	fresh := &Session{ID: "abc", createdAt: time.Now().Add(-4 * time.Minute)}
	assert.False(t, fresh.IsExpired())

	stale := &Session{ID: "abc", createdAt: time.Now().Add(-6 * time.Minute)}
	assert.True(t, stale.IsExpired())
}

func TestSessionKindString(t *testing.T) {
	assert.Equal(t, "market", SessionKindMarket.String())
	assert.Equal(t, "account", SessionKindAccount.String())
}
