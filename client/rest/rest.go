/*
Package rest provides a client for the Tradier REST API. Its main job in this
SDK is the session handshake: exchanging an access token for a short-lived
streaming session descriptor, which the websocket clients then subscribe
with. It also carries a couple of plain request/response account endpoints.
*/
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/juju/errors"

	"tradier-sdk-go/common"
)

const (
	// DefaultBaseURL is the production REST endpoint.
	DefaultBaseURL = "https://api.tradier.com"

	marketSessionPath  = "/v1/markets/events/session"
	accountSessionPath = "/v1/accounts/events/session"

	// sessionTTL is how long the broker keeps an unused session id valid.
	sessionTTL = 5 * time.Minute
)

// SessionKind selects which streaming back end a session is created for.
type SessionKind int

const (
	// SessionKindMarket is a market-data session: quotes, trades, summaries
	// and time & sales for subscribed symbols.
	SessionKindMarket SessionKind = iota

	// SessionKindAccount is an account-event session: order status updates
	// for the authenticated account.
	SessionKindAccount
)

func (k SessionKind) String() string {
	switch k {
	case SessionKindMarket:
		return "market"
	case SessionKindAccount:
		return "account"
	}

	return fmt.Sprintf("SessionKind(%d)", int(k))
}

func (k SessionKind) path() string {
	if k == SessionKindAccount {
		return accountSessionPath
	}

	return marketSessionPath
}

// Session is a streaming session descriptor returned by the handshake. It is
// immutable; when the websocket connection opened with it terminates, the
// descriptor is discarded and a new one must be created.
type Session struct {
	Kind SessionKind

	// ID is the server-assigned session identifier, echoed back in the
	// subscription payload. Always non-empty.
	ID string

	// URL is the websocket endpoint to connect to with this session.
	URL string

	createdAt time.Time
}

// IsExpired reports whether the broker will have discarded the session id by
// now. An expired descriptor can't be subscribed with; create a new one.
func (s *Session) IsExpired() bool {
	return time.Since(s.createdAt) > sessionTTL
}

// TradierRESTClient performs authenticated requests against the Tradier REST
// API. It holds no session state: every NewSession call is an independent
// handshake.
type TradierRESTClient struct {
	params TradierRESTClientParams

	httpClient *http.Client
	logger     *slog.Logger
}

// TradierRESTClientParams contains params for creating a TradierRESTClient.
type TradierRESTClientParams struct {
	// BaseURL is the API URL to use. If empty, production will be used
	// (DefaultBaseURL).
	BaseURL string

	// AccessToken is the bearer token; required.
	AccessToken string

	// ClientID identifies the calling application in the handshake body.
	ClientID string

	// Timeout bounds each request; defaults to 30 seconds.
	Timeout time.Duration

	// Logger, if nil, falls back to slog.Default().
	Logger *slog.Logger
}

// NewTradierRESTClient creates a new REST client with the given params.
func NewTradierRESTClient(params *TradierRESTClientParams) *TradierRESTClient {
	p := *params

	if p.BaseURL == "" {
		p.BaseURL = DefaultBaseURL
	}

	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TradierRESTClient{
		params:     p,
		httpClient: &http.Client{Timeout: p.Timeout},
		logger:     logger,
	}
}

type sessionResponse struct {
	Stream struct {
		URL       string `json:"url"`
		SessionID string `json:"sessionid"`
	} `json:"stream"`
}

// NewSession performs the session handshake and returns a fresh descriptor.
//
// Failures are classified with the common taxonomy: common.ErrAuth when the
// server rejects the credentials (4xx), common.ErrNetwork when the request
// can't be completed, common.ErrProtocol when the response body doesn't
// parse into a descriptor. No retries are performed here; retry policy
// belongs to the supervisor.
func (c *TradierRESTClient) NewSession(ctx context.Context, kind SessionKind) (*Session, error) {
	if c.params.AccessToken == "" {
		return nil, errors.Annotatef(common.ErrAuth, "missing access token")
	}

	body, err := json.Marshal(map[string]string{"client_id": c.params.ClientID})
	if err != nil {
		return nil, errors.Trace(err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.params.BaseURL+kind.path(), bytes.NewReader(body),
	)
	if err != nil {
		return nil, errors.Trace(err)
	}

	req.Header.Set("Authorization", "Bearer "+c.params.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Annotatef(common.ErrNetwork, "creating %s session: %s", kind, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotatef(common.ErrNetwork, "reading %s session response: %s", kind, err)
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, errors.Annotatef(common.ErrAuth, "creating %s session: status %d: %s",
			kind, resp.StatusCode, respBody)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errors.Annotatef(common.ErrNetwork, "creating %s session: status %d",
			kind, resp.StatusCode)
	}

	var sr sessionResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, errors.Annotatef(common.ErrProtocol, "parsing %s session response: %s", kind, err)
	}

	if sr.Stream.SessionID == "" || sr.Stream.URL == "" {
		return nil, errors.Annotatef(common.ErrProtocol, "%s session response missing stream info", kind)
	}

	c.logger.Info("session created",
		"kind", kind.String(),
		"url", sr.Stream.URL,
	)

	return &Session{
		Kind:      kind,
		ID:        sr.Stream.SessionID,
		URL:       sr.Stream.URL,
		createdAt: time.Now(),
	}, nil
}

// get performs an authenticated GET and decodes the JSON response into out,
// using the same error classification as NewSession.
func (c *TradierRESTClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.params.BaseURL+path, nil)
	if err != nil {
		return errors.Trace(err)
	}

	req.Header.Set("Authorization", "Bearer "+c.params.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Annotatef(common.ErrNetwork, "GET %s: %s", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return errors.Annotatef(common.ErrAuth, "GET %s: status %d", path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errors.Annotatef(common.ErrNetwork, "GET %s: status %d", path, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		return errors.Annotatef(common.ErrProtocol, "parsing response of GET %s: %s", path, err)
	}

	return nil
}
