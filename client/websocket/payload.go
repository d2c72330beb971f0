package websocket

import (
	"strings"

	"github.com/juju/errors"

	"tradier-sdk-go/common"
)

// Filter selects which event classes a market session streams. The values
// are opaque tags interpreted by the server; the constants below are the
// lowercase spellings the streaming endpoint accepts.
type Filter string

const (
	FilterQuote    Filter = "quote"
	FilterTrade    Filter = "trade"
	FilterSummary  Filter = "summary"
	FilterTimeSale Filter = "timesale"
	FilterTradEx   Filter = "tradex"
)

// SubscriptionPayload describes what a session should stream. It is sent as
// the first frame after the websocket is opened, serialized as JSON with
// unset optional fields omitted entirely (the server distinguishes omission
// from null).
//
// Symbols keeps its insertion order on the wire; duplicates (compared
// case-insensitively) are rejected by Validate. SessionID must match the
// descriptor of the session the payload is subscribed with, so a payload
// can't outlive a reconnect: the supervisor rebuilds it per attempt.
type SubscriptionPayload struct {
	Symbols   []string `json:"symbols,omitempty"`
	Filter    []Filter `json:"filter,omitempty"`
	SessionID string   `json:"sessionid"`

	Linebreak       *bool `json:"linebreak,omitempty"`
	ValidOnly       *bool `json:"validOnly,omitempty"`
	AdvancedDetails *bool `json:"advancedDetails,omitempty"`
}

// Bool is a convenience for setting the optional payload flags.
func Bool(v bool) *bool {
	return &v
}

// Validate checks the payload invariants common to both session kinds.
func (p *SubscriptionPayload) Validate() error {
	if p.SessionID == "" {
		return errors.Annotatef(common.ErrProtocol, "payload has no session id")
	}

	seen := make(map[string]struct{}, len(p.Symbols))
	for _, s := range p.Symbols {
		if s == "" {
			return errors.Annotatef(common.ErrProtocol, "payload has an empty symbol")
		}

		key := strings.ToUpper(s)
		if _, ok := seen[key]; ok {
			return errors.Annotatef(common.ErrProtocol, "duplicate symbol %q", s)
		}
		seen[key] = struct{}{}
	}

	return nil
}
