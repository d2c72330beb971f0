package common

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message is a container for every event delivered on a stream. For any
// Message instance, exactly one of its properties is non-nil. Market
// sessions produce Quote, Trade, Summary and TimeSale messages; account
// sessions produce OrderUpdate and Heartbeat messages. ErrorNotice is
// produced by either kind when the server reports a subscription-level
// problem without closing the connection.
type Message struct {
	Quote       *Quote       `json:"Quote,omitempty"`
	Trade       *Trade       `json:"Trade,omitempty"`
	Summary     *Summary     `json:"Summary,omitempty"`
	TimeSale    *TimeSale    `json:"TimeSale,omitempty"`
	Heartbeat   *Heartbeat   `json:"Heartbeat,omitempty"`
	OrderUpdate *OrderUpdate `json:"OrderUpdate,omitempty"`
	ErrorNotice *ErrorNotice `json:"ErrorNotice,omitempty"`
}

func (m Message) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("[failed to stringify Message: %s]", err)
	}

	return string(data)
}

// Symbol returns the ticker symbol the message refers to, or an empty string
// for messages which aren't tied to a symbol (heartbeats, error notices).
func (m Message) Symbol() string {
	switch {
	case m.Quote != nil:
		return m.Quote.Symbol
	case m.Trade != nil:
		return m.Trade.Symbol
	case m.Summary != nil:
		return m.Summary.Symbol
	case m.TimeSale != nil:
		return m.TimeSale.Symbol
	case m.OrderUpdate != nil:
		return m.OrderUpdate.Order.Symbol
	}

	return ""
}

// Timestamp returns the event time reported by the server, or the zero time
// when the variant doesn't carry one.
func (m Message) Timestamp() time.Time {
	switch {
	case m.Quote != nil:
		return parseMillis(m.Quote.BidDate)
	case m.Trade != nil:
		return parseMillis(m.Trade.Date)
	case m.TimeSale != nil:
		return parseMillis(m.TimeSale.Date)
	case m.Heartbeat != nil:
		return time.Unix(m.Heartbeat.Timestamp, 0).UTC()
	case m.OrderUpdate != nil:
		return m.OrderUpdate.Order.TransactionDate
	}

	return time.Time{}
}

// Quote is a top-of-book update: the current best bid and ask together with
// their sizes and originating exchanges. Dates are epoch milliseconds, as
// sent by the server.
type Quote struct {
	Symbol  string  `json:"symbol"`
	Bid     float64 `json:"bid"`
	BidSize int64   `json:"bidsz"`
	BidExch string  `json:"bidexch"`
	BidDate string  `json:"biddate"`
	Ask     float64 `json:"ask"`
	AskSize int64   `json:"asksz"`
	AskExch string  `json:"askexch"`
	AskDate string  `json:"askdate"`
}

// Trade is an executed trade print. Numeric fields are strings on the wire;
// they are kept as strings to avoid losing precision on re-serialization.
type Trade struct {
	Symbol    string `json:"symbol"`
	Exch      string `json:"exch"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	CumVolume string `json:"cvol"`
	Date      string `json:"date"`
	Last      string `json:"last"`
}

// Summary carries the daily OHLC summary for a symbol.
type Summary struct {
	Symbol    string `json:"symbol"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	PrevClose string `json:"prevClose"`
	Close     string `json:"close,omitempty"`
}

// TimeSale is a tick-level time and sales record. Unlike Trade, it includes
// the session and condition flags needed to filter out cancelled or
// corrected prints.
type TimeSale struct {
	Symbol     string `json:"symbol"`
	Exch       string `json:"exch"`
	Bid        string `json:"bid"`
	Ask        string `json:"ask"`
	Last       string `json:"last"`
	Size       string `json:"size"`
	Date       string `json:"date"`
	Seq        int64  `json:"seq"`
	Flag       string `json:"flag"`
	Cancel     bool   `json:"cancel"`
	Correction bool   `json:"correction"`
	Session    string `json:"session"`
}

// Heartbeat is a periodic keep-alive sent by the server. Receiving one
// resets the idle timeout of the underlying connection. Timestamp is epoch
// seconds.
type Heartbeat struct {
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// OrderUpdate is an account-stream event describing a change to one of the
// account's orders.
type OrderUpdate struct {
	Event   string      `json:"event"`
	Account string      `json:"account"`
	Order   OrderStatus `json:"order"`
}

// OrderStatus is the order snapshot embedded in an OrderUpdate.
type OrderStatus struct {
	ID                int64     `json:"id"`
	Type              string    `json:"type"`
	Symbol            string    `json:"symbol"`
	Side              string    `json:"side"`
	Quantity          float64   `json:"quantity"`
	Status            string    `json:"status"`
	Price             float64   `json:"price,omitempty"`
	AvgFillPrice      float64   `json:"avg_fill_price"`
	ExecQuantity      float64   `json:"exec_quantity"`
	RemainingQuantity float64   `json:"remaining_quantity"`
	CreateDate        time.Time `json:"create_date"`
	TransactionDate   time.Time `json:"transaction_date"`
}

// ErrorNotice is an in-band error reported by the server, e.g. for a symbol
// the session isn't entitled to.
type ErrorNotice struct {
	Error string `json:"error"`
}

// parseMillis converts an epoch-milliseconds string to a time.Time; the
// server sends timestamps as decimal strings.
func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}

	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
}
