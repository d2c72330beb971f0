// Command tradier-stream subscribes to live Tradier data feeds and prints
// every received event to stdout. It keeps the stream alive across
// disconnects and session expiries.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"tradier-sdk-go/client/rest"
	"tradier-sdk-go/client/websocket"
	"tradier-sdk-go/common"
	"tradier-sdk-go/config"
)

var (
	symbols []string
	filters []string

	verbose = flag.Bool("verbose", false, "Prints state transitions to stderr.")
	account = flag.Bool("account", false, "Stream account events instead of market data.")

	configFilename = flag.String("config", "", "YAML config file with credentials; when omitted, TRADIER_ACCESS_TOKEN and TRADIER_CLIENT_ID are read from the environment.")
)

func init() {
	flag.StringArrayVar(&symbols, "symbol", nil, "Symbol to stream. This flag can be given multiple times")
	flag.StringArrayVar(&filters, "filter", nil, "Event filter (quote, trade, summary, timesale, tradex). This flag can be given multiple times")
	flag.Parse()
}

var (
	quoteColor = color.New(color.FgCyan)
	tradeColor = color.New(color.FgGreen)
	errorColor = color.New(color.FgRed)
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var cfg *config.Config
	var err error
	if *configFilename != "" {
		cfg, err = config.Load(*configFilename)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		log.Fatalf("%s", err)
	}

	if !*account && len(symbols) == 0 {
		log.Fatalf("at least one --symbol is required for market streaming")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	restClient := rest.NewTradierRESTClient(&rest.TradierRESTClientParams{
		BaseURL:     cfg.RestAPI.BaseURL,
		AccessToken: cfg.AccessToken(),
		ClientID:    cfg.ClientID(),
		Timeout:     cfg.RestAPI.Timeout,
		Logger:      logger,
	})

	kind := rest.SessionKindMarket
	if *account {
		kind = rest.SessionKindAccount
	}

	streamFilters := make([]websocket.Filter, 0, len(filters))
	for _, v := range filters {
		streamFilters = append(streamFilters, websocket.Filter(v))
	}

	sup, err := websocket.NewSupervisor(&websocket.SupervisorParams{
		Kind:    kind,
		Factory: restClient,
		BuildPayload: func(session *rest.Session) *websocket.SubscriptionPayload {
			return &websocket.SubscriptionPayload{
				Symbols:   symbols,
				Filter:    streamFilters,
				SessionID: session.ID,
			}
		},
		RetryDelay: cfg.Streaming.ReconnectDelay,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("%s", err)
	}

	// Will print state changes to the user
	if *verbose {
		sup.OnStateChange(func(oldState, state websocket.ConnState) {
			fmt.Fprintf(os.Stderr, "State updated: %s -> %s\n",
				websocket.ConnStateNames[oldState],
				websocket.ConnStateNames[state],
			)
		})
	}

	for msg := range sup.Run(ctx) {
		printMessage(msg)
	}
}

func logLevel() slog.Level {
	if *verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

func printMessage(msg common.Message) {
	switch {
	case msg.Quote != nil:
		quoteColor.Printf("%s  bid %.2f x%d  ask %.2f x%d\n",
			msg.Quote.Symbol,
			msg.Quote.Bid, msg.Quote.BidSize,
			msg.Quote.Ask, msg.Quote.AskSize,
		)
	case msg.Trade != nil:
		tradeColor.Printf("%s  trade %s x%s\n",
			msg.Trade.Symbol, msg.Trade.Price, msg.Trade.Size)
	case msg.ErrorNotice != nil:
		errorColor.Printf("server error: %s\n", msg.ErrorNotice.Error)
	default:
		fmt.Println(msg)
	}
}
