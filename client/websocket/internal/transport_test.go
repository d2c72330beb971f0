package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer ws.Close()

		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(t *testing.T, ts *httptest.Server) string {
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	u.Scheme = "ws"

	return u.String()
}

// runTransportCycle takes one transport through its whole life: dial, one
// send, graceful close, wait for the close callback.
func runTransportCycle(t *testing.T, url string) {
	closed := make(chan struct{})

	tr := NewFrameTransport(&FrameTransportParams{URL: url})
	tr.OnClose(func(_ *FrameTransport, cause error) {
		close(closed)
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := tr.Send(context.Background(), []byte(`{"symbols":["AAPL"]}`)); err != nil {
		t.Fatal(err)
	}

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-closed:
	case <-time.After(1 * time.Second):
		t.Fatal("close callback wasn't called")
	}

	if want, got := TransportStateClosed, tr.GetState(); want != got {
		t.Fatalf("state: want: %v, got: %v", want, got)
	}
}

// Every reconnect creates a fresh single-use transport, so a closed
// transport must not keep any goroutine behind.
func TestTransportReleasesGoroutines(t *testing.T) {
	ts := echoServer(t)
	defer ts.Close()

	url := wsURL(t, ts)

	// Warm up the http machinery before taking the baseline.
	runTransportCycle(t, url)

	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	const cycles = 30
	for i := 0; i < cycles; i++ {
		runTransportCycle(t, url)
	}

	time.Sleep(100 * time.Millisecond)
	after := runtime.NumGoroutine()

	// A little slack for http keep-alive goroutines, but nowhere near one
	// per cycle.
	if after > before+3 {
		t.Fatalf("goroutines leaked: before=%d after=%d (cycles=%d)", before, after, cycles)
	}
}

func TestTransportDialFailureReleasesGoroutines(t *testing.T) {
	// Grab a port with nothing listening on it.
	ts := echoServer(t)
	url := wsURL(t, ts)
	ts.Close()

	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	const cycles = 30
	for i := 0; i < cycles; i++ {
		tr := NewFrameTransport(&FrameTransportParams{URL: url})
		if err := tr.Connect(context.Background()); err == nil {
			t.Fatal("dialing a dead server should fail")
		}

		if want, got := TransportStateClosed, tr.GetState(); want != got {
			t.Fatalf("state: want: %v, got: %v", want, got)
		}
	}

	time.Sleep(100 * time.Millisecond)
	after := runtime.NumGoroutine()

	if after > before+3 {
		t.Fatalf("goroutines leaked: before=%d after=%d (cycles=%d)", before, after, cycles)
	}
}

func TestTransportCloseNeverConnected(t *testing.T) {
	tr := NewFrameTransport(&FrameTransportParams{URL: "ws://localhost:1"})

	// Closing before Connect reports not-connected, but still stops the
	// write loop.
	if err := tr.Close(); err == nil {
		t.Fatal("closing a never-connected transport should report an error")
	}

	if want, got := TransportStateClosed, tr.GetState(); want != got {
		t.Fatalf("state: want: %v, got: %v", want, got)
	}

	select {
	case <-tr.done:
	case <-time.After(1 * time.Second):
		t.Fatal("write loop wasn't stopped")
	}
}
