package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"exit_tracker/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func fastConfig(url string) Config {
	return Config{
		URL:           url,
		ReconnectWait: 10 * time.Millisecond,
		PingInterval:  100 * time.Millisecond,
		PingWait:      50 * time.Millisecond,
		PongWait:      200 * time.Millisecond,
	}
}

func TestClientDeliversFramesInOrder(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range []string{"a", "b", "c"} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	got := make(chan string, 3)
	client := NewClient(fastConfig(wsURL(server)), func(_ context.Context, message []byte) {
		got <- string(message)
	}, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	for _, want := range []string{"a", "b", "c"} {
		select {
		case m := <-got:
			assert.Equal(t, want, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing frame %q", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestClientHeartbeat(t *testing.T) {
	var pings int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(string) error {
			atomic.AddInt32(&pings, 1)
			return conn.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(fastConfig(wsURL(server)), nil, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&pings) >= 2 }, 2*time.Second, 20*time.Millisecond)
}

func TestClientReconnectsWithoutPong(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connections, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Swallow pings so the client read deadline expires
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(fastConfig(wsURL(server)), nil, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&connections) >= 2 }, 3*time.Second, 20*time.Millisecond)
}

func TestClientOnConnectedSubscribes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg map[string]string
		if err := conn.ReadJSON(&msg); err == nil {
			subscribed <- msg["subscribe"]
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(fastConfig(wsURL(server)), nil, logging.NewNop())
	client.SetOnConnected(func(context.Context) error {
		return client.Send(map[string]string{"subscribe": "ADAUSDT"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	select {
	case sym := <-subscribed:
		assert.Equal(t, "ADAUSDT", sym)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}
}

func TestClientNoGoroutineLeak(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	time.Sleep(100 * time.Millisecond)
	initial := runtime.NumGoroutine()

	cfg := fastConfig(wsURL(server))
	cfg.PingInterval = 10 * time.Millisecond
	client := NewClient(cfg, nil, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = client.Run(ctx)
		close(done)
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	// Server-side handler goroutines need a moment to observe the close
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= initial+1
	}, 2*time.Second, 20*time.Millisecond, "possible goroutine leak")
}
