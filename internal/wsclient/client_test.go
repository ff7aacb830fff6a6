package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	cap := 10 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{6, 10 * time.Second},
		{0, 1 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(base, cap, tt.attempt), "attempt %d", tt.attempt)
	}
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startServer runs a websocket endpoint driven by the given per-frame handler
func startServer(t *testing.T, handle func(conn *websocket.Conn, frame []byte)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			handle(conn, frame)
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// ackAll acknowledges every sequenced frame
func ackAll(conn *websocket.Conn, frame []byte) {
	var env struct {
		Sequence *uint64 `json:"sequence"`
	}
	if err := json.Unmarshal(frame, &env); err != nil || env.Sequence == nil {
		return
	}
	reply, _ := json.Marshal(map[string]any{"type": "ack", "sequence": *env.Sequence})
	_ = conn.WriteMessage(websocket.TextMessage, reply)
}

func TestSendWithAck(t *testing.T) {
	url := startServer(t, ackAll)

	client := New(Config{URL: url, AckTimeout: 2 * time.Second})
	require.NoError(t, client.Connect(context.Background()))
	defer func() {
		_ = client.Close()
	}()

	err := client.SendWithAck(context.Background(), "quote_edit", map[string]any{
		"quote_id": "q1",
		"field":    "premium",
		"value":    100,
	})
	require.NoError(t, err)
}

func TestSendWithAckTimeout(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn, frame []byte) {
		// Swallow frames without acknowledging
	})

	client := New(Config{URL: url, AckTimeout: 100 * time.Millisecond})
	require.NoError(t, client.Connect(context.Background()))
	defer func() {
		_ = client.Close()
	}()

	err := client.SendWithAck(context.Background(), "quote_edit", map[string]any{"quote_id": "q1"})
	var ackErr *AckTimeoutError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, uint64(1), ackErr.Sequence)
}

func TestBatchedFramesResolveAcks(t *testing.T) {
	// The server's write pump coalesces queued frames into one websocket
	// message joined by newlines; the ack must still be found inside it
	url := startServer(t, func(conn *websocket.Conn, frame []byte) {
		var env struct {
			Sequence *uint64 `json:"sequence"`
		}
		if err := json.Unmarshal(frame, &env); err != nil || env.Sequence == nil {
			return
		}
		batch := fmt.Sprintf("{\"type\":\"pong\"}\n{\"type\":\"ack\",\"sequence\":%d}", *env.Sequence)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(batch))
	})

	var mu sync.Mutex
	var received []string
	client := New(Config{
		URL:        url,
		AckTimeout: 2 * time.Second,
		OnMessage: func(payload []byte) {
			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(payload, &env); err != nil {
				return
			}
			mu.Lock()
			received = append(received, env.Type)
			mu.Unlock()
		},
	})
	require.NoError(t, client.Connect(context.Background()))
	defer func() {
		_ = client.Close()
	}()

	err := client.SendWithAck(context.Background(), "ping", nil)
	require.NoError(t, err, "an ack batched with another frame still resolves the send")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == "pong"
	}, 2*time.Second, 10*time.Millisecond, "non-ack frames in the batch still reach OnMessage")
}

func TestSequenceNumbersAreMonotonic(t *testing.T) {
	url := startServer(t, ackAll)

	client := New(Config{URL: url})
	require.NoError(t, client.Connect(context.Background()))
	defer func() {
		_ = client.Close()
	}()

	first, err := client.Send(context.Background(), "ping", nil)
	require.NoError(t, err)
	second, err := client.Send(context.Background(), "ping", nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
}

func TestOnMessageReceivesServerFrames(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn, frame []byte) {
		reply, _ := json.Marshal(map[string]any{"type": "pong"})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
	})

	var mu sync.Mutex
	var received [][]byte
	client := New(Config{
		URL: url,
		OnMessage: func(payload []byte) {
			mu.Lock()
			received = append(received, payload)
			mu.Unlock()
		},
	})
	require.NoError(t, client.Connect(context.Background()))
	defer func() {
		_ = client.Close()
	}()

	_, err := client.Send(context.Background(), "ping", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNormalClosureIsTerminal(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn, frame []byte) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})

	var mu sync.Mutex
	var states []State
	client := New(Config{
		URL:         url,
		BackoffBase: 10 * time.Millisecond,
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.Send(context.Background(), "ping", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return client.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, states, StateReconnecting, "normal closure must not trigger reconnection")
}

// testServer pairs an http.Server with the websocket conns its handler
// has upgraded; Upgrade hijacks the conn, so http.Server.Close alone
// does not close it
type testServer struct {
	srv   *http.Server
	mu    sync.Mutex
	conns []*websocket.Conn
}

// Close force-closes the hijacked websocket conns (no close frame) and
// then the server itself
func (s *testServer) Close() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.UnderlyingConn().Close()
	}
	return s.srv.Close()
}

// serveOn runs the ack-all websocket handler on an existing listener so a
// test can stop the server and restart it on the same address
func serveOn(ln net.Listener) *testServer {
	ts := &testServer{}
	ts.srv = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := testUpgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.conns = append(ts.conns, conn)
			ts.mu.Unlock()
			defer func() {
				_ = conn.Close()
			}()
			for {
				_, frame, err := conn.ReadMessage()
				if err != nil {
					return
				}
				ackAll(conn, frame)
			}
		}),
	}
	go func() {
		_ = ts.srv.Serve(ln)
	}()
	return ts
}

func TestReconnectAfterAbnormalClosure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	srv := serveOn(ln)

	var mu sync.Mutex
	var states []State
	client := New(Config{
		URL:                  "ws://" + addr,
		AckTimeout:           2 * time.Second,
		BackoffBase:          20 * time.Millisecond,
		BackoffCap:           50 * time.Millisecond,
		MaxReconnectAttempts: 20,
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	require.NoError(t, client.Connect(context.Background()))
	defer func() {
		_ = client.Close()
	}()

	require.NoError(t, client.SendWithAck(context.Background(), "ping", nil))

	// Kill the server without a close frame, then bring it back on the
	// same address while the client is backing off
	require.NoError(t, srv.Close())
	require.Eventually(t, func() bool {
		return client.State() == StateReconnecting
	}, 2*time.Second, 10*time.Millisecond)

	ln2, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	srv2 := serveOn(ln2)
	defer func() {
		_ = srv2.Close()
	}()

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.SendWithAck(context.Background(), "ping", nil), "sends work again after reconnection")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateReconnecting)
}

func TestSendWhileDisconnected(t *testing.T) {
	client := New(Config{URL: "ws://127.0.0.1:0"})
	_, err := client.Send(context.Background(), "ping", nil)
	assert.Error(t, err)
}
