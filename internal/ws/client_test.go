package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func wsServer(t *testing.T, ctx context.Context, onMsg func(map[string]any), payloads [][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for _, p := range payloads {
			if err := conn.Write(ctx, websocket.MessageText, p); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if onMsg != nil {
				onMsg(msg)
			}
		}
	}))
}

func TestClientSendsPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	msgCh := make(chan map[string]any, 1)
	server := wsServer(t, ctx, func(msg map[string]any) {
		select {
		case msgCh <- msg:
		default:
		}
	}, nil)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, zap.NewNop())

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, nil)
	}()

	select {
	case msg := <-msgCh:
		if msg["method"] != "ping" {
			t.Fatalf("expected ping message, got %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for ping")
	}
}

func TestClientReplaysSubscriptions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	subCh := make(chan map[string]any, 4)
	server := wsServer(t, ctx, func(msg map[string]any) {
		if msg["method"] == "subscribe" {
			select {
			case subCh <- msg:
			default:
			}
		}
	}, nil)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 0, zap.NewNop())
	if err := client.Subscribe(ctx, map[string]any{"method": "subscribe", "channel": "book.ETH"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, nil)
	}()

	select {
	case msg := <-subCh:
		if msg["channel"] != "book.ETH" {
			t.Fatalf("unexpected subscription: %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription replay")
	}
}

func TestFailedSubscriptionReplayDropsConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	server := wsServer(t, ctx, nil, nil)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	client := New(wsURL, 0, zap.NewNop())
	if err := client.ensureConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	client.mu.Lock()
	client.subs = append(client.subs, map[string]any{"method": "subscribe", "channel": "book.ETH"})
	client.mu.Unlock()

	failCtx, failCancel := context.WithCancel(ctx)
	failCancel()
	if err := client.ensureConnected(failCtx); err == nil {
		t.Fatalf("replay on a cancelled context must fail")
	}
	client.mu.Lock()
	conn := client.conn
	client.mu.Unlock()
	if conn != nil {
		t.Fatalf("failed replay must drop the connection so the next pass redials")
	}
}

func TestClientDeliversMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	server := wsServer(t, ctx, nil, [][]byte{[]byte(`{"channel":"book","seq":1}`)})
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 0, zap.NewNop())

	got := make(chan json.RawMessage, 1)
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, func(msg json.RawMessage) {
			select {
			case got <- msg:
			default:
			}
		})
	}()

	select {
	case msg := <-got:
		var parsed map[string]any
		if err := json.Unmarshal(msg, &parsed); err != nil {
			t.Fatalf("unmarshal delivered message: %v", err)
		}
		if parsed["channel"] != "book" {
			t.Fatalf("unexpected message: %v", parsed)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}
}
