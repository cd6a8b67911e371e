package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dip-bot/internal/config"
	"dip-bot/internal/engine"

	"go.uber.org/zap"
)

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != "123" || gotPayload["text"] != "hello" {
		t.Fatalf("unexpected payload %+v", gotPayload)
	}
}

func TestTelegramSendReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	err := client.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestTelegramGetUpdates(t *testing.T) {
	var gotOffset, gotTimeout string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/getUpdates" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotOffset = r.URL.Query().Get("offset")
		gotTimeout = r.URL.Query().Get("timeout")
		_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":42,"message":{"message_id":1,"from":{"id":7,"username":"ops"},"chat":{"id":123},"text":"/status"}}]}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	updates, err := client.GetUpdates(context.Background(), 41, 3*time.Second)
	if err != nil {
		t.Fatalf("get updates: %v", err)
	}
	if gotOffset != "41" || gotTimeout != "3" {
		t.Fatalf("unexpected query offset=%q timeout=%q", gotOffset, gotTimeout)
	}
	if len(updates) != 1 || updates[0].UpdateID != 42 || updates[0].Message.Text != "/status" || updates[0].Message.From.ID != 7 {
		t.Fatalf("unexpected updates %+v", updates)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
	done chan struct{}
}

func (r *recordingSender) Send(_ context.Context, message string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, message)
	r.mu.Unlock()
	close(r.done)
	return nil
}

func TestCycleNotifierSendsTradeLines(t *testing.T) {
	sender := &recordingSender{done: make(chan struct{})}
	n := NewCycleNotifier(sender, nil)
	n.ObserveCycle(engine.CycleResult{
		ID: "0123456789abcdef",
		Logs: []engine.CycleLog{
			{Kind: engine.KindInfo, Message: "Cycle started."},
			{Kind: engine.KindBuy, Message: "Bought 0.02 BTC at $60000.00. Target sell: $61800.00."},
			{Kind: engine.KindError, Message: "Error buying ETH: rejected"},
		},
	})
	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("notifier never sent")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	msg := sender.msgs[0]
	if !strings.HasPrefix(msg, "dip-bot cycle 01234567\n") {
		t.Fatalf("unexpected header %q", msg)
	}
	if strings.Contains(msg, "Cycle started") || !strings.Contains(msg, "[BUY] Bought") || !strings.Contains(msg, "[ERROR] Error buying ETH") {
		t.Fatalf("unexpected body %q", msg)
	}
}

func TestFormatCycleSkipsQuietCycles(t *testing.T) {
	msg := FormatCycle(engine.CycleResult{Logs: []engine.CycleLog{{Kind: engine.KindAI, Message: "AI Analysis"}}})
	if msg != "" {
		t.Fatalf("expected empty message, got %q", msg)
	}
}
