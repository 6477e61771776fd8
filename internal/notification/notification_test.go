package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"martingale-futures-bot/internal/events"
)

func TestFromEvent(t *testing.T) {
	tests := []struct {
		name  string
		event events.Event
		want  NotificationType
		ok    bool
	}{
		{"trade opened", events.Event{Type: events.EventTradeOpened, Data: map[string]interface{}{"symbol": "BTCUSDT", "side": "LONG"}}, NotifyTradeOpen, true},
		{"trade closed", events.Event{Type: events.EventTradeClosed, Data: map[string]interface{}{"symbol": "BTCUSDT", "net": "-0.2"}}, NotifyTradeClose, true},
		{"breaker tripped", events.Event{Type: events.EventCircuitBreakerUpdate, Data: map[string]interface{}{"action": "tripped"}}, NotifyBreaker, true},
		{"breaker reset", events.Event{Type: events.EventCircuitBreakerUpdate, Data: map[string]interface{}{"action": "reset"}}, "", false},
		{"error", events.Event{Type: events.EventError, Data: map[string]interface{}{"source": "runner", "message": "cycle failed", "error": "timeout"}}, NotifyError, true},
		{"state change", events.Event{Type: events.EventStateChanged}, "", false},
		{"signal", events.Event{Type: events.EventSignalEvaluated}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := FromEvent(tt.event)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, n.Type)
				assert.False(t, n.Timestamp.IsZero())
			}
		})
	}

	n, _ := FromEvent(events.Event{Type: events.EventTradeClosed, Data: map[string]interface{}{"net": "-0.2"}})
	assert.True(t, decimal.RequireFromString("-0.2").Equal(n.NetPnL))
	n, _ = FromEvent(events.Event{Type: events.EventError, Data: map[string]interface{}{"source": "runner", "message": "cycle failed", "error": "timeout"}})
	assert.Equal(t, "cycle failed: timeout", n.Message)
}

func TestTelegramNotifier(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(TelegramConfig{BotToken: "token", ChatID: "42", APIURL: srv.URL + "/"}, srv.Client())
	err := tg.Send(context.Background(), &Notification{Title: "Position closed", Message: "Net: 1"})
	require.NoError(t, err)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Position closed*\n\nNet: 1", got["text"])
}

func TestDiscordNotifier_ColorsLosses(t *testing.T) {
	var got struct {
		Embeds []struct {
			Title string `json:"title"`
			Color int    `json:"color"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL}, srv.Client())
	err := d.Send(context.Background(), &Notification{
		Type: NotifyTradeClose, Title: "closed", Symbol: "BTCUSDT",
		NetPnL: decimal.RequireFromString("-1"), Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, colorRed, got.Embeds[0].Color)
}

type stubNotifier struct {
	calls int32
	fail  int32 // fail the first N calls
}

func (s *stubNotifier) Name() string { return "stub" }
func (s *stubNotifier) Send(context.Context, *Notification) error {
	if atomic.AddInt32(&s.calls, 1) <= s.fail {
		return errors.New("temporary")
	}
	return nil
}

func TestManager_RetriesAndSubscribes(t *testing.T) {
	m := NewManager(Config{}, zerolog.Nop())
	assert.False(t, m.Enabled())

	stub := &stubNotifier{fail: 1}
	m.AddNotifier(stub)
	require.NoError(t, m.Send(context.Background(), &Notification{Title: "x"}))
	assert.Equal(t, int32(2), atomic.LoadInt32(&stub.calls))

	bus := events.NewEventBus()
	m.Subscribe(bus)
	bus.Publish(events.Event{Type: events.EventBotStopped, Data: map[string]interface{}{"symbol": "BTCUSDT"}})
	bus.Publish(events.Event{Type: events.EventStateChanged})
	bus.Wait()
	assert.Equal(t, int32(3), atomic.LoadInt32(&stub.calls))
}

func TestManager_PermanentFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManager(Config{}, zerolog.Nop())
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL}, srv.Client()))
	err := m.Send(context.Background(), &Notification{Title: "x", Timestamp: time.Now()})
	assert.ErrorContains(t, err, "unexpected status 401")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
