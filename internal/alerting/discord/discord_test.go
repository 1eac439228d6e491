package discord

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/xChokes/mercado-sub000/internal/alerting"
)

type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closeCalled  bool
	openErr      error
	sentMessages []sentMessage
	sendErr      error
	sendCalls    int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sentMessages = append(m.sentMessages, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", len(m.sentMessages))}, nil
}

func newTestNotifier(t *testing.T) (*Notifier, *mockSession) {
	t.Helper()
	sess := &mockSession{}
	n, err := New(Opts{Session: sess, ChannelID: "ch-default"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.baseBackoff = time.Millisecond
	n.maxBackoff = 4 * time.Millisecond
	if err := n.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return n, sess
}

func rateLimited() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func TestNew_RequiresBotToken(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error for missing bot token")
	}
}

func TestConnect_OpensSession(t *testing.T) {
	_, sess := newTestNotifier(t)
	if !sess.opened {
		t.Error("session not opened")
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := &mockSession{openErr: fmt.Errorf("gateway down")}
	n, _ := New(Opts{Session: sess})
	if err := n.Connect(context.Background()); err == nil {
		t.Fatal("expected open error")
	}
}

func TestNotify_DefaultChannelWithEmbeds(t *testing.T) {
	n, sess := newTestNotifier(t)

	err := n.Notify(context.Background(), alerting.Message{
		Text: "[CRITICAL] Price manipulation suspected",
		Events: []alerting.Event{{
			Title:  "Price manipulation suspected",
			Color:  alerting.ColorCritical,
			Fields: []alerting.Field{{Name: "Goods", Value: "wheat", Short: true}},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sess.sentMessages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sess.sentMessages))
	}
	sent := sess.sentMessages[0]
	if sent.channelID != "ch-default" {
		t.Errorf("channel = %q, want ch-default", sent.channelID)
	}
	if len(sent.data.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(sent.data.Embeds))
	}
	if sent.data.Embeds[0].Color != 0xe53935 {
		t.Errorf("color = %x, want e53935", sent.data.Embeds[0].Color)
	}
	if !sent.data.Embeds[0].Fields[0].Inline {
		t.Error("short field should render inline")
	}
}

func TestNotify_NotConnected(t *testing.T) {
	n, _ := New(Opts{Session: &mockSession{}, ChannelID: "c"})
	if err := n.Notify(context.Background(), alerting.Message{Text: "x"}); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestNotify_NoChannel(t *testing.T) {
	n, _ := New(Opts{Session: &mockSession{}})
	n.Connect(context.Background())
	if err := n.Notify(context.Background(), alerting.Message{Text: "x"}); err == nil {
		t.Fatal("expected error for no channel")
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	n, sess := newTestNotifier(t)
	sess.sendErr = rateLimited()

	err := n.Notify(context.Background(), alerting.Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if sess.sendCalls != maxRetries+1 {
		t.Errorf("send calls = %d, want %d", sess.sendCalls, maxRetries+1)
	}
}

func TestNotify_DoesNotRetryOtherErrors(t *testing.T) {
	n, sess := newTestNotifier(t)
	sess.sendErr = fmt.Errorf("missing access")

	if err := n.Notify(context.Background(), alerting.Message{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if sess.sendCalls != 1 {
		t.Errorf("send calls = %d, want 1", sess.sendCalls)
	}
}

func TestClose_Idempotent(t *testing.T) {
	n, sess := newTestNotifier(t)
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !sess.closeCalled {
		t.Error("session not closed")
	}
	if err := n.Connect(context.Background()); err == nil {
		t.Error("expected error reconnecting a closed notifier")
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"#36a64f", 0x36a64f},
		{"ff9800", 0xff9800},
		{"#E53935", 0xe53935},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
}
