package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/channels"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
)

func TestNormalize(t *testing.T) {
	update := &models.Update{
		ID: 7,
		Message: &models.Message{
			ID:   11,
			Text: "  ab12cd  ",
			From: &models.User{ID: 1001, FirstName: "Ana", LastName: "Lima"},
			Chat: models.Chat{ID: 2002},
		},
	}

	in, ok := Normalize("agent-1", update)
	if !ok {
		t.Fatal("update with text should normalise")
	}
	if in.ChannelType != channels.TypeTelegram || in.AgentID != "agent-1" {
		t.Errorf("inbound = %+v", in)
	}
	if in.SenderID != "1001" || in.ChatID != "2002" || in.ID != "11" {
		t.Errorf("ids = %s/%s/%s", in.SenderID, in.ChatID, in.ID)
	}
	if in.SenderName != "Ana Lima" {
		t.Errorf("sender name = %q", in.SenderName)
	}
	if in.Text != "ab12cd" {
		t.Errorf("text = %q", in.Text)
	}

	update.Message.From.Username = "ana"
	if in, _ := Normalize("agent-1", update); in.SenderName != "ana" {
		t.Errorf("username should win, got %q", in.SenderName)
	}

	for name, u := range map[string]*models.Update{
		"nil":        nil,
		"no message": {ID: 1},
		"no text":    {Message: &models.Message{From: &models.User{ID: 1}}},
		"no sender":  {Message: &models.Message{Text: "hi"}},
	} {
		if _, ok := Normalize("agent-1", u); ok {
			t.Errorf("%s: should be ignored", name)
		}
	}
}

func TestSendAndDeliver(t *testing.T) {
	var (
		mu    sync.Mutex
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			if err := r.ParseMultipartForm(1 << 20); err == nil {
				mu.Lock()
				texts = append(texts, r.FormValue("text"))
				mu.Unlock()
			}
			w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	defer srv.Close()

	tg, err := New(config.BotConfig{AgentID: "agent-1", Token: "123:abc", WebhookSecret: "s3cret"},
		"https://fleet.example.com/", nil, bot.WithServerURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tg.Name() != "telegram/agent-1" {
		t.Errorf("name = %q", tg.Name())
	}
	if tg.webhookURL != "https://fleet.example.com/webhooks/telegram/agent-1" {
		t.Errorf("webhook url = %q", tg.webhookURL)
	}

	if err := tg.Send(context.Background(), "42", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	if len(texts) != 1 || texts[0] != "hello" {
		t.Errorf("texts = %v", texts)
	}
	mu.Unlock()

	if err := tg.Send(context.Background(), "not-a-chat", "x"); err == nil {
		t.Error("invalid chat id should fail")
	}

	ok := tg.Deliver(&models.Update{Message: &models.Message{
		Text: "hi", From: &models.User{ID: 5}, Chat: models.Chat{ID: 42},
	}})
	if !ok {
		t.Fatal("Deliver should queue the update")
	}
	in := <-tg.Receive()
	if in.Source != "telegram/agent-1" || in.Text != "hi" {
		t.Errorf("inbound = %+v", in)
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(config.BotConfig{AgentID: "a"}, "", nil); err == nil {
		t.Error("missing token should fail")
	}
}
