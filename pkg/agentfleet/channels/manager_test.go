package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	name string
	in   chan *Inbound

	mu        sync.Mutex
	sent      []string
	connected bool
	sentCh    chan string
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, in: make(chan *Inbound, 4), sentCh: make(chan string, 4)}
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}
func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}
func (f *fakeChannel) Send(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, chatID+":"+text)
	f.mu.Unlock()
	f.sentCh <- chatID + ":" + text
	return nil
}
func (f *fakeChannel) Receive() <-chan *Inbound { return f.in }
func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeChannel) Health() HealthStatus { return HealthStatus{Connected: f.IsConnected()} }

func TestManagerRoutesReplyToSource(t *testing.T) {
	m := NewManager(nil)
	a := newFakeChannel("telegram/a")
	b := newFakeChannel("telegram/b")
	for _, ch := range []Channel{a, b} {
		if err := m.Register(ch); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := m.Register(a); err == nil {
		t.Error("duplicate registration should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go m.Serve(ctx, func(ctx context.Context, in *Inbound) (string, error) {
		return "echo " + in.Text, nil
	})

	b.in <- &Inbound{ChannelType: TypeTelegram, SenderID: "1", ChatID: "42", Text: "hi"}

	select {
	case got := <-b.sentCh:
		if got != "42:echo hi" {
			t.Errorf("sent = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply was not delivered")
	}
	if len(a.sent) != 0 {
		t.Errorf("reply leaked to another channel: %v", a.sent)
	}

	health := m.HealthAll()
	if !health["telegram/a"].Connected {
		t.Error("channel a should be connected")
	}

	cancel()
	m.Stop()
	if a.IsConnected() {
		t.Error("Stop should disconnect channels")
	}
}

func TestManagerSendUnknownChannel(t *testing.T) {
	m := NewManager(nil)
	err := m.Send(context.Background(), "nope", "1", "hi")
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("err = %v, want ErrUnknownChannel", err)
	}
}

func TestSplitText(t *testing.T) {
	if got := SplitText("short", 10); len(got) != 1 {
		t.Errorf("short text split into %d", len(got))
	}

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := SplitText(text, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8)+"\n" {
		t.Errorf("chunks = %q", got)
	}

	// Multi-byte runes are never cut in half.
	runes := strings.Repeat("é", 10)
	for _, chunk := range SplitText(runes, 5) {
		if !strings.HasPrefix(chunk, "é") || len(chunk)%2 != 0 {
			t.Errorf("chunk %q splits a rune", chunk)
		}
	}
	if strings.Join(SplitText(runes, 5), "") != runes {
		t.Error("chunks do not reassemble")
	}
}
