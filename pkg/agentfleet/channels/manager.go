package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one inbound message and returns the reply text. An
// empty reply sends nothing.
type Handler func(ctx context.Context, in *Inbound) (string, error)

// Manager owns every registered channel, fans their messages into one
// stream and routes replies back to the channel that received the message.
type Manager struct {
	channels map[string]Channel
	messages chan *Inbound
	logger   *slog.Logger

	listenWg   sync.WaitGroup
	dispatchWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *Inbound, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects every registered channel and starts listening. A channel
// that fails to connect is logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Info("no bot channels registered")
		return nil
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("failed to connect channel", "channel", name, "error", err)
			continue
		}
		connected++

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listen(c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("no channel connected")
	}
	m.logger.Info("channels started", "connected", connected, "registered", len(snapshot))
	return nil
}

// Serve reads the aggregated stream until ctx is done, handling each
// message in its own goroutine and sending the reply back to its source.
func (m *Manager) Serve(ctx context.Context, handle Handler) {
	for {
		select {
		case <-ctx.Done():
			m.dispatchWg.Wait()
			return
		case in, ok := <-m.messages:
			if !ok {
				m.dispatchWg.Wait()
				return
			}
			m.dispatchWg.Add(1)
			go func() {
				defer m.dispatchWg.Done()
				m.dispatch(ctx, handle, in)
			}()
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, handle Handler, in *Inbound) {
	reply, err := handle(ctx, in)
	if err != nil {
		m.logger.Error("failed to handle message",
			"channel", in.Source, "sender", in.SenderID, "error", err)
		return
	}
	if reply == "" || in.Source == "" {
		return
	}
	if err := m.Send(ctx, in.Source, in.ChatID, reply); err != nil {
		m.logger.Error("failed to send reply", "channel", in.Source, "chat", in.ChatID, "error", err)
	}
}

// Stop disconnects every channel and closes the aggregated stream.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.listenWg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Error("failed to disconnect channel", "channel", name, "error", err)
		}
	}
	close(m.messages)
}

// Messages returns the aggregated stream.
func (m *Manager) Messages() <-chan *Inbound {
	return m.messages
}

// Send delivers text through the named channel.
func (m *Manager) Send(ctx context.Context, name, chatID, text string) error {
	ch, ok := m.Channel(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	if !ch.IsConnected() {
		return fmt.Errorf("channel %q: %w", name, ErrChannelDisconnected)
	}
	return ch.Send(ctx, chatID, text)
}

// Channel returns a registered channel by name.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// HealthAll returns the health of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Health()
	}
	return out
}

func (m *Manager) listen(ch Channel) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case in, ok := <-ch.Receive():
			if !ok {
				return
			}
			if in.Source == "" {
				in.Source = ch.Name()
			}
			select {
			case m.messages <- in:
			case <-m.ctx.Done():
				return
			}
		}
	}
}
