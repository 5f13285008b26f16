package notify

import (
	"context"
	"strings"
	"sync"
)

// Message records one delivered notification
type Message struct {
	ThreadKey string
	Text      string
}

// Mock collects notifications for assertions in tests
type Mock struct {
	mu       sync.Mutex
	Messages []Message
}

// Notify implements Notifier
func (m *Mock) Notify(ctx context.Context, threadKey, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, Message{ThreadKey: threadKey, Text: message})
}

// Sent returns a copy of the delivered messages
func (m *Mock) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Contains reports whether any delivered message contains substr
func (m *Mock) Contains(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.Messages {
		if strings.Contains(msg.Text, substr) {
			return true
		}
	}
	return false
}
