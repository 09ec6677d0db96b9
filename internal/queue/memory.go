package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryScheme = "memory://"

// pollInterval bounds how late an expired visibility timeout is noticed by a waiting receiver.
const pollInterval = 10 * time.Millisecond

type memMessage struct {
	id        string
	body      string
	receipt   string
	visibleAt time.Time
}

type memQueue struct {
	messages []*memMessage
}

// Memory is an in-process Client with SQS delivery semantics: messages stay
// queued until deleted by their latest receipt handle and reappear once the
// visibility timeout passes. Used by tests and local runs.
type Memory struct {
	mu       sync.Mutex
	queues   map[string]*memQueue
	notify   chan struct{}
	sendHook func(queueURL, body string) error
}

// NewMemory creates an empty in-memory queue service
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		notify: make(chan struct{}),
	}
}

// URLFor returns the URL a queue named name has (or would have).
func URLFor(name string) string {
	return memoryScheme + name
}

// SetSendHook installs a function consulted before every Send; a non-nil error fails the send.
func (m *Memory) SetSendHook(hook func(queueURL, body string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendHook = hook
}

// broadcast wakes blocked receivers. Caller holds mu.
func (m *Memory) broadcast() {
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *Memory) lookup(queueURL string) (*memQueue, error) {
	q, ok := m.queues[strings.TrimPrefix(queueURL, memoryScheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queueURL)
	}
	return q, nil
}

func (m *Memory) CreateQueue(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; !ok {
		m.queues[name] = &memQueue{}
	}
	return URLFor(name), nil
}

func (m *Memory) QueueURL(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; !ok {
		return "", fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return URLFor(name), nil
}

func (m *Memory) Send(_ context.Context, queueURL, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendHook != nil {
		if err := m.sendHook(queueURL, body); err != nil {
			return err
		}
	}
	q, err := m.lookup(queueURL)
	if err != nil {
		return err
	}
	q.messages = append(q.messages, &memMessage{id: uuid.NewString(), body: body})
	m.broadcast()
	return nil
}

func (m *Memory) Receive(ctx context.Context, queueURL string, opts ReceiveOptions) ([]Message, error) {
	deadline := time.Now().Add(opts.Wait)
	limit := max(opts.MaxMessages, 1)

	for {
		m.mu.Lock()
		q, err := m.lookup(queueURL)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}

		now := time.Now()
		var out []Message
		for _, msg := range q.messages {
			if len(out) == limit {
				break
			}
			if msg.visibleAt.After(now) {
				continue
			}
			msg.receipt = uuid.NewString()
			msg.visibleAt = now.Add(opts.Visibility)
			out = append(out, Message{ID: msg.id, Body: msg.body, ReceiptHandle: msg.receipt})
		}
		wake := m.notify
		m.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(min(remaining, pollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (m *Memory) Delete(_ context.Context, queueURL, receiptHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.lookup(queueURL)
	if err != nil {
		return err
	}
	for i, msg := range q.messages {
		if msg.receipt == receiptHandle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) DeleteQueue(_ context.Context, queueURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := strings.TrimPrefix(queueURL, memoryScheme)
	if _, ok := m.queues[name]; !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueURL)
	}
	delete(m.queues, name)
	m.broadcast()
	return nil
}

// Exists reports whether the named queue exists.
func (m *Memory) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[name]
	return ok
}

// Bodies returns every message still stored on the named queue, in or out of flight.
func (m *Memory) Bodies(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(q.messages))
	for _, msg := range q.messages {
		out = append(out, msg.body)
	}
	return out
}
