package hare

import (
	"sync"
)

type commandKind int

const (
	// commandReconnect tears the connection down and rebuilds it
	commandReconnect commandKind = iota
	// commandCloseChannel closes one channel on the live connection
	commandCloseChannel
)

type command struct {
	kind      commandKind
	channelID int
}

// mailbox carries supervisor commands from callers to the worker. The
// worker drains it at the top of every loop iteration; wake lets an idle
// worker notice new work without waiting out its poll interval.
type mailbox struct {
	mu       sync.Mutex
	commands []command
	wake     chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(c command) {
	m.mu.Lock()
	m.commands = append(m.commands, c)
	m.mu.Unlock()
	m.notify()
}

func (m *mailbox) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []command {
	m.mu.Lock()
	defer m.mu.Unlock()

	commands := m.commands
	m.commands = nil
	return commands
}

func (m *mailbox) reset() {
	m.drain()
	select {
	case <-m.wake:
	default:
	}
}
