// Package actor provides the mailbox primitive the lifecycle FSM (C7) uses
// to serialize its transitions behind a single goroutine, so concurrent
// control RPCs queue instead of racing.
// A buffered channel of closures plays the role of a single-threaded
// actor's command queue, dispatched one at a time by one goroutine.
package actor

import "sync"

// Mailbox runs submitted functions one at a time, in submission order, on
// a single internal goroutine. Callers use Send for fire-and-forget work
// and Ask when they need the result back.
type Mailbox struct {
	inbox  chan func()
	stopCh chan struct{}
	once   sync.Once
}

// NewMailbox starts a mailbox with the given inbox buffer depth.
func NewMailbox(buffer int) *Mailbox {
	m := &Mailbox{
		inbox:  make(chan func(), buffer),
		stopCh: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mailbox) run() {
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.stopCh:
			return
		}
	}
}

// Send enqueues fn to run on the mailbox's goroutine. It blocks only if
// the inbox is full. Send on a stopped mailbox is a silent no-op: the
// select races inbox against stopCh rather than panicking on a closed
// channel.
func (m *Mailbox) Send(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.stopCh:
	}
}

// Ask enqueues fn and blocks until it has run (or the mailbox stops). It
// returns nothing itself; fn hands results back through variables it
// closes over. Callers typically write:
//
//	var result T
//	mailbox.Ask(func() { result = compute() })
func (m *Mailbox) Ask(fn func()) {
	done := make(chan struct{})
	m.Send(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-m.stopCh:
	}
}

// Stop shuts the mailbox down. Queued sends after Stop are dropped.
func (m *Mailbox) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}
