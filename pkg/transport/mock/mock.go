// Package mock provides in-memory transport implementations for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/transport"
)

// Compile-time interface assertions.
var _ transport.Session = (*Session)(nil)
var _ transport.Dialer = (*Dialer)(nil)

// Session is a scriptable in-memory transport.Session. Tests feed inbound
// events with [Session.Emit] and inspect outbound media via [Session.Sent].
type Session struct {
	events chan transport.Event

	mu      sync.Mutex
	sent    []transport.MediaChunk
	sendErr error
	errVal  error
	closed  bool

	closeOnce sync.Once
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan transport.Event, 64)}
}

// Emit delivers ev on the session's event channel.
func (s *Session) Emit(ev transport.Event) { s.events <- ev }

// FailSends makes every subsequent SendMedia call return err.
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SetErr sets the value returned by Err.
func (s *Session) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errVal = err
}

// SendMedia records the chunks, or fails if FailSends was called.
func (s *Session) SendMedia(chunks ...transport.MediaChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, chunks...)
	return nil
}

// Sent returns a snapshot of all media chunks sent so far.
func (s *Session) Sent() []transport.MediaChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.MediaChunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// Events returns the scripted event channel.
func (s *Session) Events() <-chan transport.Event { return s.events }

// Err returns the error set via SetErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the session closed and closes the event channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// Dialer hands out scripted sessions. Each Dial call returns the next queued
// session, or a fresh one when the queue is empty.
type Dialer struct {
	mu      sync.Mutex
	queue   []*Session
	dialErr error
	dialed  []*Session
	configs []transport.SessionConfig
}

// NewDialer creates an empty Dialer.
func NewDialer() *Dialer { return &Dialer{} }

// Queue appends sess to the list of sessions handed out by Dial.
func (d *Dialer) Queue(sess *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, sess)
}

// FailDials makes every subsequent Dial call return err.
func (d *Dialer) FailDials(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// Dial returns the next queued session and records the config it was dialed
// with.
func (d *Dialer) Dial(_ context.Context, cfg transport.SessionConfig) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	var sess *Session
	if len(d.queue) > 0 {
		sess = d.queue[0]
		d.queue = d.queue[1:]
	} else {
		sess = NewSession()
	}
	d.dialed = append(d.dialed, sess)
	d.configs = append(d.configs, cfg)
	return sess, nil
}

// Dialed returns all sessions handed out so far.
func (d *Dialer) Dialed() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, len(d.dialed))
	copy(out, d.dialed)
	return out
}

// Configs returns the session configs passed to Dial, in order.
func (d *Dialer) Configs() []transport.SessionConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]transport.SessionConfig, len(d.configs))
	copy(out, d.configs)
	return out
}
