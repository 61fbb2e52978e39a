// Package protocoltest provides an in-memory Port for exercising the
// invoker and the scheduler without hardware.
package protocoltest

import (
	"errors"
	"sync"
)

// ErrClosed is returned by reads and writes after Close.
var ErrClosed = errors.New("protocoltest: port closed")

// Responder computes the bytes the fake device sends back for a request
// frame. Returning nil means the device stays silent.
type Responder func(frame []byte) []byte

// Port is a scripted byte stream. Every Write records the frame and makes
// the next queued reply (or the Responder's answer) readable.
type Port struct {
	mu       sync.Mutex
	rx       []byte
	replies  [][]byte
	respond  Responder
	writes   [][]byte
	chunk    int
	resets   int
	closed   bool
	readErr  error
	writeErr error
	onWrite  func(frame []byte)
}

// New returns an open port with no scripted replies.
func New() *Port {
	return &Port{}
}

// QueueReply schedules b to become readable after the next unanswered write.
func (p *Port) QueueReply(b ...byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, append([]byte(nil), b...))
}

// SetResponder answers every write with r, taking precedence over queued replies.
func (p *Port) SetResponder(r Responder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond = r
}

// Inject makes b readable immediately, as if it arrived unsolicited.
func (p *Port) Inject(b ...byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = append(p.rx, b...)
}

// SetChunk limits how many bytes a single Read returns. Zero means no limit.
func (p *Port) SetChunk(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunk = n
}

// FailReads makes every subsequent Read return err.
func (p *Port) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

// FailWrites makes every subsequent Write return err.
func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// OnWrite registers fn to run after each recorded write, outside the port
// lock. Blocking in fn stalls the writer.
func (p *Port) OnWrite(fn func(frame []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
}

// Writes returns a copy of every frame written so far.
func (p *Port) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	for i, w := range p.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Resets counts ResetInputBuffer calls.
func (p *Port) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// Pending returns how many bytes are readable.
func (p *Port) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rx)
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	n := len(p.rx)
	if p.chunk > 0 && n > p.chunk {
		n = p.chunk
	}
	n = copy(b, p.rx[:n])
	p.rx = p.rx[n:]
	return n, nil
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	frame := append([]byte(nil), b...)
	p.writes = append(p.writes, frame)
	switch {
	case p.respond != nil:
		p.rx = append(p.rx, p.respond(frame)...)
	case len(p.replies) > 0:
		p.rx = append(p.rx, p.replies[0]...)
		p.replies = p.replies[1:]
	}
	hook := p.onWrite
	p.mu.Unlock()

	if hook != nil {
		hook(frame)
	}
	return len(b), nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.rx = p.rx[:0]
	p.resets++
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
