package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// FakePort is an in-memory SerialPorter. Bytes passed to Feed are returned by
// Read; writes are recorded. A blocking FakePort parks Read until data is fed
// or the port is closed; otherwise an empty buffer reads as io.EOF, which ends
// Monitor cleanly.
type FakePort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	blocking bool
	in       bytes.Buffer
	out      bytes.Buffer
	readErr  error
	writeErr error
	closed   bool
}

// NewFakePort returns an open FakePort.
func NewFakePort(blocking bool) *FakePort {
	p := &FakePort{blocking: blocking}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.blocking && !p.closed && p.readErr == nil && p.in.Len() == 0 {
		p.cond.Wait()
	}
	switch {
	case p.closed:
		return 0, errPortClosed
	case p.readErr != nil:
		err := p.readErr
		p.readErr = nil
		return 0, err
	}
	return p.in.Read(b)
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.writeErr = nil
		return 0, err
	}
	return p.out.Write(b)
}

// Close wakes any parked reader.
func (p *FakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

// Feed queues device output.
func (p *FakePort) Feed(data []byte) {
	p.mu.Lock()
	p.in.Write(data)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// FailRead makes the next Read return err.
func (p *FakePort) FailRead(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
	p.cond.Broadcast()
}

// FailWrite makes the next Write return err.
func (p *FakePort) FailWrite(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Written returns a copy of every byte written so far.
func (p *FakePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.out.Bytes())
}

// IsClosed reports whether Close was called.
func (p *FakePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
