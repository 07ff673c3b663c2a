// Package serialmux shares one eDVS serial port between readers. Monitor
// reads raw byte chunks and copies each to every subscriber; commands are
// serialised onto the port as newline-terminated ASCII.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

const (
	// chunks buffered per subscriber before Monitor drops for it
	subscriberBuffer = 256
	// roughly 8 ms of data at 4 Mbaud
	readChunkSize = 4096
)

// SerialMuxInterface is what event sources need from a SerialMux.
type SerialMuxInterface interface {
	// Subscribe returns an id for Unsubscribe and a channel of raw chunks.
	// The channel is closed on Unsubscribe or Close.
	Subscribe() (string, chan []byte)
	Unsubscribe(string)
	SendCommand(string) error
	// Monitor pumps the port until EOF, a read error or ctx ends.
	Monitor(context.Context) error
	Close() error
	// Stats reports bytes read and chunks dropped on full subscribers.
	Stats() (bytesRead, chunksDropped uint64)
	// AttachAdminRoutes mounts debug handlers under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// SerialMux implements SerialMuxInterface over any SerialPorter.
type SerialMux[T SerialPorter] struct {
	port T

	mu   sync.Mutex // guards subs
	subs map[string]chan []byte

	writeMu sync.Mutex
	closed  atomic.Bool

	read    atomic.Uint64
	dropped atomic.Uint64
}

// NewSerialMux wraps port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{port: port, subs: map[string]chan []byte{}}
}

func newSubscriberID() string {
	var b [8]byte
	_, _ = crand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (s *SerialMux[T]) Subscribe() (string, chan []byte) {
	id, ch := newSubscriberID(), make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	s.subs[id] = ch
	s.mu.Unlock()
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// SendCommand writes command, adding the trailing newline if missing.
func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write([]byte(command))
	switch {
	case err != nil:
		return err
	case n != len(command):
		return ErrWriteFailed
	}
	return nil
}

// fanOut hands chunk to every subscriber without blocking. A subscriber that
// misses a chunk resynchronises on the next eDVS address byte.
func (s *SerialMux[T]) fanOut(chunk []byte) {
	s.read.Add(uint64(len(chunk)))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- chunk:
		default:
			s.dropped.Add(1)
		}
	}
}

// readLoop runs the blocking reads off the Monitor goroutine so cancellation
// is never stuck behind Read. The returned channel closes after the final
// chunk; *errp holds the terminal read error, if any, once it has.
func (s *SerialMux[T]) readLoop(ctx context.Context, errp *error) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			buf := make([]byte, readChunkSize)
			n, err := s.port.Read(buf)
			if n > 0 {
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					*errp = err
				}
				return
			}
		}
	}()
	return out
}

func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	var readErr error
	chunks := s.readLoop(ctx, &readErr)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if s.closed.Load() {
				return nil
			}
			if !ok {
				return readErr
			}
			s.fanOut(chunk)
		}
	}
}

func (s *SerialMux[T]) Stats() (bytesRead, chunksDropped uint64) {
	return s.read.Load(), s.dropped.Load()
}

// Close ends every subscription and closes the port. It is idempotent.
func (s *SerialMux[T]) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial-stats", "eDVS serial byte counters", func(w http.ResponseWriter, r *http.Request) {
		read, dropped := s.Stats()
		fmt.Fprintf(w, "bytes_read %d\nchunks_dropped %d\nsubscribers %d\n", read, dropped, s.subscribers())
	})

	// raw device command, e.g. "??" for the eDVS help text
	debug.HandleSilentFunc("serial-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cmd := strings.TrimSpace(r.FormValue("command"))
		if cmd == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(cmd); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", cmd)
	})
}

func (s *SerialMux[T]) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
