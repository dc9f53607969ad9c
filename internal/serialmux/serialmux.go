// Package serialmux provides an abstraction over a serial port with the ability for
// multiple clients to subscribe to the reply lines of the device and send
// commands to a single serial port device.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/emstat/internal/monitoring"
	"github.com/banshee-data/emstat/internal/mscript"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrClosed      = errors.New("serial mux closed")
)

// subscriber is one consumer of reply lines. Lossy subscribers skip lines
// they are not ready for; lossless ones hold up the reader until the line is
// taken or the subscription ends.
type subscriber struct {
	ch       chan string
	lossless bool

	mu     sync.Mutex
	gone   chan struct{}
	closed bool
}

func (sub *subscriber) deliver(ctx context.Context, done <-chan struct{}, line string) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	if !sub.lossless {
		select {
		case sub.ch <- line:
			return true
		default:
			return false
		}
	}
	select {
	case sub.ch <- line:
		return true
	case <-sub.gone:
	case <-done:
	case <-ctx.Done():
	}
	return false
}

func (sub *subscriber) close() {
	close(sub.gone)
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.closed = true
	close(sub.ch)
}

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to lines from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	readTimeout  time.Duration
	subscribers  map[string]*subscriber
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	done         chan struct{}
	closeOnce    sync.Once
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the serial
	// port. Lines are skipped while the channel is not ready. The channel ID
	// is used to identify the unique channel when unsubscribing.
	Subscribe() (string, chan string)
	// SubscribeLossless is like Subscribe but every line is delivered; the
	// reader waits for the subscriber.
	SubscribeLossless() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads lines from the serial port and sends them to the
	// appropriate channels.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		readTimeout: DefaultReadTimeout,
		subscribers: make(map[string]*subscriber),
		done:        make(chan struct{}),
	}
}

// SetReadTimeout changes the timeout applied by Monitor to ports that
// implement TimeoutSerialPorter. It must be called before Monitor.
func (s *SerialMux[T]) SetReadTimeout(d time.Duration) {
	if d > 0 {
		s.readTimeout = d
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) subscribe(lossless bool) (string, chan string) {
	id := randomID()
	sub := &subscriber{
		ch:       make(chan string),
		lossless: lossless,
		gone:     make(chan struct{}),
	}
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.isClosing() {
		sub.close()
		return id, sub.ch
	}
	s.subscribers[id] = sub
	return id, sub.ch
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	return s.subscribe(false)
}

func (s *SerialMux[T]) SubscribeLossless() (string, chan string) {
	return s.subscribe(true)
}

// Unsubscribe removes a subscriber from the serial mux and closes its channel.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	sub, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.subscriberMu.Unlock()
	if ok {
		sub.close()
	}
}

func (s *SerialMux[T]) isClosing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// SendCommand sends a command to the serial port, appending the newline
// delimiter when it is missing.
func (s *SerialMux[T]) SendCommand(command string) error {
	if s.isClosing() {
		return ErrClosed
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, string(mscript.Delimiter)) {
		command += string(mscript.Delimiter)
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	monitoring.CommandsSent.Inc()
	return nil
}

// Monitor reads the serial port, assembles reply lines and sends them to
// subscribers until ctx is cancelled, the mux is closed or the port fails.
// Lines keep their trailing delimiter. Reads are bounded by the read timeout
// when the port supports one, so cancellation is never stuck behind a silent
// device.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	if tp, ok := any(s.port).(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(s.readTimeout); err != nil {
			return err
		}
	}

	lines := mscript.NewLineAssembler()
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			monitoring.BytesRead.Add(float64(n))
			for line := range lines.Feed(buf[:n]) {
				monitoring.LinesRead.Inc()
				s.publish(ctx, string(line))
			}
		}
		if err != nil {
			if s.isClosing() || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (s *SerialMux[T]) publish(ctx context.Context, line string) {
	s.subscriberMu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscriberMu.Unlock()

	for _, sub := range subs {
		if !sub.deliver(ctx, s.done, line) && !sub.lossless {
			monitoring.LinesDropped.Inc()
		}
	}
}

// Close closes all subscriber channels and the port. Closing twice is a no-op.
func (s *SerialMux[T]) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.subscriberMu.Lock()
		close(s.done)
		subs := s.subscribers
		s.subscribers = make(map[string]*subscriber)
		s.subscriberMu.Unlock()

		for _, sub := range subs {
			sub.close()
		}
		err = s.port.Close()
	})
	return err
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	AttachAdminRoutes(mux, func() SerialMuxInterface { return s })
}
