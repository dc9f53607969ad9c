package serialmux

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/banshee-data/emstat/internal/monitoring"
	"github.com/banshee-data/emstat/internal/session"
)

// Conn runs Monitor on a mux and hands every reply line to one consumer. It
// implements session.Conn.
type Conn struct {
	mux    SerialMuxInterface
	id     string
	lines  chan string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

var _ session.Conn = (*Conn)(nil)

// NewConn subscribes losslessly to mux and starts its Monitor. The mux is
// owned by the Conn from then on and closed by Close.
func NewConn(mux SerialMuxInterface) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id, lines := mux.SubscribeLossless()
	c := &Conn{
		mux:    mux,
		id:     id,
		lines:  lines,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.monitor(ctx)
	return c
}

func (c *Conn) monitor(ctx context.Context) {
	defer close(c.done)
	err := c.mux.Monitor(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		monitoring.Logf("serialmux: monitor stopped: %v", err)
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
	}
	// Closing the subscription tells the consumer that reading stopped.
	c.mux.Unsubscribe(c.id)
}

func (c *Conn) SendCommand(cmd string) error { return c.mux.SendCommand(cmd) }

func (c *Conn) Lines() <-chan string { return c.lines }

// Err returns the error that stopped Monitor, or nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops Monitor and closes the mux and its port.
func (c *Conn) Close() error {
	c.cancel()
	err := c.mux.Close()
	<-c.done
	return err
}

// Dialer opens the configured port for each session connection and keeps
// track of the mux in use for the admin routes.
type Dialer struct {
	Path    string
	Options PortOptions
	// Open defaults to OpenPort.
	Open PortOpener

	mu      sync.Mutex
	current SerialMuxInterface
}

// Dial opens the port and returns a connection reading from it.
func (d *Dialer) Dial(ctx context.Context) (session.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts, err := d.Options.Normalize()
	if err != nil {
		return nil, err
	}
	open := d.Open
	if open == nil {
		open = OpenPort
	}
	port, err := open(d.Path, opts)
	if err != nil {
		return nil, err
	}

	mux := NewSerialMux(port)
	mux.SetReadTimeout(opts.ReadTimeout)
	monitoring.Logf("serialmux: opened %s (%s)", d.Path, opts)

	d.mu.Lock()
	d.current = mux
	d.mu.Unlock()
	return &trackedConn{Conn: NewConn(mux), d: d, mux: mux}, nil
}

// Current returns the mux of the open connection, or nil.
func (d *Dialer) Current() SerialMuxInterface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// AttachAdminRoutes registers the serial console for whichever connection
// is open.
func (d *Dialer) AttachAdminRoutes(mux *http.ServeMux) {
	AttachAdminRoutes(mux, d.Current)
}

// trackedConn forgets the dialer's current mux when closed.
type trackedConn struct {
	*Conn
	d   *Dialer
	mux SerialMuxInterface
}

func (t *trackedConn) Close() error {
	t.d.mu.Lock()
	if t.d.current == t.mux {
		t.d.current = nil
	}
	t.d.mu.Unlock()
	return t.Conn.Close()
}
