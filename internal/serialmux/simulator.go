package serialmux

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/emstat/internal/mscript"
)

// SimulatedDevice stands in for an EmStat Pico on the far end of the serial
// line. It answers the version query and runs any script it is sent by
// replaying a cyclic voltammetry sweep, which lets the server and CLI run
// without hardware.
type SimulatedDevice struct {
	// Version is reported after the 't' marker. Defaults to "espico1.2".
	Version string
	// Points is the number of packages per script. Defaults to 50.
	Points int
	// Interval separates packages.
	Interval time.Duration

	mu          sync.Mutex
	in          *mscript.LineAssembler
	out         bytes.Buffer
	script      []string
	collecting  bool
	running     bool
	abort       chan struct{}
	closed      bool
	closedCh    chan struct{}
	notify      chan struct{}
	readTimeout time.Duration
}

// NewSimulatedDevice returns an idle simulated device.
func NewSimulatedDevice() *SimulatedDevice {
	return &SimulatedDevice{
		Version:  "espico1.2",
		Points:   50,
		in:       mscript.NewLineAssembler(),
		closedCh: make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// Open is a PortOpener that always returns the device.
func (d *SimulatedDevice) Open(string, PortOptions) (SerialPorter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		// Reopen after a previous session closed the port.
		d.closed = false
		d.closedCh = make(chan struct{})
		d.out.Reset()
		d.in.Reset()
		d.script, d.collecting = nil, false
	}
	return d, nil
}

func (d *SimulatedDevice) emit(lines ...string) {
	d.mu.Lock()
	for _, l := range lines {
		d.out.WriteString(l)
	}
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Write consumes commands and script lines.
func (d *SimulatedDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, errPortClosed
	}
	var lines []mscript.Line
	for l := range d.in.Feed(p) {
		lines = append(lines, l)
	}
	d.mu.Unlock()

	for _, l := range lines {
		d.command(string(l))
	}
	return len(p), nil
}

func (d *SimulatedDevice) command(line string) {
	d.mu.Lock()
	collecting := d.collecting
	d.mu.Unlock()

	if collecting {
		if line == mscript.CmdFlush {
			d.mu.Lock()
			d.collecting = false
			d.mu.Unlock()
			d.run()
			return
		}
		d.mu.Lock()
		d.script = append(d.script, line)
		d.mu.Unlock()
		return
	}

	switch {
	case line == mscript.CmdVersion:
		d.emit("t"+d.Version+"\n", "*\n")
	case line == mscript.CmdAbort:
		d.mu.Lock()
		if d.running {
			close(d.abort)
			d.running = false
		}
		d.mu.Unlock()
	case line == mscript.CmdFlush:
	case strings.TrimSpace(line) == "e":
		d.mu.Lock()
		d.collecting = true
		d.script = []string{line}
		d.mu.Unlock()
	default:
		// Unknown command.
		d.emit("!0004\n")
	}
}

func (d *SimulatedDevice) run() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.abort = make(chan struct{})
	abort, closed := d.abort, d.closedCh
	points, interval := d.Points, d.Interval
	d.mu.Unlock()

	go func() {
		d.emit("e\n", "M0000\n")
		for i := 0; i < points; i++ {
			if interval > 0 {
				select {
				case <-time.After(interval):
				case <-abort:
				case <-closed:
					return
				}
			}
			select {
			case <-abort:
				d.emit("Z\n")
				return
			case <-closed:
				return
			default:
			}
			d.emit(SweepPackage(i, points))
		}
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.emit("*\n", "\n")
	}()
}

// SweepPackage renders package i of a simulated cyclic voltammogram: the
// potential ramps from -0.5 V to 0.5 V and back while the current follows a
// sigmoidal wave with capacitive offset.
func SweepPackage(i, points int) string {
	half := max(points/2, 1)
	var e float64
	if i < half {
		e = -0.5 + float64(i)/float64(half)
	} else {
		e = 0.5 - float64(i-half)/float64(half)
	}
	current := 2e-6*math.Tanh((e-0.1)/0.05) + 2e-7*e
	if i >= half {
		current -= 4e-7
	}

	pot, _ := mscript.EncodeValue(e, 'u')
	cur, _ := mscript.EncodeValue(current, 'p')
	return fmt.Sprintf("Pda%s;ba%s,10,206\n", pot, cur)
}

// Read returns simulated reply bytes, waiting at most the read timeout.
func (d *SimulatedDevice) Read(p []byte) (int, error) {
	for {
		d.mu.Lock()
		if d.out.Len() > 0 {
			n, err := d.out.Read(p)
			d.mu.Unlock()
			return n, err
		}
		if d.closed {
			d.mu.Unlock()
			return 0, errPortClosed
		}
		timeout, closed := d.readTimeout, d.closedCh
		d.mu.Unlock()

		if timeout <= 0 {
			select {
			case <-d.notify:
			case <-closed:
			}
			continue
		}
		select {
		case <-d.notify:
		case <-closed:
		case <-time.After(timeout):
			return 0, nil
		}
	}
}

// SetReadTimeout implements TimeoutSerialPorter.
func (d *SimulatedDevice) SetReadTimeout(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readTimeout = timeout
	return nil
}

// Close stops a running script and unblocks readers.
func (d *SimulatedDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.closedCh)
		if d.running {
			close(d.abort)
			d.running = false
		}
	}
	return nil
}
