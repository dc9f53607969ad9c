package serialmux

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with a read timeout. Monitor uses
// it so that a read returns periodically and cancellation is observed even
// when the device is silent. go.bug.st/serial ports implement it.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// PortOpener opens the device at path. It allows tests and the simulator to
// replace the real serial port.
type PortOpener func(path string, opts PortOptions) (SerialPorter, error)
