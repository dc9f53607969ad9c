package serialmux

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/emstat/internal/session"
)

func TestConn_LinesAndCommands(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	conn := NewConn(NewSerialMux(port))
	defer conn.Close()

	if err := conn.SendCommand("t"); err != nil {
		t.Fatal(err)
	}
	if got := string(port.GetWrittenData()); got != "t\n" {
		t.Errorf("written = %q", got)
	}

	port.AddReadData([]byte("tespico1.2\n*\n"))
	if got := recvLine(t, conn.Lines()); got != "tespico1.2\n" {
		t.Errorf("line = %q", got)
	}
	if got := recvLine(t, conn.Lines()); got != "*\n" {
		t.Errorf("line = %q", got)
	}
}

func TestConn_ReadErrorClosesLines(t *testing.T) {
	port := NewTestableSerialPort()
	readErr := errors.New("device removed")
	port.ReadError = readErr
	conn := NewConn(NewSerialMux(port))
	defer conn.Close()

	select {
	case _, ok := <-conn.Lines():
		if ok {
			t.Fatal("expected Lines to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Lines not closed after read error")
	}
	if !errors.Is(conn.Err(), readErr) {
		t.Errorf("Err() = %v, want %v", conn.Err(), readErr)
	}
}

func TestConn_Close(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	conn := NewConn(NewSerialMux(port))

	if err := conn.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if !port.IsClosed() {
		t.Error("expected port closed")
	}
	if _, ok := <-conn.Lines(); ok {
		t.Error("expected Lines closed")
	}
	if conn.Err() != nil {
		t.Errorf("Err() after Close = %v, want nil", conn.Err())
	}
}

func TestDialer_Dial(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	opener := NewMockPortOpener(port)
	d := &Dialer{Path: "/dev/ttyACM0", Open: opener.Open}

	if d.Current() != nil {
		t.Fatal("expected no current mux before Dial")
	}
	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	call := opener.LastCall()
	if call == nil || call.Path != "/dev/ttyACM0" || call.Options.BaudRate != DefaultBaudRate {
		t.Errorf("Open call = %+v", call)
	}
	if d.Current() == nil {
		t.Error("expected current mux after Dial")
	}

	conn.Close()
	if d.Current() != nil {
		t.Error("expected current mux cleared after Close")
	}
}

func TestDialer_Errors(t *testing.T) {
	opener := NewMockPortOpener(nil)
	opener.Error = errors.New("permission denied")
	d := &Dialer{Path: "/dev/ttyACM0", Open: opener.Open}
	if _, err := d.Dial(context.Background()); err == nil {
		t.Error("expected open error")
	}

	d = &Dialer{Path: "/dev/ttyACM0", Options: PortOptions{DataBits: 3}, Open: opener.Open}
	if _, err := d.Dial(context.Background()); err == nil {
		t.Error("expected options error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Dial(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Dial with cancelled context = %v", err)
	}
}

// TestSession_SimulatedDevice runs a full connect, measure and disconnect
// cycle over the serial mux against the simulated potentiostat.
func TestSession_SimulatedDevice(t *testing.T) {
	dev := NewSimulatedDevice()
	dev.Points = 20
	d := &Dialer{Path: "sim", Options: PortOptions{ReadTimeout: 5 * time.Millisecond}, Open: dev.Open}

	s := session.New(d.Dial, session.Options{HandshakeDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor := func(match func(session.Event) bool) {
		t.Helper()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case ev := <-s.Events():
				if match(ev) {
					return
				}
			case <-timeout:
				t.Fatal("timed out waiting for event")
			}
		}
	}

	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(func(ev session.Event) bool {
		_, ok := ev.(session.DeviceVerified)
		return ok
	})
	if s.Device() != "espico1.2" {
		t.Errorf("Device() = %q", s.Device())
	}

	script := "e\nvar c\nvar p\nset_pgstat_mode 2\nmeas_loop_cv p c -500m -500m 500m 10m 1\n  pck_start\n  pck_add p\n  pck_add c\n  pck_end\nendloop\n\n"
	if err := s.SendScript(ctx, strings.NewReader(script)); err != nil {
		t.Fatal(err)
	}
	waitFor(func(ev session.Event) bool {
		_, ok := ev.(session.MeasurementEnded)
		return ok
	})

	if got := s.Points(); got != 20 {
		t.Errorf("Points() = %d, want 20", got)
	}
	if got := len(s.Voltages()); got != 20 {
		t.Errorf("len(Voltages()) = %d, want 20", got)
	}
	waitFor(func(ev session.Event) bool {
		sc, ok := ev.(session.StateChanged)
		return ok && sc.To == session.StateIdleConnected
	})

	if err := s.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if s.State() != session.StateIdle {
		t.Errorf("State() = %v, want idle", s.State())
	}
	if d.Current() != nil {
		t.Error("expected dialer to forget the closed connection")
	}
}
