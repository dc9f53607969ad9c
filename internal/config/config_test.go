package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/emstat/internal/serialmux"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := Empty()

	if cfg.GetPort() != "" {
		t.Errorf("GetPort() = %q, want empty", cfg.GetPort())
	}
	if cfg.GetReadTimeout() != 16*time.Millisecond {
		t.Errorf("GetReadTimeout() = %v", cfg.GetReadTimeout())
	}
	if cfg.GetHandshakeDelay() != 200*time.Millisecond {
		t.Errorf("GetHandshakeDelay() = %v", cfg.GetHandshakeDelay())
	}
	if cfg.GetVerifyTimeout() != 4*time.Second {
		t.Errorf("GetVerifyTimeout() = %v", cfg.GetVerifyTimeout())
	}
	if sigs := cfg.GetDeviceSignatures(); len(sigs) != 1 || sigs[0] != "espico" {
		t.Errorf("GetDeviceSignatures() = %v", sigs)
	}
	if cfg.GetContinueAfterLoopEnd() {
		t.Error("GetContinueAfterLoopEnd() = true, want false")
	}
	if cfg.GetEventBuffer() != 256 {
		t.Errorf("GetEventBuffer() = %d", cfg.GetEventBuffer())
	}
	if cfg.GetDBPath() != "emstat.db" || cfg.GetListen() != ":8080" || cfg.GetLogLevel() != "" {
		t.Errorf("server defaults = %q %q %q", cfg.GetDBPath(), cfg.GetListen(), cfg.GetLogLevel())
	}

	opts, err := cfg.SerialOptions().Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if !opts.Equal(serialmux.PortOptions{}) {
		t.Errorf("SerialOptions() = %+v, want defaults", opts)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "emstat.json", `{
  "port": "/dev/ttyUSB1",
  "baud_rate": 115200,
  "parity": "even",
  "read_timeout": "50ms",
  "handshake_delay": "1s",
  "verify_timeout": "10s",
  "device_signatures": ["espico", "esprime"],
  "continue_after_loop_end": true,
  "event_buffer": 16
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.GetPort() != "/dev/ttyUSB1" {
		t.Errorf("GetPort() = %q", cfg.GetPort())
	}

	opts := cfg.SerialOptions()
	if opts.BaudRate != 115200 || opts.Parity != "even" || opts.ReadTimeout != 50*time.Millisecond {
		t.Errorf("SerialOptions() = %+v", opts)
	}

	sess := cfg.SessionOptions()
	if sess.HandshakeDelay != time.Second || sess.VerifyTimeout != 10*time.Second {
		t.Errorf("session timing = %v, %v", sess.HandshakeDelay, sess.VerifyTimeout)
	}
	if len(sess.Signatures) != 2 || !sess.ContinueAfterLoopEnd || sess.EventBuffer != 16 {
		t.Errorf("SessionOptions() = %+v", sess)
	}
	if sess.Clock != nil {
		t.Error("SessionOptions() should leave the clock unset")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "emstat.yaml", `
port: /dev/rfcomm0
stop_bits: 2
device_signatures:
  - espico
db_path: /var/lib/emstat/runs.db
listen: 127.0.0.1:9090
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.GetPort() != "/dev/rfcomm0" || cfg.SerialOptions().StopBits != 2 {
		t.Errorf("serial settings = %q %+v", cfg.GetPort(), cfg.SerialOptions())
	}
	if cfg.GetDBPath() != "/var/lib/emstat/runs.db" || cfg.GetListen() != "127.0.0.1:9090" || cfg.GetLogLevel() != "debug" {
		t.Errorf("server settings = %q %q %q", cfg.GetDBPath(), cfg.GetListen(), cfg.GetLogLevel())
	}
	// Unset keys keep their defaults.
	if cfg.GetVerifyTimeout() != 4*time.Second {
		t.Errorf("GetVerifyTimeout() = %v", cfg.GetVerifyTimeout())
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"wrong extension", "emstat.toml", `port = "x"`},
		{"bad json", "emstat.json", `{"port": `},
		{"bad yaml", "emstat.yml", "port: [unterminated"},
		{"bad duration", "emstat.json", `{"verify_timeout": "soon"}`},
		{"negative duration", "emstat.json", `{"handshake_delay": "-1s"}`},
		{"bad data bits", "emstat.json", `{"data_bits": 9}`},
		{"bad parity", "emstat.json", `{"parity": "mark"}`},
		{"negative buffer", "emstat.json", `{"event_buffer": -1}`},
		{"empty signature", "emstat.json", `{"device_signatures": ["espico", " "]}`},
		{"bad log level", "emstat.json", `{"log_level": "loud"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.content)
			if _, err := Load(path); err == nil {
				t.Errorf("Load(%s) expected error", tt.content)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	if err := os.WriteFile(path, make([]byte, maxFileSize+1), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for oversized file")
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.GetPort() != "/dev/ttyACM0" {
		t.Errorf("GetPort() = %q", cfg.GetPort())
	}
	opts, err := cfg.SerialOptions().Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if opts.String() != "230400 8N1" {
		t.Errorf("serial options = %s", opts)
	}
	if cfg.GetEventBuffer() != 256 || cfg.GetVerifyTimeout() != 4*time.Second {
		t.Errorf("session defaults differ from the built-in ones")
	}
}
