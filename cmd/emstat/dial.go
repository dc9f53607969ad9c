package main

import (
	"github.com/banshee-data/emstat/internal/config"
	"github.com/banshee-data/emstat/internal/monitoring"
	"github.com/banshee-data/emstat/internal/serialmux"
	"github.com/banshee-data/emstat/internal/session"
)

// simulatorPort is the port name reported for the simulated device.
const simulatorPort = "simulator"

// newDialer returns a dialer for the configured port, or for a simulated
// device when simulate is set. Port options are normalized here so a bad
// setting fails at startup.
func newDialer(c *config.Config, simulate bool) (*serialmux.Dialer, error) {
	opts, err := c.SerialOptions().Normalize()
	if err != nil {
		return nil, err
	}
	d := &serialmux.Dialer{Path: c.GetPort(), Options: opts}
	if simulate {
		sim := serialmux.NewSimulatedDevice()
		sim.Interval = simulatorInterval
		d.Path, d.Open = simulatorPort, sim.Open
		return d, nil
	}
	if d.Path == "" {
		return nil, errNoPort
	}
	return d, nil
}

// logEvent writes session events to the log. Readings go to debug level.
func logEvent(ev session.Event) {
	switch ev := ev.(type) {
	case session.ReadingAdded:
		monitoring.Debugf("session: %s", describeEvent(ev))
	default:
		monitoring.Logf("session: %s", describeEvent(ev))
	}
}
