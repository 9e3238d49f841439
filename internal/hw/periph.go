package hw

import (
	"fmt"
	"io"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/mcp23xxx"
	"periph.io/x/host/v3"

	"github.com/lumasync/lumasync/internal/config"
)

// gpioPin adapts a periph pin to the driver's Pin interface.
type gpioPin struct {
	pin gpio.PinIO
}

func (p gpioPin) Set(on bool) error {
	return p.pin.Out(gpio.Level(on))
}

// expanderDev is one opened MCP23017 with its flat pin table.
type expanderDev struct {
	cfg  config.Expander
	pins []gpio.PinIO
}

// resolvePins maps every configured channel to a concrete pin: host GPIO by
// BCM number, or an expander sub-pin addressed as pin_base + offset. The
// table is built once at startup; routing never changes at runtime.
func resolvePins(cfg config.Hardware) ([]Pin, []io.Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("init gpio host: %w", err)
	}

	var closers []io.Closer
	expanders := make(map[string]*expanderDev)
	fail := func(err error) ([]Pin, []io.Closer, error) {
		for _, c := range closers {
			c.Close()
		}
		return nil, nil, err
	}

	for _, ex := range cfg.Expanders {
		bus, err := i2creg.Open(ex.Bus)
		if err != nil {
			return fail(fmt.Errorf("expander %s: open i2c bus %q: %w", ex.Name, ex.Bus, err))
		}
		closers = append(closers, bus)

		dev, err := mcp23xxx.NewI2C(bus, mcp23xxx.MCP23017, uint16(ex.Address))
		if err != nil {
			return fail(fmt.Errorf("expander %s at %#x: %w", ex.Name, ex.Address, err))
		}
		flat := make([]gpio.PinIO, 0, ex.Pins)
		for _, port := range dev.Pins {
			for _, p := range port {
				flat = append(flat, p)
			}
		}
		if len(flat) < ex.Pins {
			return fail(fmt.Errorf("expander %s exposes %d pins, config claims %d", ex.Name, len(flat), ex.Pins))
		}
		expanders[ex.Name] = &expanderDev{cfg: ex, pins: flat}
	}

	pins := make([]Pin, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		switch ch.Mode {
		case config.ModeExpander:
			dev, ok := expanders[ch.Expander]
			if !ok {
				return fail(fmt.Errorf("channel %d references unknown expander %q", i, ch.Expander))
			}
			sub := ch.Pin - dev.cfg.PinBase
			if sub < 0 || sub >= dev.cfg.Pins {
				return fail(fmt.Errorf("channel %d pin %d outside expander %s range [%d, %d)",
					i, ch.Pin, dev.cfg.Name, dev.cfg.PinBase, dev.cfg.PinBase+dev.cfg.Pins))
			}
			pins[i] = gpioPin{pin: dev.pins[sub]}
		default:
			p := gpioreg.ByName(fmt.Sprintf("GPIO%d", ch.Pin))
			if p == nil {
				return fail(fmt.Errorf("channel %d: no GPIO%d on this host", i, ch.Pin))
			}
			pins[i] = gpioPin{pin: p}
		}
	}
	return pins, closers, nil
}
