package ina219

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	periphina219 "periph.io/x/devices/v3/ina219"
	"periph.io/x/host/v3"
)

// DirectSensor reads the INA219 by opening the I2C bus itself, for when the
// i2c dbus service is not running. The periph driver has no conversion ready
// flag so every poll reports a new measurement.
type DirectSensor struct {
	bus i2c.BusCloser
	dev *periphina219.Dev
}

// OpenDirect opens the named I2C bus ("" for the first one) and configures the INA219 on it.
func OpenDirect(busName string, conf Config) (*DirectSensor, error) {
	if _, _, err := conf.Calibration(); err != nil {
		return nil, err
	}
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, err
	}

	opts := periphina219.Opts{
		Address:       int(conf.Address),
		SenseResistor: physic.ElectricResistance(conf.ShuntOhms * float64(physic.Ohm)),
		MaxCurrent:    physic.ElectricCurrent(conf.MaxExpectedAmps * float64(physic.Ampere)),
	}
	dev, err := periphina219.New(bus, &opts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to initialize INA219 at 0x%02X: %w", conf.Address, err)
	}
	log.Infof("INA219 opened directly on I2C bus %s at 0x%02X", bus, conf.Address)
	return &DirectSensor{bus: bus, dev: dev}, nil
}

func (d *DirectSensor) Next() (Measurement, bool, error) {
	p, err := d.dev.Sense()
	if err != nil {
		return Measurement{}, false, err
	}
	return fromPowerMonitor(p), true, nil
}

func (d *DirectSensor) Close() error {
	return d.bus.Close()
}

func fromPowerMonitor(p periphina219.PowerMonitor) Measurement {
	return Measurement{
		BusMilliVolts:    clampInt32(int64(p.Voltage / physic.MilliVolt)),
		CurrentMicroAmps: clampInt32(int64(p.Current / physic.MicroAmpere)),
		PowerMicroWatts:  clampInt32(int64(p.Power / physic.MicroWatt)),
	}
}
