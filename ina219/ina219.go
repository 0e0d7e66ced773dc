/*
tc2-power-monitor - Monitors power draw through an INA219 sensor
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package ina219 reads bus voltage, current and power from an INA219.
package ina219

import (
	"errors"
	"fmt"
	"math"

	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/TheCacophonyProject/tc2-power-monitor/i2crequest"
)

const (
	DefaultAddress         = 0x40
	DefaultShuntOhms       = 0.1
	DefaultMaxExpectedAmps = 2.0

	regConfig      = 0x00
	regShunt       = 0x01
	regBusVoltage  = 0x02
	regPower       = 0x03
	regCurrent     = 0x04
	regCalibration = 0x05

	// 32V bus range, 320mV shunt range, 12 bit conversions, shunt and bus continuous.
	configValue = 0x399F

	busVoltageReady    = 1 << 1
	busVoltageOverflow = 1 << 0
	busVoltageLSBmV    = 4
	powerLSBPerCurrent = 20

	txTimeout = 1000
)

var log = logging.NewLogger("info")

// SetLogger makes the package log through l.
func SetLogger(l *logging.Logger) {
	log = l
}

var (
	errMathOverflow = errors.New("ina219 math overflow, current or power out of range")
	errBadConfig    = errors.New("invalid ina219 configuration")
)

// Measurement is one reading in the sensor's native fixed units.
type Measurement struct {
	BusMilliVolts    int32
	CurrentMicroAmps int32
	PowerMicroWatts  int32
}

// Source yields a measurement per poll. ok is false when the sensor has not
// completed a new conversion since the last call. An error is a failure for
// this poll only; the caller can keep polling.
type Source interface {
	Next() (m Measurement, ok bool, err error)
}

type Config struct {
	Address         byte
	ShuntOhms       float64
	MaxExpectedAmps float64
}

func DefaultConfig() Config {
	return Config{
		Address:         DefaultAddress,
		ShuntOhms:       DefaultShuntOhms,
		MaxExpectedAmps: DefaultMaxExpectedAmps,
	}
}

// Calibration returns the current LSB in µA per bit and the calibration
// register value. The LSB spreads the max expected current over the signed
// 15 bit current register and is rounded down to a whole µA.
func (c Config) Calibration() (currentLSBuA int32, calibration uint16, err error) {
	if c.ShuntOhms <= 0 || c.MaxExpectedAmps <= 0 {
		return 0, 0, fmt.Errorf("%w: shunt %.3fΩ, max current %.3fA", errBadConfig, c.ShuntOhms, c.MaxExpectedAmps)
	}
	lsb := int64(c.MaxExpectedAmps * 1_000_000 / 32768)
	if lsb <= 0 {
		return 0, 0, fmt.Errorf("%w: max current %.6fA is too small", errBadConfig, c.MaxExpectedAmps)
	}
	cal := 0.04096 / (float64(lsb) * 1e-6 * c.ShuntOhms)
	if cal < 1 || cal > 0xFFFE {
		return 0, 0, fmt.Errorf("%w: calibration value %.0f out of range", errBadConfig, cal)
	}
	return int32(lsb), uint16(cal), nil
}

// Sensor talks to the INA219 through the i2c dbus service.
type Sensor struct {
	address     byte
	currentLSB  int32
	calibration uint16
}

// New checks the sensor responds, then writes the configuration and calibration registers.
func New(conf Config) (*Sensor, error) {
	lsb, cal, err := conf.Calibration()
	if err != nil {
		return nil, err
	}
	log.Debugf("Current LSB %d µA/bit, calibration 0x%04X", lsb, cal)

	if err := i2crequest.CheckAddress(conf.Address, txTimeout); err != nil {
		return nil, fmt.Errorf("no INA219 found at 0x%02X: %w", conf.Address, err)
	}
	if err := i2crequest.WriteRegister16(conf.Address, regConfig, configValue, txTimeout); err != nil {
		return nil, fmt.Errorf("failed to write INA219 configuration: %w", err)
	}
	if err := i2crequest.WriteRegister16(conf.Address, regCalibration, cal, txTimeout); err != nil {
		return nil, fmt.Errorf("failed to write INA219 calibration: %w", err)
	}
	log.Infof("INA219 initialized at 0x%02X", conf.Address)

	return &Sensor{
		address:     conf.Address,
		currentLSB:  lsb,
		calibration: cal,
	}, nil
}

// Next reads the bus voltage register first to see if a new conversion is
// ready. The power register is read last as reading it clears the ready flag.
func (s *Sensor) Next() (Measurement, bool, error) {
	bus, err := i2crequest.ReadRegister16(s.address, regBusVoltage, txTimeout)
	if err != nil {
		return Measurement{}, false, err
	}
	if bus&busVoltageReady == 0 {
		return Measurement{}, false, nil
	}
	if bus&busVoltageOverflow != 0 {
		return Measurement{}, false, errMathOverflow
	}

	current, err := i2crequest.ReadRegister16(s.address, regCurrent, txTimeout)
	if err != nil {
		return Measurement{}, false, err
	}
	power, err := i2crequest.ReadRegister16(s.address, regPower, txTimeout)
	if err != nil {
		return Measurement{}, false, err
	}
	return decode(bus, current, power, s.currentLSB), true, nil
}

func decode(bus, current, power uint16, currentLSBuA int32) Measurement {
	return Measurement{
		BusMilliVolts:    int32(bus>>3) * busVoltageLSBmV,
		CurrentMicroAmps: clampInt32(int64(int16(current)) * int64(currentLSBuA)),
		PowerMicroWatts:  clampInt32(int64(power) * powerLSBPerCurrent * int64(currentLSBuA)),
	}
}

func clampInt32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// Recover rewrites the configuration and calibration registers if the
// calibration no longer matches, as happens when the INA219 browns out.
func (s *Sensor) Recover() error {
	cal, err := i2crequest.ReadRegister16(s.address, regCalibration, txTimeout)
	if err != nil {
		return err
	}
	if cal == s.calibration {
		return nil
	}
	log.Infof("INA219 calibration was 0x%04X, rewriting 0x%04X", cal, s.calibration)
	if err := i2crequest.WriteRegister16(s.address, regConfig, configValue, txTimeout); err != nil {
		return err
	}
	return i2crequest.WriteRegister16(s.address, regCalibration, s.calibration, txTimeout)
}
