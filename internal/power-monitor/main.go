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

package powermonitor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/TheCacophonyProject/tc2-power-monitor/ina219"
	"github.com/alexflint/go-arg"
)

const (
	maxReadAttempts   = 5
	readRetryInterval = 100 * time.Millisecond
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")

	sleepFn = time.Sleep
	nowFn   = time.Now
	exitFn  = os.Exit
)

type Args struct {
	Read         *subcommand   `arg:"subcommand:read" help:"Take a single reading, log it and exit."`
	Direct       bool          `arg:"--direct" help:"Open the I2C bus directly instead of going through the i2c dbus service."`
	I2CBus       string        `arg:"--i2c-bus" help:"I2C bus to open when using --direct, defaults to the first bus."`
	PollInterval time.Duration `arg:"--poll-interval" help:"Time between sensor polls, overrides the config file."`
	SummaryEvery int           `arg:"--summary-every" help:"Log a summary every N accepted samples, overrides the config file."`
	CSVFile      string        `arg:"--csv-file" help:"File that summaries are appended to, overrides the config file."`
	NoService    bool          `arg:"--no-service" help:"Don't start the dbus service."`
	goconfig.ConfigArgs
	logging.LogArgs
}

type subcommand struct {
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}

	log = logging.NewLogger(args.LogLevel)
	ina219.SetLogger(log)

	log.Infof("Running version: %s", version)

	conf, err := loadConfig(args)
	if err != nil {
		return err
	}
	log.Debugf("Config: %+v", conf)

	source, err := openSource(args, conf)
	if err != nil {
		return err
	}

	if args.Read != nil {
		return readOnce(source, conf)
	}

	go func() {
		if err := checkConfigChanges(conf, args); err != nil {
			log.Error("Not watching config for changes: ", err)
		}
	}()

	if conf.CSVFile != "" {
		if err := keepLastLines(conf.CSVFile, conf.CSVMaxLines); err != nil {
			return err
		}
	}

	monitor := NewMonitor(conf, source)

	if !args.NoService {
		log.Debug("Starting power monitor DBus service.")
		if err := startService(monitor); err != nil {
			return err
		}
	}

	log.Info("Starting measurement loop")
	monitor.Run()
	return nil
}

func openSource(args Args, conf *Config) (ina219.Source, error) {
	if args.Direct {
		return ina219.OpenDirect(args.I2CBus, conf.sensorConfig())
	}
	var err error
	for range maxReadAttempts {
		var s *ina219.Sensor
		s, err = ina219.New(conf.sensorConfig())
		if err == nil {
			return s, nil
		}
		log.Debug("Error initializing INA219: ", err)
		sleepFn(time.Second)
	}
	log.Error("INA219 initialization failed, check the I2C wiring and address")
	return nil, err
}

// readOnce waits for one new measurement and logs it, then releases the source.
func readOnce(source ina219.Source, conf *Config) error {
	defer closeSource(source)
	for range maxReadAttempts {
		m, ok, err := source.Next()
		if err != nil {
			return err
		}
		if ok {
			monitor := NewMonitor(conf, source)
			for _, line := range monitor.gaugeLines(toSample(m)) {
				log.Info(line)
			}
			return nil
		}
		sleepFn(readRetryInterval)
	}
	return fmt.Errorf("no new measurement after %d attempts", maxReadAttempts)
}

func closeSource(source ina219.Source) {
	c, ok := source.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Error("Failed to close INA219 source: ", err)
	}
}
