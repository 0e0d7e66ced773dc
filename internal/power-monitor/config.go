package powermonitor

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"time"

	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/TheCacophonyProject/tc2-power-monitor/ina219"
	"github.com/TheCacophonyProject/tc2-power-monitor/powerstats"
	"github.com/TheCacophonyProject/tc2-power-monitor/termviz"
	"github.com/google/go-cmp/cmp"
	"github.com/rjeczalik/notify"
)

const configSection = "power-monitor"

type Config struct {
	PollInterval       time.Duration `mapstructure:"poll-interval"`
	CurrentCutoffMa    uint32        `mapstructure:"current-cutoff-ma"`
	GaugeWidth         int           `mapstructure:"gauge-width"`
	VoltageMax         float32       `mapstructure:"voltage-max"`
	CurrentMaxMa       float32       `mapstructure:"current-max-ma"` // 0 uses max-expected-amps
	PowerMaxMw         float32       `mapstructure:"power-max-mw"`   // 0 uses voltage-max * current max
	AAReferenceWh      float32       `mapstructure:"aa-reference-wh"`
	AAAReferenceWh     float32       `mapstructure:"aaa-reference-wh"`
	SummaryEvery       int           `mapstructure:"summary-every"`
	HoldOnMissedSample bool          `mapstructure:"hold-on-missed-sample"`
	ReportInterval     time.Duration `mapstructure:"report-interval"`
	CSVFile            string        `mapstructure:"csv-file"`
	CSVMaxLines        int           `mapstructure:"csv-max-lines"`
	I2CAddress         int           `mapstructure:"i2c-address"`
	ShuntOhms          float64       `mapstructure:"shunt-ohms"`
	MaxExpectedAmps    float64       `mapstructure:"max-expected-amps"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:       500 * time.Millisecond,
		CurrentCutoffMa:    1,
		GaugeWidth:         termviz.DefaultWidth,
		VoltageMax:         5.5,
		AAReferenceWh:      powerstats.DefaultAAReferenceWh,
		AAAReferenceWh:     powerstats.DefaultAAAReferenceWh,
		SummaryEvery:       4,
		HoldOnMissedSample: true,
		ReportInterval:     2 * time.Hour,
		CSVFile:            "/var/log/power-monitor.csv",
		CSVMaxLines:        2000,
		I2CAddress:         ina219.DefaultAddress,
		ShuntOhms:          ina219.DefaultShuntOhms,
		MaxExpectedAmps:    ina219.DefaultMaxExpectedAmps,
	}
}

// ParseConfig reads the power-monitor section of the config file in
// configDir. Settings missing from the file, or a missing file, keep their defaults.
func ParseConfig(configDir string) (*Config, error) {
	c := DefaultConfig()

	conf, err := goconfig.New(configDir)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debugf("No config file in %s, using defaults", configDir)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	} else if err := conf.Unmarshal(configSection, &c); err != nil {
		return nil, fmt.Errorf("failed to parse %s config: %w", configSection, err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("poll-interval must be positive, got %s", c.PollInterval)
	case c.GaugeWidth < 1:
		return fmt.Errorf("gauge-width must be at least 1, got %d", c.GaugeWidth)
	case c.SummaryEvery < 1:
		return fmt.Errorf("summary-every must be at least 1, got %d", c.SummaryEvery)
	case c.CSVMaxLines < 1:
		return fmt.Errorf("csv-max-lines must be at least 1, got %d", c.CSVMaxLines)
	case !(c.VoltageMax > 0) || isInf(c.VoltageMax):
		return fmt.Errorf("voltage-max must be a positive number, got %v", c.VoltageMax)
	case !(c.CurrentMaxMa >= 0) || isInf(c.CurrentMaxMa):
		return fmt.Errorf("current-max-ma must be 0 or a positive number, got %v", c.CurrentMaxMa)
	case !(c.PowerMaxMw >= 0) || isInf(c.PowerMaxMw):
		return fmt.Errorf("power-max-mw must be 0 or a positive number, got %v", c.PowerMaxMw)
	case c.I2CAddress < 0 || c.I2CAddress > 0x7F:
		return fmt.Errorf("i2c-address 0x%X is not a 7 bit address", c.I2CAddress)
	}
	_, _, err := c.sensorConfig().Calibration()
	return err
}

func isInf(f float32) bool {
	return math.IsInf(float64(f), 0)
}

func (c *Config) sensorConfig() ina219.Config {
	return ina219.Config{
		Address:         byte(c.I2CAddress),
		ShuntOhms:       c.ShuntOhms,
		MaxExpectedAmps: c.MaxExpectedAmps,
	}
}

func (c *Config) currentMax() float32 {
	if c.CurrentMaxMa > 0 {
		return c.CurrentMaxMa
	}
	return float32(c.MaxExpectedAmps * 1000)
}

func (c *Config) powerMax() float32 {
	if c.PowerMaxMw > 0 {
		return c.PowerMaxMw
	}
	return c.VoltageMax * c.currentMax()
}

// applyArgs lets command line flags override the config file.
func (c *Config) applyArgs(args Args) {
	if args.PollInterval > 0 {
		c.PollInterval = args.PollInterval
	}
	if args.SummaryEvery > 0 {
		c.SummaryEvery = args.SummaryEvery
	}
	if args.CSVFile != "" {
		c.CSVFile = args.CSVFile
	}
}

func configDir(args Args) string {
	if args.ConfigDir == "" {
		return goconfig.DefaultConfigDir
	}
	return args.ConfigDir
}

func loadConfig(args Args) (*Config, error) {
	conf, err := ParseConfig(configDir(args))
	if err != nil {
		return nil, err
	}
	conf.applyArgs(args)
	return conf, conf.validate()
}

// checkConfigChanges reloads the config each time the file is written. If
// anything changed the program exits so systemd restarts it with the new config.
func checkConfigChanges(conf *Config, args Args) error {
	configFilePath := filepath.Join(configDir(args), goconfig.ConfigFileName)
	fsEvents := make(chan notify.EventInfo, 1)
	if err := notify.Watch(configFilePath, fsEvents, notify.InCloseWrite, notify.InMovedTo); err != nil {
		return err
	}
	defer notify.Stop(fsEvents)

	for {
		<-fsEvents
		newConfig, err := loadConfig(args)
		if err != nil {
			log.Error("error reloading config:", err)
			continue
		}
		diff := cmp.Diff(conf, newConfig)
		log.Debug("Config diff:", diff)
		if diff != "" {
			log.Info("Config changed. Exiting to allow systemctl to restart service.")
			exitFn(0)
		} else {
			log.Info("No relevant changes detected in config file.")
		}
	}
}
