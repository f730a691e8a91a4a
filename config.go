package vrr

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jetkvm/vrr/internal/panel"
	"github.com/jetkvm/vrr/internal/vrr"
	"github.com/spf13/viper"
)

const (
	DefaultListenAddress            = ":9464"
	DefaultStatisticsExportInterval = 10 * time.Second
)

var ErrConfig = errors.New("invalid configuration")

type Config struct {
	LogLevel                 string          `mapstructure:"log_level"`
	Listen                   string          `mapstructure:"listen"`
	StatisticsExportInterval time.Duration   `mapstructure:"statistics_export_interval"`
	Displays                 []DisplayConfig `mapstructure:"displays"`
}

type DisplayConfig struct {
	Name                  string                `mapstructure:"name"`
	Index                 int                   `mapstructure:"index"`
	PanelNodePath         string                `mapstructure:"panel_node_path"`
	WriteTimeout          time.Duration         `mapstructure:"write_timeout"`
	WakeupInterval        time.Duration         `mapstructure:"wakeup_interval"`
	MaxFrameRate          int                   `mapstructure:"max_frame_rate"`
	MaxTeFrequency        int                   `mapstructure:"max_te_frequency"`
	PresentHistorySize    int                   `mapstructure:"present_history_size"`
	RefreshRateCalculator CalculatorConfig      `mapstructure:"refresh_rate_calculator"`
	Configurations        []ConfigurationConfig `mapstructure:"configurations"`
}

type CalculatorConfig struct {
	Type                 string        `mapstructure:"type"`
	MeasurePeriod        time.Duration `mapstructure:"measure_period"`
	ConfidencePercentage int           `mapstructure:"confidence_percentage"`
	AlwaysCallback       bool          `mapstructure:"always_callback"`
}

// ConfigurationConfig is one entry of a display's VRR configuration table.
type ConfigurationConfig struct {
	ID               int32         `mapstructure:"id"`
	MinFrameInterval time.Duration `mapstructure:"min_frame_interval"`
	RenderingTimeout time.Duration `mapstructure:"rendering_timeout"`
	TeFrequency      int           `mapstructure:"te_frequency"`
}

// DefaultConfig returns a configuration with no displays.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:                 "info",
		Listen:                   DefaultListenAddress,
		StatisticsExportInterval: DefaultStatisticsExportInterval,
	}
}

// LoadConfig reads a YAML config file and validates it.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return parseConfig(v)
}

func parseConfig(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid config format: %w", err)
	}
	cfg.applyDisplayDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("listen", DefaultListenAddress)
	v.SetDefault("statistics_export_interval", DefaultStatisticsExportInterval.String())
}

// applyDisplayDefaults fills per-display fields that viper cannot default inside a list.
func (c *Config) applyDisplayDefaults() {
	calc := vrr.DefaultPeriodCalculatorParams()
	for i := range c.Displays {
		d := &c.Displays[i]
		if d.WriteTimeout == 0 {
			d.WriteTimeout = panel.DefaultWriteTimeout
		}
		if d.WakeupInterval == 0 {
			d.WakeupInterval = vrr.DefaultWakeupInterval
		}
		if d.PresentHistorySize == 0 {
			d.PresentHistorySize = vrr.DefaultPresentHistorySize
		}
		if d.RefreshRateCalculator.MeasurePeriod == 0 {
			d.RefreshRateCalculator.MeasurePeriod = calc.MeasurePeriod
		}
		if d.RefreshRateCalculator.ConfidencePercentage == 0 {
			d.RefreshRateCalculator.ConfidencePercentage = calc.ConfidencePercentage
		}
	}
}

// Validate reports every problem in the configuration as one joined error.
func (c *Config) Validate() error {
	var errs []error
	if c.StatisticsExportInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: statistics_export_interval must be positive", ErrConfig))
	}

	names := make(map[string]bool, len(c.Displays))
	for i, d := range c.Displays {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("%w: display %d has no name", ErrConfig, i))
		} else if names[d.Name] {
			errs = append(errs, fmt.Errorf("%w: duplicate display name %q", ErrConfig, d.Name))
		}
		names[d.Name] = true
		errs = append(errs, d.validate()...)
	}
	return errors.Join(errs...)
}

func (d DisplayConfig) validate() []error {
	var errs []error
	if d.Index < 0 {
		errs = append(errs, fmt.Errorf("%w: display %q: index must not be negative", ErrConfig, d.Name))
	}
	if d.WriteTimeout < 0 || d.WakeupInterval < 0 {
		errs = append(errs, fmt.Errorf("%w: display %q: timeouts must be positive", ErrConfig, d.Name))
	}
	if d.MaxFrameRate < 0 || d.MaxTeFrequency < 0 || d.PresentHistorySize < 0 {
		errs = append(errs, fmt.Errorf("%w: display %q: limits must not be negative", ErrConfig, d.Name))
	}
	if _, err := vrr.ParseCalculatorType(d.RefreshRateCalculator.Type); err != nil {
		errs = append(errs, fmt.Errorf("%w: display %q: %w", ErrConfig, d.Name, err))
	}

	ids := make(map[int32]bool, len(d.Configurations))
	for _, c := range d.Configurations {
		if ids[c.ID] {
			errs = append(errs, fmt.Errorf("%w: display %q: duplicate configuration id %d", ErrConfig, d.Name, c.ID))
		}
		ids[c.ID] = true
		if c.MinFrameInterval <= 0 || c.RenderingTimeout <= 0 {
			errs = append(errs, fmt.Errorf("%w: display %q: configuration %d: intervals must be positive", ErrConfig, d.Name, c.ID))
		}
		if c.TeFrequency < 0 {
			errs = append(errs, fmt.Errorf("%w: display %q: configuration %d: te_frequency must not be negative", ErrConfig, d.Name, c.ID))
		}
	}
	return errs
}

// ConfigurationTable converts the configured entries into the controller's table.
func (d DisplayConfig) ConfigurationTable() map[vrr.ConfigID]vrr.VrrConfig {
	table := make(map[vrr.ConfigID]vrr.VrrConfig, len(d.Configurations))
	for _, c := range d.Configurations {
		table[vrr.ConfigID(c.ID)] = vrr.VrrConfig{
			MinFrameIntervalNs: c.MinFrameInterval.Nanoseconds(),
			RenderingTimeoutNs: c.RenderingTimeout.Nanoseconds(),
			TeFrequency:        c.TeFrequency,
		}
	}
	return table
}

// CalculatorParams converts the calculator settings. The type has already been validated.
func (d DisplayConfig) CalculatorParams() vrr.PeriodCalculatorParams {
	t, _ := vrr.ParseCalculatorType(d.RefreshRateCalculator.Type)
	return vrr.PeriodCalculatorParams{
		Type:                 t,
		MeasurePeriod:        d.RefreshRateCalculator.MeasurePeriod,
		ConfidencePercentage: d.RefreshRateCalculator.ConfidencePercentage,
		AlwaysCallback:       d.RefreshRateCalculator.AlwaysCallback,
	}
}
