package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

var ErrInvalidOptions = errors.New("invalid options")

// Options are daemon runtime knobs read from TABKEEPER_* environment variables.
// The defaults are the policy timings users expect; tests shorten them.
type Options struct {
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	CloseAllDelay     time.Duration `envconfig:"CLOSE_ALL_DELAY" default:"2m"`
	UnusedTabDelay    time.Duration `envconfig:"UNUSED_TAB_DELAY" default:"2m"`
	AutoCloseInterval time.Duration `envconfig:"AUTO_CLOSE_INTERVAL" default:"2m"`
	MarkInterval      time.Duration `envconfig:"MARK_INTERVAL" default:"1m"`

	// Browser host
	BrowserUserDataDir string `envconfig:"BROWSER_USER_DATA_DIR"`
	BrowserHeadless    bool   `envconfig:"BROWSER_HEADLESS" default:"false"`
}

// DefaultOptions matches the envconfig defaults.
func DefaultOptions() Options {
	return Options{
		LogLevel:          "info",
		CloseAllDelay:     2 * time.Minute,
		UnusedTabDelay:    2 * time.Minute,
		AutoCloseInterval: 2 * time.Minute,
		MarkInterval:      time.Minute,
	}
}

// LoadOptions reads options from the environment.
func LoadOptions() (*Options, error) {
	var opts Options
	if err := envconfig.Process("tabkeeper", &opts); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

func (o Options) Validate() error {
	for name, d := range map[string]time.Duration{
		"CLOSE_ALL_DELAY":     o.CloseAllDelay,
		"UNUSED_TAB_DELAY":    o.UnusedTabDelay,
		"AUTO_CLOSE_INTERVAL": o.AutoCloseInterval,
		"MARK_INTERVAL":       o.MarkInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: TABKEEPER_%s must be positive, got %s", ErrInvalidOptions, name, d)
		}
	}
	return nil
}
