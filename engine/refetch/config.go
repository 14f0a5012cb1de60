package refetch

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by New for unusable intervals.
var ErrInvalidConfig = errors.New("refetch: invalid config")

// Config controls refetch cadence per state.
type Config struct {
	// ActiveInterval applies while the dashboard is visible and in use.
	ActiveInterval time.Duration
	// BackgroundInterval applies while visible but untouched for
	// InactivityThreshold.
	BackgroundInterval time.Duration
	// IdleInterval applies while hidden. Zero disables hidden refetching.
	IdleInterval        time.Duration
	InactivityThreshold time.Duration
	// CheckInterval is how often interaction recency is evaluated.
	CheckInterval time.Duration

	DisableRefetchOnHidden bool
	PauseWhenOffline       bool
	RefetchOnReconnect     bool
}

// DefaultConfig returns the stock cadence.
func DefaultConfig() Config {
	return Config{
		ActiveInterval:      10 * time.Second,
		BackgroundInterval:  30 * time.Second,
		IdleInterval:        60 * time.Second,
		InactivityThreshold: 60 * time.Second,
		CheckInterval:       5 * time.Second,
		PauseWhenOffline:    true,
		RefetchOnReconnect:  true,
	}
}

// Validate rejects negative durations and zero values for the settings
// that must always be armed.
func (c Config) Validate() error {
	fields := []struct {
		name   string
		v      time.Duration
		zeroOK bool
	}{
		{"active_interval", c.ActiveInterval, false},
		{"background_interval", c.BackgroundInterval, false},
		{"idle_interval", c.IdleInterval, true},
		{"inactivity_threshold", c.InactivityThreshold, false},
		{"check_interval", c.CheckInterval, false},
	}
	for _, f := range fields {
		if f.v < 0 {
			return fmt.Errorf("%w: %s is negative (%s)", ErrInvalidConfig, f.name, f.v)
		}
		if f.v == 0 && !f.zeroOK {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, f.name)
		}
	}
	return nil
}
