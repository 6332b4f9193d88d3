package reservation

import "time"

// Config bounds the optimistic retry loop and the duration of every
// operation.
type Config struct {
	MaxAttempts      int
	OperationTimeout time.Duration
	// Location renders marker titles; UTC when nil.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, OperationTimeout: 5 * time.Second, Location: time.UTC}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	return c
}
