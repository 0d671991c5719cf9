package client

import (
	"math"
	"time"
)

// BackoffConfig configures reconnect delays
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
}

// DefaultBackoffConfig returns the default reconnect backoff
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Backoff computes exponentially growing reconnect delays
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a backoff, filling unset fields with defaults
func NewBackoff(config BackoffConfig) *Backoff {
	defaults := DefaultBackoffConfig()
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = defaults.Multiplier
	}
	return &Backoff{config: config}
}

// Delay returns the wait before reconnect attempt n, counting from 0
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.config.InitialDelay
	}

	// delay = initial * multiplier^attempt
	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Multiplier, float64(attempt))
	if delay > float64(b.config.MaxDelay) {
		return b.config.MaxDelay
	}
	return time.Duration(delay)
}
