package executor

import (
	"time"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
	"github.com/cuongbtq/async-executor/internal/executor/retry"
)

// Config holds executor configuration
type Config struct {
	// Activate starts acquisition when Start is called. An inactive
	// executor still answers Stats.
	Activate bool

	// LockOwner identifies this process in job leases. Empty means a
	// generated hostname-based id.
	LockOwner string

	AcquireInterval       time.Duration
	MaxJobsPerAcquisition int

	PoolSize  int
	QueueSize int
	// LowWaterMark is the queue depth above which an acquisition tick is skipped.
	LowWaterMark int

	LeaseDuration time.Duration
	JobTimeout    time.Duration

	MaxRetries        int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffMultiplier float64
	JitterFraction    float64

	ShutdownTimeout time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		Activate:              true,
		AcquireInterval:       5 * time.Second,
		MaxJobsPerAcquisition: 20,
		PoolSize:              4,
		QueueSize:             32,
		LowWaterMark:          8,
		LeaseDuration:         5 * time.Minute,
		JobTimeout:            time.Minute,
		MaxRetries:            3,
		BackoffBase:           10 * time.Second,
		BackoffCap:            time.Hour,
		BackoffMultiplier:     2,
		JitterFraction:        0.2,
		ShutdownTimeout:       30 * time.Second,
	}
}

// Validate checks the configuration and returns a *domain.ConfigurationError
// naming the first offending field.
func (c Config) Validate() error {
	switch {
	case c.AcquireInterval <= 0:
		return domain.NewConfigurationError("AcquireInterval", "must be positive")
	case c.MaxJobsPerAcquisition <= 0:
		return domain.NewConfigurationError("MaxJobsPerAcquisition", "must be positive")
	case c.PoolSize <= 0:
		return domain.NewConfigurationError("PoolSize", "must be positive")
	case c.QueueSize <= 0:
		return domain.NewConfigurationError("QueueSize", "must be positive")
	case c.LowWaterMark < 0 || c.LowWaterMark >= c.QueueSize:
		return domain.NewConfigurationError("LowWaterMark", "must be in [0, QueueSize)")
	case c.LeaseDuration <= 0:
		return domain.NewConfigurationError("LeaseDuration", "must be positive")
	case c.JobTimeout < 0:
		return domain.NewConfigurationError("JobTimeout", "must not be negative")
	case c.JobTimeout > 0 && c.JobTimeout >= c.LeaseDuration:
		return domain.NewConfigurationError("JobTimeout", "must be shorter than LeaseDuration")
	case c.MaxRetries <= 0:
		return domain.NewConfigurationError("MaxRetries", "must be positive")
	case c.BackoffBase < 0:
		return domain.NewConfigurationError("BackoffBase", "must not be negative")
	case c.BackoffCap < 0 || (c.BackoffCap > 0 && c.BackoffCap < c.BackoffBase):
		return domain.NewConfigurationError("BackoffCap", "must be zero or at least BackoffBase")
	case c.BackoffMultiplier < 1:
		return domain.NewConfigurationError("BackoffMultiplier", "must be at least 1")
	case c.JitterFraction < 0 || c.JitterFraction >= 1:
		return domain.NewConfigurationError("JitterFraction", "must be in [0, 1)")
	case c.ShutdownTimeout <= 0:
		return domain.NewConfigurationError("ShutdownTimeout", "must be positive")
	}
	return nil
}

func (c Config) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:     c.MaxRetries,
		Base:           c.BackoffBase,
		Cap:            c.BackoffCap,
		Multiplier:     c.BackoffMultiplier,
		JitterFraction: c.JitterFraction,
	}
}
