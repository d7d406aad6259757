package mda

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/infodancer/mda/errors"
)

// Config controls locking, durability and retry behavior.
type Config struct {
	// LockTimeout bounds the total time spent acquiring a mailbox lock.
	LockTimeout time.Duration

	// StaleLockThreshold is the age after which a dotlock is considered
	// abandoned and may be broken.
	StaleLockThreshold time.Duration

	// FsyncDirectory fsyncs the containing directory after a commit.
	FsyncDirectory bool

	// Dotlock enables dotlocking for mbox targets in addition to flock.
	Dotlock bool

	// DotlockSuffix is appended to the mbox path to name its dotlock.
	DotlockSuffix string

	// LockMinBackoff and LockMaxBackoff bound the wait between attempts to
	// take a busy mailbox lock.
	LockMinBackoff time.Duration
	LockMaxBackoff time.Duration

	// Retries is the number of extra attempts after a temporary failure.
	Retries int

	// RetryMinBackoff and RetryMaxBackoff bound the wait between attempts.
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration

	// DeferSignals holds termination signals while a message is being
	// written or committed and re-raises them once the mailbox is released.
	DeferSignals bool

	// MaxMessageBytes rejects larger messages. Zero means no limit.
	MaxMessageBytes int64

	// FileMode is the permission for newly created mailbox files.
	FileMode os.FileMode

	// Logger receives delivery events. Nil means slog.Default().
	Logger *slog.Logger

	// MeterProvider and TracerProvider default to the otel globals.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		LockTimeout:        30 * time.Second,
		StaleLockThreshold: 5 * time.Minute,
		FsyncDirectory:     true,
		Dotlock:            true,
		DotlockSuffix:      ".lock",
		LockMinBackoff:     50 * time.Millisecond,
		LockMaxBackoff:     2 * time.Second,
		Retries:            2,
		RetryMinBackoff:    100 * time.Millisecond,
		RetryMaxBackoff:    5 * time.Second,
		DeferSignals:       true,
		FileMode:           0600,
	}
}

// Option keys understood by ParseConfig.
const (
	OptionLockTimeout        = "lock_timeout"
	OptionStaleLockThreshold = "stale_lock_threshold"
	OptionFsyncDirectory     = "fsync_directory"
	OptionDotlock            = "dotlock"
	OptionDotlockSuffix      = "dotlock_suffix"
	OptionLockMinBackoff     = "lock_min_backoff"
	OptionLockMaxBackoff     = "lock_max_backoff"
	OptionRetries            = "retries"
	OptionRetryMinBackoff    = "retry_min_backoff"
	OptionRetryMaxBackoff    = "retry_max_backoff"
	OptionDeferSignals       = "defer_signals"
	OptionMaxMessageBytes    = "max_message_bytes"
	OptionFileMode           = "file_mode"
)

// ParseConfig applies string options on top of DefaultConfig. Unknown keys
// are ignored so hosts can keep their own settings in the same map.
func ParseConfig(options map[string]string) (Config, error) {
	cfg := DefaultConfig()

	durations := map[string]*time.Duration{
		OptionLockTimeout:        &cfg.LockTimeout,
		OptionStaleLockThreshold: &cfg.StaleLockThreshold,
		OptionLockMinBackoff:     &cfg.LockMinBackoff,
		OptionLockMaxBackoff:     &cfg.LockMaxBackoff,
		OptionRetryMinBackoff:    &cfg.RetryMinBackoff,
		OptionRetryMaxBackoff:    &cfg.RetryMaxBackoff,
	}
	for key, dst := range durations {
		v, ok := options[key]
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, invalidOption(key, v, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		OptionFsyncDirectory: &cfg.FsyncDirectory,
		OptionDotlock:        &cfg.Dotlock,
		OptionDeferSignals:   &cfg.DeferSignals,
	}
	for key, dst := range bools {
		v, ok := options[key]
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, invalidOption(key, v, err)
		}
		*dst = b
	}

	if v, ok := options[OptionDotlockSuffix]; ok {
		cfg.DotlockSuffix = v
	}
	if v, ok := options[OptionRetries]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, invalidOption(OptionRetries, v, err)
		}
		cfg.Retries = n
	}
	if v, ok := options[OptionMaxMessageBytes]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, invalidOption(OptionMaxMessageBytes, v, err)
		}
		cfg.MaxMessageBytes = n
	}
	if v, ok := options[OptionFileMode]; ok {
		n, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return Config{}, invalidOption(OptionFileMode, v, err)
		}
		cfg.FileMode = os.FileMode(n)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	switch {
	case c.LockTimeout <= 0:
		return invalidOption(OptionLockTimeout, c.LockTimeout.String(), fmt.Errorf("must be positive"))
	case c.StaleLockThreshold <= 0:
		return invalidOption(OptionStaleLockThreshold, c.StaleLockThreshold.String(), fmt.Errorf("must be positive"))
	case c.Dotlock && c.DotlockSuffix == "":
		return invalidOption(OptionDotlockSuffix, "", fmt.Errorf("must not be empty"))
	case c.LockMinBackoff <= 0:
		return invalidOption(OptionLockMinBackoff, c.LockMinBackoff.String(), fmt.Errorf("must be positive"))
	case c.LockMaxBackoff < c.LockMinBackoff:
		return invalidOption(OptionLockMaxBackoff, c.LockMaxBackoff.String(), fmt.Errorf("below %s", OptionLockMinBackoff))
	case c.Retries < 0:
		return invalidOption(OptionRetries, strconv.Itoa(c.Retries), fmt.Errorf("must not be negative"))
	case c.RetryMaxBackoff < c.RetryMinBackoff:
		return invalidOption(OptionRetryMaxBackoff, c.RetryMaxBackoff.String(), fmt.Errorf("below %s", OptionRetryMinBackoff))
	case c.MaxMessageBytes < 0:
		return invalidOption(OptionMaxMessageBytes, strconv.FormatInt(c.MaxMessageBytes, 10), fmt.Errorf("must not be negative"))
	}
	return nil
}

// Log returns the configured logger or slog.Default().
func (c Config) Log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func invalidOption(key, value string, err error) error {
	return errors.New(errors.ErrInvalidConfig, "parse "+key, value, err)
}
