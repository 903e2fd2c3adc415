package outbox

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RetryPolicyKind selects one of the built-in retry policy constructors
// for the default (non-per-handler) retry policy.
type RetryPolicyKind string

const (
	RetryFixed       RetryPolicyKind = "fixed"
	RetryExponential RetryPolicyKind = "exponential"
	RetryJittered    RetryPolicyKind = "jittered"
)

// Config is the full configuration surface from spec section 6.2. Every
// field has a zero-value-safe default applied by LoadConfig/WithDefaults.
type Config struct {
	// PollInterval is the processing scheduler's tick period.
	PollInterval time.Duration `mapstructure:"pollinterval"`
	// BatchSize bounds how many distinct keys findReadyRecordKeys returns
	// per tick.
	BatchSize int `mapstructure:"batchsize"`

	Processing struct {
		// StopOnFirstFailure halts a key after one failure in a tick and
		// excludes keys with prior incomplete records from the ready scan.
		StopOnFirstFailure bool `mapstructure:"stoponfirstfailure"`
		// HandlerRateLimit caps handler invocations per second across this
		// instance's whole processing tick, protecting downstream
		// resources a handler might call into. 0 disables throttling.
		HandlerRateLimit float64 `mapstructure:"handlerratelimit"`
		// HandlerBurst is the token bucket burst size when HandlerRateLimit
		// is set; defaults to 1.
		HandlerBurst int `mapstructure:"handlerburst"`
	} `mapstructure:"processing"`

	Instance struct {
		HeartbeatInterval       time.Duration `mapstructure:"heartbeatinterval"`
		StaleInstanceTimeout    time.Duration `mapstructure:"staleinstancetimeout"`
		GracefulShutdownTimeout time.Duration `mapstructure:"gracefulshutdowntimeout"`
		RebalanceInterval       time.Duration `mapstructure:"rebalanceinterval"`
	} `mapstructure:"instance"`

	Retry struct {
		MaxRetries int             `mapstructure:"maxretries"`
		Policy     RetryPolicyKind `mapstructure:"policy"`

		Fixed struct {
			Delay time.Duration `mapstructure:"delay"`
		} `mapstructure:"fixed"`

		Exponential struct {
			InitialDelay time.Duration `mapstructure:"initialdelay"`
			MaxDelay     time.Duration `mapstructure:"maxdelay"`
			Multiplier   float64       `mapstructure:"multiplier"`
		} `mapstructure:"exponential"`

		Jittered struct {
			BasePolicy RetryPolicyKind `mapstructure:"basepolicy"`
			Jitter     time.Duration   `mapstructure:"jitter"`
		} `mapstructure:"jittered"`
	} `mapstructure:"retry"`

	Log LogConfig `mapstructure:"-"`

	// Logger, when set, is used in place of the package-default logger by
	// the coordinator, scheduler, and lifecycle manager. Failed rebalance
	// cycles and processing ticks are still logged through the
	// package-default logger.
	Logger *slog.Logger `mapstructure:"-"`
}

// WithDefaults fills zero-valued fields with the spec's suggested
// defaults (~2s poll, ~10s rebalance, ~5s heartbeat) and returns the same
// Config for chaining.
func (c *Config) WithDefaults() *Config {
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
	if c.Instance.HeartbeatInterval == 0 {
		c.Instance.HeartbeatInterval = 5 * time.Second
	}
	if c.Instance.StaleInstanceTimeout == 0 {
		c.Instance.StaleInstanceTimeout = 30 * time.Second
	}
	if c.Instance.GracefulShutdownTimeout == 0 {
		c.Instance.GracefulShutdownTimeout = 10 * time.Second
	}
	if c.Instance.RebalanceInterval == 0 {
		c.Instance.RebalanceInterval = 10 * time.Second
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 5
	}
	if c.Retry.Policy == "" {
		c.Retry.Policy = RetryExponential
	}
	if c.Retry.Fixed.Delay == 0 {
		c.Retry.Fixed.Delay = time.Second
	}
	if c.Retry.Exponential.InitialDelay == 0 {
		c.Retry.Exponential.InitialDelay = 500 * time.Millisecond
	}
	if c.Retry.Exponential.MaxDelay == 0 {
		c.Retry.Exponential.MaxDelay = time.Minute
	}
	if c.Retry.Exponential.Multiplier == 0 {
		c.Retry.Exponential.Multiplier = 2.0
	}
	if c.Retry.Jittered.BasePolicy == "" {
		c.Retry.Jittered.BasePolicy = RetryExponential
	}
	if c.Retry.Jittered.Jitter == 0 {
		c.Retry.Jittered.Jitter = 250 * time.Millisecond
	}
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	return c
}

// Validate returns a KindConfiguration *Error describing the first
// invalid setting found, or nil.
func (c *Config) Validate() error {
	if c.BatchSize < 0 {
		return Configuration("batchSize must be >= 0", nil)
	}
	if c.Retry.MaxRetries < 0 {
		return Configuration("retry.maxRetries must be >= 0", nil)
	}
	switch c.Retry.Policy {
	case RetryFixed, RetryExponential, RetryJittered:
	default:
		return Configuration(fmt.Sprintf("unknown retry.policy %q", c.Retry.Policy), nil)
	}
	if c.Instance.StaleInstanceTimeout <= c.Instance.HeartbeatInterval {
		return Configuration("instance.staleInstanceTimeout must exceed instance.heartbeatInterval", nil)
	}
	return nil
}

// LoadConfig loads a Config from environment variables with the given
// prefix (e.g. "OUTBOX_"), the way pkg/config's Load helper does: a
// dotted-path viper.Unmarshal driven entirely by environment variables,
// no config file required. Defaults are applied before validation.
func LoadConfig(prefix string) (*Config, error) {
	v := viper.New()

	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key, value := pair[0], pair[1]
		if !strings.HasPrefix(key, prefixUpper) {
			continue
		}
		propKey := strings.TrimPrefix(key, prefixUpper)
		propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
		propKey = strings.TrimPrefix(propKey, ".")
		v.Set(propKey, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, Configuration("failed to unmarshal outbox config", err)
	}
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
