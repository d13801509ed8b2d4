package resilient

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liveq-labs/resilient/pkg/logger"
)

// Duration wraps time.Duration for YAML parsing of values like "10s" or
// "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Options configures a Manager. The zero value of any field means "use the
// default". Options maps directly to a YAML file for deployments that tune
// the policy per environment; see LoadOptions.
type Options struct {
	// MaxRetries is the per-subscription live-listener retry budget before
	// the subscriber's error callback fires.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base delay of the standard retry backoff.
	RetryDelay Duration `yaml:"retry_delay"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit breaker for errors that do not trip it outright. Aborted and
	// network-class errors always open it on the first occurrence.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerCoolDown is how long the breaker stays open before permitting
	// a half-open trial.
	BreakerCoolDown Duration `yaml:"breaker_cool_down"`

	// HealthCheckInterval is how often the silent-hang guard runs.
	HealthCheckInterval Duration `yaml:"health_check_interval"`

	// SnapshotTimeout is the window without any snapshot, across all
	// listeners, after which a connected manager with live listeners
	// assumes a hung transport and falls back to polling.
	SnapshotTimeout Duration `yaml:"snapshot_timeout"`

	// ReconnectInterval is how often polling subscriptions are swept back
	// toward live delivery, and the quiet period without network errors
	// required before the sweep acts.
	ReconnectInterval Duration `yaml:"reconnect_interval"`

	// ReconnectDelay is the pause between an offline-to-online transition
	// and the follow-up migration of polling listeners back to live.
	ReconnectDelay Duration `yaml:"reconnect_delay"`

	// AttachTimeout is the per-listener window for a first snapshot after a
	// live attach; listeners that see nothing switch to polling.
	AttachTimeout Duration `yaml:"attach_timeout"`

	// PollInterval is the polling floor, used while network quality is
	// good.
	PollInterval Duration `yaml:"poll_interval"`

	// PollMaxInterval is the polling ceiling reached under poor or offline
	// quality.
	PollMaxInterval Duration `yaml:"poll_max_interval"`

	// PoolCleanupInterval is how often idle connection-metadata entries are
	// swept.
	PoolCleanupInterval Duration `yaml:"pool_cleanup_interval"`

	// PoolIdleTimeout is the idle age beyond which a pooled entry is
	// evicted.
	PoolIdleTimeout Duration `yaml:"pool_idle_timeout"`

	// Logger receives the manager's advisory logging. Defaults to a no-op
	// logger.
	Logger logger.Logger `yaml:"-"`
}

// pollGrowth is the multiplicative step applied to the polling interval on
// each degradation signal.
const pollGrowth = 1.5

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:          5,
		RetryDelay:          Duration(time.Second),
		BreakerThreshold:    5,
		BreakerCoolDown:     Duration(30 * time.Second),
		HealthCheckInterval: Duration(5 * time.Second),
		SnapshotTimeout:     Duration(15 * time.Second),
		ReconnectInterval:   Duration(30 * time.Second),
		ReconnectDelay:      Duration(5 * time.Second),
		AttachTimeout:       Duration(10 * time.Second),
		PollInterval:        Duration(10 * time.Second),
		PollMaxInterval:     Duration(60 * time.Second),
		PoolCleanupInterval: Duration(60 * time.Second),
		PoolIdleTimeout:     Duration(5 * time.Minute),
		Logger:              logger.Nop(),
	}
}

// withDefaults fills zero-valued fields from DefaultOptions.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = def.BreakerThreshold
	}
	if o.BreakerCoolDown <= 0 {
		o.BreakerCoolDown = def.BreakerCoolDown
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = def.HealthCheckInterval
	}
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = def.SnapshotTimeout
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = def.ReconnectInterval
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = def.ReconnectDelay
	}
	if o.AttachTimeout <= 0 {
		o.AttachTimeout = def.AttachTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.PollMaxInterval < o.PollInterval {
		o.PollMaxInterval = Duration(6 * o.PollInterval.Std())
	}
	if o.PoolCleanupInterval <= 0 {
		o.PoolCleanupInterval = def.PoolCleanupInterval
	}
	if o.PoolIdleTimeout <= 0 {
		o.PoolIdleTimeout = def.PoolIdleTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// LoadOptions reads Options from a YAML file. Unset fields fall back to
// defaults when the Manager is constructed.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read options file: %w", err)
	}
	return ParseOptions(data)
}

// ParseOptions parses Options from YAML bytes.
func ParseOptions(data []byte) (Options, error) {
	var o Options
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Options{}, fmt.Errorf("parse options: %w", err)
	}
	return o, nil
}
