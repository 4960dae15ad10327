package engine

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the tunables of the event loop.
type Config struct {
	// RefreshInterval is the heartbeat period of the full container refresh.
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gt=0"`

	// PollInterval is the period between status polls of a remote job.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`

	// OperationRetention is how long terminal operations stay visible.
	OperationRetention time.Duration `yaml:"operation_retention" validate:"gte=0"`

	// PruneInterval is how often terminal operations are pruned.
	PruneInterval time.Duration `yaml:"prune_interval" validate:"gt=0"`

	// MaxHistory bounds the number of tracked operations.
	MaxHistory int `yaml:"max_history" validate:"gte=1"`

	// RequestTimeout bounds a single API call. Zero means no timeout.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`

	// Retry is the retry policy applied to every API call.
	Retry RetryPolicy `yaml:"retry"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		RefreshInterval:    10 * time.Second,
		PollInterval:       500 * time.Millisecond,
		OperationRetention: 30 * time.Second,
		PruneInterval:      5 * time.Second,
		MaxHistory:         DefaultMaxHistory,
		RequestTimeout:     60 * time.Second,
		Retry:              DefaultRetryPolicy(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	return nil
}
