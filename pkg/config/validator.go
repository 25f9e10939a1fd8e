package config

import "fmt"

// Validate checks invariants the rest of the broker assumes hold: a
// non-empty secret and data directory, positive size limits, and a
// elicitation max timeout that is at least its default.
func (c *Config) Validate() error {
	if c.BrokerSecret == "" {
		return ErrMissingBrokerSecret
	}
	if c.DataDir == "" {
		return ErrMissingDataDir
	}
	if c.MaxEventSize <= 0 {
		return fmt.Errorf("%w: max_event_size must be positive", ErrInvalidValue)
	}
	if c.SegmentSize <= 0 {
		return fmt.Errorf("%w: segment_size must be positive", ErrInvalidValue)
	}
	if c.ElicitationMaxTimeoutSeconds < c.ElicitationDefaultTimeoutSeconds {
		return fmt.Errorf("%w: elicitation_max_timeout_seconds must be >= elicitation_default_timeout_seconds", ErrInvalidValue)
	}
	if c.SubscriptionBufferSize <= 0 {
		return fmt.Errorf("%w: subscription_buffer_size must be positive", ErrInvalidValue)
	}
	switch c.SpeedLayer.FallbackPolicy {
	case FallbackSafeAllowElseBlock, FallbackAlwaysBlock, "":
	default:
		return fmt.Errorf("%w: unknown speed_layer.fallback_policy %q", ErrInvalidValue, c.SpeedLayer.FallbackPolicy)
	}
	if c.SpeedLayer.FallbackPolicy == "" {
		c.SpeedLayer.FallbackPolicy = FallbackSafeAllowElseBlock
	}
	return nil
}
