package config

import "time"

// Defaults returns a Config populated with the broker's documented
// defaults (spec.md §6). Callers overlay a loaded file and environment on
// top of this.
func Defaults() *Config {
	return &Config{
		DataDir:                          "./data",
		NodeID:                           "node-1",
		MaxEventSize:                     1 << 20, // 1 MiB
		SegmentSize:                      100 << 20,
		MemoryCacheSize:                  10_000,
		PolicyRulesPath:                  "./config/policy-rules.yaml",
		ExpertTimeoutSeconds:             30,
		ElicitationDefaultTimeoutSeconds: 30,
		ElicitationMaxTimeoutSeconds:     300,
		RateLimits: map[string]RateLimit{
			"builder-agent": {PerSecond: 10, Burst: 30},
			"expert-agent":  {PerSecond: 10, Burst: 30},
		},
		SubscriptionBufferSize: 1000,
		SessionTTLSeconds:       int((2 * time.Hour).Seconds()),
		TokenTTLSeconds:         int((24 * time.Hour).Seconds()),
		SpeedLayer: SpeedLayerConfig{
			FallbackPolicy: FallbackSafeAllowElseBlock,
			MemoryTTL:      5 * time.Minute,
		},
		HTTPAddr: ":8088",
	}
}
