package config

import "time"

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Stream:  DefaultStreamConfig(),
		Pump:    DefaultPumpConfig(),
		Log:     DefaultLogConfig(),
		Metrics: DefaultMetricsConfig(),
	}
}

// DefaultStreamConfig returns the default queuing parameters.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ReadableHighWaterMark: 1,
		WritableHighWaterMark: 1,
		ByteHighWaterMark:     64 * 1024,
		AutoAllocateChunkSize: 32 * 1024,
	}
}

// DefaultPumpConfig returns the default pump settings.
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{
		ChunkSize: 32 * 1024,
		RateLimit: 0,
		RateBurst: 1,
		Timeout:   0 * time.Second,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "console",
	}
}

// DefaultMetricsConfig returns the default metrics settings.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:    false,
		Namespace:  "streamflow",
		ListenAddr: ":9091",
	}
}
