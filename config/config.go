package config

import "time"

// Config is the complete streamflow configuration.
type Config struct {
	// Stream holds default queuing parameters for new streams.
	Stream StreamConfig `yaml:"stream" env:"STREAM"`

	// Pump configures the pump command.
	Pump PumpConfig `yaml:"pump" env:"PUMP"`

	// Log configures logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics configures the Prometheus exposition endpoint.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// StreamConfig holds engine-wide queuing defaults.
type StreamConfig struct {
	// ReadableHighWaterMark is the default readable-side high water mark.
	ReadableHighWaterMark float64 `yaml:"readable_high_water_mark" env:"READABLE_HIGH_WATER_MARK"`
	// WritableHighWaterMark is the default writable-side high water mark.
	WritableHighWaterMark float64 `yaml:"writable_high_water_mark" env:"WRITABLE_HIGH_WATER_MARK"`
	// ByteHighWaterMark is the default byte-stream high water mark, in
	// bytes.
	ByteHighWaterMark float64 `yaml:"byte_high_water_mark" env:"BYTE_HIGH_WATER_MARK"`
	// AutoAllocateChunkSize sets the buffer size handed to byte sources
	// when the consumer reads without supplying one. Zero disables
	// auto-allocation.
	AutoAllocateChunkSize int `yaml:"auto_allocate_chunk_size" env:"AUTO_ALLOCATE_CHUNK_SIZE"`
}

// PumpConfig configures the pump command, which pipes stdin to stdout
// through a byte stream.
type PumpConfig struct {
	// ChunkSize is the read size per source pull, in bytes.
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE"`
	// RateLimit caps throughput in chunks per second. Zero means
	// unlimited.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// RateBurst is the rate limiter burst size.
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
	// Timeout bounds the whole transfer. Zero means no deadline.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	// Enabled turns collection and the HTTP endpoint on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// ListenAddr is the exposition listen address.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}
