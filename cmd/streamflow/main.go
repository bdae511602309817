// Command streamflow is the demo pump for the streamflow engine: it moves
// stdin to stdout through a flow-controlled byte pipe.
//
// Usage:
//
//	streamflow pump                          # pipe stdin to stdout
//	streamflow pump --config streamflow.yaml # with a config file
//	streamflow pump --rate-limit 100         # throttle to 100 chunks/s
//	streamflow version                       # print version info
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	streamflow "github.com/BaSui01/streamflow"
	"github.com/BaSui01/streamflow/config"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "pump":
		runPump(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`streamflow - flow-controlled data pipe

Usage:
  streamflow pump [flags]    pipe stdin to stdout through a byte stream
  streamflow version         print version information
  streamflow help            print this help

Pump flags:
  --config path       YAML config file (env STREAMFLOW_* overrides apply)
  --chunk-size n      read size per pull, in bytes
  --rate-limit n      max chunks per second, 0 for unlimited
  --timeout d         overall transfer deadline, e.g. 30s`)
}

func printVersion() {
	fmt.Printf("streamflow %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
}

func runPump(args []string) {
	fs := flag.NewFlagSet("pump", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	chunkSize := fs.Int("chunk-size", 0, "read size per pull in bytes")
	rateLimit := fs.Float64("rate-limit", -1, "max chunks per second, 0 for unlimited")
	timeout := fs.Duration("timeout", 0, "overall transfer deadline")
	fs.Parse(args) //nolint:errcheck

	cfg, err := config.NewLoader().
		WithConfigPath(*configPath).
		WithValidator(config.Validate).
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *chunkSize > 0 {
		cfg.Pump.ChunkSize = *chunkSize
	}
	if *rateLimit >= 0 {
		cfg.Pump.RateLimit = *rateLimit
	}
	if *timeout > 0 {
		cfg.Pump.Timeout = *timeout
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Metrics.Enabled {
		streamflow.EnableMetrics(cfg.Metrics.Namespace, logger)
		go serveMetrics(cfg.Metrics.ListenAddr, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Pump.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Pump.Timeout)
		defer cancel()
	}

	if err := pump(ctx, os.Stdin, os.Stdout, cfg, logger); err != nil {
		logger.Error("pump failed", zap.Error(err))
		os.Exit(1)
	}
}

// pump pipes src to dst through a readable byte stream and a writable sink,
// exercising backpressure end to end.
func pump(ctx context.Context, src io.Reader, dst io.Writer, cfg *config.Config, logger *zap.Logger) error {
	var limiter *rate.Limiter
	if cfg.Pump.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Pump.RateLimit), cfg.Pump.RateBurst)
	}

	readable, err := streamflow.NewReadableByteStream(streamflow.ByteSource{
		Pull: func(ctx context.Context, c *streamflow.ByteController) error {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
			}
			req := c.BYOBRequest()
			if req == nil {
				// A consumer without a registered fill request gets a
				// freshly allocated chunk.
				buf := make([]byte, cfg.Pump.ChunkSize)
				n, err := src.Read(buf)
				if n > 0 {
					return c.Enqueue(buf[:n])
				}
				if errors.Is(err, io.EOF) {
					return c.Close()
				}
				return err
			}
			fill, err := req.View().Bytes()
			if err != nil {
				return err
			}
			n, err := src.Read(fill)
			if n > 0 {
				return req.Respond(n)
			}
			if errors.Is(err, io.EOF) {
				return c.Close()
			}
			return err
		},
		AutoAllocateChunkSize: cfg.Stream.AutoAllocateChunkSize,
	}, &streamflow.ByteStreamOptions{
		HighWaterMark: cfg.Stream.ByteHighWaterMark,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	strategy := streamflow.ByteLengthStrategy(cfg.Stream.WritableHighWaterMark * float64(cfg.Pump.ChunkSize))
	writable, err := streamflow.NewWritable(streamflow.Sink[[]byte]{
		Write: func(_ context.Context, chunk []byte, _ *streamflow.WritableController[[]byte]) error {
			_, err := dst.Write(chunk)
			return err
		},
	}, &streamflow.WritableOptions[[]byte]{
		Strategy: &strategy,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	return readable.PipeTo(ctx, writable, &streamflow.PipeOptions{Logger: logger})
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics endpoint failed", zap.Error(err))
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}
