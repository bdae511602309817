package streamflow

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/streamflow/internal/metrics"
)

// globalCollector is nil until EnableMetrics; every call site tolerates a
// nil collector.
var (
	globalCollector atomic.Pointer[metrics.Collector]
	metricsOnce     sync.Once
)

// EnableMetrics registers engine metrics on the default prometheus registry
// under the given namespace. The first call wins; later calls are no-ops so
// collectors are never double-registered.
func EnableMetrics(namespace string, logger *zap.Logger) {
	metricsOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
		globalCollector.Store(metrics.NewCollector(namespace, logger))
	})
}

func collector() *metrics.Collector {
	return globalCollector.Load()
}
