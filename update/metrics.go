package update

import (
	"github.com/docker/go-metrics"
)

// namespace is the docker/go-metrics namespace this package registers its
// counters under, mirroring the teacher's metrics.NewNamespace("registry",
// "storage", nil) in registry/storage (deleted here, but the same
// construction: metrics.NewNamespace(name, "", nil)).
var namespace = metrics.NewNamespace("bundleupdate", "", nil)

// Counter names omit the "_total" suffix: go-metrics appends it.
var (
	cyclesTotal          = namespace.NewLabeledCounter("cycles", "The number of update cycles, by terminal event kind", "result")
	bytesDownloadedTotal = namespace.NewCounter("bytes_downloaded", "The number of bytes downloaded across all cycles")
	retryTotal           = namespace.NewCounter("retry", "The number of BackingOff events raised across all cycles")
)

func init() {
	metrics.Register(namespace)
}

// MetricsSink wraps an inner Sink, counting events into the
// "bundleupdate" docker/go-metrics namespace without the engine itself
// depending on Prometheus — grounded in notifications/metrics.go's
// EndpointMetrics decorator pattern, applied to update events rather than
// webhook deliveries.
func MetricsSink(inner Sink) Sink {
	var lastBytesDownloaded int64

	return func(ev Event) {
		switch ev.Kind {
		case KindUpToDate:
			cyclesTotal.WithValues("UpToDate").Inc()
		case KindUpdateReady:
			cyclesTotal.WithValues("UpdateReady").Inc()
		case KindError:
			cyclesTotal.WithValues("Error").Inc()
		case KindBackingOff:
			retryTotal.Inc()
		case KindDownloading:
			if delta := ev.Progress.BytesDownloaded - lastBytesDownloaded; delta > 0 {
				bytesDownloadedTotal.Add(float64(delta))
			}
			lastBytesDownloaded = ev.Progress.BytesDownloaded
		case KindChecking:
			lastBytesDownloaded = 0
		}

		if inner != nil {
			inner(ev)
		}
	}
}
