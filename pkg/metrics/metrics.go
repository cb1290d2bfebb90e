// Copyright (c) OpenMMLab. All rights reserved.

// Package metrics exposes the daemon's Prometheus instrumentation: what
// the tracker's hot path and background sampler report, and optional
// pushgateway delivery for environments without a Prometheus scrape
// target.
package metrics

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"memtrace/logger"
)

var (
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memtrace_allocations_total",
		Help: "Total number of allocation/deallocation events recorded",
	}, []string{"kind"})

	BytesTrackedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memtrace_bytes_tracked_total",
		Help: "Total bytes passed through TrackAllocation and TrackDeallocation, by allocator kind",
	}, []string{"kind"})

	WriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memtrace_write_failures_total",
		Help: "Number of times the tracker deactivated itself after a record write failure",
	})

	RSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memtrace_rss_bytes",
		Help: "Resident set size last sampled by the background sampler",
	})

	TrackerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memtrace_tracker_active",
		Help: "1 while the tracker singleton is active, 0 otherwise",
	})
)

// RecordAllocation is called from the allocation hot path for every
// tracked event, including deallocations.
func RecordAllocation(kind string, size uint64) {
	AllocationsTotal.WithLabelValues(kind).Inc()
	BytesTrackedTotal.WithLabelValues(kind).Add(float64(size))
}

// RecordWriteFailure is called once per deactivation, matching the
// tracker's single-diagnostic-line failure policy.
func RecordWriteFailure() {
	WriteFailuresTotal.Inc()
}

// SetRSS records the background sampler's latest reading.
func SetRSS(bytes uint64) {
	RSSBytes.Set(float64(bytes))
}

// SetActive reflects the tracker singleton's active flag.
func SetActive(active bool) {
	if active {
		TrackerActive.Set(1)
	} else {
		TrackerActive.Set(0)
	}
}

// PushLoop periodically pushes the collectors above to a Prometheus
// pushgateway, until stopCh is closed. It is a no-op loop (logs once and
// returns) when pushgatewayURL is empty, since not every deployment runs
// a pushgateway.
func PushLoop(pushgatewayURL, jobName string, interval time.Duration, stopCh <-chan struct{}) {
	if pushgatewayURL == "" {
		logger.Logger.Debug("pushgateway url not set, metrics push disabled")
		return
	}

	pusher := push.New(pushgatewayURL, jobName).
		Collector(AllocationsTotal).
		Collector(BytesTrackedTotal).
		Collector(WriteFailuresTotal).
		Collector(RSSBytes).
		Collector(TrackerActive).
		Grouping("instance", hostname())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := pusher.Push(); err != nil {
				logger.Logger.Error("pushgateway push failed", zap.Error(err))
			}
		}
	}
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	if data, err := os.ReadFile("/etc/hostname"); err == nil {
		return string(data)
	}
	return "unknown"
}
