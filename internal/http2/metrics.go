package http2

import (
	"time"

	"github.com/armon/go-metrics"
)

// Metric keys emitted through the go-metrics global sink.
var (
	metricFramesRead    = []string{"h2mux", "frames", "read"}
	metricFramesWritten = []string{"h2mux", "frames", "written"}
	metricFramesDropped = []string{"h2mux", "frames", "dropped"}
	metricGoAway        = []string{"h2mux", "conn", "goaway"}
	metricConnDuration  = []string{"h2mux", "conn", "duration"}
	metricQueueDepth    = []string{"h2mux", "sender", "queue_depth"}
)

func incrFrameCounter(key []string, t FrameType) {
	metrics.IncrCounterWithLabels(key, 1, []metrics.Label{{Name: "type", Value: t.String()}})
}

func incrStreamCounter(event string) {
	metrics.IncrCounter([]string{"h2mux", "streams", event}, 1)
}

func incrGoAway(code ErrorCode) {
	metrics.IncrCounterWithLabels(metricGoAway, 1, []metrics.Label{{Name: "code", Value: code.String()}})
}

func setQueueDepth(n int) {
	metrics.SetGauge(metricQueueDepth, float32(n))
}

func measureConn(start time.Time) {
	metrics.MeasureSince(metricConnDuration, start)
}
