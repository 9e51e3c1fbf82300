package handlers

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/Brownie44l1/skin-api/internal/model"
)

// MetricsContentType is the exposition format written by Metrics.WriteText.
var MetricsContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

type Metrics struct {
	requestsTotal      atomic.Int64
	unsupportedMedia   atomic.Int64
	decodeErrors       atomic.Int64
	inferenceErrors    atomic.Int64
	otherErrors        atomic.Int64
	inflight           atomic.Int64
	latencyNanos       atomic.Int64
	requestsDone       atomic.Int64
	inferenceTotal     atomic.Int64
	inferenceNanos     atomic.Int64
	inferenceNanosMax  atomic.Int64
	rawDetectionsTotal atomic.Int64
}

func (m *Metrics) RecordRequestStart() {
	m.requestsTotal.Add(1)
	m.inflight.Add(1)
}

// RecordRequestDone counts err under the pipeline error class it belongs to.
func (m *Metrics) RecordRequestDone(latency time.Duration, rawDetections int, err error) {
	m.inflight.Add(-1)
	m.requestsDone.Add(1)
	m.latencyNanos.Add(latency.Nanoseconds())
	m.rawDetectionsTotal.Add(int64(rawDetections))

	switch {
	case err == nil:
	case errors.Is(err, model.ErrUnsupportedMedia):
		m.unsupportedMedia.Add(1)
	case errors.Is(err, model.ErrDecode):
		m.decodeErrors.Add(1)
	case errors.Is(err, model.ErrInference):
		m.inferenceErrors.Add(1)
	default:
		m.otherErrors.Add(1)
	}
}

func (m *Metrics) RecordInference(d time.Duration) {
	nanos := d.Nanoseconds()
	if nanos < 0 {
		nanos = 0
	}
	m.inferenceTotal.Add(1)
	m.inferenceNanos.Add(nanos)
	updateAtomicMax(&m.inferenceNanosMax, nanos)
}

// Families returns the current values as Prometheus metric families.
func (m *Metrics) Families() []*dto.MetricFamily {
	errorsByKind := &dto.MetricFamily{
		Name: proto.String("skin_request_errors_total"),
		Help: proto.String("Failed invocations by pipeline error class."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, kind := range []struct {
		name  string
		value int64
	}{
		{"unsupported_media", m.unsupportedMedia.Load()},
		{"decode", m.decodeErrors.Load()},
		{"inference", m.inferenceErrors.Load()},
		{"other", m.otherErrors.Load()},
	} {
		errorsByKind.Metric = append(errorsByKind.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{{Name: proto.String("kind"), Value: proto.String(kind.name)}},
			Counter: &dto.Counter{Value: proto.Float64(float64(kind.value))},
		})
	}

	return []*dto.MetricFamily{
		counter("skin_requests_total", "Invocations received.", m.requestsTotal.Load()),
		errorsByKind,
		gauge("skin_inflight_requests", "Invocations currently being served.", float64(m.inflight.Load())),
		summary("skin_request_duration_seconds", "Time spent serving invocations.",
			m.requestsDone.Load(), m.latencyNanos.Load()),
		summary("skin_inference_duration_seconds", "Time spent in the model forward pass.",
			m.inferenceTotal.Load(), m.inferenceNanos.Load()),
		gauge("skin_inference_duration_seconds_max", "Slowest forward pass observed.",
			time.Duration(m.inferenceNanosMax.Load()).Seconds()),
		counter("skin_raw_detections_total", "Detections emitted by the model before filtering.", m.rawDetectionsTotal.Load()),
	}
}

// WriteText writes every family in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	for _, family := range m.Families() {
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return err
		}
	}
	return nil
}

func counter(name, help string, value int64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(float64(value))}}},
	}
}

func gauge(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(value)}}},
	}
}

func summary(name, help string, count, sumNanos int64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_SUMMARY.Enum(),
		Metric: []*dto.Metric{{Summary: &dto.Summary{
			SampleCount: proto.Uint64(uint64(count)),
			SampleSum:   proto.Float64(time.Duration(sumNanos).Seconds()),
		}}},
	}
}

func updateAtomicMax(target *atomic.Int64, value int64) {
	for {
		current := target.Load()
		if value <= current {
			return
		}
		if target.CompareAndSwap(current, value) {
			return
		}
	}
}
