package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authflow.MetricsSnapshot
	AuditDropped() uint64
}

// droppedByTyper is implemented by sources that break audit drops down by
// event type. *authflow.Engine does.
type droppedByTyper interface {
	AuditDroppedByType() map[string]uint64
}

type counterInstrument struct {
	id  authflow.MetricID
	ins metric.Int64ObservableCounter
}

// histogramInstrument mirrors one engine histogram as a cumulative bucket
// gauge keyed by le plus a sample count.
type histogramInstrument struct {
	id      authflow.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
	le      []metric.ObserveOption
}

// Exporter registers observable instruments for every engine metric and
// reads one snapshot per collection.
type Exporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []counterInstrument
	histograms   []histogramInstrument
	auditDropped metric.Int64ObservableCounter
}

// NewExporter registers instruments on meter backed by the engine.
func NewExporter(meter metric.Meter, engine *authflow.Engine) (*Exporter, error) {
	if engine == nil {
		return nil, ErrNilSource
	}
	return NewExporterFromSource(meter, engine)
}

// NewExporterFromSource registers instruments on meter backed by source.
func NewExporterFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{source: source}
	var observables []metric.Observable

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", def.Name, err)
		}
		e.counters = append(e.counters, counterInstrument{id: def.ID, ins: ins})
		observables = append(observables, ins)
	}

	buckets := len(internaldefs.NormalizeBuckets(nil))
	for _, def := range internaldefs.HistogramDefs {
		h := histogramInstrument{id: def.ID, le: make([]metric.ObserveOption, buckets)}
		for i := range h.le {
			h.le[i] = metric.WithAttributes(attribute.String("le", internaldefs.BucketLabel(i)))
		}

		var err error
		h.buckets, err = meter.Int64ObservableGauge(def.Name+"_bucket",
			metric.WithDescription(def.Help+" Cumulative count per upper bound."),
			metric.WithUnit("{request}"))
		if err != nil {
			return nil, fmt.Errorf("histogram %s buckets: %w", def.Name, err)
		}
		h.count, err = meter.Int64ObservableGauge(def.Name+"_count",
			metric.WithDescription(def.Help+" Total samples."),
			metric.WithUnit("{request}"))
		if err != nil {
			return nil, fmt.Errorf("histogram %s count: %w", def.Name, err)
		}
		e.histograms = append(e.histograms, h)
		observables = append(observables, h.buckets, h.count)
	}

	var err error
	e.auditDropped, err = meter.Int64ObservableCounter(internaldefs.AuditDroppedName,
		metric.WithDescription(internaldefs.AuditDroppedHelp))
	if err != nil {
		return nil, fmt.Errorf("counter %s: %w", internaldefs.AuditDroppedName, err)
	}
	observables = append(observables, e.auditDropped)

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		o.ObserveInt64(c.ins, int64(snap.Counters[c.id]))
	}
	for _, h := range e.histograms {
		cum := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[h.id]))
		for i, n := range cum {
			o.ObserveInt64(h.buckets, int64(n), h.le[i])
		}
		o.ObserveInt64(h.count, int64(cum[len(cum)-1]))
	}
	e.observeAuditDrops(o)
	return nil
}

// observeAuditDrops reports one series per event type when the source can
// break drops down, and a single unattributed total otherwise.
func (e *Exporter) observeAuditDrops(o metric.Observer) {
	if src, ok := e.source.(droppedByTyper); ok {
		if byType := src.AuditDroppedByType(); len(byType) > 0 {
			for eventType, n := range byType {
				o.ObserveInt64(e.auditDropped, int64(n),
					metric.WithAttributes(attribute.String(internaldefs.AuditEventTypeKey, eventType)))
			}
			return
		}
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
}

// Close unregisters the collection callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
