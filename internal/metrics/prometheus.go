package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nupi-ai/voiced/internal/eventbus"
	"github.com/nupi-ai/voiced/internal/narration"
)

const namespace = "voiced"

// BusMetricsProvider exposes bus counters.
type BusMetricsProvider interface {
	Metrics() eventbus.Metrics
}

// NarrationStatsProvider exposes output pipeline counters.
type NarrationStatsProvider interface {
	Stats() narration.Stats
	QueueLen() int
}

// PrometheusCollector adapts the runtime counters to prometheus.Collector.
// Values are read at scrape time; nothing is cached.
type PrometheusCollector struct {
	collector *Collector
	counter   *EventCounter
	bus       BusMetricsProvider
	narration NarrationStatsProvider

	commands     *prometheus.Desc
	successRate  *prometheus.Desc
	wakeWords    *prometheus.Desc
	wakeConf     *prometheus.Desc
	phaseAvg     *prometheus.Desc
	phaseSamples *prometheus.Desc
	events       *prometheus.Desc
	busPublished *prometheus.Desc
	busDelivered *prometheus.Desc
	busDropped   *prometheus.Desc
	busPanics    *prometheus.Desc
	busQueue     *prometheus.Desc
	busSubs      *prometheus.Desc
	narrCounts   *prometheus.Desc
	narrQueue    *prometheus.Desc
}

// NewPrometheusCollector builds an exporter for collector. The remaining
// sources are optional and may be nil.
func NewPrometheusCollector(collector *Collector, counter *EventCounter, bus BusMetricsProvider, narr NarrationStatsProvider) *PrometheusCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &PrometheusCollector{
		collector: collector,
		counter:   counter,
		bus:       bus,
		narration: narr,

		commands:     desc("commands", "total", "Commands by outcome.", "outcome"),
		successRate:  desc("commands", "success_rate_percent", "Percentage of processed commands that succeeded."),
		wakeWords:    desc("wake_word", "detections_total", "Wake word detections."),
		wakeConf:     desc("wake_word", "confidence_average", "Mean reported wake word confidence."),
		phaseAvg:     desc("phase", "latency_average_milliseconds", "Mean latency per pipeline phase.", "phase"),
		phaseSamples: desc("phase", "latency_samples_total", "Latency samples per pipeline phase.", "phase"),
		events:       desc("eventbus", "events_total", "Delivered events per type.", "type"),
		busPublished: desc("eventbus", "publish_total", "Events published on the bus."),
		busDelivered: desc("eventbus", "delivered_total", "Handler invocations."),
		busDropped:   desc("eventbus", "dropped_total", "Events dropped by backpressure."),
		busPanics:    desc("eventbus", "handler_panics_total", "Recovered handler panics."),
		busQueue:     desc("eventbus", "queue_depth", "Envelopes waiting in the ingest queue."),
		busSubs:      desc("eventbus", "subscribers", "Active subscriptions."),
		narrCounts:   desc("narration", "messages_total", "Narration messages by outcome.", "outcome"),
		narrQueue:    desc("narration", "queue_length", "Messages waiting to be spoken."),
	}
}

// Describe implements prometheus.Collector.
func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		p.commands, p.successRate, p.wakeWords, p.wakeConf, p.phaseAvg, p.phaseSamples,
		p.events, p.busPublished, p.busDelivered, p.busDropped, p.busPanics, p.busQueue, p.busSubs,
		p.narrCounts, p.narrQueue,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	if p.collector != nil {
		p.collectCommands(ch)
	}
	if p.counter != nil {
		p.collectEvents(ch)
	}
	if p.bus != nil {
		p.collectBus(ch)
	}
	if p.narration != nil {
		p.collectNarration(ch)
	}
}

func (p *PrometheusCollector) collectCommands(ch chan<- prometheus.Metric) {
	snap := p.collector.Snapshot()
	ch <- prometheus.MustNewConstMetric(p.commands, prometheus.CounterValue, float64(snap.CommandsProcessed), "processed")
	ch <- prometheus.MustNewConstMetric(p.commands, prometheus.CounterValue, float64(snap.CommandsSucceeded), "succeeded")
	ch <- prometheus.MustNewConstMetric(p.commands, prometheus.CounterValue, float64(snap.CommandsFailed), "failed")
	ch <- prometheus.MustNewConstMetric(p.successRate, prometheus.GaugeValue, snap.SuccessRate)
	ch <- prometheus.MustNewConstMetric(p.wakeWords, prometheus.CounterValue, float64(snap.WakeWords))
	ch <- prometheus.MustNewConstMetric(p.wakeConf, prometheus.GaugeValue, p.collector.AverageWakeConfidence())
	for _, phase := range phases {
		ch <- prometheus.MustNewConstMetric(p.phaseAvg, prometheus.GaugeValue, snap.AverageMillis[phase], string(phase))
		ch <- prometheus.MustNewConstMetric(p.phaseSamples, prometheus.CounterValue, float64(p.collector.Samples(phase)), string(phase))
	}
}

func (p *PrometheusCollector) collectEvents(ch chan<- prometheus.Metric) {
	counts := p.counter.Snapshot()
	types := make([]string, 0, len(counts))
	for typ := range counts {
		types = append(types, string(typ))
	}
	sort.Strings(types)
	for _, typ := range types {
		ch <- prometheus.MustNewConstMetric(p.events, prometheus.CounterValue, float64(counts[eventbus.EventType(typ)]), typ)
	}
}

func (p *PrometheusCollector) collectBus(ch chan<- prometheus.Metric) {
	m := p.bus.Metrics()
	ch <- prometheus.MustNewConstMetric(p.busPublished, prometheus.CounterValue, float64(m.PublishTotal))
	ch <- prometheus.MustNewConstMetric(p.busDelivered, prometheus.CounterValue, float64(m.DeliveredTotal))
	ch <- prometheus.MustNewConstMetric(p.busDropped, prometheus.CounterValue, float64(m.DroppedTotal))
	ch <- prometheus.MustNewConstMetric(p.busPanics, prometheus.CounterValue, float64(m.PanicTotal))
	ch <- prometheus.MustNewConstMetric(p.busQueue, prometheus.GaugeValue, float64(m.QueueDepth))
	ch <- prometheus.MustNewConstMetric(p.busSubs, prometheus.GaugeValue, float64(m.Subscribers))
}

func (p *PrometheusCollector) collectNarration(ch chan<- prometheus.Metric) {
	st := p.narration.Stats()
	for outcome, v := range map[string]uint64{
		"spoken":      st.TotalUtterances,
		"interrupted": st.TotalInterrupted,
		"errors":      st.TotalErrors,
		"queued":      st.TotalQueued,
		"coalesced":   st.TotalCoalesced,
		"cancelled":   st.TotalCancelled,
		"discarded":   st.TotalDiscarded,
	} {
		ch <- prometheus.MustNewConstMetric(p.narrCounts, prometheus.CounterValue, float64(v), outcome)
	}
	ch <- prometheus.MustNewConstMetric(p.narrQueue, prometheus.GaugeValue, float64(p.narration.QueueLen()))
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *PrometheusCollector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
