// Package metrics keeps lock-free counters for the command pipeline and
// exports them to Prometheus.
package metrics

import (
	"math"
	"sync/atomic"
	"time"
)

// Phase names a measured stage of command processing.
type Phase string

const (
	PhaseAudioCapture Phase = "audio_capture"
	PhaseSpeechToText Phase = "speech_to_text"
	PhaseParsing      Phase = "parsing"
	PhaseExecution    Phase = "execution"
	PhaseTotal        Phase = "total"
)

var phases = [...]Phase{PhaseAudioCapture, PhaseSpeechToText, PhaseParsing, PhaseExecution, PhaseTotal}

// Phases lists every phase in pipeline order.
func Phases() []Phase {
	return append([]Phase(nil), phases[:]...)
}

type latency struct {
	nanos   atomic.Int64
	samples atomic.Uint64
}

// Collector counts processed commands, wake words and per-phase latency.
// All methods are safe for concurrent use and never block.
type Collector struct {
	processed atomic.Uint64
	settled   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64

	wakeWords      atomic.Uint64
	wakeConfidence atomic.Uint64 // float64 bits
	wakeScored     atomic.Uint64

	latencies [len(phases)]latency
}

// NewCollector returns a zeroed collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordCommandProcessed counts a command entering the pipeline.
func (c *Collector) RecordCommandProcessed() {
	c.processed.Add(1)
}

// RecordCommandSuccess counts a command that completed successfully.
func (c *Collector) RecordCommandSuccess() {
	c.settle()
	c.succeeded.Add(1)
}

// RecordCommandFailure counts a command that failed.
func (c *Collector) RecordCommandFailure() {
	c.settle()
	c.failed.Add(1)
}

// settle reserves one processed command for an outcome. An outcome without a
// matching RecordCommandProcessed counts the command as processed too, so
// succeeded+failed never exceeds processed.
func (c *Collector) settle() {
	for {
		p := c.processed.Load()
		s := c.settled.Load()
		if s >= p {
			c.processed.CompareAndSwap(p, p+1)
			continue
		}
		if c.settled.CompareAndSwap(s, s+1) {
			return
		}
	}
}

// RecordWakeWord counts a wake word detection. Confidence is optional; pass
// a negative value when the detector does not report one.
func (c *Collector) RecordWakeWord(confidence float64) {
	c.wakeWords.Add(1)
	if confidence < 0 || math.IsNaN(confidence) {
		return
	}
	for {
		old := c.wakeConfidence.Load()
		next := math.Float64bits(math.Float64frombits(old) + confidence)
		if c.wakeConfidence.CompareAndSwap(old, next) {
			break
		}
	}
	c.wakeScored.Add(1)
}

// RecordLatency adds one latency sample for phase. Unknown phases are ignored.
func (c *Collector) RecordLatency(phase Phase, d time.Duration) {
	l := c.latency(phase)
	if l == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	l.nanos.Add(int64(d))
	l.samples.Add(1)
}

// Reset zeroes every counter.
func (c *Collector) Reset() {
	c.succeeded.Store(0)
	c.failed.Store(0)
	c.settled.Store(0)
	c.processed.Store(0)
	c.wakeWords.Store(0)
	c.wakeConfidence.Store(0)
	c.wakeScored.Store(0)
	for i := range c.latencies {
		c.latencies[i].nanos.Store(0)
		c.latencies[i].samples.Store(0)
	}
}

func (c *Collector) CommandsProcessed() uint64 { return c.processed.Load() }
func (c *Collector) CommandsSucceeded() uint64 { return c.succeeded.Load() }
func (c *Collector) CommandsFailed() uint64    { return c.failed.Load() }
func (c *Collector) WakeWords() uint64         { return c.wakeWords.Load() }

// SuccessRate returns the percentage of processed commands that succeeded.
func (c *Collector) SuccessRate() float64 {
	succeeded := c.succeeded.Load()
	processed := c.processed.Load()
	if processed == 0 {
		return 0
	}
	return float64(succeeded) / float64(processed) * 100
}

// AverageWakeConfidence returns the mean reported wake word confidence.
func (c *Collector) AverageWakeConfidence() float64 {
	n := c.wakeScored.Load()
	if n == 0 {
		return 0
	}
	return math.Float64frombits(c.wakeConfidence.Load()) / float64(n)
}

// AverageMillis returns the mean latency of phase in milliseconds, or 0 when
// nothing was recorded.
func (c *Collector) AverageMillis(phase Phase) float64 {
	l := c.latency(phase)
	if l == nil {
		return 0
	}
	samples := l.samples.Load()
	if samples == 0 {
		return 0
	}
	return float64(l.nanos.Load()) / float64(samples) / float64(time.Millisecond)
}

// Samples returns the number of latency samples recorded for phase.
func (c *Collector) Samples(phase Phase) uint64 {
	l := c.latency(phase)
	if l == nil {
		return 0
	}
	return l.samples.Load()
}

// Snapshot is a point-in-time copy of the collector.
type Snapshot struct {
	CommandsProcessed uint64
	CommandsSucceeded uint64
	CommandsFailed    uint64
	WakeWords         uint64
	SuccessRate       float64
	AverageMillis     map[Phase]float64
}

// Snapshot reads every counter. Outcomes are read before the processed count
// so the snapshot keeps succeeded+failed <= processed.
func (c *Collector) Snapshot() Snapshot {
	succeeded := c.succeeded.Load()
	failed := c.failed.Load()
	processed := c.processed.Load()
	if succeeded+failed > processed {
		// A concurrent Reset zeroed processed after the outcomes were read.
		processed = succeeded + failed
	}

	s := Snapshot{
		CommandsProcessed: processed,
		CommandsSucceeded: succeeded,
		CommandsFailed:    failed,
		WakeWords:         c.wakeWords.Load(),
		AverageMillis:     make(map[Phase]float64, len(phases)),
	}
	if processed > 0 {
		s.SuccessRate = float64(succeeded) / float64(processed) * 100
	}
	for _, phase := range phases {
		s.AverageMillis[phase] = c.AverageMillis(phase)
	}
	return s
}

func (c *Collector) latency(phase Phase) *latency {
	for i, p := range phases {
		if p == phase {
			return &c.latencies[i]
		}
	}
	return nil
}
