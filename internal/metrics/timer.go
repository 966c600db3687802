package metrics

import "time"

// Timer measures one phase. Stop records the elapsed time once; later calls
// are ignored.
type Timer struct {
	collector *Collector
	phase     Phase
	start     time.Time
	stopped   bool
}

// StartTimer starts timing phase. Use it as
//
//	defer collector.StartTimer(metrics.PhaseParsing).Stop()
func (c *Collector) StartTimer(phase Phase) *Timer {
	return &Timer{collector: c, phase: phase, start: time.Now()}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	if t == nil || t.stopped {
		return 0
	}
	t.stopped = true
	elapsed := time.Since(t.start)
	if t.collector != nil {
		t.collector.RecordLatency(t.phase, elapsed)
	}
	return elapsed
}
