// Package signal turns a raw accelerometer/GPS stream into overlapping,
// gated vibration windows.
package signal

import (
	"time"

	"github.com/smartcity/roadwatch/internal/config"
	"github.com/smartcity/roadwatch/internal/domain"
)

// WindowFunc receives every window that passes the emission gate.
type WindowFunc func(domain.ProcessedWindow)

// Processor buffers readings and emits 50%-overlap windows. It runs inline
// in AddReading and is not safe for concurrent use.
type Processor struct {
	cfg      config.ProcessorConfig
	buffer   []domain.SensorReading
	onWindow WindowFunc
	now      func() int64
}

// NewProcessor creates a processor. onWindow may be nil and set later.
func NewProcessor(cfg config.ProcessorConfig, onWindow WindowFunc) *Processor {
	return &Processor{
		cfg:      cfg,
		onWindow: onWindow,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock replaces the wall clock (milliseconds) used for pruning.
func (p *Processor) SetClock(now func() int64) {
	p.now = now
}

// OnWindow registers the window callback.
func (p *Processor) OnWindow(fn WindowFunc) {
	p.onWindow = fn
}

// Buffered returns the number of readings currently held.
func (p *Processor) Buffered() int {
	return len(p.buffer)
}

// Reset drops all buffered readings.
func (p *Processor) Reset() {
	p.buffer = nil
}

// AddReading appends r and runs at most one window completion. It reports
// whether a window was emitted.
func (p *Processor) AddReading(r domain.SensorReading) bool {
	p.buffer = append(p.buffer, r)
	p.prune()

	if len(p.buffer) == 0 {
		return false
	}

	dur := p.cfg.WindowDurationMs
	start := p.buffer[0].Timestamp
	if p.buffer[len(p.buffer)-1].Timestamp-start < dur {
		return false
	}
	end := start + dur

	selected := make([]domain.SensorReading, 0, len(p.buffer))
	for _, br := range p.buffer {
		if br.Timestamp >= start && br.Timestamp < end {
			selected = append(selected, br)
		}
	}

	emitted := false
	if w, ok := Summarize(selected, start, end, p.cfg.Gravity); ok && p.passes(w) {
		if p.onWindow != nil {
			p.onWindow(w)
		}
		emitted = true
	}

	p.keepFrom(start + dur/2)
	return emitted
}

// passes is the emission gate: enough speed, a large enough peak, and at
// least half the nominal sample count.
func (p *Processor) passes(w domain.ProcessedWindow) bool {
	minSamples := float64(p.cfg.WindowDurationMs) / 1000 * p.cfg.SampleRateHz * 0.5
	return w.AverageSpeed >= p.cfg.MinSpeedKmh &&
		w.PeakMagnitude >= p.cfg.MagnitudeThreshold &&
		float64(w.SampleCount) >= minSamples
}

// prune discards readings older than two window lengths before now.
func (p *Processor) prune() {
	p.keepFrom(p.now() - 2*p.cfg.WindowDurationMs)
}

func (p *Processor) keepFrom(cutoff int64) {
	kept := p.buffer[:0:0]
	for _, r := range p.buffer {
		if r.Timestamp >= cutoff {
			kept = append(kept, r)
		}
	}
	p.buffer = kept
}
