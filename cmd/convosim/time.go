package main

import "time"

// TimeProvider is the engine's only notion of "now": a ManualTimeProvider
// lets a scenario advance time deterministically in discrete steps; a
// production harness passes wall-clock time instead.
type TimeProvider interface {
	Now() int64
}

// ManualTimeProvider is the simulation harness's clock: time advances only
// when a scenario calls Advance, never on its own.
type ManualTimeProvider struct {
	nowMs int64
}

// NewManualTimeProvider starts the clock at startMs.
func NewManualTimeProvider(startMs int64) *ManualTimeProvider {
	return &ManualTimeProvider{nowMs: startMs}
}

func (c *ManualTimeProvider) Now() int64 { return c.nowMs }

// Advance moves the clock forward by deltaMs.
func (c *ManualTimeProvider) Advance(deltaMs int64) { c.nowMs += deltaMs }

// SystemTimeProvider backs a real (non-simulated) engine with wall-clock
// time; the convosim harness never constructs one, but engine.New's now
// func() int64 parameter accepts either shape identically.
type SystemTimeProvider struct{}

func (SystemTimeProvider) Now() int64 { return time.Now().UnixMilli() }
