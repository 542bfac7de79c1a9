package dsp

import (
	"math"
	"sync/atomic"
)

// Parameter defaults, restored by Engine.ResetParameters.
const (
	DefaultDryWet         = 0.5
	DefaultPredelayMs     = 0.0
	DefaultIRLengthFactor = 1.0
	DefaultLowCutHz       = 100.0
	DefaultHighCutHz      = 10000.0
	DefaultStereoWidth    = 1.0
)

// atomicFloat is a float64 that can be stored by the control side and
// loaded by the audio goroutine without locks.
type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}

func (a *atomicFloat) Store(v float64) {
	a.bits.Store(math.Float64bits(v))
}

// Swap stores v and reports whether the value changed.
func (a *atomicFloat) Swap(v float64) bool {
	return a.bits.Swap(math.Float64bits(v)) != math.Float64bits(v)
}

// params is the shared scalar state written by setters and read by Process.
type params struct {
	dryWet     atomicFloat
	predelayMs atomicFloat
	lowCut     atomicFloat
	highCut    atomicFloat
	width      atomicFloat
	freeze     atomic.Bool
	bypass     atomic.Bool

	// lengthFactor is only touched under the engine mutex; it is atomic so
	// status readers can see it without taking the lock.
	lengthFactor atomicFloat
}

func (p *params) setDefaults() {
	p.dryWet.Store(DefaultDryWet)
	p.predelayMs.Store(DefaultPredelayMs)
	p.lowCut.Store(DefaultLowCutHz)
	p.highCut.Store(DefaultHighCutHz)
	p.width.Store(DefaultStereoWidth)
	p.freeze.Store(false)
	p.lengthFactor.Store(DefaultIRLengthFactor)
}

// Status is a read-only snapshot for display.
type Status struct {
	DryWet         float64 `json:"dryWet"`
	PredelayMs     float64 `json:"predelayMs"`
	IRLengthFactor float64 `json:"irLengthFactor"`
	IRLength       int     `json:"irLength"`
	LowCutHz       float64 `json:"lowCutHz"`
	HighCutHz      float64 `json:"highCutHz"`
	StereoWidth    float64 `json:"stereoWidth"`
	Freeze         bool    `json:"freeze"`
	Bypass         bool    `json:"bypass"`
	TrueStereo     bool    `json:"trueStereo"`
	Loaded         bool    `json:"loaded"`
}
