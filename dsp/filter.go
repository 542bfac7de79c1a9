package dsp

import "math"

// Cutoff bounds.
const (
	MinLowCutHz  = 20.0
	MaxLowCutHz  = 2000.0
	MinHighCutHz = 1000.0
	MaxHighCutHz = 20000.0

	filterQ = 0.707
)

// SVF is a topology-preserving-transform state-variable filter. The
// integrator state survives coefficient changes, which keeps cutoff sweeps
// free of clicks.
type SVF struct {
	highpass bool

	sampleRate float64
	cutoff     float64

	k, a1, a2, a3 float32
	ic1, ic2      float32
}

// NewSVF returns a low-pass or high-pass filter at the given cutoff.
func NewSVF(sampleRate, cutoff float64, highpass bool) *SVF {
	f := &SVF{highpass: highpass, sampleRate: sampleRate}
	f.SetCutoff(cutoff)

	return f
}

// SetCutoff recomputes the coefficients. Cutoffs at or above 0.499 of the
// sample rate are pulled below Nyquist.
func (f *SVF) SetCutoff(hz float64) {
	f.cutoff = hz

	ratio := min(max(hz/f.sampleRate, 0), 0.499)
	g := math.Tan(math.Pi * ratio)
	k := 1 / filterQ

	a1 := 1 / (1 + g*(g+k))
	a2 := g * a1

	f.k = float32(k)
	f.a1 = float32(a1)
	f.a2 = float32(a2)
	f.a3 = float32(g * a2)
}

// SetSampleRate changes the rate and recomputes the coefficients.
func (f *SVF) SetSampleRate(sampleRate float64) {
	f.sampleRate = sampleRate
	f.SetCutoff(f.cutoff)
}

// Cutoff returns the configured cutoff in Hz.
func (f *SVF) Cutoff() float64 {
	return f.cutoff
}

// Process filters one sample.
func (f *SVF) Process(x float32) float32 {
	v3 := x - f.ic2
	v1 := f.a1*f.ic1 + f.a2*v3
	v2 := f.ic2 + f.a2*f.ic1 + f.a3*v3

	f.ic1 = 2*v1 - f.ic1
	f.ic2 = 2*v2 - f.ic2

	if f.highpass {
		return x - f.k*v1 - v2
	}

	return v2
}

// Reset zeroes the integrators.
func (f *SVF) Reset() {
	f.ic1 = 0
	f.ic2 = 0
}

// toneFilter is the per-channel low-cut then high-cut chain.
type toneFilter struct {
	lowCut  *SVF
	highCut *SVF
}

func newToneFilter(sampleRate, lowCut, highCut float64) toneFilter {
	return toneFilter{
		lowCut:  NewSVF(sampleRate, lowCut, true),
		highCut: NewSVF(sampleRate, highCut, false),
	}
}

func (t toneFilter) process(x float32) float32 {
	return t.highCut.Process(t.lowCut.Process(x))
}

func (t toneFilter) reset() {
	t.lowCut.Reset()
	t.highCut.Reset()
}

func clampLowCut(hz float64) float64 {
	return clamp(hz, MinLowCutHz, MaxLowCutHz)
}

func clampHighCut(hz float64) float64 {
	return clamp(hz, MinHighCutHz, MaxHighCutHz)
}

// clamp also maps NaN to lo.
func clamp(v, lo, hi float64) float64 {
	if !(v >= lo) {
		return lo
	}

	return min(v, hi)
}
