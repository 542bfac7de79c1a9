package dsp

import (
	"math"
	"math/rand/v2"

	"github.com/cwbudde/algo-dsp/dsp/effects/spatial"
)

// Width bounds.
const (
	MinStereoWidth = 0.0
	MaxStereoWidth = 2.0

	// A block counts as stereo when the summed L/R difference exceeds this
	// fraction of its summed magnitude.
	stereoThreshold = 0.1
	silenceFloor    = 0.001
)

// Seeds for the synthetic right channel. Fixed so one width always yields
// the same right channel.
const (
	decorrelationSeed1 = 0x45_43_48_4f
	decorrelationSeed2 = 0x42_52_49_44
)

// midSide wraps a spatial.StereoWidener with float32 I/O.
type midSide struct {
	w *spatial.StereoWidener
}

func newMidSide(sampleRate float64) (midSide, error) {
	w, err := spatial.NewStereoWidener(sampleRate, spatial.WithWidth(1))
	if err != nil {
		return midSide{}, err
	}

	return midSide{w: w}, nil
}

// setWidth applies a width that was already clamped to the widener's range,
// so the error path is unreachable.
func (m midSide) setWidth(width float64) {
	if m.w.Width() == width {
		return
	}

	if err := m.w.SetWidth(width); err != nil {
		panic(err)
	}
}

func (m midSide) process(l, r float32) (float32, float32) {
	ol, or := m.w.ProcessStereo(float64(l), float64(r))

	return float32(ol), float32(or)
}

// synthesizeRight derives a decorrelated right channel from left.
//
// Each tap is read from a slightly later position (up to 1% of its index per
// unit of |width-1|) and scaled by a seeded random factor in
// 1 +/- 0.1*|width-1|. At width 1 the result is an exact copy.
func synthesizeRight(dst, left []float32, width float64) {
	amount := math.Abs(width - 1)
	if amount == 0 {
		copy(dst, left)
		return
	}

	rng := rand.New(rand.NewPCG(decorrelationSeed1, decorrelationSeed2))
	n := len(left)

	for i := range left {
		offset := int(float64(i) * 0.01 * amount)
		factor := 1 + 0.2*amount*(rng.Float64()-0.5)
		dst[i] = left[(i+offset)%n] * float32(factor)
	}
}

// IsStereo reports whether a block carries distinct left and right signals.
// Near-silent blocks count as mono.
func IsStereo(left, right []float32) bool {
	var diff, mag float64

	n := min(len(left), len(right))
	for i := range n {
		l, r := float64(left[i]), float64(right[i])
		diff += math.Abs(l - r)
		mag += (math.Abs(l) + math.Abs(r)) * 0.5
	}

	if mag <= silenceFloor {
		return false
	}

	return diff/mag > stereoThreshold
}
