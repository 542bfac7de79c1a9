package dsp

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
)

// Errors.
var (
	ErrInvalidIRLength   = errors.New("dsp: invalid impulse response length")
	ErrShortBuffer       = errors.New("dsp: impulse response buffer shorter than length")
	ErrInvalidSampleRate = errors.New("dsp: invalid sample rate")
	ErrNonFiniteIR       = errors.New("dsp: impulse response holds a non-finite sample")
)

// Engine is the partitioned convolution reverb.
//
// Process and ProcessBlock belong to a single audio goroutine and never
// block or allocate. Setters and LoadImpulseResponse may be called from any
// other goroutine at any time. Initialize must not run concurrently with
// Process.
type Engine struct {
	// Control side. mu serializes IR storage and kernel staging; the audio
	// goroutine never takes it.
	mu          sync.Mutex
	maxIRLength int
	irLeft      []float32
	irRight     []float32
	irLength    int
	trueStereo  bool
	irWidth     float64 // width the stored right channel was synthesized for

	params params
	conv   *Convolver

	// Status mirrors of the published kernel set.
	activeLength atomic.Int64
	loaded       atomic.Bool
	stereoIR     atomic.Bool

	// Audio side.
	sampleRate float64
	predelay   *Predelay
	filterL    toneFilter
	filterR    toneFilter
	inWidth    midSide
	outWidth   midSide
	applied    appliedParams
}

// appliedParams caches the parameter values last pushed into the DSP
// objects on the audio goroutine.
type appliedParams struct {
	predelayMs float64
	lowCut     float64
	highCut    float64
	width      float64
}

// NewEngine allocates an engine for the given sample rate. maxIRLength is
// clamped to [1, MaxIRLength].
func NewEngine(sampleRate float64, maxIRLength int) (*Engine, error) {
	maxIRLength = max(1, min(maxIRLength, MaxIRLength))

	e := &Engine{
		maxIRLength: maxIRLength,
		irLeft:      make([]float32, maxIRLength),
		irRight:     make([]float32, maxIRLength),
		irWidth:     DefaultStereoWidth,
		conv:        NewConvolver(),
	}
	e.params.setDefaults()

	if err := e.Initialize(sampleRate); err != nil {
		return nil, err
	}

	return e, nil
}

// Initialize sets up the rate-dependent parts and zeroes all audio state.
// The loaded IR and the parameters are kept. Calling it again with the same
// rate only resets state.
func (e *Engine) Initialize(sampleRate float64) error {
	if !(sampleRate > 0) || math.IsInf(sampleRate, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRate, sampleRate)
	}

	if e.predelay == nil || sampleRate != e.sampleRate {
		predelay, err := NewPredelay(sampleRate)
		if err != nil {
			return err
		}

		inWidth, err := newMidSide(sampleRate)
		if err != nil {
			return err
		}

		outWidth, err := newMidSide(sampleRate)
		if err != nil {
			return err
		}

		e.sampleRate = sampleRate
		e.predelay = predelay
		e.inWidth = inWidth
		e.outWidth = outWidth
		e.filterL = newToneFilter(sampleRate, DefaultLowCutHz, DefaultHighCutHz)
		e.filterR = newToneFilter(sampleRate, DefaultLowCutHz, DefaultHighCutHz)
	}

	e.predelay.Reset()
	e.filterL.reset()
	e.filterR.reset()
	e.conv.Reset()

	// NaN never compares equal, so the next Process reapplies everything.
	nan := math.NaN()
	e.applied = appliedParams{predelayMs: nan, lowCut: nan, highCut: nan, width: nan}

	return nil
}

// LoadImpulseResponse installs the first length samples of left (and right,
// when non-nil) as the active IR. A nil right marks the IR as mono; its right
// channel is derived from left for the current stereo width, which at width
// 1 is an exact copy.
//
// On error nothing changes and the previous IR stays active.
func (e *Engine) LoadImpulseResponse(left, right []float32, length int) error {
	if length <= 0 || length > e.maxIRLength {
		slog.Warn("Rejected impulse response", "length", length, "max", e.maxIRLength)
		return fmt.Errorf("%w: %d (max %d)", ErrInvalidIRLength, length, e.maxIRLength)
	}

	if len(left) < length || (right != nil && len(right) < length) {
		slog.Warn("Rejected impulse response", "length", length, "left", len(left), "right", len(right))
		return fmt.Errorf("%w: need %d samples", ErrShortBuffer, length)
	}

	// A NaN or Inf tap would poison the filter state for good.
	if i := nonFinite(left[:length]); i >= 0 {
		slog.Warn("Rejected impulse response", "channel", "left", "index", i)
		return fmt.Errorf("%w: left[%d]", ErrNonFiniteIR, i)
	}

	if right != nil {
		if i := nonFinite(right[:length]); i >= 0 {
			slog.Warn("Rejected impulse response", "channel", "right", "index", i)
			return fmt.Errorf("%w: right[%d]", ErrNonFiniteIR, i)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.irLeft, left[:length])
	e.irLength = length
	e.trueStereo = right != nil

	if e.trueStereo {
		copy(e.irRight, right[:length])
	} else {
		e.irWidth = e.params.width.Load()
		synthesizeRight(e.irRight[:length], e.irLeft[:length], e.irWidth)
	}

	e.recompute()

	slog.Info("Impulse response installed",
		"length", length, "trueStereo", e.trueStereo, "activeLength", e.activeLength.Load())

	return nil
}

// nonFinite returns the index of the first NaN or Inf in x, or -1.
func nonFinite(x []float32) int {
	for i, v := range x {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return i
		}
	}

	return -1
}

// recompute rebuilds the inactive kernel set from the stored IR and swaps it
// in. Must be called with mu held.
func (e *Engine) recompute() {
	n := trimmedLength(e.irLength, e.params.lengthFactor.Load())

	e.conv.Load(e.irLeft, e.irRight, n, e.trueStereo)

	e.activeLength.Store(int64(n))
	e.stereoIR.Store(e.trueStereo)
	e.loaded.Store(true)
}

// SetIRLengthFactor sets the fraction of the loaded IR that is convolved,
// clamped to [0, 1]. Kernels are only rebuilt when the value changes.
func (e *Engine) SetIRLengthFactor(f float64) {
	f = clamp(f, 0, 1)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.params.lengthFactor.Swap(f) {
		return
	}

	if e.irLength > 0 {
		e.recompute()
	}
}

// SetStereoWidth sets the stereo width, clamped to [0, 2]. For a mono IR the
// right channel is re-synthesized and the kernels rebuilt. For a true-stereo
// IR only the output mid-side stage follows the width.
func (e *Engine) SetStereoWidth(w float64) {
	w = clamp(w, MinStereoWidth, MaxStereoWidth)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.params.width.Swap(w) {
		return
	}

	if e.irLength == 0 || e.trueStereo || w == e.irWidth {
		return
	}

	e.irWidth = w
	synthesizeRight(e.irRight[:e.irLength], e.irLeft[:e.irLength], w)
	e.recompute()
}

// SetPredelay sets the predelay in milliseconds. Negative values count as
// zero; values past the buffer are clamped to its capacity.
func (e *Engine) SetPredelay(ms float64) {
	e.params.predelayMs.Store(clamp(ms, 0, MaxPredelayMs))
}

// SetLowCut sets the high-pass cutoff, clamped to [20, 2000] Hz.
func (e *Engine) SetLowCut(hz float64) {
	e.params.lowCut.Store(clampLowCut(hz))
}

// SetHighCut sets the low-pass cutoff, clamped to [1000, 20000] Hz.
func (e *Engine) SetHighCut(hz float64) {
	e.params.highCut.Store(clampHighCut(hz))
}

// SetDryWet sets the mix, 0 fully dry and 1 fully wet.
func (e *Engine) SetDryWet(mix float64) {
	e.params.dryWet.Store(clamp(mix, 0, 1))
}

// SetFreeze stops new input from entering the convolution while keeping the
// tail that is already in flight.
func (e *Engine) SetFreeze(on bool) {
	e.params.freeze.Store(on)
}

// SetBypass routes the input straight to the output. The reverb state is
// left as it was.
func (e *Engine) SetBypass(on bool) {
	e.params.bypass.Store(on)
}

// ResetParameters restores every sound parameter to its default. Bypass is
// not a sound parameter and is left alone.
func (e *Engine) ResetParameters() {
	e.SetDryWet(DefaultDryWet)
	e.SetPredelay(DefaultPredelayMs)
	e.SetLowCut(DefaultLowCutHz)
	e.SetHighCut(DefaultHighCutHz)
	e.SetFreeze(false)
	e.SetStereoWidth(DefaultStereoWidth)
	e.SetIRLengthFactor(DefaultIRLengthFactor)
}

// syncParams pushes changed parameters into the DSP objects owned by the
// audio goroutine.
func (e *Engine) syncParams() {
	if ms := e.params.predelayMs.Load(); ms != e.applied.predelayMs {
		e.predelay.SetDelay(ms)
		e.applied.predelayMs = ms
	}

	if hz := e.params.lowCut.Load(); hz != e.applied.lowCut {
		e.filterL.lowCut.SetCutoff(hz)
		e.filterR.lowCut.SetCutoff(hz)
		e.applied.lowCut = hz
	}

	if hz := e.params.highCut.Load(); hz != e.applied.highCut {
		e.filterL.highCut.SetCutoff(hz)
		e.filterR.highCut.SetCutoff(hz)
		e.applied.highCut = hz
	}

	if w := e.params.width.Load(); w != e.applied.width {
		e.inWidth.setWidth(w)
		e.outWidth.setWidth(w)
		e.applied.width = w
	}
}

// Process runs one stereo frame through predelay, convolution, tone filters,
// stereo width and the dry/wet mix. Before the first IR is loaded, and while
// bypassed, the input passes through unchanged.
func (e *Engine) Process(inL, inR float32) (float32, float32) {
	if e.params.bypass.Load() {
		return inL, inR
	}

	set := e.conv.kernels.acquire()
	if !set.loaded {
		e.conv.kernels.release()
		return inL, inR
	}

	e.syncParams()

	e.predelay.Write(inL, inR)
	l, r := e.predelay.ReadDelayed()

	width := e.applied.width
	if width != 1 && !set.trueStereo {
		l, r = e.inWidth.process(l, r)
	}

	if e.params.freeze.Load() {
		l, r = 0, 0
	}

	wetL, wetR := e.conv.process(set, l, r)
	e.conv.kernels.release()

	wetL = e.filterL.process(wetL)
	wetR = e.filterR.process(wetR)

	if width != 1 {
		wetL, wetR = e.outWidth.process(wetL, wetR)
	}

	mix := float32(e.params.dryWet.Load())
	dry := 1 - mix

	return inL*dry + wetL*mix, inR*dry + wetR*mix
}

// ProcessBlock runs Process over a block. Processing stops at the shortest
// of the four slices.
func (e *Engine) ProcessBlock(inL, inR, outL, outR []float32) {
	n := min(len(inL), len(inR), len(outL), len(outR))

	for i := range n {
		outL[i], outR[i] = e.Process(inL[i], inR[i])
	}
}

// SampleRate returns the operating sample rate.
func (e *Engine) SampleRate() float64 { return e.sampleRate }

// MaxIRLength returns the longest IR this engine accepts.
func (e *Engine) MaxIRLength() int { return e.maxIRLength }

// Latency returns the wet-path latency in samples, excluding predelay.
func (e *Engine) Latency() int { return e.conv.Latency() }

// DryWet returns the mix.
func (e *Engine) DryWet() float64 { return e.params.dryWet.Load() }

// Predelay returns the predelay in milliseconds.
func (e *Engine) Predelay() float64 { return e.params.predelayMs.Load() }

// IRLengthFactor returns the IR length factor.
func (e *Engine) IRLengthFactor() float64 { return e.params.lengthFactor.Load() }

// ActiveIRLength returns the number of IR taps in use after trimming.
func (e *Engine) ActiveIRLength() int { return int(e.activeLength.Load()) }

// LowCut returns the high-pass cutoff in Hz.
func (e *Engine) LowCut() float64 { return e.params.lowCut.Load() }

// HighCut returns the low-pass cutoff in Hz.
func (e *Engine) HighCut() float64 { return e.params.highCut.Load() }

// StereoWidth returns the stereo width.
func (e *Engine) StereoWidth() float64 { return e.params.width.Load() }

// Frozen reports whether freeze is on.
func (e *Engine) Frozen() bool { return e.params.freeze.Load() }

// Bypassed reports whether bypass is on.
func (e *Engine) Bypassed() bool { return e.params.bypass.Load() }

// TrueStereo reports whether the active IR has its own right channel.
func (e *Engine) TrueStereo() bool { return e.stereoIR.Load() }

// Loaded reports whether an IR was ever installed.
func (e *Engine) Loaded() bool { return e.loaded.Load() }

// Snapshot returns the current display state.
func (e *Engine) Snapshot() Status {
	return Status{
		DryWet:         e.DryWet(),
		PredelayMs:     e.Predelay(),
		IRLengthFactor: e.IRLengthFactor(),
		IRLength:       e.ActiveIRLength(),
		LowCutHz:       e.LowCut(),
		HighCutHz:      e.HighCut(),
		StereoWidth:    e.StereoWidth(),
		Freeze:         e.Frozen(),
		Bypass:         e.Bypassed(),
		TrueStereo:     e.TrueStereo(),
		Loaded:         e.Loaded(),
	}
}
