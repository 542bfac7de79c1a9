package dsp

import (
	"runtime"
	"sync/atomic"
)

// kernelSet is one complete frequency-domain description of the loaded IR.
// Everything the audio goroutine needs to know about the IR lives here so it
// switches together with the coefficients.
type kernelSet struct {
	earlyL, earlyR Spectrum
	lateL, lateR   Spectrum

	loaded       bool
	trueStereo   bool
	activeLength int
}

func newKernelSet(earlySize, lateSize int) kernelSet {
	return kernelSet{
		earlyL: newSpectrum(earlySize),
		earlyR: newSpectrum(earlySize),
		lateL:  newSpectrum(lateSize),
		lateR:  newSpectrum(lateSize),
	}
}

// kernelBank double-buffers kernel sets between one writer (the control
// side, serialized by the engine mutex) and one reader (the audio
// goroutine).
//
// The reader announces the set it uses in reading and confirms active did
// not move in the meantime. The writer only touches the inactive set and
// waits while the reader still holds it from before the previous swap. The
// reader never waits.
type kernelBank struct {
	sets    [2]kernelSet
	active  atomic.Int32
	reading atomic.Int32
}

func newKernelBank(earlySize, lateSize int) *kernelBank {
	b := &kernelBank{}
	b.sets[0] = newKernelSet(earlySize, lateSize)
	b.sets[1] = newKernelSet(earlySize, lateSize)
	b.reading.Store(-1)

	return b
}

// acquire pins the active set for the duration of one Process call.
func (b *kernelBank) acquire() *kernelSet {
	for {
		idx := b.active.Load()
		b.reading.Store(idx)

		if b.active.Load() == idx {
			return &b.sets[idx]
		}
	}
}

func (b *kernelBank) release() {
	b.reading.Store(-1)
}

// current returns the active set for control-side reads. Must be called with
// the engine mutex held.
func (b *kernelBank) current() *kernelSet {
	return &b.sets[b.active.Load()]
}

// staging returns the inactive set once the reader has let go of it. Must be
// called with the engine mutex held.
func (b *kernelBank) staging() *kernelSet {
	idx := 1 - b.active.Load()
	for b.reading.Load() == idx {
		runtime.Gosched()
	}

	return &b.sets[idx]
}

// publish makes the staging set active.
func (b *kernelBank) publish() {
	b.active.Store(1 - b.active.Load())
}
