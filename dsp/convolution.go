package dsp

import (
	"echobridge/pkg/fft"
)

// Partition sizes. The early block sets the wet-path latency; the late block
// covers the tail at a lower per-sample cost.
const (
	EarlyBlockSize = 64
	LateBlockSize  = 1024

	// MaxIRLength is the longest impulse response that can be loaded.
	MaxIRLength = 4096
)

// Convolver is a stereo two-partition convolver.
//
// IR taps [0, EarlyBlockSize) run through the early partition and taps
// [EarlyBlockSize, EarlyBlockSize+LateBlockSize) through the late one. The
// late segment starts EarlyBlockSize taps into the IR but comes out
// LateBlockSize samples late, so it lands LateBlockSize-2*EarlyBlockSize
// samples after the position its taps occupy in the IR. Taps past the late
// segment are not convolved.
type Convolver struct {
	earlyFFT *fft.FFT[fft.Size128]
	lateFFT  *fft.FFT[fft.Size2048]

	earlyL, earlyR *Partition[fft.Size128]
	lateL, lateR   *Partition[fft.Size2048]

	kernels *kernelBank
}

// NewConvolver allocates partitions and both kernel sets.
func NewConvolver() *Convolver {
	earlyFFT := fft.New[fft.Size128]()
	lateFFT := fft.New[fft.Size2048]()

	return &Convolver{
		earlyFFT: earlyFFT,
		lateFFT:  lateFFT,
		earlyL:   NewPartition(earlyFFT),
		earlyR:   NewPartition(earlyFFT),
		lateL:    NewPartition(lateFFT),
		lateR:    NewPartition(lateFFT),
		kernels:  newKernelBank(earlyFFT.Size(), lateFFT.Size()),
	}
}

// Load computes kernels for the first length taps of left and right and
// publishes them. right may equal left. It is the caller's job to serialize
// Load calls; Process may run concurrently.
func (c *Convolver) Load(left, right []float32, length int, trueStereo bool) {
	dst := c.kernels.staging()
	c.build(dst, left[:length], right[:length])
	dst.loaded = true
	dst.trueStereo = trueStereo
	dst.activeLength = length
	c.kernels.publish()
}

// Process convolves one stereo frame. It returns silence until the first
// Load.
func (c *Convolver) Process(l, r float32) (float32, float32) {
	set := c.kernels.acquire()
	defer c.kernels.release()

	if !set.loaded {
		return 0, 0
	}

	return c.process(set, l, r)
}

// process runs both partitions against an already acquired kernel set.
func (c *Convolver) process(set *kernelSet, l, r float32) (float32, float32) {
	outL := c.earlyL.Push(l, &set.earlyL) + c.lateL.Push(l, &set.lateL)
	outR := c.earlyR.Push(r, &set.earlyR) + c.lateR.Push(r, &set.lateR)

	return outL, outR
}

// Latency returns the delay between input and the first IR tap in the
// output.
func (c *Convolver) Latency() int {
	return c.earlyL.BlockSize()
}

// Reset clears partition history without touching the kernels.
func (c *Convolver) Reset() {
	c.earlyL.Reset()
	c.earlyR.Reset()
	c.lateL.Reset()
	c.lateR.Reset()
}

// build splits each channel at the partition boundary and transforms the
// segments into dst.
func (c *Convolver) build(dst *kernelSet, left, right []float32) {
	earlyL, lateL := splitTaps(left)
	earlyR, lateR := splitTaps(right)

	kernelSpectrum(c.earlyFFT, &dst.earlyL, earlyL)
	kernelSpectrum(c.earlyFFT, &dst.earlyR, earlyR)
	kernelSpectrum(c.lateFFT, &dst.lateL, lateL)
	kernelSpectrum(c.lateFFT, &dst.lateR, lateR)
}

func splitTaps(ir []float32) (early, late []float32) {
	if len(ir) <= EarlyBlockSize {
		return ir, nil
	}

	end := min(len(ir), EarlyBlockSize+LateBlockSize)

	return ir[:EarlyBlockSize], ir[EarlyBlockSize:end]
}

// trimmedLength is the number of taps kept for a length factor.
func trimmedLength(n int, factor float64) int {
	return min(int(float64(n)*factor), n)
}
