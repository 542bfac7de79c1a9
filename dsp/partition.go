package dsp

import (
	"echobridge/pkg/fft"
)

// Spectrum is the frequency-domain form of one IR segment, sized to the
// transform of the partition that consumes it.
type Spectrum struct {
	Re []float32
	Im []float32
}

func newSpectrum(n int) Spectrum {
	return Spectrum{Re: make([]float32, n), Im: make([]float32, n)}
}

// Partition is a uniform block convolver for a single channel.
//
// Input is gathered into blocks of B samples. Each full block is zero-padded
// to the transform size 2B (the size of O), multiplied with a kernel
// spectrum and overlap-added into a 2B ring. The ring is read one sample per
// Push, so every output sample is exactly B samples late relative to the
// input that produced its first tap.
type Partition[O fft.Order] struct {
	fft   *fft.FFT[O]
	block int

	input []float32 // block accumulator
	pos   int       // write cursor in input, also read cursor in the current output block

	re []float32 // transform scratch
	im []float32

	output []float32 // overlap-add ring of 2B samples
	head   int       // start of the block being read, 0 or B
}

// NewPartition allocates all partition state. The FFT may be shared.
func NewPartition[O fft.Order](f *fft.FFT[O]) *Partition[O] {
	n := f.Size()
	block := n / 2

	return &Partition[O]{
		fft:    f,
		block:  block,
		input:  make([]float32, block),
		re:     make([]float32, n),
		im:     make([]float32, n),
		output: make([]float32, n),
	}
}

// BlockSize returns the number of samples per block, which is also the
// partition latency.
func (p *Partition[O]) BlockSize() int {
	return p.block
}

// Push feeds one input sample and returns one output sample. The kernel is
// only read when the block completes.
func (p *Partition[O]) Push(x float32, kernel *Spectrum) float32 {
	p.input[p.pos] = x

	idx := p.head + p.pos
	y := p.output[idx]
	p.output[idx] = 0

	p.pos++
	if p.pos == p.block {
		p.pos = 0
		p.head ^= p.block
		p.convolve(kernel)
	}

	return y
}

// convolve transforms the completed block, applies the kernel and adds the
// 2B-sample result into the ring starting at the new head.
func (p *Partition[O]) convolve(kernel *Spectrum) {
	n := len(p.re)

	copy(p.re, p.input)
	clear(p.re[p.block:])
	clear(p.im)

	p.fft.Forward(p.re, p.im)
	complexMultiplyInPlace(p.re, p.im, kernel.Re, kernel.Im)
	p.fft.Inverse(p.re, p.im)

	for i, v := range p.re {
		p.output[(p.head+i)&(n-1)] += v
	}
}

// Reset clears accumulated input and pending output.
func (p *Partition[O]) Reset() {
	clear(p.input)
	clear(p.output)
	clear(p.re)
	clear(p.im)
	p.pos = 0
	p.head = 0
}

// complexMultiplyInPlace computes a *= b element-wise with
// (ar + i*ai)(br + i*bi) = (ar*br - ai*bi) + i(ar*bi + ai*br).
func complexMultiplyInPlace(ar, ai, br, bi []float32) {
	br = br[:len(ar)]
	bi = bi[:len(ar)]
	ai = ai[:len(ar)]

	for k := range ar {
		a, b := ar[k], ai[k]
		c, d := br[k], bi[k]
		ar[k] = a*c - b*d
		ai[k] = a*d + b*c
	}
}

// kernelSpectrum loads taps into a zero-padded transform buffer and
// transforms it in place into dst.
func kernelSpectrum[O fft.Order](f *fft.FFT[O], dst *Spectrum, taps []float32) {
	n := f.Size()
	if len(taps) > n/2 || len(dst.Re) != n || len(dst.Im) != n {
		panic("dsp: kernel does not fit its partition")
	}

	copy(dst.Re, taps)
	clear(dst.Re[len(taps):])
	clear(dst.Im)

	f.Forward(dst.Re, dst.Im)
}
