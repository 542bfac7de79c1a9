// Package fft provides a fixed-size radix-2 Cooley-Tukey FFT.
//
// The transform size is part of the type: FFT[Size1024] can only ever be a
// 1024-point transform. Sizes are defined by this package alone, so a
// non-power-of-two transform cannot be instantiated and no runtime size
// check is performed.
//
// Complex data is held as two parallel float32 slices (real and imaginary).
// Forward is unnormalized; Inverse scales by 1/N, so Inverse(Forward(x)) == x
// up to rounding.
package fft

import "math"

// Order is the constraint satisfied by the transform sizes of this package.
type Order interface {
	log2() uint
}

// Transform sizes.
type (
	Size64   struct{}
	Size128  struct{}
	Size256  struct{}
	Size512  struct{}
	Size1024 struct{}
	Size2048 struct{}
)

func (Size64) log2() uint   { return 6 }
func (Size128) log2() uint  { return 7 }
func (Size256) log2() uint  { return 8 }
func (Size512) log2() uint  { return 9 }
func (Size1024) log2() uint { return 10 }
func (Size2048) log2() uint { return 11 }

// FFT is an N-point transform with precomputed twiddle and bit-reversal
// tables. It holds no per-call state and is safe for concurrent use as long
// as callers do not share data slices.
type FFT[O Order] struct {
	n     int
	scale float32
	cos   []float32 // cos(2*pi*k/n), k < n/2
	sin   []float32 // sin(2*pi*k/n), k < n/2
	rev   []uint16  // bit-reversed index for each position
}

// New builds the tables for the transform size O.
func New[O Order]() *FFT[O] {
	var o O

	bits := o.log2()
	n := 1 << bits

	f := &FFT[O]{
		n:     n,
		scale: 1 / float32(n),
		cos:   make([]float32, n/2),
		sin:   make([]float32, n/2),
		rev:   make([]uint16, n),
	}

	for k := range n / 2 {
		angle := 2 * math.Pi * float64(k) / float64(n)
		f.cos[k] = float32(math.Cos(angle))
		f.sin[k] = float32(math.Sin(angle))
	}

	for i := range n {
		r := 0
		for b := range bits {
			if i&(1<<b) != 0 {
				r |= 1 << (bits - 1 - b)
			}
		}

		f.rev[i] = uint16(r)
	}

	return f
}

// Size returns the number of points N.
func (f *FFT[O]) Size() int {
	return f.n
}

// Forward computes the unnormalized DFT of (re, im) in place using the
// e^(-2*pi*i*k*n/N) kernel. Both slices must hold at least N values.
func (f *FFT[O]) Forward(re, im []float32) {
	f.transform(re, im, -1)
}

// Inverse computes the inverse DFT of (re, im) in place and scales the
// result by 1/N.
func (f *FFT[O]) Inverse(re, im []float32) {
	f.transform(re, im, 1)

	re = re[:f.n]
	im = im[:f.n]

	for i := range re {
		re[i] *= f.scale
		im[i] *= f.scale
	}
}

// transform runs the iterative butterfly network. sign selects the
// direction of the twiddle rotation.
func (f *FFT[O]) transform(re, im []float32, sign float32) {
	n := f.n
	re = re[:n]
	im = im[:n]

	for i, r := range f.rev {
		j := int(r)
		if j > i {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		half := size >> 1
		step := n / size

		for start := 0; start < n; start += size {
			for k := range half {
				wr := f.cos[k*step]
				wi := sign * f.sin[k*step]

				a := start + k
				b := a + half

				// (wr + i*wi) * (re[b] + i*im[b])
				tr := wr*re[b] - wi*im[b]
				ti := wr*im[b] + wi*re[b]

				re[b] = re[a] - tr
				im[b] = im[a] - ti
				re[a] += tr
				im[a] += ti
			}
		}
	}
}
