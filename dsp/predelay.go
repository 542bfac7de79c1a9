package dsp

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/delay"
)

// MaxPredelayMs is the predelay capacity in milliseconds.
const MaxPredelayMs = 500

// Predelay is a stereo circular delay in front of the convolution.
type Predelay struct {
	left, right *delay.Line

	sampleRate float64
	capacity   int
	delay      int
}

// NewPredelay allocates MaxPredelayMs worth of storage per channel.
func NewPredelay(sampleRate float64) (*Predelay, error) {
	capacity := int(math.Round(MaxPredelayMs * sampleRate / 1000))

	left, err := delay.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("predelay: %w", err)
	}

	right, err := delay.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("predelay: %w", err)
	}

	return &Predelay{
		left:       left,
		right:      right,
		sampleRate: sampleRate,
		capacity:   capacity,
	}, nil
}

// SetDelay sets the delay in milliseconds, rounded to whole samples and
// clamped to [0, Capacity()-1].
func (p *Predelay) SetDelay(ms float64) {
	p.delay = p.samplesFor(ms)
}

func (p *Predelay) samplesFor(ms float64) int {
	n := int(math.Round(ms * p.sampleRate / 1000))

	return max(0, min(n, p.capacity-1))
}

// Write stores one stereo frame.
func (p *Predelay) Write(l, r float32) {
	p.left.Write(float64(l))
	p.right.Write(float64(r))
}

// ReadDelayed returns the frame written DelaySamples() writes before the
// most recent one. With a zero delay this is the frame just written.
func (p *Predelay) ReadDelayed() (float32, float32) {
	// delay.Line.Read(1) is the newest sample.
	d := p.delay + 1

	return float32(p.left.Read(d)), float32(p.right.Read(d))
}

// DelaySamples returns the configured delay in samples.
func (p *Predelay) DelaySamples() int {
	return p.delay
}

// Capacity returns the buffer length in samples.
func (p *Predelay) Capacity() int {
	return p.capacity
}

// Reset clears stored audio and keeps the delay setting.
func (p *Predelay) Reset() {
	p.left.Reset()
	p.right.Reset()
}
