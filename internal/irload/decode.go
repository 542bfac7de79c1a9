package irload

import (
	"bytes"
	"fmt"
	"io/fs"
	"math"
	"path"
	"strings"

	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
	"github.com/cwbudde/wav"

	"echobridge/internal/aiff"
)

// sound is a decoded file, one slice per channel.
type sound struct {
	channels [][]float32
	rate     float64
}

func (s *sound) frames() int {
	if len(s.channels) == 0 {
		return 0
	}

	return len(s.channels[0])
}

// mono averages all channels into one.
func (s *sound) mono() []float32 {
	if len(s.channels) == 1 {
		return s.channels[0]
	}

	out := make([]float32, s.frames())
	scale := 1 / float32(len(s.channels))

	for _, ch := range s.channels {
		for i, v := range ch {
			out[i] += v * scale
		}
	}

	return out
}

// decodeFile reads name from fsys and decodes it by extension.
func decodeFile(fsys fs.FS, name string) (*sound, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	switch strings.ToLower(path.Ext(name)) {
	case ".wav":
		return decodeWAV(name, data)
	case ".aif", ".aiff", ".aifc":
		f, err := aiff.Parse(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedFormat, name, err)
		}

		return &sound{channels: f.Data, rate: f.SampleRate}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

func decodeWAV(name string, data []byte) (*sound, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s: invalid wav file", ErrUnsupportedFormat, name)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedFormat, name, err)
	}

	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %s: invalid wav buffer", ErrUnsupportedFormat, name)
	}

	numCh := buf.Format.NumChannels
	frames := len(buf.Data) / numCh

	channels := make([][]float32, numCh)
	for ch := range channels {
		channels[ch] = make([]float32, frames)
	}

	for i := range frames {
		for ch := range numCh {
			channels[ch][i] = float32(buf.Data[i*numCh+ch])
		}
	}

	return &sound{channels: channels, rate: float64(buf.Format.SampleRate)}, nil
}

// resample converts x from one rate to another. Equal rates return x as is.
// The filter's group delay is removed so the response onset stays at
// sample zero.
func resample(x []float32, from, to float64) ([]float32, error) {
	if from == to {
		return x, nil
	}

	r, err := dspresample.NewForRates(from, to, dspresample.WithQuality(dspresample.QualityBest))
	if err != nil {
		return nil, fmt.Errorf("resample %v -> %v Hz: %w", from, to, err)
	}

	up, down := r.Ratio()

	// Zero tail long enough to flush the filter.
	in := make([]float64, len(x)+r.TapsPerPhase())
	for i, v := range x {
		in[i] = float64(v)
	}

	out := r.Process(in)
	delay := min((len(r.Prototype())-1)/(2*down), len(out))
	out = out[delay:]
	out = out[:min(len(out), len(x)*up/down)]

	y := make([]float32, len(out))
	for i, v := range out {
		y[i] = float32(v)
	}

	return y, nil
}

// normalize scales every channel by one shared gain so the loudest sample
// across all of them has magnitude 1. Silence yields ErrEmptyIR and a NaN
// or Inf sample yields ErrNonFinite.
func normalize(channels ...[]float32) error {
	var peak float64

	for _, ch := range channels {
		for _, v := range ch {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return ErrNonFinite
			}

			peak = max(peak, math.Abs(f))
		}
	}

	if peak == 0 {
		return ErrEmptyIR
	}

	gain := float32(1 / peak)

	for _, ch := range channels {
		for i := range ch {
			ch[i] *= gain
		}
	}

	return nil
}
