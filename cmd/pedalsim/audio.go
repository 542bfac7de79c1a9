package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"

	"echobridge/dsp"
)

var errEmptyInput = errors.New("input has no audio")

// stereoDetectFrames is how much of the input is inspected to decide whether
// it is a stereo signal.
const stereoDetectFrames = 4800

// readWAV returns the first two channels of a WAV file. A mono file yields
// the same slice for both channels.
func readWAV(path string) (left, right []float32, sampleRate int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, nil, 0, fmt.Errorf("invalid wav file: %s", path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, nil, 0, err
	}

	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 || buf.Format.SampleRate <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid wav buffer: %s", path)
	}

	numCh := buf.Format.NumChannels
	frames := len(buf.Data) / numCh

	if frames == 0 {
		return nil, nil, 0, fmt.Errorf("%w: %s", errEmptyInput, path)
	}

	left = make([]float32, frames)
	right = left

	if numCh > 1 {
		right = make([]float32, frames)
	}

	for i := range frames {
		left[i] = buf.Data[i*numCh]
		if numCh > 1 {
			right[i] = buf.Data[i*numCh+1]
		}
	}

	return left, right, buf.Format.SampleRate, nil
}

// writeWAV writes a 16 bit stereo file.
func writeWAV(path string, left, right []float32, sampleRate int) error {
	if len(left) != len(right) {
		return fmt.Errorf("left/right length mismatch: %d != %d", len(left), len(right))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	data := make([]float32, 2*len(left))
	for i := range left {
		data[2*i] = max(-1, min(1, left[i]))
		data[2*i+1] = max(-1, min(1, right[i]))
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 2, 1)

	buf := &audio.Float32Buffer{
		Format: &audio.Format{
			SampleRate:  sampleRate,
			NumChannels: 2,
		},
		Data:           data,
		SourceBitDepth: 16,
	}

	if err := enc.Write(buf); err != nil {
		return err
	}

	return enc.Close()
}

// renderOptions controls the offline audio loop.
type renderOptions struct {
	block    int
	realtime bool
	events   []panelEvent
}

// render feeds the input through the pedal in callback-sized blocks. Panel
// events are applied between callbacks at the block they fall in, the way
// the hardware scans its controls at the top of each audio callback. With
// realtime set, each block waits for its wall-clock slot.
func (p *pedal) render(ctx context.Context, inL, inR []float32, opts renderOptions) (outL, outR []float32, err error) {
	n := min(len(inL), len(inR))
	outL = make([]float32, n)
	outR = make([]float32, n)

	rate := p.SampleRate()
	period := time.Duration(float64(opts.block) / rate * float64(time.Second))

	var ticker *time.Ticker
	if opts.realtime {
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}

	events := opts.events

	for start := 0; start < n; start += opts.block {
		if err := ctx.Err(); err != nil {
			return outL[:start], outR[:start], err
		}

		now := time.Duration(float64(start) / rate * float64(time.Second))
		for len(events) > 0 && events[0].at <= now {
			p.apply(events[0])
			events = events[1:]
		}

		end := min(start+opts.block, n)

		p.inL.observe(inL[start:end])
		p.inR.observe(inR[start:end])
		p.ProcessBlock(inL[start:end], inR[start:end], outL[start:end], outR[start:end])
		p.outL.observe(outL[start:end])
		p.outR.observe(outR[start:end])

		if ticker != nil {
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
	}

	return outL, outR, nil
}

// detectStereo reports whether the opening of the input is a stereo signal.
func detectStereo(left, right []float32) bool {
	n := min(len(left), len(right), stereoDetectFrames)

	return dsp.IsStereo(left[:n], right[:n])
}

// padTail appends seconds of silence so the reverb tail is rendered.
func padTail(x []float32, seconds float64, sampleRate int) []float32 {
	extra := int(seconds * float64(sampleRate))
	if extra <= 0 {
		return x
	}

	out := make([]float32, len(x)+extra)
	copy(out, x)

	return out
}
