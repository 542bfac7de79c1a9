// Package irbank holds the impulse responses behind the pedal's IR modes.
//
// Each mode starts out with a generated response and can be replaced by a
// file from USB storage. The bank installs the selected mode into anything
// that implements Installer.
package irbank

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cwbudde/algo-approx"
)

// ErrUnknownMode is returned when parsing an unknown mode name.
var ErrUnknownMode = errors.New("irbank: unknown mode")

// Mode selects one of the bank's impulse responses.
type Mode int

// Modes, in footswitch cycling order.
const (
	ModeFull Mode = iota
	ModeShort
	ModeLong

	NumModes = 3
)

var modeNames = [NumModes]string{"full", "short", "long"}

// String returns the lower-case mode name.
func (m Mode) String() string {
	if m < 0 || m >= NumModes {
		return fmt.Sprintf("mode(%d)", int(m))
	}

	return modeNames[m]
}

// Next returns the mode after m, wrapping around.
func (m Mode) Next() Mode {
	return (m + 1) % NumModes
}

// FileBase is the upper-case file stem used for this mode on USB storage,
// for example ECHOBR_FULL.
func (m Mode) FileBase() string {
	return "ECHOBR_" + strings.ToUpper(m.String())
}

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// voicing describes a generated response in nominal samples at 48 kHz. The
// generator compresses the nominal length into the requested length so the
// whole shape fits.
type voicing struct {
	nominal    float64
	decay      float64 // e-folds over the nominal length
	first      float32 // gain of sample 0
	rest       float32 // gain of every other sample
	rightDepth float64 // right channel amplitude modulation depth
	rightRate  float64 // radians per nominal sample
	shape      func(t float64) float32
}

var voicings = [NumModes]voicing{
	ModeFull: {
		nominal: 48000, decay: 3, first: 1, rest: 0.7,
		rightDepth: 0.1, rightRate: 0.01,
		// Reflection bursts every 100 ms.
		shape: func(t float64) float32 {
			if math.Mod(t, 4800) < 100 {
				return 1.5
			}
			return 1
		},
	},
	ModeShort: {
		nominal: 24000, decay: 6, first: 1, rest: 0.8,
		rightDepth: 0.1, rightRate: 0.015,
		// Denser, stronger early reflections.
		shape: func(t float64) float32 {
			if math.Mod(t, 2400) < 200 {
				return 2
			}
			return 1
		},
	},
	ModeLong: {
		nominal: 72000, decay: 2, first: 0.9, rest: 0.6,
		rightDepth: 0.12, rightRate: 0.008,
		// Slow diffuse modulation of the tail.
		shape: func(t float64) float32 {
			return 1 + float32(0.3*math.Sin(t*0.003)*math.Sin(t*0.005))
		},
	},
}

// Generate renders the built-in response for mode with length samples per
// channel. The right channel carries a slow amplitude modulation, so the
// result is true stereo.
func Generate(mode Mode, length int) IR {
	v := voicings[mode]
	left := make([]float32, length)
	right := make([]float32, length)
	scale := v.nominal / float64(length)

	for i := range length {
		t := float64(i) * scale
		env := approx.FastExp(float32(-v.decay * t / v.nominal))

		gain := v.rest
		if i == 0 {
			gain = v.first
		}

		s := env * v.shape(t) * gain
		left[i] = s
		right[i] = s * float32(1+v.rightDepth*math.Sin(t*v.rightRate))
	}

	return IR{
		Left:       left,
		Right:      right,
		TrueStereo: true,
		Source:     "built-in " + mode.String(),
	}
}
