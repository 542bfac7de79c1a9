package irbank

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrEmptyIR is returned for a response without samples.
	ErrEmptyIR = errors.New("irbank: empty impulse response")
	// ErrChannelMismatch is returned when left and right differ in length.
	ErrChannelMismatch = errors.New("irbank: channel length mismatch")
)

// IR is one stored impulse response. Right is nil for a mono response.
type IR struct {
	Left       []float32
	Right      []float32
	TrueStereo bool
	Source     string
}

// Len returns the number of samples per channel.
func (ir IR) Len() int { return len(ir.Left) }

func (ir IR) validate() error {
	if len(ir.Left) == 0 {
		return ErrEmptyIR
	}

	if ir.Right != nil && len(ir.Right) != len(ir.Left) {
		return fmt.Errorf("%w: left %d, right %d", ErrChannelMismatch, len(ir.Left), len(ir.Right))
	}

	return nil
}

// Installer receives the selected response. dsp.Engine implements it.
type Installer interface {
	LoadImpulseResponse(left, right []float32, length int) error
}

// Bank stores one response per mode and remembers the selected mode.
// It is safe for concurrent use.
type Bank struct {
	mu      sync.RWMutex
	slots   [NumModes]IR
	current Mode
}

// New returns a bank filled with the generated responses at length samples.
func New(length int) *Bank {
	b := &Bank{}
	for m := range Mode(NumModes) {
		b.slots[m] = Generate(m, length)
	}

	return b
}

// Get returns the response stored for mode.
func (b *Bank) Get(mode Mode) IR {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.slots[mode]
}

// Set replaces the response for mode. It does not install it.
func (b *Bank) Set(mode Mode, ir IR) error {
	if mode < 0 || mode >= NumModes {
		return fmt.Errorf("%w: %d", ErrUnknownMode, int(mode))
	}

	if err := ir.validate(); err != nil {
		return err
	}

	if ir.Right == nil {
		ir.TrueStereo = false
	}

	b.mu.Lock()
	b.slots[mode] = ir
	b.mu.Unlock()

	return nil
}

// Current returns the selected mode.
func (b *Bank) Current() Mode {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.current
}

// Select installs mode into inst and makes it current. Only true stereo
// responses are installed with their right channel. On error the previous
// mode stays selected.
func (b *Bank) Select(inst Installer, mode Mode) error {
	if mode < 0 || mode >= NumModes {
		return fmt.Errorf("%w: %d", ErrUnknownMode, int(mode))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ir := b.slots[mode]

	// A stored right channel that is not a true stereo response is left to
	// the installer to derive from the left one.
	right := ir.Right
	if !ir.TrueStereo {
		right = nil
	}

	if err := inst.LoadImpulseResponse(ir.Left, right, ir.Len()); err != nil {
		return fmt.Errorf("install %s: %w", mode, err)
	}

	b.current = mode

	return nil
}

// Cycle selects the mode after the current one.
func (b *Bank) Cycle(inst Installer) (Mode, error) {
	next := b.Current().Next()
	if err := b.Select(inst, next); err != nil {
		return b.Current(), err
	}

	return next, nil
}

// Reload installs the current mode again, for example after its slot was
// replaced from storage.
func (b *Bank) Reload(inst Installer) error {
	return b.Select(inst, b.Current())
}
