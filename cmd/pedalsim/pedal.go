package main

import (
	"log/slog"
	"math"
	"slices"
	"sync/atomic"

	"echobridge/dsp"
	"echobridge/internal/irload"
	"echobridge/internal/monitor"
	"echobridge/pkg/irbank"
)

// peak is a running absolute peak, reset on read.
type peak struct {
	bits atomic.Uint32
}

func (p *peak) observe(block []float32) {
	var m float32
	for _, v := range block {
		m = max(m, v, -v)
	}

	for {
		old := p.bits.Load()
		if math.Float32frombits(old) >= m || p.bits.CompareAndSwap(old, math.Float32bits(m)) {
			return
		}
	}
}

func (p *peak) take() float32 {
	return math.Float32frombits(p.bits.Swap(0))
}

// pedal ties the engine to the IR bank and storage. It is the control side:
// the polling loop, the mount watcher and the monitor call into it, while
// only the audio loop calls Process.
type pedal struct {
	*dsp.Engine

	bank   *irbank.Bank
	logger *slog.Logger

	inL, inR, outL, outR peak
}

var _ monitor.Controller = (*pedal)(nil)

func newPedal(engine *dsp.Engine, bank *irbank.Bank, logger *slog.Logger) *pedal {
	return &pedal{Engine: engine, bank: bank, logger: logger}
}

// Mode returns the selected IR mode.
func (p *pedal) Mode() irbank.Mode { return p.bank.Current() }

// SelectMode installs mode into the engine.
func (p *pedal) SelectMode(mode irbank.Mode) error {
	if err := p.bank.Select(p.Engine, mode); err != nil {
		return err
	}

	p.logger.Info("IR mode selected", "mode", mode)

	return nil
}

// CycleMode advances to the next mode, as a double press of the left
// footswitch does.
func (p *pedal) CycleMode() (irbank.Mode, error) {
	mode, err := p.bank.Cycle(p.Engine)
	if err != nil {
		return mode, err
	}

	p.logger.Info("IR mode selected", "mode", mode)

	return mode, nil
}

// ToggleBypass flips bypass, as a press of the right footswitch does.
func (p *pedal) ToggleBypass() bool {
	on := !p.Bypassed()
	p.SetBypass(on)

	return on
}

// Meters returns and clears the peak levels.
func (p *pedal) Meters() monitor.Meters {
	return monitor.Meters{
		InL:  p.inL.take(),
		InR:  p.inR.take(),
		OutL: p.outL.take(),
		OutR: p.outR.take(),
	}
}

// onMount reacts to storage being inserted or removed. On insert every mode
// with a file is reloaded, and the engine picks up the current mode if it
// changed. Removal keeps whatever is loaded.
func (p *pedal) onMount(mount *irload.Mount, mounted bool) {
	if !mounted {
		p.logger.Info("storage removed", "dir", mount.Dir())

		return
	}

	p.logger.Info("storage mounted", "dir", mount.Dir())

	loader := irload.New(mount.FS(), p.SampleRate(), p.MaxIRLength(), p.logger)

	loaded, err := loader.LoadBank(p.bank)
	if err != nil {
		p.logger.Warn("some IR files could not be loaded", "error", err)
	}

	if !slices.Contains(loaded, p.Mode()) {
		return
	}

	if err := p.bank.Reload(p.Engine); err != nil {
		p.logger.Error("reinstall IR failed", "mode", p.Mode(), "error", err)
	}
}
