package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"echobridge/dsp"
)

var errBadEvent = errors.New("bad panel event")

// Panel actions. Knobs take a position in [0, 1].
const (
	actFS1Double = "fs1-double" // cycle IR mode
	actFS1Down   = "fs1-down"   // momentary freeze on
	actFS1Up     = "fs1-up"     // momentary freeze off
	actFS2       = "fs2"        // toggle bypass
	actReset     = "reset"      // restore parameter defaults
)

// panelEvent is one scripted front panel action.
type panelEvent struct {
	at     time.Duration
	action string
	value  float64 // knob position
	knob   int     // 1-based, 0 for switches
}

// parseEvents reads a script such as "1.5s:fs1-double;2s:knob4=0.25".
// Events are returned in time order.
func parseEvents(script string) ([]panelEvent, error) {
	var events []panelEvent

	for _, item := range strings.Split(script, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		when, what, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q has no time", errBadEvent, item)
		}

		at, err := time.ParseDuration(when)
		if err != nil || at < 0 {
			return nil, fmt.Errorf("%w: %q: bad time", errBadEvent, item)
		}

		ev := panelEvent{at: at, action: what}

		if name, val, isKnob := strings.Cut(what, "="); isKnob {
			n, err := strconv.Atoi(strings.TrimPrefix(name, "knob"))
			if err != nil || !strings.HasPrefix(name, "knob") || n < 1 || n > 5 {
				return nil, fmt.Errorf("%w: %q: unknown knob", errBadEvent, item)
			}

			v, err := strconv.ParseFloat(val, 64)
			if err != nil || v < 0 || v > 1 {
				return nil, fmt.Errorf("%w: %q: knob position must be in [0, 1]", errBadEvent, item)
			}

			ev.knob, ev.value = n, v
		} else {
			switch what {
			case actFS1Double, actFS1Down, actFS1Up, actFS2, actReset:
			default:
				return nil, fmt.Errorf("%w: %q: unknown action", errBadEvent, item)
			}
		}

		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].at < events[j].at })

	return events, nil
}

// filterKnob maps one knob onto both cut filters. The lower half sweeps
// the low cut up from 20 Hz, the upper half sweeps the high cut down from
// 20 kHz; the middle leaves the reverb unfiltered.
func filterKnob(v float64) (lowCut, highCut float64) {
	if v < 0.5 {
		return dsp.MinLowCutHz + v*2*(1000-dsp.MinLowCutHz), dsp.MaxHighCutHz
	}

	return dsp.MinLowCutHz, dsp.MaxHighCutHz - (v-0.5)*2*(dsp.MaxHighCutHz-dsp.MinHighCutHz)
}

// turnKnob applies a knob position to its parameter.
func (p *pedal) turnKnob(knob int, v float64) {
	switch knob {
	case 1:
		p.SetDryWet(v)
	case 2:
		p.SetPredelay(v * dsp.MaxPredelayMs)
	case 3:
		p.SetIRLengthFactor(v)
	case 4:
		lo, hi := filterKnob(v)
		p.SetLowCut(lo)
		p.SetHighCut(hi)
	case 5:
		p.SetStereoWidth(v * dsp.MaxStereoWidth)
	}
}

// apply performs one panel event.
func (p *pedal) apply(ev panelEvent) {
	p.logger.Debug("panel", "at", ev.at, "action", ev.action)

	switch {
	case ev.knob != 0:
		p.turnKnob(ev.knob, ev.value)
	case ev.action == actFS1Double:
		if _, err := p.CycleMode(); err != nil {
			p.logger.Error("mode change failed", "error", err)
		}
	case ev.action == actFS1Down:
		p.SetFreeze(true)
	case ev.action == actFS1Up:
		p.SetFreeze(false)
	case ev.action == actFS2:
		p.ToggleBypass()
	case ev.action == actReset:
		p.ResetParameters()
	}
}
