// Command pedalsim runs the EchoBridge reverb engine on a WAV file the way
// the pedal runs it on live audio: fixed callback blocks, IR storage that may
// appear or vanish, and front panel actions arriving between blocks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"echobridge/dsp"
	"echobridge/internal/irload"
	"echobridge/internal/monitor"
	"echobridge/pkg/irbank"
)

// simRate is the rate used when no input file is given.
const simRate = 48000

var errNoOutput = errors.New("-out is required")

type config struct {
	in, out  string
	usb      string
	mode     string
	logFile  string
	monitor  string
	events   string
	debug    bool
	realtime bool
	block    int
	poll     time.Duration
	tail     float64

	dryWet, predelay, length float64
	lowCut, highCut, width   float64
	freeze, bypass           bool
}

// newFlagSet binds the command line to cfg.
func newFlagSet(cfg *config) *flag.FlagSet {
	fs := flag.NewFlagSet("pedalsim", flag.ContinueOnError)
	fs.StringVar(&cfg.in, "in", "", "Input WAV file (default: a single impulse)")
	fs.StringVar(&cfg.out, "out", "", "Output WAV file")
	fs.StringVar(&cfg.usb, "usb", "", "Directory standing in for the USB drive with IR files")
	fs.StringVar(&cfg.mode, "mode", "full", "Initial IR mode (full, short, long)")
	fs.Float64Var(&cfg.dryWet, "mix", dsp.DefaultDryWet, "Dry/wet mix (0.0-1.0)")
	fs.Float64Var(&cfg.predelay, "predelay", dsp.DefaultPredelayMs, "Predelay in ms (0-500)")
	fs.Float64Var(&cfg.length, "length", dsp.DefaultIRLengthFactor, "IR length factor (0.0-1.0)")
	fs.Float64Var(&cfg.lowCut, "lowcut", dsp.DefaultLowCutHz, "Low cut in Hz")
	fs.Float64Var(&cfg.highCut, "highcut", dsp.DefaultHighCutHz, "High cut in Hz")
	fs.Float64Var(&cfg.width, "width", dsp.DefaultStereoWidth, "Stereo width (0.0-2.0)")
	fs.BoolVar(&cfg.freeze, "freeze", false, "Start frozen")
	fs.BoolVar(&cfg.bypass, "bypass", false, "Start bypassed")
	fs.IntVar(&cfg.block, "block", 48, "Audio callback size in frames")
	fs.BoolVar(&cfg.realtime, "realtime", false, "Pace blocks in real time")
	fs.DurationVar(&cfg.poll, "poll", time.Second, "Storage poll interval")
	fs.StringVar(&cfg.monitor, "monitor", "", "Serve the status monitor on this address (e.g. :8080)")
	fs.StringVar(&cfg.events, "events", "", `Panel script, e.g. "1s:fs1-double;2s:knob1=0.8;3s:fs2"`)
	fs.Float64Var(&cfg.tail, "tail", 1, "Seconds of silence appended for the reverb tail")
	fs.StringVar(&cfg.logFile, "log", "pedalsim.log", "Log file path")
	fs.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	return fs
}

func parseFlags(args []string) (config, error) {
	var cfg config

	if err := newFlagSet(&cfg).Parse(args); err != nil {
		return cfg, err
	}

	if cfg.out == "" {
		return cfg, errNoOutput
	}

	if cfg.block < 1 {
		return cfg, fmt.Errorf("-block must be positive, got %d", cfg.block)
	}

	if cfg.poll <= 0 {
		return cfg, fmt.Errorf("-poll must be positive, got %v", cfg.poll)
	}

	return cfg, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}

		//nolint:forbidigo // critical error output to user
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	events, err := parseEvents(cfg.events)
	if err != nil {
		return err
	}

	mode, err := irbank.ParseMode(cfg.mode)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(cfg.logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(file, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	slog.Info("Starting pedalsim", "args", args)

	inL, inR, rate := impulse(simRate), impulse(simRate), simRate
	if cfg.in != "" {
		if inL, inR, rate, err = readWAV(cfg.in); err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}

	slog.Info("Input", "file", cfg.in, "sampleRate", rate, "frames", len(inL), "stereo", detectStereo(inL, inR))

	engine, err := dsp.NewEngine(float64(rate), dsp.MaxIRLength)
	if err != nil {
		return err
	}

	p := newPedal(engine, irbank.New(dsp.MaxIRLength), logger)
	if err := p.SelectMode(mode); err != nil {
		return err
	}

	p.SetDryWet(cfg.dryWet)
	p.SetPredelay(cfg.predelay)
	p.SetIRLengthFactor(cfg.length)
	p.SetLowCut(cfg.lowCut)
	p.SetHighCut(cfg.highCut)
	p.SetStereoWidth(cfg.width)
	p.SetFreeze(cfg.freeze)
	p.SetBypass(cfg.bypass)
	slog.Info("Parameters configured", "status", p.Snapshot())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.usb != "" {
		mount := irload.NewMount(cfg.usb)

		// The first scan happens before audio starts, as at power-up.
		if mounted, _ := mount.Poll(); mounted {
			p.onMount(mount, true)
		}

		go mount.Watch(ctx, cfg.poll, func(mounted bool) { p.onMount(mount, mounted) })
	}

	if cfg.monitor != "" {
		srv := monitor.NewServer(p, logger)

		go func() {
			if err := srv.ListenAndServe(ctx, cfg.monitor); err != nil {
				slog.Error("Monitor error", "error", err)
			}
		}()

		//nolint:forbidigo // startup message
		fmt.Printf("Monitor available at http://%s/api/status\n", cfg.monitor)
	}

	inL = padTail(inL, cfg.tail, rate)
	inR = padTail(inR, cfg.tail, rate)

	start := time.Now()

	outL, outR, err := p.render(ctx, inL, inR, renderOptions{
		block:    cfg.block,
		realtime: cfg.realtime,
		events:   events,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if err := writeWAV(cfg.out, outL, outR, rate); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	st := p.Snapshot()
	slog.Info("Rendered", "frames", len(outL), "elapsed", time.Since(start), "status", st)

	//nolint:forbidigo // CLI summary output
	fmt.Printf("Wrote %s: %d frames at %d Hz, mode %s, IR %d samples, latency %d samples\n",
		cfg.out, len(outL), rate, p.Mode(), st.IRLength, p.Latency())

	return nil
}

// impulse is one second holding a single full-scale sample at the start.
func impulse(rate int) []float32 {
	x := make([]float32, rate)
	x[0] = 1

	return x
}
