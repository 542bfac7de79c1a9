// Command irpack packs impulse response files into a bank image that the
// pedal loads from its USB stick.
//
// Usage:
//
//	irpack [options] <input-directory> <output-file>
//	irpack -list <bank-file>
//
// The input directory is scanned with the same rules as the USB stick:
// ECHOBR_FULL.WAV, ECHOBR_SHORT_L.WAV with ECHOBR_SHORT_R.WAV, and so on.
//
// Options:
//
//	-rate       Sample rate of the packed responses (default 48000)
//	-length     Maximum response length in samples (default 4096)
//	-builtin    Also pack the generated response of modes without a file
//	-list       Print the slots of an existing bank image and exit
//	-verbose    Show progress and details
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"echobridge/dsp"
	"echobridge/internal/bankfile"
	"echobridge/internal/irload"
	"echobridge/pkg/irbank"
)

var errNoFiles = errors.New("no IR files found")

type options struct {
	rate    float64
	length  int
	builtin bool
	list    bool
	verbose bool
	args    []string
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("irpack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Float64Var(&opts.rate, "rate", 48000, "Sample rate of the packed responses")
	fs.IntVar(&opts.length, "length", dsp.MaxIRLength, "Maximum response length in samples")
	fs.BoolVar(&opts.builtin, "builtin", false, "Also pack the generated response of modes without a file")
	fs.BoolVar(&opts.list, "list", false, "Print the slots of an existing bank image and exit")
	fs.BoolVar(&opts.verbose, "verbose", false, "Show progress and details")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: irpack [options] <input-directory> <output-file>\n")
		fmt.Fprintf(stderr, "       irpack -list <bank-file>\n\n")
		fmt.Fprintf(stderr, "Packs impulse responses into a %s bank image.\n\n", bankfile.FileName)
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.args = fs.Args()

	want := 2
	if opts.list {
		want = 1
	}

	if len(opts.args) != want {
		fs.Usage()

		return opts, fmt.Errorf("expected %d arguments, got %d", want, len(opts.args))
	}

	if !(opts.rate > 0) || opts.length < 1 {
		return opts, fmt.Errorf("invalid -rate %v or -length %d", opts.rate, opts.length)
	}

	return opts, nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}

		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}

	if opts.list {
		return list(opts.args[0], stdout)
	}

	return pack(opts, stdout, stderr)
}

func pack(opts options, stdout, stderr io.Writer) error {
	inputDir, outputFile := opts.args[0], opts.args[1]

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	info, err := os.Stat(inputDir)
	if err != nil {
		return fmt.Errorf("failed to scan directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", inputDir)
	}

	bank := irbank.New(opts.length)
	loader := irload.New(os.DirFS(inputDir), opts.rate, opts.length, logger)

	loaded, err := loader.LoadBank(bank)
	if err != nil {
		fmt.Fprintf(stderr, "Warning: %v\n", err)
	}

	modes := loaded
	if opts.builtin {
		modes = nil // every slot
	} else if len(loaded) == 0 {
		return fmt.Errorf("%w in %s", errNoFiles, inputDir)
	}

	img := bankfile.Snapshot(bank, opts.rate, modes...)

	out, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	if err := bankfile.Write(out, img); err != nil {
		return fmt.Errorf("failed to write bank image: %w", err)
	}

	if opts.verbose {
		describe(stdout, img)

		if st, err := out.Stat(); err == nil {
			fmt.Fprintf(stdout, "  Size: %.1f KB\n", float64(st.Size())/1024)
		}
	}

	fmt.Fprintf(stdout, "Created %s with %d slots\n", outputFile, len(img.Slots))

	return out.Close()
}

func list(path string, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	img, err := bankfile.Read(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to read bank image: %w", err)
	}

	fmt.Fprintf(stdout, "Slots in %s:\n\n", path)
	describe(stdout, img)

	return nil
}

func describe(w io.Writer, img *bankfile.Image) {
	for _, s := range img.Slots {
		layout := "mono"
		if s.IR.TrueStereo {
			layout = "true stereo"
		} else if s.IR.Right != nil {
			layout = "stereo"
		}

		fmt.Fprintf(w, "  %-5s  %5d samples (%.3fs, %s) from %s\n",
			s.Mode, s.IR.Len(), float64(s.IR.Len())/img.SampleRate, layout, s.IR.Source)
	}
}
