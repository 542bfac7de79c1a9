// Package irload loads impulse responses from removable storage into the
// IR bank.
//
// For each mode the loader looks for a stereo pair first
// (ECHOBR_FULL_L.WAV and ECHOBR_FULL_R.WAV), then a single file
// (ECHOBR_FULL.WAV). Names are matched case-insensitively and may use a
// .wav, .aif or .aiff extension. The Full slot also accepts the generic
// names ir_left/ir_right and ir_mono when it has no file of its own.
//
// A bank image (ECHOBR.BNK) fills every slot it carries in one go. Single
// files take precedence over the image.
package irload

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"

	"echobridge/internal/bankfile"
	"echobridge/pkg/irbank"
)

var (
	// ErrNoIRFile is returned when no file matches a mode.
	ErrNoIRFile = errors.New("irload: no impulse response file")
	// ErrUnsupportedFormat is returned for files that cannot be decoded.
	ErrUnsupportedFormat = errors.New("irload: unsupported format")
	// ErrEmptyIR is returned for files without audible samples.
	ErrEmptyIR = errors.New("irload: empty impulse response")
	// ErrNonFinite is returned for responses holding NaN or Inf samples.
	ErrNonFinite = errors.New("irload: non-finite sample")
	// ErrChannelMismatch is returned when the two files of a pair disagree
	// in length or sample rate.
	ErrChannelMismatch = errors.New("irload: left/right mismatch")
)

var extensions = []string{".wav", ".aif", ".aiff", ".aifc"}

// imageKey is the index key of a bank image. It cannot clash with a stem,
// since stems never keep their extension.
var imageKey = strings.ToLower(bankfile.FileName)

// Loader decodes impulse responses from a file system.
type Loader struct {
	fsys       fs.FS
	sampleRate float64
	maxLength  int
	logger     *slog.Logger
}

// New returns a loader that resamples to sampleRate and truncates to
// maxLength. A nil logger uses slog.Default().
func New(fsys fs.FS, sampleRate float64, maxLength int, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Loader{
		fsys:       fsys,
		sampleRate: sampleRate,
		maxLength:  maxLength,
		logger:     logger,
	}
}

// Load decodes the response for mode.
func (l *Loader) Load(mode irbank.Mode) (irbank.IR, error) {
	names, err := l.index()
	if err != nil {
		return irbank.IR{}, err
	}

	base := strings.ToLower(mode.FileBase())

	ir, err := l.loadFrom(names, base+"_l", base+"_r", base)
	if errors.Is(err, ErrNoIRFile) && mode == irbank.ModeFull {
		ir, err = l.loadFrom(names, "ir_left", "ir_right", "ir_mono")
	}

	if err != nil {
		return irbank.IR{}, fmt.Errorf("%s: %w", mode, err)
	}

	return ir, nil
}

// LoadBank replaces every bank slot that has a file and returns the modes
// that were replaced. Slots without a file keep their response. The first
// decode error is returned after all modes have been tried.
func (l *Loader) LoadBank(bank *irbank.Bank) ([]irbank.Mode, error) {
	names, err := l.index()
	if err != nil {
		return nil, err
	}

	loaded, firstErr := l.loadImage(names, bank)

	for mode := range irbank.Mode(irbank.NumModes) {
		ir, err := l.Load(mode)
		if errors.Is(err, ErrNoIRFile) {
			l.logger.Debug("no IR file", "mode", mode)

			continue
		}

		if err == nil {
			err = bank.Set(mode, ir)
		}

		if err != nil {
			l.logger.Warn("IR load failed", "mode", mode, "error", err)
			firstErr = cmp.Or(firstErr, err)

			continue
		}

		l.logger.Info("IR loaded",
			"mode", mode,
			"source", ir.Source,
			"length", ir.Len(),
			"trueStereo", ir.TrueStereo)

		if !slices.Contains(loaded, mode) {
			loaded = append(loaded, mode)
		}
	}

	slices.Sort(loaded)

	return loaded, firstErr
}

// loadImage fills the slots carried by a bank image, if storage has one.
func (l *Loader) loadImage(names map[string]string, bank *irbank.Bank) ([]irbank.Mode, error) {
	name, ok := names[imageKey]
	if !ok {
		return nil, nil
	}

	f, err := l.fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := bankfile.Read(bufio.NewReader(f))
	if err != nil {
		l.logger.Warn("bank image unreadable", "file", name, "error", err)

		return nil, fmt.Errorf("%s: %w", name, err)
	}

	var (
		loaded   []irbank.Mode
		firstErr error
	)

	for _, s := range img.Slots {
		ir, err := l.conditionIR(s.IR, img.SampleRate)
		if err == nil {
			ir.Source = name + ":" + s.Mode.String()
			err = bank.Set(s.Mode, ir)
		}

		if err != nil {
			l.logger.Warn("bank image slot failed", "file", name, "mode", s.Mode, "error", err)
			firstErr = cmp.Or(firstErr, fmt.Errorf("%s: %s: %w", name, s.Mode, err))

			continue
		}

		l.logger.Info("IR loaded",
			"mode", s.Mode,
			"source", ir.Source,
			"length", ir.Len(),
			"trueStereo", ir.TrueStereo)

		if !slices.Contains(loaded, s.Mode) {
			loaded = append(loaded, s.Mode)
		}
	}

	return loaded, firstErr
}

// index maps lower-case stems to file names in the root directory.
func (l *Loader) index() (map[string]string, error) {
	entries, err := fs.ReadDir(l.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list IR files: %w", err)
	}

	names := make(map[string]string, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name := e.Name()
		if strings.EqualFold(name, bankfile.FileName) {
			names[imageKey] = name

			continue
		}

		ext := strings.ToLower(path.Ext(name))

		for _, want := range extensions {
			if ext == want {
				stem := strings.ToLower(strings.TrimSuffix(name, path.Ext(name)))
				if _, dup := names[stem]; !dup {
					names[stem] = name
				}

				break
			}
		}
	}

	return names, nil
}

// loadFrom tries the left/right pair, then the single file.
func (l *Loader) loadFrom(names map[string]string, left, right, single string) (irbank.IR, error) {
	ln, lok := names[left]
	rn, rok := names[right]

	if lok && rok {
		return l.loadPair(ln, rn)
	}

	if sn, ok := names[single]; ok {
		return l.loadSingle(sn)
	}

	return irbank.IR{}, ErrNoIRFile
}

// loadSingle reads one file. Multi-channel files are averaged into a mono
// response.
func (l *Loader) loadSingle(name string) (irbank.IR, error) {
	s, err := decodeFile(l.fsys, name)
	if err != nil {
		return irbank.IR{}, err
	}

	left, err := l.condition(s.mono(), s.rate)
	if err != nil {
		return irbank.IR{}, fmt.Errorf("%s: %w", name, err)
	}

	if err := normalize(left); err != nil {
		return irbank.IR{}, fmt.Errorf("%s: %w", name, err)
	}

	return irbank.IR{Left: left, Source: name}, nil
}

// loadPair reads a true-stereo response from two files. The left file
// supplies its first channel and the right file its last.
func (l *Loader) loadPair(leftName, rightName string) (irbank.IR, error) {
	ls, err := decodeFile(l.fsys, leftName)
	if err != nil {
		return irbank.IR{}, err
	}

	rs, err := decodeFile(l.fsys, rightName)
	if err != nil {
		return irbank.IR{}, err
	}

	if ls.rate != rs.rate || ls.frames() != rs.frames() {
		return irbank.IR{}, fmt.Errorf("%w: %s has %d frames at %v Hz, %s has %d at %v Hz",
			ErrChannelMismatch, leftName, ls.frames(), ls.rate, rightName, rs.frames(), rs.rate)
	}

	left, err := l.condition(ls.channels[0], ls.rate)
	if err != nil {
		return irbank.IR{}, fmt.Errorf("%s: %w", leftName, err)
	}

	right, err := l.condition(rs.channels[len(rs.channels)-1], rs.rate)
	if err != nil {
		return irbank.IR{}, fmt.Errorf("%s: %w", rightName, err)
	}

	if err := normalize(left, right); err != nil {
		return irbank.IR{}, fmt.Errorf("%s+%s: %w", leftName, rightName, err)
	}

	return irbank.IR{
		Left:       left,
		Right:      right,
		TrueStereo: true,
		Source:     leftName + "+" + rightName,
	}, nil
}

// conditionIR applies condition to both channels of a stored response and
// normalises them together.
func (l *Loader) conditionIR(ir irbank.IR, rate float64) (irbank.IR, error) {
	left, err := l.condition(ir.Left, rate)
	if err != nil {
		return irbank.IR{}, err
	}

	out := irbank.IR{Left: left, TrueStereo: ir.TrueStereo}

	if ir.Right != nil {
		if out.Right, err = l.condition(ir.Right, rate); err != nil {
			return irbank.IR{}, err
		}
	}

	if err := normalize(out.Left, out.Right); err != nil {
		return irbank.IR{}, err
	}

	return out, nil
}

// condition resamples to the engine rate and truncates to the maximum length.
func (l *Loader) condition(x []float32, rate float64) ([]float32, error) {
	if len(x) == 0 {
		return nil, ErrEmptyIR
	}

	y, err := resample(x, rate, l.sampleRate)
	if err != nil {
		return nil, err
	}

	if len(y) > l.maxLength {
		y = y[:l.maxLength]
	}

	if len(y) == 0 {
		return nil, ErrEmptyIR
	}

	return y, nil
}
