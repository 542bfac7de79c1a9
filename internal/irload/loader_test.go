package irload

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"

	"echobridge/internal/aiff"
	"echobridge/internal/bankfile"
	"echobridge/pkg/irbank"
)

const (
	testRate   = 48000
	testMaxLen = 4096
)

// wavFile encodes channels as a 16 bit WAV file.
func wavFile(t *testing.T, rate int, channels ...[]float32) *fstest.MapFile {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ir.wav")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	numCh := len(channels)
	data := make([]float32, len(channels[0])*numCh)

	for i := range channels[0] {
		for ch := range numCh {
			data[i*numCh+ch] = channels[ch][i]
		}
	}

	enc := wav.NewEncoder(f, rate, 16, numCh, 1)
	buf := &audio.Float32Buffer{
		Format: &audio.Format{
			SampleRate:  rate,
			NumChannels: numCh,
		},
		Data:           data,
		SourceBitDepth: 16,
	}

	if err := enc.Write(buf); err != nil {
		t.Fatalf("wav write: %v", err)
	}

	if err := enc.Close(); err != nil {
		t.Fatalf("wav close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	return &fstest.MapFile{Data: raw}
}

func aiffFile(t *testing.T, rate float64, channels ...[]float32) *fstest.MapFile {
	t.Helper()

	var buf bytes.Buffer
	if err := aiff.Write(&buf, rate, 24, channels); err != nil {
		t.Fatalf("aiff write: %v", err)
	}

	return &fstest.MapFile{Data: buf.Bytes()}
}

// decaying returns n samples of an exponential decay starting at peak.
func decaying(n int, peak float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = peak * float32(math.Exp(-4*float64(i)/float64(n)))
	}

	return out
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 2e-3
}

func newLoader(fsys fstest.MapFS) *Loader {
	return New(fsys, testRate, testMaxLen, nil)
}

func TestLoadMono(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"ECHOBR_SHORT.WAV": wavFile(t, testRate, decaying(1000, 0.5)),
	}

	ir, err := newLoader(fsys).Load(irbank.ModeShort)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if ir.Len() != 1000 || ir.Right != nil || ir.TrueStereo {
		t.Fatalf("expected 1000 mono samples, got %d right=%v stereo=%v", ir.Len(), ir.Right != nil, ir.TrueStereo)
	}

	if !near(ir.Left[0], 1) {
		t.Errorf("expected peak normalised to 1, got %v", ir.Left[0])
	}

	if ir.Source != "ECHOBR_SHORT.WAV" {
		t.Errorf("Source = %q", ir.Source)
	}
}

func TestLoadPairPreferredAndJointlyNormalised(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"ECHOBR_FULL_L.WAV": wavFile(t, testRate, decaying(800, 0.5)),
		"ECHOBR_FULL_R.WAV": wavFile(t, testRate, decaying(800, 0.25)),
		"ECHOBR_FULL.WAV":   wavFile(t, testRate, decaying(800, 0.9)),
	}

	ir, err := newLoader(fsys).Load(irbank.ModeFull)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !ir.TrueStereo || len(ir.Right) != ir.Len() {
		t.Fatal("expected a true-stereo pair")
	}

	if !near(ir.Left[0], 1) || !near(ir.Right[0], 0.5) {
		t.Errorf("expected shared peak gain, got L=%v R=%v", ir.Left[0], ir.Right[0])
	}
}

func TestLoadCaseInsensitive(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"echobr_long.wav": wavFile(t, testRate, decaying(300, 0.3)),
	}

	if _, err := newLoader(fsys).Load(irbank.ModeLong); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
}

func TestLoadAveragesStereoIntoMono(t *testing.T) {
	t.Parallel()

	left := []float32{0.5, 0.2, 0}
	right := []float32{0.3, 0.2, 0.4}

	fsys := fstest.MapFS{
		"ECHOBR_SHORT.wav": wavFile(t, testRate, left, right),
	}

	ir, err := newLoader(fsys).Load(irbank.ModeShort)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Averages are 0.4, 0.2, 0.2; normalised by 0.4.
	want := []float32{1, 0.5, 0.5}
	for i, w := range want {
		if !near(ir.Left[i], w) {
			t.Errorf("sample %d: got %v want %v", i, ir.Left[i], w)
		}
	}
}

func TestLoadPairUsesLastChannelOfRightFile(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"ECHOBR_LONG_L.wav": wavFile(t, testRate, []float32{0.5, 0}, []float32{0.1, 0}),
		"ECHOBR_LONG_R.wav": wavFile(t, testRate, []float32{0.1, 0}, []float32{0, 0.5}),
	}

	ir, err := newLoader(fsys).Load(irbank.ModeLong)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !near(ir.Left[0], 1) || !near(ir.Right[0], 0) || !near(ir.Right[1], 1) {
		t.Errorf("unexpected channels: L=%v R=%v", ir.Left, ir.Right)
	}
}

func TestLoadGenericNamesFillFullOnly(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"ir_left.wav":  wavFile(t, testRate, decaying(200, 0.4)),
		"IR_RIGHT.WAV": wavFile(t, testRate, decaying(200, 0.2)),
	}

	l := newLoader(fsys)

	ir, err := l.Load(irbank.ModeFull)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !ir.TrueStereo {
		t.Error("expected the generic pair to load as true stereo")
	}

	if _, err := l.Load(irbank.ModeShort); !errors.Is(err, ErrNoIRFile) {
		t.Errorf("short: expected ErrNoIRFile, got %v", err)
	}
}

func TestLoadAIFF(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"ECHOBR_FULL.aiff": aiffFile(t, testRate, decaying(500, 0.25)),
	}

	ir, err := newLoader(fsys).Load(irbank.ModeFull)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if ir.Len() != 500 || !near(ir.Left[0], 1) {
		t.Errorf("unexpected AIFF response: len %d first %v", ir.Len(), ir.Left[0])
	}
}

func TestLoadTruncates(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"ECHOBR_LONG.WAV": wavFile(t, testRate, decaying(10000, 0.5)),
	}

	ir, err := newLoader(fsys).Load(irbank.ModeLong)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if ir.Len() != testMaxLen {
		t.Errorf("expected truncation to %d, got %d", testMaxLen, ir.Len())
	}
}

func TestLoadResamples(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"ECHOBR_SHORT.WAV": wavFile(t, 24000, decaying(1000, 0.5)),
	}

	ir, err := newLoader(fsys).Load(irbank.ModeShort)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if ir.Len() < 1900 || ir.Len() > 2000 {
		t.Errorf("expected about 2000 samples at double rate, got %d", ir.Len())
	}

	peak := 0
	for i, v := range ir.Left {
		if math.Abs(float64(v)) > math.Abs(float64(ir.Left[peak])) {
			peak = i
		}
	}

	if peak > 16 {
		t.Errorf("expected onset near zero after delay compensation, peak at %d", peak)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fsys fstest.MapFS
		mode irbank.Mode
		want error
	}{
		{"no file", fstest.MapFS{"README.TXT": {Data: []byte("hi")}}, irbank.ModeShort, ErrNoIRFile},
		{"silent", fstest.MapFS{"ECHOBR_SHORT.WAV": wavFile(t, testRate, make([]float32, 100))}, irbank.ModeShort, ErrEmptyIR},
		{"garbage", fstest.MapFS{"ECHOBR_SHORT.WAV": {Data: []byte("not a wav file at all")}}, irbank.ModeShort, ErrUnsupportedFormat},
		{"bad aiff", fstest.MapFS{"ECHOBR_SHORT.AIF": {Data: []byte("FORM\x00\x00\x00\x04WAVE")}}, irbank.ModeShort, ErrUnsupportedFormat},
		{"pair length mismatch", fstest.MapFS{
			"ECHOBR_LONG_L.WAV": wavFile(t, testRate, decaying(100, 0.5)),
			"ECHOBR_LONG_R.WAV": wavFile(t, testRate, decaying(120, 0.5)),
		}, irbank.ModeLong, ErrChannelMismatch},
		{"pair rate mismatch", fstest.MapFS{
			"ECHOBR_LONG_L.WAV": wavFile(t, testRate, decaying(100, 0.5)),
			"ECHOBR_LONG_R.WAV": wavFile(t, 44100, decaying(100, 0.5)),
		}, irbank.ModeLong, ErrChannelMismatch},
	}

	for _, tt := range tests {
		if _, err := newLoader(tt.fsys).Load(tt.mode); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestLoadBank(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"ECHOBR_FULL.WAV":  wavFile(t, testRate, decaying(700, 0.5)),
		"ECHOBR_SHORT.WAV": {Data: []byte("broken")},
		"ECHOBR_LONG_L.WAV": wavFile(t, testRate, decaying(900, 0.5)),
		"ECHOBR_LONG_R.WAV": wavFile(t, testRate, decaying(900, 0.4)),
	}

	bank := irbank.New(testMaxLen)
	builtinShort := bank.Get(irbank.ModeShort)

	loaded, err := newLoader(fsys).LoadBank(bank)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected the broken short file to be reported, got %v", err)
	}

	if !slices.Equal(loaded, []irbank.Mode{irbank.ModeFull, irbank.ModeLong}) {
		t.Errorf("loaded = %v, want [full long]", loaded)
	}

	if got := bank.Get(irbank.ModeFull); got.Len() != 700 || got.TrueStereo {
		t.Errorf("full slot: len %d stereo %v", got.Len(), got.TrueStereo)
	}

	if got := bank.Get(irbank.ModeLong); got.Len() != 900 || !got.TrueStereo {
		t.Errorf("long slot: len %d stereo %v", got.Len(), got.TrueStereo)
	}

	if got := bank.Get(irbank.ModeShort); !slices.Equal(got.Left, builtinShort.Left) {
		t.Error("short slot should keep the built-in response")
	}
}

func TestLoadBankEmptyStorage(t *testing.T) {
	t.Parallel()

	bank := irbank.New(64)

	loaded, err := newLoader(fstest.MapFS{}).LoadBank(bank)
	if err != nil || len(loaded) != 0 {
		t.Errorf("expected nothing loaded and no error, got %v, %v", loaded, err)
	}
}

func imageFile(t *testing.T, rate float64, slots ...bankfile.Slot) *fstest.MapFile {
	t.Helper()

	var buf bytes.Buffer
	if err := bankfile.Write(&buf, &bankfile.Image{SampleRate: rate, Slots: slots}); err != nil {
		t.Fatalf("bank image: %v", err)
	}

	return &fstest.MapFile{Data: buf.Bytes()}
}

func TestLoadBankImage(t *testing.T) {
	t.Parallel()

	stereo := irbank.IR{Left: decaying(600, 0.5), Right: decaying(600, 0.25), TrueStereo: true}
	mono := irbank.IR{Left: decaying(300, 1)}

	fsys := fstest.MapFS{
		"echobr.bnk": imageFile(t, testRate,
			bankfile.Slot{Mode: irbank.ModeFull, IR: stereo},
			bankfile.Slot{Mode: irbank.ModeShort, IR: mono}),
		"ECHOBR_SHORT.WAV": wavFile(t, testRate, decaying(800, 0.5)),
	}

	bank := irbank.New(testMaxLen)

	loaded, err := newLoader(fsys).LoadBank(bank)
	if err != nil {
		t.Fatalf("LoadBank: %v", err)
	}

	if !slices.Equal(loaded, []irbank.Mode{irbank.ModeFull, irbank.ModeShort}) {
		t.Errorf("loaded = %v, want [full short]", loaded)
	}

	full := bank.Get(irbank.ModeFull)
	if full.Source != "echobr.bnk:full" || !full.TrueStereo || full.Len() != 600 {
		t.Errorf("full slot: source %q stereo %v len %d", full.Source, full.TrueStereo, full.Len())
	}

	// The pair shares one gain, so the quieter right channel stays at half.
	if !near(full.Left[0], 1) || !near(full.Right[0], 0.5) {
		t.Errorf("image slot not normalised: %v %v", full.Left[0], full.Right[0])
	}

	// The single file wins over the image.
	if short := bank.Get(irbank.ModeShort); short.Source != "ECHOBR_SHORT.WAV" || short.Len() != 800 {
		t.Errorf("short slot: source %q len %d", short.Source, short.Len())
	}
}

func TestLoadBankImageResamples(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"ECHOBR.BNK": imageFile(t, testRate/2, bankfile.Slot{Mode: irbank.ModeLong, IR: irbank.IR{Left: decaying(1000, 0.5)}}),
	}

	bank := irbank.New(testMaxLen)

	if _, err := newLoader(fsys).LoadBank(bank); err != nil {
		t.Fatalf("LoadBank: %v", err)
	}

	if n := bank.Get(irbank.ModeLong).Len(); n != 2000 {
		t.Errorf("long slot has %d samples, want 2000", n)
	}
}

func TestLoadBankImageNormalises(t *testing.T) {
	t.Parallel()

	loud := decaying(1000, 8)

	fsys := fstest.MapFS{
		"ECHOBR.BNK": imageFile(t, testRate, bankfile.Slot{Mode: irbank.ModeLong, IR: irbank.IR{Left: loud}}),
	}

	bank := irbank.New(testMaxLen)

	if _, err := newLoader(fsys).LoadBank(bank); err != nil {
		t.Fatalf("LoadBank: %v", err)
	}

	long := bank.Get(irbank.ModeLong)
	if !near(long.Left[0], 1) {
		t.Errorf("long[0] = %v, want 1", long.Left[0])
	}

	for i, v := range long.Left {
		if v > 1 || v < -1 {
			t.Fatalf("long[%d] = %v outside [-1, 1]", i, v)
		}
	}
}

func TestLoadBankImageRejectsNonFinite(t *testing.T) {
	t.Parallel()

	bad := decaying(500, 0.5)
	bad[10] = float32(math.Inf(1))

	fsys := fstest.MapFS{
		"ECHOBR.BNK":      imageFile(t, testRate, bankfile.Slot{Mode: irbank.ModeLong, IR: irbank.IR{Left: bad}}),
		"ECHOBR_FULL.WAV": wavFile(t, testRate, decaying(500, 0.5)),
	}

	bank := irbank.New(testMaxLen)
	builtin := bank.Get(irbank.ModeLong)

	loaded, err := newLoader(fsys).LoadBank(bank)
	if !errors.Is(err, bankfile.ErrCorrupted) {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}

	if !slices.Equal(loaded, []irbank.Mode{irbank.ModeFull}) {
		t.Errorf("loaded = %v, want [full]", loaded)
	}

	if long := bank.Get(irbank.ModeLong); long.Source != builtin.Source || long.Len() != builtin.Len() {
		t.Errorf("long slot replaced by %q", long.Source)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	left := []float32{0.25, -2, 0.5}
	right := []float32{1, 0, -0.5}

	if err := normalize(left, right); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	if !slices.Equal(left, []float32{0.125, -1, 0.25}) || !slices.Equal(right, []float32{0.5, 0, -0.25}) {
		t.Errorf("normalised to %v %v", left, right)
	}

	if err := normalize(make([]float32, 8)); !errors.Is(err, ErrEmptyIR) {
		t.Errorf("silence: expected ErrEmptyIR, got %v", err)
	}

	for _, v := range []float64{math.NaN(), math.Inf(-1)} {
		if err := normalize([]float32{0.5, float32(v)}); !errors.Is(err, ErrNonFinite) {
			t.Errorf("%v: expected ErrNonFinite, got %v", v, err)
		}
	}
}

func TestLoadBankCorruptImage(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"ECHOBR.BNK":      {Data: []byte("not a bank image")},
		"ECHOBR_FULL.WAV": wavFile(t, testRate, decaying(500, 0.5)),
	}

	loaded, err := newLoader(fsys).LoadBank(irbank.New(testMaxLen))
	if !errors.Is(err, bankfile.ErrInvalidMagic) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	if !slices.Equal(loaded, []irbank.Mode{irbank.ModeFull}) {
		t.Errorf("loaded = %v, want [full]", loaded)
	}
}

func TestMountPoll(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "usb")
	m := NewMount(dir)

	steps := []struct {
		action           func()
		mounted, changed bool
	}{
		{func() {}, false, false},
		{func() { _ = os.Mkdir(dir, 0o755) }, true, true},
		{func() {}, true, false},
		{func() { _ = os.Remove(dir) }, false, true},
	}

	for i, s := range steps {
		s.action()

		mounted, changed := m.Poll()
		if mounted != s.mounted || changed != s.changed {
			t.Errorf("step %d: Poll() = (%v, %v), want (%v, %v)", i, mounted, changed, s.mounted, s.changed)
		}
	}
}

func TestMountWatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewMount(dir)

	if err := os.WriteFile(filepath.Join(dir, "ECHOBR_FULL.WAV"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan bool, 4)
	done := make(chan struct{})

	go func() {
		defer close(done)
		m.Watch(ctx, time.Millisecond, func(mounted bool) { events <- mounted })
	}()

	select {
	case mounted := <-events:
		if !mounted {
			t.Error("expected a mount event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no mount event")
	}

	cancel()
	<-done

	if _, err := New(m.FS(), testRate, testMaxLen, nil).Load(irbank.ModeFull); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected the mount FS to expose the file, got %v", err)
	}
}
