package bankfile

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"echobridge/pkg/irbank"
)

func TestHalfKnownValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float32
		want uint16
	}{
		{0, 0x0000},
		{float32(math.Copysign(0, -1)), 0x8000},
		{1, 0x3c00},
		{-2, 0xc000},
		{0.5, 0x3800},
		{65504, 0x7bff},
		{65520, 0x7c00},                 // rounds up to infinity
		{1e9, 0x7c00},                   // overflow
		{float32(math.Inf(-1)), 0xfc00}, // infinity
		{0x1p-14, 0x0400},               // smallest normal
		{0x1p-24, 0x0001},               // smallest subnormal
		{0x1p-25, 0x0000},               // tie rounds to even
		{0x1.8p-25, 0x0001},             // above the tie
		{0x1p-30, 0x0000},               // flushes to zero
		{1 + 0x1p-11, 0x3c00},           // tie rounds to even
		{1 + 0x1p-11 + 0x1p-20, 0x3c01}, // above the tie
		{1 + 0x1p-10 + 0x1p-11, 0x3c02}, // tie rounds up to even
		{0x1.ff8p-15, 0x03ff},           // largest subnormal
		{0x1.ffcp-15, 0x0400},           // tie rounds into the normal range
	}

	for _, tt := range tests {
		if got := toHalf(tt.in); got != tt.want {
			t.Errorf("toHalf(%v) = %#04x, want %#04x", tt.in, got, tt.want)
		}
	}

	if h := toHalf(float32(math.NaN())); h&0x7c00 != 0x7c00 || h&0x3ff == 0 {
		t.Errorf("toHalf(NaN) = %#04x, not a NaN", h)
	}
}

func TestHalfRoundTripsEveryValue(t *testing.T) {
	t.Parallel()

	for i := range 1 << 16 {
		h := uint16(i)
		if h&0x7c00 == 0x7c00 && h&0x3ff != 0 {
			if f := fromHalf(h); !math.IsNaN(float64(f)) {
				t.Fatalf("fromHalf(%#04x) = %v, want NaN", h, f)
			}

			continue
		}

		if got := toHalf(fromHalf(h)); got != h {
			t.Fatalf("toHalf(fromHalf(%#04x)) = %#04x", h, got)
		}
	}
}

func TestHalfPrecisionForAudio(t *testing.T) {
	t.Parallel()

	// Half precision keeps 11 significant bits, so the relative error of
	// any normal value is at most 2^-11.
	for i := 1; i < 1000; i++ {
		x := float32(math.Sin(float64(i)*0.37)) * 0.9
		if x == 0 || math.Abs(float64(x)) < 0x1p-14 {
			continue
		}

		got := fromHalf(toHalf(x))
		if rel := math.Abs(float64(got-x) / float64(x)); rel > 0x1p-11 {
			t.Fatalf("%v -> %v: relative error %v", x, got, rel)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	bank := irbank.New(512)
	if err := bank.Set(irbank.ModeShort, irbank.IR{Left: []float32{1, -0.5, 0.25}, Source: "ECHOBR_SHORT.WAV"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	img := Snapshot(bank, 48000)
	if len(img.Slots) != irbank.NumModes {
		t.Fatalf("Snapshot took %d slots", len(img.Slots))
	}

	var buf bytes.Buffer
	if err := Write(&buf, img); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.SampleRate != 48000 || len(got.Slots) != len(img.Slots) {
		t.Fatalf("got rate %v with %d slots", got.SampleRate, len(got.Slots))
	}

	for i, want := range img.Slots {
		s := got.Slots[i]

		if s.Mode != want.Mode || s.IR.Source != want.IR.Source || s.IR.TrueStereo != want.IR.TrueStereo {
			t.Errorf("slot %d: got %v %q stereo=%v, want %v %q stereo=%v",
				i, s.Mode, s.IR.Source, s.IR.TrueStereo, want.Mode, want.IR.Source, want.IR.TrueStereo)
		}

		if (s.IR.Right == nil) != (want.IR.Right == nil) || s.IR.Len() != want.IR.Len() {
			t.Fatalf("slot %d: channel layout changed", i)
		}

		for j := range want.IR.Left {
			if d := math.Abs(float64(s.IR.Left[j] - want.IR.Left[j])); d > 1e-3 {
				t.Fatalf("slot %d left[%d]: got %v, want %v", i, j, s.IR.Left[j], want.IR.Left[j])
			}
		}

		for j := range want.IR.Right {
			if d := math.Abs(float64(s.IR.Right[j] - want.IR.Right[j])); d > 1e-3 {
				t.Fatalf("slot %d right[%d]: got %v, want %v", i, j, s.IR.Right[j], want.IR.Right[j])
			}
		}
	}

	if mono := got.Slots[irbank.ModeShort].IR; mono.Right != nil || mono.Left[1] != -0.5 {
		t.Errorf("mono slot decoded as %+v", mono)
	}
}

func TestSnapshotSelectedModes(t *testing.T) {
	t.Parallel()

	img := Snapshot(irbank.New(64), 44100, irbank.ModeLong)
	if len(img.Slots) != 1 || img.Slots[0].Mode != irbank.ModeLong || img.SampleRate != 44100 {
		t.Errorf("unexpected image: %+v", img)
	}
}

func encode(t *testing.T, img *Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := Write(&buf, img); err != nil {
		t.Fatalf("Write: %v", err)
	}

	return buf.Bytes()
}

func TestReadSkipsUnknownChunks(t *testing.T) {
	t.Parallel()

	data := encode(t, &Image{SampleRate: 48000, Slots: []Slot{
		{Mode: irbank.ModeLong, IR: irbank.IR{Left: []float32{0.5}}},
	}})

	// Splice a NOTE chunk in front of the slot.
	spliced := append([]byte{}, data[:headerSize]...)
	spliced = append(spliced, 'N', 'O', 'T', 'E', 3, 0, 0, 0, 'a', 'b', 'c')
	spliced = append(spliced, data[headerSize:]...)

	img, err := Read(bytes.NewReader(spliced))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if len(img.Slots) != 1 || img.Slots[0].Mode != irbank.ModeLong || img.Slots[0].IR.Left[0] != 0.5 {
		t.Errorf("unexpected image: %+v", img)
	}
}

func TestReadErrors(t *testing.T) {
	t.Parallel()

	valid := encode(t, &Image{SampleRate: 48000, Slots: []Slot{
		{Mode: irbank.ModeFull, IR: irbank.IR{Left: []float32{1, 0.5}, Right: []float32{0.5, 1}, TrueStereo: true}},
	}})

	mutate := func(fn func(b []byte) []byte) []byte {
		return fn(append([]byte{}, valid...))
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrCorrupted},
		{"magic", mutate(func(b []byte) []byte { copy(b, "RIFF"); return b }), ErrInvalidMagic},
		{"version", mutate(func(b []byte) []byte { b[4] = 9; return b }), ErrUnsupportedVersion},
		{"rate", mutate(func(b []byte) []byte { clear(b[8:16]); return b }), ErrCorrupted},
		{"truncated", valid[:len(valid)-1], ErrCorrupted},
		{"missing slot", mutate(func(b []byte) []byte { b[6] = 2; return b }), ErrCorrupted},
		{"mode", mutate(func(b []byte) []byte { b[headerSize+chunkHeaderSize] = 7; return b }), irbank.ErrUnknownMode},
		{"length", mutate(func(b []byte) []byte { b[headerSize+chunkHeaderSize+2] = 3; return b }), ErrCorrupted},
		{"infinite sample", mutate(func(b []byte) []byte { b[len(b)-2], b[len(b)-1] = 0x00, 0x7c; return b }), ErrCorrupted},
		{"nan sample", mutate(func(b []byte) []byte { b[len(b)-4], b[len(b)-3] = 0x01, 0xfe; return b }), ErrCorrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := Read(bytes.NewReader(tt.data)); !errors.Is(err, tt.want) {
				t.Errorf("Read = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWriteRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		slot Slot
	}{
		{"empty", Slot{Mode: irbank.ModeFull}},
		{"mode", Slot{Mode: 5, IR: irbank.IR{Left: []float32{1}}}},
		{"ragged", Slot{Mode: irbank.ModeFull, IR: irbank.IR{Left: []float32{1, 2}, Right: []float32{1}}}},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		if err := Write(&buf, &Image{SampleRate: 48000, Slots: []Slot{tt.slot}}); err == nil {
			t.Errorf("%s: Write succeeded", tt.name)
		}
	}
}

func BenchmarkRead(b *testing.B) {
	var buf bytes.Buffer
	if err := Write(&buf, Snapshot(irbank.New(4096), 48000)); err != nil {
		b.Fatal(err)
	}

	data := buf.Bytes()

	b.ReportAllocs()

	for b.Loop() {
		if _, err := Read(bytes.NewReader(data)); err != nil {
			b.Fatal(err)
		}
	}
}
