package aiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Write encodes channels as a big-endian PCM AIFF file with the given bit
// depth (8, 16, 24 or 32). All channels must have the same length. Samples
// are clipped to [-1, 1].
func Write(w io.Writer, sampleRate float64, bits int, channels [][]float32) error {
	if bits != 8 && bits != 16 && bits != 24 && bits != 32 {
		return fmt.Errorf("%w: %d bit samples", ErrUnsupportedFormat, bits)
	}

	if len(channels) < 1 || len(channels) > maxChannels {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, len(channels))
	}

	frames := len(channels[0])
	for ch, data := range channels {
		if len(data) != frames {
			return fmt.Errorf("%w: channel %d has %d samples, want %d", ErrInvalidFile, ch, len(data), frames)
		}
	}

	width := bits / 8
	soundSize := 8 + frames*len(channels)*width

	var buf bytes.Buffer
	buf.Grow(12 + 26 + 8 + soundSize)

	put := func(v any) { _ = binary.Write(&buf, binary.BigEndian, v) }

	buf.WriteString("FORM")
	put(uint32(4 + 26 + 8 + soundSize + soundSize&1))
	buf.WriteString("AIFF")

	buf.WriteString("COMM")
	put(uint32(18))
	put(uint16(len(channels)))
	put(uint32(frames))
	put(uint16(bits))
	rate := toExtended(sampleRate)
	buf.Write(rate[:])

	buf.WriteString("SSND")
	put(uint32(soundSize))
	put(uint32(0)) // offset
	put(uint32(0)) // block size

	full := float64(uint64(1)<<(bits-1)) - 1
	var word [4]byte

	for i := range frames {
		for _, data := range channels {
			v := int32(math.Round(float64(max(-1, min(1, data[i]))) * full))
			binary.BigEndian.PutUint32(word[:], uint32(v))
			buf.Write(word[4-width:])
		}
	}

	if soundSize&1 != 0 {
		buf.WriteByte(0)
	}

	_, err := w.Write(buf.Bytes())

	return err
}
