// Package aiff reads and writes uncompressed AIFF and AIFF-C sound files.
//
// Supported sample formats are 8, 16, 24 and 32 bit signed PCM in big-endian
// order, plus little-endian AIFF-C ("sowt"). Compressed AIFF-C is rejected.
package aiff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Errors.
var (
	ErrNotAIFF           = errors.New("aiff: not an AIFF file")
	ErrUnsupportedFormat = errors.New("aiff: unsupported format")
	ErrInvalidFile       = errors.New("aiff: invalid file structure")
	ErrMissingChunk      = errors.New("aiff: missing required chunk")
)

const maxChannels = 8

// File is a decoded sound, one float32 slice per channel in [-1, 1).
type File struct {
	NumChannels   int
	SampleRate    float64
	BitsPerSample int
	NumSamples    int
	Data          [][]float32
}

// Duration returns the length of the sound in seconds.
func (f *File) Duration() float64 {
	if f.SampleRate <= 0 {
		return 0
	}

	return float64(f.NumSamples) / f.SampleRate
}

type common struct {
	channels int
	frames   int
	bits     int
	rate     float64
	order    binary.ByteOrder
}

// Parse decodes a whole AIFF or AIFF-C stream.
func Parse(r io.Reader) (*File, error) {
	var form [12]byte
	if _, err := io.ReadFull(r, form[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	kind := string(form[8:12])
	if string(form[0:4]) != "FORM" || (kind != "AIFF" && kind != "AIFC") {
		return nil, ErrNotAIFF
	}

	var (
		comm  *common
		sound []byte
	)

	for {
		id, size, err := nextChunk(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		body := &io.LimitedReader{R: r, N: int64(size)}

		switch id {
		case "COMM":
			comm, err = readCommon(body, size, kind == "AIFC")
		case "SSND":
			sound, err = readSound(body, size)
		}

		if err != nil {
			return nil, err
		}

		// Drain what the handler did not consume, plus the pad byte.
		rest := int64(size) + int64(size&1)
		consumed := int64(size) - body.N
		if _, err := io.CopyN(io.Discard, r, rest-consumed); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: chunk %s: %w", ErrInvalidFile, id, err)
		}
	}

	if comm == nil {
		return nil, fmt.Errorf("%w: COMM", ErrMissingChunk)
	}

	if sound == nil {
		return nil, fmt.Errorf("%w: SSND", ErrMissingChunk)
	}

	return comm.decode(sound), nil
}

func nextChunk(r io.Reader) (string, uint32, error) {
	var hdr [8]byte

	_, err := io.ReadFull(r, hdr[:])
	switch {
	case errors.Is(err, io.EOF):
		return "", 0, io.EOF
	case err != nil:
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	return string(hdr[0:4]), binary.BigEndian.Uint32(hdr[4:8]), nil
}

func readCommon(r io.Reader, size uint32, compressed bool) (*common, error) {
	if size < 18 {
		return nil, fmt.Errorf("%w: COMM chunk too small", ErrInvalidFile)
	}

	var b [18]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	c := &common{
		channels: int(binary.BigEndian.Uint16(b[0:2])),
		frames:   int(binary.BigEndian.Uint32(b[2:6])),
		bits:     int(binary.BigEndian.Uint16(b[6:8])),
		rate:     fromExtended(b[8:18]),
		order:    binary.BigEndian,
	}

	switch {
	case c.channels < 1 || c.channels > maxChannels:
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, c.channels)
	case c.bits != 8 && c.bits != 16 && c.bits != 24 && c.bits != 32:
		return nil, fmt.Errorf("%w: %d bit samples", ErrUnsupportedFormat, c.bits)
	case !(c.rate > 0 && c.rate <= 384000):
		return nil, fmt.Errorf("%w: sample rate %v", ErrUnsupportedFormat, c.rate)
	}

	if compressed && size >= 22 {
		var tag [4]byte
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}

		switch string(tag[:]) {
		case "NONE", "none", "twos":
		case "sowt":
			c.order = binary.LittleEndian
		default:
			return nil, fmt.Errorf("%w: compression %q", ErrUnsupportedFormat, tag[:])
		}
	}

	return c, nil
}

func readSound(r io.Reader, size uint32) ([]byte, error) {
	if size < 8 {
		return nil, fmt.Errorf("%w: SSND chunk too small", ErrInvalidFile)
	}

	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	offset := binary.BigEndian.Uint32(hdr[0:4])
	if offset > size-8 {
		return nil, fmt.Errorf("%w: SSND offset %d", ErrInvalidFile, offset)
	}

	if _, err := io.CopyN(io.Discard, r, int64(offset)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	data := make([]byte, size-8-offset)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	return data, nil
}

// decode splits interleaved PCM into channels. A COMM frame count larger
// than the data is clamped to what is present.
func (c *common) decode(data []byte) *File {
	width := c.bits / 8
	frames := min(c.frames, len(data)/(width*c.channels))

	out := &File{
		NumChannels:   c.channels,
		SampleRate:    c.rate,
		BitsPerSample: c.bits,
		NumSamples:    frames,
		Data:          make([][]float32, c.channels),
	}

	for ch := range out.Data {
		out.Data[ch] = make([]float32, frames)
	}

	scale := float32(1) / float32(uint64(1)<<(c.bits-1))
	pos := 0

	for i := range frames {
		for ch := range c.channels {
			out.Data[ch][i] = float32(c.sample(data[pos:pos+width])) * scale
			pos += width
		}
	}

	return out
}

func (c *common) sample(b []byte) int32 {
	switch c.bits {
	case 8:
		return int32(int8(b[0]))
	case 16:
		return int32(int16(c.order.Uint16(b)))
	case 24:
		var u uint32
		if c.order == binary.BigEndian {
			u = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
		} else {
			u = uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
		}

		return int32(u<<8) >> 8
	default:
		return int32(c.order.Uint32(b))
	}
}

// fromExtended converts an 80-bit IEEE 754 extended float, the encoding
// AIFF uses for the sample rate.
func fromExtended(b []byte) float64 {
	exp := int(binary.BigEndian.Uint16(b[0:2]) & 0x7FFF)
	mant := binary.BigEndian.Uint64(b[2:10])

	switch {
	case exp == 0:
		return 0
	case exp == 0x7FFF:
		return math.Inf(1)
	}

	v := math.Ldexp(float64(mant), exp-16383-63)
	if b[0]&0x80 != 0 {
		v = -v
	}

	return v
}

// toExtended is the inverse of fromExtended for positive finite values.
func toExtended(v float64) [10]byte {
	var b [10]byte
	if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return b
	}

	frac, exp := math.Frexp(v) // v = frac * 2^exp, frac in [0.5, 1)
	binary.BigEndian.PutUint16(b[0:2], uint16(exp-1+16383))
	binary.BigEndian.PutUint64(b[2:10], uint64(math.Ldexp(frac, 64)))

	return b
}
