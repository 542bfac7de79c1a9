package bankfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"echobridge/pkg/irbank"
)

// Read decodes a bank image. Slots are validated but not checked against
// each other; a later slot for the same mode wins when applied in order.
func Read(r io.Reader) (*Image, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupted, err)
	}

	if string(header[:4]) != Magic {
		return nil, ErrInvalidMagic
	}

	if v := binary.LittleEndian.Uint16(header[4:]); v != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	count := int(binary.LittleEndian.Uint16(header[6:]))
	rate := math.Float64frombits(binary.LittleEndian.Uint64(header[8:]))

	if !(rate > 0) || math.IsInf(rate, 0) {
		return nil, fmt.Errorf("%w: sample rate %v", ErrCorrupted, rate)
	}

	img := &Image{SampleRate: rate}

	for len(img.Slots) < count {
		var ch [chunkHeaderSize]byte
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %w", ErrCorrupted, len(img.Slots), err)
		}

		id := string(ch[:4])
		size := int64(binary.LittleEndian.Uint32(ch[4:]))

		if id != ChunkSlot {
			if _, err := io.CopyN(io.Discard, r, size); err != nil {
				return nil, fmt.Errorf("%w: skip %q: %w", ErrCorrupted, id, err)
			}

			continue
		}

		s, err := readSlot(&io.LimitedReader{R: r, N: size}, size)
		if err != nil {
			return nil, err
		}

		img.Slots = append(img.Slots, s)
	}

	return img, nil
}

func readSlot(r io.Reader, size int64) (Slot, error) {
	if size < slotFixedSize {
		return Slot{}, fmt.Errorf("%w: slot of %d bytes", ErrCorrupted, size)
	}

	var fixed [slotFixedSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Slot{}, fmt.Errorf("%w: slot: %w", ErrCorrupted, err)
	}

	mode := irbank.Mode(fixed[0])
	flags := fixed[1]
	length := int64(binary.LittleEndian.Uint32(fixed[2:]))
	srcLen := int64(binary.LittleEndian.Uint16(fixed[6:]))

	if mode >= irbank.NumModes {
		return Slot{}, fmt.Errorf("bankfile: %w: %d", irbank.ErrUnknownMode, int(mode))
	}

	channels := int64(1)
	if flags&FlagStereo != 0 {
		channels = 2
	}

	if length == 0 || length > maxSlotLength || slotFixedSize+srcLen+2*channels*length != size {
		return Slot{}, fmt.Errorf("%w: %s slot size %d for %d frames", ErrCorrupted, mode, size, length)
	}

	body := make([]byte, size-slotFixedSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return Slot{}, fmt.Errorf("%w: %s slot: %w", ErrCorrupted, mode, err)
	}

	ir := irbank.IR{
		Source: string(body[:srcLen]),
		Left:   make([]float32, length),
	}

	if channels == 2 {
		ir.Right = make([]float32, length)
		ir.TrueStereo = flags&FlagTrueStereo != 0
	}

	samples := body[srcLen:]
	for i := range int(channels * length) {
		// Exponent all ones is Inf or NaN.
		if h := binary.LittleEndian.Uint16(samples[2*i:]); h&0x7c00 == 0x7c00 {
			return Slot{}, fmt.Errorf("%w: %s slot: non-finite sample at frame %d", ErrCorrupted, mode, i/int(channels))
		}
	}

	for i := range ir.Left {
		ir.Left[i] = fromHalf(binary.LittleEndian.Uint16(samples))
		samples = samples[2:]

		if channels == 2 {
			ir.Right[i] = fromHalf(binary.LittleEndian.Uint16(samples))
			samples = samples[2:]
		}
	}

	return Slot{Mode: mode, IR: ir}, nil
}
