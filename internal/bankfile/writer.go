package bankfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"echobridge/pkg/irbank"
)

// Write encodes img to w. Responses are rounded to half precision.
func Write(w io.Writer, img *Image) error {
	if len(img.Slots) > math.MaxUint16 {
		return fmt.Errorf("bankfile: %d slots do not fit in a header", len(img.Slots))
	}

	bw := bufio.NewWriter(w)

	header := make([]byte, headerSize)
	copy(header, Magic)
	binary.LittleEndian.PutUint16(header[4:], CurrentVersion)
	binary.LittleEndian.PutUint16(header[6:], uint16(len(img.Slots)))
	binary.LittleEndian.PutUint64(header[8:], math.Float64bits(img.SampleRate))

	if _, err := bw.Write(header); err != nil {
		return fmt.Errorf("bankfile: write header: %w", err)
	}

	for _, s := range img.Slots {
		body, err := slotBody(s)
		if err != nil {
			return err
		}

		var ch [chunkHeaderSize]byte
		copy(ch[:], ChunkSlot)
		binary.LittleEndian.PutUint32(ch[4:], uint32(len(body)))

		if _, err := bw.Write(ch[:]); err != nil {
			return fmt.Errorf("bankfile: write %s: %w", s.Mode, err)
		}

		if _, err := bw.Write(body); err != nil {
			return fmt.Errorf("bankfile: write %s: %w", s.Mode, err)
		}
	}

	return bw.Flush()
}

func slotBody(s Slot) ([]byte, error) {
	ir := s.IR

	switch {
	case s.Mode < 0 || s.Mode >= irbank.NumModes:
		return nil, fmt.Errorf("bankfile: %w: %d", irbank.ErrUnknownMode, int(s.Mode))
	case ir.Len() == 0 || ir.Len() > maxSlotLength:
		return nil, fmt.Errorf("bankfile: %s: %d frames out of range", s.Mode, ir.Len())
	case ir.Right != nil && len(ir.Right) != len(ir.Left):
		return nil, fmt.Errorf("bankfile: %s: %w", s.Mode, irbank.ErrChannelMismatch)
	case len(ir.Source) > math.MaxUint16:
		return nil, fmt.Errorf("bankfile: %s: source name too long", s.Mode)
	}

	channels := 1

	var flags byte
	if ir.Right != nil {
		channels = 2
		flags |= FlagStereo

		if ir.TrueStereo {
			flags |= FlagTrueStereo
		}
	}

	buf := make([]byte, slotFixedSize+len(ir.Source)+2*channels*ir.Len())
	buf[0] = byte(s.Mode)
	buf[1] = flags
	binary.LittleEndian.PutUint32(buf[2:], uint32(ir.Len()))
	binary.LittleEndian.PutUint16(buf[6:], uint16(len(ir.Source)))
	copy(buf[slotFixedSize:], ir.Source)

	off := slotFixedSize + len(ir.Source)
	for i := range ir.Left {
		binary.LittleEndian.PutUint16(buf[off:], toHalf(ir.Left[i]))
		off += 2

		if channels == 2 {
			binary.LittleEndian.PutUint16(buf[off:], toHalf(ir.Right[i]))
			off += 2
		}
	}

	return buf, nil
}
