// Package bankfile reads and writes bank images: one file carrying the
// impulse responses of several IR modes, so a single file on the USB stick
// can fill every slot.
//
// An image is little-endian. A 16 byte header
//
//	Magic(4) "EBNK" | Version(2) | SlotCount(2) | SampleRate(8, float64)
//
// is followed by SlotCount chunks, each an ID(4) and Size(4) header and a
// body. A SLOT body is
//
//	Mode(1) | Flags(1) | Length(4) | SourceLen(2) | Source | Samples
//
// where Samples holds Length frames of interleaved half-precision floats,
// one channel for a mono slot and two when FlagStereo is set. Chunks with
// other IDs are skipped.
package bankfile

import (
	"errors"

	"echobridge/pkg/irbank"
)

// Format constants.
const (
	Magic          = "EBNK"
	CurrentVersion = uint16(1)

	// FileName is the image name the loader looks for on storage.
	FileName = "ECHOBR.BNK"

	ChunkSlot = "SLOT"

	headerSize      = 16
	chunkHeaderSize = 8
	slotFixedSize   = 8 // mode, flags, length, source length

	// maxSlotLength bounds the frame count read from a slot.
	maxSlotLength = 1 << 20
)

// Slot flags.
const (
	FlagStereo     = 1 << 0 // two channels stored
	FlagTrueStereo = 1 << 1
)

var (
	ErrInvalidMagic       = errors.New("bankfile: invalid magic number")
	ErrUnsupportedVersion = errors.New("bankfile: unsupported version")
	ErrCorrupted          = errors.New("bankfile: corrupted data")
)

// Slot is one mode's response in an image.
type Slot struct {
	Mode irbank.Mode
	IR   irbank.IR
}

// Image is the decoded content of a bank file.
type Image struct {
	SampleRate float64
	Slots      []Slot
}

// Snapshot copies the responses for modes out of bank. With no modes it
// takes every slot.
func Snapshot(bank *irbank.Bank, sampleRate float64, modes ...irbank.Mode) *Image {
	if len(modes) == 0 {
		for m := range irbank.Mode(irbank.NumModes) {
			modes = append(modes, m)
		}
	}

	img := &Image{SampleRate: sampleRate}
	for _, m := range modes {
		img.Slots = append(img.Slots, Slot{Mode: m, IR: bank.Get(m)})
	}

	return img
}
