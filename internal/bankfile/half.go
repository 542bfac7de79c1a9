package bankfile

import "math"

// toHalf converts f to IEEE 754 binary16, rounding to nearest even.
// Values too small for a subnormal flush to signed zero; values too large
// become infinity.
func toHalf(f float32) uint16 {
	b := math.Float32bits(f)
	sign := uint16(b>>16) & 0x8000
	exp := int(b>>23) & 0xff
	mant := b & 0x7fffff

	// Rebias from 127 to 15.
	e := exp - 127 + 15

	switch {
	case exp == 0xff:
		if mant != 0 {
			return sign | 0x7e00
		}

		return sign | 0x7c00

	case e >= 0x1f:
		return sign | 0x7c00

	case e <= 0:
		if e < -10 {
			return sign
		}

		m := mant | 0x800000
		shift := uint(14 - e)
		h := m >> shift
		rem := m & (1<<shift - 1)
		halfway := uint32(1) << (shift - 1)

		if rem > halfway || (rem == halfway && h&1 == 1) {
			h++
		}

		return sign | uint16(h)

	default:
		h := uint32(e)<<10 | mant>>13
		rem := mant & 0x1fff

		// A carry out of the mantissa bumps the exponent, up to infinity.
		if rem > 0x1000 || (rem == 0x1000 && h&1 == 1) {
			h++
		}

		return sign | uint16(h)
	}
}

// fromHalf converts an IEEE 754 binary16 value to float32. Every half value
// is exactly representable.
func fromHalf(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)

	switch exp {
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	case 0:
		f := float32(mant) * 0x1p-24
		if sign != 0 {
			f = -f
		}

		return f
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}
