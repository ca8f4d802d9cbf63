package pioserial

import "piouart-go/types"

// parity returns the XOR of the low bits bits of v.
func parity(bits uint8, v uint32) uint32 {
	var p uint32
	for b := uint8(0); b < bits; b++ {
		p ^= (v >> b) & 1
	}
	return p
}

// encode builds the transmit word for c: data LSB first, then the parity
// bit if any, then the stop markers, all shifted up one place for the low
// start bit. There is one marker per stop bit plus one for the idle bit the
// program shifts after the frame, so 1-stop frames carry two markers.
func encode(c byte, line types.LineConfig) uint32 {
	bits := line.DataBits
	val := uint32(c) & mask(bits)
	stops := mask(line.StopBits + 1)
	switch line.Parity {
	case types.ParityEven:
		val |= parity(bits, val) << bits
		val |= stops << (bits + 1)
	case types.ParityOdd:
		val |= (1 ^ parity(bits, val)) << bits
		val |= stops << (bits + 1)
	default:
		val |= stops << bits
	}
	return val << 1
}

// decode recovers a byte from a receive capture word. The frame's
// rxFrameWidth samples sit in the top bits, two per bit, with the sample
// taken inside the start bit just below them; aligning the frame drops it.
// Even samples are then the first sample of each bit after the start bit.
// A parity mismatch returns ok=false. Stop bits are not checked.
func decode(raw uint32, line types.LineConfig) (c byte, ok bool) {
	bits := line.DataBits
	n := line.RxFrameWidth()
	if n < 32 {
		raw >>= 32 - uint32(n)
	}
	var val uint32
	for b := uint8(0); b <= bits; b++ {
		val |= ((raw >> (2 * b)) & 1) << b
	}
	r := (val >> bits) & 1
	switch line.Parity {
	case types.ParityEven:
		if parity(bits, val) != r {
			return 0, false
		}
	case types.ParityOdd:
		if parity(bits, val) == r {
			return 0, false
		}
	}
	return byte(val & mask(bits)), true
}

func mask(bits uint8) uint32 { return (uint32(1) << bits) - 1 }
