package pio

import "piouart-go/x/mathx"

// Oversampling factors of the serial programs.
const (
	TxOversample = 1
	RxOversample = 2
)

// BitCycles returns the delay-loop count for one bit (or one sample when
// oversample > 1): sysHz/(baud*oversample) - 2. Rates too fast for the
// clock give 0.
//
// Each pass of the serial loops costs the count plus four cycles, so the
// line runs two cycles per bit (per sample on receive) slower than
// nominal: about 0.2% at 115200 baud from 125 MHz, shared by both ends of
// a soft link. LineCycles gives the real figure.
func BitCycles(sysHz, baud, oversample uint32) uint32 {
	if baud == 0 || oversample == 0 {
		return 0
	}
	per := sysHz / (baud * oversample)
	return mathx.Max(per, 2) - 2
}

// LineCycles is the time one loop pass really takes for a delay count.
func LineCycles(cycles uint32) uint32 { return cycles + 4 }

// BaudFromCycles inverts BitCycles, rounding to the nearest baud.
func BaudFromCycles(sysHz, cycles, oversample uint32) uint32 {
	if oversample == 0 {
		oversample = 1
	}
	return mathx.RoundDiv(sysHz, (cycles+2)*oversample)
}

// SplitDivider converts a clock divider into its 16.8 fixed-point register
// parts. Values below 1 select the maximum divider (0 integer part means
// 65536 in hardware) and are clamped to 1 here instead.
func SplitDivider(div float32) (whole uint16, frac uint8) {
	div = mathx.Clamp(div, 1, 65535)
	whole = uint16(div)
	frac = uint8((div - float32(whole)) * 256)
	return whole, frac
}
