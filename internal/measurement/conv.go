package measurement

import (
	"encoding/binary"
	"math"
	"strconv"
)

// Display strings used when a raw value falls outside the instrument's range.
const (
	Under = "Under"
	Over  = "Over"
)

// ParseFloat reads a big-endian float32 at pos and returns it as float64.
func ParseFloat(data []byte, pos int) float64 {
	bits := binary.BigEndian.Uint32(data[pos : pos+4])
	return float64(math.Float32frombits(bits))
}

// ParseDouble reads a big-endian float64 at pos.
func ParseDouble(data []byte, pos int) float64 {
	bits := binary.BigEndian.Uint64(data[pos : pos+8])
	return math.Float64frombits(bits)
}

// FloatToStr renders v with prec decimals, clamping to "Under"/"Over" outside
// [min, max].
func FloatToStr(v, min, max float64, prec int) string {
	if v < min {
		return Under
	}
	if v > max {
		return Over
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// LuxFloatToStr renders an illuminance value the way the instrument's display
// does: precision decreases as the magnitude grows.
func LuxFloatToStr(v, min, max float64) string {
	if v < min {
		return Under
	}
	if v > max {
		return Over
	}
	switch {
	case v < 99.95:
		return strconv.FormatFloat(v, 'f', 1, 64)
	case v < 999.5:
		return strconv.FormatFloat(v, 'f', 0, 64)
	case v < 9995:
		return strconv.FormatFloat(math.Round(v/10)*10, 'f', 0, 64)
	case v < 99950:
		return strconv.FormatFloat(math.Round(v/100)*100, 'f', 0, 64)
	default:
		return strconv.FormatFloat(math.Round(v/1000)*1000, 'f', 0, 64)
	}
}
