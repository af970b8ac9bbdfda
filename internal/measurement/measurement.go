package measurement

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Payload layout for the "NR?" response. The first two bytes echo the command
// name; everything after is big-endian IEEE floats at fixed offsets.
const (
	DataSize = 2062

	ofsLux        = 2
	ofsFootCandle = 6
	ofsTcp        = 10
	ofsDeltaUv    = 14
	ofsTristimX   = 18
	ofsTristimY   = 26
	ofsTristimZ   = 34
	ofsCIE1931X   = 42
	ofsCIE1931Y   = 46
	ofsCIE1976Ud  = 50
	ofsCIE1976Vd  = 54
	ofsDWL        = 58
	ofsPurity     = 62
	ofsPPFD       = 66
	ofsCRIRa      = 70
	ofsCRIRi      = 74
	ofsSpectral1  = 134
	ofsSpectral5  = 1738
)

// Spectral range: 380-780nm.
const (
	SpectralStartNm = 380
	SpectralEndNm   = 780
	Spectral1nmLen  = 401
	Spectral5nmLen  = 81
)

// Instrument display ranges. Values outside render as "Under"/"Over".
const (
	luxMin = 0.1
	luxMax = 200000.0
	fcMin  = 0.0093
	fcMax  = 18600.0
	tcpMin = 1563.0
	tcpMax = 100000.0
	duvLim = 0.1
)

// IlluminanceValue holds the illuminance readout in both display units.
type IlluminanceValue struct {
	Lux        string `json:"lux"`
	FootCandle string `json:"footCandle"`
}

// ColorTemperatureValue holds correlated color temperature and deviation.
type ColorTemperatureValue struct {
	Tcp     string `json:"tcp"`
	DeltaUv string `json:"deltaUv"`
}

type TristimulusValue struct {
	X string `json:"x"`
	Y string `json:"y"`
	Z string `json:"z"`
}

// CIE1931Value holds chromaticity coordinates. Z is derived as 1-x-y and
// inherits "Under"/"Over" from either coordinate.
type CIE1931Value struct {
	X string `json:"x"`
	Y string `json:"y"`
	Z string `json:"z"`
}

// NewCIE1931Value derives Z from the rendered X and Y coordinates.
func NewCIE1931Value(x, y string) CIE1931Value {
	v := CIE1931Value{X: x, Y: y}
	switch {
	case x == Under || y == Under:
		v.Z = Under
	case x == Over || y == Over:
		v.Z = Over
	default:
		fx, errX := strconv.ParseFloat(x, 64)
		fy, errY := strconv.ParseFloat(y, 64)
		if errX != nil || errY != nil {
			v.Z = Under
			break
		}
		v.Z = strconv.FormatFloat(1.0-fx-fy, 'f', 4, 64)
	}
	return v
}

type CIE1976Value struct {
	Ud string `json:"ud"`
	Vd string `json:"vd"`
}

// DominantWavelengthValue holds dominant wavelength and excitation purity.
type DominantWavelengthValue struct {
	Wavelength       string `json:"wavelength"`
	ExcitationPurity string `json:"excitationPurity"`
}

// CRIValue holds the general color rendering index Ra and the special
// indices R1..R15.
type CRIValue struct {
	Ra string     `json:"ra"`
	Ri [15]string `json:"ri"`
}

// Result is a fully decoded measurement.
type Result struct {
	Illuminance        IlluminanceValue        `json:"illuminance"`
	ColorTemperature   ColorTemperatureValue   `json:"colorTemperature"`
	Tristimulus        TristimulusValue        `json:"tristimulus"`
	CIE1931            CIE1931Value            `json:"cie1931"`
	CIE1976            CIE1976Value            `json:"cie1976"`
	DominantWavelength DominantWavelengthValue `json:"dominantWavelength"`
	PPFD               string                  `json:"ppfd"`
	CRI                CRIValue                `json:"cri"`
	SpectralData1nm    []float64               `json:"spectralData1nm"`
	SpectralData5nm    []float64               `json:"spectralData5nm"`
	PeakWavelength     int                     `json:"peakWavelength"`
	TakenAt            time.Time               `json:"takenAt"`
	Stale              bool                    `json:"stale,omitempty"`
}

// Parse decodes a raw "NR?" payload.
func Parse(data []byte) (*Result, error) {
	if len(data) != DataSize {
		return nil, fmt.Errorf("invalid measurement data size: got %d, want %d", len(data), DataSize)
	}

	r := &Result{
		Illuminance: IlluminanceValue{
			Lux:        LuxFloatToStr(ParseFloat(data, ofsLux), luxMin, luxMax),
			FootCandle: LuxFloatToStr(ParseFloat(data, ofsFootCandle), fcMin, fcMax),
		},
		ColorTemperature: ColorTemperatureValue{
			Tcp:     FloatToStr(ParseFloat(data, ofsTcp), tcpMin, tcpMax, 0),
			DeltaUv: FloatToStr(ParseFloat(data, ofsDeltaUv), -duvLim, duvLim, 4),
		},
		Tristimulus: TristimulusValue{
			X: FloatToStr(ParseDouble(data, ofsTristimX), 0, luxMax, 4),
			Y: FloatToStr(ParseDouble(data, ofsTristimY), 0, luxMax, 4),
			Z: FloatToStr(ParseDouble(data, ofsTristimZ), 0, luxMax, 4),
		},
		CIE1931: NewCIE1931Value(
			FloatToStr(ParseFloat(data, ofsCIE1931X), 0, 1, 4),
			FloatToStr(ParseFloat(data, ofsCIE1931Y), 0, 1, 4),
		),
		CIE1976: CIE1976Value{
			Ud: FloatToStr(ParseFloat(data, ofsCIE1976Ud), 0, 1, 4),
			Vd: FloatToStr(ParseFloat(data, ofsCIE1976Vd), 0, 1, 4),
		},
		DominantWavelength: DominantWavelengthValue{
			Wavelength:       FloatToStr(ParseFloat(data, ofsDWL), SpectralStartNm, SpectralEndNm, 0),
			ExcitationPurity: FloatToStr(ParseFloat(data, ofsPurity), 0, 100, 1),
		},
		PPFD:    FloatToStr(ParseFloat(data, ofsPPFD), 0, 9999.9, 1),
		TakenAt: time.Now(),
	}

	r.CRI.Ra = FloatToStr(ParseFloat(data, ofsCRIRa), -100, 100, 1)
	for i := 0; i < 15; i++ {
		r.CRI.Ri[i] = FloatToStr(ParseFloat(data, ofsCRIRi+i*4), -100, 100, 1)
	}

	r.SpectralData1nm = make([]float64, Spectral1nmLen)
	peak := 0
	for i := 0; i < Spectral1nmLen; i++ {
		v := ParseFloat(data, ofsSpectral1+i*4)
		r.SpectralData1nm[i] = v
		if v > r.SpectralData1nm[peak] {
			peak = i
		}
	}
	r.PeakWavelength = SpectralStartNm + peak

	r.SpectralData5nm = make([]float64, Spectral5nmLen)
	for i := 0; i < Spectral5nmLen; i++ {
		r.SpectralData5nm[i] = ParseFloat(data, ofsSpectral5+i*4)
	}

	return r, nil
}

// String renders the headline values on one line per quantity.
func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Illuminance: %s lx / %s fc\n", r.Illuminance.Lux, r.Illuminance.FootCandle)
	fmt.Fprintf(&b, "Color temperature: %s K (duv %s)\n", r.ColorTemperature.Tcp, r.ColorTemperature.DeltaUv)
	fmt.Fprintf(&b, "CIE1931: x=%s y=%s z=%s\n", r.CIE1931.X, r.CIE1931.Y, r.CIE1931.Z)
	fmt.Fprintf(&b, "CIE1976: u'=%s v'=%s\n", r.CIE1976.Ud, r.CIE1976.Vd)
	fmt.Fprintf(&b, "Dominant wavelength: %s nm (purity %s%%)\n", r.DominantWavelength.Wavelength, r.DominantWavelength.ExcitationPurity)
	fmt.Fprintf(&b, "PPFD: %s umol/m2/s\n", r.PPFD)
	fmt.Fprintf(&b, "CRI: Ra=%s\n", r.CRI.Ra)
	fmt.Fprintf(&b, "Peak wavelength: %d nm\n", r.PeakWavelength)
	return b.String()
}
