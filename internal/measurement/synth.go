package measurement

import (
	"encoding/binary"
	"math"
)

// SynthParams describes a measurement to encode into the wire layout. Used by
// fake-device mode and by tests in place of captured device payloads.
type SynthParams struct {
	Lux              float64
	FootCandle       float64
	Tcp              float64
	DeltaUv          float64
	TristimulusX     float64
	TristimulusY     float64
	TristimulusZ     float64
	X                float64
	Y                float64
	Ud               float64
	Vd               float64
	Wavelength       float64
	ExcitationPurity float64
	PPFD             float64
	CRIRa            float64
	CRIRi            [15]float64
	// Spectrum is sampled at every nanometer from 380 to 780. Nil means flat zero.
	Spectrum func(nm int) float64
}

// Encode builds a raw "NR?" payload from p.
func Encode(p SynthParams) []byte {
	data := make([]byte, DataSize)
	data[0] = 'N'
	data[1] = 'R'

	putFloat(data, ofsLux, p.Lux)
	putFloat(data, ofsFootCandle, p.FootCandle)
	putFloat(data, ofsTcp, p.Tcp)
	putFloat(data, ofsDeltaUv, p.DeltaUv)
	putDouble(data, ofsTristimX, p.TristimulusX)
	putDouble(data, ofsTristimY, p.TristimulusY)
	putDouble(data, ofsTristimZ, p.TristimulusZ)
	putFloat(data, ofsCIE1931X, p.X)
	putFloat(data, ofsCIE1931Y, p.Y)
	putFloat(data, ofsCIE1976Ud, p.Ud)
	putFloat(data, ofsCIE1976Vd, p.Vd)
	putFloat(data, ofsDWL, p.Wavelength)
	putFloat(data, ofsPurity, p.ExcitationPurity)
	putFloat(data, ofsPPFD, p.PPFD)
	putFloat(data, ofsCRIRa, p.CRIRa)
	for i, v := range p.CRIRi {
		putFloat(data, ofsCRIRi+i*4, v)
	}

	spectrum := p.Spectrum
	if spectrum == nil {
		spectrum = func(int) float64 { return 0 }
	}
	for i := 0; i < Spectral1nmLen; i++ {
		putFloat(data, ofsSpectral1+i*4, spectrum(SpectralStartNm+i))
	}
	for i := 0; i < Spectral5nmLen; i++ {
		putFloat(data, ofsSpectral5+i*4, spectrum(SpectralStartNm+i*5))
	}
	return data
}

// FakeData returns a daylight-like payload for running without hardware.
func FakeData() []byte {
	return Encode(SynthParams{
		Lux:              512.3,
		FootCandle:       47.6,
		Tcp:              5604,
		DeltaUv:          0.0031,
		TristimulusX:     498.1288,
		TristimulusY:     512.3002,
		TristimulusZ:     464.7710,
		X:                0.3291,
		Y:                0.3384,
		Ud:               0.2034,
		Vd:               0.4707,
		Wavelength:       571,
		ExcitationPurity: 12.4,
		PPFD:             9.4,
		CRIRa:            96.2,
		CRIRi: [15]float64{
			97.1, 98.0, 95.4, 96.6, 95.9, 94.8, 97.3, 92.1,
			88.7, 93.5, 95.0, 90.2, 96.8, 98.4, 94.1,
		},
		Spectrum: func(nm int) float64 {
			// Broad hump peaking at 555nm, roughly a photopic daylight shape.
			d := float64(nm-555) / 110.0
			return 0.0021 * math.Exp(-d*d)
		},
	})
}

func putFloat(data []byte, pos int, v float64) {
	binary.BigEndian.PutUint32(data[pos:pos+4], math.Float32bits(float32(v)))
}

func putDouble(data []byte, pos int, v float64) {
	binary.BigEndian.PutUint64(data[pos:pos+8], math.Float64bits(v))
}
