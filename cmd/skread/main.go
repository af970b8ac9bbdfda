// Command skread takes a single measurement from a Sekonic C-7000 and prints
// it. Exit codes: 0 success, 1 measurement or USB failure, 2 instrument not
// found, 3 panel precondition not met (ring position or held button).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/photonworks/spectro-service/internal/config"
	"github.com/photonworks/spectro-service/internal/device"
	"github.com/photonworks/spectro-service/internal/measurement"
	"github.com/photonworks/spectro-service/internal/sekonic"
	"github.com/photonworks/spectro-service/internal/usbadapter"
)

func main() {
	configPath := flag.String("config", "", "path to a service config YAML (optional)")
	fake := flag.Bool("fake", false, "serve synthetic data instead of talking to the instrument")
	asJSON := flag.Bool("json", false, "print the full result as JSON")
	spectrum := flag.Bool("spectrum", false, "include the 5nm spectral table in text output")
	flag.Parse()

	os.Exit(run(*configPath, *fake, *asJSON, *spectrum))
}

func run(configPath string, fake, asJSON, spectrum bool) int {
	vendorID := uint16(config.DefaultVendorID)
	productID := uint16(config.DefaultProductID)
	skCfg := sekonic.DefaultConfig()
	if configPath != "" {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skread: %v\n", err)
			return 1
		}
		vendorID = cfg.VendorID
		productID = cfg.ProductID
		skCfg.MaxConnWait = cfg.MaxConnWait
		skCfg.ConnWaitStep = cfg.ConnWaitStep
		skCfg.MaxMeasWait = cfg.MaxMeasWait
		skCfg.MeasWaitStep = cfg.MeasWaitStep
	}
	skCfg.UseFakeData = fake

	openFunc := func() (sekonic.Commander, error) {
		transport, err := usbadapter.Open(vendorID, productID)
		if err != nil {
			return nil, err
		}
		dev, err := device.Open(transport)
		if err != nil {
			_ = transport.Close()
			return nil, err
		}
		return dev, nil
	}
	meter := sekonic.New(openFunc, skCfg, zap.NewNop())
	defer func() { _ = meter.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := meter.Measure(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skread: %v\n", err)
		switch {
		case errors.Is(err, sekonic.ErrNotFound):
			return 2
		case errors.Is(err, sekonic.ErrRingNotLow), errors.Is(err, sekonic.ErrButtonPressed):
			return 3
		default:
			return 1
		}
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(os.Stderr, "skread: encode result: %v\n", err)
			return 1
		}
		return 0
	}

	printResult(os.Stdout, meter.String(), res, spectrum)
	return 0
}

func printResult(w *os.File, deviceName string, res *measurement.Result, spectrum bool) {
	fmt.Fprintf(w, "Device:             %s\n", deviceName)
	fmt.Fprintf(w, "Illuminance:        %s lx (%s fc)\n", res.Illuminance.Lux, res.Illuminance.FootCandle)
	fmt.Fprintf(w, "Color temperature:  %s K (Δuv %s)\n", res.ColorTemperature.Tcp, res.ColorTemperature.DeltaUv)
	fmt.Fprintf(w, "Tristimulus:        X=%s Y=%s Z=%s\n", res.Tristimulus.X, res.Tristimulus.Y, res.Tristimulus.Z)
	fmt.Fprintf(w, "CIE1931:            x=%s y=%s z=%s\n", res.CIE1931.X, res.CIE1931.Y, res.CIE1931.Z)
	fmt.Fprintf(w, "CIE1976:            u'=%s v'=%s\n", res.CIE1976.Ud, res.CIE1976.Vd)
	fmt.Fprintf(w, "Dominant wavelength: %s nm (purity %s%%)\n", res.DominantWavelength.Wavelength, res.DominantWavelength.ExcitationPurity)
	fmt.Fprintf(w, "PPFD:               %s umol/(m2*s)\n", res.PPFD)
	fmt.Fprintf(w, "Peak wavelength:    %d nm\n", res.PeakWavelength)
	fmt.Fprintf(w, "CRI:                Ra=%s", res.CRI.Ra)
	for i, ri := range res.CRI.Ri {
		fmt.Fprintf(w, " R%d=%s", i+1, ri)
	}
	fmt.Fprintln(w)

	if spectrum {
		fmt.Fprintln(w, "Spectrum (5nm):")
		for i, v := range res.SpectralData5nm {
			fmt.Fprintf(w, "  %3d nm  %.6e\n", 380+i*5, v)
		}
	}
}
