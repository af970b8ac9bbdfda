// Package usbadapter isolates gousb behind a small transport so no USB
// library types spread through the rest of the code.
package usbadapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// ReadBufLen fits the largest response the instrument sends (the raw
	// measurement payload).
	ReadBufLen = 4160

	// ReadTimeout bounds a single bulk read. Dark calibration can keep the
	// instrument silent for several seconds.
	ReadTimeout = 10 * time.Second

	// Responses arrive on IN endpoint 0x81.
	inEndpointNum = 1
)

var (
	ErrNoBackend      = errors.New("usb backend unavailable")
	ErrDeviceNotFound = errors.New("usb device not found")
	ErrNoEndpoint     = errors.New("usb endpoint not found")
	ErrTimeout        = errors.New("usb transfer timed out")
	ErrTransfer       = errors.New("usb transfer failed")
)

// Transport is a connected USB device ready for command traffic.
type Transport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	done func()
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
}

// Open claims the device with the given IDs and resolves its endpoints:
// the first OUT endpoint of the default interface for commands, and the
// fixed IN endpoint for responses.
func Open(vendorID, productID uint16) (*Transport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vendorID), gousb.ID(productID))
	if err != nil {
		_ = ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoBackend, err)
	}
	if dev == nil {
		_ = ctx.Close()
		return nil, fmt.Errorf("%w: %04x:%04x", ErrDeviceNotFound, vendorID, productID)
	}

	// The kernel HID driver may hold the interface on Linux.
	_ = dev.SetAutoDetach(true)

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		_ = dev.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("%w: claim interface: %v", ErrNoEndpoint, err)
	}

	t := &Transport{ctx: ctx, dev: dev, intf: intf, done: done}

	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionOut {
			out, err := intf.OutEndpoint(ep.Number)
			if err != nil {
				t.close()
				return nil, fmt.Errorf("%w: out endpoint %d: %v", ErrNoEndpoint, ep.Number, err)
			}
			t.out = out
			break
		}
	}
	if t.out == nil {
		t.close()
		return nil, fmt.Errorf("%w: no out endpoint", ErrNoEndpoint)
	}

	in, err := intf.InEndpoint(inEndpointNum)
	if err != nil {
		t.close()
		return nil, fmt.Errorf("%w: in endpoint %d: %v", ErrNoEndpoint, inEndpointNum, err)
	}
	t.in = in

	return t, nil
}

// Write sends a command string to the OUT endpoint.
func (t *Transport) Write(cmd string) error {
	if _, err := t.out.Write([]byte(cmd)); err != nil {
		return mapTransferErr(err)
	}
	return nil
}

// Read receives up to bufLen bytes from the IN endpoint, bounded by timeout.
func (t *Transport) Read(bufLen int, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	buf := make([]byte, bufLen)
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, mapTransferErr(err)
	}
	return buf[:n], nil
}

// Close releases the interface and the underlying libusb handles.
func (t *Transport) Close() error {
	t.close()
	return nil
}

func (t *Transport) close() {
	if t.done != nil {
		t.done()
		t.done = nil
	}
	if t.dev != nil {
		_ = t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		_ = t.ctx.Close()
		t.ctx = nil
	}
}

// mapTransferErr folds gousb and context timeout flavors into ErrTimeout and
// everything else into ErrTransfer, so callers have two stable sentinels to
// test against instead of gousb error values.
func mapTransferErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.TransferTimedOut) || errors.Is(err, gousb.ErrorTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransfer, err)
}
