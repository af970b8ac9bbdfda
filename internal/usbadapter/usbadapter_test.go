package usbadapter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/gousb"
)

func TestMapTransferErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"context deadline", context.DeadlineExceeded, ErrTimeout},
		{"gousb transfer timeout", gousb.TransferTimedOut, ErrTimeout},
		{"gousb libusb timeout", gousb.ErrorTimeout, ErrTimeout},
		{"stalled pipe", gousb.ErrorPipe, ErrTransfer},
		{"io failure", errors.New("libusb: i/o error"), ErrTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapTransferErr(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("mapTransferErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
			if errors.Is(got, ErrTimeout) && errors.Is(got, ErrTransfer) {
				t.Errorf("mapTransferErr(%v) = %v, matched both sentinels", tt.err, got)
			}
		})
	}
}

// The original cause must stay readable in the wrapped message for operator logs.
func TestMapTransferErr_PreservesCause(t *testing.T) {
	got := mapTransferErr(errors.New("pipe stalled"))
	if !strings.Contains(got.Error(), "pipe stalled") {
		t.Errorf("mapTransferErr message = %q, want original cause included", got.Error())
	}
}

func TestClose_Idempotent(t *testing.T) {
	tr := &Transport{}
	if err := tr.Close(); err != nil {
		t.Errorf("Close() on empty transport = %v, want nil", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}
