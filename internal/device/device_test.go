package device

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/photonworks/spectro-service/internal/measurement"
	"github.com/photonworks/spectro-service/internal/observability"
	"github.com/photonworks/spectro-service/internal/usbadapter"
)

type readStep struct {
	data []byte
	err  error
}

// fakeTransport scripts the instrument side of the protocol: each Read pops
// the next step, each Write is recorded.
type fakeTransport struct {
	writes   []string
	reads    []readStep
	writeErr error
	closed   bool
}

func (f *fakeTransport) Write(cmd string) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, cmd)
	return nil
}

func (f *fakeTransport) Read(bufLen int, timeout time.Duration) ([]byte, error) {
	if len(f.reads) == 0 {
		return nil, fmt.Errorf("unexpected read")
	}
	step := f.reads[0]
	f.reads = f.reads[1:]
	return step.data, step.err
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func ack() readStep { return readStep{data: []byte{0x06, 0x30}} }

// identityScript is the exchange Open performs: model name then firmware.
func identityScript(model, fwPayload string) []readStep {
	return []readStep{
		ack(), {data: []byte("MN@@@" + model)},
		ack(), {data: []byte(fwPayload)},
	}
}

func openTestDevice(t *testing.T, model string, fw int) (*Device, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{
		reads: identityScript(model, fmt.Sprintf("FV@@@20,C36E,%d,7881,11,B216,14,50CC,17,74EC", fw)),
	}
	d, err := Open(tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr.writes = nil
	return d, tr
}

func TestOpen(t *testing.T) {
	d, _ := openTestDevice(t, "C-7000", 27)

	if d.ModelName() != "C-7000" {
		t.Errorf("ModelName = %q, want %q", d.ModelName(), "C-7000")
	}
	if d.FirmwareVersion() != 27 {
		t.Errorf("FirmwareVersion = %d, want 27", d.FirmwareVersion())
	}
	if got := d.String(); !strings.Contains(got, "SEKONIC") || !strings.Contains(got, "C-7000") || !strings.Contains(got, "FW v27") {
		t.Errorf("String = %q", got)
	}
	if got := d.MeasConfig(); got != DefaultMeasConfig() {
		t.Errorf("MeasConfig = %+v, want defaults", got)
	}
}

func TestOpen_MalformedFirmware(t *testing.T) {
	tr := &fakeTransport{reads: []readStep{
		ack(), {data: []byte("MN@@@C-7000")},
		ack(), {data: []byte("FV@@@20")},
	}}
	if _, err := Open(tr); err == nil {
		t.Fatal("expected error for malformed firmware payload")
	}
}

// Every USB exchange shows up in the command counters, labeled by the bare
// verb so configuration arguments do not explode the label space.
func TestRunCmd_RecordsCommandMetrics(t *testing.T) {
	okBefore := testutil.ToFloat64(observability.DeviceCommandsTotal.WithLabelValues("ST", "success"))
	errBefore := testutil.ToFloat64(observability.DeviceCommandsTotal.WithLabelValues("SSw", "error"))

	tr := &fakeTransport{reads: []readStep{ack(), {data: []byte("STabc")}}}
	d := &Device{transport: tr}
	if _, err := d.runCmd("ST", "get device info"); err != nil {
		t.Fatalf("runCmd: %v", err)
	}

	tr2 := &fakeTransport{writeErr: errors.New("pipe stalled")}
	d2 := &Device{transport: tr2}
	if _, err := d2.runCmd("SSw,0,30", "set measurement configuration (shutter speed)"); err == nil {
		t.Fatal("expected write failure")
	}

	if got := testutil.ToFloat64(observability.DeviceCommandsTotal.WithLabelValues("ST", "success")); got != okBefore+1 {
		t.Errorf("deviceCommandsTotal{ST,success} = %v, want %v", got, okBefore+1)
	}
	if got := testutil.ToFloat64(observability.DeviceCommandsTotal.WithLabelValues("SSw", "error")); got != errBefore+1 {
		t.Errorf("deviceCommandsTotal{SSw,error} = %v, want %v", got, errBefore+1)
	}
}

func TestCmdVerb(t *testing.T) {
	tests := []struct{ cmd, want string }{
		{"ST", "ST"},
		{"NR?", "NR?"},
		{"AGw,1", "AGw"},
		{"SSw,0,30", "SSw"},
	}
	for _, tt := range tests {
		if got := cmdVerb(tt.cmd); got != tt.want {
			t.Errorf("cmdVerb(%q) = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestRunCmd_BadAck(t *testing.T) {
	tr := &fakeTransport{reads: []readStep{{data: []byte("ERROR")}}}
	d := &Device{transport: tr}

	_, err := d.runCmd("ST", "get device info")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type %T, want *CommandError", err)
	}
	if cmdErr.Op != "get device info" {
		t.Errorf("Op = %q", cmdErr.Op)
	}
}

func TestRunCmd_WriteTimeout(t *testing.T) {
	tr := &fakeTransport{writeErr: usbadapter.ErrTimeout}
	d := &Device{transport: tr}

	_, err := d.runCmd("ST", "get device info")
	if err == nil || !strings.HasSuffix(err.Error(), "(timed out)") {
		t.Fatalf("error = %v, want timed out suffix", err)
	}
}

func TestRunCmd_ReadErrors(t *testing.T) {
	tests := []struct {
		name  string
		reads []readStep
		want  string
	}{
		{"ack timeout", []readStep{{err: usbadapter.ErrTimeout}}, "get device info (timed out)"},
		{"ack error", []readStep{{err: errors.New("pipe broken")}}, "get device info (pipe broken)"},
		{"data timeout", []readStep{ack(), {err: usbadapter.ErrTimeout}}, "get device info (timed out)"},
		{"data error", []readStep{ack(), {err: errors.New("pipe broken")}}, "get device info (pipe broken)"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &Device{transport: &fakeTransport{reads: tc.reads}}
			_, err := d.runCmd("ST", "get device info")
			if err == nil || err.Error() != tc.want {
				t.Fatalf("error = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestInfo_Decode(t *testing.T) {
	tests := []struct {
		name   string
		sta1   byte
		sta2   byte
		key    byte
		status Status
		remote Remote
		button Button
		ring   Ring
	}{
		{"idle", 0, 0, 0, StatusIdle, RemoteOff, ButtonNone, RingUnpositioned},
		{"hardware error wins", 0x10, 0, 0, StatusErrorHW, RemoteOff, ButtonNone, RingUnpositioned},
		{"busy initializing", 1, 1, 0, StatusBusyInitializing, RemoteOff, ButtonNone, RingUnpositioned},
		{"busy dark calibration", 1, 4, 0, StatusBusyDarkCalibration, RemoteOff, ButtonNone, RingUnpositioned},
		{"busy flash standby", 1, 0x10, 0, StatusBusyFlashStandby, RemoteOff, ButtonNone, RingUnpositioned},
		{"busy measuring", 1, 8, 0, StatusBusyMeasuring, RemoteOff, ButtonNone, RingUnpositioned},
		{"idle out of range", 8, 0, 0, StatusIdleOutMeas, RemoteOff, ButtonNone, RingUnpositioned},
		{"remote on", 2, 0, 0, StatusIdle, RemoteOn, ButtonNone, RingUnpositioned},
		{"power button", 0, 0, 1, StatusIdle, RemoteOff, ButtonPower, RingUnpositioned},
		{"measuring button", 0, 0, 2, StatusIdle, RemoteOff, ButtonMeasuring, RingUnpositioned},
		{"memory button", 0, 0, 4, StatusIdle, RemoteOff, ButtonMemory, RingUnpositioned},
		{"menu button", 0, 0, 8, StatusIdle, RemoteOff, ButtonMenu, RingUnpositioned},
		{"panel button", 0, 0, 16, StatusIdle, RemoteOff, ButtonPanel, RingUnpositioned},
		{"unknown button bits", 0, 0, 0xFF, StatusIdle, RemoteOff, ButtonNone, RingHigh},
		{"ring cal", 0, 0, 1 << 5, StatusIdle, RemoteOff, ButtonNone, RingCal},
		{"ring low", 0, 0, 2 << 5, StatusIdle, RemoteOff, ButtonNone, RingLow},
		{"ring high", 0, 0, 3 << 5, StatusIdle, RemoteOff, ButtonNone, RingHigh},
		{"ring bits masked", 0, 0, 4 << 5, StatusIdle, RemoteOff, ButtonNone, RingUnpositioned},
		{"combined flags", 3, 5, 8 | 2<<5, StatusBusyInitializing, RemoteOn, ButtonMenu, RingLow},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := &fakeTransport{reads: []readStep{
				ack(), {data: []byte{'S', 'T', tc.sta1, tc.sta2, tc.key}},
			}}
			d := &Device{transport: tr}

			info, err := d.Info()
			if err != nil {
				t.Fatalf("Info: %v", err)
			}
			if info.Status != tc.status {
				t.Errorf("Status = %v, want %v", info.Status, tc.status)
			}
			if info.Remote != tc.remote {
				t.Errorf("Remote = %v, want %v", info.Remote, tc.remote)
			}
			if info.Button != tc.button {
				t.Errorf("Button = %v, want %v", info.Button, tc.button)
			}
			if info.Ring != tc.ring {
				t.Errorf("Ring = %v, want %v", info.Ring, tc.ring)
			}
		})
	}
}

func TestInfo_ShortPayload(t *testing.T) {
	tr := &fakeTransport{reads: []readStep{ack(), {data: []byte{'S', 'T'}}}}
	d := &Device{transport: tr}

	if _, err := d.Info(); err == nil {
		t.Fatal("expected error for short status payload")
	}
}

func TestSetRemote(t *testing.T) {
	d, tr := openTestDevice(t, "C-7000", 27)

	tr.reads = []readStep{ack(), {data: []byte("OK")}, ack(), {data: []byte("OK")}}
	if err := d.SetRemote(true); err != nil {
		t.Fatalf("SetRemote(true): %v", err)
	}
	if err := d.SetRemote(false); err != nil {
		t.Fatalf("SetRemote(false): %v", err)
	}
	if len(tr.writes) != 2 || tr.writes[0] != "RT1" || tr.writes[1] != "RT0" {
		t.Fatalf("writes = %v, want [RT1 RT0]", tr.writes)
	}
}

func TestStartMeasuring(t *testing.T) {
	d, tr := openTestDevice(t, "C-7000", 27)

	tr.reads = []readStep{ack(), {data: []byte("OK")}}
	if err := d.StartMeasuring(); err != nil {
		t.Fatalf("StartMeasuring: %v", err)
	}
	if len(tr.writes) != 1 || tr.writes[0] != "RM0" {
		t.Fatalf("writes = %v, want [RM0]", tr.writes)
	}
}

func TestConfigure_C7000(t *testing.T) {
	d, tr := openTestDevice(t, "C-7000", 26)
	d.SetMeasConfig(MeasConfig{
		MeasuringMode: ModeCordlessFlash,
		FieldOfView:   FieldOfView10Deg,
		ExposureTime:  Exposure1Sec,
		ShutterSpeed:  Shutter1_60Sec,
	})

	tr.reads = []readStep{
		ack(), {data: []byte("OK")},
		ack(), {data: []byte("OK")},
		ack(), {data: []byte("OK")},
		ack(), {data: []byte("OK")},
	}
	if err := d.Configure(); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	want := []string{"AGw,1", "MMw,1", "AMw,2", "SSw,0,6"}
	if len(tr.writes) != len(want) {
		t.Fatalf("writes = %v, want %v", tr.writes, want)
	}
	for i := range want {
		if tr.writes[i] != want[i] {
			t.Errorf("writes[%d] = %q, want %q", i, tr.writes[i], want[i])
		}
	}
}

func TestConfigure_OldFirmwareSkipsShutterSpeed(t *testing.T) {
	d, tr := openTestDevice(t, "C-7000", 25)

	tr.reads = []readStep{
		ack(), {data: []byte("OK")},
		ack(), {data: []byte("OK")},
		ack(), {data: []byte("OK")},
	}
	if err := d.Configure(); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(tr.writes) != 3 {
		t.Fatalf("writes = %v, want 3 commands", tr.writes)
	}
	for _, w := range tr.writes {
		if strings.HasPrefix(w, "SSw") {
			t.Errorf("unexpected shutter speed command %q on firmware 25", w)
		}
	}
}

func TestConfigure_OtherModelIsNoop(t *testing.T) {
	d, tr := openTestDevice(t, "C-800", 10)

	if err := d.Configure(); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(tr.writes) != 0 {
		t.Fatalf("writes = %v, want none for non C-7000 model", tr.writes)
	}
}

func TestMeasuringResult(t *testing.T) {
	d, tr := openTestDevice(t, "C-7000", 27)

	tr.reads = []readStep{ack(), {data: measurement.FakeData()}}
	result, err := d.MeasuringResult()
	if err != nil {
		t.Fatalf("MeasuringResult: %v", err)
	}
	if result.PeakWavelength != 555 {
		t.Errorf("PeakWavelength = %d, want 555", result.PeakWavelength)
	}
	if len(tr.writes) != 1 || tr.writes[0] != "NR?" {
		t.Fatalf("writes = %v, want [NR?]", tr.writes)
	}
}

func TestMeasuringResult_InvalidPayload(t *testing.T) {
	d, tr := openTestDevice(t, "C-7000", 27)

	tr.reads = []readStep{ack(), {data: []byte("NR@")}}
	_, err := d.MeasuringResult()
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type %T, want *CommandError", err)
	}
}

func TestClose(t *testing.T) {
	d, tr := openTestDevice(t, "C-7000", 27)

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !tr.closed {
		t.Fatal("transport not closed")
	}
}
