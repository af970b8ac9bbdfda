// Package device speaks the Sekonic command protocol over a USB transport.
// Every exchange is write command, read acknowledge, read data.
package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/photonworks/spectro-service/internal/measurement"
	"github.com/photonworks/spectro-service/internal/observability"
	"github.com/photonworks/spectro-service/internal/usbadapter"
)

// Transport is the raw byte pipe to the instrument. Satisfied by
// *usbadapter.Transport; tests substitute a scripted fake.
type Transport interface {
	Write(cmd string) error
	Read(bufLen int, timeout time.Duration) ([]byte, error)
	Close() error
}

// The instrument acknowledges every command with ACK followed by '0'.
var ackOK = []byte{0x06, 0x30}

const (
	modelC7000 = "C-7000"

	// Firmware 25 and older rejects the shutter speed command.
	minShutterSpeedFW = 25

	manufacturer = "SEKONIC"
)

// CommandError reports a failed protocol exchange. Timeouts render with a
// fixed suffix so operators can tell a silent instrument from a protocol
// error.
type CommandError struct {
	Op  string
	Err error
}

func (e *CommandError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	if errors.Is(e.Err, usbadapter.ErrTimeout) {
		return e.Op + " (timed out)"
	}
	return fmt.Sprintf("%s (%v)", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Info is the decoded "ST" status response.
type Info struct {
	Status Status `json:"status"`
	Remote Remote `json:"remote"`
	Button Button `json:"button"`
	Ring   Ring   `json:"ring"`
}

// Device is a connected instrument. Not safe for concurrent use; the
// controller serializes access.
type Device struct {
	transport Transport
	modelName string
	fwVersion int
	measCfg   MeasConfig
}

// Open reads the model name and firmware version over the given transport.
func Open(t Transport) (*Device, error) {
	d := &Device{transport: t, measCfg: DefaultMeasConfig()}

	data, err := d.runCmd("MN", "read model name")
	if err != nil {
		return nil, err
	}
	d.modelName = strings.TrimPrefix(string(data), "MN@@@")

	data, err = d.runCmd("FV", "read firmware version")
	if err != nil {
		return nil, err
	}
	fw, err := parseFirmwareVersion(string(data))
	if err != nil {
		return nil, &CommandError{Op: "read firmware version", Err: err}
	}
	d.fwVersion = fw

	return d, nil
}

// parseFirmwareVersion extracts the firmware number from the "FV" payload,
// a CSV of alternating version and checksum fields; the device firmware
// version sits at index 2.
func parseFirmwareVersion(payload string) (int, error) {
	fields := strings.Split(strings.TrimPrefix(payload, "FV@@@"), ",")
	if len(fields) < 3 {
		return 0, fmt.Errorf("malformed firmware response %q", payload)
	}
	fw, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return 0, fmt.Errorf("malformed firmware version %q", fields[2])
	}
	return fw, nil
}

// runCmd performs one command exchange and returns the data payload.
func (d *Device) runCmd(cmd, op string) ([]byte, error) {
	start := time.Now()
	data, err := d.exchange(cmd)
	verb := cmdVerb(cmd)
	observability.DeviceCommandDuration.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.DeviceCommandsTotal.WithLabelValues(verb, "error").Inc()
		return nil, &CommandError{Op: op, Err: err}
	}
	observability.DeviceCommandsTotal.WithLabelValues(verb, "success").Inc()
	return data, nil
}

func (d *Device) exchange(cmd string) ([]byte, error) {
	if err := d.transport.Write(cmd); err != nil {
		return nil, err
	}

	ack, err := d.transport.Read(usbadapter.ReadBufLen, usbadapter.ReadTimeout)
	if err != nil {
		return nil, err
	}
	if len(ack) != len(ackOK) || ack[0] != ackOK[0] || ack[1] != ackOK[1] {
		return nil, fmt.Errorf("unexpected ack % x", ack)
	}

	return d.transport.Read(usbadapter.ReadBufLen, usbadapter.ReadTimeout)
}

// cmdVerb strips arguments so metric labels stay bounded: "SSw,0,30" and
// "SSw,0,31" are the same command.
func cmdVerb(cmd string) string {
	if i := strings.IndexByte(cmd, ','); i >= 0 {
		return cmd[:i]
	}
	return cmd
}

// Info queries and decodes the instrument status.
func (d *Device) Info() (Info, error) {
	data, err := d.runCmd("ST", "get device info")
	if err != nil {
		return Info{}, err
	}
	if len(data) != 5 {
		return Info{}, &CommandError{Op: "get device info", Err: fmt.Errorf("short status payload (%d bytes)", len(data))}
	}

	sta1, sta2, key := data[2], data[3], data[4]

	status := StatusIdle
	switch {
	case sta1&0x10 != 0:
		status = StatusErrorHW
	case sta1&0x01 != 0:
		switch {
		case sta2&0x01 != 0:
			status = StatusBusyInitializing
		case sta2&0x04 != 0:
			status = StatusBusyDarkCalibration
		case sta2&0x10 != 0:
			status = StatusBusyFlashStandby
		case sta2&0x08 != 0:
			status = StatusBusyMeasuring
		}
	case sta1&0x08 != 0:
		status = StatusIdleOutMeas
	}

	remote := RemoteOff
	if sta1&0x02 != 0 {
		remote = RemoteOn
	}

	return Info{
		Status: status,
		Remote: remote,
		Button: buttonFromKey(key),
		Ring:   Ring((key & 0x60) >> 5),
	}, nil
}

// buttonFromKey decodes the low five key bits; unknown combinations mean no
// button of interest is held.
func buttonFromKey(key byte) Button {
	switch Button(key & 0x1F) {
	case ButtonPower, ButtonMeasuring, ButtonMemory, ButtonMenu, ButtonPanel:
		return Button(key & 0x1F)
	default:
		return ButtonNone
	}
}

// SetRemote engages or releases remote control mode.
func (d *Device) SetRemote(on bool) error {
	cmd, op := "RT0", "set remote mode off"
	if on {
		cmd, op = "RT1", "set remote mode on"
	}
	_, err := d.runCmd(cmd, op)
	return err
}

// StartMeasuring triggers a measurement. The instrument stays busy until the
// status polls back to idle.
func (d *Device) StartMeasuring() error {
	_, err := d.runCmd("RM0", "start measuring")
	return err
}

// MeasuringResult fetches and decodes the last measurement.
func (d *Device) MeasuringResult() (*measurement.Result, error) {
	data, err := d.runCmd("NR?", "get measuring result")
	if err != nil {
		return nil, err
	}
	result, err := measurement.Parse(data)
	if err != nil {
		return nil, &CommandError{Op: "get measuring result", Err: err}
	}
	return result, nil
}

// Configure pushes the measurement configuration. Only the C-7000 accepts
// these commands; other models measure with their panel settings.
func (d *Device) Configure() error {
	if d.modelName != modelC7000 {
		return nil
	}

	steps := []struct {
		cmd string
		op  string
	}{
		{fmt.Sprintf("AGw,%d", d.measCfg.FieldOfView), "set measurement configuration (field of view)"},
		{fmt.Sprintf("MMw,%d", d.measCfg.MeasuringMode), "set measurement configuration (measuring mode)"},
		{fmt.Sprintf("AMw,%d", d.measCfg.ExposureTime), "set measurement configuration (exposure time)"},
	}
	if d.fwVersion > minShutterSpeedFW {
		steps = append(steps, struct {
			cmd string
			op  string
		}{fmt.Sprintf("SSw,0,%d", d.measCfg.ShutterSpeed), "set measurement configuration (shutter speed)"})
	}

	for _, s := range steps {
		if _, err := d.runCmd(s.cmd, s.op); err != nil {
			return err
		}
	}
	return nil
}

// ModelName returns the model string reported by the instrument.
func (d *Device) ModelName() string { return d.modelName }

// FirmwareVersion returns the firmware number reported by the instrument.
func (d *Device) FirmwareVersion() int { return d.fwVersion }

// MeasConfig returns the configuration used by Configure.
func (d *Device) MeasConfig() MeasConfig { return d.measCfg }

// SetMeasConfig replaces the configuration used by Configure.
func (d *Device) SetMeasConfig(cfg MeasConfig) { d.measCfg = cfg }

// Close releases the transport.
func (d *Device) Close() error {
	return d.transport.Close()
}

func (d *Device) String() string {
	return fmt.Sprintf("%s %s FW v%d", manufacturer, d.modelName, d.fwVersion)
}
