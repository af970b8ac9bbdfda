package device

// Status is the instrument's operating state decoded from the "ST" response.
type Status int

const (
	StatusIdle Status = iota
	StatusIdleOutMeas
	StatusBusyInitializing
	StatusBusyDarkCalibration
	StatusBusyFlashStandby
	StatusBusyMeasuring
	StatusErrorHW
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusIdleOutMeas:
		return "idle_out_of_range"
	case StatusBusyInitializing:
		return "busy_initializing"
	case StatusBusyDarkCalibration:
		return "busy_dark_calibration"
	case StatusBusyFlashStandby:
		return "busy_flash_standby"
	case StatusBusyMeasuring:
		return "busy_measuring"
	case StatusErrorHW:
		return "hardware_error"
	default:
		return "unknown"
	}
}

// Busy reports whether the instrument is still working and not ready for the
// next command.
func (s Status) Busy() bool {
	switch s {
	case StatusBusyInitializing, StatusBusyDarkCalibration, StatusBusyFlashStandby, StatusBusyMeasuring:
		return true
	}
	return false
}

// Remote indicates whether remote (USB) control mode is engaged.
type Remote int

const (
	RemoteOff Remote = iota
	RemoteOn
)

func (r Remote) String() string {
	if r == RemoteOn {
		return "on"
	}
	return "off"
}

// Button is the physical button currently held, decoded from the key byte.
type Button int

const (
	ButtonNone      Button = 0
	ButtonPower     Button = 1
	ButtonMeasuring Button = 2
	ButtonMemory    Button = 4
	ButtonMenu      Button = 8
	ButtonPanel     Button = 16
)

func (b Button) String() string {
	switch b {
	case ButtonPower:
		return "power"
	case ButtonMeasuring:
		return "measuring"
	case ButtonMemory:
		return "memory"
	case ButtonMenu:
		return "menu"
	case ButtonPanel:
		return "panel"
	default:
		return "none"
	}
}

// Ring is the position of the light selection ring.
type Ring int

const (
	RingUnpositioned Ring = 0
	RingCal          Ring = 1
	RingLow          Ring = 2
	RingHigh         Ring = 3
)

func (r Ring) String() string {
	switch r {
	case RingCal:
		return "cal"
	case RingLow:
		return "low"
	case RingHigh:
		return "high"
	default:
		return "unpositioned"
	}
}

// MeasuringMode selects what kind of light the instrument measures.
type MeasuringMode int

const (
	ModeAmbient       MeasuringMode = 0
	ModeCordlessFlash MeasuringMode = 1
	ModeCordFlash     MeasuringMode = 2
)

// FieldOfView is the receptor acceptance angle.
type FieldOfView int

const (
	FieldOfView2Deg  FieldOfView = 0
	FieldOfView10Deg FieldOfView = 1
)

// ExposureTime selects the integration time for ambient measurements.
type ExposureTime int

const (
	ExposureAuto    ExposureTime = 0
	Exposure100Msec ExposureTime = 1
	Exposure1Sec    ExposureTime = 2
)

// ShutterSpeed selects the sync speed for flash measurements.
type ShutterSpeed int

const (
	Shutter1Sec     ShutterSpeed = 0
	Shutter1_2Sec   ShutterSpeed = 1
	Shutter1_4Sec   ShutterSpeed = 2
	Shutter1_8Sec   ShutterSpeed = 3
	Shutter1_15Sec  ShutterSpeed = 4
	Shutter1_30Sec  ShutterSpeed = 5
	Shutter1_60Sec  ShutterSpeed = 6
	Shutter1_125Sec ShutterSpeed = 7
	Shutter1_250Sec ShutterSpeed = 8
	Shutter1_500Sec ShutterSpeed = 9
)

// MeasConfig is the measurement configuration pushed to the instrument
// before a reading.
type MeasConfig struct {
	MeasuringMode MeasuringMode
	FieldOfView   FieldOfView
	ExposureTime  ExposureTime
	ShutterSpeed  ShutterSpeed
}

// DefaultMeasConfig matches the instrument's power-on defaults.
func DefaultMeasConfig() MeasConfig {
	return MeasConfig{
		MeasuringMode: ModeAmbient,
		FieldOfView:   FieldOfView2Deg,
		ExposureTime:  ExposureAuto,
		ShutterSpeed:  Shutter1_125Sec,
	}
}
