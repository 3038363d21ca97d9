// Package wedo2 drives the LEGO WeDo 2.0 hub over BLE.
package wedo2

// WeDo 2.0 / LPF2 service and characteristic UUIDs.
const (
	ServiceHub    = "00001523-1212-efde-1523-785feabcd123"
	ServiceIO     = "00004f0e-1212-efde-1523-785feabcd123"
	ServiceDevice = "0000180a-0000-1000-8000-00805f9b34fb"

	CharAttachedIO    = "00001527-1212-efde-1523-785feabcd123" // port attach/detach events
	CharLowVoltage    = "00001528-1212-efde-1523-785feabcd123"
	CharInputValues   = "00001560-1212-efde-1523-785feabcd123" // sensor values
	CharInputCommand  = "00001563-1212-efde-1523-785feabcd123" // sensor setup
	CharOutputCommand = "00001565-1212-efde-1523-785feabcd123" // motor/LED/tone commands
)

// Output command ids.
const (
	CommandMotorPower byte = 0x01
	CommandPlayTone   byte = 0x02
	CommandStopTone   byte = 0x03
	CommandWriteRGB   byte = 0x04
	CommandSetVolume  byte = 0xFF
)

// Attached device type codes.
const (
	DeviceMotor    byte = 0x01
	DeviceVoltage  byte = 0x14
	DeviceCurrent  byte = 0x15
	DevicePiezo    byte = 0x16
	DeviceLED      byte = 0x17
	DeviceTilt     byte = 0x22
	DeviceDistance byte = 0x23
)

// Fixed connect ids for the hub-internal outputs.
const (
	ConnectIDPiezo byte = 0x05
	ConnectIDLED   byte = 0x06
)

// Sensor reporting modes and units.
const (
	ModeTilt     byte = 0x00
	ModeDistance byte = 0x00

	LEDModeColorIndex byte = 0x00
	LEDModeRGB        byte = 0x01

	UnitRaw     byte = 0x00
	UnitPercent byte = 0x01
	UnitSI      byte = 0x02
)
