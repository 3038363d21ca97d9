// Package boost drives LEGO Boost / Powered Up hubs over BLE using the LWP3
// common-header protocol.
package boost

// Powered Up hub service and characteristic UUIDs.
const (
	ServiceHub = "00001623-1212-efde-1623-785feabcd123"
	CharHub    = "00001624-1212-efde-1623-785feabcd123"
)

// Attached I/O type codes (16-bit little-endian on the wire).
const (
	IOMotorWeDo   uint16 = 0x0001
	IOMotorSystem uint16 = 0x0002
	IOButton      uint16 = 0x0005
	IOLight       uint16 = 0x0008
	IOVoltage     uint16 = 0x0014
	IOCurrent     uint16 = 0x0015
	IOPiezo       uint16 = 0x0016
	IOLED         uint16 = 0x0017
	IOTiltExt     uint16 = 0x0022
	IOMotionExt   uint16 = 0x0023
	IOVision      uint16 = 0x0025 // color/distance sensor
	IOMotorExt    uint16 = 0x0026 // external tacho motor
	IOMotorInt    uint16 = 0x0027 // internal tacho motor
	IOTiltInt     uint16 = 0x0028
)

// Sensor modes configured on attach.
const (
	ModeTilt        byte = 0x00
	ModeColor       byte = 0x00
	ModeMotorSensor byte = 0x02 // position, degrees
)

// LED write-direct modes.
const (
	LEDModeColorIndex byte = 0x00
	LEDModeRGB        byte = 0x01
)

// Color index reported when the vision sensor sees nothing.
const ColorNone = -1
