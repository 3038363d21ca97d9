// Package ev3 drives a LEGO MINDSTORMS EV3 brick over its classic Bluetooth
// serial link using direct-command opcode streams.
package ev3

// Direct-command types.
const (
	CommandReply   byte = 0x00 // brick sends a reply
	CommandNoReply byte = 0x80
)

// Reply status bytes.
const (
	ReplyOK    byte = 0x02
	ReplyError byte = 0x04
)

// Opcodes used by the session.
const (
	OpOutputReset     byte = 0xA2
	OpOutputStop      byte = 0xA3
	OpOutputSpeed     byte = 0xA5
	OpOutputStart     byte = 0xA6
	OpOutputTimeSpeed byte = 0xAF
	OpSound           byte = 0x94
	OpInputDeviceList byte = 0x98
	OpInputReadSI     byte = 0x9D
)

// opSOUND subcommands.
const (
	SoundBreak byte = 0x00
	SoundTone  byte = 0x01
)

// Parameter encoding prefixes. Values 0..31 encode directly as a short-form
// constant with no prefix.
const (
	LC1 byte = 0x81 // one-byte constant follows
	LC2 byte = 0x82 // two-byte little-endian constant follows
	LC4 byte = 0x83 // four-byte little-endian constant follows
	GV1 byte = 0xE1 // one-byte global-variable index follows
	GV0 byte = 0x60 // short-form global-variable index 0
)

// Fixed opcode arguments.
const (
	Layer      byte = 0x00
	Coast      byte = 0x00
	Brake      byte = 0x01
	MaxDevices      = 32
)

// RampMS is the fixed ramp constant subtracted from a timed run: a run of n
// milliseconds is encoded as ramp-up, steady, ramp-down phases. Runs shorter
// than two full ramps split evenly between the two ramp phases.
const RampMS = 8000

// Input device type codes as reported by opINPUT_DEVICE_LIST.
const (
	TypeLargeMotor  byte = 7
	TypeMediumMotor byte = 8
	TypeTouch       byte = 16
	TypeColor       byte = 29
	TypeUltrasonic  byte = 30
	TypeGyro        byte = 32
	TypeNoDevice    byte = 126
	TypeEmptyPort   byte = 124
)

// Sensor modes requested by opINPUT_READSI.
const (
	ModeTouchPressed   byte = 0
	ModeColorReflected byte = 0
	ModeUltrasonicCM   byte = 0
	ModeGyroAngle      byte = 0
)

// Command wraps an opcode stream in the direct-command header:
// 2-byte little-endian length (excluding itself), 2-byte message counter
// (unused, zero), command type, 2-byte global-variable allocation.
func Command(commandType byte, allocation uint16, ops []byte) []byte {
	cmd := make([]byte, 0, len(ops)+7)
	cmd = append(cmd, 0x00, 0x00) // length, patched below
	cmd = append(cmd, 0x00, 0x00) // message counter
	cmd = append(cmd, commandType)
	cmd = append(cmd, byte(allocation&0xFF), byte(allocation>>8&0xFF))
	cmd = append(cmd, ops...)
	length := len(cmd) - 2
	cmd[0] = byte(length & 0xFF)
	cmd[1] = byte(length >> 8 & 0xFF)
	return cmd
}

// lcValue encodes a duration or count parameter, switching between the
// two-byte and four-byte representation on magnitude.
func lcValue(v int) []byte {
	if v < 0x7FFF {
		return []byte{LC2, byte(v & 0xFF), byte(v >> 8 & 0xFF)}
	}
	return []byte{LC4, byte(v & 0xFF), byte(v >> 8 & 0xFF), byte(v >> 16 & 0xFF), byte(v >> 24 & 0xFF)}
}

// PortMask converts a motor port index to the opcode port bitmask.
func PortMask(index int) byte {
	return 1 << uint(index)
}

// TimeSpeed builds an opOUTPUT_TIME_SPEED run for one motor port: signed
// speed, millisecond duration, three ramp phases, ending with an active
// brake. A negative speed is made positive by negating speed and duration
// together; the resulting negative duration folds the direction back into
// the speed byte as 0x100-speed.
func TimeSpeed(portIndex, speed, milliseconds int) []byte {
	n := milliseconds
	if speed < 0 {
		speed = -speed
		n = -n
	}
	dir := speed
	if n < 0 {
		dir = 0x100 - speed
		n = -n
	}

	rampUp, rampDown := RampMS, RampMS
	run := n - RampMS*2
	if run < 0 {
		rampUp = n / 2
		run = 0
		rampDown = n - rampUp
	}

	ops := []byte{OpOutputTimeSpeed, Layer, PortMask(portIndex), LC1, byte(dir & 0xFF)}
	ops = append(ops, lcValue(rampUp)...)
	ops = append(ops, lcValue(run)...)
	ops = append(ops, lcValue(rampDown)...)
	ops = append(ops, Brake)
	return Command(CommandNoReply, 0, ops)
}

// SpeedStart builds a continuous run (opOUTPUT_SPEED + opOUTPUT_START).
func SpeedStart(portIndex, speed int) []byte {
	port := PortMask(portIndex)
	ops := []byte{
		OpOutputSpeed, Layer, port, LC1, byte(speed & 0xFF),
		OpOutputStart, Layer, port,
	}
	return Command(CommandNoReply, 0, ops)
}

// Stop builds an opOUTPUT_STOP for a port bitmask, braking or coasting.
func Stop(portMask, brakeMode byte) []byte {
	return Command(CommandNoReply, 0, []byte{OpOutputStop, Layer, portMask, brakeMode})
}

// Tone builds an opSOUND tone command.
func Tone(volume byte, frequency, milliseconds uint16) []byte {
	ops := []byte{OpSound, SoundTone, LC1, volume}
	ops = append(ops, LC2, byte(frequency&0xFF), byte(frequency>>8))
	ops = append(ops, LC2, byte(milliseconds&0xFF), byte(milliseconds>>8))
	return Command(CommandNoReply, 0, ops)
}

// StopSound builds an opSOUND break command.
func StopSound() []byte {
	return Command(CommandNoReply, 0, []byte{OpSound, SoundBreak})
}

// DeviceListPoll builds the opINPUT_DEVICE_LIST query. The reply carries one
// type byte per port: inputs at offsets 0-3, outputs at 16-19, plus a
// changed flag at offset 32.
func DeviceListPoll() []byte {
	ops := []byte{OpInputDeviceList, LC1, MaxDevices, GV0, GV1, MaxDevices}
	return Command(CommandReply, MaxDevices+1, ops)
}

// ReadSIPoll builds an opINPUT_READSI query for one input port. The reply is
// a 4-byte little-endian IEEE 754 value at global offset 0.
func ReadSIPoll(portIndex int, mode byte) []byte {
	ops := []byte{OpInputReadSI, Layer, byte(portIndex), 0x00, LC1, mode, GV0}
	return Command(CommandReply, 4, ops)
}
