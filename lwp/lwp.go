// Package lwp builds and parses LEGO wireless-protocol frames shared by the
// WeDo 2.0, Boost/PoweredUp and Duplo Train families. Every numeric literal
// here is a wire-format constant; none of them are tunable.
package lwp

import "encoding/binary"

// WeDo 2.0 output command: [connectID, commandID, payloadLen, payload...].
func OutputCommand(connectID, commandID byte, payload []byte) []byte {
	cmd := make([]byte, 0, len(payload)+3)
	cmd = append(cmd, connectID, commandID, byte(len(payload)))
	return append(cmd, payload...)
}

// WeDo 2.0 input command, configuring how a sensor reports:
// [0x01, 0x02, connectID, type, mode, delta(le32), units, notifications].
func InputCommand(connectID, typeCode, mode byte, delta uint32, units byte, notifications bool) []byte {
	cmd := []byte{0x01, 0x02, connectID, typeCode, mode}
	cmd = binary.LittleEndian.AppendUint32(cmd, delta)
	return append(cmd, units, boolByte(notifications))
}

// LWP3 message types (common header byte 2).
const (
	MessageHubAttachedIO    byte = 0x04
	MessagePortInputFormat  byte = 0x41
	MessagePortValue        byte = 0x45
	MessagePortInputAck     byte = 0x47
	MessagePortOutput       byte = 0x81
	MessagePortOutputResult byte = 0x82
)

// LWP3 port-output constants.
const (
	StartupExecuteImmediately byte = 0x11 // startup+completion flags
	SubWriteDirectModeData    byte = 0x51
)

// Attached-I/O event codes.
const (
	IOEventDetached        byte = 0x00
	IOEventAttached        byte = 0x01
	IOEventAttachedVirtual byte = 0x02
)

// Motor power wire values shared by the whole family.
const (
	BrakeByte byte = 0x7F // active brake sentinel, outside the power range
	OffByte   byte = 0x00
)

// PowerByte maps a signed power in [-100, 100] onto its single-byte slot.
func PowerByte(power int) byte {
	return byte(int8(power))
}

// Frame prefixes an LWP3 common header (total length, hub id 0) to a message
// body beginning with its message type.
func Frame(messageType byte, body []byte) []byte {
	msg := make([]byte, 0, len(body)+3)
	msg = append(msg, byte(len(body)+3), 0x00, messageType)
	return append(msg, body...)
}

// PortOutput builds an LWP3 port-output frame:
// [length, 0x00, 0x81, port, 0x11, subcommand, payload...].
func PortOutput(port, subcommand byte, payload ...byte) []byte {
	body := append([]byte{port, StartupExecuteImmediately, subcommand}, payload...)
	return Frame(MessagePortOutput, body)
}

// PortInputFormat builds the LWP3 sensor-format setup frame enabling (or
// disabling) continuous value notifications for a port mode.
func PortInputFormat(port, mode byte, delta uint32, notifications bool) []byte {
	body := []byte{port, mode}
	body = binary.LittleEndian.AppendUint32(body, delta)
	return Frame(MessagePortInputFormat, append(body, boolByte(notifications)))
}

// MessageType returns the LWP3 message type of a frame.
func MessageType(msg []byte) (byte, bool) {
	if len(msg) < 3 {
		return 0, false
	}
	return msg[2], true
}

// AttachedIO is a decoded hub-attached-I/O notification.
type AttachedIO struct {
	Port     byte
	Event    byte
	TypeCode uint16 // zero on detach
}

// ParseAttachedIO decodes an 0x04 frame.
func ParseAttachedIO(msg []byte) (AttachedIO, bool) {
	if len(msg) < 5 || msg[2] != MessageHubAttachedIO {
		return AttachedIO{}, false
	}
	io := AttachedIO{Port: msg[3], Event: msg[4]}
	if io.Event != IOEventDetached {
		if len(msg) < 7 {
			return AttachedIO{}, false
		}
		io.TypeCode = binary.LittleEndian.Uint16(msg[5:7])
	}
	return io, true
}

// ParsePortValue decodes an 0x45 single-port value frame, returning the port
// and the raw value bytes.
func ParsePortValue(msg []byte) (byte, []byte, bool) {
	if len(msg) < 4 || msg[2] != MessagePortValue {
		return 0, nil, false
	}
	return msg[3], msg[4:], true
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
