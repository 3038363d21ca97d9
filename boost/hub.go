package boost

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"hublink/hub"
	"hublink/lwp"
	"hublink/motor"
	"hublink/ratelimit"
	"hublink/transport"
)

// SendRate caps outbound commands per second on the Powered Up link.
const SendRate = 20

// Hub is a connected Boost / Powered Up session. All traffic runs over the
// single LWP3 characteristic; inbound frames are dispatched on their message
// type byte.
type Hub struct {
	conn    transport.GATTConn
	log     *zap.Logger
	clk     clock.Clock
	limiter *ratelimit.Limiter
	ports   *hub.Registry

	mu       sync.Mutex
	color    int
	tiltX    int
	tiltY    int
	position map[byte]int // motor position per port, degrees

	unsubscribeStopAll func()
}

// NewHub wires a session to its transport and the stop-all broadcast.
func NewHub(conn transport.GATTConn, stop *hub.StopAllBroadcaster, clk clock.Clock, log *zap.Logger) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		conn:     conn,
		log:      log,
		clk:      clk,
		limiter:  ratelimit.New(SendRate, clk),
		ports:    hub.NewRegistry(),
		color:    ColorNone,
		position: make(map[byte]int),
	}
	if stop != nil {
		h.unsubscribeStopAll = stop.Subscribe(h.StopAll)
	}
	return h
}

// Scan discovers nearby Powered Up hubs.
func (h *Hub) Scan(ctx context.Context) ([]transport.Advertisement, error) {
	if scanner, ok := h.conn.(transport.Scanner); ok {
		return scanner.Scan(ctx)
	}
	return nil, transport.ErrScanUnsupported
}

// Connect opens the link and subscribes to the hub characteristic.
func (h *Hub) Connect(ctx context.Context, address string) error {
	if err := h.conn.Connect(ctx, address); err != nil {
		return err
	}
	return h.conn.Subscribe(CharHub, h.onMessage)
}

// Disconnect resets all session state and drops the link.
func (h *Hub) Disconnect() error {
	h.reset()
	return h.conn.Disconnect()
}

// Connected reports whether the hub link is up.
func (h *Hub) Connected() bool {
	return h.conn.Connected()
}

// Close unsubscribes from the stop-all broadcast and disconnects.
func (h *Hub) Close() error {
	if h.unsubscribeStopAll != nil {
		h.unsubscribeStopAll()
	}
	return h.Disconnect()
}

func (h *Hub) reset() {
	h.ports.Reset()
	h.mu.Lock()
	h.color = ColorNone
	h.tiltX, h.tiltY = 0, 0
	h.position = make(map[byte]int)
	h.mu.Unlock()
}

func (h *Hub) send(payload []byte, useLimiter bool) error {
	if !h.conn.Connected() {
		return nil
	}
	if useLimiter && !h.limiter.OkayToSend() {
		h.log.Debug("send dropped by rate limiter")
		return nil
	}
	if err := h.conn.Write(CharHub, payload); err != nil {
		h.log.Warn("write failed", zap.Error(err))
	}
	return nil
}

// onMessage dispatches inbound LWP3 frames by message type.
func (h *Hub) onMessage(data []byte) {
	messageType, ok := lwp.MessageType(data)
	if !ok {
		h.log.Warn("short frame", zap.Int("len", len(data)))
		return
	}
	switch messageType {
	case lwp.MessageHubAttachedIO:
		h.onAttachedIO(data)
	case lwp.MessagePortValue:
		h.onPortValue(data)
	case lwp.MessagePortInputAck, lwp.MessagePortOutputResult:
		// acknowledgements carry no state
	default:
		h.log.Debug("unhandled message type", zap.Uint8("type", messageType))
	}
}

func (h *Hub) onAttachedIO(data []byte) {
	io, ok := lwp.ParseAttachedIO(data)
	if !ok {
		h.log.Warn("malformed attached-io frame")
		return
	}
	if io.Event == lwp.IOEventDetached {
		h.clearPort(io.Port)
		return
	}
	h.registerDevice(io.Port, io.TypeCode)
}

func (h *Hub) registerDevice(port byte, typeCode uint16) {
	h.log.Debug("device attached",
		zap.Uint8("port", port), zap.Uint16("type", typeCode))

	attachment := &hub.Attachment{TypeCode: typeCode}
	switch typeCode {
	case IOMotorWeDo, IOMotorSystem, IOMotorExt, IOMotorInt:
		attachment.Motor = motor.New(&motorOutput{hub: h, port: port}, h.clk, h.log)
		if typeCode == IOMotorExt || typeCode == IOMotorInt {
			h.send(lwp.PortInputFormat(port, ModeMotorSensor, 1, true), true)
		}
	case IOVision:
		h.send(lwp.PortInputFormat(port, ModeColor, 1, true), true)
	case IOTiltInt, IOTiltExt:
		h.send(lwp.PortInputFormat(port, ModeTilt, 1, true), true)
	}
	h.ports.Attach(port, attachment)
}

func (h *Hub) clearPort(port byte) {
	removed := h.ports.Clear(port)
	if removed == nil {
		return
	}
	h.mu.Lock()
	switch removed.TypeCode {
	case IOVision:
		h.color = ColorNone
	case IOTiltInt, IOTiltExt:
		h.tiltX, h.tiltY = 0, 0
	case IOMotorExt, IOMotorInt:
		delete(h.position, port)
	}
	h.mu.Unlock()
	h.log.Debug("device detached", zap.Uint8("port", port))
}

func (h *Hub) onPortValue(data []byte) {
	port, values, ok := lwp.ParsePortValue(data)
	if !ok || len(values) == 0 {
		h.log.Warn("malformed port value frame")
		return
	}
	switch h.ports.TypeCode(port) {
	case IOVision:
		color := int(values[0])
		if color == 0xFF {
			color = ColorNone
		}
		h.mu.Lock()
		h.color = color
		h.mu.Unlock()
	case IOTiltInt, IOTiltExt:
		if len(values) < 2 {
			return
		}
		h.mu.Lock()
		h.tiltX = int(int8(values[0]))
		h.tiltY = int(int8(values[1]))
		h.mu.Unlock()
	case IOMotorExt, IOMotorInt:
		if len(values) < 4 {
			return
		}
		h.mu.Lock()
		h.position[port] = int(int32(binary.LittleEndian.Uint32(values[:4])))
		h.mu.Unlock()
	default:
		h.log.Debug("value for unknown port", zap.Uint8("port", port))
	}
}

// Motor returns the motor handle at port, or nil.
func (h *Hub) Motor(port byte) *motor.Motor {
	return h.ports.Motor(port)
}

// Motors returns every attached motor handle.
func (h *Hub) Motors() []*motor.Motor {
	return h.ports.Motors()
}

// Color reports the last vision-sensor color index, ColorNone when nothing
// is seen or no sensor is attached.
func (h *Hub) Color() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.color
}

// TiltX reports the last tilt X reading.
func (h *Hub) TiltX() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tiltX
}

// TiltY reports the last tilt Y reading.
func (h *Hub) TiltY() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tiltY
}

// Position reports the last tacho position for a motor port, degrees.
func (h *Hub) Position(port byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.position[port]
}

// SetLEDColor sets the hub LED to a preset color index.
func (h *Hub) SetLEDColor(index byte) error {
	port, ok := h.ports.FirstPortOfType(IOLED)
	if !ok {
		h.log.Warn("no LED attached")
		return nil
	}
	return h.send(lwp.PortOutput(port, lwp.SubWriteDirectModeData, LEDModeColorIndex, index), true)
}

// SetLEDRGB sets the hub LED to an RGB color.
func (h *Hub) SetLEDRGB(red, green, blue byte) error {
	port, ok := h.ports.FirstPortOfType(IOLED)
	if !ok {
		h.log.Warn("no LED attached")
		return nil
	}
	return h.send(lwp.PortOutput(port, lwp.SubWriteDirectModeData, LEDModeRGB, red, green, blue), true)
}

// StopAll immediately stops every motor, bypassing the rate limiter.
func (h *Hub) StopAll() {
	for _, m := range h.ports.Motors() {
		m.TurnOff(false)
	}
}

// motorOutput encodes write-direct motor commands for one port.
type motorOutput struct {
	hub  *Hub
	port byte
}

func (o *motorOutput) On(power int) error {
	return o.hub.send(lwp.PortOutput(o.port, lwp.SubWriteDirectModeData, 0x00, lwp.PowerByte(power)), true)
}

func (o *motorOutput) Brake() error {
	return o.hub.send(lwp.PortOutput(o.port, lwp.SubWriteDirectModeData, 0x00, lwp.BrakeByte), true)
}

func (o *motorOutput) Off(useLimiter bool) error {
	return o.hub.send(lwp.PortOutput(o.port, lwp.SubWriteDirectModeData, 0x00, lwp.OffByte), useLimiter)
}
