package wedo2

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"hublink/hub"
	"hublink/lwp"
	"hublink/motor"
	"hublink/ratelimit"
	"hublink/transport"
)

// SendRate caps outbound commands per second on the WeDo 2.0 link.
const SendRate = 20

// Hub is a connected WeDo 2.0 peripheral session. It owns the transport
// handle, the port registry and the decoded sensor state; inbound
// notifications update the registry and sensors, outbound commands go through
// the rate-limited send path.
type Hub struct {
	conn    transport.GATTConn
	log     *zap.Logger
	clk     clock.Clock
	limiter *ratelimit.Limiter
	ports   *hub.Registry

	mu       sync.Mutex
	tiltX    int
	tiltY    int
	distance int

	unsubscribeStopAll func()
}

// NewHub wires a session to its transport and subscribes it to the stop-all
// broadcast. stop, clk and log may be nil.
func NewHub(conn transport.GATTConn, stop *hub.StopAllBroadcaster, clk clock.Clock, log *zap.Logger) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		conn:    conn,
		log:     log,
		clk:     clk,
		limiter: ratelimit.New(SendRate, clk),
		ports:   hub.NewRegistry(),
	}
	if stop != nil {
		h.unsubscribeStopAll = stop.Subscribe(h.StopAll)
	}
	return h
}

// Scan discovers nearby WeDo 2.0 hubs.
func (h *Hub) Scan(ctx context.Context) ([]transport.Advertisement, error) {
	if scanner, ok := h.conn.(transport.Scanner); ok {
		return scanner.Scan(ctx)
	}
	return nil, transport.ErrScanUnsupported
}

// Connect opens the link and subscribes to attach/detach and sensor value
// notifications.
func (h *Hub) Connect(ctx context.Context, address string) error {
	if err := h.conn.Connect(ctx, address); err != nil {
		return err
	}
	if err := h.conn.Subscribe(CharAttachedIO, h.onAttachedIO); err != nil {
		return err
	}
	return h.conn.Subscribe(CharInputValues, h.onInputValues)
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
	h.tiltX, h.tiltY, h.distance = 0, 0, 0
	h.mu.Unlock()
}

// send writes an output or input command, silently dropping it when the hub
// is disconnected or, for non-critical sends, when the rate limiter is
// saturated. Callers cannot tell a dropped send from a delivered one.
func (h *Hub) send(charUUID string, payload []byte, useLimiter bool) error {
	if !h.conn.Connected() {
		return nil
	}
	if useLimiter && !h.limiter.OkayToSend() {
		h.log.Debug("send dropped by rate limiter")
		return nil
	}
	if err := h.conn.Write(charUUID, payload); err != nil {
		h.log.Warn("write failed", zap.Error(err))
	}
	return nil
}

// Attach/detach notification layout: [connectID, attached, hubIndex, type].
func (h *Hub) onAttachedIO(data []byte) {
	if len(data) < 2 {
		h.log.Warn("short attached-io notification", zap.Int("len", len(data)))
		return
	}
	port := data[0]
	if data[1] == 0 {
		h.clearPort(port)
		return
	}
	if len(data) < 4 {
		h.log.Warn("short attach notification", zap.Int("len", len(data)))
		return
	}
	h.registerDevice(port, data[3])
}

func (h *Hub) registerDevice(port, typeCode byte) {
	h.log.Debug("device attached",
		zap.Uint8("port", port), zap.Uint8("type", typeCode))

	attachment := &hub.Attachment{TypeCode: uint16(typeCode)}
	switch typeCode {
	case DeviceMotor:
		attachment.Motor = motor.New(&motorOutput{hub: h, port: port}, h.clk, h.log)
	case DeviceTilt:
		h.send(CharInputCommand, lwp.InputCommand(port, DeviceTilt, ModeTilt, 1, UnitSI, true), true)
	case DeviceDistance:
		h.send(CharInputCommand, lwp.InputCommand(port, DeviceDistance, ModeDistance, 1, UnitSI, true), true)
	}
	h.ports.Attach(port, attachment)
}

func (h *Hub) clearPort(port byte) {
	removed := h.ports.Clear(port)
	if removed == nil {
		return
	}
	h.mu.Lock()
	switch byte(removed.TypeCode) {
	case DeviceTilt:
		h.tiltX, h.tiltY = 0, 0
	case DeviceDistance:
		h.distance = 0
	}
	h.mu.Unlock()
	h.log.Debug("device detached", zap.Uint8("port", port))
}

// Sensor value layout: [revision, connectID, values...].
func (h *Hub) onInputValues(data []byte) {
	if len(data) < 3 {
		h.log.Warn("short sensor value notification", zap.Int("len", len(data)))
		return
	}
	port := data[1]
	switch byte(h.ports.TypeCode(port)) {
	case DeviceTilt:
		if len(data) < 4 {
			return
		}
		h.mu.Lock()
		h.tiltX = int(int8(data[2]))
		h.tiltY = int(int8(data[3]))
		h.mu.Unlock()
	case DeviceDistance:
		h.mu.Lock()
		h.distance = int(data[2])
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

// TiltX reports the last tilt-sensor X angle.
func (h *Hub) TiltX() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tiltX
}

// TiltY reports the last tilt-sensor Y angle.
func (h *Hub) TiltY() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tiltY
}

// Distance reports the last distance-sensor reading.
func (h *Hub) Distance() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.distance
}

// SetLED switches the hub LED into RGB mode and sets its color.
func (h *Hub) SetLED(red, green, blue byte) error {
	mode := lwp.InputCommand(ConnectIDLED, DeviceLED, LEDModeRGB, 1, UnitRaw, false)
	if err := h.send(CharInputCommand, mode, true); err != nil {
		return err
	}
	return h.send(CharOutputCommand,
		lwp.OutputCommand(ConnectIDLED, CommandWriteRGB, []byte{red, green, blue}), true)
}

// PlayTone plays a tone on the hub piezo.
func (h *Hub) PlayTone(frequency uint16, duration time.Duration) error {
	ms := uint16(duration / time.Millisecond)
	payload := []byte{
		byte(frequency & 0xFF), byte(frequency >> 8),
		byte(ms & 0xFF), byte(ms >> 8),
	}
	return h.send(CharOutputCommand,
		lwp.OutputCommand(ConnectIDPiezo, CommandPlayTone, payload), true)
}

// StopTone silences the piezo. Critical: never rate-limited.
func (h *Hub) StopTone() error {
	return h.send(CharOutputCommand,
		lwp.OutputCommand(ConnectIDPiezo, CommandStopTone, nil), false)
}

// StopAll immediately stops every motor and silences the piezo, bypassing
// the rate limiter so the stop is never dropped.
func (h *Hub) StopAll() {
	for _, m := range h.ports.Motors() {
		m.TurnOff(false)
	}
	h.StopTone()
}

// motorOutput encodes motor commands for one port.
type motorOutput struct {
	hub  *Hub
	port byte
}

func (o *motorOutput) On(power int) error {
	return o.hub.send(CharOutputCommand,
		lwp.OutputCommand(o.port, CommandMotorPower, []byte{lwp.PowerByte(power)}), true)
}

func (o *motorOutput) Brake() error {
	return o.hub.send(CharOutputCommand,
		lwp.OutputCommand(o.port, CommandMotorPower, []byte{lwp.BrakeByte}), true)
}

func (o *motorOutput) Off(useLimiter bool) error {
	return o.hub.send(CharOutputCommand,
		lwp.OutputCommand(o.port, CommandMotorPower, []byte{lwp.OffByte}), useLimiter)
}
