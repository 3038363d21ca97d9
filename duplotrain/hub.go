// Package duplotrain drives the LEGO Duplo Train Base over BLE. The train
// speaks the same LWP3 protocol as the Powered Up hubs; its outputs live on
// fixed ports.
package duplotrain

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

// SendRate caps outbound commands per second on the train link.
const SendRate = 20

// Powered Up service is shared with the Boost family.
const (
	ServiceHub = "00001623-1212-efde-1623-785feabcd123"
	CharHub    = "00001624-1212-efde-1623-785feabcd123"
)

// Fixed ports on the train base.
const (
	PortMotor       byte = 0x00
	PortSpeaker     byte = 0x01
	PortLED         byte = 0x11
	PortColor       byte = 0x12
	PortSpeedometer byte = 0x13
)

// Attached I/O type codes.
const (
	IOTrainMotor  uint16 = 0x0029
	IOSpeaker     uint16 = 0x002A
	IOColor       uint16 = 0x002B
	IOSpeedometer uint16 = 0x002C
)

// Write-direct modes.
const (
	ModeSpeakerSound byte = 0x01
	ModeLEDIndex     byte = 0x00
	ModeColor        byte = 0x00
	ModeSpeed        byte = 0x00
)

// Speaker sound ids.
const (
	SoundBrake            byte = 0x03
	SoundStationDeparture byte = 0x05
	SoundWaterRefill      byte = 0x07
	SoundHorn             byte = 0x09
	SoundSteam            byte = 0x0A
)

// ColorNone is reported when the color sensor sees nothing.
const ColorNone = -1

// Hub is a connected Duplo Train Base session.
type Hub struct {
	conn    transport.GATTConn
	log     *zap.Logger
	clk     clock.Clock
	limiter *ratelimit.Limiter
	ports   *hub.Registry

	mu    sync.Mutex
	color int
	speed int

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
		conn:    conn,
		log:     log,
		clk:     clk,
		limiter: ratelimit.New(SendRate, clk),
		ports:   hub.NewRegistry(),
		color:   ColorNone,
	}
	if stop != nil {
		h.unsubscribeStopAll = stop.Subscribe(h.StopAll)
	}
	return h
}

// Scan discovers nearby train bases.
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

// Connected reports whether the train link is up.
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
	h.speed = 0
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

	attachment := &hub.Attachment{TypeCode: io.TypeCode}
	switch io.TypeCode {
	case IOTrainMotor:
		attachment.Motor = motor.New(&motorOutput{hub: h, port: io.Port}, h.clk, h.log)
	case IOSpeaker:
		h.send(lwp.PortInputFormat(io.Port, ModeSpeakerSound, 1, false), true)
	case IOColor:
		h.send(lwp.PortInputFormat(io.Port, ModeColor, 1, true), true)
	case IOSpeedometer:
		h.send(lwp.PortInputFormat(io.Port, ModeSpeed, 1, true), true)
	}
	h.ports.Attach(io.Port, attachment)
}

func (h *Hub) clearPort(port byte) {
	removed := h.ports.Clear(port)
	if removed == nil {
		return
	}
	h.mu.Lock()
	switch removed.TypeCode {
	case IOColor:
		h.color = ColorNone
	case IOSpeedometer:
		h.speed = 0
	}
	h.mu.Unlock()
}

func (h *Hub) onPortValue(data []byte) {
	port, values, ok := lwp.ParsePortValue(data)
	if !ok || len(values) == 0 {
		h.log.Warn("malformed port value frame")
		return
	}
	switch h.ports.TypeCode(port) {
	case IOColor:
		color := int(values[0])
		if color == 0xFF {
			color = ColorNone
		}
		h.mu.Lock()
		h.color = color
		h.mu.Unlock()
	case IOSpeedometer:
		if len(values) < 2 {
			return
		}
		h.mu.Lock()
		h.speed = int(int16(binary.LittleEndian.Uint16(values[:2])))
		h.mu.Unlock()
	default:
		h.log.Debug("value for unknown port", zap.Uint8("port", port))
	}
}

// Motor returns the train motor handle, or nil before the motor reports in.
func (h *Hub) Motor() *motor.Motor {
	return h.ports.Motor(PortMotor)
}

// Color reports the last color index seen under the train, ColorNone when
// nothing is seen.
func (h *Hub) Color() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.color
}

// Speed reports the last speedometer reading.
func (h *Hub) Speed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.speed
}

// PlaySound plays one of the built-in speaker sounds.
func (h *Hub) PlaySound(sound byte) error {
	return h.send(lwp.PortOutput(PortSpeaker, lwp.SubWriteDirectModeData, ModeSpeakerSound, sound), true)
}

// SetLED sets the cabin light to a preset color index.
func (h *Hub) SetLED(index byte) error {
	return h.send(lwp.PortOutput(PortLED, lwp.SubWriteDirectModeData, ModeLEDIndex, index), true)
}

// StopAll immediately stops the motor, bypassing the rate limiter.
func (h *Hub) StopAll() {
	for _, m := range h.ports.Motors() {
		m.TurnOff(false)
	}
}

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
