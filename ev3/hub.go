package ev3

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"hublink/hub"
	"hublink/motor"
	"hublink/ratelimit"
	"hublink/transport"
)

// SendRate caps outbound commands per second on the serial link.
const SendRate = 40

// PollInterval is how often the session queries the brick for the device
// list and sensor values.
const PollInterval = 150 * time.Millisecond

type pollKind int

const (
	pollNone pollKind = iota
	pollDeviceList
	pollSensor
)

// Registry keys for output ports, clear of the input port indexes.
func motorPortKey(index int) byte { return byte(0x10 + index) }

// Hub is a connected EV3 session. The brick does not push notifications;
// the session polls it for the attached-device list and sensor values, and
// routes each reply to whichever poll is outstanding (the message counter is
// unused and always zero).
type Hub struct {
	conn    transport.StreamConn
	log     *zap.Logger
	clk     clock.Clock
	limiter *ratelimit.Limiter
	ports   *hub.Registry

	mu          sync.Mutex
	buf         []byte
	sensorTypes [4]byte
	values      [4]float64
	pending     pollKind
	pendingPort int
	pollCount   int
	done        chan struct{}

	unsubscribeStopAll func()
}

// NewHub wires a session to its serial transport and the stop-all broadcast.
func NewHub(conn transport.StreamConn, stop *hub.StopAllBroadcaster, clk clock.Clock, log *zap.Logger) *Hub {
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
	conn.OnMessage(h.onChunk)
	if stop != nil {
		h.unsubscribeStopAll = stop.Subscribe(h.StopAll)
	}
	return h
}

// Connect opens the serial device and starts the poll loop.
func (h *Hub) Connect(ctx context.Context, device string) error {
	if err := h.conn.Connect(ctx, device); err != nil {
		return err
	}
	h.mu.Lock()
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()
	go h.pollLoop(done)
	return nil
}

// Disconnect stops polling, resets all session state and closes the device.
func (h *Hub) Disconnect() error {
	h.mu.Lock()
	if h.done != nil {
		close(h.done)
		h.done = nil
	}
	h.buf = nil
	h.sensorTypes = [4]byte{}
	h.values = [4]float64{}
	h.pending = pollNone
	h.mu.Unlock()
	h.ports.Reset()
	return h.conn.Disconnect()
}

// Connected reports whether the serial link is up.
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

func (h *Hub) pollLoop(done chan struct{}) {
	ticker := h.clk.Ticker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.pollOnce()
		}
	}
}

// pollOnce issues the next query: the device list every fourth cycle,
// otherwise the next attached sensor in round-robin order.
func (h *Hub) pollOnce() {
	h.mu.Lock()
	count := h.pollCount
	h.pollCount++

	if count%4 == 0 {
		h.mu.Unlock()
		h.pollDeviceList()
		return
	}
	port := -1
	for offset := 1; offset <= 4; offset++ {
		candidate := (h.pendingPort + offset) % 4
		if sensorMode(h.sensorTypes[candidate]) != 0xFF {
			port = candidate
			break
		}
	}
	if port < 0 {
		h.pending = pollNone
		h.mu.Unlock()
		return
	}
	h.pending = pollSensor
	h.pendingPort = port
	mode := sensorMode(h.sensorTypes[port])
	h.mu.Unlock()
	h.send(ReadSIPoll(port, mode), true)
}

func (h *Hub) pollDeviceList() {
	h.mu.Lock()
	h.pending = pollDeviceList
	h.mu.Unlock()
	h.send(DeviceListPoll(), true)
}

// sensorMode maps a device type to the SI mode the session reads, 0xFF for
// types it does not poll.
func sensorMode(typeCode byte) byte {
	switch typeCode {
	case TypeTouch:
		return ModeTouchPressed
	case TypeColor:
		return ModeColorReflected
	case TypeUltrasonic:
		return ModeUltrasonicCM
	case TypeGyro:
		return ModeGyroAngle
	default:
		return 0xFF
	}
}

func (h *Hub) send(payload []byte, useLimiter bool) error {
	if !h.conn.Connected() {
		return nil
	}
	if useLimiter && !h.limiter.OkayToSend() {
		h.log.Debug("send dropped by rate limiter")
		return nil
	}
	if err := h.conn.Send(payload); err != nil {
		h.log.Warn("serial write failed", zap.Error(err))
	}
	return nil
}

// onChunk reassembles length-prefixed reply frames from raw serial chunks.
func (h *Hub) onChunk(chunk []byte) {
	h.mu.Lock()
	h.buf = append(h.buf, chunk...)
	var frames [][]byte
	for len(h.buf) >= 2 {
		frameLen := int(binary.LittleEndian.Uint16(h.buf[:2]))
		if len(h.buf) < frameLen+2 {
			break
		}
		frame := make([]byte, frameLen)
		copy(frame, h.buf[2:frameLen+2])
		h.buf = h.buf[frameLen+2:]
		frames = append(frames, frame)
	}
	h.mu.Unlock()
	for _, frame := range frames {
		h.onReply(frame)
	}
}

// onReply routes a reply frame [counter(2), status, globals...] to the
// outstanding poll.
func (h *Hub) onReply(frame []byte) {
	if len(frame) < 3 {
		h.log.Warn("short reply frame", zap.Int("len", len(frame)))
		return
	}
	h.mu.Lock()
	pending := h.pending
	port := h.pendingPort
	h.pending = pollNone
	h.mu.Unlock()

	if frame[2] != ReplyOK {
		h.log.Warn("direct command error reply", zap.Uint8("status", frame[2]))
		return
	}
	globals := frame[3:]
	switch pending {
	case pollDeviceList:
		h.onDeviceList(globals)
	case pollSensor:
		h.onSensorValue(port, globals)
	default:
		h.log.Debug("unsolicited reply dropped")
	}
}

func (h *Hub) onDeviceList(types []byte) {
	if len(types) < 20 {
		h.log.Warn("short device list reply", zap.Int("len", len(types)))
		return
	}
	h.mu.Lock()
	for i := 0; i < 4; i++ {
		if h.sensorTypes[i] != types[i] {
			h.sensorTypes[i] = types[i]
			h.values[i] = 0
		}
	}
	h.mu.Unlock()

	for i := 0; i < 4; i++ {
		typeCode := types[16+i]
		key := motorPortKey(i)
		isMotor := typeCode == TypeLargeMotor || typeCode == TypeMediumMotor
		_, attached := h.ports.Get(key)
		switch {
		case isMotor && !attached:
			h.ports.Attach(key, &hub.Attachment{
				TypeCode: uint16(typeCode),
				Motor:    motor.New(&motorOutput{hub: h, index: i}, h.clk, h.log),
			})
		case !isMotor && attached:
			h.ports.Clear(key)
		}
	}
}

func (h *Hub) onSensorValue(port int, globals []byte) {
	if len(globals) < 4 || port < 0 || port > 3 {
		h.log.Warn("bad sensor reply", zap.Int("port", port))
		return
	}
	value := math.Float32frombits(binary.LittleEndian.Uint32(globals[:4]))
	h.mu.Lock()
	h.values[port] = float64(value)
	h.mu.Unlock()
}

// Motor returns the motor handle for output port index 0-3 (A-D), or nil.
func (h *Hub) Motor(index int) *motor.Motor {
	if index < 0 || index > 3 {
		h.log.Warn("motor index out of range", zap.Int("index", index))
		return nil
	}
	return h.ports.Motor(motorPortKey(index))
}

// Distance reports the last ultrasonic reading in cm, 0 with no sensor.
func (h *Hub) Distance() float64 {
	return h.sensorValue(TypeUltrasonic)
}

// Brightness reports the last reflected-light reading, 0 with no sensor.
func (h *Hub) Brightness() float64 {
	return h.sensorValue(TypeColor)
}

// ButtonPressed reports whether the touch sensor on input port index 0-3 is
// pressed.
func (h *Hub) ButtonPressed(index int) bool {
	if index < 0 || index > 3 {
		h.log.Warn("sensor index out of range", zap.Int("index", index))
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sensorTypes[index] == TypeTouch && h.values[index] > 0
}

func (h *Hub) sensorValue(typeCode byte) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < 4; i++ {
		if h.sensorTypes[i] == typeCode {
			return h.values[i]
		}
	}
	return 0
}

// Beep plays a tone on the brick speaker.
func (h *Hub) Beep(frequency uint16, duration time.Duration) error {
	return h.send(Tone(2, frequency, uint16(duration/time.Millisecond)), true)
}

// StopAll coasts every output port and silences the speaker, bypassing the
// rate limiter so the stop is never dropped.
func (h *Hub) StopAll() {
	for _, m := range h.ports.Motors() {
		m.TurnOff(false)
	}
	h.send(Stop(0x0F, Coast), false)
	h.send(StopSound(), false)
}

// motorOutput encodes direct commands for one output port.
type motorOutput struct {
	hub   *Hub
	index int
}

func (o *motorOutput) On(power int) error {
	return o.hub.send(SpeedStart(o.index, power), true)
}

func (o *motorOutput) OnFor(power int, d time.Duration) error {
	return o.hub.send(TimeSpeed(o.index, power, int(d/time.Millisecond)), true)
}

func (o *motorOutput) Brake() error {
	return o.hub.send(Stop(PortMask(o.index), Brake), true)
}

func (o *motorOutput) Off(useLimiter bool) error {
	return o.hub.send(Stop(PortMask(o.index), Brake), useLimiter)
}

func (o *motorOutput) Coast() error {
	return o.hub.send(Stop(PortMask(o.index), Coast), true)
}
