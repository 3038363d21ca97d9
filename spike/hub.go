// Package spike drives a LEGO SPIKE Prime hub over its serial link. Commands
// and replies are carriage-return-terminated JSON envelopes; hub state
// arrives as unsolicited event messages.
package spike

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hublink/hub"
	"hublink/motor"
	"hublink/ratelimit"
	"hublink/transport"
)

// SendRate caps outbound commands per second on the serial link.
const SendRate = 40

// ErrDisconnected fails every pending request when the hub link drops, so
// callers never wait forever on a dead hub.
var ErrDisconnected = errors.New("spike: disconnected before reply")

// Unsolicited event codes (numeric "m" field).
const (
	eventHubStatus = 0
	eventBattery   = 2
	eventButton    = 3
	eventGesture   = 4
)

// Device type ids reported in the hub-status port array.
const (
	TypeMediumMotor = 48
	TypeLargeMotor  = 49
	TypeColor       = 61
	TypeDistance    = 62
	TypeForce       = 63
)

// ColorNone is reported when the color sensor sees nothing.
const ColorNone = -1

// Motor stop modes for scratch.motor_stop.
const (
	stopFloat = 0
	stopBrake = 1
)

type response struct {
	result json.RawMessage
	err    error
}

type portState struct {
	typeID int
	values []float64
	motor  *motor.Motor
}

// Hub is a connected SPIKE Prime session.
type Hub struct {
	conn    transport.StreamConn
	log     *zap.Logger
	clk     clock.Clock
	limiter *ratelimit.Limiter

	mu      sync.Mutex
	buf     []byte
	pending map[string]chan response
	ports   [6]portState // ports A-F
	accel   [3]float64
	gyro    [3]float64
	pitch   int
	roll    int
	yaw     int
	battery int
	gesture string
	buttons map[string]bool
	display [5][5]int

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
		pending: make(map[string]chan response),
		buttons: make(map[string]bool),
	}
	conn.OnMessage(h.onChunk)
	if stop != nil {
		h.unsubscribeStopAll = stop.Subscribe(h.StopAll)
	}
	return h
}

// Connect opens the serial device.
func (h *Hub) Connect(ctx context.Context, device string) error {
	return h.conn.Connect(ctx, device)
}

// Disconnect fails every pending request, resets the session state and
// closes the device.
func (h *Hub) Disconnect() error {
	h.failPending(ErrDisconnected)
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

func (h *Hub) failPending(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.pending {
		ch <- response{err: err}
		delete(h.pending, id)
	}
}

func (h *Hub) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.ports {
		if h.ports[i].motor != nil {
			h.ports[i].motor.Dispose()
		}
		h.ports[i] = portState{}
	}
	h.buf = nil
	h.accel = [3]float64{}
	h.gyro = [3]float64{}
	h.pitch, h.roll, h.yaw = 0, 0, 0
	h.battery = 0
	h.gesture = ""
	h.buttons = make(map[string]bool)
	h.display = [5][5]int{}
}

type envelope struct {
	Method string `json:"m,omitempty"`
	Params any    `json:"p,omitempty"`
	ID     string `json:"i,omitempty"`
}

// SendCommand issues a JSON command. Without needsResponse it is
// fire-and-forget and returns immediately; with it, the call blocks until
// the reply carrying the same correlation id arrives, ctx expires, or the
// hub disconnects. Disconnected or rate-limited sends resolve silently.
func (h *Hub) SendCommand(ctx context.Context, method string, params any, needsResponse bool) (json.RawMessage, error) {
	if !needsResponse {
		return nil, h.send(method, params, true)
	}
	if !h.conn.Connected() {
		return nil, nil
	}
	// Drop before the pending entry exists: a rate-limited or unmarshalable
	// request resolves empty like every other dropped send, it never waits.
	if !h.limiter.OkayToSend() {
		h.log.Debug("send dropped by rate limiter")
		return nil, nil
	}
	id := uuid.NewString()[:8]
	payload, err := json.Marshal(envelope{Method: method, Params: params, ID: id})
	if err != nil {
		h.log.Warn("marshal failed", zap.Error(err))
		return nil, nil
	}
	ch := make(chan response, 1)
	h.mu.Lock()
	h.pending[id] = ch
	h.mu.Unlock()
	h.writeLine(payload)

	select {
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		return resp.result, resp.err
	}
}

// send is the fire-and-forget path. Critical sends skip the limiter.
func (h *Hub) send(method string, params any, useLimiter bool) error {
	if !h.conn.Connected() {
		return nil
	}
	if useLimiter && !h.limiter.OkayToSend() {
		h.log.Debug("send dropped by rate limiter")
		return nil
	}
	payload, err := json.Marshal(envelope{Method: method, Params: params})
	if err != nil {
		h.log.Warn("marshal failed", zap.Error(err))
		return nil
	}
	h.writeLine(payload)
	return nil
}

// writeLine terminates a marshaled envelope and puts it on the wire.
func (h *Hub) writeLine(payload []byte) {
	payload = append(payload, '\r')
	if err := h.conn.Send(payload); err != nil {
		h.log.Warn("serial write failed", zap.Error(err))
	}
}

// onChunk splits inbound bytes into carriage-return-delimited JSON objects.
// A single notification may carry several concatenated objects; each is
// parsed independently and a parse failure drops only that fragment.
func (h *Hub) onChunk(chunk []byte) {
	h.mu.Lock()
	h.buf = append(h.buf, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(h.buf, '\r')
		if i < 0 {
			break
		}
		line := make([]byte, i)
		copy(line, h.buf[:i])
		h.buf = h.buf[i+1:]
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	h.mu.Unlock()
	for _, line := range lines {
		h.handleLine(line)
	}
}

type inbound struct {
	ID     string          `json:"i"`
	Method json.RawMessage `json:"m"`
	Params json.RawMessage `json:"p"`
	Result json.RawMessage `json:"r"`
	Error  json.RawMessage `json:"e"`
}

func (h *Hub) handleLine(line []byte) {
	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		h.log.Warn("unparseable hub message", zap.Error(err))
		return
	}
	if msg.ID != "" && msg.Method == nil {
		h.resolve(msg)
		return
	}
	var event int
	if err := json.Unmarshal(msg.Method, &event); err != nil {
		// String-method requests from the hub are not part of this session.
		h.log.Debug("ignoring hub request", zap.ByteString("m", msg.Method))
		return
	}
	h.handleEvent(event, msg.Params)
}

func (h *Hub) resolve(msg inbound) {
	h.mu.Lock()
	ch, ok := h.pending[msg.ID]
	delete(h.pending, msg.ID)
	h.mu.Unlock()
	if !ok {
		h.log.Debug("reply for unknown id", zap.String("id", msg.ID))
		return
	}
	if msg.Error != nil {
		ch <- response{err: errors.Errorf("hub error: %s", msg.Error)}
		return
	}
	ch <- response{result: msg.Result}
}

func (h *Hub) handleEvent(event int, params json.RawMessage) {
	switch event {
	case eventHubStatus:
		h.onHubStatus(params)
	case eventBattery:
		var p []float64
		if err := json.Unmarshal(params, &p); err == nil && len(p) >= 2 {
			h.mu.Lock()
			h.battery = int(p[1])
			h.mu.Unlock()
		}
	case eventButton:
		var p []any
		if err := json.Unmarshal(params, &p); err == nil && len(p) >= 2 {
			name, _ := p[0].(string)
			state, _ := p[1].(float64)
			h.mu.Lock()
			h.buttons[name] = state > 0
			h.mu.Unlock()
		}
	case eventGesture:
		var g string
		if err := json.Unmarshal(params, &g); err == nil {
			h.mu.Lock()
			h.gesture = g
			h.mu.Unlock()
		}
	default:
		h.log.Debug("unhandled event", zap.Int("event", event))
	}
}

// onHubStatus decodes the periodic state array: six port entries
// [typeID, [values...]], then accelerometer, gyro and [yaw, pitch, roll].
func (h *Hub) onHubStatus(params json.RawMessage) {
	var entries []json.RawMessage
	if err := json.Unmarshal(params, &entries); err != nil || len(entries) < 9 {
		h.log.Warn("malformed hub status")
		return
	}
	for i := 0; i < 6; i++ {
		h.updatePort(i, entries[i])
	}
	var accel, gyro, orientation []float64
	if err := json.Unmarshal(entries[6], &accel); err == nil && len(accel) >= 3 {
		h.mu.Lock()
		copy(h.accel[:], accel)
		h.mu.Unlock()
	}
	if err := json.Unmarshal(entries[7], &gyro); err == nil && len(gyro) >= 3 {
		h.mu.Lock()
		copy(h.gyro[:], gyro)
		h.mu.Unlock()
	}
	if err := json.Unmarshal(entries[8], &orientation); err == nil && len(orientation) >= 3 {
		h.mu.Lock()
		h.yaw = int(orientation[0])
		h.pitch = int(orientation[1])
		h.roll = int(orientation[2])
		h.mu.Unlock()
	}
}

func (h *Hub) updatePort(index int, entry json.RawMessage) {
	var raw []json.RawMessage
	if err := json.Unmarshal(entry, &raw); err != nil || len(raw) == 0 {
		return
	}
	var typeID int
	if err := json.Unmarshal(raw[0], &typeID); err != nil {
		return
	}
	values := []float64{}
	if len(raw) > 1 {
		var rawValues []json.RawMessage
		if err := json.Unmarshal(raw[1], &rawValues); err == nil {
			for _, rv := range rawValues {
				var v float64
				if err := json.Unmarshal(rv, &v); err != nil {
					v = math.NaN() // null: sensor sees nothing
				}
				values = append(values, v)
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	state := &h.ports[index]
	if state.typeID != typeID {
		if state.motor != nil {
			state.motor.Dispose()
			state.motor = nil
		}
		state.typeID = typeID
		state.values = nil
		if typeID == TypeMediumMotor || typeID == TypeLargeMotor {
			state.motor = motor.New(&motorOutput{hub: h, port: portLetter(index)}, h.clk, h.log)
		}
	}
	state.values = values
}

func portLetter(index int) string {
	return string(rune('A' + index))
}

func portIndex(port string) int {
	if len(port) != 1 || port[0] < 'A' || port[0] > 'F' {
		return -1
	}
	return int(port[0] - 'A')
}

// Motor returns the motor handle on port "A".."F", or nil.
func (h *Hub) Motor(port string) *motor.Motor {
	i := portIndex(port)
	if i < 0 {
		h.log.Warn("bad port", zap.String("port", port))
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ports[i].motor
}

// Motors returns every attached motor handle.
func (h *Hub) Motors() []*motor.Motor {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*motor.Motor
	for i := range h.ports {
		if h.ports[i].motor != nil {
			out = append(out, h.ports[i].motor)
		}
	}
	return out
}

// Pitch reports the hub pitch angle.
func (h *Hub) Pitch() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pitch
}

// Roll reports the hub roll angle.
func (h *Hub) Roll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.roll
}

// Yaw reports the hub yaw angle.
func (h *Hub) Yaw() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.yaw
}

// Acceleration reports the last accelerometer triple.
func (h *Hub) Acceleration() [3]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accel
}

// GyroRates reports the last gyroscope triple.
func (h *Hub) GyroRates() [3]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gyro
}

// Battery reports the last battery percentage.
func (h *Hub) Battery() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.battery
}

// Gesture reports the last hub gesture event.
func (h *Hub) Gesture() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gesture
}

// ButtonPressed reports the state of a hub button by name.
func (h *Hub) ButtonPressed(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buttons[name]
}

// Distance reports the distance-sensor reading on port, 0 with no sensor.
func (h *Hub) Distance(port string) float64 {
	return h.sensorValue(port, TypeDistance, 0)
}

// Force reports the force-sensor reading on port, 0 with no sensor.
func (h *Hub) Force(port string) float64 {
	return h.sensorValue(port, TypeForce, 0)
}

// Color reports the color index on port, ColorNone when the sensor sees
// nothing or no sensor is attached.
func (h *Hub) Color(port string) int {
	v := h.sensorValue(port, TypeColor, math.NaN())
	if math.IsNaN(v) {
		return ColorNone
	}
	return int(v)
}

func (h *Hub) sensorValue(port string, typeID int, absent float64) float64 {
	i := portIndex(port)
	if i < 0 {
		h.log.Warn("bad port", zap.String("port", port))
		return absent
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	state := h.ports[i]
	if state.typeID != typeID || len(state.values) == 0 {
		return absent
	}
	return state.values[0]
}

// PixelBrightness reports the last brightness written to a display pixel.
func (h *Hub) PixelBrightness(x, y int) int {
	if x < 0 || x > 4 || y < 0 || y > 4 {
		h.log.Warn("pixel out of range", zap.Int("x", x), zap.Int("y", y))
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.display[y][x]
}

// DisplayText scrolls text on the 5x5 display.
func (h *Hub) DisplayText(text string) error {
	return h.send("scratch.display_text", map[string]any{"text": text}, true)
}

// DisplayClear clears the display.
func (h *Hub) DisplayClear() error {
	h.mu.Lock()
	h.display = [5][5]int{}
	h.mu.Unlock()
	return h.send("scratch.display_clear", nil, true)
}

// SetPixel sets one display pixel to a brightness in [0, 100].
func (h *Hub) SetPixel(x, y, brightness int) error {
	if x < 0 || x > 4 || y < 0 || y > 4 {
		h.log.Warn("pixel out of range", zap.Int("x", x), zap.Int("y", y))
		return nil
	}
	if brightness < 0 {
		brightness = 0
	} else if brightness > 100 {
		brightness = 100
	}
	h.mu.Lock()
	h.display[y][x] = brightness
	h.mu.Unlock()
	return h.send("scratch.display_set_pixel", map[string]any{
		"x": x, "y": y, "brightness": brightness,
	}, true)
}

// CenterButtonLights sets the center button LED color index.
func (h *Hub) CenterButtonLights(color int) error {
	return h.send("scratch.center_button_lights", map[string]any{"color": color}, true)
}

// Beep starts a tone on the hub speaker.
func (h *Hub) Beep(frequency int) error {
	return h.send("scratch.sound_beep", map[string]any{"freq": frequency}, true)
}

// StopSound silences the hub speaker, bypassing the rate limiter.
func (h *Hub) StopSound() error {
	return h.send("scratch.sound_off", nil, false)
}

// StopAll immediately stops every motor and silences the speaker, bypassing
// the rate limiter so the stop is never dropped.
func (h *Hub) StopAll() {
	for _, m := range h.Motors() {
		m.TurnOff(false)
	}
	h.send("scratch.sound_off", nil, false)
}

// motorOutput encodes motor commands for one lettered port.
type motorOutput struct {
	hub  *Hub
	port string
}

func (o *motorOutput) On(power int) error {
	return o.hub.send("scratch.motor_start", map[string]any{
		"port": o.port, "speed": power, "stall": true,
	}, true)
}

func (o *motorOutput) Brake() error {
	return o.hub.send("scratch.motor_stop", map[string]any{
		"port": o.port, "stop": stopBrake,
	}, true)
}

func (o *motorOutput) Off(useLimiter bool) error {
	return o.hub.send("scratch.motor_stop", map[string]any{
		"port": o.port, "stop": stopFloat,
	}, useLimiter)
}
