package spike

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hublink/hub"
)

type fakeStream struct {
	mu        sync.Mutex
	connected bool
	sends     [][]byte
	handler   func([]byte)
	sent      chan []byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{connected: true, sent: make(chan []byte, 16)}
}

func (f *fakeStream) Connect(ctx context.Context, id string) error {
	f.connected = true
	return nil
}

func (f *fakeStream) Disconnect() error {
	f.connected = false
	return nil
}

func (f *fakeStream) Connected() bool { return f.connected }

func (f *fakeStream) Send(payload []byte) error {
	f.mu.Lock()
	f.sends = append(f.sends, payload)
	f.mu.Unlock()
	select {
	case f.sent <- payload:
	default:
	}
	return nil
}

func (f *fakeStream) OnMessage(fn func([]byte)) { f.handler = fn }

func (f *fakeStream) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeStream) lastSend() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[len(f.sends)-1]
}

func connectedHub(t *testing.T) (*Hub, *fakeStream) {
	t.Helper()
	conn := newFakeStream()
	h := NewHub(conn, nil, clock.NewMock(), nil)
	return h, conn
}

// correlationID pulls the "i" field out of an outbound envelope.
func correlationID(t *testing.T, payload []byte) string {
	t.Helper()
	var env struct {
		ID string `json:"i"`
	}
	require.NoError(t, json.Unmarshal(payload[:len(payload)-1], &env))
	require.NotEmpty(t, env.ID)
	return env.ID
}

func statusParams(ports [6]string, yaw, pitch, roll int) string {
	return fmt.Sprintf(`[%s,%s,%s,%s,%s,%s,[0,0,0],[0,0,0],[%d,%d,%d]]`,
		ports[0], ports[1], ports[2], ports[3], ports[4], ports[5], yaw, pitch, roll)
}

func emptyPorts() [6]string {
	return [6]string{`[0,[]]`, `[0,[]]`, `[0,[]]`, `[0,[]]`, `[0,[]]`, `[0,[]]`}
}

func TestSendCommandCarriageReturnAndNoPending(t *testing.T) {
	h, conn := connectedHub(t)

	_, err := h.SendCommand(context.Background(), "scratch.display_clear", nil, false)
	require.NoError(t, err)

	payload := conn.lastSend()
	assert.Equal(t, byte('\r'), payload[len(payload)-1])
	assert.NotContains(t, string(payload), `"i"`, "fire-and-forget carries no correlation id")
	assert.Empty(t, h.pending)
}

func TestConcatenatedRepliesResolveDistinctRequests(t *testing.T) {
	h, conn := connectedHub(t)

	type result struct {
		raw json.RawMessage
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			raw, err := h.SendCommand(context.Background(), "scratch.display_text", map[string]any{"text": "hi"}, true)
			results <- result{raw, err}
		}()
	}
	id1 := correlationID(t, <-conn.sent)
	id2 := correlationID(t, <-conn.sent)

	// Both replies arrive in a single chunk.
	conn.handler([]byte(fmt.Sprintf(`{"i":%q,"r":"one"}`+"\r"+`{"i":%q,"r":"two"}`+"\r", id1, id2)))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		var s string
		require.NoError(t, json.Unmarshal(r.raw, &s))
		got[s] = true
	}
	assert.True(t, got["one"] && got["two"])
	assert.Empty(t, h.pending)
}

func TestUnparseableFragmentIsDropped(t *testing.T) {
	h, conn := connectedHub(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.SendCommand(context.Background(), "scratch.display_text", map[string]any{"text": "hi"}, true)
		done <- err
	}()
	id := correlationID(t, <-conn.sent)

	// Garbage before the valid reply must not poison the stream.
	conn.handler([]byte("{{not json\r" + fmt.Sprintf(`{"i":%q,"r":null}`, id) + "\r"))
	require.NoError(t, <-done)
}

func TestPartialLineBuffersUntilTerminator(t *testing.T) {
	h, conn := connectedHub(t)

	conn.handler([]byte(`{"m":4,"p":"ta`))
	assert.Empty(t, h.Gesture())
	conn.handler([]byte(`pped"}` + "\r"))
	assert.Equal(t, "tapped", h.Gesture())
}

func TestErrorReplyFailsRequest(t *testing.T) {
	h, conn := connectedHub(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.SendCommand(context.Background(), "scratch.display_text", nil, true)
		done <- err
	}()
	id := correlationID(t, <-conn.sent)

	conn.handler([]byte(fmt.Sprintf(`{"i":%q,"e":"bad params"}`, id) + "\r"))
	assert.ErrorContains(t, <-done, "bad params")
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	h, conn := connectedHub(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.SendCommand(context.Background(), "scratch.display_text", nil, true)
		done <- err
	}()
	<-conn.sent

	require.NoError(t, h.Disconnect())
	assert.ErrorIs(t, <-done, ErrDisconnected)
}

func TestHubStatusUpdatesOrientationAndPorts(t *testing.T) {
	h, conn := connectedHub(t)

	ports := emptyPorts()
	ports[0] = fmt.Sprintf(`[%d,[0]]`, TypeLargeMotor)
	ports[1] = fmt.Sprintf(`[%d,[25.5]]`, TypeDistance)
	ports[2] = fmt.Sprintf(`[%d,[null]]`, TypeColor)
	conn.handler([]byte(`{"m":0,"p":` + statusParams(ports, 10, 20, 30) + "}\r"))

	assert.Equal(t, 10, h.Yaw())
	assert.Equal(t, 20, h.Pitch())
	assert.Equal(t, 30, h.Roll())
	assert.NotNil(t, h.Motor("A"))
	assert.Nil(t, h.Motor("D"))
	assert.InDelta(t, 25.5, h.Distance("B"), 0.001)
	assert.Equal(t, ColorNone, h.Color("C"), "null sample reads as no color")
	assert.Equal(t, ColorNone, h.Color("F"), "empty port reads as no color")
}

func TestHubStatusUpdatesIMU(t *testing.T) {
	h, conn := connectedHub(t)

	ports := emptyPorts()
	conn.handler([]byte(fmt.Sprintf(
		`{"m":0,"p":[%s,%s,%s,%s,%s,%s,[1,2,3],[4,5,6],[0,0,0]]}`+"\r",
		ports[0], ports[1], ports[2], ports[3], ports[4], ports[5])))

	assert.Equal(t, [3]float64{1, 2, 3}, h.Acceleration())
	assert.Equal(t, [3]float64{4, 5, 6}, h.GyroRates())
}

func TestDetachDiscardsMotor(t *testing.T) {
	h, conn := connectedHub(t)

	ports := emptyPorts()
	ports[0] = fmt.Sprintf(`[%d,[0]]`, TypeMediumMotor)
	conn.handler([]byte(`{"m":0,"p":` + statusParams(ports, 0, 0, 0) + "}\r"))
	require.NotNil(t, h.Motor("A"))

	conn.handler([]byte(`{"m":0,"p":` + statusParams(emptyPorts(), 0, 0, 0) + "}\r"))
	assert.Nil(t, h.Motor("A"))
}

func TestMotorStartFrame(t *testing.T) {
	h, conn := connectedHub(t)

	ports := emptyPorts()
	ports[1] = fmt.Sprintf(`[%d,[0]]`, TypeLargeMotor)
	conn.handler([]byte(`{"m":0,"p":` + statusParams(ports, 0, 0, 0) + "}\r"))

	h.Motor("B").SetPower(75)
	h.Motor("B").TurnOn()

	var env struct {
		Method string         `json:"m"`
		Params map[string]any `json:"p"`
	}
	payload := conn.lastSend()
	require.NoError(t, json.Unmarshal(payload[:len(payload)-1], &env))
	assert.Equal(t, "scratch.motor_start", env.Method)
	assert.Equal(t, "B", env.Params["port"])
	assert.Equal(t, float64(75), env.Params["speed"])
}

func TestTimedRunBrakesThenReleases(t *testing.T) {
	conn := newFakeStream()
	clk := clock.NewMock()
	h := NewHub(conn, nil, clk, nil)

	ports := emptyPorts()
	ports[0] = fmt.Sprintf(`[%d,[0]]`, TypeLargeMotor)
	conn.handler([]byte(`{"m":0,"p":` + statusParams(ports, 0, 0, 0) + "}\r"))

	h.Motor("A").TurnOnFor(500 * time.Millisecond)
	clk.Add(500 * time.Millisecond)
	assert.Contains(t, string(conn.lastSend()), fmt.Sprintf(`"stop":%d`, stopBrake))

	clk.Add(time.Second)
	assert.Contains(t, string(conn.lastSend()), fmt.Sprintf(`"stop":%d`, stopFloat))
}

func TestButtonAndBatteryEvents(t *testing.T) {
	h, conn := connectedHub(t)

	conn.handler([]byte(`{"m":3,"p":["center",1]}` + "\r"))
	assert.True(t, h.ButtonPressed("center"))
	conn.handler([]byte(`{"m":3,"p":["center",0]}` + "\r"))
	assert.False(t, h.ButtonPressed("center"))

	conn.handler([]byte(`{"m":2,"p":[8.2,97]}` + "\r"))
	assert.Equal(t, 97, h.Battery())
}

func TestSetPixelTracksDisplay(t *testing.T) {
	h, conn := connectedHub(t)

	require.NoError(t, h.SetPixel(2, 3, 140))
	assert.Equal(t, 100, h.PixelBrightness(2, 3), "brightness clamps to 100")
	assert.Contains(t, string(conn.lastSend()), "scratch.display_set_pixel")

	before := conn.sendCount()
	require.NoError(t, h.SetPixel(9, 0, 50))
	assert.Equal(t, before, conn.sendCount(), "out-of-range pixel is a logged no-op")

	require.NoError(t, h.DisplayClear())
	assert.Zero(t, h.PixelBrightness(2, 3))
}

func TestRateLimiterDropsExcessSends(t *testing.T) {
	h, conn := connectedHub(t)

	for i := 0; i < SendRate+5; i++ {
		require.NoError(t, h.DisplayText("x"))
	}
	assert.Equal(t, SendRate, conn.sendCount())
}

func TestRateLimitedRequestResolvesEmpty(t *testing.T) {
	h, conn := connectedHub(t)

	for i := 0; i < SendRate; i++ {
		require.NoError(t, h.DisplayText("x"))
	}
	before := conn.sendCount()

	// A correlated request over the cap must resolve like any dropped send,
	// not wait for a reply that can never come.
	raw, err := h.SendCommand(context.Background(), "scratch.display_text", nil, true)
	assert.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, before, conn.sendCount())
	assert.Empty(t, h.pending, "a dropped request must not leave a pending entry")
}

func TestStopAllBypassesLimiter(t *testing.T) {
	conn := newFakeStream()
	stop := hub.NewStopAllBroadcaster()
	h := NewHub(conn, stop, clock.NewMock(), nil)

	ports := emptyPorts()
	ports[0] = fmt.Sprintf(`[%d,[0]]`, TypeLargeMotor)
	conn.handler([]byte(`{"m":0,"p":` + statusParams(ports, 0, 0, 0) + "}\r"))

	// Exhaust the limiter, then the broadcast must still get through.
	for i := 0; i < SendRate; i++ {
		h.DisplayText("x")
	}
	before := conn.sendCount()
	stop.StopAll()
	assert.Equal(t, before+2, conn.sendCount(), "motor stop and sound off are never dropped")
	assert.Contains(t, string(conn.lastSend()), "scratch.sound_off")
}

func TestDisconnectedSendsResolveSilently(t *testing.T) {
	h, conn := connectedHub(t)
	conn.connected = false

	require.NoError(t, h.DisplayText("x"))
	raw, err := h.SendCommand(context.Background(), "scratch.display_text", nil, true)
	assert.NoError(t, err)
	assert.Nil(t, raw)
	assert.Zero(t, conn.sendCount())
}
