package boost

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hublink/lwp"
)

type fakeConn struct {
	connected bool
	writes    [][]byte
	handler   func([]byte)
}

func (f *fakeConn) Connect(ctx context.Context, id string) error {
	f.connected = true
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.connected = false
	return nil
}

func (f *fakeConn) Connected() bool { return f.connected }

func (f *fakeConn) Write(charUUID string, payload []byte) error {
	f.writes = append(f.writes, payload)
	return nil
}

func (f *fakeConn) Subscribe(charUUID string, fn func([]byte)) error {
	f.handler = fn
	return nil
}

func (f *fakeConn) notify(data []byte) { f.handler(data) }

func attachFrame(port byte, typeCode uint16) []byte {
	return lwp.Frame(lwp.MessageHubAttachedIO, []byte{
		port, lwp.IOEventAttached,
		byte(typeCode & 0xFF), byte(typeCode >> 8),
		0x00, 0x00,
	})
}

func detachFrame(port byte) []byte {
	return lwp.Frame(lwp.MessageHubAttachedIO, []byte{port, lwp.IOEventDetached})
}

func connectedHub(t *testing.T) (*Hub, *fakeConn, *clock.Mock) {
	t.Helper()
	conn := &fakeConn{}
	clk := clock.NewMock()
	h := NewHub(conn, nil, clk, nil)
	require.NoError(t, h.Connect(context.Background(), "addr"))
	return h, conn, clk
}

func TestMotorPowerFrame(t *testing.T) {
	h, conn, _ := connectedHub(t)
	conn.notify(attachFrame(0x00, IOMotorExt))
	require.NotNil(t, h.Motor(0))

	h.Motor(0).SetPower(75)
	h.Motor(0).TurnOn()

	last := conn.writes[len(conn.writes)-1]
	assert.Equal(t, []byte{0x08, 0x00, 0x81, 0x00, 0x11, 0x51, 0x00, 0x4B}, last)
}

func TestVisionSensorAttachEnablesNotifications(t *testing.T) {
	_, conn, _ := connectedHub(t)
	conn.notify(attachFrame(0x01, IOVision))
	require.Len(t, conn.writes, 1)
	assert.Equal(t, lwp.PortInputFormat(0x01, ModeColor, 1, true), conn.writes[0])
}

func TestColorDefaultsAndUpdates(t *testing.T) {
	h, conn, _ := connectedHub(t)
	assert.Equal(t, ColorNone, h.Color())

	conn.notify(attachFrame(0x01, IOVision))
	conn.notify(lwp.Frame(lwp.MessagePortValue, []byte{0x01, 0x03}))
	assert.Equal(t, 3, h.Color())

	// 0xFF means nothing in front of the sensor.
	conn.notify(lwp.Frame(lwp.MessagePortValue, []byte{0x01, 0xFF}))
	assert.Equal(t, ColorNone, h.Color())

	conn.notify(detachFrame(0x01))
	assert.Equal(t, ColorNone, h.Color())
}

func TestMotorPositionDecoding(t *testing.T) {
	h, conn, _ := connectedHub(t)
	conn.notify(attachFrame(0x00, IOMotorInt))

	conn.notify(lwp.Frame(lwp.MessagePortValue, []byte{0x00, 0x6A, 0xFF, 0xFF, 0xFF}))
	assert.Equal(t, -150, h.Position(0))
}

func TestTimedRunUsesBrakeSentinel(t *testing.T) {
	h, conn, clk := connectedHub(t)
	conn.notify(attachFrame(0x00, IOMotorSystem))

	h.Motor(0).TurnOnFor(300 * time.Millisecond)
	clk.Add(300 * time.Millisecond)

	last := conn.writes[len(conn.writes)-1]
	assert.Equal(t, []byte{0x08, 0x00, 0x81, 0x00, 0x11, 0x51, 0x00, 0x7F}, last)
}

func TestStopAllBypassesLimiter(t *testing.T) {
	h, conn, _ := connectedHub(t)
	conn.notify(attachFrame(0x00, IOMotorSystem))

	for i := 0; i < SendRate+5; i++ {
		h.SetLEDColor(3) // no LED attached, logged no-op
		h.Motor(0).TurnOn()
	}
	before := len(conn.writes)

	h.StopAll()
	require.Len(t, conn.writes, before+1)
	assert.Equal(t, byte(0x00), conn.writes[before][7], "stop is the zero-power frame")
}

func TestMalformedFramesIgnored(t *testing.T) {
	h, conn, _ := connectedHub(t)
	conn.notify([]byte{0x01})
	conn.notify([]byte{0x03, 0x00, 0x04}) // truncated attach
	conn.notify(lwp.Frame(lwp.MessagePortValue, []byte{0x09, 0x01})) // unknown port
	assert.Equal(t, ColorNone, h.Color())
}
