package wedo2

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hublink/hub"
	"hublink/lwp"
)

// fakeConn records writes per characteristic and lets tests inject
// notifications.
type fakeConn struct {
	connected bool
	writes    map[string][][]byte
	handlers  map[string]func([]byte)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		connected: true,
		writes:    make(map[string][][]byte),
		handlers:  make(map[string]func([]byte)),
	}
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
	f.writes[charUUID] = append(f.writes[charUUID], payload)
	return nil
}

func (f *fakeConn) Subscribe(charUUID string, fn func([]byte)) error {
	f.handlers[charUUID] = fn
	return nil
}

func (f *fakeConn) notify(charUUID string, data []byte) {
	if fn, ok := f.handlers[charUUID]; ok {
		fn(data)
	}
}

func connectedHub(t *testing.T) (*Hub, *fakeConn, *clock.Mock) {
	t.Helper()
	conn := newFakeConn()
	clk := clock.NewMock()
	h := NewHub(conn, nil, clk, nil)
	require.NoError(t, h.Connect(context.Background(), "00:11:22:33:44:55"))
	return h, conn, clk
}

func attachMotor(conn *fakeConn, port byte) {
	conn.notify(CharAttachedIO, []byte{port, 0x01, 0x00, DeviceMotor})
}

func TestMotorAttachCreatesHandle(t *testing.T) {
	h, conn, _ := connectedHub(t)

	assert.Nil(t, h.Motor(1))
	attachMotor(conn, 1)
	require.NotNil(t, h.Motor(1))

	h.Motor(1).TurnOn()
	writes := conn.writes[CharOutputCommand]
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0x01, CommandMotorPower, 0x01, 0x64}, writes[0])
}

func TestSensorAttachSendsModeConfiguration(t *testing.T) {
	_, conn, _ := connectedHub(t)

	conn.notify(CharAttachedIO, []byte{3, 0x01, 0x00, DeviceDistance})
	writes := conn.writes[CharInputCommand]
	require.Len(t, writes, 1)
	assert.Equal(t,
		lwp.InputCommand(3, DeviceDistance, ModeDistance, 1, UnitSI, true),
		writes[0])
}

func TestSensorValuesAndDetachDefaults(t *testing.T) {
	h, conn, _ := connectedHub(t)

	conn.notify(CharAttachedIO, []byte{2, 0x01, 0x00, DeviceTilt})
	conn.notify(CharInputValues, []byte{0x01, 2, 0xF6, 0x14}) // -10, +20
	assert.Equal(t, -10, h.TiltX())
	assert.Equal(t, 20, h.TiltY())

	conn.notify(CharAttachedIO, []byte{2, 0x00})
	assert.Equal(t, 0, h.TiltX(), "detach resets tilt to its default")
	assert.Equal(t, 0, h.TiltY())
}

func TestDetachRemovesMotorHandle(t *testing.T) {
	h, conn, _ := connectedHub(t)

	attachMotor(conn, 1)
	require.NotNil(t, h.Motor(1))
	conn.notify(CharAttachedIO, []byte{1, 0x00})
	assert.Nil(t, h.Motor(1))
}

func TestSendWhileDisconnectedIsSilentNoOp(t *testing.T) {
	h, conn, _ := connectedHub(t)
	attachMotor(conn, 1)
	require.NoError(t, conn.Disconnect())

	assert.NoError(t, h.PlayTone(440, time.Second))
	h.Motor(1).TurnOn()
	assert.Empty(t, conn.writes[CharOutputCommand])
}

func TestRateLimiterDropsExcessSends(t *testing.T) {
	h, conn, _ := connectedHub(t)

	for i := 0; i < SendRate+1; i++ {
		assert.NoError(t, h.PlayTone(440, time.Second), "dropped sends still succeed")
	}
	assert.Len(t, conn.writes[CharOutputCommand], SendRate)
}

func TestStopAllBypassesRateLimiter(t *testing.T) {
	h, conn, _ := connectedHub(t)
	attachMotor(conn, 1)

	// Saturate the window (the attach itself wrote nothing on output).
	for i := 0; i < SendRate+5; i++ {
		h.PlayTone(440, time.Second)
	}
	before := len(conn.writes[CharOutputCommand])

	h.StopAll()
	writes := conn.writes[CharOutputCommand]
	require.Len(t, writes, before+2, "motor off and tone stop must not be dropped")
	assert.Equal(t, []byte{0x01, CommandMotorPower, 0x01, 0x00}, writes[before])
	assert.Equal(t, []byte{ConnectIDPiezo, CommandStopTone, 0x00}, writes[before+1])
}

func TestTimedRunBrakesWithSentinel(t *testing.T) {
	h, conn, clk := connectedHub(t)
	attachMotor(conn, 1)

	h.Motor(1).TurnOnFor(500 * time.Millisecond)
	clk.Add(500 * time.Millisecond)

	writes := conn.writes[CharOutputCommand]
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{0x01, CommandMotorPower, 0x01, 0x7F}, writes[1])
}

func TestStopAllBroadcastReachesHub(t *testing.T) {
	conn := newFakeConn()
	stop := hub.NewStopAllBroadcaster()
	h := NewHub(conn, stop, clock.NewMock(), nil)
	require.NoError(t, h.Connect(context.Background(), "addr"))
	attachMotor(conn, 1)
	h.Motor(1).TurnOn()

	stop.StopAll()
	writes := conn.writes[CharOutputCommand]
	require.NotEmpty(t, writes)
	assert.Equal(t, []byte{0x01, CommandMotorPower, 0x01, 0x00}, writes[len(writes)-2])
}

func TestMalformedNotificationsIgnored(t *testing.T) {
	h, conn, _ := connectedHub(t)
	conn.notify(CharAttachedIO, []byte{0x01})
	conn.notify(CharInputValues, []byte{0x01})
	conn.notify(CharInputValues, []byte{0x01, 0x09, 0x42}) // unknown port
	assert.Equal(t, 0, h.Distance())
}
