// Package transport provides the Bluetooth plumbing the peripheral sessions
// drive: a GATT connection for the BLE hub families and a byte-stream
// connection for the serial ones. The transports move raw bytes; all framing
// belongs to the session codecs.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotConnected is returned by writes on a closed transport. Sessions
// absorb it: a send while disconnected is a silent no-op for callers.
var ErrNotConnected = errors.New("transport: not connected")

// ErrScanUnsupported is returned by sessions whose transport cannot
// enumerate peripherals (serial links).
var ErrScanUnsupported = errors.New("transport: scan not supported")

// Advertisement is one peripheral seen during a scan.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int
}

// ScanFilter selects which advertisements a scan reports.
type ScanFilter struct {
	ServiceUUID  string
	NamePrefixes []string
	MinRSSI      int
}

// Conn is the lifecycle surface every transport exposes.
type Conn interface {
	Connect(ctx context.Context, id string) error
	Disconnect() error
	Connected() bool
}

// Scanner is implemented by transports that can discover peripherals.
type Scanner interface {
	Scan(ctx context.Context) ([]Advertisement, error)
}

// GATTConn is a connected BLE peripheral: writes and notification
// subscriptions addressed by characteristic UUID.
type GATTConn interface {
	Conn
	Write(charUUID string, payload []byte) error
	Subscribe(charUUID string, fn func([]byte)) error
}

// StreamConn is a connected byte stream (RFCOMM tty, USB serial). Inbound
// bytes arrive as arbitrary chunks; reassembly is the session's job.
type StreamConn interface {
	Conn
	Send(payload []byte) error
	OnMessage(fn func([]byte))
}
