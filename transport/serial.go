package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SerialSession is a StreamConn over a serial device: an EV3 paired as an
// RFCOMM tty, or a SPIKE hub on USB serial. Inbound bytes are delivered to
// the message handler as raw chunks; the session codec reassembles frames.
type SerialSession struct {
	baud int
	log  *zap.Logger

	mu        sync.RWMutex
	port      *serial.Port
	connected bool
	handler   func([]byte)
	done      chan struct{}
}

// NewSerialSession returns a session that will open devices at the given
// baud rate.
func NewSerialSession(baud int, log *zap.Logger) *SerialSession {
	if log == nil {
		log = zap.NewNop()
	}
	return &SerialSession{baud: baud, log: log}
}

// Connect opens the serial device and starts the read loop.
func (s *SerialSession) Connect(ctx context.Context, device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		s.closeLocked()
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        s.baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return errors.Wrapf(err, "opening %s", device)
	}
	s.port = port
	s.connected = true
	s.done = make(chan struct{})
	go s.readLoop(port, s.done)
	s.log.Info("serial device opened", zap.String("device", device), zap.Int("baud", s.baud))
	return nil
}

func (s *SerialSession) readLoop(port *serial.Port, done chan struct{}) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := port.Read(buf)
		if err != nil {
			if err == io.EOF {
				continue // read timeout, poll again
			}
			s.log.Debug("serial read ended", zap.Error(err))
			return
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		s.mu.RLock()
		handler := s.handler
		s.mu.RUnlock()
		if handler != nil {
			handler(chunk)
		}
	}
}

// Send writes payload to the device.
func (s *SerialSession) Send(payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return ErrNotConnected
	}
	if _, err := s.port.Write(payload); err != nil {
		return errors.Wrap(err, "writing serial")
	}
	return nil
}

// OnMessage installs the inbound chunk handler.
func (s *SerialSession) OnMessage(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Disconnect stops the read loop and closes the device.
func (s *SerialSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SerialSession) closeLocked() error {
	if !s.connected {
		return nil
	}
	close(s.done)
	var err error
	if s.port != nil {
		err = multierr.Append(err, s.port.Flush())
		err = multierr.Append(err, s.port.Close())
	}
	s.port = nil
	s.connected = false
	return errors.Wrap(err, "closing serial device")
}

// Connected reports whether the device is open.
func (s *SerialSession) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
