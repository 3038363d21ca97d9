package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	tinybluetooth "tinygo.org/x/bluetooth"
)

// BLESession is a GATTConn over tinygo bluetooth. Connecting discovers every
// service and characteristic up front into a UUID-keyed map so writes and
// subscriptions resolve without further round trips.
type BLESession struct {
	adapter *tinybluetooth.Adapter
	filter  ScanFilter
	log     *zap.Logger

	mu              sync.RWMutex
	device          tinybluetooth.Device
	connected       bool
	characteristics map[string]tinybluetooth.DeviceCharacteristic
}

// NewBLESession enables the default adapter and returns a session scanning
// with the given filter.
func NewBLESession(filter ScanFilter, log *zap.Logger) (*BLESession, error) {
	if log == nil {
		log = zap.NewNop()
	}
	adapter := tinybluetooth.DefaultAdapter
	if adapter == nil {
		return nil, errors.New("no BLE adapter available")
	}
	if err := adapter.Enable(); err != nil {
		return nil, errors.Wrap(err, "enabling BLE adapter")
	}
	return &BLESession{
		adapter:         adapter,
		filter:          filter,
		log:             log,
		characteristics: make(map[string]tinybluetooth.DeviceCharacteristic),
	}, nil
}

// Scan reports advertisements matching the session filter until ctx expires.
func (s *BLESession) Scan(ctx context.Context) ([]Advertisement, error) {
	var (
		found   []Advertisement
		foundMu sync.Mutex
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := s.adapter.Scan(func(adapter *tinybluetooth.Adapter, result tinybluetooth.ScanResult) {
		select {
		case <-ctx.Done():
			adapter.StopScan()
			return
		default:
		}
		if !s.matches(result) {
			return
		}
		s.log.Debug("peripheral found",
			zap.String("name", result.LocalName()),
			zap.String("address", result.Address.String()),
			zap.Int16("rssi", result.RSSI))
		foundMu.Lock()
		found = append(found, Advertisement{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		})
		foundMu.Unlock()
	})
	if err != nil {
		return nil, errors.Wrap(err, "scanning")
	}
	<-ctx.Done()
	s.adapter.StopScan()

	foundMu.Lock()
	defer foundMu.Unlock()
	return found, nil
}

func (s *BLESession) matches(result tinybluetooth.ScanResult) bool {
	if s.filter.MinRSSI != 0 && int(result.RSSI) < s.filter.MinRSSI {
		return false
	}
	if s.filter.ServiceUUID != "" {
		if uuid, err := tinybluetooth.ParseUUID(s.filter.ServiceUUID); err == nil {
			if result.AdvertisementPayload.HasServiceUUID(uuid) {
				return true
			}
		}
	}
	name := strings.ToUpper(result.LocalName())
	for _, prefix := range s.filter.NamePrefixes {
		if strings.HasPrefix(name, strings.ToUpper(prefix)) {
			return true
		}
	}
	return false
}

// Connect scans for the peripheral with the given address, connects and
// discovers its services and characteristics.
func (s *BLESession) Connect(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		s.disconnectLocked()
	}

	scanCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var target tinybluetooth.ScanResult
	found := false
	err := s.adapter.Scan(func(adapter *tinybluetooth.Adapter, result tinybluetooth.ScanResult) {
		if result.Address.String() == address {
			adapter.StopScan()
			target = result
			found = true
			cancel()
		}
	})
	if err != nil {
		return errors.Wrap(err, "scanning for peripheral")
	}
	<-scanCtx.Done()
	s.adapter.StopScan()
	if !found {
		return errors.Errorf("peripheral %s not found", address)
	}

	device, err := s.adapter.Connect(target.Address, tinybluetooth.ConnectionParams{})
	if err != nil {
		return errors.Wrap(err, "connecting")
	}
	s.device = device
	s.connected = true

	if err := s.discoverLocked(); err != nil {
		s.disconnectLocked()
		return err
	}
	s.log.Info("peripheral connected",
		zap.String("address", address),
		zap.Int("characteristics", len(s.characteristics)))
	return nil
}

func (s *BLESession) discoverLocked() error {
	services, err := s.device.DiscoverServices(nil)
	if err != nil {
		return errors.Wrap(err, "discovering services")
	}
	for _, service := range services {
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			s.log.Warn("characteristic discovery failed",
				zap.String("service", service.UUID().String()), zap.Error(err))
			continue
		}
		for _, char := range chars {
			s.characteristics[char.UUID().String()] = char
		}
	}
	return nil
}

// Write sends payload to a characteristic without response.
func (s *BLESession) Write(charUUID string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return ErrNotConnected
	}
	char, ok := s.characteristics[charUUID]
	if !ok {
		return errors.Errorf("characteristic %s not found", charUUID)
	}
	if _, err := char.WriteWithoutResponse(payload); err != nil {
		return errors.Wrap(err, "writing characteristic")
	}
	return nil
}

// Subscribe enables notifications on a characteristic.
func (s *BLESession) Subscribe(charUUID string, fn func([]byte)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return ErrNotConnected
	}
	char, ok := s.characteristics[charUUID]
	if !ok {
		return errors.Errorf("characteristic %s not found", charUUID)
	}
	if err := char.EnableNotifications(fn); err != nil {
		return errors.Wrap(err, "enabling notifications")
	}
	return nil
}

// Disconnect drops the connection and forgets the discovered characteristics.
func (s *BLESession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked()
}

func (s *BLESession) disconnectLocked() error {
	if !s.connected {
		return nil
	}
	err := s.device.Disconnect()
	s.connected = false
	s.characteristics = make(map[string]tinybluetooth.DeviceCharacteristic)
	return errors.Wrap(err, "disconnecting")
}

// Connected reports whether the peripheral link is up.
func (s *BLESession) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
