package hub

import (
	"sync"

	"hublink/motor"
)

// Attachment describes the device currently occupying a port.
type Attachment struct {
	TypeCode uint16
	Motor    *motor.Motor // non-nil only for motor-type devices
}

// Registry maps port ids to attached-device descriptors. A port holds at most
// one descriptor; replacing or clearing one disposes any motor handle it
// carried.
type Registry struct {
	mu    sync.RWMutex
	ports map[byte]*Attachment
}

// NewRegistry returns an empty port registry.
func NewRegistry() *Registry {
	return &Registry{ports: make(map[byte]*Attachment)}
}

// Attach records a device on port, replacing whatever was there.
func (r *Registry) Attach(port byte, a *Attachment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.ports[port]; ok && old.Motor != nil {
		old.Motor.Dispose()
	}
	r.ports[port] = a
}

// Clear removes the descriptor for port, disposing its motor handle, and
// returns what was removed (nil if the port was empty).
func (r *Registry) Clear(port byte) *Attachment {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.ports[port]
	if !ok {
		return nil
	}
	delete(r.ports, port)
	if a.Motor != nil {
		a.Motor.Dispose()
	}
	return a
}

// Get returns the descriptor for port.
func (r *Registry) Get(port byte) (*Attachment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.ports[port]
	return a, ok
}

// TypeCode returns the attached device type for port, or 0 when empty.
func (r *Registry) TypeCode(port byte) uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.ports[port]; ok {
		return a.TypeCode
	}
	return 0
}

// Motor returns the motor handle at port, or nil when the port holds no
// motor-type device.
func (r *Registry) Motor(port byte) *motor.Motor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.ports[port]; ok {
		return a.Motor
	}
	return nil
}

// Motors returns every live motor handle.
func (r *Registry) Motors() []*motor.Motor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*motor.Motor
	for _, a := range r.ports {
		if a.Motor != nil {
			out = append(out, a.Motor)
		}
	}
	return out
}

// FirstPortOfType returns the lowest port currently holding a device of the
// given type.
func (r *Registry) FirstPortOfType(code uint16) (byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found := false
	var best byte
	for port, a := range r.ports {
		if a.TypeCode != code {
			continue
		}
		if !found || port < best {
			best = port
			found = true
		}
	}
	return best, found
}

// Reset clears every port, disposing all motor handles.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port, a := range r.ports {
		if a.Motor != nil {
			a.Motor.Dispose()
		}
		delete(r.ports, port)
	}
}
