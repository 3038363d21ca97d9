package motor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// BrakeSettle is how long a motor is allowed to decelerate under active
// braking before the zero-power command is sent.
const BrakeSettle = 1000 * time.Millisecond

// CoastSettle is the delay after a hardware-timed run before the motor is
// released to coast (EV3-style outputs).
const CoastSettle = 1000 * time.Millisecond

// Output is the per-family encoder strategy behind a motor handle. Power is
// already signed and clamped to [-100, 100] when it arrives here.
type Output interface {
	On(power int) error
	Brake() error
	Off(useLimiter bool) error
}

// TimedOutput is implemented by families whose firmware runs a motor for a
// requested duration on its own (EV3). After such a run the host releases the
// motor to coast instead of braking it.
type TimedOutput interface {
	Output
	OnFor(power int, d time.Duration) error
	Coast() error
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingBrake
	pendingOff
	pendingCoast
)

// Motor tracks the driving state of one physical motor output: power,
// direction, whether it is actively driving, and at most one pending deferred
// transition (brake after a timed run, full off after brake settle, coast
// after a hardware-timed run).
type Motor struct {
	mu  sync.Mutex
	out Output
	clk clock.Clock
	log *zap.Logger

	power     int // magnitude, [0, 100]
	direction int // -1 or +1
	on        bool

	// Deferred action bookkeeping. token grows monotonically; a fired timer
	// whose captured token no longer matches has been superseded and no-ops.
	token        uint64
	timer        *clock.Timer
	pending      pendingKind
	pendingSince time.Time
	pendingDelay time.Duration
}

// New returns a motor handle driving out. A nil clock or logger falls back to
// the real clock and a no-op logger.
func New(out Output, clk clock.Clock, log *zap.Logger) *Motor {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Motor{
		out:       out,
		clk:       clk,
		log:       log,
		power:     100,
		direction: 1,
	}
}

// Power returns the current power magnitude.
func (m *Motor) Power() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.power
}

// SetPower sets the power magnitude, clamped to [0, 100].
func (m *Motor) SetPower(power int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.power = clamp(power, 0, 100)
}

// Direction returns the current direction sign.
func (m *Motor) Direction() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direction
}

// SetDirection sets the direction sign. Changing direction while the motor is
// running reissues the drive command; if a timed run is still pending, the
// remaining run time is recomputed so the total requested time is preserved.
func (m *Motor) SetDirection(direction int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if direction < 0 {
		m.direction = -1
	} else {
		m.direction = 1
	}
	if !m.on {
		return
	}
	switch m.pending {
	case pendingBrake:
		m.turnOnForLocked(m.remainingLocked())
	case pendingCoast:
		remaining := m.remainingLocked() - CoastSettle
		if remaining < 0 {
			remaining = 0
		}
		m.turnOnForLocked(remaining)
	default:
		m.turnOnLocked()
	}
}

// IsOn reports whether the motor is actively driving. Braking and coasting
// both count as off.
func (m *Motor) IsOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// TurnOn starts the motor at the current power and direction, cancelling any
// pending deferred transition.
func (m *Motor) TurnOn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnOnLocked()
}

// TurnOnFor runs the motor for d, then brakes (or, for timed outputs, lets
// the firmware time the run and coasts afterwards). A second call before d
// elapses supersedes the first entirely.
func (m *Motor) TurnOnFor(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnOnForLocked(d)
}

// StartBraking sends the brake command and schedules the zero-power command
// after the settle time.
func (m *Motor) StartBraking() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startBrakingLocked()
}

// TurnOff sends the zero-power command immediately and cancels any pending
// deferred transition. useLimiter=false marks the send as critical so it is
// never dropped.
func (m *Motor) TurnOff(useLimiter bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPendingLocked()
	if err := m.out.Off(useLimiter); err != nil {
		m.log.Warn("motor off failed", zap.Error(err))
	}
	m.on = false
}

// Dispose invalidates the handle when its port detaches or the session
// resets. Any pending deferred transition is cancelled and can never fire.
func (m *Motor) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPendingLocked()
	m.on = false
}

func (m *Motor) turnOnLocked() {
	m.cancelPendingLocked()
	if err := m.out.On(m.signedPowerLocked()); err != nil {
		m.log.Warn("motor on failed", zap.Error(err))
	}
	m.on = true
}

func (m *Motor) turnOnForLocked(d time.Duration) {
	power := m.signedPowerLocked()
	if d < 0 {
		// Reversed composition: a negative duration means the same run with
		// the drive sign flipped.
		d, power = -d, -power
	}
	if timed, ok := m.out.(TimedOutput); ok {
		m.cancelPendingLocked()
		if err := timed.OnFor(power, d); err != nil {
			m.log.Warn("motor timed run failed", zap.Error(err))
		}
		m.on = true
		m.scheduleLocked(pendingCoast, d+CoastSettle)
		return
	}
	m.turnOnLocked()
	m.scheduleLocked(pendingBrake, d)
}

func (m *Motor) startBrakingLocked() {
	if err := m.out.Brake(); err != nil {
		m.log.Warn("motor brake failed", zap.Error(err))
	}
	m.on = false
	m.scheduleLocked(pendingOff, BrakeSettle)
}

// scheduleLocked replaces any pending deferred action with a new one. At most
// one deferred action is live per motor.
func (m *Motor) scheduleLocked(kind pendingKind, delay time.Duration) {
	m.cancelPendingLocked()
	m.token++
	token := m.token
	m.pending = kind
	m.pendingSince = m.clk.Now()
	m.pendingDelay = delay
	m.timer = m.clk.AfterFunc(delay, func() {
		m.fire(token, kind)
	})
}

func (m *Motor) cancelPendingLocked() {
	m.token++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = pendingNone
}

func (m *Motor) fire(token uint64, kind pendingKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token != m.token {
		// Superseded by a newer command.
		return
	}
	m.pending = pendingNone
	m.timer = nil
	switch kind {
	case pendingBrake:
		m.startBrakingLocked()
	case pendingOff:
		if err := m.out.Off(true); err != nil {
			m.log.Warn("motor off failed", zap.Error(err))
		}
		m.on = false
	case pendingCoast:
		if timed, ok := m.out.(TimedOutput); ok {
			if err := timed.Coast(); err != nil {
				m.log.Warn("motor coast failed", zap.Error(err))
			}
		}
		m.on = false
	}
}

// remainingLocked is how much of the pending deferred delay is left, measured
// from the moment the action was scheduled.
func (m *Motor) remainingLocked() time.Duration {
	remaining := m.pendingDelay - m.clk.Now().Sub(m.pendingSince)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (m *Motor) signedPowerLocked() int {
	return clamp(m.power*m.direction, -100, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
