// Package sim provides in-process simulated modems. Each simulated modem
// answers capability commands after a configurable latency, reports the
// unsolicited capability-changed notification after APPLY and rolls back on
// a fail-coded FINISH. Faults can be injected per phone and phase.
package sim

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/clock"
	"pkt.systems/rcswitch/internal/loggingutil"
	"pkt.systems/rcswitch/internal/modem"
)

// FaultMode selects how an injected fault manifests.
type FaultMode string

const (
	// FaultError delivers a transport error instead of a reply.
	FaultError FaultMode = "error"
	// FaultFail reports an explicit fail status. Only notifications carry a
	// status; for other phases it behaves like FaultError.
	FaultFail FaultMode = "fail"
	// FaultDrop never replies.
	FaultDrop FaultMode = "drop"
)

// Fault injects a failure for one phone in one phase.
type Fault struct {
	Phone int
	Phase api.Phase
	Mode  FaultMode
}

func (f Fault) String() string {
	return fmt.Sprintf("%d:%s:%s", f.Phone, f.Phase, f.Mode)
}

// ParseFault parses "phone:phase[:mode]", for example "1:start" or
// "2:unsol:drop". The mode defaults to error.
func ParseFault(spec string) (Fault, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Fault{}, fmt.Errorf("sim: fault %q must be phone:phase[:mode]", spec)
	}
	phone, err := strconv.Atoi(parts[0])
	if err != nil || phone < 0 {
		return Fault{}, fmt.Errorf("sim: fault %q: invalid phone", spec)
	}
	phase, err := modem.ParsePhase(parts[1])
	if err != nil {
		return Fault{}, fmt.Errorf("sim: fault %q: %w", spec, err)
	}
	mode := FaultError
	if len(parts) == 3 {
		mode = FaultMode(strings.ToLower(parts[2]))
	}
	switch mode {
	case FaultError, FaultFail, FaultDrop:
	default:
		return Fault{}, fmt.Errorf("sim: fault %q: unknown mode %q", spec, parts[2])
	}
	return Fault{Phone: phone, Phase: phase, Mode: mode}, nil
}

// ParseFaults parses a list of fault specs, skipping blanks.
func ParseFaults(specs []string) ([]Fault, error) {
	var out []Fault
	for _, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		f, err := ParseFault(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Config describes a bank of simulated modems.
type Config struct {
	// Phones is the number of simulated modems.
	Phones int
	// Initial seeds each modem's capability. Missing entries default to zero.
	Initial []api.RadioAccessFamily
	// Latency delays every reply and notification. Zero replies synchronously.
	Latency time.Duration
	// Faults are injected until cleared.
	Faults []Fault
	// Clock schedules delayed replies. Nil uses the real clock.
	Clock clock.Clock
	// Logger receives command traces. Nil disables logging.
	Logger pslog.Logger
}

type faultKey struct {
	phone int
	phase api.Phase
}

// Modems is a bank of simulated modems implementing modem.Channel and
// modem.NotificationSource.
type Modems struct {
	clock   clock.Clock
	latency time.Duration
	logger  pslog.Logger

	mu      sync.Mutex
	raf     []api.RadioAccessFamily
	staged  []api.RadioAccessFamily
	faults  map[faultKey]FaultMode
	history []api.RadioCapability
	notify  modem.NotifyFunc
}

// New constructs a bank of simulated modems.
func New(cfg Config) (*Modems, error) {
	if cfg.Phones <= 0 {
		return nil, fmt.Errorf("sim: phones must be > 0 (got %d)", cfg.Phones)
	}
	if len(cfg.Initial) > cfg.Phones {
		return nil, fmt.Errorf("sim: %d initial capabilities for %d phones", len(cfg.Initial), cfg.Phones)
	}
	if cfg.Latency < 0 {
		return nil, fmt.Errorf("sim: latency must be >= 0")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	m := &Modems{
		clock:   clk,
		latency: cfg.Latency,
		logger:  loggingutil.WithSubsystem(cfg.Logger, "modem.sim"),
		raf:     make([]api.RadioAccessFamily, cfg.Phones),
		staged:  make([]api.RadioAccessFamily, cfg.Phones),
		faults:  make(map[faultKey]FaultMode),
	}
	copy(m.raf, cfg.Initial)
	for _, f := range cfg.Faults {
		if err := m.SetFault(f); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetNotifyFunc registers the receiver of capability-changed notifications.
func (m *Modems) SetNotifyFunc(fn modem.NotifyFunc) {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
}

// SetFault injects or replaces a fault.
func (m *Modems) SetFault(f Fault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.Phone < 0 || f.Phone >= len(m.raf) {
		return fmt.Errorf("sim: fault %s: phone out of range", f)
	}
	m.faults[faultKey{phone: f.Phone, phase: f.Phase}] = f.Mode
	return nil
}

// ClearFaults removes every injected fault.
func (m *Modems) ClearFaults() {
	m.mu.Lock()
	clear(m.faults)
	m.mu.Unlock()
}

// RadioAccessFamily returns the capability the simulated modem has committed.
func (m *Modems) RadioAccessFamily(phone int) api.RadioAccessFamily {
	m.mu.Lock()
	defer m.mu.Unlock()
	if phone < 0 || phone >= len(m.raf) {
		return 0
	}
	return m.raf[phone]
}

// History returns every command received, in arrival order.
func (m *Modems) History() []api.RadioCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// SetRadioCapability implements modem.Channel.
func (m *Modems) SetRadioCapability(ctx context.Context, rc api.RadioCapability, done modem.ReplyFunc) {
	if err := ctx.Err(); err != nil {
		m.later(func() { done(rc, err) })
		return
	}
	m.mu.Lock()
	if rc.Phone < 0 || rc.Phone >= len(m.raf) {
		m.mu.Unlock()
		m.later(func() { done(rc, fmt.Errorf("%w: %d", modem.ErrUnknownPhone, rc.Phone)) })
		return
	}
	m.history = append(m.history, rc)
	mode, faulted := m.faults[faultKey{phone: rc.Phone, phase: rc.Phase}]
	unsolMode, unsolFaulted := m.faults[faultKey{phone: rc.Phone, phase: api.PhaseUnsolRsp}]
	switch {
	case faulted:
	case rc.Phase == api.PhaseStart:
		m.staged[rc.Phone] = m.raf[rc.Phone]
	case rc.Phase == api.PhaseFinish && rc.Status == api.StatusFail:
		m.raf[rc.Phone] = m.staged[rc.Phone]
	}
	notify := m.notify
	m.mu.Unlock()

	m.logger.Trace("rcswitch.modem.sim.command", "phone", rc.Phone, "session", rc.Session, "phase", rc.Phase.String(), "raf", rc.RAF.String(), "status", rc.Status.String())

	if faulted {
		m.logger.Debug("rcswitch.modem.sim.fault", "phone", rc.Phone, "phase", rc.Phase.String(), "mode", string(mode))
		if mode == FaultDrop {
			return
		}
		m.later(func() {
			done(rc, &modem.Error{Phone: rc.Phone, Phase: rc.Phase, Code: "injected_" + string(mode)})
		})
		return
	}
	resp := rc
	m.later(func() {
		done(resp, nil)
		if rc.Phase != api.PhaseApply {
			return
		}
		m.later(func() {
			m.notifyApplied(rc, notify, unsolMode, unsolFaulted)
		})
	})
}

func (m *Modems) notifyApplied(rc api.RadioCapability, notify modem.NotifyFunc, mode FaultMode, faulted bool) {
	ev := rc
	ev.Phase = api.PhaseUnsolRsp
	ev.Status = api.StatusSuccess
	var err error
	if faulted {
		m.logger.Debug("rcswitch.modem.sim.fault", "phone", rc.Phone, "phase", ev.Phase.String(), "mode", string(mode))
		switch mode {
		case FaultDrop:
			return
		case FaultFail:
			ev.Status = api.StatusFail
		default:
			err = &modem.Error{Phone: rc.Phone, Phase: ev.Phase, Code: "injected_error"}
		}
	}
	if err == nil && ev.Status == api.StatusSuccess {
		m.mu.Lock()
		m.raf[rc.Phone] = rc.RAF
		m.mu.Unlock()
	}
	if notify == nil {
		m.logger.Warn("rcswitch.modem.sim.notify.unwired", "phone", rc.Phone)
		return
	}
	notify(ev, err)
}

func (m *Modems) later(fn func()) {
	if m.latency <= 0 {
		fn()
		return
	}
	m.clock.AfterFunc(m.latency, fn)
}
