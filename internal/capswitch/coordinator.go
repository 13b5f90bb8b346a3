// Package capswitch coordinates radio capability reassignment across every
// phone/modem pair as a four-phase transaction: START, APPLY, the unsolicited
// capability-changed notification and FINISH. At most one transaction is
// active; every inbound reply carries the session id of the transaction that
// issued it and anything else is discarded as stale. A watchdog forces a
// failed completion when modems stop answering.
package capswitch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/clock"
	"pkt.systems/rcswitch/internal/correlation"
	"pkt.systems/rcswitch/internal/loggingutil"
	"pkt.systems/rcswitch/internal/modem"
	"pkt.systems/rcswitch/internal/phone"
	"pkt.systems/rcswitch/internal/wakelock"
)

// DefaultTimeout is the transaction deadline armed at acceptance.
const DefaultTimeout = 45 * time.Second

// Publisher receives the single outcome of every transaction.
type Publisher interface {
	Publish(ctx context.Context, o api.Outcome) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, o api.Outcome) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, o api.Outcome) error {
	return f(ctx, o)
}

// Config wires the coordinator's collaborators.
type Config struct {
	Phones    *phone.Set
	Channel   modem.Channel
	Publisher Publisher
	// WakeLock is held from acceptance to completion. Nil disables it.
	WakeLock wakelock.Lock
	// Clock drives the watchdog. Nil uses the real clock.
	Clock clock.Clock
	// Resolve maps inbound phone ids onto table indices (shared-modem
	// aliases). Nil is the identity.
	Resolve func(int) int
	// Timeout bounds START through the last notification. Zero uses DefaultTimeout.
	Timeout time.Duration
	// FinishTimeout bounds the FINISH phase. Zero uses Timeout.
	FinishTimeout time.Duration
	Logger        pslog.Logger
}

// Coordinator owns the transaction table. All mutations go through Handle,
// serialized by one mutex; commands, publishing and logging of their results
// run after the mutex is released so a channel may reply synchronously.
type Coordinator struct {
	phones        *phone.Set
	channel       modem.Channel
	publisher     Publisher
	wakelock      wakelock.Lock
	clock         clock.Clock
	resolve       func(int) int
	timeout       time.Duration
	finishTimeout time.Duration
	logger        pslog.Logger
	metrics       *capswitchMetrics
	tracer        trace.Tracer

	mu       sync.Mutex
	session  int32
	timerSeq uint64
	active   *txn
	closed   bool
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Phones == nil || cfg.Phones.Len() == 0 {
		return nil, errors.New("capswitch: phones required")
	}
	if cfg.Channel == nil {
		return nil, errors.New("capswitch: modem channel required")
	}
	if cfg.Timeout < 0 || cfg.FinishTimeout < 0 {
		return nil, errors.New("capswitch: timeouts must be >= 0")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "capswitch")
	lock := cfg.WakeLock
	if lock == nil {
		lock = wakelock.Noop{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	resolve := cfg.Resolve
	if resolve == nil {
		resolve = func(id int) int { return id }
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	finishTimeout := cfg.FinishTimeout
	if finishTimeout == 0 {
		finishTimeout = timeout
	}
	return &Coordinator{
		phones:        cfg.Phones,
		channel:       cfg.Channel,
		publisher:     cfg.Publisher,
		wakelock:      lock,
		clock:         clk,
		resolve:       resolve,
		timeout:       timeout,
		finishTimeout: finishTimeout,
		logger:        logger,
		metrics:       newCapswitchMetrics(logger),
		tracer:        otel.Tracer("pkt.systems/rcswitch/capswitch"),
		session:       rand.Int32(),
	}, nil
}

// Phones returns the phone set under coordination.
func (c *Coordinator) Phones() *phone.Set { return c.phones }

// RequestReassignment starts a transaction moving phone i to targets[i]. The
// request is accepted iff the returned error is nil; the result is only
// reported through the Publisher. ctx supplies the correlation id and trace
// parent but its cancellation does not abort the transaction.
func (c *Coordinator) RequestReassignment(ctx context.Context, targets []api.RadioAccessFamily) (Ticket, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	n := c.phones.Len()
	if len(targets) != n {
		return Ticket{}, fmt.Errorf("%w: got %d capabilities for %d phones", ErrInvalidTargets, len(targets), n)
	}
	for i, raf := range targets {
		if raf == 0 {
			return Ticket{}, fmt.Errorf("%w: phone %d has no capability", ErrInvalidTargets, i)
		}
		if !raf.Valid() {
			return Ticket{}, fmt.Errorf("%w: phone %d capability %s has unknown bits", ErrInvalidTargets, i, raf)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Ticket{}, ErrClosed
	}
	if t := c.active; t != nil {
		c.mu.Unlock()
		c.logger.Debug("rcswitch.txn.rejected", "reason", "active", "active_txn_id", t.id)
		return Ticket{}, ErrTransactionActive
	}
	if err := c.wakelock.Acquire(); err != nil {
		c.mu.Unlock()
		return Ticket{}, fmt.Errorf("capswitch: acquire wake lock: %w", err)
	}
	c.session++
	t := &txn{
		id:        xid.New().String(),
		session:   c.session,
		statuses:  make([]EndpointStatus, n),
		oldRAF:    make([]api.RadioAccessFamily, n),
		newRAF:    make([]api.RadioAccessFamily, n),
		modemIDs:  make([]string, n),
		acked:     make([]bool, n),
		startedAt: c.clock.Now(),
	}
	for i := range n {
		p := c.phones.Phone(i)
		t.oldRAF[i] = p.RadioAccessFamily()
		t.newRAF[i] = targets[i]
		t.modemIDs[i] = p.LogicalModemID()
	}
	t.logger = c.logger.With("txn_id", t.id, "session", t.session)
	if cid := correlation.ID(ctx); cid != "" {
		t.logger = t.logger.With("cid", cid)
	}
	t.ctx, t.span = c.tracer.Start(context.WithoutCancel(ctx), "rcswitch.capability.reassign", trace.WithSpanKind(trace.SpanKindInternal))
	t.span.SetAttributes(
		attribute.String("rcswitch.txn_id", t.id),
		attribute.Int64("rcswitch.session", int64(t.session)),
		attribute.Int("rcswitch.phones", n),
	)
	t.enterPhase(api.PhaseStart, n)
	fx := &effects{ctx: t.ctx, logger: t.logger}
	for i := range n {
		t.statuses[i] = StatusStarting
		fx.sends = append(fx.sends, t.command(i, api.PhaseStart, t.oldRAF[i], api.StatusNone))
	}
	c.active = t
	c.armWatchdog(t, c.timeout)
	c.mu.Unlock()

	c.metrics.recordStarted(t.ctx)
	c.metrics.recordWakelock(t.ctx, 1)
	t.logger.Info("rcswitch.txn.start",
		"phones", n,
		"old", rafStrings(t.oldRAF),
		"new", rafStrings(t.newRAF),
		"timeout", c.timeout,
	)
	c.run(fx)
	return Ticket{TxnID: t.id, Session: t.session, StartedAt: t.startedAt}, nil
}

// IsTransactionActive reports whether a reassignment is in flight.
func (c *Coordinator) IsTransactionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Snapshot returns a copy of the transaction table and committed capabilities.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.phones.Len()
	s := Snapshot{Endpoints: make([]EndpointSnapshot, n)}
	t := c.active
	if t != nil {
		s.Active = true
		s.TxnID = t.id
		s.Session = t.session
		s.Phase = t.phase
		s.Pending = t.pending
		s.StartedAt = t.startedAt
	}
	for i := range n {
		p := c.phones.Phone(i)
		e := EndpointSnapshot{
			Phone:          i,
			LogicalModemID: p.LogicalModemID(),
			RAF:            p.RadioAccessFamily(),
			Status:         StatusIdle,
		}
		if t != nil {
			e.Status = t.statuses[i]
			e.OldRAF = t.oldRAF[i]
			e.NewRAF = t.newRAF[i]
		}
		s.Endpoints[i] = e
	}
	return s
}

// Notify delivers an unsolicited capability-changed notification. Its
// signature matches modem.NotifyFunc.
func (c *Coordinator) Notify(rc api.RadioCapability, err error) {
	c.Handle(Notification{Capability: rc, Err: err})
}

// Handle applies one inbound event atomically.
func (c *Coordinator) Handle(ev Event) {
	c.mu.Lock()
	fx := c.apply(ev)
	c.mu.Unlock()
	c.run(fx)
}

// Close rejects further requests and force-fails the active transaction.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var fx *effects
	if t := c.active; t != nil {
		t.logger.Warn("rcswitch.txn.shutdown", "phase", t.phase.String(), "pending", t.pending)
		fx = &effects{ctx: t.ctx, logger: t.logger}
		c.issueFinish(t, fx, api.StatusFail)
		fx.done = c.complete(t, ReasonShutdown)
	}
	c.mu.Unlock()
	c.run(fx)
}

// effects are computed under the mutex and executed after it is released.
type effects struct {
	ctx    context.Context
	logger pslog.Logger
	sends  []api.RadioCapability
	done   *completion
}

type completion struct {
	outcome  api.Outcome
	span     trace.Span
	duration time.Duration
}

func (c *Coordinator) apply(ev Event) *effects {
	switch ev := ev.(type) {
	case StartResponse:
		return c.onStart(ev)
	case ApplyResponse:
		return c.onApply(ev)
	case Notification:
		return c.onNotification(ev)
	case FinishResponse:
		return c.onFinish(ev)
	case TimeoutFired:
		return c.onTimeout(ev)
	default:
		c.logger.Warn("rcswitch.txn.event.unknown", "event", fmt.Sprintf("%T", ev))
		return nil
	}
}

// locate matches an inbound message against the active transaction and maps
// its phone id onto a table index. Mismatches are recorded as stale.
func (c *Coordinator) locate(kind string, rc api.RadioCapability, phase api.Phase) (*txn, int, bool) {
	t := c.active
	switch {
	case t == nil:
		c.stale(kind, rc, "no_transaction")
		return nil, 0, false
	case rc.Session != t.session:
		c.stale(kind, rc, "session_mismatch")
		return nil, 0, false
	case t.phase != phase:
		c.stale(kind, rc, "phase_mismatch")
		return nil, 0, false
	}
	idx := c.resolve(rc.Phone)
	if idx < 0 || idx >= len(t.statuses) {
		c.stale(kind, rc, "unknown_phone")
		return nil, 0, false
	}
	return t, idx, true
}

func (c *Coordinator) stale(kind string, rc api.RadioCapability, reason string) {
	var active int32
	if c.active != nil {
		active = c.active.session
	}
	c.metrics.recordStale(context.Background(), kind)
	c.logger.Debug("rcswitch.txn.stale",
		"event", kind,
		"reason", reason,
		"phone", rc.Phone,
		"session", rc.Session,
		"active_session", active,
	)
}

func (c *Coordinator) onStart(ev StartResponse) *effects {
	rc := reply(ev.Request, ev.Response, ev.Err)
	t, idx, ok := c.locate("start_response", rc, api.PhaseStart)
	if !ok {
		return nil
	}
	if !t.ack(idx) {
		c.stale("start_response", rc, "duplicate")
		return nil
	}
	if ev.Err != nil {
		c.metrics.recordCommandFailure(t.ctx, api.PhaseStart)
		t.fail(idx)
		t.logger.Warn("rcswitch.txn.start.failed", "phone", idx, "pending", t.pending, "error", ev.Err)
	} else if t.statuses[idx] != StatusFail {
		t.statuses[idx] = StatusStarted
		t.logger.Debug("rcswitch.txn.start.ok", "phone", idx, "pending", t.pending)
	}
	if t.pending > 0 {
		return nil
	}
	fx := &effects{ctx: t.ctx, logger: t.logger}
	if t.anyFailed() {
		t.logger.Warn("rcswitch.txn.start.aborted", "statuses", statusStrings(t.statuses))
		sent := c.issueFinish(t, fx, api.StatusFail)
		t.enterPhase(api.PhaseFinish, sent)
		t.span.AddEvent("rcswitch.phase.finish", trace.WithAttributes(attribute.Bool("rcswitch.success", false)))
		if sent == 0 {
			fx.done = c.complete(t, "")
		}
		return fx
	}
	n := len(t.statuses)
	t.enterPhase(api.PhaseApply, n)
	t.span.AddEvent("rcswitch.phase.apply")
	for i := range n {
		t.statuses[i] = StatusApplying
		fx.sends = append(fx.sends, t.command(i, api.PhaseApply, t.newRAF[i], api.StatusNone))
	}
	t.logger.Info("rcswitch.txn.apply", "phones", n)
	return fx
}

func (c *Coordinator) onApply(ev ApplyResponse) *effects {
	rc := reply(ev.Request, ev.Response, ev.Err)
	t, idx, ok := c.locate("apply_response", rc, api.PhaseApply)
	if !ok {
		return nil
	}
	if ev.Err == nil {
		t.logger.Debug("rcswitch.txn.apply.accepted", "phone", idx)
		return nil
	}
	c.metrics.recordCommandFailure(t.ctx, api.PhaseApply)
	if t.fail(idx) {
		t.logger.Warn("rcswitch.txn.apply.failed", "phone", idx, "error", ev.Err)
	}
	return nil
}

func (c *Coordinator) onNotification(ev Notification) *effects {
	rc := ev.Capability
	t, idx, ok := c.locate("notification", rc, api.PhaseApply)
	if !ok {
		return nil
	}
	if !t.ack(idx) {
		c.stale("notification", rc, "duplicate")
		return nil
	}
	switch {
	case ev.Err != nil || rc.Status == api.StatusFail:
		t.fail(idx)
		t.logger.Warn("rcswitch.txn.notify.failed", "phone", idx, "status", rc.Status.String(), "error", ev.Err, "pending", t.pending)
	case t.statuses[idx] == StatusFail:
		t.logger.Debug("rcswitch.txn.notify.after_fail", "phone", idx, "pending", t.pending)
	default:
		t.statuses[idx] = StatusSuccess
		committed := t.newRAF[idx]
		if rc.RAF != 0 && rc.RAF.Valid() {
			if rc.RAF != committed {
				t.logger.Warn("rcswitch.txn.notify.raf_mismatch", "phone", idx, "requested", committed.String(), "reported", rc.RAF.String())
			}
			committed = rc.RAF
		}
		c.phones.Phone(idx).SetRadioAccessFamily(committed)
		t.logger.Debug("rcswitch.txn.notify.ok", "phone", idx, "raf", committed.String(), "pending", t.pending)
	}
	if t.pending > 0 {
		return nil
	}
	t.stopWatchdog()
	success := !t.anyFailed()
	status := api.StatusSuccess
	if !success {
		status = api.StatusFail
	}
	fx := &effects{ctx: t.ctx, logger: t.logger}
	sent := c.issueFinish(t, fx, status)
	t.enterPhase(api.PhaseFinish, sent)
	t.span.AddEvent("rcswitch.phase.finish", trace.WithAttributes(attribute.Bool("rcswitch.success", success)))
	t.logger.Info("rcswitch.txn.finish", "success", success, "phones", sent)
	if sent == 0 {
		fx.done = c.complete(t, "")
		return fx
	}
	c.armWatchdog(t, c.finishTimeout)
	return fx
}

func (c *Coordinator) onFinish(ev FinishResponse) *effects {
	rc := reply(ev.Request, ev.Response, ev.Err)
	t, idx, ok := c.locate("finish_response", rc, api.PhaseFinish)
	if !ok {
		return nil
	}
	if !t.ack(idx) {
		c.stale("finish_response", rc, "duplicate")
		return nil
	}
	if ev.Err != nil {
		c.metrics.recordCommandFailure(t.ctx, api.PhaseFinish)
		t.fail(idx)
		t.logger.Warn("rcswitch.txn.finish.failed", "phone", idx, "error", ev.Err)
	}
	if t.pending > 0 {
		return nil
	}
	return &effects{ctx: t.ctx, logger: t.logger, done: c.complete(t, "")}
}

func (c *Coordinator) onTimeout(ev TimeoutFired) *effects {
	t := c.active
	if t == nil || ev.Session != t.session || (ev.timer != 0 && ev.timer != t.timerSeq) {
		c.metrics.recordStale(context.Background(), "timeout")
		c.logger.Debug("rcswitch.txn.timeout.stale", "session", ev.Session)
		return nil
	}
	c.metrics.recordTimeout(t.ctx, t.phase)
	t.logger.Warn("rcswitch.txn.timeout",
		"phase", t.phase.String(),
		"pending", t.pending,
		"statuses", statusStrings(t.statuses),
	)
	fx := &effects{ctx: t.ctx, logger: t.logger}
	c.issueFinish(t, fx, api.StatusFail)
	fx.done = c.complete(t, ReasonTimeout)
	return fx
}

// issueFinish queues FINISH to every endpoint not already failed. A failed
// aggregate marks each addressed endpoint FAIL and tells it to restore its
// old capability.
func (c *Coordinator) issueFinish(t *txn, fx *effects, status api.CommandStatus) int {
	sent := 0
	for i, s := range t.statuses {
		if s == StatusFail {
			continue
		}
		raf := t.newRAF[i]
		if status == api.StatusFail {
			raf = t.oldRAF[i]
			t.statuses[i] = StatusFail
		}
		fx.sends = append(fx.sends, t.command(i, api.PhaseFinish, raf, status))
		sent++
	}
	return sent
}

// complete ends t: it stops the watchdog, releases the wake lock and clears
// the active transaction. The outcome is published by run.
func (c *Coordinator) complete(t *txn, reason string) *completion {
	t.stopWatchdog()
	now := c.clock.Now()
	success := !t.anyFailed()
	o := api.Outcome{
		TxnID:             t.id,
		Session:           t.session,
		Success:           success,
		StartedAtUnixMs:   t.startedAt.UnixMilli(),
		CompletedAtUnixMs: now.UnixMilli(),
	}
	if success {
		o.Event = api.OutcomeEventDone
		o.Capabilities = make(map[int]api.RadioAccessFamily, c.phones.Len())
		for i := range c.phones.Len() {
			o.Capabilities[i] = c.phones.Phone(i).RadioAccessFamily()
		}
	} else {
		o.Event = api.OutcomeEventFailed
		if reason == "" {
			reason = ReasonEndpointFailure
		}
		o.Reason = reason
	}
	t.logger.Debug("rcswitch.txn.final_statuses", "statuses", statusStrings(t.statuses))
	if err := c.wakelock.Release(); err != nil {
		t.logger.Warn("rcswitch.wakelock.release.failed", "error", err)
	}
	c.active = nil
	return &completion{outcome: o, span: t.span, duration: now.Sub(t.startedAt)}
}

func (c *Coordinator) armWatchdog(t *txn, d time.Duration) {
	t.stopWatchdog()
	c.timerSeq++
	seq := c.timerSeq
	session := t.session
	t.timerSeq = seq
	t.watchdog = c.clock.AfterFunc(d, func() {
		c.Handle(TimeoutFired{Session: session, timer: seq})
	})
}

func (c *Coordinator) run(fx *effects) {
	if fx == nil {
		return
	}
	for _, rc := range fx.sends {
		c.send(fx.ctx, fx.logger, rc)
	}
	if fx.done != nil {
		c.finalize(fx.ctx, fx.logger, fx.done)
	}
}

func (c *Coordinator) send(ctx context.Context, logger pslog.Logger, rc api.RadioCapability) {
	c.metrics.recordCommand(ctx, rc.Phase)
	logger.Debug("rcswitch.modem.command",
		"phone", rc.Phone,
		"phase", rc.Phase.String(),
		"raf", rc.RAF.String(),
		"status", rc.Status.String(),
	)
	req := rc
	c.channel.SetRadioCapability(ctx, rc, func(resp api.RadioCapability, err error) {
		switch req.Phase {
		case api.PhaseStart:
			c.Handle(StartResponse{Request: req, Response: resp, Err: err})
		case api.PhaseApply:
			c.Handle(ApplyResponse{Request: req, Response: resp, Err: err})
		case api.PhaseFinish:
			c.Handle(FinishResponse{Request: req, Response: resp, Err: err})
		}
	})
}

func (c *Coordinator) finalize(ctx context.Context, logger pslog.Logger, done *completion) {
	o := done.outcome
	c.metrics.recordWakelock(ctx, -1)
	c.metrics.recordCompleted(ctx, o.Success, o.Reason, done.duration)
	if done.span != nil {
		done.span.SetAttributes(attribute.Bool("rcswitch.success", o.Success))
		if o.Success {
			done.span.SetStatus(codes.Ok, "")
		} else {
			done.span.SetStatus(codes.Error, o.Reason)
		}
		done.span.End()
	}
	if o.Success {
		logger.Info("rcswitch.txn.complete", "success", true, "duration", done.duration, "capabilities", capabilityStrings(o.Capabilities))
	} else {
		logger.Warn("rcswitch.txn.complete", "success", false, "reason", o.Reason, "duration", done.duration)
	}
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, o); err != nil {
		logger.Warn("rcswitch.outcome.publish.failed", "error", err)
	}
}

func (t *txn) stopWatchdog() {
	if t.watchdog != nil {
		t.watchdog.Stop()
		t.watchdog = nil
	}
	t.timerSeq = 0
}

func statusStrings(statuses []EndpointStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = s.String()
	}
	return out
}

func rafStrings(rafs []api.RadioAccessFamily) []string {
	out := make([]string, len(rafs))
	for i, r := range rafs {
		out[i] = r.String()
	}
	return out
}

func capabilityStrings(m map[int]api.RadioAccessFamily) []string {
	out := make([]string, len(m))
	for i := range out {
		out[i] = m[i].String()
	}
	return out
}
