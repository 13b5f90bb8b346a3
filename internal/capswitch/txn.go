package capswitch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/clock"
)

// txn is the working state of one in-flight reassignment. Every slice is
// index-aligned with the phone set.
type txn struct {
	id        string
	session   int32
	phase     api.Phase
	statuses  []EndpointStatus
	oldRAF    []api.RadioAccessFamily
	newRAF    []api.RadioAccessFamily
	modemIDs  []string
	acked     []bool
	pending   int
	startedAt time.Time

	watchdog clock.Timer
	timerSeq uint64

	ctx    context.Context
	span   trace.Span
	logger pslog.Logger
}

func (t *txn) anyFailed() bool {
	for _, s := range t.statuses {
		if s == StatusFail {
			return true
		}
	}
	return false
}

// fail marks phone as failed. FAIL is sticky, so it reports whether the
// status changed.
func (t *txn) fail(phone int) bool {
	if t.statuses[phone] == StatusFail {
		return false
	}
	t.statuses[phone] = StatusFail
	return true
}

// enterPhase resets the per-phase acknowledgement bookkeeping.
func (t *txn) enterPhase(phase api.Phase, pending int) {
	t.phase = phase
	t.pending = pending
	clear(t.acked)
}

// ack records a reply from phone in the current phase. Duplicates report
// false and leave pending untouched.
func (t *txn) ack(phone int) bool {
	if t.acked[phone] {
		return false
	}
	t.acked[phone] = true
	if t.pending > 0 {
		t.pending--
	}
	return true
}

func (t *txn) command(phone int, phase api.Phase, raf api.RadioAccessFamily, status api.CommandStatus) api.RadioCapability {
	return api.RadioCapability{
		Version:        api.RadioCapabilityVersion,
		Phone:          phone,
		Session:        t.session,
		Phase:          phase,
		RAF:            raf,
		LogicalModemID: t.modemIDs[phone],
		Status:         status,
	}
}

// Ticket identifies an accepted reassignment.
type Ticket struct {
	TxnID     string
	Session   int32
	StartedAt time.Time
}

// EndpointSnapshot is one row of the transaction table.
type EndpointSnapshot struct {
	Phone          int
	LogicalModemID string
	RAF            api.RadioAccessFamily
	Status         EndpointStatus
	OldRAF         api.RadioAccessFamily
	NewRAF         api.RadioAccessFamily
}

// Snapshot is a read-only copy of the coordinator state.
type Snapshot struct {
	Active    bool
	TxnID     string
	Session   int32
	Phase     api.Phase
	Pending   int
	StartedAt time.Time
	Endpoints []EndpointSnapshot
}

// StatusResponse renders the snapshot in its API shape.
func (s Snapshot) StatusResponse() api.StatusResponse {
	out := api.StatusResponse{
		Active:  s.Active,
		TxnID:   s.TxnID,
		Session: s.Session,
		Pending: s.Pending,
		Phones:  make([]api.PhoneStatus, len(s.Endpoints)),
	}
	if s.Active {
		out.Phase = s.Phase.String()
		out.StartedAtUnixMs = s.StartedAt.UnixMilli()
	}
	for i, e := range s.Endpoints {
		out.Phones[i] = api.PhoneStatus{
			Phone:          e.Phone,
			LogicalModemID: e.LogicalModemID,
			RAF:            e.RAF,
			Status:         e.Status.String(),
			OldRAF:         e.OldRAF,
			NewRAF:         e.NewRAF,
		}
	}
	return out
}
