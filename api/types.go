package api

import "fmt"

// RadioCapabilityVersion is the payload version stamped on every command.
const RadioCapabilityVersion = 1

// Phase tags every capability command and reply so replies can be matched to
// the protocol step that issued them.
type Phase int

const (
	// PhaseConfigured is the steady state outside of a reassignment.
	PhaseConfigured Phase = 0
	// PhaseStart asks a modem to prepare while still on its old capability.
	PhaseStart Phase = 1
	// PhaseApply commits the new capability.
	PhaseApply Phase = 2
	// PhaseUnsolRsp marks the unsolicited capability-changed notification.
	PhaseUnsolRsp Phase = 3
	// PhaseFinish carries the aggregate outcome so modems can roll back.
	PhaseFinish Phase = 4
)

func (p Phase) String() string {
	switch p {
	case PhaseConfigured:
		return "configured"
	case PhaseStart:
		return "start"
	case PhaseApply:
		return "apply"
	case PhaseUnsolRsp:
		return "unsol_rsp"
	case PhaseFinish:
		return "finish"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// CommandStatus is the status code carried in a capability command or
// notification.
type CommandStatus int

const (
	// StatusNone is sent with START and APPLY.
	StatusNone CommandStatus = 0
	// StatusSuccess reports success (FINISH outcome or notification).
	StatusSuccess CommandStatus = 1
	// StatusFail reports failure (FINISH outcome or notification).
	StatusFail CommandStatus = 2
)

func (s CommandStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSuccess:
		return "success"
	case StatusFail:
		return "fail"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// RadioCapability is the payload exchanged with a modem for every phase of a
// reassignment, and the body of the unsolicited capability-changed
// notification.
type RadioCapability struct {
	// Version is the payload version (RadioCapabilityVersion).
	Version int `json:"version"`
	// Phone is the logical phone index the payload refers to.
	Phone int `json:"phone"`
	// Session correlates the payload with the transaction that issued it.
	Session int32 `json:"session"`
	// Phase is the protocol step.
	Phase Phase `json:"phase"`
	// RAF is the radio access family requested or reported.
	RAF RadioAccessFamily `json:"raf"`
	// LogicalModemID identifies the logical modem independent of the physical radio.
	LogicalModemID string `json:"logical_modem_id"`
	// Status carries the FINISH outcome or the notification result.
	Status CommandStatus `json:"status"`
}

func (rc RadioCapability) String() string {
	return fmt.Sprintf("{phone=%d version=%d session=%d phase=%s raf=%s modem=%s status=%s}",
		rc.Phone, rc.Version, rc.Session, rc.Phase, rc.RAF, rc.LogicalModemID, rc.Status)
}

// ReassignRequest drives POST /v1/capability. Capabilities holds one entry per
// phone, index-aligned with the phone set.
type ReassignRequest struct {
	// Capabilities is the requested radio access family per phone.
	Capabilities []RadioAccessFamily `json:"capabilities"`
}

// ReassignResponse acknowledges an accepted reassignment.
type ReassignResponse struct {
	// TxnID identifies the transaction in logs and outcome events.
	TxnID string `json:"txn_id"`
	// Session is the session id stamped on every modem command.
	Session int32 `json:"session"`
}

// PhoneStatus reports one row of the transaction table.
type PhoneStatus struct {
	// Phone is the logical phone index.
	Phone int `json:"phone"`
	// LogicalModemID is the modem id sent with every command.
	LogicalModemID string `json:"logical_modem_id"`
	// RAF is the capability currently committed on the phone.
	RAF RadioAccessFamily `json:"raf"`
	// Status is the per-phone transaction status (idle, starting, ...).
	Status string `json:"status"`
	// OldRAF is the capability held before the active transaction.
	OldRAF RadioAccessFamily `json:"old_raf,omitempty"`
	// NewRAF is the capability requested by the active transaction.
	NewRAF RadioAccessFamily `json:"new_raf,omitempty"`
}

// StatusResponse drives GET /v1/capability.
type StatusResponse struct {
	// Active reports whether a reassignment is in flight.
	Active bool `json:"active"`
	// TxnID identifies the active transaction, if any.
	TxnID string `json:"txn_id,omitempty"`
	// Session is the active session id, if any.
	Session int32 `json:"session,omitempty"`
	// Phase is the protocol step the active transaction is waiting on.
	Phase string `json:"phase,omitempty"`
	// Pending is the number of phones yet to acknowledge the current phase.
	Pending int `json:"pending"`
	// StartedAtUnixMs is when the active transaction started.
	StartedAtUnixMs int64 `json:"started_at_unix_ms,omitempty"`
	// Phones lists every phone in index order.
	Phones []PhoneStatus `json:"phones"`
}

// NotifyRequest drives POST /v1/capability/notify, the ingress for
// unsolicited capability-changed notifications from remote modem agents.
type NotifyRequest struct {
	// Capability is the capability the modem reports as committed.
	Capability RadioCapability `json:"capability"`
	// Error is set when the modem failed to commit the capability.
	Error string `json:"error,omitempty"`
}

const (
	// OutcomeEventDone is published when every phone committed its new capability.
	OutcomeEventDone = "radio_capability.done"
	// OutcomeEventFailed is published when the reassignment failed.
	OutcomeEventFailed = "radio_capability.failed"
)

// Outcome is the single system-wide result of a reassignment.
type Outcome struct {
	// ID is the outcome sequence number assigned by the publisher.
	ID int64 `json:"id,omitempty"`
	// Event is OutcomeEventDone or OutcomeEventFailed.
	Event string `json:"event"`
	// TxnID identifies the transaction.
	TxnID string `json:"txn_id"`
	// Session is the session id of the transaction.
	Session int32 `json:"session"`
	// Success reports the aggregate outcome.
	Success bool `json:"success"`
	// Reason describes how a failed transaction ended (phase_failure, timeout).
	Reason string `json:"reason,omitempty"`
	// Capabilities maps phone index to committed capability; only set on success.
	Capabilities map[int]RadioAccessFamily `json:"capabilities,omitempty"`
	// StartedAtUnixMs is when the transaction started.
	StartedAtUnixMs int64 `json:"started_at_unix_ms"`
	// CompletedAtUnixMs is when the transaction completed.
	CompletedAtUnixMs int64 `json:"completed_at_unix_ms"`
}

// HealthResponse drives GET /v1/healthz.
type HealthResponse struct {
	// Status is "ok" when the server is serving.
	Status string `json:"status"`
	// Phones is the number of phones under coordination.
	Phones int `json:"phones"`
	// Active reports whether a reassignment is in flight.
	Active bool `json:"active"`
}

// ErrorResponse is the JSON error body returned by the HTTP API.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}
