package capswitch

import "pkt.systems/rcswitch/api"

// Event is an inbound message applied to the transaction table through
// Coordinator.Handle. The set of events is closed.
type Event interface {
	event()
}

// StartResponse is the reply to a START command. Request is the command as
// sent; Response is what the modem returned, zero when Err is set.
type StartResponse struct {
	Request  api.RadioCapability
	Response api.RadioCapability
	Err      error
}

// ApplyResponse is the reply to an APPLY command. Success only means the
// modem accepted the command; the outcome arrives as a Notification.
type ApplyResponse struct {
	Request  api.RadioCapability
	Response api.RadioCapability
	Err      error
}

// Notification is the unsolicited capability-changed report sent by a modem
// once it has committed (or failed to commit) the applied capability.
type Notification struct {
	Capability api.RadioCapability
	Err        error
}

// FinishResponse is the reply to a FINISH command.
type FinishResponse struct {
	Request  api.RadioCapability
	Response api.RadioCapability
	Err      error
}

// TimeoutFired is delivered by the watchdog armed for Session.
type TimeoutFired struct {
	Session int32

	// timer identifies the watchdog instance; zero matches any watchdog of
	// the session.
	timer uint64
}

func (StartResponse) event()  {}
func (ApplyResponse) event()  {}
func (Notification) event()   {}
func (FinishResponse) event() {}
func (TimeoutFired) event()   {}

// reply returns the phone and session a command reply refers to. Transport
// failures carry no usable response, so the request identifies them.
func reply(req, resp api.RadioCapability, err error) api.RadioCapability {
	if err != nil {
		return req
	}
	if resp.Session == 0 && resp.Phase == 0 {
		return req
	}
	return resp
}
