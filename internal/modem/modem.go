// Package modem defines the command channel between the capability
// coordinator and the modems backing each phone.
package modem

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/rcswitch/api"
)

// ReplyFunc receives the reply to one command. It is invoked exactly once,
// possibly synchronously from SetRadioCapability or from another goroutine.
// A non-nil err is a transport or modem failure.
type ReplyFunc func(resp api.RadioCapability, err error)

// NotifyFunc receives unsolicited capability-changed notifications.
type NotifyFunc func(rc api.RadioCapability, err error)

// Channel sends capability commands to modems. Implementations must not
// block on the modem; the reply is delivered through done.
type Channel interface {
	SetRadioCapability(ctx context.Context, rc api.RadioCapability, done ReplyFunc)
}

// NotificationSource is implemented by channels that deliver unsolicited
// notifications in-process. Channels whose modems notify over the network
// route through the HTTP notify endpoint instead.
type NotificationSource interface {
	SetNotifyFunc(NotifyFunc)
}

// ErrUnknownPhone is returned when a command addresses a phone the channel
// has no modem for.
var ErrUnknownPhone = errors.New("modem: unknown phone")

// Error is a failure reported by a modem for one command.
type Error struct {
	Phone int
	Phase api.Phase
	Code  string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("modem: phone %d %s failed", e.Phone, e.Phase)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ParsePhase maps a phase name (start, apply, unsol, finish) or number to a Phase.
func ParsePhase(raw string) (api.Phase, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "start":
		return api.PhaseStart, nil
	case "2", "apply":
		return api.PhaseApply, nil
	case "3", "unsol", "unsol_rsp", "notify":
		return api.PhaseUnsolRsp, nil
	case "4", "finish":
		return api.PhaseFinish, nil
	default:
		return 0, fmt.Errorf("modem: unknown phase %q", raw)
	}
}
