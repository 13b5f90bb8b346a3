package capswitch

import "fmt"

// EndpointStatus is the per-phone progress within a transaction.
type EndpointStatus int

const (
	StatusIdle EndpointStatus = iota
	StatusStarting
	StatusStarted
	StatusApplying
	StatusSuccess
	StatusFail
)

func (s EndpointStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusStarted:
		return "started"
	case StatusApplying:
		return "applying"
	case StatusSuccess:
		return "success"
	case StatusFail:
		return "fail"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}
