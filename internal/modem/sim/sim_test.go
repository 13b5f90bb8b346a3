package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/clock"
	"pkt.systems/rcswitch/internal/modem"
)

type reply struct {
	rc  api.RadioCapability
	err error
}

func collect(replies *[]reply) modem.ReplyFunc {
	return func(rc api.RadioCapability, err error) {
		*replies = append(*replies, reply{rc: rc, err: err})
	}
}

func TestParseFault(t *testing.T) {
	f, err := ParseFault("1:start")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Phone != 1 || f.Phase != api.PhaseStart || f.Mode != FaultError {
		t.Fatalf("unexpected fault %+v", f)
	}
	f, err = ParseFault("2:unsol:drop")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Phase != api.PhaseUnsolRsp || f.Mode != FaultDrop {
		t.Fatalf("unexpected fault %+v", f)
	}
	for _, bad := range []string{"1", "x:start", "1:bogus", "1:start:explode", "1:2:3:4"} {
		if _, err := ParseFault(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestApplyNotifiesAndCommits(t *testing.T) {
	m, err := New(Config{Phones: 1, Initial: []api.RadioAccessFamily{api.RAFGSM}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var notes []reply
	m.SetNotifyFunc(func(rc api.RadioCapability, err error) {
		notes = append(notes, reply{rc: rc, err: err})
	})
	var replies []reply
	ctx := context.Background()
	m.SetRadioCapability(ctx, api.RadioCapability{Phone: 0, Session: 7, Phase: api.PhaseStart, RAF: api.RAFGSM}, collect(&replies))
	m.SetRadioCapability(ctx, api.RadioCapability{Phone: 0, Session: 7, Phase: api.PhaseApply, RAF: api.RAFLTE}, collect(&replies))
	if len(replies) != 2 || replies[0].err != nil || replies[1].err != nil {
		t.Fatalf("unexpected replies %+v", replies)
	}
	if len(notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notes))
	}
	note := notes[0]
	if note.err != nil || note.rc.Phase != api.PhaseUnsolRsp || note.rc.Status != api.StatusSuccess || note.rc.Session != 7 {
		t.Fatalf("unexpected notification %+v", note)
	}
	if got := m.RadioAccessFamily(0); got != api.RAFLTE {
		t.Fatalf("expected LTE committed, got %s", got)
	}
	m.SetRadioCapability(ctx, api.RadioCapability{Phone: 0, Session: 7, Phase: api.PhaseFinish, Status: api.StatusFail}, collect(&replies))
	if got := m.RadioAccessFamily(0); got != api.RAFGSM {
		t.Fatalf("expected rollback to GSM, got %s", got)
	}
	if len(m.History()) != 3 {
		t.Fatalf("expected 3 commands in history, got %d", len(m.History()))
	}
}

func TestInjectedFaults(t *testing.T) {
	m, err := New(Config{Phones: 2, Faults: []Fault{
		{Phone: 1, Phase: api.PhaseStart, Mode: FaultError},
		{Phone: 0, Phase: api.PhaseUnsolRsp, Mode: FaultFail},
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var notes []reply
	m.SetNotifyFunc(func(rc api.RadioCapability, err error) {
		notes = append(notes, reply{rc: rc, err: err})
	})
	var replies []reply
	m.SetRadioCapability(context.Background(), api.RadioCapability{Phone: 1, Phase: api.PhaseStart}, collect(&replies))
	var modemErr *modem.Error
	if len(replies) != 1 || !errors.As(replies[0].err, &modemErr) || modemErr.Phone != 1 {
		t.Fatalf("expected injected modem error, got %+v", replies)
	}
	m.SetRadioCapability(context.Background(), api.RadioCapability{Phone: 0, Phase: api.PhaseApply, RAF: api.RAFNR}, collect(&replies))
	if len(notes) != 1 || notes[0].rc.Status != api.StatusFail || notes[0].err != nil {
		t.Fatalf("expected fail-status notification, got %+v", notes)
	}
	if m.RadioAccessFamily(0) == api.RAFNR {
		t.Fatal("failed notification must not commit")
	}
	m.ClearFaults()
	replies = nil
	m.SetRadioCapability(context.Background(), api.RadioCapability{Phone: 1, Phase: api.PhaseStart}, collect(&replies))
	if len(replies) != 1 || replies[0].err != nil {
		t.Fatalf("expected clean reply after clearing faults, got %+v", replies)
	}
}

func TestDropNeverReplies(t *testing.T) {
	m, err := New(Config{Phones: 1, Faults: []Fault{{Phone: 0, Phase: api.PhaseFinish, Mode: FaultDrop}}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var replies []reply
	m.SetRadioCapability(context.Background(), api.RadioCapability{Phone: 0, Phase: api.PhaseFinish}, collect(&replies))
	if len(replies) != 0 {
		t.Fatalf("expected no reply, got %+v", replies)
	}
}

func TestUnknownPhoneAndCancelledContext(t *testing.T) {
	m, err := New(Config{Phones: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var replies []reply
	m.SetRadioCapability(context.Background(), api.RadioCapability{Phone: 3}, collect(&replies))
	if len(replies) != 1 || !errors.Is(replies[0].err, modem.ErrUnknownPhone) {
		t.Fatalf("expected unknown phone, got %+v", replies)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.SetRadioCapability(ctx, api.RadioCapability{Phone: 0}, collect(&replies))
	if len(replies) != 2 || !errors.Is(replies[1].err, context.Canceled) {
		t.Fatalf("expected context error, got %+v", replies)
	}
}

func TestLatencyUsesClock(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	m, err := New(Config{Phones: 1, Latency: time.Second, Clock: clk})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var notes int
	m.SetNotifyFunc(func(api.RadioCapability, error) { notes++ })
	var replies []reply
	m.SetRadioCapability(context.Background(), api.RadioCapability{Phone: 0, Phase: api.PhaseApply, RAF: api.RAFLTE}, collect(&replies))
	if len(replies) != 0 {
		t.Fatal("reply delivered before latency elapsed")
	}
	clk.Advance(time.Second)
	if len(replies) != 1 || notes != 0 {
		t.Fatalf("expected reply only, got replies=%d notes=%d", len(replies), notes)
	}
	clk.Advance(time.Second)
	if notes != 1 {
		t.Fatalf("expected notification after second tick, got %d", notes)
	}
}
