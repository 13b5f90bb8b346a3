package inprocess_test

import (
	"context"
	"testing"
	"time"

	"pkt.systems/rcswitch"
	"pkt.systems/rcswitch/api"
	rcclient "pkt.systems/rcswitch/client"
	"pkt.systems/rcswitch/client/inprocess"
)

func TestNewRejectsNonUnixSockets(t *testing.T) {
	cli, err := inprocess.New(context.Background(), rcswitch.Config{ListenProto: "tcp"})
	if err == nil {
		_ = cli.Close(context.Background())
		t.Fatal("expected error when ListenProto is not unix")
	}
}

func TestNewRunsServerAndCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	inproc, err := inprocess.New(ctx, rcswitch.Config{
		InitialRAF: []api.RadioAccessFamily{api.RAFGroupGSM, api.RAFGroupLTE},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if err := inproc.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()

	health, err := inproc.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Phones != 2 || health.Active {
		t.Fatalf("unexpected health %+v", health)
	}

	ack, err := inproc.Reassign(ctx, []api.RadioAccessFamily{api.RAFGroupLTE, api.RAFGroupGSM})
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	watchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var got api.Outcome
	err = inproc.Watch(watchCtx, 0, func(o api.Outcome) error {
		if o.TxnID != ack.TxnID {
			return nil
		}
		got = o
		return rcclient.ErrStopWatch
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if !got.Success {
		t.Fatalf("unexpected outcome %+v", got)
	}
	status, err := inproc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Phones[0].RAF != api.RAFGroupLTE || status.Phones[1].RAF != api.RAFGroupGSM {
		t.Fatalf("unexpected phones %+v", status.Phones)
	}

	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close first call: %v", err)
	}
	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close second call: %v", err)
	}
}
