package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/capswitch"
	"pkt.systems/rcswitch/internal/httpapi"
	"pkt.systems/rcswitch/internal/modem/sim"
	"pkt.systems/rcswitch/internal/outcome"
	"pkt.systems/rcswitch/internal/phone"
)

func newServer(t *testing.T, initial []api.RadioAccessFamily) (*httptest.Server, *outcome.Hub) {
	t.Helper()
	logger := pslog.NewStructured(context.Background(), io.Discard)
	set, err := phone.NewSlots(len(initial), initial, 0, nil)
	if err != nil {
		t.Fatalf("phones: %v", err)
	}
	modems, err := sim.New(sim.Config{Phones: len(initial), Initial: initial, Logger: logger})
	if err != nil {
		t.Fatalf("sim: %v", err)
	}
	hub := outcome.NewHub(8, logger)
	coord, err := capswitch.New(capswitch.Config{Phones: set, Channel: modems, Publisher: hub, Logger: logger})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	modems.SetNotifyFunc(coord.Notify)
	h, err := httpapi.New(httpapi.Config{Coordinator: coord, Outcomes: hub, Logger: logger, DisableHTTPTracing: true})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		coord.Close()
		hub.Close()
	})
	return srv, hub
}

func TestReassignStatusAndWatch(t *testing.T) {
	srv, _ := newServer(t, []api.RadioAccessFamily{api.RAFGSM, api.RAFLTE})
	cli, err := New(srv.URL + "/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	ack, err := cli.Reassign(ctx, []api.RadioAccessFamily{api.RAFLTE, api.RAFGSM})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	status, err := cli.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Active || status.Phones[0].RAF != api.RAFLTE || status.Phones[1].RAF != api.RAFGSM {
		t.Fatalf("unexpected status %+v", status)
	}

	watchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var got api.Outcome
	err = cli.Watch(watchCtx, 0, func(o api.Outcome) error {
		got = o
		return ErrStopWatch
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if got.ID != 1 || got.TxnID != ack.TxnID || !got.Success {
		t.Fatalf("unexpected outcome %+v", got)
	}

	health, err := cli.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "ok" || health.Phones != 2 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestReassignInvalidTargetsIsAPIError(t *testing.T) {
	srv, _ := newServer(t, []api.RadioAccessFamily{api.RAFGSM, api.RAFLTE})
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = cli.Reassign(context.Background(), []api.RadioAccessFamily{api.RAFLTE})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Response.ErrorCode != "invalid_targets" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if apiErr.CorrelationID == "" {
		t.Fatal("expected correlation id on error")
	}
	if IsTransactionActive(err) {
		t.Fatal("invalid targets is not txn_active")
	}
}

func TestCorrelationIDPropagates(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(headerCorrelationID)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok","phones":1}`)
	}))
	defer srv.Close()
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := WithCorrelationID(context.Background(), "cid-123")
	if _, err := cli.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if seen != "cid-123" {
		t.Fatalf("expected correlation id to propagate, got %q", seen)
	}
}

func TestNonJSONErrorKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	defer srv.Close()
	cli, _ := New(srv.URL)
	_, err := cli.Status(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadGateway || string(apiErr.Body) != "upstream down" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "502") {
		t.Fatalf("unexpected message %q", apiErr.Error())
	}
}

func TestReadEventsSkipsCommentsAndJoinsData(t *testing.T) {
	stream := ": rcswitch outcomes\n\n" +
		": keepalive\n\n" +
		"id: 4\nevent: radio_capability.done\ndata: {\"event\":\"radio_capability.done\",\n" +
		"data: \"txn_id\":\"a\",\"success\":true}\n\n"
	var got []api.Outcome
	err := readEvents(strings.NewReader(stream), func(o api.Outcome) error {
		got = append(got, o)
		return nil
	})
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(got) != 1 || got[0].ID != 4 || got[0].TxnID != "a" || !got[0].Success {
		t.Fatalf("unexpected outcomes %+v", got)
	}
}

func TestNewRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"", "ftp://host", "http://", "unix://"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	cli, err := New("unix:///tmp/rcswitch.sock")
	if err != nil {
		t.Fatalf("unix url: %v", err)
	}
	if cli.BaseURL() != "http://"+unixSocketHost {
		t.Fatalf("unexpected base url %q", cli.BaseURL())
	}
}
