package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/capswitch"
	"pkt.systems/rcswitch/internal/correlation"
	"pkt.systems/rcswitch/internal/modem"
	"pkt.systems/rcswitch/internal/modem/sim"
	"pkt.systems/rcswitch/internal/outcome"
	"pkt.systems/rcswitch/internal/phone"
)

type testServer struct {
	srv   *httptest.Server
	coord *capswitch.Coordinator
	hub   *outcome.Hub
	sim   *sim.Modems
}

// blockingChannel swallows commands so a transaction stays active.
type blockingChannel struct{}

func (blockingChannel) SetRadioCapability(context.Context, api.RadioCapability, modem.ReplyFunc) {}

func newTestServer(t *testing.T, initial []api.RadioAccessFamily, ch modem.Channel) *testServer {
	t.Helper()
	logger := pslog.NewStructured(context.Background(), io.Discard)
	set, err := phone.NewSlots(len(initial), initial, 0, nil)
	if err != nil {
		t.Fatalf("phones: %v", err)
	}
	ts := &testServer{hub: outcome.NewHub(8, logger)}
	if ch == nil {
		ts.sim, err = sim.New(sim.Config{Phones: len(initial), Initial: initial, Logger: logger})
		if err != nil {
			t.Fatalf("sim: %v", err)
		}
		ch = ts.sim
	}
	ts.coord, err = capswitch.New(capswitch.Config{
		Phones:    set,
		Channel:   ch,
		Publisher: ts.hub,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if src, ok := ch.(modem.NotificationSource); ok {
		src.SetNotifyFunc(ts.coord.Notify)
	}
	h, err := New(Config{
		Coordinator:        ts.coord,
		Outcomes:           ts.hub,
		Logger:             logger,
		HeartbeatInterval:  50 * time.Millisecond,
		DisableHTTPTracing: true,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	ts.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.srv.Close()
		ts.coord.Close()
		ts.hub.Close()
	})
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) api.ErrorResponse {
	t.Helper()
	defer resp.Body.Close()
	var out api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return out
}

func TestReassignCompletesAndPublishes(t *testing.T) {
	initial := []api.RadioAccessFamily{api.RAFGSM, api.RAFLTE}
	ts := newTestServer(t, initial, nil)

	resp := postJSON(t, ts.srv.URL+"/v1/capability", api.ReassignRequest{
		Capabilities: []api.RadioAccessFamily{api.RAFLTE, api.RAFGSM},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if resp.Header.Get(correlation.Header) == "" {
		t.Fatal("expected correlation id header")
	}
	var ack api.ReassignResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.TxnID == "" {
		t.Fatal("expected txn id")
	}

	latest, ok := ts.hub.Latest()
	if !ok {
		t.Fatal("expected an outcome to be published")
	}
	if !latest.Success || latest.TxnID != ack.TxnID || latest.Event != api.OutcomeEventDone {
		t.Fatalf("unexpected outcome %+v", latest)
	}
	if latest.Capabilities[0] != api.RAFLTE || latest.Capabilities[1] != api.RAFGSM {
		t.Fatalf("unexpected capabilities %+v", latest.Capabilities)
	}

	statusResp, err := http.Get(ts.srv.URL + "/v1/capability")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer statusResp.Body.Close()
	var status api.StatusResponse
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Active || len(status.Phones) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Phones[0].RAF != api.RAFLTE {
		t.Fatalf("phone 0 raf = %s", status.Phones[0].RAF)
	}
}

func TestReassignConflictWhileActive(t *testing.T) {
	initial := []api.RadioAccessFamily{api.RAFGSM, api.RAFLTE}
	ts := newTestServer(t, initial, blockingChannel{})
	req := api.ReassignRequest{Capabilities: []api.RadioAccessFamily{api.RAFLTE, api.RAFGSM}}

	first := postJSON(t, ts.srv.URL+"/v1/capability", req)
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first request: %d", first.StatusCode)
	}
	second := postJSON(t, ts.srv.URL+"/v1/capability", req)
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.StatusCode)
	}
	if body := decodeError(t, second); body.ErrorCode != "txn_active" {
		t.Fatalf("unexpected error code %q", body.ErrorCode)
	}

	health, err := http.Get(ts.srv.URL + "/v1/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer health.Body.Close()
	var hr api.HealthResponse
	if err := json.NewDecoder(health.Body).Decode(&hr); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !hr.Active || hr.Phones != 2 || hr.Status != "ok" {
		t.Fatalf("unexpected health %+v", hr)
	}
}

func TestReassignRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, []api.RadioAccessFamily{api.RAFGSM, api.RAFLTE}, nil)

	resp := postJSON(t, ts.srv.URL+"/v1/capability", api.ReassignRequest{
		Capabilities: []api.RadioAccessFamily{api.RAFLTE},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.ErrorCode != "invalid_targets" {
		t.Fatalf("unexpected error code %q", body.ErrorCode)
	}

	raw, err := http.Post(ts.srv.URL+"/v1/capability", "application/json", strings.NewReader(`{"capabilities":["LTE","GSM"],"extra":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", raw.StatusCode)
	}
	if body := decodeError(t, raw); body.ErrorCode != "invalid_body" {
		t.Fatalf("unexpected error code %q", body.ErrorCode)
	}
	if ts.coord.IsTransactionActive() {
		t.Fatal("rejected request must not start a transaction")
	}
}

func TestCapabilityMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, []api.RadioAccessFamily{api.RAFGSM}, nil)
	req, _ := http.NewRequest(http.MethodDelete, ts.srv.URL+"/v1/capability", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "GET, POST" {
		t.Fatalf("unexpected Allow %q", allow)
	}
	resp.Body.Close()
}

func TestNotifyDrivesTransaction(t *testing.T) {
	initial := []api.RadioAccessFamily{api.RAFGSM}
	ch := &scriptedChannel{}
	ts := newTestServer(t, initial, ch)

	resp := postJSON(t, ts.srv.URL+"/v1/capability", api.ReassignRequest{
		Capabilities: []api.RadioAccessFamily{api.RAFLTE},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("reassign: %d", resp.StatusCode)
	}
	snap := ts.coord.Snapshot()
	if snap.Phase != api.PhaseApply || snap.Pending != 1 {
		t.Fatalf("expected to wait for a notification, phase=%s pending=%d", snap.Phase, snap.Pending)
	}

	bad := postJSON(t, ts.srv.URL+"/v1/capability/notify", api.NotifyRequest{
		Capability: api.RadioCapability{Phone: 0, Session: snap.Session, Phase: api.PhaseApply},
	})
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong phase, got %d", bad.StatusCode)
	}
	bad.Body.Close()

	ok := postJSON(t, ts.srv.URL+"/v1/capability/notify", api.NotifyRequest{
		Capability: api.RadioCapability{
			Version: api.RadioCapabilityVersion,
			Phone:   0,
			Session: snap.Session,
			Phase:   api.PhaseUnsolRsp,
			RAF:     api.RAFLTE,
			Status:  api.StatusSuccess,
		},
	})
	ok.Body.Close()
	if ok.StatusCode != http.StatusAccepted {
		t.Fatalf("notify: %d", ok.StatusCode)
	}
	latest, found := ts.hub.Latest()
	if !found || !latest.Success {
		t.Fatalf("expected successful outcome, got %+v (found=%v)", latest, found)
	}
}

// scriptedChannel answers START, APPLY and FINISH but never notifies, so the
// notification has to arrive over HTTP.
type scriptedChannel struct{}

func (*scriptedChannel) SetRadioCapability(_ context.Context, rc api.RadioCapability, done modem.ReplyFunc) {
	done(rc, nil)
}

func TestEventsReplayAndStream(t *testing.T) {
	ts := newTestServer(t, []api.RadioAccessFamily{api.RAFGSM}, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := ts.hub.Publish(ctx, api.Outcome{Event: api.OutcomeEventFailed, TxnID: "seed"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, ts.srv.URL+"/v1/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readID := func() string {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if strings.HasPrefix(line, "id: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "id: "))
			}
		}
	}
	if id := readID(); id != "2" {
		t.Fatalf("expected replay to start at id 2, got %s", id)
	}

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for ts.hub.Subscribers() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		_ = ts.hub.Publish(ctx, api.Outcome{Event: api.OutcomeEventDone, TxnID: "live", Success: true})
	}()
	if id := readID(); id != "3" {
		t.Fatalf("expected live outcome id 3, got %s", id)
	}
}

func TestLastEventIDParsing(t *testing.T) {
	cases := []struct {
		header, query string
		want          int64
	}{
		{"", "", 0},
		{"7", "", 7},
		{"", "9", 9},
		{"bogus", "", 0},
		{"-3", "", 0},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/v1/events?last_event_id="+tc.query, nil)
		if tc.header != "" {
			r.Header.Set(headerLastEventID, tc.header)
		}
		if got := lastEventID(r); got != tc.want {
			t.Fatalf("header=%q query=%q: got %d want %d", tc.header, tc.query, got, tc.want)
		}
	}
}

func TestDecodeJSONBodyRejectsTrailingData(t *testing.T) {
	var dst map[string]any
	if err := decodeJSONBody(strings.NewReader(`{"a":1}{"b":2}`), &dst, jsonDecodeOptions{}); err == nil {
		t.Fatal("expected trailing JSON error")
	}
	if err := decodeJSONBody(strings.NewReader(""), &dst, jsonDecodeOptions{allowEmpty: true}); err != nil {
		t.Fatalf("empty body allowed: %v", err)
	}
}
