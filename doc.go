// Package rcswitch exposes the Go APIs behind a service that reassigns radio
// capabilities across the phone slots of a multi-modem device. A reassignment
// is a four-phase transaction (START, APPLY, capability-changed notification,
// FINISH) run against every modem at once; it either commits the requested
// capability on every phone or tells each modem to roll back, and its single
// outcome is published on an event stream.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen`. Modems are simulated in-process unless
// `Config.Modem` is "http", in which case each phone is driven through a remote
// modem agent listed in `Config.ModemEndpoints`.
//
//	cfg := rcswitch.Config{
//	    Listen:     ":9380",
//	    Phones:     2,
//	    InitialRAF: []api.RadioAccessFamily{api.RAFGroupGSM, api.RAFLTE},
//	    TxnTimeout: 45 * time.Second,
//	}
//	srv, err := rcswitch.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("rcswitch: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// For same-host callers the API can be served over a Unix socket by setting
// `ListenProto` to "unix"; StartServer waits until the listener is up.
//
// # HTTP API
//
//	POST /v1/capability         {"capabilities":["LTE","GSM|GPRS|EDGE"]}  202, 409 txn_active
//	GET  /v1/capability         transaction table
//	POST /v1/capability/notify  capability-changed notification from a modem agent
//	GET  /v1/events             text/event-stream of outcomes, resumable with Last-Event-ID
//	GET  /v1/healthz
//
// Capabilities are radio access family bitmasks; the JSON form is the
// "|"-joined technology names (see api.ParseRadioAccessFamily).
//
// # Client SDK
//
// The Go client (`pkt.systems/rcswitch/client`) wraps the HTTP API, and the
// `rcswitch` binary (`cmd/rcswitch`) exposes the same operations as
// subcommands next to the server itself.
package rcswitch
