// Package client is the Go SDK for the rcswitch HTTP API.
//
//	cli, err := client.New("http://127.0.0.1:9380")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ack, err := cli.Reassign(ctx, []api.RadioAccessFamily{api.RAFLTE, api.RAFGroupGSM})
//	if client.IsTransactionActive(err) {
//	    // another reassignment is in flight; retry later
//	}
//	err = cli.Watch(ctx, 0, func(o api.Outcome) error {
//	    if o.TxnID == ack.TxnID {
//	        fmt.Println(o.Event, o.Capabilities)
//	        return client.ErrStopWatch
//	    }
//	    return nil
//	})
//
// Requests carry the X-Correlation-Id found on the context
// (WithCorrelationID), and APIError exposes the id the server answered with.
package client
