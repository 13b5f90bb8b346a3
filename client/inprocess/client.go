// Package inprocess embeds an rcswitch server in the calling process and
// talks to it over a private unix socket.
package inprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/rcswitch"
	"pkt.systems/rcswitch/api"
	rcclient "pkt.systems/rcswitch/client"
)

// Client provides the rcswitch client API backed by an in-process server.
type Client struct {
	inner     *rcclient.Client
	server    *rcswitch.Server
	stop      func(context.Context) error
	cleanup   func()
	closeOnce sync.Once
	closeErr  error
}

// New starts an in-process rcswitch server and returns a client connected to
// it. Close the client to stop the server and remove its socket.
// Example:
//
//	ctx := context.Background()
//	inproc, err := inprocess.New(ctx, rcswitch.Config{Phones: 2})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inproc.Close(ctx)
func New(ctx context.Context, cfg rcswitch.Config, opts ...rcswitch.Option) (*Client, error) {
	if cfg.ListenProto == "" {
		cfg.ListenProto = "unix"
	}
	if cfg.ListenProto != "unix" {
		return nil, fmt.Errorf("inprocess: only unix sockets are supported; set ListenProto to 'unix'")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	socketDir, err := os.MkdirTemp("", "rcswitch-inproc-")
	if err != nil {
		return nil, err
	}
	cleanup := func() { _ = os.RemoveAll(socketDir) }

	if cfg.Listen == "" {
		cfg.Listen = filepath.Join(socketDir, "rcswitch.sock")
	}

	srv, stop, err := rcswitch.StartServer(ctx, cfg, opts...)
	if err != nil {
		cleanup()
		return nil, err
	}

	cli, err := rcclient.New("unix://" + cfg.Listen)
	if err != nil {
		_ = stop(context.Background())
		cleanup()
		return nil, err
	}

	return &Client{
		inner:   cli,
		server:  srv,
		stop:    stop,
		cleanup: cleanup,
	}, nil
}

// Server exposes the embedded server, for example to reach its modem channel.
func (c *Client) Server() *rcswitch.Server { return c.server }

// Close shuts down the embedded server and releases resources.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if c.stop != nil {
			if err := c.stop(ctx); err != nil {
				c.closeErr = err
			}
		}
		if c.cleanup != nil {
			c.cleanup()
		}
	})
	return c.closeErr
}

// Reassign starts a capability reassignment through the embedded server.
func (c *Client) Reassign(ctx context.Context, capabilities []api.RadioAccessFamily) (*api.ReassignResponse, error) {
	return c.inner.Reassign(ctx, capabilities)
}

// Status returns the transaction table.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	return c.inner.Status(ctx)
}

// Notify forwards a capability-changed notification.
func (c *Client) Notify(ctx context.Context, rc api.RadioCapability, modemErr string) error {
	return c.inner.Notify(ctx, rc, modemErr)
}

// Watch streams outcomes, see client.Client.Watch.
func (c *Client) Watch(ctx context.Context, lastID int64, fn func(api.Outcome) error) error {
	return c.inner.Watch(ctx, lastID, fn)
}

// Health reports server health.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	return c.inner.Health(ctx)
}
