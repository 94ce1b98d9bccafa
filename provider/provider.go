// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package provider implements the station side of a CD1.1 connection.
package provider // import "github.com/go-lpc/cd11/provider"

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/cd11/connman"
	"github.com/go-lpc/cd11/frame"
	"github.com/go-lpc/cd11/session"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMinBackoff = 1 * time.Second
	defaultMaxBackoff = 1 * time.Minute
	defaultTimeout    = 10 * time.Second
)

// Client connects a station to its data consumer through a connection
// manager and sends the station data frames.
type Client struct {
	addr string // address of the connection manager

	minBackoff time.Duration
	maxBackoff time.Duration
	retries    int
	timeout    time.Duration
	kind       string

	msg   log.MsgStream
	sopts []session.Option
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the bounds of the exponential backoff between two
// connection attempts.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		if min > 0 {
			c.minBackoff = min
		}
		if max >= c.minBackoff {
			c.maxBackoff = max
		}
	}
}

// WithRetries bounds the number of connection attempts.
// Zero means retrying until the context is done.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithTimeout bounds the duration of a single connection attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithKind sets the station type written in connection requests.
func WithKind(kind string) Option {
	return func(c *Client) { c.kind = kind }
}

// WithLogger sets the message stream of the client.
func WithLogger(msg log.MsgStream) Option {
	return func(c *Client) { c.msg = msg }
}

// WithSessionOptions appends options to the provider session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *Client) {
		c.sopts = append(c.sopts, opts...)
	}
}

// New returns a client using the connection manager at addr.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:       addr,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		timeout:    defaultTimeout,
		kind:       "IDC",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.msg == nil {
		c.msg = log.NewMsgStream("cd11-provider", log.LvlInfo, os.Stdout)
	}
	return c
}

// Connect asks the connection manager for the data consumer of station
// and dials it. Failed attempts are retried with an exponential backoff.
func (c *Client) Connect(ctx context.Context, station string) (net.Conn, error) {
	var (
		fac = frame.Factory{Creator: station, Destination: "0"}
		req = frame.ConnectionExchange{
			MajorVersion: 1,
			MinorVersion: 1,
			Name:         station,
			Kind:         c.kind,
			ServiceType:  "TCP",
		}
		backoff = c.minBackoff
		err     error
	)

	for i := 0; c.retries <= 0 || i < c.retries; i++ {
		if i > 0 {
			c.msg.Warnf("could not connect station %q (attempt #%d): %+v", station, i, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}

		var conn net.Conn
		conn, err = c.connect(ctx, fac, req)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("provider: could not connect station %q after %d attempts: %w", station, c.retries, err)
}

func (c *Client) connect(ctx context.Context, fac frame.Factory, req frame.ConnectionExchange) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rsp, err := connman.RequestConnection(ctx, c.addr, fac, req)
	if err != nil {
		return nil, err
	}

	addr := rsp.Addr()
	if !addr.IsValid() || addr.Port() == 0 {
		return nil, fmt.Errorf("provider: invalid consumer address %v", addr)
	}
	c.msg.Infof("station %q redirected to %v", req.Name, addr)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("provider: could not dial consumer %v: %w", addr, err)
	}
	return conn, nil
}

// Run connects station to its data consumer and sends the frames read
// from frames until frames is closed, the session terminates or ctx is
// done. Frames are renumbered by the session.
func (c *Client) Run(ctx context.Context, station string, frames <-chan *frame.Frame) (session.Result, error) {
	conn, err := c.Connect(ctx, station)
	if err != nil {
		return session.Result{Station: station}, err
	}

	var (
		sess = session.New(conn, station, session.Provider, c.sopts...)
		res  session.Result
	)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		res = sess.Run(ctx)
		return nil
	})
	grp.Go(func() error {
		for {
			select {
			case <-sess.Done():
				return nil
			case f, ok := <-frames:
				if !ok {
					sess.Shutdown()
					return nil
				}
				err := sess.Send(gctx, f.Payload)
				switch {
				case err == nil:
				case errors.Is(err, session.ErrClosed), errors.Is(err, context.Canceled):
					return nil
				default:
					sess.Shutdown()
					return fmt.Errorf("provider: could not send frame: %w", err)
				}
			}
		}
	})

	err = grp.Wait()
	return res, err
}
