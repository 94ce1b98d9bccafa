// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connman

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-lpc/cd11/frame"
)

// RequestConnection sends a connection request for a station to the
// connection manager at addr and returns its response.
func RequestConnection(ctx context.Context, addr string, fac frame.Factory, req frame.ConnectionExchange) (*frame.ConnectionResponse, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connman: could not dial %q: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(DefaultTimeout)
	if v, ok := ctx.Deadline(); ok && v.Before(deadline) {
		deadline = v
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = frame.NewEncoder(conn).Encode(fac.Wrap(&frame.ConnectionRequest{
		ConnectionExchange: req,
	}))
	if err != nil {
		return nil, fmt.Errorf("connman: could not send connection request: %w", err)
	}

	dec := frame.NewDecoder(conn)
	for {
		var f frame.Frame
		_, err := dec.Decode(&f)
		if err != nil {
			var mf *frame.MalformedFrame
			if errors.As(err, &mf) {
				continue
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return nil, fmt.Errorf("connman: could not read connection response: %w", err)
		}

		if rsp, ok := f.Payload.(*frame.ConnectionResponse); ok {
			return rsp, nil
		}
	}
}
