// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/cd11/frame"
)

// DefaultTimeout bounds the duration of a connection to the manager.
const DefaultTimeout = 30 * time.Second

// Server accepts station connections and answers their connection
// requests. Each connection is closed once a response has been sent.
type Server struct {
	ln      net.Listener
	neg     *Negotiator
	msg     log.MsgStream
	timeout time.Duration

	wg sync.WaitGroup
}

// NewServer returns a server answering connections accepted on ln.
func NewServer(ln net.Listener, tbl *Table, msg log.MsgStream, opts ...Option) *Server {
	return &Server{
		ln:      ln,
		neg:     NewNegotiator(tbl, msg, opts...),
		msg:     msg,
		timeout: DefaultTimeout,
	}
}

// Addr returns the address the server listens on.
func (srv *Server) Addr() net.Addr {
	return srv.ln.Addr()
}

// Serve accepts connections until ctx is done.
func (srv *Server) Serve(ctx context.Context) error {
	defer srv.wg.Wait()

	go func() {
		<-ctx.Done()
		srv.ln.Close()
	}()

	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				srv.msg.Warnf("could not accept connection: %+v", err)
				continue
			}
			return fmt.Errorf("connman: could not accept connection: %w", err)
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.handle(ctx, conn)
		}()
	}
}

func (srv *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	srv.msg.Debugf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Debugf("serving %v... [done]", conn.RemoteAddr())

	deadline := time.Now().Add(srv.timeout)
	if v, ok := ctx.Deadline(); ok && v.Before(deadline) {
		deadline = v
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	dec := frame.NewDecoder(conn)
	for {
		var f frame.Frame
		raw, err := dec.Decode(&f)
		if err != nil {
			var mf *frame.MalformedFrame
			if errors.As(err, &mf) {
				srv.msg.Warnf("malformed frame from %v: %+v", conn.RemoteAddr(), err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				srv.msg.Debugf("could not read frame from %v: %+v", conn.RemoteAddr(), err)
			}
			return
		}

		if !frame.IsValidCRC(raw, &f) {
			srv.msg.Warnf("invalid CRC for %v frame from %q", f.Type(), f.Header.Creator)
		}

		rsp, ok := srv.neg.Handle(&f)
		if !ok {
			continue
		}

		err = frame.NewEncoder(conn).Encode(rsp)
		if err != nil {
			srv.msg.Errorf("could not send connection response to %v: %+v", conn.RemoteAddr(), err)
		}
		return
	}
}
