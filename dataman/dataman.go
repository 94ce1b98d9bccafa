// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dataman implements a CD1.1 data consumer.
//
// A data consumer listens on the consumer port of each acquired station,
// runs a consumer session for every accepted connection and hands the
// received frames over to a downstream sink.
package dataman // import "github.com/go-lpc/cd11/dataman"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/cd11/connman"
	"github.com/go-lpc/cd11/gaplist"
	"github.com/go-lpc/cd11/rsdf"
	"github.com/go-lpc/cd11/session"
	"golang.org/x/sync/errgroup"
)

// Notifier sends alerts about abnormally terminated sessions.
type Notifier interface {
	Notify(subject, body string) error
}

// Server is a CD1.1 data consumer.
type Server struct {
	host string
	eps  map[string]connman.StationEndpoint

	store  gaplist.Store
	sink   rsdf.Sink
	notify Notifier
	lvl    log.Level
	w      io.Writer
	sopts  []session.Option
	msg    log.MsgStream

	mu       sync.Mutex
	sessions map[string]*session.Session

	once sync.Once
	quit chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithStore sets the store of the gap states of the stations.
func WithStore(store gaplist.Store) Option {
	return func(srv *Server) { srv.store = store }
}

// WithSink sets the sink receiving the data frames.
func WithSink(sink rsdf.Sink) Option {
	return func(srv *Server) { srv.sink = sink }
}

// WithNotifier sets the notifier of abnormal session terminations.
func WithNotifier(n Notifier) Option {
	return func(srv *Server) { srv.notify = n }
}

// WithLogger sets the verbosity level and output of the server and its sessions.
func WithLogger(lvl log.Level, w io.Writer) Option {
	return func(srv *Server) {
		srv.lvl = lvl
		srv.w = w
	}
}

// WithSessionOptions appends options to each consumer session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(srv *Server) {
		srv.sopts = append(srv.sopts, opts...)
	}
}

// New returns a data consumer for the provided stations.
// Listeners are bound on host.
func New(host string, eps []connman.StationEndpoint, opts ...Option) *Server {
	srv := &Server{
		host:     host,
		eps:      make(map[string]connman.StationEndpoint, len(eps)),
		store:    gaplist.NewMemStore(),
		sink:     rsdf.Discard,
		lvl:      log.LvlInfo,
		w:        os.Stdout,
		sessions: make(map[string]*session.Session),
		quit:     make(chan struct{}),
	}
	for _, ep := range eps {
		srv.eps[ep.Name] = ep
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.msg = log.NewMsgStream("cd11-dataman", srv.lvl, srv.w)
	return srv
}

// Serve listens on the consumer port of every acquired station and
// serves the accepted connections until ctx is done or Shutdown is called.
func (srv *Server) Serve(ctx context.Context) error {
	names := make([]string, 0, len(srv.eps))
	for name, ep := range srv.eps {
		if ep.Ignored {
			srv.msg.Infof("station %q is not acquired", name)
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return fmt.Errorf("dataman: no station to acquire")
	}
	sort.Strings(names)

	lns := make([]net.Listener, 0, len(names))
	for _, name := range names {
		ep := srv.eps[name]
		addr := net.JoinHostPort(srv.host, strconv.Itoa(int(ep.ConsumerPort)))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, ln := range lns {
				ln.Close()
			}
			return fmt.Errorf("dataman: could not listen on %q for station %q: %w", addr, name, err)
		}
		lns = append(lns, ln)
	}

	grp, ctx := errgroup.WithContext(ctx)
	for i := range names {
		var (
			name = names[i]
			ln   = lns[i]
		)
		grp.Go(func() error {
			return srv.ServeListener(ctx, name, ln)
		})
	}
	return grp.Wait()
}

// ServeListener serves the connections of station accepted on ln.
// ServeListener closes ln when it returns.
func (srv *Server) ServeListener(ctx context.Context, station string, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-srv.quit:
			cancel()
		}
		ln.Close()
	}()

	srv.msg.Infof("listening for station %q on %v", station, ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				srv.msg.Warnf("could not accept connection for station %q: %+v", station, err)
				continue
			}
			return fmt.Errorf("dataman: could not accept connection for station %q: %w", station, err)
		}

		if !srv.allowed(station, conn.RemoteAddr()) {
			srv.msg.Warnf("rejecting connection from %v for station %q", conn.RemoteAddr(), station)
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.handle(ctx, station, conn)
		}()
	}
}

// allowed checks the remote address against the provider address
// registered for station, if any.
func (srv *Server) allowed(station string, addr net.Addr) bool {
	ep, ok := srv.eps[station]
	if !ok || !ep.ProviderIP.IsValid() {
		return true
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return false
	}
	return ap.Addr().Unmap() == ep.ProviderIP.Unmap()
}

func (srv *Server) handle(ctx context.Context, station string, conn net.Conn) {
	opts := append([]session.Option{
		session.WithStore(srv.store),
		session.WithSink(srv.sink),
		session.WithLogger(log.NewMsgStream("cd11-sta-"+station, srv.lvl, srv.w)),
	}, srv.sopts...)
	sess := session.New(conn, station, session.Consumer, opts...)

	srv.mu.Lock()
	old := srv.sessions[station]
	srv.sessions[station] = sess
	srv.mu.Unlock()

	if old != nil {
		srv.msg.Infof("new connection from station %q, closing previous session", station)
		old.Shutdown()
		<-old.Done()
	}

	res := sess.Run(ctx)

	srv.mu.Lock()
	if srv.sessions[station] == sess {
		delete(srv.sessions, station)
	}
	srv.mu.Unlock()

	srv.msg.Infof(
		"session with station %q ended: %v (gaps=%d, low=%d, high=%d)",
		station, res.Reason, len(res.Gaps.Gaps), res.Gaps.Low, res.Gaps.High,
	)
	if !res.Reason.Abnormal() || srv.notify == nil {
		return
	}

	body := fmt.Sprintf("session with station %s ended abnormally: %v", station, res.Reason)
	if res.Err != nil {
		body += fmt.Sprintf("\nerror: %+v", res.Err)
	}
	err := srv.notify.Notify(fmt.Sprintf("station %s: %v", station, res.Reason), body)
	if err != nil {
		srv.msg.Errorf("could not notify abnormal end of session with station %q: %+v", station, err)
	}
}

// Sessions returns the names of the stations with a live session.
func (srv *Server) Sessions() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	names := make([]string, 0, len(srv.sessions))
	for name := range srv.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown stops all listeners and closes all sessions.
func (srv *Server) Shutdown() {
	srv.once.Do(func() { close(srv.quit) })
}
