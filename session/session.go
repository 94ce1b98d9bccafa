// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session runs the CD1.1 protocol over an established station
// connection, on either end of the connection.
//
// A session exchanges acknack heartbeats with its peer, forwards the
// data frames it receives, tracks sequence gaps and terminates on
// alerts, resets or loss of liveness.
package session // import "github.com/go-lpc/cd11/session"

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/cd11/frame"
	"github.com/go-lpc/cd11/gaplist"
	"github.com/go-lpc/cd11/rsdf"
)

const (
	DefaultHeartbeat       = 55 * time.Second
	DefaultLiveness        = 120 * time.Second
	DefaultPersistInterval = 5 * time.Minute
	DefaultWriteTimeout    = 10 * time.Second

	storeTimeout = 10 * time.Second
	readerGrace  = 5 * time.Second
)

// ErrClosed is returned when sending over a closed session.
var ErrClosed = errors.New("session: closed")

// State is the state of a session.
type State int32

const (
	Handshaking State = iota // session created, loop not started
	Active                   // frames are exchanged
	Closing                  // alert sent, resources being released
	Closed                   // terminal
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Role tells which end of the connection a session runs.
type Role int

const (
	Consumer Role = iota // receives data frames from a station
	Provider             // sends data frames to a consumer
)

func (r Role) String() string {
	switch r {
	case Consumer:
		return "consumer"
	case Provider:
		return "provider"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Reason tells why a session was closed.
type Reason int

const (
	ReasonShutdown   Reason = iota // Shutdown was called
	ReasonContext                  // the context of Run was done
	ReasonPeerAlert                // the peer sent an alert
	ReasonReset                    // the peer sent a custom reset
	ReasonLiveness                 // no frame was received in time
	ReasonDisconnect               // the connection was lost
	ReasonWrite                    // a frame could not be sent
)

func (r Reason) String() string {
	switch r {
	case ReasonShutdown:
		return "shutdown"
	case ReasonContext:
		return "context done"
	case ReasonPeerAlert:
		return "peer alert"
	case ReasonReset:
		return "custom reset"
	case ReasonLiveness:
		return "liveness timeout"
	case ReasonDisconnect:
		return "disconnected"
	case ReasonWrite:
		return "write failure"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Abnormal reports whether the session ended because of a failure.
func (r Reason) Abnormal() bool {
	switch r {
	case ReasonLiveness, ReasonDisconnect, ReasonWrite:
		return true
	}
	return false
}

// Result describes the termination of a session.
type Result struct {
	Station string
	Reason  Reason
	Err     error
	Gaps    gaplist.State // final gap state
}

// Session is a CD1.1 session with a peer.
type Session struct {
	conn    net.Conn
	station string
	role    Role
	cfg     config
	msg     log.MsgStream

	gaps     *gaplist.List
	fac      frame.Factory
	frameSet string
	adopt    bool // adopt the frame set of the peer

	state    atomic.Int32
	send     chan outbound
	snap     chan chan gaplist.State
	shutdown chan struct{}
	once     sync.Once
	quit     chan struct{}
	done     chan struct{}

	persisting bool
	persistc   chan error
}

type outbound struct {
	payload frame.Payload
	errc    chan error
}

type inbound struct {
	raw   []byte
	frame *frame.Frame
	err   error
	recv  time.Time
}

// New returns a session for station over conn.
// The session does not start until Run is called.
func New(conn net.Conn, station string, role Role, opts ...Option) *Session {
	cfg := newConfig(station, role, opts)
	s := &Session{
		conn:    conn,
		station: station,
		role:    role,
		cfg:     cfg,
		msg:     cfg.msg,

		gaps: gaplist.New(gaplist.WithClock(cfg.now)),
		fac: frame.Factory{
			Creator:     cfg.creator,
			Destination: cfg.destination,
			AuthKeyID:   cfg.authKeyID,
		},
		frameSet: cfg.frameSet,
		adopt:    role == Consumer && !cfg.explicitFrameSet,

		send:     make(chan outbound),
		snap:     make(chan chan gaplist.State),
		shutdown: make(chan struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		persistc: make(chan error, 1),
	}
	if s.msg == nil {
		s.msg = log.NewMsgStream("cd11-sta-"+station, log.LvlInfo, os.Stdout)
	}
	s.state.Store(int32(Handshaking))
	return s
}

// Station returns the name of the station of the session.
func (s *Session) Station() string { return s.station }

// State returns the current state of the session.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Shutdown asks the session to close. The peer is notified with an alert.
func (s *Session) Shutdown() {
	s.once.Do(func() { close(s.shutdown) })
}

// Send sends a payload to the peer. Data and command response payloads
// are stamped with the next sequence number of the session.
func (s *Session) Send(ctx context.Context, p frame.Payload) error {
	out := outbound{payload: p, errc: make(chan error, 1)}
	select {
	case s.send <- out:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Gaps returns a snapshot of the gap state of the session.
func (s *Session) Gaps(ctx context.Context) (gaplist.State, error) {
	c := make(chan gaplist.State, 1)
	select {
	case s.snap <- c:
	case <-s.quit:
		return gaplist.State{}, ErrClosed
	case <-ctx.Done():
		return gaplist.State{}, ctx.Err()
	}
	return <-c, nil
}

// Run runs the session until it is closed and returns how it ended.
// The connection is closed when Run returns.
func (s *Session) Run(ctx context.Context) Result {
	defer close(s.done)

	s.restore(ctx)
	s.setState(Active)
	s.msg.Infof("session with station %q started (role=%v, frame-set=%q)", s.station, s.role, s.frameSet)

	var (
		frames  = make(chan inbound, 16)
		readerc = make(chan struct{})
	)
	go s.read(frames, readerc)

	heartbeat := time.NewTicker(s.cfg.heartbeat)
	defer heartbeat.Stop()

	liveness := time.NewTimer(s.cfg.liveness)
	defer liveness.Stop()

	persist := time.NewTicker(s.cfg.persist)
	defer persist.Stop()

	var expirec <-chan time.Time
	if s.cfg.expiration > 0 {
		expire := time.NewTicker(s.cfg.expiration / 2)
		defer expire.Stop()
		expirec = expire.C
	}

	var (
		res       = Result{Station: s.station}
		alertSent = false
	)

loop:
	for {
		select {
		case <-ctx.Done():
			res.Reason = ReasonContext
			break loop

		case <-s.shutdown:
			res.Reason = ReasonShutdown
			break loop

		case in, ok := <-frames:
			if !ok {
				res.Reason = ReasonDisconnect
				break loop
			}
			if !liveness.Stop() {
				select {
				case <-liveness.C:
				default:
				}
			}
			liveness.Reset(s.cfg.liveness)

			reason, stop, err := s.dispatch(ctx, in)
			if stop {
				res.Reason = reason
				res.Err = err
				break loop
			}

		case <-heartbeat.C:
			err := s.write(s.fac.Wrap(s.gaps.Acknack(s.frameSet)))
			if err != nil {
				res.Reason = ReasonWrite
				res.Err = err
				break loop
			}

		case <-liveness.C:
			msg := fmt.Sprintf(
				"heartbeat timeout: no frame received from station %s in %v",
				s.station, s.cfg.liveness,
			)
			s.msg.Warnf("%s", msg)
			_ = s.write(s.fac.Wrap(&frame.Alert{Message: msg}))
			alertSent = true
			res.Reason = ReasonLiveness
			break loop

		case <-persist.C:
			s.persistAsync()

		case err := <-s.persistc:
			s.persisting = false
			if err != nil {
				s.msg.Warnf("could not persist gap state: %+v", err)
			}

		case <-expirec:
			if n := s.gaps.RemoveExpired(s.cfg.expiration); n > 0 {
				s.msg.Infof("removed %d expired gaps", n)
			}

		case c := <-s.snap:
			c <- s.gaps.State()

		case out := <-s.send:
			err := s.sendPayload(out.payload)
			out.errc <- err
			if err != nil {
				res.Reason = ReasonWrite
				res.Err = err
				break loop
			}
		}
	}

	s.close(res.Reason, alertSent, readerc)
	res.Gaps = s.gaps.State()
	s.msg.Infof("session with station %q closed: %v", s.station, res.Reason)
	return res
}

func (s *Session) read(frames chan<- inbound, done chan<- struct{}) {
	defer close(done)
	defer close(frames)

	dec := frame.NewDecoder(s.conn)
	for {
		var (
			f        frame.Frame
			raw, err = dec.Decode(&f)
			in       = inbound{raw: raw, recv: s.cfg.now()}
		)
		switch {
		case err == nil:
			in.frame = &f
		default:
			var mf *frame.MalformedFrame
			if !errors.As(err, &mf) {
				select {
				case <-s.quit:
				default:
					s.msg.Debugf("could not read frame: %+v", err)
				}
				return
			}
			mf.Received = in.recv
			in.err = mf
		}

		select {
		case frames <- in:
		case <-s.quit:
			return
		}
	}
}

// dispatch handles an inbound frame and reports whether the session
// should be closed.
func (s *Session) dispatch(ctx context.Context, in inbound) (Reason, bool, error) {
	if in.err != nil {
		var mf *frame.MalformedFrame
		errors.As(in.err, &mf)
		s.msg.Warnf("received malformed frame: %+v", mf)
		err := s.cfg.sink.Malformed(ctx, rsdf.NewMalformed(s.station, mf))
		if err != nil {
			s.msg.Errorf("could not forward malformed frame: %+v", err)
		}
		return 0, false, nil
	}

	f := in.frame
	if !frame.IsValidCRC(in.raw, f) {
		s.msg.Warnf("invalid CRC for %v frame #%d", f.Type(), f.Header.Sequence)
	}

	switch p := f.Payload.(type) {
	case *frame.Data, *frame.CD1Encapsulation:
		s.gaps.Record(f.Header.Sequence)
		rec, err := rsdf.New(s.station, f, in.raw, in.recv)
		if err != nil {
			s.msg.Errorf("could not create data record: %+v", err)
			return 0, false, nil
		}
		err = s.cfg.sink.Data(ctx, rec)
		if err != nil {
			s.msg.Errorf("could not forward data frame #%d: %+v", f.Header.Sequence, err)
		}

	case *frame.Acknack:
		if s.adopt && p.FrameSet != "" && p.FrameSet != s.frameSet {
			s.msg.Infof("adopting frame set %q", p.FrameSet)
			s.frameSet = p.FrameSet
		}
		s.adopt = false
		if s.gaps.CheckForReset(p) {
			s.msg.Infof("peer reset detected (peer highest=%d), gap state cleared", p.Highest)
		}

	case *frame.CommandResponse:
		s.gaps.Record(f.Header.Sequence)

	case *frame.OptionRequest:
		rsp := &frame.OptionResponse{OptionExchange: p.OptionExchange}
		err := s.write(s.fac.Wrap(rsp))
		if err != nil {
			return ReasonWrite, true, err
		}

	case *frame.CustomReset:
		s.msg.Infof("custom reset received, clearing gap state")
		s.gaps.Reset()
		return ReasonReset, true, nil

	case *frame.Alert:
		s.msg.Infof("alert received: %q", p.Message)
		return ReasonPeerAlert, true, nil

	case *frame.ConnectionRequest, *frame.ConnectionResponse,
		*frame.OptionResponse, *frame.CommandRequest:
		s.msg.Debugf("discarding %v frame", f.Type())

	default:
		s.msg.Warnf("discarding unexpected %v frame", f.Type())
	}

	return 0, false, nil
}

func (s *Session) sendPayload(p frame.Payload) error {
	var f *frame.Frame
	switch p.(type) {
	case *frame.Data, *frame.CD1Encapsulation, *frame.CommandResponse:
		seq := s.gaps.High()
		f = s.fac.WrapSequenced(p, seq)
		err := s.write(f)
		if err != nil {
			return err
		}
		s.gaps.Record(seq)
		return nil
	default:
		return s.write(s.fac.Wrap(p))
	}
}

func (s *Session) write(f *frame.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout))
	err := frame.NewEncoder(s.conn).Encode(f)
	if err != nil {
		return fmt.Errorf("session: could not send %v frame to %q: %w", f.Type(), s.station, err)
	}
	return nil
}

func (s *Session) close(reason Reason, alertSent bool, readerc <-chan struct{}) {
	s.setState(Closing)

	switch reason {
	case ReasonPeerAlert, ReasonDisconnect, ReasonWrite:
	default:
		if !alertSent {
			msg := fmt.Sprintf("Shutdown triggered for station %s", s.station)
			if reason == ReasonReset {
				msg = fmt.Sprintf("Custom reset received from station %s", s.station)
			}
			err := s.write(s.fac.Wrap(&frame.Alert{Message: msg}))
			if err != nil {
				s.msg.Debugf("could not send alert: %+v", err)
			}
		}
	}

	close(s.quit)
	s.conn.Close()

	select {
	case <-readerc:
	case <-time.After(readerGrace):
		s.msg.Warnf("reader did not terminate")
	}

	if s.persisting {
		select {
		case <-s.persistc:
		case <-time.After(storeTimeout):
		}
		s.persisting = false
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var err error
	switch reason {
	case ReasonReset:
		err = s.cfg.store.Delete(ctx, s.station)
	default:
		err = s.cfg.store.Save(ctx, s.station, s.gaps.State())
	}
	if err != nil {
		s.msg.Errorf("could not persist final gap state: %+v", err)
	}

	s.setState(Closed)
}

func (s *Session) restore(ctx context.Context) {
	st, err := s.cfg.store.Load(ctx, s.station)
	if err != nil {
		s.msg.Warnf("could not restore gap state, starting from scratch: %+v", err)
		return
	}
	s.gaps.Restore(st)
}

// persistAsync saves a snapshot of the gap state in the background.
// At most one save is in flight.
func (s *Session) persistAsync() {
	if s.persisting {
		return
	}
	s.persisting = true

	st := s.gaps.State()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		s.persistc <- s.cfg.store.Save(ctx, s.station, st)
	}()
}
