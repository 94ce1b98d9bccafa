// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/cd11/frame"
	"github.com/go-lpc/cd11/gaplist"
	"github.com/go-lpc/cd11/rsdf"
)

var (
	msg = log.NewMsgStream("cd11-sta-AB", log.LvlDebug, io.Discard)
	t0  = time.Date(2020, time.July, 1, 0, 0, 0, 0, time.UTC)
)

const timeout = 5 * time.Second

type peer struct {
	conn   net.Conn
	fac    frame.Factory
	frames chan *frame.Frame
}

func newPeer(conn net.Conn) *peer {
	p := &peer{
		conn:   conn,
		fac:    frame.Factory{Creator: "AB", Destination: "0"},
		frames: make(chan *frame.Frame, 128),
	}
	go func() {
		defer close(p.frames)
		dec := frame.NewDecoder(conn)
		for {
			var f frame.Frame
			_, err := dec.Decode(&f)
			if err != nil {
				var mf *frame.MalformedFrame
				if errors.As(err, &mf) {
					continue
				}
				return
			}
			p.frames <- &f
		}
	}()
	return p
}

func (p *peer) sendRaw(t *testing.T, raw []byte) {
	t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := p.conn.Write(raw)
	if err != nil {
		t.Fatalf("could not send frame: %+v", err)
	}
}

func (p *peer) send(t *testing.T, f *frame.Frame) {
	t.Helper()
	p.sendRaw(t, frame.Marshal(f))
}

// expect returns the next frame of type typ, skipping other frames.
func (p *peer) expect(t *testing.T, typ frame.Type) *frame.Frame {
	t.Helper()
	tmo := time.After(timeout)
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				t.Fatalf("connection closed while waiting for a %v frame", typ)
			}
			if f.Type() == typ {
				return f
			}
		case <-tmo:
			t.Fatalf("timeout waiting for a %v frame", typ)
		}
	}
}

// drain returns the frames received until the connection is closed.
func (p *peer) drain(t *testing.T) []*frame.Frame {
	t.Helper()
	var out []*frame.Frame
	tmo := time.After(timeout)
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-tmo:
			t.Fatalf("timeout waiting for the connection to close")
		}
	}
}

func count(frames []*frame.Frame, typ frame.Type) int {
	n := 0
	for _, f := range frames {
		if f.Type() == typ {
			n++
		}
	}
	return n
}

func dataFrame(fac frame.Factory, seq uint64) *frame.Frame {
	return fac.WrapSequenced(&frame.Data{
		Header: frame.ChannelSubframeHeader{
			FrameTimeLength: 10000,
			NominalTime:     t0.Add(time.Duration(seq) * 10 * time.Second),
			ChannelString:   "ABC  BHZ00",
		},
		Subframes: []frame.ChannelSubframe{{
			Description: frame.ChannelDescription{Site: "ABC", Channel: "BHZ", Location: "00", DataFormat: "s4"},
			Timestamp:   t0,
			TimeLength:  10000,
			Samples:     1,
			Data:        []byte{0, 0, 0, 42},
		}},
	}, seq)
}

func run(ctx context.Context, s *Session) <-chan Result {
	resc := make(chan Result, 1)
	go func() {
		resc <- s.Run(ctx)
	}()
	return resc
}

func wait(t *testing.T, resc <-chan Result) Result {
	t.Helper()
	select {
	case res := <-resc:
		return res
	case <-time.After(timeout):
		t.Fatalf("session did not terminate")
	}
	return Result{}
}

func TestLivenessTimeout(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	s := New(srv, "AB", Consumer,
		WithLiveness(100*time.Millisecond),
		WithHeartbeat(time.Hour),
		WithLogger(msg),
	)
	if got, want := s.State(), Handshaking; got != want {
		t.Fatalf("invalid initial state: got=%v, want=%v", got, want)
	}

	res := s.Run(context.Background())
	if got, want := res.Reason, ReasonLiveness; got != want {
		t.Fatalf("invalid reason: got=%v, want=%v", got, want)
	}
	if !res.Reason.Abnormal() {
		t.Fatalf("liveness timeout should be abnormal")
	}
	if got, want := s.State(), Closed; got != want {
		t.Fatalf("invalid final state: got=%v, want=%v", got, want)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("done channel not closed")
	}

	frames := p.drain(t)
	if got, want := count(frames, frame.AlertType), 1; got != want {
		t.Fatalf("invalid number of alerts: got=%d, want=%d", got, want)
	}
	if got, want := len(frames), 1; got != want {
		t.Fatalf("invalid number of frames: got=%d, want=%d", got, want)
	}
}

func TestLivenessReset(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	s := New(srv, "AB", Consumer,
		WithLiveness(300*time.Millisecond),
		WithLogger(msg),
	)
	resc := run(context.Background(), s)

	for i := 0; i < 5; i++ {
		time.Sleep(100 * time.Millisecond)
		p.send(t, p.fac.Wrap(&frame.Acknack{FrameSet: "AB:0", Highest: math.MaxUint64}))
	}
	if got, want := s.State(), Active; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	res := wait(t, resc)
	if got, want := res.Reason, ReasonLiveness; got != want {
		t.Fatalf("invalid reason: got=%v, want=%v", got, want)
	}
}

func TestDataIngestion(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	var (
		sink  = rsdf.NewChanSink(16)
		store = gaplist.NewMemStore()
		clk   = func() time.Time { return t0 }
	)
	s := New(srv, "AB", Consumer,
		WithSink(sink),
		WithStore(store),
		WithClock(clk),
		WithLogger(msg),
	)
	resc := run(context.Background(), s)

	for _, seq := range []uint64{1, 2, 4} {
		p.send(t, dataFrame(p.fac, seq))
	}
	for _, seq := range []uint64{1, 2, 4} {
		select {
		case rec := <-sink.DataC:
			if got, want := rec.Sequence, seq; got != want {
				t.Fatalf("invalid sequence: got=%d, want=%d", got, want)
			}
			if got, want := rec.Channels, []string{"ABC.BHZ.00"}; !reflect.DeepEqual(got, want) {
				t.Fatalf("invalid channels: got=%q, want=%q", got, want)
			}
			if got, want := rec.Received, t0; !got.Equal(want) {
				t.Fatalf("invalid reception time: got=%v, want=%v", got, want)
			}
		case <-time.After(timeout):
			t.Fatalf("timeout waiting for data record %d", seq)
		}
	}

	p.send(t, p.fac.Wrap(&frame.Alert{Message: "bye"}))
	res := wait(t, resc)
	if got, want := res.Reason, ReasonPeerAlert; got != want {
		t.Fatalf("invalid reason: got=%v, want=%v", got, want)
	}

	want := gaplist.State{
		Low:  0,
		High: 5,
		Gaps: []gaplist.Gap{
			{Start: 0, End: 1, Detected: t0, Modified: t0},
			{Start: 3, End: 4, Detected: t0, Modified: t0},
		},
	}
	if got := res.Gaps; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid gap state:\ngot= %+v\nwant=%+v", got, want)
	}

	st, err := store.Load(context.Background(), "AB")
	if err != nil {
		t.Fatalf("could not load gap state: %+v", err)
	}
	if !reflect.DeepEqual(st, want) {
		t.Fatalf("invalid persisted gap state:\ngot= %+v\nwant=%+v", st, want)
	}

	if got, want := count(p.drain(t), frame.AlertType), 0; got != want {
		t.Fatalf("invalid number of alerts: got=%d, want=%d", got, want)
	}
}

func TestHeartbeatFrameSet(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	s := New(srv, "AB", Consumer,
		WithHeartbeat(20*time.Millisecond),
		WithLogger(msg),
	)
	resc := run(context.Background(), s)

	ack := p.expect(t, frame.AcknackType).Payload.(*frame.Acknack)
	if got, want := ack.FrameSet, "0:0"; got != want {
		t.Fatalf("invalid default frame set: got=%q, want=%q", got, want)
	}
	if got, want := ack.Highest, uint64(math.MaxUint64); got != want {
		t.Fatalf("invalid highest sequence: got=%d, want=%d", got, want)
	}

	p.send(t, p.fac.Wrap(&frame.Acknack{FrameSet: "AB:0", Highest: math.MaxUint64}))
	p.send(t, dataFrame(p.fac, 7))

	deadline := time.Now().Add(timeout)
	for {
		ack := p.expect(t, frame.AcknackType).Payload.(*frame.Acknack)
		if ack.FrameSet == "AB:0" && ack.Highest == 7 {
			if got, want := ack.Lowest, uint64(0); got != want {
				t.Fatalf("invalid lowest sequence: got=%d, want=%d", got, want)
			}
			if got, want := ack.Gaps, []frame.Range{{Start: 0, End: 7}}; !reflect.DeepEqual(got, want) {
				t.Fatalf("invalid gaps: got=%v, want=%v", got, want)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frame set of the peer not adopted")
		}
	}

	s.Shutdown()
	s.Shutdown() // no-op.

	alert := p.expect(t, frame.AlertType).Payload.(*frame.Alert)
	if got, want := alert.Message, "Shutdown triggered for station AB"; got != want {
		t.Fatalf("invalid alert: got=%q, want=%q", got, want)
	}

	res := wait(t, resc)
	if got, want := res.Reason, ReasonShutdown; got != want {
		t.Fatalf("invalid reason: got=%v, want=%v", got, want)
	}
	if res.Reason.Abnormal() {
		t.Fatalf("shutdown should not be abnormal")
	}
}

func TestMalformedFrame(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	sink := rsdf.NewChanSink(16)
	s := New(srv, "AB", Consumer,
		WithSink(sink),
		WithClock(func() time.Time { return t0 }),
		WithLogger(msg),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resc := run(ctx, s)

	bad := frame.Marshal(dataFrame(p.fac, 5))
	bad[frame.HeaderSize+8] = 'X' // corrupt the nominal time.
	p.sendRaw(t, bad)
	p.send(t, dataFrame(p.fac, 6))

	select {
	case rec := <-sink.MalformedC:
		if got, want := rec.Station, "AB"; got != want {
			t.Fatalf("invalid station: got=%q, want=%q", got, want)
		}
		if got, want := rec.Sequence, uint64(5); got != want {
			t.Fatalf("invalid sequence: got=%d, want=%d", got, want)
		}
		if rec.Received.IsZero() {
			t.Fatalf("missing reception time")
		}
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for malformed record")
	}

	select {
	case rec := <-sink.DataC:
		if got, want := rec.Sequence, uint64(6); got != want {
			t.Fatalf("invalid sequence: got=%d, want=%d", got, want)
		}
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for data record")
	}

	cancel()
	res := wait(t, resc)
	if got, want := res.Reason, ReasonContext; got != want {
		t.Fatalf("invalid reason: got=%v, want=%v", got, want)
	}
	want := gaplist.State{
		Low:  0,
		High: 7,
		Gaps: []gaplist.Gap{{Start: 0, End: 6, Detected: t0, Modified: t0}},
	}
	if got := res.Gaps; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid gap state:\ngot= %+v\nwant=%+v", got, want)
	}
}

func TestInvalidCRC(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	var (
		ctx  = context.Background()
		sink = rsdf.NewChanSink(16)
	)
	s := New(srv, "AB", Consumer, WithSink(sink), WithLogger(msg))
	resc := run(ctx, s)

	raw := frame.Marshal(dataFrame(p.fac, 0))
	raw[len(raw)-1] ^= 0xff
	p.sendRaw(t, raw)

	select {
	case rec := <-sink.DataC:
		if got, want := rec.Sequence, uint64(0); got != want {
			t.Fatalf("invalid sequence: got=%d, want=%d", got, want)
		}
	case rec := <-sink.MalformedC:
		t.Fatalf("frame with invalid CRC reported as malformed: %+v", rec)
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for data record")
	}

	st, err := s.Gaps(ctx)
	if err != nil {
		t.Fatalf("could not get gap state: %+v", err)
	}
	if got, want := st, (gaplist.State{Low: 0, High: 1}); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid gap state: got=%+v, want=%+v", got, want)
	}

	s.Shutdown()
	_ = wait(t, resc)
}

func TestPeerReset(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	var (
		ctx   = context.Background()
		sink  = rsdf.NewChanSink(16)
		store = gaplist.NewMemStore()
	)
	err := store.Save(ctx, "AB", gaplist.State{Low: 10, High: 20})
	if err != nil {
		t.Fatalf("could not save gap state: %+v", err)
	}

	s := New(srv, "AB", Consumer,
		WithSink(sink),
		WithStore(store),
		WithClock(func() time.Time { return t0 }),
		WithLogger(msg),
	)
	resc := run(ctx, s)

	p.send(t, p.fac.Wrap(&frame.Acknack{FrameSet: "AB:0", Lowest: 0, Highest: 5}))
	p.send(t, dataFrame(p.fac, 3))

	select {
	case <-sink.DataC:
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for data record")
	}

	s.Shutdown()
	res := wait(t, resc)
	want := gaplist.State{
		Low:  0,
		High: 4,
		Gaps: []gaplist.Gap{{Start: 0, End: 3, Detected: t0, Modified: t0}},
	}
	if got := res.Gaps; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid gap state after reset:\ngot= %+v\nwant=%+v", got, want)
	}
}

func TestNoPeerReset(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	var (
		ctx   = context.Background()
		sink  = rsdf.NewChanSink(16)
		store = gaplist.NewMemStore()
	)
	err := store.Save(ctx, "AB", gaplist.State{Low: 10, High: 20})
	if err != nil {
		t.Fatalf("could not save gap state: %+v", err)
	}

	s := New(srv, "AB", Consumer, WithSink(sink), WithStore(store), WithLogger(msg))
	resc := run(ctx, s)

	p.send(t, p.fac.Wrap(&frame.Acknack{FrameSet: "AB:0", Lowest: 0, Highest: 15}))
	p.send(t, dataFrame(p.fac, 20))

	select {
	case <-sink.DataC:
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for data record")
	}

	s.Shutdown()
	res := wait(t, resc)
	if got, want := res.Gaps.Low, uint64(10); got != want {
		t.Fatalf("invalid low watermark: got=%d, want=%d", got, want)
	}
	if got, want := res.Gaps.High, uint64(21); got != want {
		t.Fatalf("invalid high watermark: got=%d, want=%d", got, want)
	}
}

func TestCustomReset(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	var (
		ctx   = context.Background()
		store = gaplist.NewMemStore()
	)
	err := store.Save(ctx, "AB", gaplist.State{Low: 10, High: 20})
	if err != nil {
		t.Fatalf("could not save gap state: %+v", err)
	}

	s := New(srv, "AB", Consumer, WithStore(store), WithLogger(msg))
	resc := run(ctx, s)

	p.send(t, p.fac.Wrap(&frame.CustomReset{}))
	res := wait(t, resc)
	if got, want := res.Reason, ReasonReset; got != want {
		t.Fatalf("invalid reason: got=%v, want=%v", got, want)
	}

	st, err := store.Load(ctx, "AB")
	if err != nil {
		t.Fatalf("could not load gap state: %+v", err)
	}
	if !reflect.DeepEqual(st, gaplist.State{}) {
		t.Fatalf("gap state not cleared: %+v", st)
	}

	if got, want := count(p.drain(t), frame.AlertType), 1; got != want {
		t.Fatalf("invalid number of alerts: got=%d, want=%d", got, want)
	}
}

func TestOptionRequest(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	s := New(srv, "AB", Consumer, WithLogger(msg))
	resc := run(context.Background(), s)

	opts := []frame.Option{{Type: 1, Value: []byte("AB")}}
	p.send(t, p.fac.Wrap(&frame.OptionRequest{
		OptionExchange: frame.OptionExchange{Options: opts},
	}))

	rsp := p.expect(t, frame.OptionResponseType).Payload.(*frame.OptionResponse)
	if got, want := rsp.Options, opts; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid options: got=%+v, want=%+v", got, want)
	}

	s.Shutdown()
	_ = wait(t, resc)
}

func TestDisconnect(t *testing.T) {
	cli, srv := net.Pipe()

	s := New(srv, "AB", Consumer, WithLogger(msg))
	resc := run(context.Background(), s)

	cli.Close()
	res := wait(t, resc)
	if got, want := res.Reason, ReasonDisconnect; got != want {
		t.Fatalf("invalid reason: got=%v, want=%v", got, want)
	}
}

func TestPeriodicPersistence(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	var (
		ctx   = context.Background()
		store = gaplist.NewMemStore()
	)
	s := New(srv, "AB", Consumer,
		WithStore(store),
		WithPersistInterval(10*time.Millisecond),
		WithLogger(msg),
	)
	resc := run(ctx, s)

	p.send(t, dataFrame(p.fac, 5))
	p.send(t, dataFrame(p.fac, 8))

	deadline := time.Now().Add(timeout)
	for {
		st, err := store.Load(ctx, "AB")
		if err != nil {
			t.Fatalf("could not load gap state: %+v", err)
		}
		if st.High == 9 {
			if got, want := len(st.Gaps), 2; got != want {
				t.Fatalf("invalid number of gaps: got=%d, want=%d", got, want)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gap state not persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Shutdown()
	_ = wait(t, resc)
}

func TestProvider(t *testing.T) {
	cli, srv := net.Pipe()
	p := newPeer(cli)
	defer cli.Close()

	ctx := context.Background()
	s := New(srv, "AB", Provider, WithLogger(msg), WithHeartbeat(20*time.Millisecond))
	resc := run(ctx, s)

	for i := 0; i < 3; i++ {
		err := s.Send(ctx, dataFrame(frame.Factory{}, 0).Payload)
		if err != nil {
			t.Fatalf("could not send data frame %d: %+v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		f := p.expect(t, frame.DataType)
		if got, want := f.Header.Sequence, uint64(i); got != want {
			t.Fatalf("invalid sequence: got=%d, want=%d", got, want)
		}
		if got, want := f.Header.Creator, "AB"; got != want {
			t.Fatalf("invalid creator: got=%q, want=%q", got, want)
		}
	}

	ack := p.expect(t, frame.AcknackType).Payload.(*frame.Acknack)
	if got, want := ack.FrameSet, "AB:0"; got != want {
		t.Fatalf("invalid frame set: got=%q, want=%q", got, want)
	}

	st, err := s.Gaps(ctx)
	if err != nil {
		t.Fatalf("could not get gap state: %+v", err)
	}
	if got, want := st, (gaplist.State{Low: 0, High: 3}); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid live gap state: got=%+v, want=%+v", got, want)
	}

	s.Shutdown()
	res := wait(t, resc)
	if got, want := res.Gaps, (gaplist.State{Low: 0, High: 3}); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid gap state: got=%+v, want=%+v", got, want)
	}

	err = s.Send(ctx, &frame.Alert{})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrClosed)
	}

	_, err = s.Gaps(ctx)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrClosed)
	}
}

func TestStateString(t *testing.T) {
	for _, tc := range []struct {
		state State
		want  string
	}{
		{Handshaking, "handshaking"},
		{Active, "active"},
		{Closing, "closing"},
		{Closed, "closed"},
		{State(9), "State(9)"},
	} {
		if got := tc.state.String(); got != tc.want {
			t.Fatalf("invalid state name: got=%q, want=%q", got, tc.want)
		}
	}
}
