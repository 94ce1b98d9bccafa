// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command cd11-station is an interactive CD1.1 data provider.
//
// cd11-station asks the connection manager for the data consumer of a
// station, connects to it and sends frames on demand.
//
// Usage: cd11-station [OPTIONS]
//
// Example:
//
//	$> cd11-station -addr=localhost:8041 -station=AB
//	cd11> data 10
//	cd11> gaps
//	low=0 high=10 gaps=0
//	cd11> quit
package main // import "github.com/go-lpc/cd11/cmd/cd11-station"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/cd11"
	"github.com/go-lpc/cd11/frame"
	"github.com/go-lpc/cd11/internal/config"
	"github.com/go-lpc/cd11/provider"
	"github.com/go-lpc/cd11/session"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("cd11-station: ")
	log.SetFlags(0)

	var (
		addr    = flag.String("addr", "localhost:8041", "address of the connection manager")
		station = flag.String("station", "", "name of the station")
		site    = flag.String("site", "", "site of the generated channel (default: station name)")
		lvl     = flag.String("lvl", "info", "verbosity level (debug, info, warn, error)")
		hbeat   = flag.Duration("heartbeat", session.DefaultHeartbeat, "interval between two heartbeats")
		vers    = flag.Bool("version", false, "print version and exit")
	)

	flag.Parse()

	if *vers {
		cd11.PrintVersion(os.Stdout, "cd11-station")
		return
	}

	if *station == "" {
		flag.Usage()
		log.Fatalf("missing station name")
	}
	if *site == "" {
		*site = *station
	}

	level, err := config.ParseLevel(*lvl)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	msg := tlog.NewMsgStream("cd11-"+*station, level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cli := provider.New(*addr, provider.WithLogger(msg), provider.WithRetries(5))
	conn, err := cli.Connect(ctx, *station)
	if err != nil {
		log.Fatalf("could not connect: %+v", err)
	}

	sess := session.New(conn, *station, session.Provider,
		session.WithLogger(msg),
		session.WithHeartbeat(*hbeat),
	)
	resc := make(chan session.Result, 1)
	go func() {
		resc <- sess.Run(ctx)
	}()

	err = prompt(ctx, sess, newGenerator(*site), os.Stdout)
	if err != nil {
		log.Printf("%+v", err)
	}

	sess.Shutdown()
	res := <-resc
	log.Printf("session closed: %v (low=%d, high=%d, gaps=%d)",
		res.Reason, res.Gaps.Low, res.Gaps.High, len(res.Gaps.Gaps),
	)
}

func prompt(ctx context.Context, sess *session.Session, gen *generator, w io.Writer) error {
	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)
	term.SetCompleter(func(line string) []string {
		var out []string
		for _, cmd := range []string{"data", "alert", "reset", "gaps", "help", "quit"} {
			if strings.HasPrefix(cmd, strings.ToLower(line)) {
				out = append(out, cmd)
			}
		}
		return out
	})

	for {
		line, err := term.Prompt("cd11> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		quit, err := eval(ctx, sess, gen, w, line)
		if err != nil {
			fmt.Fprintf(w, "error: %+v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// eval runs a command line and reports whether the session is over.
func eval(ctx context.Context, sess *session.Session, gen *generator, w io.Writer, line string) (bool, error) {
	var (
		toks = strings.Fields(line)
		args = toks[1:]
	)
	switch strings.ToLower(toks[0]) {
	case "data":
		n := 1
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				return false, fmt.Errorf("invalid number of frames %q", args[0])
			}
			n = v
		}
		for i := 0; i < n; i++ {
			err := sess.Send(ctx, gen.next())
			if err != nil {
				return errors.Is(err, session.ErrClosed), fmt.Errorf("could not send data frame: %w", err)
			}
		}
		fmt.Fprintf(w, "sent %d data frame(s)\n", n)
		return false, nil

	case "alert":
		txt := strings.Join(args, " ")
		if txt == "" {
			txt = "closing connection"
		}
		err := sess.Send(ctx, &frame.Alert{Message: txt})
		if err != nil {
			return true, fmt.Errorf("could not send alert: %w", err)
		}
		return true, nil

	case "reset":
		err := sess.Send(ctx, &frame.CustomReset{})
		if err != nil {
			return true, fmt.Errorf("could not send reset: %w", err)
		}
		return true, nil

	case "gaps":
		st, err := sess.Gaps(ctx)
		if err != nil {
			return errors.Is(err, session.ErrClosed), err
		}
		fmt.Fprintf(w, "low=%d high=%d gaps=%d\n", st.Low, st.High, len(st.Gaps))
		for _, gap := range st.Gaps {
			fmt.Fprintf(w, "  [%d, %d)\n", gap.Start, gap.End)
		}
		return false, nil

	case "help":
		fmt.Fprintf(w, `commands:
  data [n]       send n data frames (default: 1)
  alert [msg]    send an alert and close the session
  reset          send a custom reset and close the session
  gaps           display the gap state of the session
  quit           close the session
`)
		return false, nil

	case "quit", "exit":
		return true, nil
	}

	return false, fmt.Errorf("unknown command %q", toks[0])
}

// generator creates synthetic data frames for a single channel.
type generator struct {
	desc frame.ChannelDescription
	tlen time.Duration
	rate int // samples per second
	t    time.Time // nominal time of the next frame
	cnt  int32
}

func newGenerator(site string) *generator {
	if len(site) > 5 {
		site = site[:5]
	}
	return &generator{
		desc: frame.ChannelDescription{
			Site:       site,
			Channel:    "BHZ",
			Location:   "00",
			DataFormat: "s4",
		},
		tlen: 10 * time.Second,
		rate: 20,
		t:    time.Now().UTC().Truncate(time.Second),
	}
}

func (gen *generator) next() *frame.Data {
	var (
		n    = int(gen.tlen/time.Second) * gen.rate
		data = make([]byte, 4*n)
		beg  = gen.t
	)
	for i := 0; i < n; i++ {
		v := uint32(gen.cnt)
		data[4*i+0] = byte(v >> 24)
		data[4*i+1] = byte(v >> 16)
		data[4*i+2] = byte(v >> 8)
		data[4*i+3] = byte(v)
		gen.cnt++
	}
	gen.t = gen.t.Add(gen.tlen)

	ms := uint32(gen.tlen / time.Millisecond)
	return &frame.Data{
		Header: frame.ChannelSubframeHeader{
			FrameTimeLength: ms,
			NominalTime:     beg,
			ChannelString:   fmt.Sprintf("%-5s%-3s%-2s", gen.desc.Site, gen.desc.Channel, gen.desc.Location),
		},
		Subframes: []frame.ChannelSubframe{{
			Description: gen.desc,
			Timestamp:   beg,
			TimeLength:  ms,
			Samples:     uint32(n),
			Data:        data,
		}},
	}
}
