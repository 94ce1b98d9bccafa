// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// cd11-dump decodes and displays files of concatenated CD1.1 frames.
//
// Usage: cd11-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> cd11-dump -v ./testdata/ab.cd11
//	=== Data frame #0 ===
//	creator:     AB
//	destination: 0
//	series:      0
//	size:        180
//	crc:         ok
//	time:        2020183 00:00:00.000 (10000 ms)
//	channels:    ABC.BHZ.00
//	  ABC.BHZ.00 s4 samples=1 2020183 00:00:00.000
//	[...]
package main // import "github.com/go-lpc/cd11/cmd/cd11-dump"

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/go-lpc/cd11"
	"github.com/go-lpc/cd11/frame"
)

func main() {
	log.SetPrefix("cd11-dump: ")
	log.SetFlags(0)

	var (
		verbose = flag.Bool("v", false, "display channel subframes")
		vers    = flag.Bool("version", false, "print version and exit")
	)

	flag.Usage = func() {
		fmt.Printf(`cd11-dump decodes and displays files of concatenated CD1.1 frames.

Usage: cd11-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> cd11-dump -v ./testdata/ab.cd11
 === Data frame #0 ===
 creator:     AB
 destination: 0
 [...]

`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if *vers {
		cd11.PrintVersion(os.Stdout, "cd11-dump")
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing path to input CD1.1 file")
	}

	for _, fname := range flag.Args() {
		err := process(os.Stdout, fname, *verbose)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, verbose bool) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	dec := frame.NewDecoder(bufio.NewReader(f))
loop:
	for {
		var fr frame.Frame
		raw, err := dec.Decode(&fr)
		if err != nil {
			var mf *frame.MalformedFrame
			switch {
			case errors.Is(err, io.EOF):
				break loop
			case errors.As(err, &mf):
				fmt.Fprintf(wbuf, "=== malformed frame ===\n%v\n", mf)
				continue
			default:
				return fmt.Errorf("could not decode frame: %w", err)
			}
		}
		dump(wbuf, &fr, raw, verbose)
	}

	return nil
}

func dump(w io.Writer, f *frame.Frame, raw []byte, verbose bool) {
	crc := "ok"
	if !frame.IsValidCRC(raw, f) {
		crc = "invalid"
	}
	fmt.Fprintf(w, "=== %v frame #%d ===\n", f.Type(), f.Header.Sequence)
	fmt.Fprintf(w, "creator:     %s\n", f.Header.Creator)
	fmt.Fprintf(w, "destination: %s\n", f.Header.Destination)
	fmt.Fprintf(w, "series:      %d\n", f.Header.Series)
	fmt.Fprintf(w, "size:        %d\n", len(raw))
	fmt.Fprintf(w, "crc:         %s\n", crc)

	switch p := f.Payload.(type) {
	case *frame.Data:
		dumpData(w, p, verbose)
	case *frame.CD1Encapsulation:
		dumpData(w, &p.Data, verbose)
	case *frame.Acknack:
		fmt.Fprintf(w, "frame-set:   %s\n", p.FrameSet)
		fmt.Fprintf(w, "range:       [%d, %d]\n", p.Lowest, p.Highest)
		for _, gap := range p.Gaps {
			fmt.Fprintf(w, "  gap=[%d, %d)\n", gap.Start, gap.End)
		}
	case *frame.Alert:
		fmt.Fprintf(w, "message:     %q\n", p.Message)
	case *frame.ConnectionRequest:
		fmt.Fprintf(w, "station:     %s (%s, v%d.%d)\n", p.Name, p.Kind, p.MajorVersion, p.MinorVersion)
	case *frame.ConnectionResponse:
		fmt.Fprintf(w, "responder:   %s (%s, v%d.%d)\n", p.Name, p.Kind, p.MajorVersion, p.MinorVersion)
		fmt.Fprintf(w, "consumer:    %v\n", p.Addr())
	case *frame.CommandRequest:
		fmt.Fprintf(w, "command:     %q\n", p.Message)
	case *frame.CommandResponse:
		fmt.Fprintf(w, "response:    %q\n", p.Response)
	}
}

func dumpData(w io.Writer, d *frame.Data, verbose bool) {
	fmt.Fprintf(w, "time:        %s (%d ms)\n", frame.FormatJD(d.Header.NominalTime), d.Header.FrameTimeLength)
	fmt.Fprintf(w, "channels:    %s\n", strings.Join(d.Header.Channels(), " "))
	if !verbose {
		return
	}
	for i := range d.Subframes {
		sub := &d.Subframes[i]
		fmt.Fprintf(w, "  %s %s samples=%d %s\n",
			sub.Description.Name(), sub.Description.DataFormat,
			sub.Samples, frame.FormatJD(sub.Timestamp),
		)
	}
}
