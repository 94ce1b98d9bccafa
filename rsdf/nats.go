// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rsdf

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

const (
	dataSubject      = "cd11.rsdf"
	malformedSubject = "cd11.malformed"
)

type publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes records as JSON documents on NATS subjects:
// cd11.rsdf.<station> and cd11.malformed.<station>.
type NATSSink struct {
	pub publisher
	nc  *nats.Conn
}

// DialNATS connects to the NATS server at url.
func DialNATS(url, name string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("rsdf: could not connect to NATS server %q: %w", url, err)
	}
	return &NATSSink{pub: nc, nc: nc}, nil
}

// Close flushes pending records and closes the connection.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	err := s.nc.Drain()
	if err != nil {
		return fmt.Errorf("rsdf: could not drain NATS connection: %w", err)
	}
	return nil
}

func (s *NATSSink) Data(ctx context.Context, rec Record) error {
	return s.publish(dataSubject, rec.Station, rec)
}

func (s *NATSSink) Malformed(ctx context.Context, rec MalformedRecord) error {
	return s.publish(malformedSubject, rec.Station, rec)
}

func (s *NATSSink) publish(prefix, station string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rsdf: could not encode record: %w", err)
	}

	subj := subject(prefix, station)
	err = s.pub.Publish(subj, raw)
	if err != nil {
		return fmt.Errorf("rsdf: could not publish on %q: %w", subj, err)
	}
	return nil
}

func subject(prefix, station string) string {
	if station == "" {
		station = "unknown"
	}
	// NATS tokens can not contain whitespace, '.', '*' or '>'.
	station = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, station)
	return prefix + "." + station
}
