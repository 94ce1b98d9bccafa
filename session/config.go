// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/cd11/gaplist"
	"github.com/go-lpc/cd11/rsdf"
)

type config struct {
	heartbeat    time.Duration
	liveness     time.Duration
	persist      time.Duration
	expiration   time.Duration
	writeTimeout time.Duration

	creator          string
	destination      string
	authKeyID        uint32
	frameSet         string
	explicitFrameSet bool

	store gaplist.Store
	sink  rsdf.Sink
	msg   log.MsgStream
	now   func() time.Time
}

func newConfig(station string, role Role, opts []Option) config {
	cfg := config{
		heartbeat:    DefaultHeartbeat,
		liveness:     DefaultLiveness,
		persist:      DefaultPersistInterval,
		writeTimeout: DefaultWriteTimeout,
		store:        gaplist.NewMemStore(),
		sink:         rsdf.Discard,
		now:          time.Now,
	}
	switch role {
	case Provider:
		cfg.creator = station
		cfg.destination = "0"
		cfg.frameSet = station + ":0"
	default:
		cfg.creator = "0"
		cfg.destination = station
		cfg.frameSet = "0:0"
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures a Session.
type Option func(*config)

// WithHeartbeat sets the interval between two acknack heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.heartbeat = d
		}
	}
}

// WithLiveness sets the duration without inbound frame after which
// the session is closed.
func WithLiveness(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.liveness = d
		}
	}
}

// WithPersistInterval sets the interval between two saves of the gap state.
func WithPersistInterval(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.persist = d
		}
	}
}

// WithGapExpiration enables the removal of gaps older than d.
func WithGapExpiration(d time.Duration) Option {
	return func(cfg *config) {
		cfg.expiration = d
	}
}

// WithWriteTimeout bounds the duration of a frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.writeTimeout = d
		}
	}
}

// WithFrameSet sets the frame set identifier sent in acknacks.
// A consumer session with an explicit frame set does not adopt the
// frame set of its peer.
func WithFrameSet(id string) Option {
	return func(cfg *config) {
		cfg.frameSet = id
		cfg.explicitFrameSet = true
	}
}

// WithFrameHeader sets the creator and destination of outbound frames.
func WithFrameHeader(creator, destination string) Option {
	return func(cfg *config) {
		cfg.creator = creator
		cfg.destination = destination
	}
}

// WithAuthKey sets the authentication key identifier of outbound frames.
func WithAuthKey(id uint32) Option {
	return func(cfg *config) {
		cfg.authKeyID = id
	}
}

// WithStore sets the store persisting the gap state.
func WithStore(store gaplist.Store) Option {
	return func(cfg *config) {
		if store != nil {
			cfg.store = store
		}
	}
}

// WithSink sets the sink receiving data and malformed frame records.
func WithSink(sink rsdf.Sink) Option {
	return func(cfg *config) {
		if sink != nil {
			cfg.sink = sink
		}
	}
}

// WithLogger sets the message stream of the session.
func WithLogger(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithClock sets the clock used to timestamp received frames and gaps.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}
