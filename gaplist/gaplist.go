// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gaplist tracks the sequence numbers received over a CD1.1
// frame set and the gaps between them.
package gaplist // import "github.com/go-lpc/cd11/gaplist"

import (
	"math"
	"sort"
	"time"

	"github.com/go-lpc/cd11/frame"
)

// Gap is a half-open range [Start, End) of missing sequence numbers.
type Gap struct {
	Start    uint64    `json:"start"`
	End      uint64    `json:"end"`
	Detected time.Time `json:"detected"`
	Modified time.Time `json:"modified"`
}

// State is the persisted form of a List.
type State struct {
	Low  uint64 `json:"low"`
	High uint64 `json:"high"`
	Gaps []Gap  `json:"gaps,omitempty"`
}

// List records the sequence numbers seen on a frame set.
//
// Every sequence number in [Low, High) has been received, except for
// those listed in the gaps. Gaps are disjoint and sorted.
//
// List is not safe for concurrent use: it is owned by a single
// session loop.
type List struct {
	low  uint64
	high uint64
	gaps []Gap

	now func() time.Time
}

// Option configures a List.
type Option func(*List)

// WithClock sets the clock used to timestamp gaps.
func WithClock(now func() time.Time) Option {
	return func(l *List) {
		l.now = now
	}
}

// New returns an empty List.
func New(opts ...Option) *List {
	l := &List{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Low returns the lowest sequence number tracked.
func (l *List) Low() uint64 { return l.low }

// High returns one past the highest sequence number received.
func (l *List) High() uint64 { return l.high }

// Gaps returns a copy of the current gaps.
func (l *List) Gaps() []Gap {
	if len(l.gaps) == 0 {
		return nil
	}
	return append([]Gap(nil), l.gaps...)
}

// Record marks the sequence number n as received.
// Numbers between the high watermark and n are recorded as a new gap,
// starting from zero on a fresh or reset list.
// Recording a sequence number twice is a no-op, as is recording a
// sequence number below the low watermark.
func (l *List) Record(n uint64) {
	if n == math.MaxUint64 {
		// can not be represented by a half-open range.
		return
	}

	switch {
	case n == l.high:
		l.high = n + 1
	case n > l.high:
		now := l.now()
		l.gaps = append(l.gaps, Gap{Start: l.high, End: n, Detected: now, Modified: now})
		l.high = n + 1
	case n < l.low:
		// stale.
	default:
		l.fill(n)
	}
}

// fill removes n from the gap containing it, if any.
func (l *List) fill(n uint64) {
	i := sort.Search(len(l.gaps), func(i int) bool {
		return l.gaps[i].End > n
	})
	if i == len(l.gaps) || l.gaps[i].Start > n {
		return // duplicate.
	}

	var (
		now = l.now()
		g   = &l.gaps[i]
	)
	switch {
	case g.Start == n && g.End == n+1:
		l.gaps = append(l.gaps[:i], l.gaps[i+1:]...)
	case g.Start == n:
		g.Start++
		g.Modified = now
	case g.End == n+1:
		g.End--
		g.Modified = now
	default:
		right := Gap{Start: n + 1, End: g.End, Detected: g.Detected, Modified: now}
		g.End = n
		g.Modified = now
		l.gaps = append(l.gaps, Gap{})
		copy(l.gaps[i+2:], l.gaps[i+1:])
		l.gaps[i+1] = right
	}
}

// Acknack returns the acknack payload describing the state of the list.
// The highest sequence number wraps to math.MaxUint64 when nothing was
// received.
func (l *List) Acknack(frameSet string) *frame.Acknack {
	ack := &frame.Acknack{
		FrameSet: frameSet,
		Lowest:   l.low,
		Highest:  l.high - 1,
	}
	for _, g := range l.gaps {
		ack.Gaps = append(ack.Gaps, frame.Range{Start: g.Start, End: g.End})
	}
	return ack
}

// CheckForReset compares the list with an acknack received from the peer.
// When the peer reports a highest sequence number below the low
// watermark, the peer has restarted its numbering: the list is cleared
// and CheckForReset returns true.
func (l *List) CheckForReset(peer *frame.Acknack) bool {
	if peer == nil || peer.Lowest > peer.Highest {
		return false
	}
	if peer.Highest >= l.low {
		return false
	}
	l.Reset()
	return true
}

// RemoveExpired drops the gaps detected more than maxAge ago and returns
// the number of gaps removed. A non-positive maxAge disables expiration.
func (l *List) RemoveExpired(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	var (
		cutoff = l.now().Add(-maxAge)
		gaps   = l.gaps[:0]
	)
	for _, g := range l.gaps {
		if g.Detected.Before(cutoff) {
			continue
		}
		gaps = append(gaps, g)
	}
	n := len(l.gaps) - len(gaps)
	l.gaps = gaps
	if len(l.gaps) == 0 {
		l.gaps = nil
	}
	return n
}

// Reset clears the list.
func (l *List) Reset() {
	l.low = 0
	l.high = 0
	l.gaps = nil
}

// State returns a snapshot of the list, suitable for persistence.
func (l *List) State() State {
	return State{Low: l.low, High: l.high, Gaps: l.Gaps()}
}

// Restore replaces the content of the list with st.
// Inconsistent gaps, overlapping or outside of [Low, High), are dropped.
func (l *List) Restore(st State) {
	l.low = st.Low
	l.high = st.High
	if l.high < l.low {
		l.high = l.low
	}
	l.gaps = nil

	gaps := append([]Gap(nil), st.Gaps...)
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Start < gaps[j].Start })
	next := l.low
	for _, g := range gaps {
		if g.Start < next || g.End <= g.Start || g.End > l.high {
			continue
		}
		l.gaps = append(l.gaps, g)
		next = g.End
	}
}
