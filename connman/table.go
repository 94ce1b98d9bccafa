// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package connman implements the CD1.1 connection manager: it answers
// station connection requests with the address of their data consumer.
package connman // import "github.com/go-lpc/cd11/connman"

import (
	"net/netip"
	"sort"
	"sync"
)

// StationEndpoint describes where the data of a station should be sent.
type StationEndpoint struct {
	Name         string     `json:"name"`
	ConsumerIP   netip.Addr `json:"consumer_ip"`
	ConsumerPort uint16     `json:"consumer_port"`
	ProviderIP   netip.Addr `json:"provider_ip"`
	Ignored      bool       `json:"ignored"`
}

// Table is the set of known stations, indexed by name.
// Table is safe for concurrent use.
type Table struct {
	mu  sync.RWMutex
	eps map[string]StationEndpoint
}

// NewTable returns a table holding eps.
func NewTable(eps []StationEndpoint) *Table {
	tbl := &Table{}
	tbl.Replace(eps)
	return tbl
}

// Lookup returns the endpoint of the named station.
func (tbl *Table) Lookup(name string) (StationEndpoint, bool) {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	ep, ok := tbl.eps[name]
	return ep, ok
}

// Replace atomically replaces the content of the table.
func (tbl *Table) Replace(eps []StationEndpoint) {
	m := make(map[string]StationEndpoint, len(eps))
	for _, ep := range eps {
		m[ep.Name] = ep
	}

	tbl.mu.Lock()
	tbl.eps = m
	tbl.mu.Unlock()
}

// Endpoints returns the endpoints of the table, sorted by station name.
func (tbl *Table) Endpoints() []StationEndpoint {
	tbl.mu.RLock()
	out := make([]StationEndpoint, 0, len(tbl.eps))
	for _, ep := range tbl.eps {
		out = append(out, ep)
	}
	tbl.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
