// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cd11 acquires seismic station data over the CD1.1 protocol.
//
// The frame package encodes and decodes CD1.1 frames. The connman
// package redirects stations to their data consumer, the dataman package
// runs the data consumer and the provider package runs the station side
// of a connection. Sessions, in the session package, exchange data frames
// and acknack heartbeats and track sequence gaps with the gaplist package.
package cd11 // import "github.com/go-lpc/cd11"

import (
	"fmt"
	"io"
	"runtime/debug"
)

// Version returns the version of cd11 and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

// PrintVersion writes the version of the named command to w.
func PrintVersion(w io.Writer, cmd string) {
	version, sum := Version()
	if version == "" {
		version = "(devel)"
	}
	if sum != "" {
		fmt.Fprintf(w, "%s %s %s\n", cmd, version, sum)
		return
	}
	fmt.Fprintf(w, "%s %s\n", cmd, version)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	const root = "github.com/go-lpc/cd11"
	if b.Main.Path == root {
		// commands of this module.
		return b.Main.Version, b.Main.Sum
	}
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		if m.Replace != nil {
			switch {
			case m.Replace.Version != "" && m.Replace.Path != "":
				return fmt.Sprintf("%s %s", m.Replace.Path, m.Replace.Version), m.Replace.Sum
			case m.Replace.Version != "":
				return m.Replace.Version, m.Replace.Sum
			case m.Replace.Path != "":
				return m.Replace.Path, m.Replace.Sum
			default:
				return m.Version + "*", ""
			}
		}
		return m.Version, m.Sum
	}
	return "", ""
}
