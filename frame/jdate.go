// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/xerrors"
)

const jdLen = 20 // len("YYYYDDD HH:MM:SS.mmm")

// FormatJD formats t as a CD1.1 Julian-day timestamp, YYYYDDD HH:MM:SS.mmm.
// t is converted to UTC and truncated to the millisecond.
func FormatJD(t time.Time) string {
	t = t.UTC()
	year := t.Year()
	switch {
	case year < 0:
		year = 0
	case year > 9999:
		year = 9999
	}
	return fmt.Sprintf(
		"%04d%03d %02d:%02d:%02d.%03d",
		year, t.YearDay(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/int(time.Millisecond),
	)
}

// ParseJD parses a CD1.1 Julian-day timestamp.
func ParseJD(s string) (time.Time, error) {
	if len(s) != jdLen {
		return time.Time{}, xerrors.Errorf("frame: invalid julian date length %d", len(s))
	}
	if s[7] != ' ' || s[10] != ':' || s[13] != ':' || s[16] != '.' {
		return time.Time{}, xerrors.Errorf("frame: invalid julian date %q", s)
	}

	var err error
	num := func(beg, end, max int) int {
		if err != nil {
			return 0
		}
		var v int
		v, err = strconv.Atoi(s[beg:end])
		if err == nil && (v < 0 || v > max) {
			err = fmt.Errorf("field %q out of range", s[beg:end])
		}
		return v
	}

	var (
		year = num(0, 4, 9999)
		doy  = num(4, 7, 366)
		hh   = num(8, 10, 23)
		mm   = num(11, 13, 59)
		ss   = num(14, 16, 60)
		ms   = num(17, 20, 999)
	)
	if err == nil && doy == 0 {
		err = fmt.Errorf("invalid day of year")
	}
	if err != nil {
		return time.Time{}, xerrors.Errorf("frame: invalid julian date %q: %w", s, err)
	}

	t := time.Date(year, time.January, 1, hh, mm, ss, ms*int(time.Millisecond), time.UTC)
	return t.AddDate(0, 0, doy-1), nil
}
