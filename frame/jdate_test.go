// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"testing"
	"time"
)

func TestJD(t *testing.T) {
	for _, tc := range []struct {
		t    time.Time
		want string
	}{
		{
			t:    time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
			want: "2020001 00:00:00.000",
		},
		{
			t:    time.Date(2020, time.December, 31, 23, 59, 59, 999*int(time.Millisecond), time.UTC),
			want: "2020366 23:59:59.999",
		},
		{
			t:    time.Date(2019, time.March, 1, 12, 30, 15, 42*int(time.Millisecond), time.UTC),
			want: "2019060 12:30:15.042",
		},
		{
			t:    time.Time{},
			want: "0001001 00:00:00.000",
		},
	} {
		t.Run(tc.want, func(t *testing.T) {
			if got, want := FormatJD(tc.t), tc.want; got != want {
				t.Fatalf("invalid format: got=%q, want=%q", got, want)
			}
			got, err := ParseJD(tc.want)
			if err != nil {
				t.Fatalf("could not parse julian date: %+v", err)
			}
			if !got.Equal(tc.t) {
				t.Fatalf("invalid parse: got=%v, want=%v", got, tc.t)
			}
		})
	}
}

func TestJDTruncation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	v := time.Date(2020, time.February, 3, 6, 7, 8, 123456789, loc)
	if got, want := FormatJD(v), "2020034 04:07:08.123"; got != want {
		t.Fatalf("invalid format: got=%q, want=%q", got, want)
	}
}

func TestParseJDInvalid(t *testing.T) {
	for _, s := range []string{
		"",
		"2020001 00:00:00.00",
		"2020001T00:00:00.000",
		"2020000 00:00:00.000",
		"2020367 00:00:00.000",
		"2020001 24:00:00.000",
		"2020001 00:60:00.000",
		"2020001 00:00:00.abc",
		"20a0001 00:00:00.000",
	} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseJD(s)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
