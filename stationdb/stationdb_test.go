// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stationdb

import (
	"context"
	"database/sql/driver"
	"errors"
	"net/netip"
	"reflect"
	"strings"
	"testing"

	"github.com/go-lpc/cd11/connman"
	"github.com/go-lpc/cd11/internal/fakedb"
)

func init() {
	drvName = fakedb.DriverName
}

var columns = []string{"name", "consumer_ip", "consumer_port", "provider_ip", "ignored"}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open stationdb: %+v", err)
	}
	defer db.Close()
}

func TestStations(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open stationdb: %+v", err)
	}
	defer db.Close()

	stmts, err := fakedb.Run(context.Background(), fakedb.Rows{
		Names: columns,
		Values: [][]driver.Value{
			{"AB", "10.0.0.1", int64(8100), "192.168.1.10", int64(0)},
			{"CD", []byte("10.0.0.2"), int64(8101), nil, int64(1)},
		},
	}, func(ctx context.Context) error {
		eps, err := db.Stations(ctx)
		if err != nil {
			return err
		}

		want := []connman.StationEndpoint{
			{
				Name:         "AB",
				ConsumerIP:   netip.MustParseAddr("10.0.0.1"),
				ConsumerPort: 8100,
				ProviderIP:   netip.MustParseAddr("192.168.1.10"),
			},
			{
				Name:         "CD",
				ConsumerIP:   netip.MustParseAddr("10.0.0.2"),
				ConsumerPort: 8101,
				Ignored:      true,
			},
		}
		if !reflect.DeepEqual(eps, want) {
			t.Fatalf("invalid stations:\ngot= %+v\nwant=%+v", eps, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not retrieve stations: %+v", err)
	}

	if len(stmts) != 1 || !strings.Contains(stmts[0], "FROM cd11_stations") {
		t.Fatalf("invalid statements: %q", stmts)
	}
}

func TestStationsErrors(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open stationdb: %+v", err)
	}
	defer db.Close()

	errBoom := errors.New("boom")

	for _, tc := range []struct {
		name string
		rows fakedb.Rows
		want string
	}{
		{
			name: "query",
			rows: fakedb.Rows{Err: errBoom},
			want: "could not query stations",
		},
		{
			name: "consumer-ip",
			rows: fakedb.Rows{
				Names:  columns,
				Values: [][]driver.Value{{"AB", "10.0.0", int64(8100), nil, int64(0)}},
			},
			want: "invalid consumer address",
		},
		{
			name: "provider-ip",
			rows: fakedb.Rows{
				Names:  columns,
				Values: [][]driver.Value{{"AB", "10.0.0.1", int64(8100), "host", int64(0)}},
			},
			want: "invalid provider address",
		},
		{
			name: "port",
			rows: fakedb.Rows{
				Names:  columns,
				Values: [][]driver.Value{{"AB", "10.0.0.1", int64(70000), nil, int64(0)}},
			},
			want: "invalid consumer port",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fakedb.Run(context.Background(), tc.rows, func(ctx context.Context) error {
				_, err := db.Stations(ctx)
				return err
			})
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("invalid error: got=%q, want=%q", err, tc.want)
			}
		})
	}
}
