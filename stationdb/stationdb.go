// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stationdb reads the table of the acquired stations and of
// their data consumers from a SQL database.
package stationdb // import "github.com/go-lpc/cd11/stationdb"

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	"github.com/go-lpc/cd11/connman"
	_ "github.com/go-sql-driver/mysql"
)

const timeout = 5 * time.Second

var drvName = "mysql"

// DB is a connection to a station database.
type DB struct {
	db *sql.DB
}

// Open opens a connection to the station database described by dsn,
// e.g. "user:pwd@tcp(localhost:3306)/cd11".
func Open(dsn string) (*DB, error) {
	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("stationdb: could not open db: %w", err)
	}

	err = ping(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("stationdb: could not ping db: %w", err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Stations returns the station table.
func (db *DB) Stations(ctx context.Context) ([]connman.StationEndpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT name, consumer_ip, consumer_port, provider_ip, ignored FROM cd11_stations ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("stationdb: could not query stations: %w", err)
	}
	defer rows.Close()

	var eps []connman.StationEndpoint
	for rows.Next() {
		var (
			ep       connman.StationEndpoint
			consumer sql.NullString
			provider sql.NullString
			port     sql.NullInt64
		)
		err = rows.Scan(&ep.Name, &consumer, &port, &provider, &ep.Ignored)
		if err != nil {
			return nil, fmt.Errorf("stationdb: could not scan station: %w", err)
		}

		if port.Valid {
			if port.Int64 < 0 || port.Int64 > 0xffff {
				return nil, fmt.Errorf("stationdb: invalid consumer port %d for station %q", port.Int64, ep.Name)
			}
			ep.ConsumerPort = uint16(port.Int64)
		}
		ep.ConsumerIP, err = parseAddr(consumer)
		if err != nil {
			return nil, fmt.Errorf("stationdb: invalid consumer address for station %q: %w", ep.Name, err)
		}
		ep.ProviderIP, err = parseAddr(provider)
		if err != nil {
			return nil, fmt.Errorf("stationdb: invalid provider address for station %q: %w", ep.Name, err)
		}
		eps = append(eps, ep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stationdb: could not scan stations: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("stationdb: context error while retrieving stations: %w", err)
	}

	return eps, nil
}

func parseAddr(s sql.NullString) (netip.Addr, error) {
	if !s.Valid || s.String == "" {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(s.String)
}
