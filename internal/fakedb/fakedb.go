// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb provides an in-memory database/sql driver returning
// canned rows.
package fakedb // import "github.com/go-lpc/cd11/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
)

// DriverName is the name the driver is registered with.
const DriverName = "fakedb"

var query struct {
	mu    sync.Mutex
	rows  Rows
	stmts []string
}

// Run runs f while queries return rows.
// Run returns the statements prepared during f and the error of f.
func Run(ctx context.Context, rows Rows, f func(ctx context.Context) error) ([]string, error) {
	query.mu.Lock()
	defer query.mu.Unlock()

	query.rows = rows
	query.stmts = nil
	err := f(ctx)
	return query.stmts, err
}

func init() {
	sql.Register(DriverName, &Driver{})
}

type Driver struct{}

// Open returns a new connection to the database.
func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

// Prepare returns a prepared statement, bound to this connection.
// Run holds the query lock while statements are prepared.
func (c *Conn) Prepare(q string) (driver.Stmt, error) {
	query.stmts = append(query.stmts, q)
	return &Stmt{}, nil
}

func (c *Conn) Close() error { return nil }

func (c *Conn) Begin() (driver.Tx, error) {
	panic("not implemented")
}

type Stmt struct{}

func (stmt *Stmt) Close() error { return nil }

// NumInput returns -1: placeholders are not checked.
func (stmt *Stmt) NumInput() int { return -1 }

func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	panic("not implemented")
}

func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	if query.rows.Err != nil {
		return nil, query.rows.Err
	}
	return &query.rows, nil
}

// Rows are the canned results of a query.
type Rows struct {
	Names  []string
	Values [][]driver.Value
	Err    error // returned by queries, when set
}

func (rows *Rows) Columns() []string {
	return rows.Names
}

func (rows *Rows) Close() error {
	return nil
}

// Next populates dest with the next row or returns io.EOF.
func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*Conn)(nil)
	_ driver.Stmt   = (*Stmt)(nil)
	_ driver.Rows   = (*Rows)(nil)
)
