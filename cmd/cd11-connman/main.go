// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command cd11-connman runs a CD1.1 connection manager.
//
// The connection manager redirects each station to its assigned data
// consumer. The station table is read from the configuration file or,
// when -db is set, from a MySQL database. It is reloaded on SIGHUP.
//
// Usage: cd11-connman [OPTIONS]
//
// Example:
//
//	$> cd11-connman -addr=:8041 -cfg=./cd11.yaml
package main // import "github.com/go-lpc/cd11/cmd/cd11-connman"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/cd11"
	"github.com/go-lpc/cd11/connman"
	"github.com/go-lpc/cd11/internal/config"
	"github.com/go-lpc/cd11/stationdb"
)

func main() {
	log.SetPrefix("cd11-connman: ")
	log.SetFlags(0)

	var (
		addr  = flag.String("addr", "", "address to listen on (default from config)")
		fname = flag.String("cfg", "", "path to YAML configuration file")
		dsn   = flag.String("db", "", "DSN of the station database (e.g. user:pwd@tcp(host)/cd11)")
		lvl   = flag.String("lvl", "", "verbosity level (debug, info, warn, error)")
		vers  = flag.Bool("version", false, "print version and exit")
	)

	flag.Parse()

	if *vers {
		cd11.PrintVersion(os.Stdout, "cd11-connman")
		return
	}

	cfg, err := config.Load(*fname)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	if *addr != "" {
		cfg.Connman.Addr = *addr
	}
	if *dsn != "" {
		cfg.Connman.DB = *dsn
	}
	if *lvl != "" {
		cfg.LogLevel = *lvl
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, *fname)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, cfg config.Config, fname string) error {
	lvl, err := cfg.Level()
	if err != nil {
		return err
	}
	msg := tlog.NewMsgStream("cd11-connman", lvl, os.Stdout)

	eps, err := stations(ctx, cfg)
	if err != nil {
		return err
	}
	tbl := connman.NewTable(eps)
	msg.Infof("loaded %d stations", len(eps))

	ln, err := net.Listen("tcp", cfg.Connman.Addr)
	if err != nil {
		return fmt.Errorf("could not listen on %q: %w", cfg.Connman.Addr, err)
	}

	srv := connman.NewServer(ln, tbl, msg,
		connman.WithResponder(cfg.Connman.Name, cfg.Connman.Kind),
		connman.WithVersion(cfg.Connman.Major, cfg.Connman.Minor),
	)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reload(ctx, msg, tbl, fname, cfg.Connman.DB)
			}
		}
	}()

	msg.Infof("listening on %v", srv.Addr())
	return srv.Serve(ctx)
}

func reload(ctx context.Context, msg tlog.MsgStream, tbl *connman.Table, fname, dsn string) {
	cfg, err := config.Load(fname)
	if err != nil {
		msg.Errorf("could not reload configuration: %+v", err)
		return
	}
	if dsn != "" {
		cfg.Connman.DB = dsn
	}
	eps, err := stations(ctx, cfg)
	if err != nil {
		msg.Errorf("could not reload station table: %+v", err)
		return
	}
	tbl.Replace(eps)
	msg.Infof("reloaded %d stations", len(eps))
}

func stations(ctx context.Context, cfg config.Config) ([]connman.StationEndpoint, error) {
	if cfg.Connman.DB == "" {
		eps, err := cfg.Endpoints()
		if err != nil {
			return nil, fmt.Errorf("could not read station table: %w", err)
		}
		return eps, nil
	}

	db, err := stationdb.Open(cfg.Connman.DB)
	if err != nil {
		return nil, fmt.Errorf("could not open station database: %w", err)
	}
	defer db.Close()

	eps, err := db.Stations(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not read station table: %w", err)
	}
	return eps, nil
}
