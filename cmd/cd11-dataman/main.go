// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command cd11-dataman runs a CD1.1 data consumer.
//
// The data consumer accepts the data sessions of the stations it acquires,
// publishes the received frames on NATS and persists the gap state of
// each station in Redis or in a local directory.
//
// Usage: cd11-dataman [OPTIONS]
//
// Example:
//
//	$> cd11-dataman -cfg=./cd11.yaml -redis=localhost:6379 -nats=nats://localhost:4222
package main // import "github.com/go-lpc/cd11/cmd/cd11-dataman"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/cd11"
	"github.com/go-lpc/cd11/connman"
	"github.com/go-lpc/cd11/dataman"
	"github.com/go-lpc/cd11/gaplist"
	"github.com/go-lpc/cd11/internal/config"
	"github.com/go-lpc/cd11/internal/notify"
	"github.com/go-lpc/cd11/rsdf"
	"github.com/go-lpc/cd11/session"
	"github.com/go-lpc/cd11/stationdb"
	"github.com/sbinet/pmon"
)

func main() {
	log.SetPrefix("cd11-dataman: ")
	log.SetFlags(0)

	var (
		fname  = flag.String("cfg", "", "path to YAML configuration file")
		host   = flag.String("host", "", "address to bind the station listeners on (default from config)")
		redis  = flag.String("redis", "", "address of the Redis server storing gap states")
		nats   = flag.String("nats", "", "URL of the NATS server receiving data frames")
		gapDir = flag.String("gap-dir", "", "directory storing gap states, when Redis is not used")
		lvl    = flag.String("lvl", "", "verbosity level (debug, info, warn, error)")

		doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
		vers   = flag.Bool("version", false, "print version and exit")
	)

	flag.Parse()

	if *vers {
		cd11.PrintVersion(os.Stdout, "cd11-dataman")
		return
	}

	cfg, err := config.Load(*fname)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	for _, v := range []struct {
		flag string
		dst  *string
	}{
		{*host, &cfg.Dataman.Host},
		{*redis, &cfg.Dataman.Redis},
		{*nats, &cfg.Dataman.NATS},
		{*gapDir, &cfg.Dataman.GapDir},
		{*lvl, &cfg.LogLevel},
	} {
		if v.flag != "" {
			*v.dst = v.flag
		}
	}

	if *doMon {
		err := monitor("cd11-dataman-pmon.log", *doFreq)
		if err != nil {
			log.Fatalf("could not start monitoring: %+v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, os.Stdout)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, cfg config.Config, w io.Writer) error {
	lvl, err := cfg.Level()
	if err != nil {
		return err
	}
	msg := tlog.NewMsgStream("cd11-dataman", lvl, w)

	eps, err := stations(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := newStore(ctx, cfg.Dataman)
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	var sink rsdf.Sink = rsdf.Discard
	if cfg.Dataman.NATS != "" {
		nc, err := rsdf.DialNATS(cfg.Dataman.NATS, "cd11-dataman")
		if err != nil {
			return fmt.Errorf("could not connect to NATS: %w", err)
		}
		defer nc.Close()
		sink = nc
	} else {
		msg.Warnf("no NATS server configured, data frames are discarded")
	}

	opts := []dataman.Option{
		dataman.WithStore(store),
		dataman.WithSink(sink),
		dataman.WithLogger(lvl, w),
		dataman.WithSessionOptions(
			session.WithHeartbeat(cfg.Dataman.Heartbeat),
			session.WithLiveness(cfg.Dataman.Liveness),
			session.WithPersistInterval(cfg.Dataman.Persist),
			session.WithGapExpiration(cfg.Dataman.GapExpiration),
		),
	}

	mailer := notify.FromEnv("cd11-dataman")
	switch {
	case mailer.Enabled():
		opts = append(opts, dataman.WithNotifier(mailer))
	case cfg.Dataman.Mail:
		msg.Warnf("mail alerts requested but MAIL_xxx credentials are missing")
	}

	srv := dataman.New(cfg.Dataman.Host, eps, opts...)
	return srv.Serve(ctx)
}

func newStore(ctx context.Context, cfg config.Dataman) (gaplist.Store, error) {
	switch {
	case cfg.Redis != "":
		store := gaplist.NewRedisStore(cfg.Redis)
		err := store.Ping(ctx)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("could not connect to Redis: %w", err)
		}
		return store, nil
	case cfg.GapDir != "":
		store, err := gaplist.NewFileStore(cfg.GapDir)
		if err != nil {
			return nil, fmt.Errorf("could not create gap state directory: %w", err)
		}
		return store, nil
	default:
		return gaplist.NewMemStore(), nil
	}
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

// monitor records the resource usage of the current process in fname.
func monitor(fname string, freq time.Duration) error {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return fmt.Errorf("could not monitor process: %w", err)
	}
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		defer f.Close()
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()
	return nil
}
