// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gaplist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "cd11:gaps:"

// RedisStore stores the gap state of each station as a JSON value
// under the cd11:gaps:<station> key.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore returns a store backed by the redis server at addr.
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Ping checks the connection to the redis server.
func (s *RedisStore) Ping(ctx context.Context) error {
	err := s.rdb.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("gaplist: could not ping redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Load(ctx context.Context, station string) (State, error) {
	var st State
	raw, err := s.rdb.Get(ctx, redisPrefix+station).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return st, nil
		}
		return st, fmt.Errorf("gaplist: could not load gap state of %q: %w", station, err)
	}

	err = json.Unmarshal(raw, &st)
	if err != nil {
		return st, fmt.Errorf("gaplist: could not decode gap state of %q: %w", station, err)
	}
	return st, nil
}

func (s *RedisStore) Save(ctx context.Context, station string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("gaplist: could not encode gap state of %q: %w", station, err)
	}

	err = s.rdb.Set(ctx, redisPrefix+station, raw, 0).Err()
	if err != nil {
		return fmt.Errorf("gaplist: could not save gap state of %q: %w", station, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, station string) error {
	err := s.rdb.Del(ctx, redisPrefix+station).Err()
	if err != nil {
		return fmt.Errorf("gaplist: could not delete gap state of %q: %w", station, err)
	}
	return nil
}
