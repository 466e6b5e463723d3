package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"duoplay/internal/rendezvous"

	"github.com/rs/zerolog/log"
)

// OnDisconnect stores the write under this connection. It is committed by
// Close, or by Reap on another connection once the heartbeat key expires.
func (s *Store) OnDisconnect(ctx context.Context, path string, value any) error {
	if err := s.checkOpen(path); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", rendezvous.ErrInvalidValue, err)
	}
	return s.rdb.HSet(ctx, s.onDisconnectKey(s.connID), rendezvous.Join(path), raw).Err()
}

func (s *Store) CancelOnDisconnect(ctx context.Context, path string) error {
	return s.rdb.HDel(ctx, s.onDisconnectKey(s.connID), rendezvous.Join(path)).Err()
}

// releaseConn commits the pending onDisconnect writes of id and forgets it.
func (s *Store) releaseConn(ctx context.Context, id string) error {
	pending, err := s.rdb.HGetAll(ctx, s.onDisconnectKey(id)).Result()
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		values := make(map[string]any, len(pending))
		for path, raw := range pending {
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				log.Warn().Err(err).Str("conn_id", id).Str("path", path).Msg("drop undecodable onDisconnect write")
				continue
			}
			values[path] = v
		}
		if err := s.applyAs(ctx, values); err != nil {
			return err
		}
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.onDisconnectKey(id), s.heartbeatKey(id))
	pipe.SRem(ctx, s.connsKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

// applyAs writes values without the open check, so a closing connection can
// still flush its own writes.
func (s *Store) applyAs(ctx context.Context, values map[string]any) error {
	writes := make([]write, 0, len(values))
	paths := make([]string, 0, len(values))
	for path, v := range values {
		norm, err := rendezvous.Normalize(v, s.now())
		if err != nil {
			return err
		}
		writes = append(writes, write{path: path, value: norm})
		paths = append(paths, path)
	}
	_, _, err := s.commit(ctx, paths, func(any) ([]write, error) { return writes, nil })
	return err
}

// Reap commits the onDisconnect writes of every connection whose heartbeat
// expired and returns how many connections were released.
func (s *Store) Reap(ctx context.Context) (int, error) {
	ids, err := s.rdb.SMembers(ctx, s.connsKey()).Result()
	if err != nil {
		return 0, err
	}
	released := 0
	for _, id := range ids {
		if id == s.connID {
			continue
		}
		alive, err := s.rdb.Exists(ctx, s.heartbeatKey(id)).Result()
		if err != nil {
			return released, err
		}
		if alive > 0 {
			continue
		}
		if err := s.releaseConn(ctx, id); err != nil {
			return released, err
		}
		log.Info().Str("conn_id", id).Msg("released expired rendezvous connection")
		released++
	}
	return released, nil
}
