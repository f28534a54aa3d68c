// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists chat sessions and their turn journals in
// BadgerDB so a client can drop its connection and resume without the
// gateway holding transcripts in RAM.
//
// Keyspace:
//
//	sess:<id>            -> Session record (JSON)
//	turn:<id>:<seq %016d> -> Turn record (JSON), ordered by sequence
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
)

// Session is one persisted chat session.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`

	// LastActive updates on every touch, turn, and resume.
	LastActive time.Time `json:"last_active"`

	// TurnCount is the journal length; the next turn takes this
	// sequence number.
	TurnCount int `json:"turn_count"`

	// ExpiresAt is the TTL deadline in unix milliseconds. Activity
	// slides it forward.
	ExpiresAt int64 `json:"expires_at_ms"`

	// Archived marks the transcript for export before TTL deletion.
	Archived bool `json:"archived"`
}

// Expired reports whether the session's TTL deadline has passed.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.UnixMilli()
}

// Turn is one journal entry: a user message or an agent reply.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Archiver exports a transcript before the session is deleted. The
// archive package provides the GCS and no-op implementations.
type Archiver interface {
	Archive(ctx context.Context, sess Session, turns []Turn) error
}

// Config tunes the store.
type Config struct {
	// TTL is the sliding idle lifetime of a session.
	TTL time.Duration

	// ArchiveByDefault flags new sessions for export on expiry. Wired
	// on when a transcript bucket is configured.
	ArchiveByDefault bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{TTL: 24 * time.Hour}
}

// Store reads and writes sessions and their journals.
//
// # Thread Safety
//
// All methods are safe for concurrent use; BadgerDB transactions
// provide the isolation.
type Store struct {
	db  *badger.DB
	cfg Config
	log *slog.Logger

	// count tracks live sessions; seeded by a scan at open so the
	// gauge never needs to iterate.
	count atomic.Int64
}

// NewStore creates a store over an open database and counts the
// existing sessions.
func NewStore(db *badger.DB, cfg Config, log *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Store{
		db:  db,
		cfg: cfg,
		log: log.With("component", "session"),
	}

	n, err := s.countSessions(context.Background())
	if err != nil {
		return nil, fmt.Errorf("count existing sessions: %w", err)
	}
	s.count.Store(n)
	s.log.Info("session store opened", "path", db.Path(), "sessions", n)
	return s, nil
}

func sessKey(id string) []byte {
	return []byte("sess:" + id)
}

func turnPrefix(id string) []byte {
	return []byte("turn:" + id + ":")
}

func turnKey(id string, seq int) []byte {
	return []byte(fmt.Sprintf("turn:%s:%016d", id, seq))
}

// Create persists a fresh session for the user and returns it.
func (s *Store) Create(ctx context.Context, userID string) (Session, error) {
	now := time.Now()
	sess := Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		CreatedAt:  now,
		LastActive: now,
		ExpiresAt:  now.Add(s.cfg.TTL).UnixMilli(),
		Archived:   s.cfg.ArchiveByDefault,
	}

	if err := s.put(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	s.count.Add(1)
	s.log.Debug("session created", "session_id", sess.ID, "user_id", userID)
	return sess, nil
}

// Get returns the session for an ID, expired or not.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(sessKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// Touch slides the session's activity clock and TTL deadline.
func (s *Store) Touch(ctx context.Context, id string) error {
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		sess, err := s.getInTxn(txn, id)
		if err != nil {
			return err
		}
		s.slide(&sess)
		return s.putInTxn(txn, sess)
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

// AppendTurn journals one turn and returns the new turn count. The
// session's activity clock slides with it.
func (s *Store) AppendTurn(ctx context.Context, id string, turn Turn) (int, error) {
	if turn.At.IsZero() {
		turn.At = time.Now()
	}

	var newCount int
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		sess, err := s.getInTxn(txn, id)
		if err != nil {
			return err
		}

		data, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		if err := txn.Set(turnKey(id, sess.TurnCount), data); err != nil {
			return err
		}

		sess.TurnCount++
		newCount = sess.TurnCount
		s.slide(&sess)
		return s.putInTxn(txn, sess)
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("append turn to session %s: %w", id, err)
	}
	return newCount, nil
}

// Turns reads the full journal for a session in sequence order.
func (s *Store) Turns(ctx context.Context, id string) ([]Turn, error) {
	var turns []Turn
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		prefix := turnPrefix(id)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var turn Turn
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			})
			if err != nil {
				return fmt.Errorf("decode turn %s: %w", it.Item().Key(), err)
			}
			turns = append(turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read journal for session %s: %w", id, err)
	}
	return turns, nil
}

// Resume re-attaches to a known live session: its activity clock
// slides and the refreshed record is returned. Unknown or expired
// sessions return ok=false, and the caller starts a fresh one.
func (s *Store) Resume(ctx context.Context, id string) (Session, bool, error) {
	var sess Session
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		found, err := s.getInTxn(txn, id)
		if err != nil {
			return err
		}
		if found.Expired(time.Now()) {
			return dgbadger.ErrKeyNotFound
		}
		s.slide(&found)
		if err := s.putInTxn(txn, found); err != nil {
			return err
		}
		sess = found
		return nil
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("resume session %s: %w", id, err)
	}
	return sess, true, nil
}

// SetArchived flips the archive-on-expiry flag.
func (s *Store) SetArchived(ctx context.Context, id string, archived bool) error {
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		sess, err := s.getInTxn(txn, id)
		if err != nil {
			return err
		}
		sess.Archived = archived
		return s.putInTxn(txn, sess)
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("set archived on session %s: %w", id, err)
	}
	return nil
}

// Delete removes a session and its whole journal atomically.
func (s *Store) Delete(ctx context.Context, id string) error {
	deleted := false
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if _, err := txn.Get(sessKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(sessKey(id)); err != nil {
			return err
		}
		deleted = true

		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := turnPrefix(id)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if deleted {
		s.count.Add(-1)
	}
	return nil
}

// Count reports the live session count. Shaped for telemetry gauge
// callbacks and the memory watchdog.
func (s *Store) Count() int64 {
	return s.count.Load()
}

// List returns up to limit sessions, unordered. Admin surface.
func (s *Store) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}

	var sessions []Session
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		prefix := []byte("sess:")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(sessions) < limit; it.Next() {
			var sess Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			})
			if err != nil {
				return fmt.Errorf("decode session %s: %w", it.Item().Key(), err)
			}
			sessions = append(sessions, sess)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// expiredBatch returns up to limit expired sessions.
func (s *Store) expiredBatch(ctx context.Context, now time.Time, limit int) ([]Session, int, error) {
	var expired []Session
	scanned := 0
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		prefix := []byte("sess:")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			scanned++
			var sess Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			})
			if err != nil {
				return fmt.Errorf("decode session %s: %w", it.Item().Key(), err)
			}
			if sess.Expired(now) {
				expired = append(expired, sess)
				if len(expired) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, scanned, fmt.Errorf("scan for expired sessions: %w", err)
	}
	return expired, scanned, nil
}

func (s *Store) countSessions(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte("sess:")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// slide refreshes the activity clock and TTL deadline.
func (s *Store) slide(sess *Session) {
	now := time.Now()
	sess.LastActive = now
	sess.ExpiresAt = now.Add(s.cfg.TTL).UnixMilli()
}

func (s *Store) getInTxn(txn *dgbadger.Txn, id string) (Session, error) {
	var sess Session
	item, err := txn.Get(sessKey(id))
	if err != nil {
		return Session{}, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sess)
	})
	return sess, err
}

func (s *Store) putInTxn(txn *dgbadger.Txn, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return txn.Set(sessKey(sess.ID), data)
}

func (s *Store) put(ctx context.Context, sess Session) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return s.putInTxn(txn, sess)
	})
}
