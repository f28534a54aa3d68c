// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeArchiver records exports and can be told to fail.
type fakeArchiver struct {
	mu       sync.Mutex
	err      error
	sessions []Session
	turns    [][]Turn
}

func (f *fakeArchiver) Archive(_ context.Context, sess Session, turns []Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sessions = append(f.sessions, sess)
	f.turns = append(f.turns, turns)
	return nil
}

func (f *fakeArchiver) exported() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeArchiver) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// TestCleaner_RunNow_DeletesExpired verifies expired sessions and
// journals are removed.
func TestCleaner_RunNow_DeletesExpired(t *testing.T) {
	store := newTestStore(t, Config{TTL: time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		sess, err := store.Create(ctx, "user-1")
		require.NoError(t, err)
		_, err = store.AppendTurn(ctx, sess.ID, Turn{Role: "user", Content: "hello"})
		require.NoError(t, err)
	}
	time.Sleep(10 * time.Millisecond)

	cleaner := NewCleaner(store, nil, DefaultCleanerConfig(), testLogger(), nil)
	result, err := cleaner.RunNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 2, result.Expired)
	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, 0, result.Archived)
	assert.Equal(t, int64(0), store.Count())
	assert.False(t, result.StartTime.IsZero())
}

// TestCleaner_KeepsFresh verifies live sessions survive a cycle.
func TestCleaner_KeepsFresh(t *testing.T) {
	store := newTestStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.Create(ctx, "user-1")
		require.NoError(t, err)
	}

	cleaner := NewCleaner(store, nil, DefaultCleanerConfig(), testLogger(), nil)
	result, err := cleaner.RunNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 0, result.Expired)
	assert.Equal(t, 0, result.Deleted)
	assert.Equal(t, int64(2), store.Count())
}

// TestCleaner_ArchivesFlagged verifies flagged transcripts are exported
// before deletion.
func TestCleaner_ArchivesFlagged(t *testing.T) {
	store := newTestStore(t, Config{TTL: time.Millisecond, ArchiveByDefault: true})
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-1")
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, sess.ID, Turn{Role: "user", Content: "hello"})
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, sess.ID, Turn{Role: "agent", Content: "hi"})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	archiver := &fakeArchiver{}
	cleaner := NewCleaner(store, archiver, DefaultCleanerConfig(), testLogger(), nil)
	result, err := cleaner.RunNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Archived)
	assert.Equal(t, 1, result.Deleted)
	require.Equal(t, 1, archiver.exported())
	assert.Equal(t, sess.ID, archiver.sessions[0].ID)
	require.Len(t, archiver.turns[0], 2)
	assert.Equal(t, "hello", archiver.turns[0][0].Content)
}

// TestCleaner_ArchiveFailureKeepsSession verifies a failed export
// leaves the session for the next cycle.
func TestCleaner_ArchiveFailureKeepsSession(t *testing.T) {
	store := newTestStore(t, Config{TTL: time.Millisecond, ArchiveByDefault: true})
	ctx := context.Background()

	_, err := store.Create(ctx, "user-1")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	archiver := &fakeArchiver{err: assert.AnError}
	cleaner := NewCleaner(store, archiver, DefaultCleanerConfig(), testLogger(), nil)

	result, err := cleaner.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 0, result.Archived)
	assert.Equal(t, 0, result.Deleted)
	assert.Equal(t, int64(1), store.Count(), "session survives the failed export")

	archiver.setErr(nil)
	result, err = cleaner.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Archived)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, int64(0), store.Count())
}

// TestCleaner_BatchLimit verifies each cycle removes at most the
// configured batch.
func TestCleaner_BatchLimit(t *testing.T) {
	store := newTestStore(t, Config{TTL: time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, "user-1")
		require.NoError(t, err)
	}
	time.Sleep(10 * time.Millisecond)

	cleaner := NewCleaner(store, nil, CleanerConfig{Interval: time.Minute, Batch: 2}, testLogger(), nil)

	result, err := cleaner.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, int64(3), store.Count())

	result, err = cleaner.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Deleted)

	result, err = cleaner.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, int64(0), store.Count())
}

// TestCleaner_StartStop verifies the lifecycle: double start errors,
// stop is idempotent, restart works.
func TestCleaner_StartStop(t *testing.T) {
	store := newTestStore(t, Config{TTL: time.Hour})
	cleaner := NewCleaner(store, nil, CleanerConfig{Interval: 5 * time.Millisecond, Batch: 10}, testLogger(), nil)
	ctx := context.Background()

	require.NoError(t, cleaner.Start(ctx))
	err := cleaner.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, cleaner.Stop())
	require.NoError(t, cleaner.Stop())

	require.NoError(t, cleaner.Start(ctx))
	require.NoError(t, cleaner.Stop())
}

// TestCleaner_PeriodicCycle verifies the loop removes sessions that
// expire while it runs.
func TestCleaner_PeriodicCycle(t *testing.T) {
	store := newTestStore(t, Config{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := store.Create(ctx, "user-1")
	require.NoError(t, err)

	cleaner := NewCleaner(store, nil, CleanerConfig{Interval: 10 * time.Millisecond, Batch: 10}, testLogger(), nil)
	require.NoError(t, cleaner.Start(ctx))
	defer cleaner.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for store.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(0), store.Count(), "expired session should be cleaned by the loop")
}
