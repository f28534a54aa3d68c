// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive exports session transcripts before TTL deletion.
//
// The default NopArchiver keeps the relay free of cloud dependencies at
// runtime; the GCS archiver activates when a transcript bucket is
// configured and writes one JSON Lines object per session under
// gs://<bucket>/<prefix>/<yyyy-mm-dd>/<session>.jsonl.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianRelay/services/relay/session"
)

var (
	_ session.Archiver = (*NopArchiver)(nil)
	_ session.Archiver = (*GCSArchiver)(nil)
)

// NopArchiver drops transcripts, logging at Debug. The default when no
// bucket is configured.
type NopArchiver struct {
	log *slog.Logger
}

// NewNop creates the no-op archiver.
func NewNop(log *slog.Logger) *NopArchiver {
	if log == nil {
		log = slog.Default()
	}
	return &NopArchiver{log: log.With("component", "archive")}
}

// Archive logs and discards the transcript.
func (n *NopArchiver) Archive(_ context.Context, sess session.Session, turns []session.Turn) error {
	n.log.Debug("no archive bucket configured, skipping transcript export",
		"session_id", sess.ID,
		"turns", len(turns),
	)
	return nil
}

// GCSConfig connects the archiver to a bucket.
type GCSConfig struct {
	// Bucket is the GCS bucket name.
	Bucket string

	// Prefix is the object path prefix inside the bucket.
	Prefix string

	// CredentialsFile is a service account key path. Empty uses
	// application default credentials.
	CredentialsFile string
}

// GCSArchiver uploads transcripts to Google Cloud Storage.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
	log    *slog.Logger
}

// NewGCS creates the archiver and its storage client.
//
// # Inputs
//
//   - ctx: Context for client construction.
//   - cfg: Bucket, prefix, and optional credentials file. When the
//     file is set it must exist; when empty, application default
//     credentials apply.
//
// # Outputs
//
//   - *GCSArchiver: Ready to Archive. Call Close() on shutdown.
//   - error: Non-nil if the credentials file is missing or the client
//     cannot be created.
func NewGCS(ctx context.Context, cfg GCSConfig, log *slog.Logger) (*GCSArchiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &GCSArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log.With("component", "archive"),
	}, nil
}

// newGCSWithClient wires a pre-built client. Tests use it with a fake
// endpoint.
func newGCSWithClient(client *storage.Client, cfg GCSConfig, log *slog.Logger) *GCSArchiver {
	if log == nil {
		log = slog.Default()
	}
	return &GCSArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log.With("component", "archive"),
	}
}

// Archive uploads the transcript as one JSON Lines object, a turn per
// line, with the session identity in the object metadata.
func (g *GCSArchiver) Archive(ctx context.Context, sess session.Session, turns []session.Turn) error {
	objPath := g.objectPath(sess, time.Now().UTC())

	obj := g.client.Bucket(g.bucket).Object(objPath)
	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	// Transcripts are small; a single-request upload avoids the
	// resumable session round trips.
	w.ChunkSize = 0
	w.Metadata = map[string]string{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
		"turn_count": strconv.Itoa(sess.TurnCount),
	}

	enc := json.NewEncoder(w)
	for i, turn := range turns {
		if err := enc.Encode(turn); err != nil {
			_ = w.Close()
			return fmt.Errorf("encode turn %d of session %s: %w", i, sess.ID, err)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("upload transcript to gs://%s/%s: %w", g.bucket, objPath, err)
	}

	g.log.Info("transcript archived",
		"session_id", sess.ID,
		"object", fmt.Sprintf("gs://%s/%s", g.bucket, objPath),
		"turns", len(turns),
	)
	return nil
}

// objectPath builds <prefix>/<yyyy-mm-dd>/<session>.jsonl.
func (g *GCSArchiver) objectPath(sess session.Session, now time.Time) string {
	return path.Join(g.prefix, now.Format("2006-01-02"), sess.ID+".jsonl")
}

// Close releases the storage client.
func (g *GCSArchiver) Close() error {
	return g.client.Close()
}
