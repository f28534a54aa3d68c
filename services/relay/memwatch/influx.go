// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memwatch

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// influxWriteTimeout bounds each point write so a stalled InfluxDB
// cannot wedge the watchdog loop.
const influxWriteTimeout = 5 * time.Second

// InfluxConfig connects the sink to an InfluxDB v2 instance.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes snapshots and alerts to InfluxDB v2. Write failures
// are logged and dropped; the watchdog never depends on the sink being
// healthy.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      *slog.Logger
}

// NewInfluxSink creates the sink and probes the server health once. An
// unreachable server logs a warning; writes will retry naturally on the
// next sample.
func NewInfluxSink(cfg InfluxConfig, log *slog.Logger) *InfluxSink {
	if log == nil {
		log = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      log.With("component", "memwatch.influx"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		s.log.Warn("InfluxDB not reachable, snapshots will drop until it is",
			"url", cfg.URL, "error", err)
	} else if health.Status != "pass" {
		s.log.Warn("InfluxDB reports unhealthy", "url", cfg.URL, "status", health.Status)
	} else {
		s.log.Info("InfluxDB sink connected", "url", cfg.URL, "bucket", cfg.Bucket)
	}
	return s
}

// WriteSnapshot writes one sample as a relay_memory point.
func (s *InfluxSink) WriteSnapshot(ctx context.Context, snap MemorySnapshot) {
	p := influxdb2.NewPoint(
		"relay_memory",
		map[string]string{},
		map[string]interface{}{
			"heap_alloc":       int64(snap.HeapAllocBytes),
			"heap_sys":         int64(snap.HeapSysBytes),
			"total_alloc":      int64(snap.TotalAllocBytes),
			"num_gc":           int64(snap.NumGC),
			"last_gc_pause_ms": float64(snap.LastGCPause) / float64(time.Millisecond),
			"goroutines":       snap.Goroutines,
			"connections":      snap.Connections,
			"dispatch_pending": snap.DispatchPending,
			"sessions":         snap.Sessions,
		},
		snap.TakenAt,
	)

	wctx, cancel := context.WithTimeout(ctx, influxWriteTimeout)
	defer cancel()
	if err := s.writeAPI.WritePoint(wctx, p); err != nil {
		s.log.Warn("failed to write snapshot to InfluxDB", "error", err)
	}
}

// WriteAlert writes one alert as a relay_alert event point.
func (s *InfluxSink) WriteAlert(ctx context.Context, alert Alert) {
	fields := map[string]interface{}{
		"message": alert.Message,
		"value":   1,
	}
	for k, v := range alert.Values {
		fields[k] = v
	}

	p := influxdb2.NewPoint(
		"relay_alert",
		map[string]string{
			"level":  string(alert.Level),
			"source": alert.Source,
		},
		fields,
		alert.CreatedAt,
	)

	wctx, cancel := context.WithTimeout(ctx, influxWriteTimeout)
	defer cancel()
	if err := s.writeAPI.WritePoint(wctx, p); err != nil {
		s.log.Warn("failed to write alert to InfluxDB", "error", err)
	}
}

// Close releases the underlying HTTP client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
