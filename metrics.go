// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"context"
	"time"
)

// Metric operation/stage names. Each operation times its HTTP fetch and
// its in-transaction apply per batch, plus a total wrapping one
// entity's whole pass (Count is 0 on total timings; the per-batch
// stages carry the row counts).
const (
	MetricsOpPush = "push"
	MetricsOpPull = "pull"

	MetricsStageFetch = "fetch"
	MetricsStageApply = "apply"
	MetricsStageTotal = "total"
)

// StageTiming is one observed (operation, stage) duration.
type StageTiming struct {
	Entity    string
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

// StageMetricsRecorder receives StageTiming observations. An application
// wires this to whatever metrics backend it already uses (Prometheus,
// StatsD, ...); this package never imports one directly.
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

// StageMetricsRecorderFunc adapts a plain function to StageMetricsRecorder.
type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// observeStage records one stage timing if cfg.Metrics is configured,
// optionally also logging it at Debug level when cfg.LogStageTimings is
// set.
func observeStage(ctx context.Context, cfg *Config, op, entity, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Entity:    entity,
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}
	if cfg.Metrics != nil {
		cfg.Metrics.ObserveStage(ctx, timing)
	}
	if cfg.LogStageTimings {
		cfg.logger().Debug("stage timing",
			"op", timing.Operation, "entity", timing.Entity, "stage", timing.Stage,
			"duration", timing.Duration, "count", timing.Count, "error", timing.Error)
	}
}

// stageStart returns the current time when stage timing is enabled, or
// the zero Time otherwise, so observeStage can skip the time.Since call
// entirely when no recorder is configured.
func stageStart(cfg *Config) time.Time {
	if cfg.Metrics == nil && !cfg.LogStageTimings {
		return time.Time{}
	}
	return time.Now()
}
