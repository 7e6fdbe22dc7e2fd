// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"context"
	"log/slog"
	"time"
)

// TombstoneEntity is the reserved entity name for the archive/tombstone
// channel. It is always registered at startup and is never listed in
// Config.Entities.
const TombstoneEntity = "archive"

// TokenFunc returns a bearer token for the next outgoing HTTP request.
// Tokens are assumed short-lived; it is invoked once per request.
type TokenFunc func(ctx context.Context) (string, error)

// Config holds the static configuration an Orchestrator needs for its
// lifetime.
type Config struct {
	AppID     string // multi-tenant discriminator sent on every request
	ServerURL string // base URL for all endpoints
	GetToken  TokenFunc

	Entities   map[string]EntityMetadata // syncable entities, keyed by name; TombstoneEntity is implicit
	Migrations []Migration

	PageSize  int // GET /data pageSize
	BatchSize int // push batch size

	RegistrarRetries int           // latest-lts attempts in all before baselining to 0
	RegistrarBackoff time.Duration // pause between registrar retries

	EventReconnectDelay  time.Duration // fixed delay before event-channel reconnect
	FullSyncRetryBackoff time.Duration // cooldown before a failed push pass restarts

	HTTPTimeout time.Duration

	Logger *slog.Logger

	Metrics         StageMetricsRecorder // optional; see metrics.go
	LogStageTimings bool                 // log every stage timing at Debug, even without Metrics
}

// DefaultConfig returns a Config with the standard values filled in.
// Callers must still set Entities and Migrations.
func DefaultConfig(appID, serverURL string, getToken TokenFunc) *Config {
	return &Config{
		AppID:                appID,
		ServerURL:            serverURL,
		GetToken:             getToken,
		Entities:             map[string]EntityMetadata{},
		PageSize:             1000,
		BatchSize:            100,
		RegistrarRetries:     3,
		RegistrarBackoff:     2 * time.Second,
		EventReconnectDelay:  5 * time.Second,
		FullSyncRetryBackoff: 2 * time.Second,
		HTTPTimeout:          30 * time.Second,
		Logger:               slog.Default(),
	}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
