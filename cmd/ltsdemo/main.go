// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/ltscore/ltscore"
)

func main() {
	var (
		appIDFlag    = flag.String("app-id", "ltsdemo", "multi-tenant app_id sent on every request")
		serverFlag   = flag.String("server", "http://localhost:8080", "sync server base URL")
		userIDFlag   = flag.String("user", "demo-user", "user id, used to scope the local database path")
		baseDirFlag  = flag.String("base-dir", "", "base directory for the local database (defaults to a temp dir)")
		tokenFlag    = flag.String("token", "demo-token", "bearer token returned to every request")
		verboseFlag  = flag.Bool("verbose", false, "enable debug logging")
		writeFlag    = flag.String("write-name", "", "if set, write {id: random, name: <value>} into the items table and exit after one full sync")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	baseDir := *baseDirFlag
	if baseDir == "" {
		dir, err := os.MkdirTemp("", "ltsdemo-")
		if err != nil {
			log.Fatalf("create base dir: %v", err)
		}
		baseDir = dir
		logger.Info("using temporary base dir", "dir", baseDir)
	}

	cfg := ltscore.DefaultConfig(*appIDFlag, *serverFlag, func(context.Context) (string, error) {
		return *tokenFlag, nil
	})
	cfg.Logger = logger
	cfg.Entities = map[string]ltscore.EntityMetadata{
		"items": ltscore.NewEntityMetadata("items", []string{"id", "name", "lts"}),
	}
	cfg.Migrations = []ltscore.Migration{itemsMigration}

	orch := ltscore.NewOrchestrator(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := orch.Init(ctx, baseDir, *userIDFlag); err != nil {
		log.Fatalf("init: %v", err)
	}
	defer orch.Shutdown()

	if err := orch.RegisterEntity(ctx, "items"); err != nil {
		log.Fatalf("register items entity: %v", err)
	}

	if *writeFlag != "" {
		if err := orch.Write(ctx, "items", map[string]any{"name": *writeFlag}); err != nil {
			log.Fatalf("write: %v", err)
		}
	}

	if err := orch.FullSync(ctx); err != nil {
		log.Fatalf("full sync: %v", err)
	}

	logger.Info("sync complete", "event_channel_connected", orch.EventChannelConnected(), "is_syncing", orch.IsSyncing())
}
