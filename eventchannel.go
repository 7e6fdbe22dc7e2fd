// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"bufio"
	"context"
	"strings"
	"sync/atomic"
)

// EventListener maintains the long-lived GET /events connection that
// wakes the sync loop when the server has new data to offer. The stream
// is newline-delimited: lines prefixed "data:" signal a change, lines
// prefixed ":" are heartbeats. On any disconnect the listener waits
// Config.EventReconnectDelay and reconnects; retries are unbounded.
type EventListener struct {
	transport     *transportClient
	cfg           *Config
	onEvent       func(ctx context.Context) error // invoked (non-blocking) on each change signal
	onStateChange func()                          // invoked on every Connected<->Disconnected transition

	connected atomic.Bool
}

func newEventListener(transport *transportClient, cfg *Config, onEvent func(ctx context.Context) error, onStateChange func()) *EventListener {
	return &EventListener{transport: transport, cfg: cfg, onEvent: onEvent, onStateChange: onStateChange}
}

// Connected reports the current Connected/Disconnected state.
func (e *EventListener) Connected() bool { return e.connected.Load() }

// Run drives the Disconnected -> Connecting -> Connected state machine
// until ctx is cancelled.
func (e *EventListener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := e.connectAndConsume(ctx); err != nil {
			e.cfg.logger().Debug("event channel disconnected", "error", err)
		}
		e.setConnected(false)

		if err := sleepWithContext(ctx, e.cfg.EventReconnectDelay); err != nil {
			return // ctx cancelled during the reconnect sleep
		}
	}
}

// connectAndConsume performs one Connecting->Connected->Disconnected
// transition: issue GET /events, and on 200, consume the stream line by
// line until it errors, ends, or ctx is cancelled.
func (e *EventListener) connectAndConsume(ctx context.Context) error {
	resp, err := e.transport.openEventStream(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	e.setConnected(true)
	e.fireOnEvent(ctx) // initial full sync on successful connect

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			e.fireOnEvent(ctx)
		case strings.HasPrefix(line, ":"):
			// heartbeat/comment line, ignored.
		case line == "":
			// blank line delimits an event; no action needed for this
			// wire format since every meaningful line is self-contained.
		default:
			// unrecognized content, ignored.
		}
	}
	return scanner.Err()
}

func (e *EventListener) setConnected(v bool) {
	if e.connected.Swap(v) != v && e.onStateChange != nil {
		e.onStateChange()
	}
}

// fireOnEvent runs the configured callback (Orchestrator.FullSync) on a
// separate goroutine so a slow sync never blocks the stream-reading
// loop.
func (e *EventListener) fireOnEvent(ctx context.Context) {
	if e.onEvent == nil {
		return
	}
	go func() {
		if err := e.onEvent(ctx); err != nil {
			e.cfg.logger().Error("full sync triggered by event channel failed", "error", err)
		}
	}()
}
