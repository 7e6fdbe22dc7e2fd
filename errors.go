// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import "errors"

// ErrShutdown is returned by operations that observe a shut-down
// Orchestrator mid-flight. Callers should treat it as a clean stop, not
// a failure.
var ErrShutdown = errors.New("ltscore: orchestrator shut down")

// ErrEntityNotRegistered is returned when an operation references an
// entity that has no metadata configured.
var ErrEntityNotRegistered = errors.New("ltscore: entity not registered")
