// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import "github.com/google/uuid"

// newID returns a fresh 128-bit identifier rendered as a hyphenated hex
// string. Collision within a single user's dataset is the only
// requirement, so a random UUID suffices.
func newID() string {
	return uuid.New().String()
}
