// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"time"

	"github.com/stacklok/idhive/pkg/logger"
)

// Sweeper deletes expired rows (grants, protocol states, sessions). The
// SQLite store implements it; the memory store runs its own janitor and
// Redis expires keys natively.
type Sweeper interface {
	SweepExpired(ctx context.Context) error
}

// RunSweeper sweeps on the interval until ctx is cancelled. Errors are
// logged and the loop keeps going.
func RunSweeper(ctx context.Context, sweeper Sweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweeper.SweepExpired(ctx); err != nil {
				logger.Errorw("expiry sweep failed", "error", err)
			}
		}
	}
}
