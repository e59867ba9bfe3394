// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package nodes

import (
	"context"
	"encoding/json"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/holoflow/internal/registry"
	"github.com/holomush/holoflow/internal/settings"
	"github.com/holomush/holoflow/pkg/errutil"
)

const (
	saveAttempts = 3
	saveBackoff  = 50 * time.Millisecond
)

// readSnapshot returns the persisted node list. A missing or unreadable
// list yields an empty snapshot: every NodeSet then starts enabled.
func (n *Nodes) readSnapshot(ctx context.Context) registry.Snapshot {
	if !n.store.Available() {
		return registry.Snapshot{}
	}
	data, err := n.store.Get(ctx, settings.NodesKey)
	if err != nil {
		errutil.LogWarn(n.logger, "reading persisted node list", err)
		return registry.Snapshot{}
	}
	if len(data) == 0 {
		return registry.Snapshot{}
	}
	var snap registry.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		n.logger.Warn("ignoring malformed node list", "error", err)
		return registry.Snapshot{}
	}
	return snap
}

// save writes the registry snapshot, retrying transient store failures.
func (n *Nodes) save(ctx context.Context) error {
	data, err := json.Marshal(n.registry.Snapshot())
	if err != nil {
		return oops.In("nodes").Code("SETTINGS_WRITE_FAILED").Wrap(err)
	}

	backoff := retry.WithMaxRetries(saveAttempts-1, retry.NewExponential(saveBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := n.store.Set(ctx, settings.NodesKey, data); err != nil {
			if errutil.HasCode(err, "SETTINGS_UNAVAILABLE") {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}
