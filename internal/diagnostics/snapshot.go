// SPDX-License-Identifier: MIT

// Package diagnostics periodically writes a JSON snapshot of in-memory
// operational state (active rooms, per-family queue depths, reconciler
// health) to disk, atomically, for operators to inspect without a live
// connection to the process.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/renameio/v2"

	"github.com/voicewarden/voicewarden/internal/log"
)

// Snapshot is the top-level shape written to disk.
type Snapshot struct {
	GeneratedAt      time.Time      `json:"generated_at"`
	GuildID          string         `json:"guild_id"`
	ActiveRoomCount  int            `json:"active_room_count"`
	OpenSessionCount int            `json:"open_session_count"`
	QueueDepths      map[string]int `json:"queue_depths"`
	LastReconcileAt  time.Time      `json:"last_reconcile_at"`
}

// SourceFunc produces the current Snapshot body; callers supply a closure
// over whatever live state (store, dispatcher, reconciler) they want
// reflected.
type SourceFunc func(ctx context.Context) (Snapshot, error)

// Writer periodically renders a Snapshot and writes it atomically.
type Writer struct {
	path     string
	interval time.Duration
	source   SourceFunc
}

// NewWriter constructs a Writer targeting path, rendered every interval.
func NewWriter(path string, interval time.Duration, source SourceFunc) *Writer {
	return &Writer{path: path, interval: interval, source: source}
}

// Run writes one snapshot immediately, then on every tick, until ctx is
// cancelled.
func (w *Writer) Run(ctx context.Context) {
	if err := w.WriteOnce(ctx); err != nil {
		log.WithComponent("diagnostics").Warn().Err(err).Msg("initial snapshot write failed")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.WriteOnce(ctx); err != nil {
				log.WithComponent("diagnostics").Warn().Err(err).Msg("snapshot write failed")
			}
		}
	}
}

// WriteOnce renders and atomically writes one snapshot.
func (w *Writer) WriteOnce(ctx context.Context) error {
	snap, err := w.source(ctx)
	if err != nil {
		return fmt.Errorf("diagnostics: render snapshot: %w", err)
	}
	snap.GeneratedAt = time.Now()

	pending, err := renameio.NewPendingFile(w.path)
	if err != nil {
		return fmt.Errorf("diagnostics: create pending file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			log.WithComponent("diagnostics").Debug().Err(err).Msg("cleanup pending snapshot file")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("diagnostics: encode snapshot: %w", err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("diagnostics: replace snapshot file: %w", err)
	}
	return nil
}
