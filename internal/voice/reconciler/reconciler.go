// SPDX-License-Identifier: MIT

// Package reconciler is the periodic drift-repair task (C9): it re-aligns
// stored session/ownership state with the platform's live membership, per
// SPEC_FULL §4.9.
package reconciler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicewarden/voicewarden/internal/audit"
	"github.com/voicewarden/voicewarden/internal/log"
	"github.com/voicewarden/voicewarden/internal/metrics"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/voice/model"
	"github.com/voicewarden/voicewarden/internal/voice/ownership"
	"github.com/voicewarden/voicewarden/internal/voice/store"
)

// Config bounds the reconciler's timing.
type Config struct {
	Interval time.Duration
}

// Reconciler implements C9. A single atomic flag guards against overlapping
// runs, matching the single-flight rule: a tick that fires while a previous
// run is still executing is skipped rather than queued.
type Reconciler struct {
	cfg     Config
	store   store.StateStore
	client  platform.Client
	owners  *ownership.Manager
	auditor *audit.Logger

	isSpawn    func(channelID string) bool
	isExcluded func(channelID string) bool
	isAfk      func(channelID string) bool

	running atomic.Bool

	resultMu sync.RWMutex
	result   Result
}

// Result is the repair-count summary of one SweepOnce pass, consulted by
// the diagnostics snapshot (SPEC_FULL §12.3).
type Result struct {
	MissingSessions    int
	OrphanedSessions   int
	DuplicateSessions  int
	ChannelsDrifted    int
	CompletedAt        time.Time
}

// LastResult returns the repair counts from the most recently completed
// SweepOnce pass. The zero value (with a zero CompletedAt) means no sweep
// has completed yet.
func (r *Reconciler) LastResult() Result {
	r.resultMu.RLock()
	defer r.resultMu.RUnlock()
	return r.result
}

// New constructs a Reconciler.
func New(cfg Config, st store.StateStore, client platform.Client, owners *ownership.Manager, auditor *audit.Logger, isSpawn, isExcluded, isAfk func(channelID string) bool) *Reconciler {
	return &Reconciler{cfg: cfg, store: st, client: client, owners: owners, auditor: auditor, isSpawn: isSpawn, isExcluded: isExcluded, isAfk: isAfk}
}

// Run starts the ticker loop. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, guildID string) {
	if r.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	logger := log.WithComponent("reconciler")
	logger.Info().Dur("interval", r.cfg.Interval).Msg("reconciler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx, guildID)
		}
	}
}

// SweepOnce performs exactly one reconciliation pass across every voice
// channel in the guild. Deterministic and safe to call directly (used by
// tests and by the startup sequence).
func (r *Reconciler) SweepOnce(ctx context.Context, guildID string) {
	if !r.running.CompareAndSwap(false, true) {
		log.WithComponent("reconciler").Debug().Msg("previous run still executing, skipping tick")
		metrics.ReconcileSkippedTotal.Inc()
		return
	}
	defer r.running.Store(false)
	metrics.ReconcileRunsTotal.Inc()

	logger := log.WithComponent("reconciler")

	channels, err := r.client.GuildVoiceChannels(ctx, guildID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list guild voice channels")
		return
	}

	var missingTotal, orphanedTotal, dupTotal, driftTotal int
	for _, ch := range channels {
		if r.isSpawn(ch.ID) || (r.isAfk != nil && r.isAfk(ch.ID)) {
			continue
		}
		m, o, d, drifted := r.reconcileChannel(ctx, guildID, ch)
		missingTotal += m
		orphanedTotal += o
		dupTotal += d
		if drifted {
			driftTotal++
		}
	}

	if missingTotal > 0 || orphanedTotal > 0 {
		logger.Info().Int("missing", missingTotal).Int("orphaned", orphanedTotal).Int("duplicates", dupTotal).Msg("reconcile pass repaired drift")
	}
	if missingTotal > 0 {
		metrics.ReconcileDriftTotal.WithLabelValues("missing_session").Add(float64(missingTotal))
	}
	if orphanedTotal > 0 {
		metrics.ReconcileDriftTotal.WithLabelValues("orphaned_session").Add(float64(orphanedTotal))
	}
	if dupTotal > 0 {
		metrics.ReconcileDriftTotal.WithLabelValues("duplicate_active").Add(float64(dupTotal))
	}
	if driftTotal > 0 {
		metrics.ReconcileDriftTotal.WithLabelValues("member_count").Add(float64(driftTotal))
	}

	r.resultMu.Lock()
	r.result = Result{
		MissingSessions:   missingTotal,
		OrphanedSessions:  orphanedTotal,
		DuplicateSessions: dupTotal,
		ChannelsDrifted:   driftTotal,
		CompletedAt:       time.Now(),
	}
	r.resultMu.Unlock()
}

func (r *Reconciler) reconcileChannel(ctx context.Context, guildID string, ch platform.Channel) (missing, orphaned, duplicates int, memberDrift bool) {
	logger := log.WithComponent("reconciler").With().Str("channel_id", ch.ID).Logger()

	room := model.Room{
		ID: ch.ID, GuildID: guildID, Name: ch.Name, Position: ch.Position,
		Active: true, MemberCount: len(ch.Members),
	}
	if existing, found, err := r.store.GetChannel(ctx, ch.ID); err == nil && found {
		room.IsUserRoom = existing.IsUserRoom
		room.SpawnID = existing.SpawnID
		room.OwnerID = existing.OwnerID
		room.OwnerSince = existing.OwnerSince
	}
	if err := r.store.UpsertChannel(ctx, room); err != nil {
		logger.Warn().Err(err).Msg("failed to upsert channel row")
		return
	}

	memberSet := make(map[string]bool, len(ch.Members))
	for _, mem := range ch.Members {
		memberSet[mem.UserID] = true
	}

	openUserIDs, err := r.store.ActiveSessionsInChannel(ctx, ch.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list active sessions")
		return
	}
	openSet := make(map[string]bool, len(openUserIDs))
	for _, uid := range openUserIDs {
		openSet[uid] = true
	}

	now := time.Now()

	for _, mem := range ch.Members {
		if mem.IsBot || openSet[mem.UserID] {
			continue
		}
		if err := r.store.OpenSession(ctx, mem.UserID, guildID, ch.ID, ch.Name, now); err != nil {
			if err != store.ErrConflict {
				logger.Debug().Err(err).Str("user_id", mem.UserID).Msg("failed to open missing session")
			}
			continue
		}
		missing++
		logger.Debug().Str("user_id", mem.UserID).Msg("opened session for unrecorded member")
	}

	var dupByUser = make(map[string]int)
	for _, uid := range openUserIDs {
		if !memberSet[uid] {
			if err := r.store.CloseSession(ctx, uid, ch.ID, now); err != nil {
				logger.Debug().Err(err).Str("user_id", uid).Msg("failed to close orphaned session")
				continue
			}
			orphaned++
			logger.Debug().Str("user_id", uid).Msg("closed orphaned session")
			continue
		}
		dupByUser[uid]++
	}
	for uid, count := range dupByUser {
		if count <= 1 {
			continue
		}
		if err := r.store.CloseSession(ctx, uid, ch.ID, now); err != nil {
			logger.Debug().Err(err).Str("user_id", uid).Msg("failed to close duplicate-active sessions")
			continue
		}
		duplicates += count - 1
		logger.Debug().Str("user_id", uid).Int("count", count).Msg("closed duplicate-active sessions")
	}
	activeCount, err := r.store.ActiveMembersCount(ctx, ch.ID)
	if err == nil && activeCount != len(ch.Members) {
		memberDrift = true
		if err := r.store.SyncChannelActiveUsers(ctx, ch.ID); err != nil {
			logger.Debug().Err(err).Msg("failed to sync channel active users")
		}
	}

	if r.isExcluded(ch.ID) {
		return
	}
	if err := r.owners.Sync(ctx, r.client, guildID, ch.ID); err != nil {
		logger.Debug().Err(err).Msg("ownership sync failed")
	}
	return
}

// CleanupDuplicates runs the duplicate-active-session repair across every
// channel in the guild, independent of the periodic tick. Called once at
// startup per SPEC_FULL §4.9's startup sequence, before the first scheduled
// reconciliation pass.
func (r *Reconciler) CleanupDuplicates(ctx context.Context, guildID string) error {
	sessions, err := r.store.AllActiveSessions(ctx)
	if err != nil {
		return err
	}

	byUserChannel := make(map[string][]model.Session)
	for _, s := range sessions {
		key := s.UserID + ":" + s.ChannelID
		byUserChannel[key] = append(byUserChannel[key], s)
	}

	logger := log.WithComponent("reconciler")
	now := time.Now()
	cleaned := 0
	for _, group := range byUserChannel {
		if len(group) <= 1 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].JoinedAt.After(group[j].JoinedAt) })
		for _, stale := range group[1:] {
			if err := r.store.CloseSession(ctx, stale.UserID, stale.ChannelID, now); err == nil {
				cleaned++
			}
		}
	}
	if cleaned > 0 {
		logger.Info().Int("count", cleaned).Msg("startup duplicate-session cleanup")
	}
	return nil
}

// ForceResyncUser re-derives session state for one user from the platform's
// current membership across every channel they're in, satisfying C5's
// force-resync contract (SPEC_FULL §4.5).
func (r *Reconciler) ForceResyncUser(ctx context.Context, guildID, userID string) error {
	channels, err := r.client.GuildVoiceChannels(ctx, guildID)
	if err != nil {
		return err
	}

	now := time.Now()
	foundChannel := ""
	for _, ch := range channels {
		for _, mem := range ch.Members {
			if mem.UserID == userID {
				foundChannel = ch.ID
				break
			}
		}
		if foundChannel != "" {
			break
		}
	}

	sess, ok, err := r.store.OpenSessionForUser(ctx, userID, guildID)
	if err != nil {
		return err
	}

	switch {
	case foundChannel == "" && ok:
		return r.store.CloseSession(ctx, userID, sess.ChannelID, now)
	case foundChannel != "" && (!ok || sess.ChannelID != foundChannel):
		if ok {
			if err := r.store.CloseSession(ctx, userID, sess.ChannelID, now); err != nil {
				return err
			}
		}
		var name string
		for _, ch := range channels {
			if ch.ID == foundChannel {
				name = ch.Name
			}
		}
		return r.store.OpenSession(ctx, userID, guildID, foundChannel, name, now)
	default:
		return nil
	}
}
