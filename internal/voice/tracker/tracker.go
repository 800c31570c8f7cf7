// SPDX-License-Identifier: MIT

// Package tracker is the session tracker (C3): it opens and closes session
// rows in response to join/leave/move events, filtering out bots, AFK
// channels, and spawn channels per SPEC_FULL §4.3.
package tracker

import (
	"context"
	"strings"
	"time"

	"github.com/voicewarden/voicewarden/internal/metrics"
	"github.com/voicewarden/voicewarden/internal/voice/store"
)

// Tracker wraps the store gateway with the skip rules and close-other-open
// semantics of C3.
type Tracker struct {
	store store.StateStore

	// isAfk and isSpawn are consulted per event rather than captured once,
	// so a hot-reloaded channel list takes effect without a restart.
	isAfk   func(channelID string) bool
	isSpawn func(channelID string) bool
}

// New constructs a Tracker. isAfk and isSpawn report membership in the
// configured channel sets from SPEC_FULL §6.
func New(st store.StateStore, isAfk, isSpawn func(channelID string) bool) *Tracker {
	return &Tracker{store: st, isAfk: isAfk, isSpawn: isSpawn}
}

// ShouldSkip reports whether a channel should never generate a session:
// an AFK channel (by name heuristic or configured ID) or a spawn channel.
func (t *Tracker) ShouldSkip(channelID, channelName string) bool {
	if t.isSpawn(channelID) {
		return true
	}
	if t.isAfk(channelID) {
		return true
	}
	lower := strings.ToLower(channelName)
	return strings.Contains(lower, "afk") || strings.Contains(lower, "away") || strings.Contains(lower, "idle")
}

// TrackJoin opens a session for the user in room, closing any other open
// session for this user first (handled atomically by the store).
func (t *Tracker) TrackJoin(ctx context.Context, isBot bool, userID, guildID, channelID, channelName string, at time.Time) error {
	if isBot || t.ShouldSkip(channelID, channelName) {
		return nil
	}
	if err := t.store.OpenSession(ctx, userID, guildID, channelID, channelName, at); err != nil {
		return err
	}
	metrics.SessionsOpenedTotal.Inc()
	return nil
}

// TrackLeave closes the user's open session in channelID. Idempotent.
func (t *Tracker) TrackLeave(ctx context.Context, isBot bool, userID, channelID string, at time.Time) error {
	if isBot {
		return nil
	}
	if err := t.store.CloseSession(ctx, userID, channelID, at); err != nil {
		return err
	}
	metrics.SessionsClosedTotal.WithLabelValues("left").Inc()
	return nil
}

// TrackMove closes the session in fromChannelID and opens one in
// toChannelID, both at the same monotonic timestamp, per SPEC_FULL §4.5's
// MOVE = LEAVE(from) then JOIN(to) rule.
func (t *Tracker) TrackMove(ctx context.Context, isBot bool, userID, guildID, fromChannelID, toChannelID, toChannelName string, at time.Time) error {
	if isBot {
		return nil
	}
	if !t.ShouldSkip(fromChannelID, "") {
		if err := t.store.CloseSession(ctx, userID, fromChannelID, at); err != nil {
			return err
		}
		metrics.SessionsClosedTotal.WithLabelValues("moved").Inc()
	}
	if t.ShouldSkip(toChannelID, toChannelName) {
		return nil
	}
	if err := t.store.OpenSession(ctx, userID, guildID, toChannelID, toChannelName, at); err != nil {
		return err
	}
	metrics.SessionsOpenedTotal.Inc()
	return nil
}
