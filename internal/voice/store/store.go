// SPDX-License-Identifier: MIT

// Package store is the store gateway (C1): the only shared mutable state
// with transactional semantics. Its uniqueness constraints are load-bearing
// for invariant S1 (at most one open session per (user_id, guild_id)).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/voicewarden/voicewarden/internal/voice/model"
)

// Error classes returned by every StateStore method, so callers can apply
// SPEC_FULL §7's uniform retry/treat-as-expected policy without inspecting
// driver-specific error values.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict indicates a uniqueness constraint was violated — for
	// open_session this means another open session already exists for the
	// (user_id, guild_id) pair, which the reconciler treats as a dropped
	// duplicate rather than an error.
	ErrConflict = errors.New("store: conflict")
	// ErrTransient indicates a retry-classified failure (lock contention,
	// I/O hiccup). Callers retry up to 3 times with exponential backoff.
	ErrTransient = errors.New("store: transient failure")
)

// StateStore is the store gateway's contract, per SPEC_FULL §4.1.
type StateStore interface {
	// OpenSession atomically closes any other open session for
	// (userID, guildID) with left_at=at, then inserts a new open row. If an
	// open row for this exact channel already exists, ErrConflict is
	// returned and no close/insert happens.
	OpenSession(ctx context.Context, userID, guildID, channelID, channelName string, at time.Time) error
	// CloseSession sets left_at and computes duration_sec. Idempotent if
	// the session is already closed.
	CloseSession(ctx context.Context, userID, channelID string, at time.Time) error

	ActiveSessionsInChannel(ctx context.Context, channelID string) ([]string, error)
	AllActiveSessions(ctx context.Context) ([]model.Session, error)
	ActiveMembersCount(ctx context.Context, channelID string) (int, error)
	// OpenSessionForUser returns the caller's currently open session, if any.
	OpenSessionForUser(ctx context.Context, userID, guildID string) (model.Session, bool, error)

	UpsertChannel(ctx context.Context, room model.Room) error
	DeleteChannel(ctx context.Context, channelID string) error
	GetChannel(ctx context.Context, channelID string) (model.Room, bool, error)
	ListActiveChannels(ctx context.Context, guildID string) ([]model.Room, error)
	// SyncChannelActiveUsers recomputes and writes the canonical active
	// member list/count for a channel from its open sessions.
	SyncChannelActiveUsers(ctx context.Context, channelID string) error

	UpsertOwnerPrefs(ctx context.Context, patch model.Preferences) error
	GetOwnerPrefs(ctx context.Context, ownerID, guildID string) (model.Preferences, bool, error)

	AppendModHistory(ctx context.Context, entry model.ModHistoryEntry) error

	Close() error
}
