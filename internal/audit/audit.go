// SPDX-License-Identifier: MIT

// Package audit provides structured audit logging for moderation actions,
// following the WHO/WHAT/WHEN pattern. Events are written to the structured
// log only; nothing here persists them as mod_history rows.
package audit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicewarden/voicewarden/internal/log"
)

// EventType identifies the kind of moderation or system event recorded.
type EventType string

const (
	EventRoomCreated        EventType = "room.created"
	EventRoomDeleted        EventType = "room.deleted"
	EventOwnershipTransfer  EventType = "ownership.transferred"
	EventOwnershipSync      EventType = "ownership.sync"
	EventPreferenceApplied  EventType = "preference.applied"
	EventPreferenceRejected EventType = "preference.rejected"
	EventBanEnforced        EventType = "moderation.ban_enforced"
	EventReconcileDrift     EventType = "reconcile.drift"
	EventForceResync        EventType = "session.force_resync"
	EventCoupResolved       EventType = "coup.resolved"
)

// Event is a single structured audit record.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Actor     string            `json:"actor"`              // WHO: user_id or "system"
	Action    string            `json:"action"`              // WHAT: human-readable description
	Resource  string            `json:"resource"`            // channel_id, user_id, etc.
	Result    string            `json:"result"`              // success, failure, denied
	GuildID   string            `json:"guild_id"`
	RequestID string            `json:"request_id"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger writes audit events to a dedicated zerolog sink.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger tagged for downstream filtering.
func NewLogger() *Logger {
	auditLogger := log.WithComponent("audit").With().
		Str("log_type", "audit").
		Logger()
	return &Logger{logger: auditLogger}
}

// Log writes an audit event.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)

	if event.GuildID != "" {
		e.Str("guild_id", event.GuildID)
	}
	if event.RequestID != "" {
		e.Str("request_id", event.RequestID)
	}
	for k, v := range event.Details {
		e.Str(k, v)
	}

	e.Msg("audit event")
}

// LogFromContext logs an event, filling RequestID from ctx if not already set.
func (l *Logger) LogFromContext(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = log.CorrelationIDFromContext(ctx)
	}
	l.Log(event)
}

// RoomCreated logs a new user room coming into existence.
func (l *Logger) RoomCreated(guildID, ownerID, channelID, name string) {
	l.Log(Event{
		Type:     EventRoomCreated,
		Actor:    ownerID,
		Action:   "created room",
		Resource: channelID,
		Result:   "success",
		GuildID:  guildID,
		Details:  map[string]string{"name": name},
	})
}

// RoomDeleted logs a user room being destroyed (empty, user-owned).
func (l *Logger) RoomDeleted(guildID, channelID string) {
	l.Log(Event{
		Type:     EventRoomDeleted,
		Actor:    "system",
		Action:   "deleted empty room",
		Resource: channelID,
		Result:   "success",
		GuildID:  guildID,
	})
}

// OwnershipTransferred logs an owner handoff, voluntary or inherited.
func (l *Logger) OwnershipTransferred(guildID, channelID, fromUserID, toUserID, cause string) {
	l.Log(Event{
		Type:     EventOwnershipTransfer,
		Actor:    fromUserID,
		Action:   "ownership transferred",
		Resource: channelID,
		Result:   "success",
		GuildID:  guildID,
		Details: map[string]string{
			"to_user_id": toUserID,
			"cause":      cause,
		},
	})
}

// PreferenceApplied logs a preference (mute/deafen/rename/ban) applied to a
// member entering or being assigned a room.
func (l *Logger) PreferenceApplied(guildID, ownerID, channelID, targetUserID, kind string) {
	l.Log(Event{
		Type:     EventPreferenceApplied,
		Actor:    ownerID,
		Action:   "applied preference: " + kind,
		Resource: channelID,
		Result:   "success",
		GuildID:  guildID,
		Details:  map[string]string{"target_user_id": targetUserID, "kind": kind},
	})
}

// PreferenceRejected logs a manual rename that failed the Administrator
// check and was not persisted (SPEC_FULL §4.8 fail-closed rule).
func (l *Logger) PreferenceRejected(guildID, channelID, executorID, reason string) {
	l.Log(Event{
		Type:     EventPreferenceRejected,
		Actor:    executorID,
		Action:   "rename not persisted",
		Resource: channelID,
		Result:   "denied",
		GuildID:  guildID,
		Details:  map[string]string{"reason": reason},
	})
}

// ReconcileDrift logs a repair the reconciler made to bring store state back
// in line with platform state.
func (l *Logger) ReconcileDrift(guildID, channelID, kind string, count int) {
	l.Log(Event{
		Type:     EventReconcileDrift,
		Actor:    "system",
		Action:   "reconciled drift: " + kind,
		Resource: channelID,
		Result:   "success",
		GuildID:  guildID,
		Details:  map[string]string{"kind": kind, "count": strconv.Itoa(count)},
	})
}

// ForceResync logs a per-user forced resync triggered by repeated voice
// handler failures (SPEC_FULL §4.5).
func (l *Logger) ForceResync(guildID, userID string, failureCount int) {
	l.Log(Event{
		Type:     EventForceResync,
		Actor:    userID,
		Action:   "forced session resync after repeated failures",
		Resource: userID,
		Result:   "success",
		GuildID:  guildID,
		Details:  map[string]string{"failure_count": strconv.Itoa(failureCount)},
	})
}

// CoupResolved logs the outcome of an ownership challenge.
func (l *Logger) CoupResolved(guildID, channelID, targetUserID, outcome string, votes int) {
	l.Log(Event{
		Type:     EventCoupResolved,
		Actor:    targetUserID,
		Action:   "coup resolved: " + outcome,
		Resource: channelID,
		Result:   outcome,
		GuildID:  guildID,
		Details:  map[string]string{"votes": strconv.Itoa(votes)},
	})
}

// JoinDetails renders a comma-separated list for Details map values.
func JoinDetails(items []string) string {
	return strings.Join(items, ",")
}
