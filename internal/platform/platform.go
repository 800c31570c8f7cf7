// SPDX-License-Identifier: MIT

// Package platform declares the collaborator interface every voice-room
// component uses to talk to the chat platform, plus the normalized event
// DTOs its gateway delivers. A concrete implementation lives in
// internal/platform/discord.
package platform

import (
	"context"
	"time"

	"github.com/voicewarden/voicewarden/internal/voice/model"
)

// PermissionOverwrite mirrors a channel-scoped permission grant/deny for a
// role or member.
type PermissionOverwrite struct {
	ID    string // role ID or user ID
	Type  string // "role" or "member"
	Allow int64
	Deny  int64
}

// ChannelSpec describes the desired state of a channel for CreateChannel
// calls.
type ChannelSpec struct {
	Name       string
	Position   int
	UserLimit  int
	Locked     bool
	Hidden     bool
	Overwrites []PermissionOverwrite
	ParentID   string
}

// Client is the set of platform API calls issued by the voice-room
// components, per SPEC_FULL §6. Every mutating method wraps a deadline per
// SPEC_FULL §5 (rename 8s hard/5s fallback, other mutations 5s default);
// implementations are responsible for applying it internally so callers
// don't need to thread per-call timeouts through every call site. Read
// methods add no deadline of their own and run under the caller's ctx.
type Client interface {
	CreateChannel(ctx context.Context, guildID string, spec ChannelSpec) (channelID string, err error)
	DeleteChannel(ctx context.Context, channelID string) error
	SetChannelName(ctx context.Context, channelID, name string) error
	SetChannelPosition(ctx context.Context, channelID string, position int) error
	SetUserLimit(ctx context.Context, channelID string, limit int) error
	EditPermissionOverwrite(ctx context.Context, channelID string, ow PermissionOverwrite) error
	DeletePermissionOverwrite(ctx context.Context, channelID, targetID string) error
	ChannelOverwrites(ctx context.Context, channelID string) ([]PermissionOverwrite, error)

	MoveMember(ctx context.Context, guildID, userID, channelID string) error
	DisconnectMember(ctx context.Context, guildID, userID string) error
	SetMute(ctx context.Context, guildID, userID string, muted bool) error
	SetDeafen(ctx context.Context, guildID, userID string, deafened bool) error
	SetNickname(ctx context.Context, guildID, userID, nickname string) error

	SendMessage(ctx context.Context, channelID string, embed Embed) error

	// ChannelMembers lists the current voice occupants of a channel, bots
	// included (flagged by Member.IsBot).
	ChannelMembers(ctx context.Context, channelID string) ([]Member, error)
	// HasAdministrator reports whether userID holds the realm-wide
	// Administrator permission, consulted by the manual-rename detector.
	HasAdministrator(ctx context.Context, guildID, userID string) (bool, error)
	// FetchAuditLogExecutor returns the user_id that most recently performed
	// actionType against targetID, used to attribute a manual channel
	// rename. Returns ok=false if no matching entry is found.
	FetchAuditLogExecutor(ctx context.Context, guildID, targetID, actionType string) (userID string, ok bool, err error)

	// ChannelByID resolves live channel metadata, consulted by the
	// reconciler and room-creation queue.
	ChannelByID(ctx context.Context, channelID string) (Channel, bool, error)
	// GuildVoiceChannels lists every voice channel in the guild, consulted
	// by the reconciler's per-run sweep.
	GuildVoiceChannels(ctx context.Context, guildID string) ([]Channel, error)
}

// Member is a minimal, platform-agnostic voice channel occupant.
type Member struct {
	UserID      string
	DisplayName string
	IsBot       bool
}

// Channel is a minimal, platform-agnostic live channel snapshot.
type Channel struct {
	ID         string
	GuildID    string
	Name       string
	Position   int
	ParentID   string
	Overwrites []PermissionOverwrite
	Members    []Member
}

// Embed is a platform-agnostic rich message body (e.g. the room-creation
// welcome card).
type Embed struct {
	Title       string
	Description string
	Fields      map[string]string
}

// VoiceTransitionEvent is the dispatcher's typed record for a
// voice-state-update gateway callback.
type VoiceTransitionEvent struct {
	Transition model.VoiceTransition
	IsBot      bool
}

// ChannelUpdateEvent carries a channel's before/after snapshot for the
// manual-rename detector.
type ChannelUpdateEvent struct {
	Before Channel
	After  Channel
	At     time.Time
}

// MemberUpdateEvent carries a guild member's nickname/role change.
type MemberUpdateEvent struct {
	GuildID string
	UserID  string
	At      time.Time
}

// MessageEvent carries an inbound command message.
type MessageEvent struct {
	GuildID   string
	ChannelID string
	AuthorID  string
	Content   string
	At        time.Time
}

// ReactionEvent carries an inbound reaction add/remove, used by the coup
// vote flow.
type ReactionEvent struct {
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
	Emoji     string
	Added     bool
	At        time.Time
}
