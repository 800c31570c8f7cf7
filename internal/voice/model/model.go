// SPDX-License-Identifier: MIT

// Package model holds the data types shared across every voice-room
// component: rooms, sessions, owner records and preferences, call state,
// and coup sessions.
package model

import "time"

// Room is a managed voice channel. It exists for the lifetime between a
// user entering a spawn channel and the resulting room being destroyed
// (user-owned, empty) or, for non-user rooms, indefinitely.
type Room struct {
	ID          string
	GuildID     string
	Name        string
	Position    int
	IsUserRoom  bool
	SpawnID     string // empty if this room was not created from a spawn channel
	OwnerID     string // empty if unowned
	OwnerSince  time.Time
	Active      bool // false iff the platform channel no longer exists
	MemberIDs   []string
	MemberCount int
}

// Session is the central per-user-per-channel-visit record. At most one
// session per (UserID, GuildID) may have a zero LeftAt (invariant S1).
type Session struct {
	UserID      string
	GuildID     string
	ChannelID   string
	ChannelName string
	JoinedAt    time.Time
	LeftAt      time.Time // zero value means still open
	DurationSec int64
}

// IsOpen reports whether the session has not yet been closed.
func (s Session) IsOpen() bool {
	return s.LeftAt.IsZero()
}

// Owner is the current ownership record for a channel. At most one owner
// exists per channel (invariant O1); the owner must be a current member of
// the channel, though this is only eventually enforced by the reconciler
// (invariant O2).
type Owner struct {
	ChannelID       string
	UserID          string
	OwnedSince      time.Time
	PreviousOwnerID string
}

// RenamedUser records a nickname scoped to one room, applied while the
// named user occupies it under this owner's preferences.
type RenamedUser struct {
	UserID           string
	OriginalNickname string
	ScopedNickname   string
	ChannelID        string
	RenamedAt        time.Time
}

// Preferences is keyed by (OwnerID, GuildID), not per channel: a user's
// preferences travel with them across every room they own.
type Preferences struct {
	OwnerID            string
	GuildID            string
	PreferredName      string
	PreferredLimit     int // 0 means unset
	HasPreferredLimit  bool
	PreferredLocked    bool
	HasPreferredLocked bool
	PreferredHidden    bool
	HasPreferredHidden bool
	BannedUsers        []string
	MutedUsers         []string
	DeafenedUsers      []string
	KickedUsers        []string
	RenamedUsers       []RenamedUser
	LastUpdated        time.Time
}

// IsBanned reports whether userID appears in the owner's ban list.
func (p Preferences) IsBanned(userID string) bool {
	return contains(p.BannedUsers, userID)
}

// IsMuted reports whether userID appears in the owner's mute list.
func (p Preferences) IsMuted(userID string) bool {
	return contains(p.MutedUsers, userID)
}

// IsDeafened reports whether userID appears in the owner's deafen list.
func (p Preferences) IsDeafened(userID string) bool {
	return contains(p.DeafenedUsers, userID)
}

// RenameFor returns the rename record scoped to (userID, channelID), if any.
func (p Preferences) RenameFor(userID, channelID string) (RenamedUser, bool) {
	for _, r := range p.RenamedUsers {
		if r.UserID == userID && r.ChannelID == channelID {
			return r, true
		}
	}
	return RenamedUser{}, false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// CallState shadows the live-applied subset of an owner's preferences for
// the channel currently occupying a room. It lives in cache only.
type CallState struct {
	ChannelID     string
	CurrentOwner  string
	MutedUsers    []string
	DeafenedUsers []string
	KickedUsers   []string
	LastUpdated   time.Time
}

// Vote records one member's participation in a coup challenge.
type Vote struct {
	VoterID string
	At      time.Time
}

// CoupSession tracks an in-flight ownership challenge for one channel. Only
// one may be active per channel at a time.
type CoupSession struct {
	ChannelID    string
	TargetUserID string
	Votes        []Vote
	StartedAt    time.Time
	ExpiresAt    time.Time
}

// TransitionKind classifies a voice-state update.
type TransitionKind int

const (
	// TransitionIgnored covers mute/deafen/video toggles: from == to.
	TransitionIgnored TransitionKind = iota
	TransitionJoin
	TransitionLeave
	TransitionMove
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionJoin:
		return "join"
	case TransitionLeave:
		return "leave"
	case TransitionMove:
		return "move"
	default:
		return "ignored"
	}
}

// ChannelRef is a minimal reference to a voice channel, as carried on a
// VoiceTransition endpoint.
type ChannelRef struct {
	ID   string
	Name string
}

// VoiceTransition is the normalized form of a platform voice-state-update
// event. From and/or To may be the zero ChannelRef (empty ID) to represent
// "not in a voice channel".
type VoiceTransition struct {
	UserID  string
	GuildID string
	From    ChannelRef
	To      ChannelRef
	At      time.Time
}

// Kind classifies the transition per SPEC_FULL §4.5.
func (t VoiceTransition) Kind() TransitionKind {
	switch {
	case t.From.ID == "" && t.To.ID != "":
		return TransitionJoin
	case t.From.ID != "" && t.To.ID == "":
		return TransitionLeave
	case t.From.ID != "" && t.To.ID != "" && t.From.ID != t.To.ID:
		return TransitionMove
	default:
		return TransitionIgnored
	}
}

// ModHistoryEntry is one append-only audit row attributed to an owner.
type ModHistoryEntry struct {
	OwnerID     string
	GuildID     string
	Action      string
	TargetUser  string
	ChannelID   string
	Reason      string
	At          time.Time
}
