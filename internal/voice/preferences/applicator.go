// SPDX-License-Identifier: MIT

// Package preferences is the preference applicator (C8): it applies owner
// preferences to new joiners, to a room on ownership assignment, and
// detects+persists manual renames, per SPEC_FULL §4.8.
package preferences

import (
	"context"
	"strings"

	"github.com/voicewarden/voicewarden/internal/audit"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/voice/cachestore"
	"github.com/voicewarden/voicewarden/internal/voice/model"
	"github.com/voicewarden/voicewarden/internal/voice/store"
)

// Applicator implements C8.
type Applicator struct {
	store            store.StateStore
	cache            *cachestore.Store
	client           platform.Client
	auditor          *audit.Logger
	roomNameTemplate string
}

// New constructs an Applicator. roomNameTemplate is SPEC_FULL §6's
// room_name_template default ("{display_name}'s Channel"), used whenever an
// owner has no preferred_name set.
func New(st store.StateStore, cache *cachestore.Store, client platform.Client, auditor *audit.Logger, roomNameTemplate string) *Applicator {
	return &Applicator{store: st, cache: cache, client: client, auditor: auditor, roomNameTemplate: roomNameTemplate}
}

func defaultRoomName(template, displayName string) string {
	return strings.ReplaceAll(template, "{display_name}", displayName)
}

// ApplyOnJoin applies a new joiner's ban/mute/deafen/rename per the room
// owner's preferences. A banned user is disconnected and nothing further is
// applied.
func (a *Applicator) ApplyOnJoin(ctx context.Context, guildID, channelID, userID string) error {
	room, found, err := a.store.GetChannel(ctx, channelID)
	if err != nil || !found || room.OwnerID == "" {
		return err
	}

	prefs, found, err := a.store.GetOwnerPrefs(ctx, room.OwnerID, guildID)
	if err != nil || !found {
		return err
	}

	if prefs.IsBanned(userID) {
		a.auditor.PreferenceApplied(guildID, room.OwnerID, channelID, userID, "ban_enforced")
		return a.client.DisconnectMember(ctx, guildID, userID)
	}

	if prefs.IsMuted(userID) {
		if err := a.client.SetMute(ctx, guildID, userID, true); err != nil {
			// best-effort: missing permissions are logged, not fatal
			a.auditor.PreferenceRejected(guildID, channelID, userID, "mute failed: "+err.Error())
		} else {
			a.auditor.PreferenceApplied(guildID, room.OwnerID, channelID, userID, "mute")
		}
	}
	if prefs.IsDeafened(userID) {
		if err := a.client.SetDeafen(ctx, guildID, userID, true); err != nil {
			a.auditor.PreferenceRejected(guildID, channelID, userID, "deafen failed: "+err.Error())
		} else {
			a.auditor.PreferenceApplied(guildID, room.OwnerID, channelID, userID, "deafen")
		}
	}

	if rename, ok := prefs.RenameFor(userID, channelID); ok {
		if err := a.client.SetNickname(ctx, guildID, userID, rename.ScopedNickname); err != nil {
			a.auditor.PreferenceRejected(guildID, channelID, userID, "rename failed: "+err.Error())
		} else {
			a.auditor.PreferenceApplied(guildID, room.OwnerID, channelID, userID, "rename")
		}
	}

	return nil
}

// ApplyOnOwnershipAssignment applies the channel-level subset of an owner's
// preferences (name/limit/lock) when they become (or remain) the room's
// owner. User-level mute/deafen are not retroactively applied to existing
// members; bans are.
func (a *Applicator) ApplyOnOwnershipAssignment(ctx context.Context, channelID, newOwnerID, guildID string) error {
	prefs, found, err := a.store.GetOwnerPrefs(ctx, newOwnerID, guildID)
	if err != nil {
		return err
	}

	name := ""
	if found && prefs.PreferredName != "" {
		name = prefs.PreferredName
	} else {
		displayName := newOwnerID
		if members, err := a.client.ChannelMembers(ctx, channelID); err == nil {
			for _, m := range members {
				if m.UserID == newOwnerID {
					displayName = m.DisplayName
				}
			}
		}
		name = defaultRoomName(a.roomNameTemplate, displayName)
	}
	if err := a.client.SetChannelName(ctx, channelID, name); err != nil {
		return err
	}

	if found && prefs.HasPreferredLimit {
		if err := a.client.SetUserLimit(ctx, channelID, prefs.PreferredLimit); err != nil {
			return err
		}
	}

	locked, hidden := false, false
	if found {
		locked, hidden = prefs.PreferredLocked, prefs.PreferredHidden
	}
	if err := a.applyLockedHidden(ctx, guildID, channelID, locked, hidden); err != nil {
		a.auditor.PreferenceRejected(guildID, channelID, newOwnerID, "lock/hide failed: "+err.Error())
	} else if locked || hidden {
		a.auditor.PreferenceApplied(guildID, newOwnerID, channelID, newOwnerID, "lock_hide")
	}

	if found {
		for _, bannedID := range prefs.BannedUsers {
			members, err := a.client.ChannelMembers(ctx, channelID)
			if err != nil {
				continue
			}
			for _, m := range members {
				if m.UserID == bannedID {
					_ = a.client.DisconnectMember(ctx, guildID, bannedID)
					a.auditor.PreferenceApplied(guildID, newOwnerID, channelID, bannedID, "ban_enforced")
				}
			}
		}
	}

	return nil
}

// Discord permission bit positions needed to toggle a room's locked/hidden
// state. The @everyone role ID always equals the guild ID.
const (
	permConnect     = 1 << 20
	permViewChannel = 1 << 10
)

// applyLockedHidden denies Connect and/or View Channel to @everyone on
// channelID per the owner's lock/hide preferences, clearing the overwrite
// entirely once neither is set (e.g. a new owner with no preferences, or an
// owner who has since unlocked the room).
func (a *Applicator) applyLockedHidden(ctx context.Context, guildID, channelID string, locked, hidden bool) error {
	var deny int64
	if locked {
		deny |= permConnect
	}
	if hidden {
		deny |= permViewChannel
	}
	if deny == 0 {
		return a.client.DeletePermissionOverwrite(ctx, channelID, guildID)
	}
	return a.client.EditPermissionOverwrite(ctx, channelID, platform.PermissionOverwrite{
		ID: guildID, Type: "role", Deny: deny,
	})
}

// DetectManualRename implements the manual-rename detection rule of
// SPEC_FULL §4.8: when a room's name changes, persist it as the owner's
// preferred_name only if the audit log shows an Administrator performed
// the rename. A bot-generated name (the default template filled with the
// owner's display name, or the already-stored preference) is never stored,
// and an audit-log lookup failure fails closed (nothing is persisted).
func (a *Applicator) DetectManualRename(ctx context.Context, guildID, channelID, newName string) error {
	room, found, err := a.store.GetChannel(ctx, channelID)
	if err != nil || !found || room.OwnerID == "" {
		return err
	}

	prefs, hasPrefs, err := a.store.GetOwnerPrefs(ctx, room.OwnerID, guildID)
	if err != nil {
		return err
	}
	if hasPrefs && newName == prefs.PreferredName {
		return nil
	}
	ownerName := room.OwnerID
	if members, err := a.client.ChannelMembers(ctx, channelID); err == nil {
		for _, m := range members {
			if m.UserID == room.OwnerID {
				ownerName = m.DisplayName
			}
		}
	}
	if newName == defaultRoomName(a.roomNameTemplate, ownerName) {
		return nil
	}

	executorID, ok, err := a.client.FetchAuditLogExecutor(ctx, guildID, channelID, "channel_update")
	if err != nil || !ok {
		// fail closed: audit lookup failed or no entry found
		return nil
	}

	isAdmin, err := a.client.HasAdministrator(ctx, guildID, executorID)
	if err != nil || !isAdmin {
		a.auditor.PreferenceRejected(guildID, channelID, executorID, "executor lacks administrator")
		return nil
	}

	patch := model.Preferences{OwnerID: room.OwnerID, GuildID: guildID, PreferredName: newName}
	if err := a.store.UpsertOwnerPrefs(ctx, patch); err != nil {
		return err
	}
	return a.cache.InvalidateUserPrefs(ctx, room.OwnerID, guildID)
}
