// SPDX-License-Identifier: MIT

// Package ownership is the ownership manager (C7): it writes owner records,
// resolves transfers on owner departure, and repairs drift via universal
// ownership sync (also invoked by the reconciler).
package ownership

import (
	"context"
	"sort"
	"time"

	"github.com/voicewarden/voicewarden/internal/audit"
	"github.com/voicewarden/voicewarden/internal/metrics"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/voice/cachestore"
	"github.com/voicewarden/voicewarden/internal/voice/model"
	"github.com/voicewarden/voicewarden/internal/voice/store"
)

// PreferenceApplier is implemented by internal/voice/preferences; kept as
// an interface here to avoid an import cycle (preferences also needs
// ownership for rename bookkeeping in a future extension, and more
// importantly C8 is consumed from multiple components).
type PreferenceApplier interface {
	ApplyOnOwnershipAssignment(ctx context.Context, channelID, newOwnerID, guildID string) error
}

// Manager implements C7.
type Manager struct {
	store   store.StateStore
	cache   *cachestore.Store
	prefs   PreferenceApplier
	auditor *audit.Logger
}

// New constructs an ownership Manager.
func New(st store.StateStore, cache *cachestore.Store, prefs PreferenceApplier, auditor *audit.Logger) *Manager {
	return &Manager{store: st, cache: cache, prefs: prefs, auditor: auditor}
}

// SetOwner writes the owner record, invalidates a divergent call state, and
// applies the new owner's channel-level preferences.
func (m *Manager) SetOwner(ctx context.Context, guildID, channelID, newOwnerID string) error {
	return m.setOwner(ctx, guildID, channelID, newOwnerID, "set_owner")
}

// SetOwnerForCoup transfers ownership as the result of a successful
// ownership-challenge vote, labeling the audit entry and metric
// accordingly rather than as a generic set_owner.
func (m *Manager) SetOwnerForCoup(ctx context.Context, guildID, channelID, newOwnerID string) error {
	return m.setOwner(ctx, guildID, channelID, newOwnerID, "coup")
}

func (m *Manager) setOwner(ctx context.Context, guildID, channelID, newOwnerID, cause string) error {
	current, _, _ := m.store.GetChannel(ctx, channelID)

	owner := model.Owner{
		ChannelID:       channelID,
		UserID:          newOwnerID,
		OwnedSince:      time.Now(),
		PreviousOwnerID: current.OwnerID,
	}

	room := current
	room.ID = channelID
	room.GuildID = guildID
	room.OwnerID = newOwnerID
	room.OwnerSince = owner.OwnedSince
	if err := m.store.UpsertChannel(ctx, room); err != nil {
		return err
	}
	if err := m.cache.SetChannelOwner(ctx, owner); err != nil {
		return err
	}

	if cs, ok := m.cache.CallState(ctx, channelID); ok && cs.CurrentOwner != newOwnerID {
		if err := m.cache.InvalidateCallState(ctx, channelID); err != nil {
			return err
		}
	}

	if err := m.prefs.ApplyOnOwnershipAssignment(ctx, channelID, newOwnerID, guildID); err != nil {
		return err
	}

	m.auditor.OwnershipTransferred(guildID, channelID, current.OwnerID, newOwnerID, cause)
	metrics.OwnershipTransfersTotal.WithLabelValues(cause).Inc()
	return nil
}

// OwnerLeftTransfer handles an owner departing a non-empty room: it selects
// an inheritor, resets permission overwrites to just the inheritor's
// channel-scoped grant (preserving role overwrites), transfers ownership,
// and reapplies rename records scoped to this room.
func (m *Manager) OwnerLeftTransfer(ctx context.Context, client platform.Client, guildID, channelID string) error {
	members, err := client.ChannelMembers(ctx, channelID)
	if err != nil {
		return err
	}
	var nonBot []platform.Member
	for _, mem := range members {
		if !mem.IsBot {
			nonBot = append(nonBot, mem)
		}
	}
	if len(nonBot) == 0 {
		return nil
	}

	inheritorID, err := m.SelectInheritor(ctx, guildID, channelID, nonBot)
	if err != nil {
		return err
	}

	overwrites, err := client.ChannelOverwrites(ctx, channelID)
	if err != nil {
		return err
	}
	for _, ow := range overwrites {
		if ow.Type == "member" {
			if err := client.DeletePermissionOverwrite(ctx, channelID, ow.ID); err != nil {
				return err
			}
		}
	}
	if err := client.EditPermissionOverwrite(ctx, channelID, channelScopedOverwrite(inheritorID)); err != nil {
		return err
	}

	if err := m.setOwner(ctx, guildID, channelID, inheritorID, "owner_left"); err != nil {
		return err
	}

	prefs, found, err := m.store.GetOwnerPrefs(ctx, inheritorID, guildID)
	if err == nil && found {
		for _, mem := range nonBot {
			if rename, ok := prefs.RenameFor(mem.UserID, channelID); ok {
				_ = client.SetNickname(ctx, guildID, mem.UserID, rename.ScopedNickname)
			}
		}
	}

	return client.SendMessage(ctx, channelID, platform.Embed{
		Title:       "Ownership transferred",
		Description: "This room now belongs to <@" + inheritorID + ">.",
	})
}

// Discord permission bit positions relevant to a channel-scoped owner grant.
// Only channel-local rights appear here; realm-wide rights (move/mute/
// deafen/manage-roles members elsewhere) are never granted, per
// SPEC_FULL §4.6 step 4.
const (
	permCreateInstantInvite = 1 << 0
	permPrioritySpeaker     = 1 << 8
	permStream              = 1 << 9
	permConnect             = 1 << 20
	permSpeak               = 1 << 21
	permManageChannels      = 1 << 4
	permUseVAD              = 1 << 25
)

// channelScopedOverwrite grants the owner channel-management rights only.
func channelScopedOverwrite(userID string) platform.PermissionOverwrite {
	allow := int64(permManageChannels | permCreateInstantInvite | permConnect | permSpeak |
		permUseVAD | permPrioritySpeaker | permStream)
	return platform.PermissionOverwrite{ID: userID, Type: "member", Allow: allow}
}

// SelectInheritor implements the longest-standing rule of SPEC_FULL §4.7:
// prefer the cached channel_members join-time set, fall back to querying
// each member's open session, and finally fall back to a stable pick by
// user_id.
func (m *Manager) SelectInheritor(ctx context.Context, guildID, channelID string, currentMembers []platform.Member) (string, error) {
	memberSet := make(map[string]bool, len(currentMembers))
	for _, mem := range currentMembers {
		memberSet[mem.UserID] = true
	}

	if cached, ok := m.cache.ChannelMembers(ctx, channelID); ok {
		var best cachestore.ChannelMember
		found := false
		for _, c := range cached {
			if !memberSet[c.UserID] {
				continue
			}
			if !found || c.JoinedAt.Before(best.JoinedAt) {
				best = c
				found = true
			}
		}
		if found {
			return best.UserID, nil
		}
	}

	var bestUser string
	var bestJoined time.Time
	found := false
	for _, mem := range currentMembers {
		sess, ok, err := m.store.OpenSessionForUser(ctx, mem.UserID, guildID)
		if err != nil {
			continue
		}
		if !ok || sess.ChannelID != channelID {
			continue
		}
		if !found || sess.JoinedAt.Before(bestJoined) {
			bestUser, bestJoined, found = mem.UserID, sess.JoinedAt, true
		}
	}
	if found {
		return bestUser, nil
	}

	ids := make([]string, 0, len(currentMembers))
	for _, mem := range currentMembers {
		ids = append(ids, mem.UserID)
	}
	sort.Strings(ids)
	return ids[0], nil
}

// Sync implements universal ownership sync (SPEC_FULL §4.7, §4.9 step 6):
// drop a recorded owner who is no longer present, and if no owner is
// recorded, run inheritor selection over current members.
func (m *Manager) Sync(ctx context.Context, client platform.Client, guildID, channelID string) error {
	room, found, err := m.store.GetChannel(ctx, channelID)
	if err != nil || !found {
		return err
	}

	members, err := client.ChannelMembers(ctx, channelID)
	if err != nil {
		return err
	}
	memberSet := make(map[string]bool, len(members))
	var nonBot []platform.Member
	for _, mem := range members {
		memberSet[mem.UserID] = true
		if !mem.IsBot {
			nonBot = append(nonBot, mem)
		}
	}

	if room.OwnerID != "" && !memberSet[room.OwnerID] {
		room.OwnerID = ""
		room.OwnerSince = time.Time{}
		if err := m.store.UpsertChannel(ctx, room); err != nil {
			return err
		}
		_ = m.cache.DeleteChannelOwner(ctx, channelID)
	}

	if room.OwnerID == "" {
		if len(nonBot) == 0 {
			return nil
		}
		inheritorID, err := m.SelectInheritor(ctx, guildID, channelID, nonBot)
		if err != nil {
			return err
		}
		return m.setOwner(ctx, guildID, channelID, inheritorID, "sync")
	}

	return nil
}
