// SPDX-License-Identifier: MIT

// Package handler is the voice-state handler (C5): it classifies each
// normalized voice transition and orchestrates C3/C6/C7/C8 in response,
// per SPEC_FULL §4.5.
package handler

import (
	"context"
	"sync"

	"github.com/voicewarden/voicewarden/internal/audit"
	"github.com/voicewarden/voicewarden/internal/log"
	"github.com/voicewarden/voicewarden/internal/metrics"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/voice/cachestore"
	"github.com/voicewarden/voicewarden/internal/voice/model"
	"github.com/voicewarden/voicewarden/internal/voice/ownership"
	"github.com/voicewarden/voicewarden/internal/voice/preferences"
	"github.com/voicewarden/voicewarden/internal/voice/roomqueue"
	"github.com/voicewarden/voicewarden/internal/voice/store"
	"github.com/voicewarden/voicewarden/internal/voice/tracker"
)

// Resyncer is implemented by the reconciler; invoked when a single user_id
// crosses the configured failure threshold, per SPEC_FULL §4.5's last
// paragraph.
type Resyncer interface {
	ForceResyncUser(ctx context.Context, guildID, userID string) error
}

// Voter is implemented by internal/voice/coup; invoked to register an
// implicit "yes" vote when a user joins a channel with an active
// ownership challenge (SPEC_FULL §12.2). A no-op if no challenge is active.
type Voter interface {
	Vote(ctx context.Context, guildID, channelID, voterID string) error
}

// Handler implements C5.
type Handler struct {
	store   store.StateStore
	cache   *cachestore.Store
	client  platform.Client
	tracker *tracker.Tracker
	queue   *roomqueue.Queue
	owners  *ownership.Manager
	prefs   *preferences.Applicator
	auditor *audit.Logger
	resync  Resyncer
	voter   Voter

	isExcluded func(channelID string) bool
	isSpawn    func(channelID string) bool

	maxErrorsBeforeResync int

	failuresMu sync.Mutex
	failures   map[string]int
}

// New constructs a voice-state Handler.
func New(
	st store.StateStore,
	cache *cachestore.Store,
	client platform.Client,
	trk *tracker.Tracker,
	queue *roomqueue.Queue,
	owners *ownership.Manager,
	prefs *preferences.Applicator,
	auditor *audit.Logger,
	resync Resyncer,
	voter Voter,
	isExcluded, isSpawn func(channelID string) bool,
	maxErrorsBeforeResync int,
) *Handler {
	return &Handler{
		store: st, cache: cache, client: client,
		tracker: trk, queue: queue, owners: owners, prefs: prefs,
		auditor: auditor, resync: resync, voter: voter,
		isExcluded: isExcluded, isSpawn: isSpawn,
		maxErrorsBeforeResync: maxErrorsBeforeResync,
		failures:              make(map[string]int),
	}
}

// HandleVoiceState is the dispatcher-registered entry point for the
// voice_state family. It never lets an error escape: failures are counted
// per user_id and, past the threshold, trigger a force resync.
func (h *Handler) HandleVoiceState(ctx context.Context, event platform.VoiceTransitionEvent) {
	if event.IsBot {
		return
	}
	t := event.Transition
	logger := log.WithComponent("handler").With().Str("user_id", t.UserID).Logger()

	var err error
	switch t.Kind() {
	case model.TransitionJoin:
		err = h.handleJoin(ctx, t)
	case model.TransitionLeave:
		err = h.handleLeave(ctx, t)
	case model.TransitionMove:
		err = h.handleMove(ctx, t)
	case model.TransitionIgnored:
		return
	}

	if err != nil {
		logger.Warn().Err(err).Msg("voice-state handling failed")
		h.recordFailure(ctx, t.GuildID, t.UserID)
		return
	}
	h.clearFailures(t.UserID)
}

func (h *Handler) handleJoin(ctx context.Context, t model.VoiceTransition) error {
	if h.isSpawn(t.To.ID) {
		member, err := h.memberDisplayName(ctx, t.To.ID, t.UserID)
		if err != nil {
			return err
		}
		spawnPos := 0
		if ch, ok, err := h.client.ChannelByID(ctx, t.To.ID); err == nil && ok {
			spawnPos = ch.Position
		}
		_, err = h.queue.Enqueue(t.GuildID, t.UserID, member, t.To.ID, t.To.Name, spawnPos)
		return err
	}

	if err := h.tracker.TrackJoin(ctx, false, t.UserID, t.GuildID, t.To.ID, t.To.Name, t.At); err != nil {
		return err
	}

	if h.isExcluded(t.To.ID) {
		return nil
	}

	if err := h.prefs.ApplyOnJoin(ctx, t.GuildID, t.To.ID, t.UserID); err != nil {
		return err
	}

	if h.voter != nil {
		if err := h.voter.Vote(ctx, t.GuildID, t.To.ID, t.UserID); err != nil {
			return err
		}
	}

	room, found, err := h.store.GetChannel(ctx, t.To.ID)
	if err != nil {
		return err
	}
	if found && room.OwnerID == "" {
		return h.owners.Sync(ctx, h.client, t.GuildID, t.To.ID)
	}
	return nil
}

func (h *Handler) handleLeave(ctx context.Context, t model.VoiceTransition) error {
	if h.isSpawn(t.From.ID) {
		return nil
	}

	if err := h.tracker.TrackLeave(ctx, false, t.UserID, t.From.ID, t.At); err != nil {
		return err
	}

	h.restoreScopedNickname(ctx, t.GuildID, t.UserID, t.From.ID)

	if h.isExcluded(t.From.ID) {
		return nil
	}

	room, found, err := h.store.GetChannel(ctx, t.From.ID)
	if err != nil || !found {
		return err
	}

	count, err := h.store.ActiveMembersCount(ctx, t.From.ID)
	if err != nil {
		return err
	}

	if room.IsUserRoom && count == 0 {
		return h.deleteRoom(ctx, t.GuildID, room)
	}

	if room.OwnerID == t.UserID {
		return h.owners.OwnerLeftTransfer(ctx, h.client, t.GuildID, t.From.ID)
	}
	return nil
}

func (h *Handler) handleMove(ctx context.Context, t model.VoiceTransition) error {
	leave := model.VoiceTransition{UserID: t.UserID, GuildID: t.GuildID, From: t.From, To: model.ChannelRef{}, At: t.At}
	if err := h.handleLeave(ctx, leave); err != nil {
		return err
	}
	join := model.VoiceTransition{UserID: t.UserID, GuildID: t.GuildID, From: model.ChannelRef{}, To: t.To, At: t.At}
	return h.handleJoin(ctx, join)
}

// deleteRoom deletes an emptied user room on the platform and marks its
// store row inactive (the row itself is kept).
func (h *Handler) deleteRoom(ctx context.Context, guildID string, room model.Room) error {
	if err := h.client.DeleteChannel(ctx, room.ID); err != nil {
		return err
	}
	if err := h.store.DeleteChannel(ctx, room.ID); err != nil {
		return err
	}
	_ = h.cache.DeleteChannelOwner(ctx, room.ID)
	_ = h.cache.InvalidateCallState(ctx, room.ID)
	_ = h.cache.DeleteChannelMembers(ctx, room.ID)
	h.auditor.RoomDeleted(guildID, room.ID)
	metrics.RoomsDeletedTotal.Inc()
	return nil
}

// restoreScopedNickname undoes any per-room nickname applied under a prior
// owner's preferences for the channel being left. Best-effort: a failure
// here never blocks the leave from being recorded.
func (h *Handler) restoreScopedNickname(ctx context.Context, guildID, userID, channelID string) {
	room, found, err := h.store.GetChannel(ctx, channelID)
	if err != nil || !found || room.OwnerID == "" {
		return
	}
	prefs, found, err := h.store.GetOwnerPrefs(ctx, room.OwnerID, guildID)
	if err != nil || !found {
		return
	}
	rename, ok := prefs.RenameFor(userID, channelID)
	if !ok {
		return
	}
	_ = h.client.SetNickname(ctx, guildID, userID, rename.OriginalNickname)
}

func (h *Handler) memberDisplayName(ctx context.Context, channelID, userID string) (string, error) {
	members, err := h.client.ChannelMembers(ctx, channelID)
	if err != nil {
		return userID, err
	}
	for _, m := range members {
		if m.UserID == userID {
			return m.DisplayName, nil
		}
	}
	return userID, nil
}

// recordFailure bumps the per-user error counter and, past the configured
// threshold, triggers a force resync and resets the counter.
func (h *Handler) recordFailure(ctx context.Context, guildID, userID string) {
	h.failuresMu.Lock()
	h.failures[userID]++
	n := h.failures[userID]
	h.failuresMu.Unlock()

	if n < h.maxErrorsBeforeResync {
		return
	}

	h.clearFailures(userID)
	if h.resync == nil {
		return
	}
	if err := h.resync.ForceResyncUser(ctx, guildID, userID); err != nil {
		log.WithComponent("handler").Warn().Err(err).Str("user_id", userID).Msg("force resync failed")
		return
	}
	h.auditor.ForceResync(guildID, userID, n)
	metrics.ForceResyncTotal.Inc()
}

func (h *Handler) clearFailures(userID string) {
	h.failuresMu.Lock()
	delete(h.failures, userID)
	h.failuresMu.Unlock()
}

// voiceStateUserKey is the dispatcher's UserKeyFunc for the voice_state
// family: it keeps a user's own JOIN/LEAVE/MOVE serialized.
func voiceStateUserKey(event any) string {
	if e, ok := event.(platform.VoiceTransitionEvent); ok {
		return e.Transition.UserID
	}
	return ""
}

// VoiceStateUserKey exports voiceStateUserKey for wiring into dispatch.New.
var VoiceStateUserKey = voiceStateUserKey
