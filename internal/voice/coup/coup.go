// SPDX-License-Identifier: MIT

// Package coup implements the ownership-challenge vote: a single 5-minute
// window per channel requiring a strict majority of current non-bot
// members to vote "yes" before the challenger becomes owner, per
// SPEC_FULL §12.2.
package coup

import (
	"context"
	"errors"
	"time"

	"github.com/voicewarden/voicewarden/internal/audit"
	"github.com/voicewarden/voicewarden/internal/metrics"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/voice/cachestore"
	"github.com/voicewarden/voicewarden/internal/voice/model"
	"github.com/voicewarden/voicewarden/internal/voice/ownership"
)

// ErrAlreadyActive is returned by Start when a challenge is already running
// in the channel; only one may be active at a time.
var ErrAlreadyActive = errors.New("coup: a challenge is already active in this channel")

// Coup implements the vote flow over cachestore's coup-session entry.
type Coup struct {
	cache   *cachestore.Store
	client  platform.Client
	owners  *ownership.Manager
	auditor *audit.Logger
	window  time.Duration
}

// New constructs a Coup handler. window is coup_window_s (default 300s).
func New(cache *cachestore.Store, client platform.Client, owners *ownership.Manager, auditor *audit.Logger, window time.Duration) *Coup {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Coup{cache: cache, client: client, owners: owners, auditor: auditor, window: window}
}

// Start opens a new challenge against the channel's current owner,
// initiated by challengerID, with an implicit "yes" vote from the
// challenger (§12.2).
func (c *Coup) Start(ctx context.Context, channelID, challengerID string) error {
	if _, active := c.cache.CoupSession(ctx, channelID); active {
		metrics.CoupOutcomesTotal.WithLabelValues("refused").Inc()
		return ErrAlreadyActive
	}

	now := time.Now()
	session := model.CoupSession{
		ChannelID:    channelID,
		TargetUserID: challengerID,
		Votes:        []model.Vote{{VoterID: challengerID, At: now}},
		StartedAt:    now,
		ExpiresAt:    now.Add(c.window),
	}
	return c.cache.SetCoupSession(ctx, session)
}

// Vote implicitly registers "yes" for a member who joins or reacts while a
// challenge is active; it is a no-op if there's no active session or the
// voter already voted. An expired session is resolved as expired (and
// removed) instead of recording the vote.
func (c *Coup) Vote(ctx context.Context, guildID, channelID, voterID string) error {
	session, ok := c.cache.CoupSession(ctx, channelID)
	if !ok {
		return nil
	}
	if time.Now().After(session.ExpiresAt) {
		return c.resolveExpired(ctx, channelID)
	}
	for _, v := range session.Votes {
		if v.VoterID == voterID {
			return nil
		}
	}
	session.Votes = append(session.Votes, model.Vote{VoterID: voterID, At: time.Now()})

	resolved, err := c.checkQuorum(ctx, guildID, channelID, session)
	if err != nil {
		return err
	}
	if resolved {
		return nil
	}
	return c.cache.SetCoupSession(ctx, session)
}

// checkQuorum resolves the challenge in favor of the target if a strict
// majority of current non-bot members have voted. On success the session is
// deleted and ownership transferred, and resolved is true; otherwise the
// (mutated) session is left for the caller to persist.
func (c *Coup) checkQuorum(ctx context.Context, guildID, channelID string, session model.CoupSession) (resolved bool, err error) {
	members, err := c.client.ChannelMembers(ctx, channelID)
	if err != nil {
		return false, err
	}
	nonBot := 0
	for _, m := range members {
		if !m.IsBot {
			nonBot++
		}
	}
	if nonBot == 0 {
		return false, nil
	}

	voteSet := make(map[string]bool, len(session.Votes))
	for _, v := range session.Votes {
		voteSet[v.VoterID] = true
	}
	yesCount := 0
	for _, m := range members {
		if !m.IsBot && voteSet[m.UserID] {
			yesCount++
		}
	}

	if yesCount*2 <= nonBot {
		return false, nil
	}

	if err := c.cache.DeleteCoupSession(ctx, channelID); err != nil {
		return false, err
	}
	if err := c.owners.SetOwnerForCoup(ctx, guildID, channelID, session.TargetUserID); err != nil {
		return false, err
	}
	c.auditor.CoupResolved(guildID, channelID, session.TargetUserID, "succeeded", yesCount)
	metrics.CoupOutcomesTotal.WithLabelValues("succeeded").Inc()
	if err := c.client.SendMessage(ctx, channelID, platform.Embed{
		Title:       "Coup succeeded",
		Description: "<@" + session.TargetUserID + "> is now the owner of this room.",
	}); err != nil {
		return true, err
	}
	return true, nil
}

// ExpireStale discards any active session past its expiry without a
// quorum, with no side effects beyond the cache deletion. Intended to be
// polled by a janitor goroutine at a modest interval.
func (c *Coup) ExpireStale(ctx context.Context, guildID, channelID string) error {
	session, ok := c.cache.CoupSession(ctx, channelID)
	if !ok || time.Now().Before(session.ExpiresAt) {
		return nil
	}
	return c.resolveExpired(ctx, channelID)
}

func (c *Coup) resolveExpired(ctx context.Context, channelID string) error {
	if err := c.cache.DeleteCoupSession(ctx, channelID); err != nil {
		return err
	}
	metrics.CoupOutcomesTotal.WithLabelValues("expired").Inc()
	return nil
}
