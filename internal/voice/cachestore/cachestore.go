// SPDX-License-Identifier: MIT

// Package cachestore is the typed cache gateway (C2): it layers JSON
// marshaling, key namespacing, and the malformed-value-purge contract of
// SPEC_FULL §4.2 on top of the raw internal/cache.Cache byte store.
package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/voicewarden/voicewarden/internal/cache"
	"github.com/voicewarden/voicewarden/internal/log"
	"github.com/voicewarden/voicewarden/internal/metrics"
	"github.com/voicewarden/voicewarden/internal/voice/model"
)

// Default TTLs for each namespace. Call state and coup sessions are
// short-lived by nature; owner/member entries outlive a single voice
// session but are still reconciler-correctable, so generous TTLs are safe.
const (
	ttlChannelOwner   = 12 * time.Hour
	ttlUserPrefs      = 12 * time.Hour
	ttlCallState      = 6 * time.Hour
	ttlCoupSession    = 10 * time.Minute
	ttlChannelMembers = 6 * time.Hour
)

// Store is the typed cache gateway used by every voice-room component.
type Store struct {
	backend cache.Cache
}

// New wraps a raw byte-oriented Cache backend.
func New(backend cache.Cache) *Store {
	return &Store{backend: backend}
}

func keyChannelOwner(channelID string) string { return "channel_owner:" + channelID }
func keyUserPrefs(userID, guildID string) string {
	return fmt.Sprintf("user_prefs:%s:%s", userID, guildID)
}
func keyCallState(channelID string) string     { return "call_state:" + channelID }
func keyCoup(channelID string) string          { return "coup:" + channelID }
func keyChannelMembers(channelID string) string { return "channel_members:" + channelID }

// get fetches a value at key and unmarshals it into dst. A decode failure or
// one of the spec's malformed sentinel values ("", "null") is treated as a
// miss, and the key is deleted so the poisoned value never resurfaces.
func (s *Store) get(ctx context.Context, key string, dst any) bool {
	raw, ok := s.backend.Get(ctx, key)
	if !ok {
		metrics.CacheOpsTotal.WithLabelValues(backendLabel(s.backend), "get", "miss").Inc()
		return false
	}

	if isMalformedSentinel(raw) {
		_ = s.backend.Delete(ctx, key)
		metrics.CacheOpsTotal.WithLabelValues(backendLabel(s.backend), "get", "malformed").Inc()
		return false
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		log.WithComponent("cachestore").Warn().Err(err).Str("key", key).Msg("malformed cache entry, purging")
		_ = s.backend.Delete(ctx, key)
		metrics.CacheOpsTotal.WithLabelValues(backendLabel(s.backend), "get", "malformed").Inc()
		return false
	}

	metrics.CacheOpsTotal.WithLabelValues(backendLabel(s.backend), "get", "hit").Inc()
	return true
}

func (s *Store) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cachestore: marshal %s: %w", key, err)
	}
	err = s.backend.Set(ctx, key, raw, ttl)
	metrics.CacheOpsTotal.WithLabelValues(backendLabel(s.backend), "set", resultLabel(err)).Inc()
	return err
}

func isMalformedSentinel(raw []byte) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", `""`:
		return true
	}
	return false
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func backendLabel(c cache.Cache) string {
	switch c.(type) {
	case *cache.RedisCache:
		return "redis"
	case *cache.BadgerCache:
		return "badger"
	case *cache.MemoryCache:
		return "memory"
	default:
		return "other"
	}
}

// ChannelOwner returns the cached owner for a channel.
func (s *Store) ChannelOwner(ctx context.Context, channelID string) (model.Owner, bool) {
	var o model.Owner
	return o, s.get(ctx, keyChannelOwner(channelID), &o)
}

// SetChannelOwner writes the cached owner for a channel.
func (s *Store) SetChannelOwner(ctx context.Context, o model.Owner) error {
	return s.set(ctx, keyChannelOwner(o.ChannelID), o, ttlChannelOwner)
}

// DeleteChannelOwner removes the cached owner, e.g. when a room is deleted.
func (s *Store) DeleteChannelOwner(ctx context.Context, channelID string) error {
	return s.backend.Delete(ctx, keyChannelOwner(channelID))
}

// UserPrefs returns the cached preferences for (userID, guildID).
func (s *Store) UserPrefs(ctx context.Context, userID, guildID string) (model.Preferences, bool) {
	var p model.Preferences
	return p, s.get(ctx, keyUserPrefs(userID, guildID), &p)
}

// SetUserPrefs writes the cached preferences for (userID, guildID).
func (s *Store) SetUserPrefs(ctx context.Context, p model.Preferences) error {
	return s.set(ctx, keyUserPrefs(p.OwnerID, p.GuildID), p, ttlUserPrefs)
}

// InvalidateUserPrefs must be called after any preference write, per
// SPEC_FULL §4.2.
func (s *Store) InvalidateUserPrefs(ctx context.Context, userID, guildID string) error {
	return s.backend.Delete(ctx, keyUserPrefs(userID, guildID))
}

// CallState returns the cached call state for a channel.
func (s *Store) CallState(ctx context.Context, channelID string) (model.CallState, bool) {
	var c model.CallState
	return c, s.get(ctx, keyCallState(channelID), &c)
}

// SetCallState writes the cached call state for a channel.
func (s *Store) SetCallState(ctx context.Context, c model.CallState) error {
	return s.set(ctx, keyCallState(c.ChannelID), c, ttlCallState)
}

// InvalidateCallState removes a channel's call state, used whenever it
// diverges from the owner's freshly-applied preferences.
func (s *Store) InvalidateCallState(ctx context.Context, channelID string) error {
	return s.backend.Delete(ctx, keyCallState(channelID))
}

// CoupSession returns the active coup session for a channel, if any.
func (s *Store) CoupSession(ctx context.Context, channelID string) (model.CoupSession, bool) {
	var c model.CoupSession
	return c, s.get(ctx, keyCoup(channelID), &c)
}

// SetCoupSession writes the active coup session for a channel.
func (s *Store) SetCoupSession(ctx context.Context, c model.CoupSession) error {
	ttl := time.Until(c.ExpiresAt)
	if ttl <= 0 {
		ttl = ttlCoupSession
	}
	return s.set(ctx, keyCoup(c.ChannelID), c, ttl)
}

// DeleteCoupSession clears a channel's coup session, e.g. once it resolves.
func (s *Store) DeleteCoupSession(ctx context.Context, channelID string) error {
	return s.backend.Delete(ctx, keyCoup(channelID))
}

// ChannelMember is one entry in a channel_members set.
type ChannelMember struct {
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

type channelMemberSet struct {
	Members []ChannelMember `json:"members"`
}

// ChannelMembers returns the cached membership set for a channel, used by
// the ownership manager's preferred inheritor-selection path.
func (s *Store) ChannelMembers(ctx context.Context, channelID string) ([]ChannelMember, bool) {
	var set channelMemberSet
	if !s.get(ctx, keyChannelMembers(channelID), &set) {
		return nil, false
	}
	return set.Members, true
}

// AddChannelMember records a member's join time in the channel's set.
func (s *Store) AddChannelMember(ctx context.Context, channelID string, m ChannelMember) error {
	set, _ := s.ChannelMembers(ctx, channelID)
	for _, existing := range set {
		if existing.UserID == m.UserID {
			return nil
		}
	}
	set = append(set, m)
	return s.set(ctx, keyChannelMembers(channelID), channelMemberSet{Members: set}, ttlChannelMembers)
}

// RemoveChannelMember drops a member from the channel's set.
func (s *Store) RemoveChannelMember(ctx context.Context, channelID, userID string) error {
	set, ok := s.ChannelMembers(ctx, channelID)
	if !ok {
		return nil
	}
	out := make([]ChannelMember, 0, len(set))
	for _, m := range set {
		if m.UserID != userID {
			out = append(out, m)
		}
	}
	return s.set(ctx, keyChannelMembers(channelID), channelMemberSet{Members: out}, ttlChannelMembers)
}

// DeleteChannelMembers clears a channel's entire membership set, e.g. when
// the room is destroyed.
func (s *Store) DeleteChannelMembers(ctx context.Context, channelID string) error {
	return s.backend.Delete(ctx, keyChannelMembers(channelID))
}

// knownBadKeys are fixed key names from schema versions retired before the
// namespace prefixes above existed. They're never written by current code
// but may still linger in a long-lived Redis/Badger deployment, so startup
// force-deletes them unconditionally rather than waiting for Purge's
// malformed-value check (a valid-looking leftover would otherwise survive
// forever).
var knownBadKeys = []string{
	"voicewarden:schema_version",
	"voicewarden:legacy_owner_index",
	"voicewarden:legacy_session_index",
}

// PurgeKnownBadKeys force-deletes knownBadKeys regardless of their current
// value, per SPEC_FULL §4.9's startup sequence. Unlike Purge, this runs
// against every backend (no keyLister capability required) since the key
// set is fixed rather than discovered.
func (s *Store) PurgeKnownBadKeys(ctx context.Context) error {
	for _, key := range knownBadKeys {
		if err := s.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("cachestore: delete known-bad key %s: %w", key, err)
		}
	}
	return nil
}

// namespacePrefixes lists every key namespace Purge sweeps at startup.
var namespacePrefixes = []string{
	"channel_owner:",
	"user_prefs:",
	"call_state:",
	"coup:",
	"channel_members:",
}

// keyLister is implemented by backends that can enumerate their own keys by
// pattern (Redis); prefixLister covers Badger's prefix scan. MemoryCache and
// the no-op cache implement neither and are skipped by Purge — an in-process cache can't carry malformed entries
// across a restart anyway.
type keyLister interface {
	Keys(ctx context.Context, pattern string) ([]string, error)
}

type prefixLister interface {
	Keys(prefix string) ([]string, error)
}

// Purge scans every recognized namespace and deletes malformed entries,
// per SPEC_FULL §4.2's startup requirement that the core never observe a
// poisoned cache value. It returns the number of entries purged.
func (s *Store) Purge(ctx context.Context) (int, error) {
	purged := 0
	for _, prefix := range namespacePrefixes {
		keys, err := s.listKeys(ctx, prefix)
		if err != nil {
			return purged, fmt.Errorf("cachestore: purge %s: %w", prefix, err)
		}
		for _, key := range keys {
			raw, ok := s.backend.Get(ctx, key)
			if !ok {
				continue
			}
			if isMalformedSentinel(raw) || !json.Valid(raw) {
				if err := s.backend.Delete(ctx, key); err == nil {
					purged++
				}
			}
		}
	}
	return purged, nil
}

func (s *Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	switch b := s.backend.(type) {
	case keyLister:
		return b.Keys(ctx, prefix+"*")
	case prefixLister:
		return b.Keys(prefix)
	default:
		return nil, nil
	}
}
