// SPDX-License-Identifier: MIT

package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/voicewarden/voicewarden/internal/cache"
	"github.com/voicewarden/voicewarden/internal/voice/model"
)

func TestChannelOwner_RoundTrip(t *testing.T) {
	s := New(cache.NewMemoryCache(time.Minute))
	ctx := context.Background()

	if err := s.SetChannelOwner(ctx, model.Owner{ChannelID: "chan-a", UserID: "user-1", OwnedSince: time.Now()}); err != nil {
		t.Fatalf("SetChannelOwner failed: %v", err)
	}

	owner, ok := s.ChannelOwner(ctx, "chan-a")
	if !ok || owner.UserID != "user-1" {
		t.Errorf("expected cached owner user-1, got ok=%v owner=%+v", ok, owner)
	}

	if err := s.DeleteChannelOwner(ctx, "chan-a"); err != nil {
		t.Fatalf("DeleteChannelOwner failed: %v", err)
	}
	if _, ok := s.ChannelOwner(ctx, "chan-a"); ok {
		t.Error("expected the owner entry to be gone after delete")
	}
}

func TestPurgeKnownBadKeys_DeletesFixedLegacyKeys(t *testing.T) {
	backend := cache.NewMemoryCache(time.Minute)
	s := New(backend)
	ctx := context.Background()

	for _, key := range knownBadKeys {
		if err := backend.Set(ctx, key, []byte(`"some legacy value"`), time.Minute); err != nil {
			t.Fatalf("seed Set(%q) failed: %v", key, err)
		}
	}

	if err := s.PurgeKnownBadKeys(ctx); err != nil {
		t.Fatalf("PurgeKnownBadKeys failed: %v", err)
	}

	for _, key := range knownBadKeys {
		if _, ok := backend.Get(ctx, key); ok {
			t.Errorf("expected known-bad key %q to be deleted", key)
		}
	}
}

func TestGet_PurgesMalformedJSONAndTreatsItAsMiss(t *testing.T) {
	backend := cache.NewMemoryCache(time.Minute)
	s := New(backend)
	ctx := context.Background()

	if err := backend.Set(ctx, keyChannelOwner("chan-a"), []byte("not json"), time.Minute); err != nil {
		t.Fatalf("seed Set failed: %v", err)
	}

	if _, ok := s.ChannelOwner(ctx, "chan-a"); ok {
		t.Error("expected malformed JSON to be treated as a miss")
	}
	if _, ok := backend.Get(ctx, keyChannelOwner("chan-a")); ok {
		t.Error("expected the malformed entry to be purged from the backend")
	}
}

func TestGet_PurgesEmptyAndNullSentinels(t *testing.T) {
	backend := cache.NewMemoryCache(time.Minute)
	s := New(backend)
	ctx := context.Background()

	for _, sentinel := range [][]byte{[]byte(""), []byte("null"), []byte(`""`)} {
		key := keyUserPrefs("user-1", "guild-1")
		if err := backend.Set(ctx, key, sentinel, time.Minute); err != nil {
			t.Fatalf("seed Set(%q) failed: %v", sentinel, err)
		}
		if _, ok := s.UserPrefs(ctx, "user-1", "guild-1"); ok {
			t.Errorf("expected sentinel %q to be treated as a miss", sentinel)
		}
		if _, ok := backend.Get(ctx, key); ok {
			t.Errorf("expected sentinel %q to be purged", sentinel)
		}
	}
}

func TestAddChannelMember_IsIdempotentPerUser(t *testing.T) {
	s := New(cache.NewMemoryCache(time.Minute))
	ctx := context.Background()

	now := time.Now()
	if err := s.AddChannelMember(ctx, "chan-a", ChannelMember{UserID: "user-1", JoinedAt: now}); err != nil {
		t.Fatalf("AddChannelMember failed: %v", err)
	}
	if err := s.AddChannelMember(ctx, "chan-a", ChannelMember{UserID: "user-1", JoinedAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("second AddChannelMember failed: %v", err)
	}

	members, ok := s.ChannelMembers(ctx, "chan-a")
	if !ok {
		t.Fatal("expected a cached membership set")
	}
	if len(members) != 1 {
		t.Fatalf("expected the duplicate add to be a no-op, got %d members", len(members))
	}
	if !members[0].JoinedAt.Equal(now) {
		t.Error("expected the original join time to be preserved, not overwritten")
	}
}

func TestRemoveChannelMember_DropsOnlyTheNamedUser(t *testing.T) {
	s := New(cache.NewMemoryCache(time.Minute))
	ctx := context.Background()

	if err := s.AddChannelMember(ctx, "chan-a", ChannelMember{UserID: "user-1", JoinedAt: time.Now()}); err != nil {
		t.Fatalf("AddChannelMember failed: %v", err)
	}
	if err := s.AddChannelMember(ctx, "chan-a", ChannelMember{UserID: "user-2", JoinedAt: time.Now()}); err != nil {
		t.Fatalf("AddChannelMember failed: %v", err)
	}
	if err := s.RemoveChannelMember(ctx, "chan-a", "user-1"); err != nil {
		t.Fatalf("RemoveChannelMember failed: %v", err)
	}

	members, ok := s.ChannelMembers(ctx, "chan-a")
	if !ok || len(members) != 1 || members[0].UserID != "user-2" {
		t.Errorf("expected only user-2 to remain, got ok=%v members=%+v", ok, members)
	}
}

func TestSetCoupSession_TTLDerivedFromExpiresAt(t *testing.T) {
	s := New(cache.NewMemoryCache(time.Minute))
	ctx := context.Background()

	session := model.CoupSession{ChannelID: "chan-a", TargetUserID: "user-1", StartedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.SetCoupSession(ctx, session); err != nil {
		t.Fatalf("SetCoupSession failed: %v", err)
	}

	got, ok := s.CoupSession(ctx, "chan-a")
	if !ok || got.TargetUserID != "user-1" {
		t.Errorf("expected the coup session to round-trip, got ok=%v got=%+v", ok, got)
	}

	if err := s.DeleteCoupSession(ctx, "chan-a"); err != nil {
		t.Fatalf("DeleteCoupSession failed: %v", err)
	}
	if _, ok := s.CoupSession(ctx, "chan-a"); ok {
		t.Error("expected the coup session to be gone after delete")
	}
}
