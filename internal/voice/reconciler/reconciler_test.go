// SPDX-License-Identifier: MIT

package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicewarden/voicewarden/internal/audit"
	"github.com/voicewarden/voicewarden/internal/cache"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/voice/cachestore"
	"github.com/voicewarden/voicewarden/internal/voice/ownership"
	"github.com/voicewarden/voicewarden/internal/voice/store"
)

type fakeClient struct {
	platform.Client
	channels map[string][]platform.Channel
}

func (f *fakeClient) GuildVoiceChannels(ctx context.Context, guildID string) ([]platform.Channel, error) {
	return f.channels[guildID], nil
}

func (f *fakeClient) ChannelMembers(ctx context.Context, channelID string) ([]platform.Member, error) {
	return nil, nil
}

type noopPrefs struct{}

func (noopPrefs) ApplyOnOwnershipAssignment(ctx context.Context, channelID, newOwnerID, guildID string) error {
	return nil
}

func newTestReconciler(t *testing.T) (*Reconciler, store.StateStore) {
	t.Helper()
	return newTestReconcilerWithAfk(t, func(string) bool { return false })
}

func newTestReconcilerWithAfk(t *testing.T, isAfk func(string) bool) (*Reconciler, store.StateStore) {
	t.Helper()
	st, err := store.NewSqliteStore(filepath.Join(t.TempDir(), "reconciler.db"))
	if err != nil {
		t.Fatalf("NewSqliteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cs := cachestore.New(cache.NewMemoryCache(0))
	owners := ownership.New(st, cs, noopPrefs{}, audit.NewLogger())
	client := &fakeClient{channels: make(map[string][]platform.Channel)}
	r := New(Config{Interval: time.Minute}, st, client, owners, audit.NewLogger(),
		func(string) bool { return false }, func(string) bool { return false }, isAfk)
	return r, st
}

// A session row carries no guild-scoped uniqueness beyond S1's (user_id,
// guild_id) pair, so two sessions for the same user in the same channel
// under different guilds can both remain open — CleanupDuplicates treats
// this as a duplicate-active condition and keeps only the most recent.
func TestCleanupDuplicates_KeepsOnlyMostRecent(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	if err := st.OpenSession(ctx, "user-1", "guild-1", "chan-shared", "Room", older); err != nil {
		t.Fatalf("OpenSession (older) failed: %v", err)
	}
	if err := st.OpenSession(ctx, "user-1", "guild-2", "chan-shared", "Room", newer); err != nil {
		t.Fatalf("OpenSession (newer) failed: %v", err)
	}

	if err := r.CleanupDuplicates(ctx, "guild-1"); err != nil {
		t.Fatalf("CleanupDuplicates failed: %v", err)
	}

	ids, err := st.ActiveSessionsInChannel(ctx, "chan-shared")
	if err != nil {
		t.Fatalf("ActiveSessionsInChannel failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly one surviving active session, got %d", len(ids))
	}

	sess, ok, err := st.OpenSessionForUser(ctx, "user-1", "guild-2")
	if err != nil {
		t.Fatalf("OpenSessionForUser failed: %v", err)
	}
	if !ok {
		t.Fatal("expected the newer (guild-2) session to survive")
	}
	if sess.ChannelID != "chan-shared" {
		t.Errorf("unexpected surviving session: %+v", sess)
	}
}

func TestCleanupDuplicates_NoOpWhenNoDuplicates(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	if err := st.OpenSession(ctx, "user-1", "guild-1", "chan-a", "Room", time.Now()); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if err := r.CleanupDuplicates(ctx, "guild-1"); err != nil {
		t.Fatalf("CleanupDuplicates failed: %v", err)
	}

	_, ok, err := st.OpenSessionForUser(ctx, "user-1", "guild-1")
	if err != nil {
		t.Fatalf("OpenSessionForUser failed: %v", err)
	}
	if !ok {
		t.Error("expected the sole open session to remain untouched")
	}
}

func TestSweepOnce_SkipsAfkChannelsEntirely(t *testing.T) {
	r, st := newTestReconcilerWithAfk(t, func(id string) bool { return id == "afk-1" })
	ctx := context.Background()

	client := r.client.(*fakeClient)
	client.channels["guild-1"] = []platform.Channel{
		{ID: "afk-1", GuildID: "guild-1", Name: "AFK", Members: []platform.Member{{UserID: "user-1"}}},
	}

	r.SweepOnce(ctx, "guild-1")

	if _, ok, err := st.OpenSessionForUser(ctx, "user-1", "guild-1"); err != nil {
		t.Fatalf("OpenSessionForUser failed: %v", err)
	} else if ok {
		t.Error("expected no session to be opened for a member sitting in an AFK channel")
	}
}

func TestSweepOnce_SkipsWhenAlreadyRunning(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	r.running.Store(true)
	defer r.running.Store(false)

	// With the single-flight flag already set, SweepOnce must return
	// immediately without ever calling GuildVoiceChannels.
	r.SweepOnce(ctx, "guild-1")

	if !r.LastResult().CompletedAt.IsZero() {
		t.Error("expected the skipped sweep to record no completed pass")
	}
}
