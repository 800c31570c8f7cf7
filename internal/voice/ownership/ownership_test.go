// SPDX-License-Identifier: MIT

package ownership

import (
	"context"
	"testing"
	"time"

	"github.com/voicewarden/voicewarden/internal/audit"
	"github.com/voicewarden/voicewarden/internal/cache"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/voice/cachestore"
	"github.com/voicewarden/voicewarden/internal/voice/model"
	"github.com/voicewarden/voicewarden/internal/voice/store"
)

// fakeClient is a minimal platform.Client stub exercising only what
// ownership needs: channel membership, overwrite editing, and messaging.
type fakeClient struct {
	platform.Client
	members           map[string][]platform.Member
	deletedOverwrites []string
	editedOverwrites  []platform.PermissionOverwrite
	sentMessages      []platform.Embed
}

func newFakeClient() *fakeClient {
	return &fakeClient{members: make(map[string][]platform.Member)}
}

func (f *fakeClient) ChannelMembers(ctx context.Context, channelID string) ([]platform.Member, error) {
	return f.members[channelID], nil
}

func (f *fakeClient) ChannelOverwrites(ctx context.Context, channelID string) ([]platform.PermissionOverwrite, error) {
	return nil, nil
}

func (f *fakeClient) DeletePermissionOverwrite(ctx context.Context, channelID, targetID string) error {
	f.deletedOverwrites = append(f.deletedOverwrites, targetID)
	return nil
}

func (f *fakeClient) EditPermissionOverwrite(ctx context.Context, channelID string, ow platform.PermissionOverwrite) error {
	f.editedOverwrites = append(f.editedOverwrites, ow)
	return nil
}

func (f *fakeClient) SetNickname(ctx context.Context, guildID, userID, nickname string) error { return nil }

func (f *fakeClient) SendMessage(ctx context.Context, channelID string, embed platform.Embed) error {
	f.sentMessages = append(f.sentMessages, embed)
	return nil
}

type noopPrefs struct{}

func (noopPrefs) ApplyOnOwnershipAssignment(ctx context.Context, channelID, newOwnerID, guildID string) error {
	return nil
}

func newTestManager(t *testing.T) (*Manager, store.StateStore) {
	t.Helper()
	st, err := store.NewSqliteStore(t.TempDir() + "/ownership.db")
	if err != nil {
		t.Fatalf("NewSqliteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cs := cachestore.New(cache.NewMemoryCache(0))
	mgr := New(st, cs, noopPrefs{}, audit.NewLogger())
	return mgr, st
}

func TestSetOwner_WritesOwnerRecordAndCache(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()

	if err := st.UpsertChannel(ctx, roomFixture("chan-a", "guild-1")); err != nil {
		t.Fatalf("seed UpsertChannel failed: %v", err)
	}

	if err := mgr.SetOwner(ctx, "guild-1", "chan-a", "user-1"); err != nil {
		t.Fatalf("SetOwner failed: %v", err)
	}

	room, ok, err := st.GetChannel(ctx, "chan-a")
	if err != nil || !ok {
		t.Fatalf("GetChannel failed: ok=%v err=%v", ok, err)
	}
	if room.OwnerID != "user-1" {
		t.Errorf("expected owner_id user-1, got %q", room.OwnerID)
	}

	owner, ok := mgr.cache.ChannelOwner(ctx, "chan-a")
	if !ok || owner.UserID != "user-1" {
		t.Errorf("expected cached owner user-1, got ok=%v owner=%+v", ok, owner)
	}
}

func TestSelectInheritor_PrefersEarliestCachedJoin(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	now := time.Now()
	if err := mgr.cache.AddChannelMember(ctx, "chan-a", cachestore.ChannelMember{UserID: "user-2", JoinedAt: now}); err != nil {
		t.Fatalf("AddChannelMember failed: %v", err)
	}
	if err := mgr.cache.AddChannelMember(ctx, "chan-a", cachestore.ChannelMember{UserID: "user-1", JoinedAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("AddChannelMember failed: %v", err)
	}

	members := []platform.Member{{UserID: "user-1"}, {UserID: "user-2"}}
	got, err := mgr.SelectInheritor(ctx, "guild-1", "chan-a", members)
	if err != nil {
		t.Fatalf("SelectInheritor failed: %v", err)
	}
	if got != "user-1" {
		t.Errorf("expected user-1 (earliest cached join), got %q", got)
	}
}

func TestSelectInheritor_FallsBackToStableSort(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	members := []platform.Member{{UserID: "user-z"}, {UserID: "user-a"}}
	got, err := mgr.SelectInheritor(ctx, "guild-1", "chan-a", members)
	if err != nil {
		t.Fatalf("SelectInheritor failed: %v", err)
	}
	if got != "user-a" {
		t.Errorf("expected the lexicographically first user_id as the stable fallback, got %q", got)
	}
}

func TestOwnerLeftTransfer_ReassignsAndMessages(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()

	if err := st.UpsertChannel(ctx, roomFixture("chan-a", "guild-1")); err != nil {
		t.Fatalf("seed UpsertChannel failed: %v", err)
	}

	client := newFakeClient()
	client.members["chan-a"] = []platform.Member{{UserID: "user-2"}}

	if err := mgr.OwnerLeftTransfer(ctx, client, "guild-1", "chan-a"); err != nil {
		t.Fatalf("OwnerLeftTransfer failed: %v", err)
	}

	room, _, err := st.GetChannel(ctx, "chan-a")
	if err != nil {
		t.Fatalf("GetChannel failed: %v", err)
	}
	if room.OwnerID != "user-2" {
		t.Errorf("expected ownership transferred to user-2, got %q", room.OwnerID)
	}
	if len(client.sentMessages) != 1 {
		t.Errorf("expected a transfer notification to be sent, got %d messages", len(client.sentMessages))
	}
}

func TestOwnerLeftTransfer_NoOpWhenRoomEmpty(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()

	if err := st.UpsertChannel(ctx, roomFixture("chan-a", "guild-1")); err != nil {
		t.Fatalf("seed UpsertChannel failed: %v", err)
	}

	client := newFakeClient() // no members in chan-a
	if err := mgr.OwnerLeftTransfer(ctx, client, "guild-1", "chan-a"); err != nil {
		t.Fatalf("OwnerLeftTransfer on an empty room should not error: %v", err)
	}
	if len(client.sentMessages) != 0 {
		t.Error("expected no transfer message when the room is empty")
	}
}

func roomFixture(channelID, guildID string) model.Room {
	return model.Room{ID: channelID, GuildID: guildID, Name: "Room", IsUserRoom: true, Active: true}
}
