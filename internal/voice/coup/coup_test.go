// SPDX-License-Identifier: MIT

package coup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicewarden/voicewarden/internal/audit"
	"github.com/voicewarden/voicewarden/internal/cache"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/voice/cachestore"
	"github.com/voicewarden/voicewarden/internal/voice/model"
	"github.com/voicewarden/voicewarden/internal/voice/ownership"
	"github.com/voicewarden/voicewarden/internal/voice/store"
)

type fakeClient struct {
	platform.Client
	members      []platform.Member
	sentMessages int
}

func (f *fakeClient) ChannelMembers(ctx context.Context, channelID string) ([]platform.Member, error) {
	return f.members, nil
}

func (f *fakeClient) SendMessage(ctx context.Context, channelID string, embed platform.Embed) error {
	f.sentMessages++
	return nil
}

func (f *fakeClient) ChannelOverwrites(ctx context.Context, channelID string) ([]platform.PermissionOverwrite, error) {
	return nil, nil
}

func (f *fakeClient) EditPermissionOverwrite(ctx context.Context, channelID string, ow platform.PermissionOverwrite) error {
	return nil
}

func (f *fakeClient) DeletePermissionOverwrite(ctx context.Context, channelID, targetID string) error {
	return nil
}

func (f *fakeClient) SetNickname(ctx context.Context, guildID, userID, nickname string) error {
	return nil
}

type noopPrefs struct{}

func (noopPrefs) ApplyOnOwnershipAssignment(ctx context.Context, channelID, newOwnerID, guildID string) error {
	return nil
}

func newTestCoup(t *testing.T, client *fakeClient, window time.Duration) *Coup {
	t.Helper()
	st, err := store.NewSqliteStore(t.TempDir() + "/coup.db")
	if err != nil {
		t.Fatalf("NewSqliteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cs := cachestore.New(cache.NewMemoryCache(0))
	owners := ownership.New(st, cs, noopPrefs{}, audit.NewLogger())
	return New(cs, client, owners, audit.NewLogger(), window)
}

func TestStart_RefusesWhenAlreadyActive(t *testing.T) {
	client := &fakeClient{members: []platform.Member{{UserID: "u1"}, {UserID: "u2"}, {UserID: "u3"}}}
	c := newTestCoup(t, client, time.Minute)
	ctx := context.Background()

	if err := c.Start(ctx, "chan-a", "challenger-1"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	err := c.Start(ctx, "chan-a", "challenger-2")
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestVote_ResolvesOnStrictMajority(t *testing.T) {
	client := &fakeClient{members: []platform.Member{
		{UserID: "challenger"}, {UserID: "voter-2"}, {UserID: "voter-3"}, {UserID: "bot-1", IsBot: true},
	}}
	c := newTestCoup(t, client, time.Minute)
	ctx := context.Background()

	if err := c.Start(ctx, "chan-a", "challenger"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// challenger's implicit yes + voter-2 = 2 of 3 non-bot members: strict majority.
	if err := c.Vote(ctx, "guild-1", "chan-a", "voter-2"); err != nil {
		t.Fatalf("Vote failed: %v", err)
	}

	if _, active := c.cache.CoupSession(ctx, "chan-a"); active {
		t.Error("expected the session to be resolved and removed from cache")
	}
	if client.sentMessages != 1 {
		t.Errorf("expected a success message to be sent, got %d", client.sentMessages)
	}
}

func TestVote_NoQuorumLeavesSessionActive(t *testing.T) {
	client := &fakeClient{members: []platform.Member{
		{UserID: "challenger"}, {UserID: "voter-2"}, {UserID: "voter-3"}, {UserID: "voter-4"}, {UserID: "voter-5"},
	}}
	c := newTestCoup(t, client, time.Minute)
	ctx := context.Background()

	if err := c.Start(ctx, "chan-a", "challenger"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Vote(ctx, "guild-1", "chan-a", "voter-2"); err != nil {
		t.Fatalf("Vote failed: %v", err)
	}

	// 2 of 5 is not a strict majority: session must remain active.
	if _, active := c.cache.CoupSession(ctx, "chan-a"); !active {
		t.Error("expected the session to remain active without quorum")
	}
}

func TestVote_DuplicateVoterIsNoOp(t *testing.T) {
	client := &fakeClient{members: []platform.Member{
		{UserID: "challenger"}, {UserID: "voter-2"}, {UserID: "voter-3"}, {UserID: "voter-4"}, {UserID: "voter-5"},
	}}
	c := newTestCoup(t, client, time.Minute)
	ctx := context.Background()

	if err := c.Start(ctx, "chan-a", "challenger"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Vote(ctx, "guild-1", "chan-a", "voter-2"); err != nil {
		t.Fatalf("first Vote failed: %v", err)
	}
	if err := c.Vote(ctx, "guild-1", "chan-a", "voter-2"); err != nil {
		t.Fatalf("duplicate Vote should be a no-op, got error: %v", err)
	}

	session, ok := c.cache.CoupSession(ctx, "chan-a")
	if !ok {
		t.Fatal("expected the session to still be active")
	}
	if len(session.Votes) != 2 {
		t.Errorf("expected exactly 2 distinct votes (challenger + voter-2), got %d", len(session.Votes))
	}
}

func TestVote_ExpiredSessionResolvesAsExpired(t *testing.T) {
	client := &fakeClient{members: []platform.Member{{UserID: "challenger"}, {UserID: "voter-2"}}}
	c := newTestCoup(t, client, time.Minute)
	ctx := context.Background()

	// Seed an already-expired session directly, bypassing Start's now+window.
	if err := c.cache.SetCoupSession(ctx, model.CoupSession{
		ChannelID: "chan-a", TargetUserID: "challenger",
		StartedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("SetCoupSession failed: %v", err)
	}

	if err := c.Vote(ctx, "guild-1", "chan-a", "voter-2"); err != nil {
		t.Fatalf("Vote on expired session failed: %v", err)
	}

	if _, active := c.cache.CoupSession(ctx, "chan-a"); active {
		t.Error("expected the expired session to have been cleaned up")
	}
}
