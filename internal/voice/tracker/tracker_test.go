// SPDX-License-Identifier: MIT

package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicewarden/voicewarden/internal/voice/store"
)

func newTestStore(t *testing.T) store.StateStore {
	t.Helper()
	st, err := store.NewSqliteStore(filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatalf("NewSqliteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func none(string) bool { return false }

func setOf(ids ...string) func(string) bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) bool { return set[id] }
}

func TestTrackJoin_SkipsBots(t *testing.T) {
	st := newTestStore(t)
	trk := New(st, none, none)
	ctx := context.Background()

	if err := trk.TrackJoin(ctx, true, "bot-1", "guild-1", "chan-a", "Room A", time.Now()); err != nil {
		t.Fatalf("TrackJoin for a bot should not error: %v", err)
	}
	_, ok, err := st.OpenSessionForUser(ctx, "bot-1", "guild-1")
	if err != nil {
		t.Fatalf("OpenSessionForUser failed: %v", err)
	}
	if ok {
		t.Error("expected no session to be opened for a bot")
	}
}

func TestTrackJoin_SkipsSpawnAndAFKChannels(t *testing.T) {
	st := newTestStore(t)
	trk := New(st, setOf("afk-chan"), setOf("spawn-chan"))
	ctx := context.Background()

	if err := trk.TrackJoin(ctx, false, "user-1", "guild-1", "spawn-chan", "Create Room", time.Now()); err != nil {
		t.Fatalf("TrackJoin into a spawn channel should not error: %v", err)
	}
	if err := trk.TrackJoin(ctx, false, "user-1", "guild-1", "afk-chan", "AFK", time.Now()); err != nil {
		t.Fatalf("TrackJoin into a configured AFK channel should not error: %v", err)
	}
	if err := trk.TrackJoin(ctx, false, "user-1", "guild-1", "some-chan", "General AFK Zone", time.Now()); err != nil {
		t.Fatalf("TrackJoin into a name-heuristic AFK channel should not error: %v", err)
	}

	_, ok, err := st.OpenSessionForUser(ctx, "user-1", "guild-1")
	if err != nil {
		t.Fatalf("OpenSessionForUser failed: %v", err)
	}
	if ok {
		t.Error("expected no session to have been opened for any skipped channel")
	}
}

func TestTrackJoin_OpensSessionForRealChannel(t *testing.T) {
	st := newTestStore(t)
	trk := New(st, none, none)
	ctx := context.Background()

	if err := trk.TrackJoin(ctx, false, "user-1", "guild-1", "chan-a", "Room A", time.Now()); err != nil {
		t.Fatalf("TrackJoin failed: %v", err)
	}
	sess, ok, err := st.OpenSessionForUser(ctx, "user-1", "guild-1")
	if err != nil {
		t.Fatalf("OpenSessionForUser failed: %v", err)
	}
	if !ok || sess.ChannelID != "chan-a" {
		t.Fatalf("expected an open session in chan-a, got ok=%v sess=%+v", ok, sess)
	}
}

func TestTrackMove_ClosesFromAndOpensTo(t *testing.T) {
	st := newTestStore(t)
	trk := New(st, none, setOf("spawn-chan"))
	ctx := context.Background()

	now := time.Now()
	if err := trk.TrackJoin(ctx, false, "user-1", "guild-1", "chan-a", "Room A", now); err != nil {
		t.Fatalf("TrackJoin failed: %v", err)
	}
	if err := trk.TrackMove(ctx, false, "user-1", "guild-1", "chan-a", "chan-b", "Room B", now.Add(time.Second)); err != nil {
		t.Fatalf("TrackMove failed: %v", err)
	}

	sess, ok, err := st.OpenSessionForUser(ctx, "user-1", "guild-1")
	if err != nil {
		t.Fatalf("OpenSessionForUser failed: %v", err)
	}
	if !ok || sess.ChannelID != "chan-b" {
		t.Fatalf("expected the open session to have moved to chan-b, got ok=%v sess=%+v", ok, sess)
	}

	ids, err := st.ActiveSessionsInChannel(ctx, "chan-a")
	if err != nil {
		t.Fatalf("ActiveSessionsInChannel failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected chan-a to have no active sessions after move, got %v", ids)
	}
}

func TestTrackMove_IntoSpawnChannelOpensNoSession(t *testing.T) {
	st := newTestStore(t)
	trk := New(st, none, setOf("spawn-chan"))
	ctx := context.Background()
	now := time.Now()

	if err := trk.TrackJoin(ctx, false, "user-1", "guild-1", "chan-a", "Room A", now); err != nil {
		t.Fatalf("TrackJoin failed: %v", err)
	}
	if err := trk.TrackMove(ctx, false, "user-1", "guild-1", "chan-a", "spawn-chan", "Create Room", now.Add(time.Second)); err != nil {
		t.Fatalf("TrackMove into spawn channel failed: %v", err)
	}

	_, ok, err := st.OpenSessionForUser(ctx, "user-1", "guild-1")
	if err != nil {
		t.Fatalf("OpenSessionForUser failed: %v", err)
	}
	if ok {
		t.Error("expected no open session after moving into a spawn channel")
	}
}

func TestTrackLeave_IsIdempotent(t *testing.T) {
	st := newTestStore(t)
	trk := New(st, none, none)
	ctx := context.Background()
	now := time.Now()

	if err := trk.TrackJoin(ctx, false, "user-1", "guild-1", "chan-a", "Room A", now); err != nil {
		t.Fatalf("TrackJoin failed: %v", err)
	}
	if err := trk.TrackLeave(ctx, false, "user-1", "chan-a", now.Add(time.Minute)); err != nil {
		t.Fatalf("first TrackLeave failed: %v", err)
	}
	if err := trk.TrackLeave(ctx, false, "user-1", "chan-a", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("second TrackLeave should be a no-op, got error: %v", err)
	}
}

func TestShouldSkip_NameHeuristic(t *testing.T) {
	trk := New(nil, none, none)
	cases := []struct {
		name string
		want bool
	}{
		{"General", false},
		{"AFK Lounge", true},
		{"away-zone", true},
		{"Idle Channel", true},
	}
	for _, tc := range cases {
		if got := trk.ShouldSkip("chan-x", tc.name); got != tc.want {
			t.Errorf("ShouldSkip(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
