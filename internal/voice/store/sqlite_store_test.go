// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicewarden/voicewarden/internal/voice/model"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "voicewarden.db")
	st, err := NewSqliteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSqliteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Invariant S1: at most one open session per (user_id, guild_id). Opening a
// second session for the same user closes the first rather than leaving two
// open rows.
func TestOpenSession_ClosesPriorOpenSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	t1 := time.Now().Add(-time.Minute)
	if err := st.OpenSession(ctx, "user-1", "guild-1", "chan-a", "Room A", t1); err != nil {
		t.Fatalf("first OpenSession failed: %v", err)
	}

	t2 := time.Now()
	if err := st.OpenSession(ctx, "user-1", "guild-1", "chan-b", "Room B", t2); err != nil {
		t.Fatalf("second OpenSession failed: %v", err)
	}

	sess, ok, err := st.OpenSessionForUser(ctx, "user-1", "guild-1")
	if err != nil {
		t.Fatalf("OpenSessionForUser failed: %v", err)
	}
	if !ok {
		t.Fatal("expected an open session")
	}
	if sess.ChannelID != "chan-b" {
		t.Errorf("expected the open session to be chan-b, got %q", sess.ChannelID)
	}

	ids, err := st.ActiveSessionsInChannel(ctx, "chan-a")
	if err != nil {
		t.Fatalf("ActiveSessionsInChannel failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected chan-a to have no active sessions after the move, got %v", ids)
	}
}

// OpenSession is rejected with ErrConflict if an open row already exists for
// the exact same channel (the reconciler's duplicate-open-session case).
func TestOpenSession_DuplicateSameChannelConflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.OpenSession(ctx, "user-1", "guild-1", "chan-a", "Room A", now); err != nil {
		t.Fatalf("first OpenSession failed: %v", err)
	}
	err := st.OpenSession(ctx, "user-1", "guild-1", "chan-a", "Room A", now.Add(time.Second))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCloseSession_IsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.OpenSession(ctx, "user-1", "guild-1", "chan-a", "Room A", now); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if err := st.CloseSession(ctx, "user-1", "chan-a", now.Add(time.Minute)); err != nil {
		t.Fatalf("first CloseSession failed: %v", err)
	}
	if err := st.CloseSession(ctx, "user-1", "chan-a", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("second CloseSession should be a no-op, got error: %v", err)
	}

	_, ok, err := st.OpenSessionForUser(ctx, "user-1", "guild-1")
	if err != nil {
		t.Fatalf("OpenSessionForUser failed: %v", err)
	}
	if ok {
		t.Error("expected no open session after close")
	}
}

func TestUpsertChannel_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	room := model.Room{
		ID: "chan-a", GuildID: "guild-1", Name: "Room A", Position: 3,
		IsUserRoom: true, OwnerID: "user-1", OwnerSince: time.Now(), Active: true,
	}
	if err := st.UpsertChannel(ctx, room); err != nil {
		t.Fatalf("UpsertChannel failed: %v", err)
	}

	got, ok, err := st.GetChannel(ctx, "chan-a")
	if err != nil {
		t.Fatalf("GetChannel failed: %v", err)
	}
	if !ok {
		t.Fatal("expected channel to exist")
	}
	if got.OwnerID != "user-1" || got.Name != "Room A" {
		t.Errorf("unexpected room: %+v", got)
	}

	room.OwnerID = "user-2"
	if err := st.UpsertChannel(ctx, room); err != nil {
		t.Fatalf("second UpsertChannel (update) failed: %v", err)
	}
	got, _, err = st.GetChannel(ctx, "chan-a")
	if err != nil {
		t.Fatalf("GetChannel after update failed: %v", err)
	}
	if got.OwnerID != "user-2" {
		t.Errorf("expected owner to be updated to user-2, got %q", got.OwnerID)
	}
}

func TestGetChannel_NotFound(t *testing.T) {
	st := newTestStore(t)
	_, ok, err := st.GetChannel(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("GetChannel should not error on a miss: %v", err)
	}
	if ok {
		t.Error("expected ok=false for a missing channel")
	}
}

func TestOwnerPrefs_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	patch := model.Preferences{
		OwnerID: "user-1", GuildID: "guild-1", PreferredName: "Alice's Den",
		PreferredLimit: 4, HasPreferredLimit: true, LastUpdated: time.Now(),
	}
	if err := st.UpsertOwnerPrefs(ctx, patch); err != nil {
		t.Fatalf("UpsertOwnerPrefs failed: %v", err)
	}

	got, ok, err := st.GetOwnerPrefs(ctx, "user-1", "guild-1")
	if err != nil {
		t.Fatalf("GetOwnerPrefs failed: %v", err)
	}
	if !ok {
		t.Fatal("expected preferences to exist")
	}
	if got.PreferredName != "Alice's Den" || got.PreferredLimit != 4 {
		t.Errorf("unexpected preferences: %+v", got)
	}
}
