// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStartWatcher_EmptyPathHoldsInitialForever(t *testing.T) {
	initial := Config{MaxConcurrentRooms: 10, RoomNameTemplate: "static"}
	w, err := StartWatcher("", initial)
	if err != nil {
		t.Fatalf("StartWatcher failed: %v", err)
	}
	defer w.Close()

	got := w.Current()
	if got.MaxConcurrentRooms != 10 || got.RoomNameTemplate != "static" {
		t.Errorf("unexpected initial mutable snapshot: %+v", got)
	}
}

func TestStartWatcher_ReloadsOnFileWrite(t *testing.T) {
	clearEnv(t)
	t.Setenv("VOICEWARDEN_GUILD_ID", "guild-1")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_rooms: 5\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	w, err := StartWatcher(path, initial)
	if err != nil {
		t.Fatalf("StartWatcher failed: %v", err)
	}
	defer w.Close()

	if got := w.Current().MaxConcurrentRooms; got != 5 {
		t.Fatalf("expected the initial value 5, got %d", got)
	}

	if err := os.WriteFile(path, []byte("max_concurrent_rooms: 25\n"), 0o644); err != nil {
		t.Fatalf("rewrite WriteFile failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().MaxConcurrentRooms == 25 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the watcher to reload max_concurrent_rooms=25, got %d", w.Current().MaxConcurrentRooms)
}

func TestStartWatcher_ChannelSetsReflectReloadedValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("VOICEWARDEN_GUILD_ID", "guild-1")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("afk_channel_ids: [\"afk-1\"]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	w, err := StartWatcher(path, initial)
	if err != nil {
		t.Fatalf("StartWatcher failed: %v", err)
	}
	defer w.Close()

	if !w.Current().IsAfk("afk-1") {
		t.Fatal("expected afk-1 to be a configured AFK channel before reload")
	}
	if w.Current().IsAfk("afk-2") {
		t.Fatal("afk-2 should not be AFK before reload")
	}

	if err := os.WriteFile(path, []byte("afk_channel_ids: [\"afk-2\"]\n"), 0o644); err != nil {
		t.Fatalf("rewrite WriteFile failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().IsAfk("afk-2") && !w.Current().IsAfk("afk-1") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the reloaded AFK channel set to take effect, got %+v", w.Current())
}

func TestStartWatcher_KeepsPreviousValuesOnInvalidReload(t *testing.T) {
	clearEnv(t)
	t.Setenv("VOICEWARDEN_GUILD_ID", "guild-1")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_rooms: 5\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	w, err := StartWatcher(path, initial)
	if err != nil {
		t.Fatalf("StartWatcher failed: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(": not valid yaml :::\n"), 0o644); err != nil {
		t.Fatalf("rewrite WriteFile failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := w.Current().MaxConcurrentRooms; got != 5 {
		t.Errorf("expected the previous value to be kept on an invalid reload, got %d", got)
	}
}
