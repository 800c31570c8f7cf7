// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/voicewarden/voicewarden/internal/persistence/sqlite"
	"github.com/voicewarden/voicewarden/internal/voice/model"
)

const schemaVersion = 1

// SqliteStore implements StateStore on top of modernc.org/sqlite.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens (or creates) the database at dbPath and applies the
// schema if it is not already current.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("voice store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error { return s.db.Close() }

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema := `
	CREATE TABLE IF NOT EXISTS voice_sessions (
		user_id TEXT NOT NULL,
		guild_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		channel_name TEXT NOT NULL,
		joined_at_ms INTEGER NOT NULL,
		left_at_ms INTEGER,
		duration_sec INTEGER
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_voice_sessions_open
		ON voice_sessions(user_id, guild_id) WHERE left_at_ms IS NULL;
	CREATE INDEX IF NOT EXISTS idx_voice_sessions_channel ON voice_sessions(channel_id);
	CREATE INDEX IF NOT EXISTS idx_voice_sessions_joined ON voice_sessions(joined_at_ms);

	CREATE TABLE IF NOT EXISTS channels (
		discord_id TEXT PRIMARY KEY,
		guild_id TEXT NOT NULL,
		name TEXT NOT NULL,
		position INTEGER NOT NULL,
		is_user_room INTEGER NOT NULL,
		spawn_id TEXT,
		owner_id TEXT,
		owner_since_ms INTEGER,
		active INTEGER NOT NULL DEFAULT 1,
		member_count INTEGER NOT NULL DEFAULT 0,
		status TEXT,
		last_status_change_ms INTEGER
	);

	CREATE TABLE IF NOT EXISTS owner_prefs (
		owner_id TEXT NOT NULL,
		guild_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		last_updated_ms INTEGER NOT NULL,
		PRIMARY KEY (owner_id, guild_id)
	);

	CREATE TABLE IF NOT EXISTS mod_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		guild_id TEXT NOT NULL,
		action TEXT NOT NULL,
		target_user_id TEXT,
		channel_id TEXT,
		reason TEXT,
		at_ms INTEGER NOT NULL
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms sql.NullInt64) time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

// OpenSession implements the close-other-then-insert contract of §4.1.
func (s *SqliteStore) OpenSession(ctx context.Context, userID, guildID, channelID, channelName string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	var openChannel string
	var joinedAtMS int64
	err = tx.QueryRowContext(ctx,
		`SELECT channel_id, joined_at_ms FROM voice_sessions WHERE user_id = ? AND guild_id = ? AND left_at_ms IS NULL`,
		userID, guildID,
	).Scan(&openChannel, &joinedAtMS)

	switch {
	case err == nil:
		if openChannel == channelID {
			return ErrConflict
		}
		duration := int64(math.Floor(at.Sub(time.UnixMilli(joinedAtMS)).Seconds()))
		if duration < 0 {
			duration = 0
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE voice_sessions SET left_at_ms = ?, duration_sec = ? WHERE user_id = ? AND guild_id = ? AND left_at_ms IS NULL`,
			toMS(at), duration, userID, guildID,
		); err != nil {
			return classify(err)
		}
	case errors.Is(err, sql.ErrNoRows):
		// no open session to close
	default:
		return classify(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO voice_sessions (user_id, guild_id, channel_id, channel_name, joined_at_ms, left_at_ms, duration_sec)
		 VALUES (?, ?, ?, ?, ?, NULL, NULL)`,
		userID, guildID, channelID, channelName, toMS(at),
	)
	if err != nil {
		if isUniqueConflict(err) {
			return ErrConflict
		}
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// CloseSession is idempotent: closing an already-closed session is a no-op.
func (s *SqliteStore) CloseSession(ctx context.Context, userID, channelID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	var joinedAtMS int64
	err = tx.QueryRowContext(ctx,
		`SELECT joined_at_ms FROM voice_sessions WHERE user_id = ? AND channel_id = ? AND left_at_ms IS NULL`,
		userID, channelID,
	).Scan(&joinedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return tx.Commit() // already closed
	}
	if err != nil {
		return classify(err)
	}

	duration := int64(math.Floor(at.Sub(time.UnixMilli(joinedAtMS)).Seconds()))
	if duration < 0 {
		duration = 0
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE voice_sessions SET left_at_ms = ?, duration_sec = ? WHERE user_id = ? AND channel_id = ? AND left_at_ms IS NULL`,
		toMS(at), duration, userID, channelID,
	); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (s *SqliteStore) ActiveSessionsInChannel(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM voice_sessions WHERE channel_id = ? AND left_at_ms IS NULL`, channelID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, classify(err)
		}
		users = append(users, u)
	}
	return users, classify(rows.Err())
}

func (s *SqliteStore) AllActiveSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, guild_id, channel_id, channel_name, joined_at_ms, left_at_ms, duration_sec
		 FROM voice_sessions WHERE left_at_ms IS NULL`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, sess)
	}
	return out, classify(rows.Err())
}

func (s *SqliteStore) ActiveMembersCount(ctx context.Context, channelID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voice_sessions WHERE channel_id = ? AND left_at_ms IS NULL`, channelID,
	).Scan(&count)
	return count, classify(err)
}

func (s *SqliteStore) OpenSessionForUser(ctx context.Context, userID, guildID string) (model.Session, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, guild_id, channel_id, channel_name, joined_at_ms, left_at_ms, duration_sec
		 FROM voice_sessions WHERE user_id = ? AND guild_id = ? AND left_at_ms IS NULL`, userID, guildID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, classify(err)
	}
	return sess, true, nil
}

func scanSession(scanner interface{ Scan(...any) error }) (model.Session, error) {
	var sess model.Session
	var joinedAt int64
	var leftAt, duration sql.NullInt64
	err := scanner.Scan(&sess.UserID, &sess.GuildID, &sess.ChannelID, &sess.ChannelName,
		&joinedAt, &leftAt, &duration)
	if err != nil {
		return model.Session{}, err
	}
	sess.JoinedAt = time.UnixMilli(joinedAt)
	sess.LeftAt = fromMS(leftAt)
	if duration.Valid {
		sess.DurationSec = duration.Int64
	}
	return sess, nil
}

func (s *SqliteStore) UpsertChannel(ctx context.Context, room model.Room) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (discord_id, guild_id, name, position, is_user_room, spawn_id, owner_id, owner_since_ms, active, member_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(discord_id) DO UPDATE SET
			guild_id = excluded.guild_id,
			name = excluded.name,
			position = excluded.position,
			is_user_room = excluded.is_user_room,
			spawn_id = excluded.spawn_id,
			owner_id = excluded.owner_id,
			owner_since_ms = excluded.owner_since_ms,
			active = excluded.active,
			member_count = excluded.member_count
		`,
		room.ID, room.GuildID, room.Name, room.Position, boolToInt(room.IsUserRoom),
		nullable(room.SpawnID), nullable(room.OwnerID), nullableMS(room.OwnerSince),
		boolToInt(room.Active), room.MemberCount,
	)
	return classify(err)
}

func (s *SqliteStore) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET active = 0 WHERE discord_id = ?`, channelID)
	return classify(err)
}

func (s *SqliteStore) GetChannel(ctx context.Context, channelID string) (model.Room, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT discord_id, guild_id, name, position, is_user_room, spawn_id, owner_id, owner_since_ms, active, member_count
		FROM channels WHERE discord_id = ?`, channelID)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Room{}, false, nil
	}
	if err != nil {
		return model.Room{}, false, classify(err)
	}
	return room, true, nil
}

func (s *SqliteStore) ListActiveChannels(ctx context.Context, guildID string) ([]model.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT discord_id, guild_id, name, position, is_user_room, spawn_id, owner_id, owner_since_ms, active, member_count
		FROM channels WHERE guild_id = ? AND active = 1`, guildID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, room)
	}
	return out, classify(rows.Err())
}

func scanRoom(scanner interface{ Scan(...any) error }) (model.Room, error) {
	var room model.Room
	var isUserRoom, active int
	var spawnID, ownerID sql.NullString
	var ownerSince sql.NullInt64
	err := scanner.Scan(&room.ID, &room.GuildID, &room.Name, &room.Position, &isUserRoom,
		&spawnID, &ownerID, &ownerSince, &active, &room.MemberCount)
	if err != nil {
		return model.Room{}, err
	}
	room.IsUserRoom = isUserRoom != 0
	room.Active = active != 0
	room.SpawnID = spawnID.String
	room.OwnerID = ownerID.String
	room.OwnerSince = fromMS(ownerSince)
	return room, nil
}

// SyncChannelActiveUsers recomputes the canonical member list and count from
// open sessions, resolving member-count drift (SPEC_FULL §4.9 step 5).
func (s *SqliteStore) SyncChannelActiveUsers(ctx context.Context, channelID string) error {
	users, err := s.ActiveSessionsInChannel(ctx, channelID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE channels SET member_count = ? WHERE discord_id = ?`, len(users), channelID)
	return classify(err)
}

func (s *SqliteStore) UpsertOwnerPrefs(ctx context.Context, patch model.Preferences) error {
	existing, found, err := s.GetOwnerPrefs(ctx, patch.OwnerID, patch.GuildID)
	if err != nil {
		return err
	}
	merged := patch
	if found {
		merged = mergePreferences(existing, patch)
	}
	merged.LastUpdated = time.Now()

	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("voice store: marshal prefs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO owner_prefs (owner_id, guild_id, payload_json, last_updated_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, guild_id) DO UPDATE SET
			payload_json = excluded.payload_json,
			last_updated_ms = excluded.last_updated_ms
		`, patch.OwnerID, patch.GuildID, payload, toMS(merged.LastUpdated))
	return classify(err)
}

// mergePreferences overlays non-zero patch fields onto existing, per-field,
// leaving fields the caller left unset untouched.
func mergePreferences(existing, patch model.Preferences) model.Preferences {
	out := existing
	if patch.PreferredName != "" {
		out.PreferredName = patch.PreferredName
	}
	if patch.HasPreferredLimit {
		out.PreferredLimit = patch.PreferredLimit
		out.HasPreferredLimit = true
	}
	if patch.HasPreferredLocked {
		out.PreferredLocked = patch.PreferredLocked
		out.HasPreferredLocked = true
	}
	if patch.HasPreferredHidden {
		out.PreferredHidden = patch.PreferredHidden
		out.HasPreferredHidden = true
	}
	if patch.BannedUsers != nil {
		out.BannedUsers = patch.BannedUsers
	}
	if patch.MutedUsers != nil {
		out.MutedUsers = patch.MutedUsers
	}
	if patch.DeafenedUsers != nil {
		out.DeafenedUsers = patch.DeafenedUsers
	}
	if patch.KickedUsers != nil {
		out.KickedUsers = patch.KickedUsers
	}
	if patch.RenamedUsers != nil {
		out.RenamedUsers = patch.RenamedUsers
	}
	return out
}

func (s *SqliteStore) GetOwnerPrefs(ctx context.Context, ownerID, guildID string) (model.Preferences, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM owner_prefs WHERE owner_id = ? AND guild_id = ?`, ownerID, guildID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Preferences{}, false, nil
	}
	if err != nil {
		return model.Preferences{}, false, classify(err)
	}
	var prefs model.Preferences
	if err := json.Unmarshal(payload, &prefs); err != nil {
		return model.Preferences{}, false, fmt.Errorf("voice store: unmarshal prefs: %w", err)
	}
	return prefs, true, nil
}

func (s *SqliteStore) AppendModHistory(ctx context.Context, entry model.ModHistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mod_history (owner_id, guild_id, action, target_user_id, channel_id, reason, at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.OwnerID, entry.GuildID, entry.Action, entry.TargetUser, entry.ChannelID, entry.Reason, toMS(entry.At),
	)
	return classify(err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableMS(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func isUniqueConflict(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// classify maps a driver-level error to the store's error taxonomy so
// callers can apply the retry policy of SPEC_FULL §4.1/§7 uniformly.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if isUniqueConflict(err) {
		return ErrConflict
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}
