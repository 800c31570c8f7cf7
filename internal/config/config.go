// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingGuildID is returned when no guild_id is configured anywhere.
var ErrMissingGuildID = errors.New("config: guild_id is required")

// Config is the fully resolved configuration for one realm deployment.
// SPEC_FULL §6 enumerates every domain option; the remaining fields are the
// ambient stack's own bootstrap options.
type Config struct {
	// Domain options (SPEC_FULL §6).
	GuildID                    string
	SpawnChannelIDs            []string
	ExcludedChannelIDs         []string
	AfkChannelIDs              []string
	MaxConcurrentRooms         int
	RoomCreationDelay          time.Duration
	ReconcilePeriod            time.Duration
	MaxVoiceErrorsBeforeResync int
	CoupWindow                 time.Duration
	RoomNameTemplate           string

	// Ambient/bootstrap options.
	LogLevel      string
	DatabasePath  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BadgerDir     string
	DiscordToken  string
	MetricsAddr   string
}

// fileOverlay mirrors the subset of Config that may be supplied via an
// optional YAML file, merged underneath environment variables (env wins).
// Structural options (guild ID, database path, discord token) are
// deliberately excluded from hot reload — only the fields also present here
// are watched for changes by StartWatcher.
type fileOverlay struct {
	SpawnChannelIDs            []string `yaml:"spawn_channel_ids"`
	ExcludedChannelIDs         []string `yaml:"excluded_channel_ids"`
	AfkChannelIDs              []string `yaml:"afk_channel_ids"`
	MaxConcurrentRooms         *int     `yaml:"max_concurrent_rooms"`
	RoomCreationDelayMS        *int     `yaml:"room_creation_delay_ms"`
	ReconcilePeriodS           *int     `yaml:"reconcile_period_s"`
	MaxVoiceErrorsBeforeResync *int     `yaml:"max_voice_errors_before_resync"`
	CoupWindowS                *int     `yaml:"coup_window_s"`
	RoomNameTemplate           *string  `yaml:"room_name_template"`
}

func loadFileOverlay(path string) (*fileOverlay, error) {
	if path == "" {
		return &fileOverlay{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileOverlay{}, nil
		}
		return nil, err
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, err
	}
	return &overlay, nil
}

// Load resolves a Config from an optional YAML file (underneath) and the
// process environment (on top, wins on conflict).
func Load(filePath string) (Config, error) {
	overlay, err := loadFileOverlay(filePath)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		GuildID:                    ParseString("VOICEWARDEN_GUILD_ID", ""),
		SpawnChannelIDs:            ParseIDList("VOICEWARDEN_SPAWN_CHANNEL_IDS", overlay.SpawnChannelIDs),
		ExcludedChannelIDs:         ParseIDList("VOICEWARDEN_EXCLUDED_CHANNEL_IDS", overlay.ExcludedChannelIDs),
		AfkChannelIDs:              ParseIDList("VOICEWARDEN_AFK_CHANNEL_IDS", overlay.AfkChannelIDs),
		MaxConcurrentRooms:         ParseInt("VOICEWARDEN_MAX_CONCURRENT_ROOMS", intOrDefault(overlay.MaxConcurrentRooms, 50)),
		RoomCreationDelay:          ParseDuration("VOICEWARDEN_ROOM_CREATION_DELAY", msOrDefault(overlay.RoomCreationDelayMS, 100)),
		ReconcilePeriod:            ParseDuration("VOICEWARDEN_RECONCILE_PERIOD", secOrDefault(overlay.ReconcilePeriodS, 120)),
		MaxVoiceErrorsBeforeResync: ParseInt("VOICEWARDEN_MAX_VOICE_ERRORS_BEFORE_RESYNC", intOrDefault(overlay.MaxVoiceErrorsBeforeResync, 5)),
		CoupWindow:                 ParseDuration("VOICEWARDEN_COUP_WINDOW", secOrDefault(overlay.CoupWindowS, 300)),
		RoomNameTemplate:           ParseString("VOICEWARDEN_ROOM_NAME_TEMPLATE", strOrDefault(overlay.RoomNameTemplate, "{display_name}'s Channel")),

		LogLevel:      ParseString("VOICEWARDEN_LOG_LEVEL", "info"),
		DatabasePath:  ParseString("VOICEWARDEN_DB_PATH", "voicewarden.db"),
		RedisAddr:     ParseString("VOICEWARDEN_REDIS_ADDR", ""),
		RedisPassword: ParseString("VOICEWARDEN_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("VOICEWARDEN_REDIS_DB", 0),
		BadgerDir:     ParseString("VOICEWARDEN_BADGER_DIR", ""),
		DiscordToken:  ParseString("VOICEWARDEN_DISCORD_TOKEN", ""),
		MetricsAddr:   ParseString("VOICEWARDEN_METRICS_ADDR", ":9090"),
	}

	if cfg.GuildID == "" {
		return Config{}, ErrMissingGuildID
	}

	return cfg, nil
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func strOrDefault(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func msOrDefault(v *int, def int) time.Duration {
	if v == nil {
		return time.Duration(def) * time.Millisecond
	}
	return time.Duration(*v) * time.Millisecond
}

func secOrDefault(v *int, def int) time.Duration {
	if v == nil {
		return time.Duration(def) * time.Second
	}
	return time.Duration(*v) * time.Second
}

// IsExcluded reports whether channelID is in the read-only set.
func (c Config) IsExcluded(channelID string) bool {
	for _, id := range c.ExcludedChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// IsSpawn reports whether channelID is a configured spawn channel.
func (c Config) IsSpawn(channelID string) bool {
	for _, id := range c.SpawnChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// IsAfk reports whether channelID is a configured AFK channel, one that
// never accumulates a tracked voice session.
func (c Config) IsAfk(channelID string) bool {
	for _, id := range c.AfkChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}
