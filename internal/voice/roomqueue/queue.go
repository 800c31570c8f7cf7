// SPDX-License-Identifier: MIT

// Package roomqueue is the room creation queue (C6): a single-consumer FIFO,
// global to a guild, that creates user rooms with rate-spaced pacing and a
// concurrency cap, per SPEC_FULL §4.6.
package roomqueue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicewarden/voicewarden/internal/audit"
	"github.com/voicewarden/voicewarden/internal/log"
	"github.com/voicewarden/voicewarden/internal/metrics"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/resilience"
	"github.com/voicewarden/voicewarden/internal/voice/cachestore"
	"github.com/voicewarden/voicewarden/internal/voice/model"
	"github.com/voicewarden/voicewarden/internal/voice/store"
)

// Config bounds the queue's behavior.
type Config struct {
	MaxConcurrentRooms int
	CreationDelay      time.Duration
	RoomNameTemplate   string
}

// DefaultConfig matches SPEC_FULL §6's defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentRooms: 50, CreationDelay: 100 * time.Millisecond, RoomNameTemplate: "{display_name}'s Channel"}
}

// Request is one pending room-creation ask.
type Request struct {
	GuildID     string
	UserID      string
	DisplayName string
	SpawnID     string
	SpawnName   string
	SpawnPos    int

	resolve chan<- string
	reject  chan<- error
}

// Queue is the single-consumer FIFO for one guild.
type Queue struct {
	cfg     Config
	store   store.StateStore
	cache   *cachestore.Store
	client  platform.Client
	auditor *audit.Logger

	requests chan Request
	ctx      context.Context
	cancel   context.CancelFunc
}

// New constructs a Queue. Call Start to launch the consumer goroutine.
func New(cfg Config, st store.StateStore, cache *cachestore.Store, client platform.Client, auditor *audit.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:      cfg,
		store:    st,
		cache:    cache,
		client:   client,
		auditor:  auditor,
		requests: make(chan Request, 1024),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue submits a room-creation request and blocks until it's created (or
// fails). Safe to call from any goroutine; the actual creation happens on
// the single consumer.
func (q *Queue) Enqueue(guildID, userID, displayName, spawnID, spawnName string, spawnPos int) (string, error) {
	resolve := make(chan string, 1)
	reject := make(chan error, 1)
	q.requests <- Request{
		GuildID: guildID, UserID: userID, DisplayName: displayName,
		SpawnID: spawnID, SpawnName: spawnName, SpawnPos: spawnPos,
		resolve: resolve, reject: reject,
	}
	select {
	case channelID := <-resolve:
		return channelID, nil
	case err := <-reject:
		return "", err
	case <-q.ctx.Done():
		return "", q.ctx.Err()
	}
}

// Start launches the single consumer goroutine.
func (q *Queue) Start() {
	go q.run()
}

// Stop halts the consumer.
func (q *Queue) Stop() {
	q.cancel()
}

// Depth reports the number of room-creation requests still waiting in the
// request channel, consulted by the diagnostics snapshot (SPEC_FULL §12.3).
// Requests the consumer has already moved into its pending list (such as
// one held back while the room cap is reached) and the request actively
// being created are not counted.
func (q *Queue) Depth() int {
	return len(q.requests)
}

func (q *Queue) run() {
	logger := log.WithComponent("roomqueue")
	var pending []Request

	for {
		select {
		case <-q.ctx.Done():
			return
		case req := <-q.requests:
			pending = append(pending, req)
		default:
		}

		if len(pending) == 0 {
			select {
			case <-q.ctx.Done():
				return
			case req := <-q.requests:
				pending = append(pending, req)
			}
			continue
		}

		req := pending[0]
		pending = pending[1:]

		count, err := q.countUserRooms(req.GuildID)
		if err != nil {
			req.reject <- err
			continue
		}
		if count >= q.cfg.MaxConcurrentRooms {
			// re-enqueue to head and pause, per SPEC_FULL §4.6 step 1
			pending = append([]Request{req}, pending...)
			logger.Warn().Int("count", count).Msg("max concurrent rooms reached, pausing")
			time.Sleep(q.cfg.CreationDelay)
			continue
		}

		if err := q.create(req, logger); err != nil {
			req.reject <- err
		}

		time.Sleep(q.cfg.CreationDelay)
	}
}

func (q *Queue) countUserRooms(guildID string) (int, error) {
	rooms, err := q.store.ListActiveChannels(q.ctx, guildID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range rooms {
		if r.IsUserRoom {
			count++
		}
	}
	return count, nil
}

func (q *Queue) create(req Request, logger zerolog.Logger) error {
	name := q.resolveName(req)
	position := req.SpawnPos - 1
	if position < 0 {
		position = 0
	}

	ownerOverwrite := platform.PermissionOverwrite{
		ID:   req.UserID,
		Type: "member",
		// channel-scoped only: manage-this-channel, create invite, connect,
		// speak, voice activity, priority speaker, stream. Never realm-wide
		// rights (move/mute/deafen/manage-roles).
		Allow: permManageChannels | permCreateInstantInvite | permConnect | permSpeak | permUseVAD | permPrioritySpeaker | permStream,
	}
	overwrites := []platform.PermissionOverwrite{ownerOverwrite}

	spawnOverwrites, deniesEveryone := q.spawnOverwrites(req.SpawnID, req.GuildID)
	if deniesEveryone {
		for _, ow := range spawnOverwrites {
			if ow.Type == "role" {
				overwrites = append(overwrites, ow)
			}
		}
	}
	// owner overwrite merged last so it always wins on conflict
	overwrites = append(overwrites, ownerOverwrite)

	channelID, err := q.client.CreateChannel(q.ctx, req.GuildID, platform.ChannelSpec{
		Name:       name,
		Position:   position,
		ParentID:   "",
		Overwrites: overwrites,
	})
	if err != nil {
		return err
	}

	if err := q.client.MoveMember(q.ctx, req.GuildID, req.UserID, channelID); err != nil {
		logger.Warn().Err(err).Str("channel_id", channelID).Msg("failed to move creator into new room")
	}

	now := time.Now()
	room := model.Room{
		ID: channelID, GuildID: req.GuildID, Name: name, Position: position,
		IsUserRoom: true, SpawnID: req.SpawnID, OwnerID: req.UserID, OwnerSince: now,
		Active: true, MemberCount: 1,
	}
	upsertErr := resilience.Do(q.ctx, resilience.DefaultConfig(), func(err error) bool {
		return errors.Is(err, store.ErrTransient)
	}, func() error {
		return q.store.UpsertChannel(q.ctx, room)
	})
	if upsertErr != nil {
		return upsertErr
	}
	if err := q.cache.SetChannelOwner(q.ctx, model.Owner{ChannelID: channelID, UserID: req.UserID, OwnedSince: now}); err != nil {
		logger.Warn().Err(err).Msg("failed to cache channel owner")
	}

	q.auditor.RoomCreated(req.GuildID, req.UserID, channelID, name)
	metrics.RoomsCreatedTotal.Inc()

	// let the platform settle before preferences are applied
	time.Sleep(time.Second)

	_ = q.client.SendMessage(q.ctx, channelID, platform.Embed{
		Title:       "Welcome to your room",
		Description: "Use the available commands to lock, rename, mute, or ban members in this room.",
	})

	req.resolve <- channelID
	return nil
}

func (q *Queue) resolveName(req Request) string {
	prefs, found, err := q.store.GetOwnerPrefs(q.ctx, req.UserID, req.GuildID)
	if err == nil && found && prefs.PreferredName != "" {
		return prefs.PreferredName
	}
	return strings.ReplaceAll(q.cfg.RoomNameTemplate, "{display_name}", req.DisplayName)
}

// spawnOverwrites fetches the spawn channel's permission overwrites once and
// reports whether they deny Connect or ViewChannel to @everyone (whose role
// ID equals the guild ID), the trigger for cloning them onto the new room
// (SPEC_FULL §4.6 step 5).
func (q *Queue) spawnOverwrites(spawnID, guildID string) ([]platform.PermissionOverwrite, bool) {
	overwrites, err := q.client.ChannelOverwrites(q.ctx, spawnID)
	if err != nil {
		return nil, false
	}
	for _, ow := range overwrites {
		if ow.ID != guildID {
			continue
		}
		if ow.Deny&permConnect != 0 || ow.Deny&permViewChannel != 0 {
			return overwrites, true
		}
	}
	return overwrites, false
}

const (
	permViewChannel         = 1 << 10
	permManageChannels      = 1 << 4
	permCreateInstantInvite = 1 << 0
	permConnect             = 1 << 20
	permSpeak               = 1 << 21
	permUseVAD              = 1 << 25
	permPrioritySpeaker     = 1 << 8
	permStream              = 1 << 9
)
