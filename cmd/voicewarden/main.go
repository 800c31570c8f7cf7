// SPDX-License-Identifier: MIT

// Command voicewarden is the control-plane daemon: it connects to a single
// guild's chat-platform gateway, tracks voice sessions, creates and tears
// down ephemeral user rooms, and keeps ownership/preferences/membership
// state reconciled against platform reality.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicewarden/voicewarden/internal/audit"
	"github.com/voicewarden/voicewarden/internal/cache"
	"github.com/voicewarden/voicewarden/internal/config"
	"github.com/voicewarden/voicewarden/internal/diagnostics"
	"github.com/voicewarden/voicewarden/internal/httpapi"
	"github.com/voicewarden/voicewarden/internal/log"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/platform/discord"
	"github.com/voicewarden/voicewarden/internal/telemetry"
	"github.com/voicewarden/voicewarden/internal/voice/cachestore"
	"github.com/voicewarden/voicewarden/internal/voice/coup"
	"github.com/voicewarden/voicewarden/internal/voice/dispatch"
	"github.com/voicewarden/voicewarden/internal/voice/handler"
	"github.com/voicewarden/voicewarden/internal/voice/ownership"
	"github.com/voicewarden/voicewarden/internal/voice/preferences"
	"github.com/voicewarden/voicewarden/internal/voice/reconciler"
	"github.com/voicewarden/voicewarden/internal/voice/roomqueue"
	"github.com/voicewarden/voicewarden/internal/voice/store"
	"github.com/voicewarden/voicewarden/internal/voice/tracker"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config overlay path (env vars win on conflict)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(err) // no logger configured yet; this is a startup-fatal misconfiguration
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "voicewarden"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("voicewarden exited with error")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("main")

	watcher, err := config.StartWatcher(watcherPath(), cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("config watcher failed to start, continuing with static config")
		watcher = nil
	} else {
		defer func() { _ = watcher.Close() }()
	}

	// isSpawn/isExcluded/isAfk consult the watcher's latest reload on every
	// call, so a channel added to one of these lists via the YAML overlay
	// takes effect without a restart. Falls back to the static cfg value
	// (the startup snapshot) if the watcher failed to start.
	isSpawn := func(channelID string) bool {
		if watcher != nil {
			return watcher.Current().IsSpawn(channelID)
		}
		return cfg.IsSpawn(channelID)
	}
	isExcluded := func(channelID string) bool {
		if watcher != nil {
			return watcher.Current().IsExcluded(channelID)
		}
		return cfg.IsExcluded(channelID)
	}
	isAfk := func(channelID string) bool {
		if watcher != nil {
			return watcher.Current().IsAfk(channelID)
		}
		return cfg.IsAfk(channelID)
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:     os.Getenv("VOICEWARDEN_OTEL_ENABLED") == "true",
		ServiceName: "voicewarden",
		Environment: os.Getenv("VOICEWARDEN_ENV"),
		Endpoint:    os.Getenv("VOICEWARDEN_OTEL_ENDPOINT"),
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	st, err := store.NewSqliteStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	backend, err := openCacheBackend(cfg)
	if err != nil {
		return err
	}
	cacheStore := cachestore.New(backend)

	if err := cacheStore.PurgeKnownBadKeys(ctx); err != nil {
		logger.Warn().Err(err).Msg("known-bad-key deletion failed")
	}
	if purged, err := cacheStore.Purge(ctx); err != nil {
		logger.Warn().Err(err).Msg("malformed cache entry purge failed")
	} else if purged > 0 {
		logger.Info().Int("count", purged).Msg("purged malformed cache entries")
	}

	auditor := audit.NewLogger()

	client, err := discord.New(discord.Config{Token: cfg.DiscordToken, GuildID: cfg.GuildID})
	if err != nil {
		return err
	}

	d := dispatch.New(handler.VoiceStateUserKey)

	trk := tracker.New(st, isAfk, isSpawn)
	prefs := preferences.New(st, cacheStore, client, auditor, cfg.RoomNameTemplate)
	owners := ownership.New(st, cacheStore, prefs, auditor)
	queue := roomqueue.New(roomqueue.Config{
		MaxConcurrentRooms: cfg.MaxConcurrentRooms,
		CreationDelay:      cfg.RoomCreationDelay,
		RoomNameTemplate:   cfg.RoomNameTemplate,
	}, st, cacheStore, client, auditor)

	recon := reconciler.New(reconciler.Config{Interval: cfg.ReconcilePeriod}, st, client, owners, auditor, isSpawn, isExcluded, isAfk)

	coupHandler := coup.New(cacheStore, client, owners, auditor, cfg.CoupWindow)
	// Start is exposed to the (out-of-scope) slash-command surface via the
	// same core operations; Vote is wired below into the join path and the
	// reaction family.

	h := handler.New(st, cacheStore, client, trk, queue, owners, prefs, auditor, recon, coupHandler,
		isExcluded, isSpawn, cfg.MaxVoiceErrorsBeforeResync)

	d.On(dispatch.FamilyVoiceState, func(ctx context.Context, event any) {
		e, ok := event.(platform.VoiceTransitionEvent)
		if !ok {
			return
		}
		h.HandleVoiceState(ctx, e)
	})
	d.On(dispatch.FamilyChannelUpdate, func(ctx context.Context, event any) {
		e, ok := event.(platform.ChannelUpdateEvent)
		if !ok {
			return
		}
		if err := prefs.DetectManualRename(ctx, e.After.GuildID, e.After.ID, e.After.Name); err != nil {
			log.WithComponent("main").Debug().Err(err).Str("channel_id", e.After.ID).Msg("manual rename detection failed")
		}
	})
	d.On(dispatch.FamilyReaction, func(ctx context.Context, event any) {
		e, ok := event.(platform.ReactionEvent)
		if !ok || !e.Added {
			return
		}
		if err := coupHandler.Vote(ctx, e.GuildID, e.ChannelID, e.UserID); err != nil {
			log.WithComponent("main").Debug().Err(err).Str("channel_id", e.ChannelID).Msg("coup vote registration failed")
		}
	})

	queue.Start()
	defer queue.Stop()
	d.Start()
	defer d.Stop()

	if err := client.Connect(d); err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := recon.CleanupDuplicates(ctx, cfg.GuildID); err != nil {
		logger.Warn().Err(err).Msg("startup duplicate-session cleanup failed")
	}
	recon.SweepOnce(ctx, cfg.GuildID)

	writer := diagnostics.NewWriter("voicewarden-snapshot.json", time.Minute, func(ctx context.Context) (diagnostics.Snapshot, error) {
		rooms, err := st.ListActiveChannels(ctx, cfg.GuildID)
		if err != nil {
			return diagnostics.Snapshot{}, err
		}
		sessions, err := st.AllActiveSessions(ctx)
		if err != nil {
			return diagnostics.Snapshot{}, err
		}
		openSessions := 0
		for _, s := range sessions {
			if s.GuildID == cfg.GuildID {
				openSessions++
			}
		}
		result := recon.LastResult()
		depths := d.QueueDepths()
		depths["room_creation"] = queue.Depth()
		return diagnostics.Snapshot{
			GuildID:          cfg.GuildID,
			ActiveRoomCount:  len(rooms),
			OpenSessionCount: openSessions,
			QueueDepths:      depths,
			LastReconcileAt:  result.CompletedAt,
		}, nil
	})

	healthFn := func(ctx context.Context) error {
		_, _, err := st.GetChannel(ctx, "healthcheck")
		return err
	}
	apiServer := httpapi.New(httpapi.DefaultConfig(cfg.MetricsAddr, healthFn))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		recon.Run(gctx, cfg.GuildID)
		return nil
	})

	g.Go(func() error {
		writer.Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func watcherPath() string {
	return os.Getenv("VOICEWARDEN_CONFIG_FILE")
}

func openCacheBackend(cfg config.Config) (cache.Cache, error) {
	if cfg.RedisAddr != "" {
		return cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log.Base())
	}
	if cfg.BadgerDir != "" {
		return cache.NewBadgerCache(cfg.BadgerDir, log.Base())
	}
	return cache.NewMemoryCache(5 * time.Minute), nil
}
