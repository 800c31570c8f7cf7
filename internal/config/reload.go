// SPDX-License-Identifier: MIT

package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/voicewarden/voicewarden/internal/log"
)

// Mutable is the subset of Config that may change via hot reload without a
// process restart. Structural options (guild ID, database path, discord
// token, redis/badger addressing) always require a restart.
type Mutable struct {
	SpawnChannelIDs            []string
	ExcludedChannelIDs         []string
	AfkChannelIDs              []string
	MaxConcurrentRooms         int
	RoomCreationDelay          time.Duration
	ReconcilePeriod            time.Duration
	MaxVoiceErrorsBeforeResync int
	CoupWindow                 time.Duration
	RoomNameTemplate           string
}

func mutableOf(c Config) Mutable {
	return Mutable{
		SpawnChannelIDs:            c.SpawnChannelIDs,
		ExcludedChannelIDs:         c.ExcludedChannelIDs,
		AfkChannelIDs:              c.AfkChannelIDs,
		MaxConcurrentRooms:         c.MaxConcurrentRooms,
		RoomCreationDelay:          c.RoomCreationDelay,
		ReconcilePeriod:            c.ReconcilePeriod,
		MaxVoiceErrorsBeforeResync: c.MaxVoiceErrorsBeforeResync,
		CoupWindow:                 c.CoupWindow,
		RoomNameTemplate:           c.RoomNameTemplate,
	}
}

// Watcher reloads the mutable subset of Config whenever filePath changes on
// disk, holding the latest value behind a mutex for concurrent readers.
type Watcher struct {
	filePath string

	mu      sync.RWMutex
	current Mutable

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// StartWatcher seeds the mutable configuration from initial (the Config the
// caller already loaded) and begins watching filePath for changes. If filePath is empty, the watcher holds initial forever
// and Close is a no-op.
func StartWatcher(filePath string, initial Config) (*Watcher, error) {
	w := &Watcher{
		filePath: filePath,
		current:  mutableOf(initial),
		done:     make(chan struct{}),
	}

	if filePath == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filePath); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w.watcher = fw

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	logger := log.WithComponent("config-watcher")
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.filePath)
			if err != nil {
				logger.Warn().Err(err).Str("path", w.filePath).Msg("config reload failed, keeping previous values")
				continue
			}
			w.mu.Lock()
			w.current = mutableOf(cfg)
			w.mu.Unlock()
			logger.Info().Str("path", w.filePath).Msg("reloaded mutable configuration")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("config watcher error")
		case <-w.done:
			return
		}
	}
}

// Current returns the latest mutable configuration snapshot.
func (w *Watcher) Current() Mutable {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// IsSpawn reports whether channelID is a configured spawn channel, per the
// latest reload.
func (m Mutable) IsSpawn(channelID string) bool {
	for _, id := range m.SpawnChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// IsExcluded reports whether channelID is a configured read-only channel,
// per the latest reload.
func (m Mutable) IsExcluded(channelID string) bool {
	for _, id := range m.ExcludedChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// IsAfk reports whether channelID is a configured AFK channel, per the
// latest reload.
func (m Mutable) IsAfk(channelID string) bool {
	for _, id := range m.AfkChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// handle.
func (w *Watcher) Close() error {
	close(w.done)
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
