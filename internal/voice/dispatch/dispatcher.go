// SPDX-License-Identifier: MIT

// Package dispatch is the event dispatcher (C4). Gateway callbacks must
// return within milliseconds, so every inbound event is converted to a
// typed record and enqueued on a per-family FIFO, a channel buffered to 256
// events (Enqueue blocks while it is full); one worker per family consumes
// sequentially. Voice-state events additionally preserve
// per-user order via a single-flight lock table, so a user's own JOIN and
// LEAVE can never interleave.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicewarden/voicewarden/internal/log"
)

// Family identifies one of the five event families the gateway delivers.
// Ordering is only guaranteed within a family, never across families.
type Family string

const (
	FamilyMessage       Family = "message"
	FamilyReaction      Family = "reaction"
	FamilyVoiceState    Family = "voice_state"
	FamilyMemberUpdate  Family = "member_update"
	FamilyChannelUpdate Family = "channel_update"
)

var allFamilies = []Family{FamilyMessage, FamilyReaction, FamilyVoiceState, FamilyMemberUpdate, FamilyChannelUpdate}

// Handler processes one event of a given family. Handlers must not block
// indefinitely; the per-family worker is single-threaded, so a stuck
// handler stalls every later event in that family.
type Handler func(ctx context.Context, event any)

// UserKeyFunc extracts the user_id an event pertains to, used only by the
// voice-state family's single-flight guard. Events that don't carry a
// user_id (none in this family) would return "".
type UserKeyFunc func(event any) string

type queuedEvent struct {
	family Family
	event  any
}

// Dispatcher owns one FIFO channel per family, each buffered to 256 events,
// and the per-user lock table for voice-state serialization.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	queues   map[Family]chan queuedEvent
	handlers map[Family]Handler

	userKeyFunc UserKeyFunc

	userLocksMu  sync.Mutex
	userLocks    map[string]*userLockEntry
	lastCleanup  time.Time

	wg sync.WaitGroup
}

// userLockCleanupInterval bounds how long an idle user's single-flight lock
// is kept before being swept, so a long-running process doesn't accumulate
// one entry per distinct user_id forever.
const userLockCleanupInterval = 30 * time.Minute

type userLockEntry struct {
	mu         sync.Mutex
	lastUsedAt time.Time
}

// New constructs a Dispatcher. Register handlers with On before calling
// Start; a worker that takes an event for a family with no registered
// handler drops it with a warning log.
func New(userKeyFunc UserKeyFunc) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		ctx:         ctx,
		cancel:      cancel,
		queues:      make(map[Family]chan queuedEvent, len(allFamilies)),
		handlers:    make(map[Family]Handler, len(allFamilies)),
		userKeyFunc: userKeyFunc,
		userLocks:   make(map[string]*userLockEntry),
		lastCleanup: time.Now(),
	}
	for _, f := range allFamilies {
		d.queues[f] = make(chan queuedEvent, 256)
	}
	return d
}

// On registers the handler for a family. Call before Start.
func (d *Dispatcher) On(family Family, handler Handler) {
	d.handlers[family] = handler
}

// Start launches one worker goroutine per family.
func (d *Dispatcher) Start() {
	for _, f := range allFamilies {
		d.wg.Add(1)
		go d.runWorker(f)
	}
}

func (d *Dispatcher) runWorker(family Family) {
	defer d.wg.Done()
	logger := log.WithComponent("dispatch").With().Str("family", string(family)).Logger()
	queue := d.queues[family]

	for {
		select {
		case <-d.ctx.Done():
			return
		case qe, ok := <-queue:
			if !ok {
				return
			}
			d.process(family, qe.event, logger)
		}
	}
}

func (d *Dispatcher) process(family Family, event any, logger zerolog.Logger) {
	handler := d.handlers[family]
	if handler == nil {
		logger.Warn().Msg("no handler registered for family, dropping event")
		return
	}

	if family != FamilyVoiceState {
		handler(d.ctx, event)
		return
	}

	userID := d.userKeyFunc(event)
	if userID == "" {
		handler(d.ctx, event)
		return
	}

	entry := d.userLock(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	handler(d.ctx, event)
}

func (d *Dispatcher) userLock(userID string) *userLockEntry {
	d.userLocksMu.Lock()
	defer d.userLocksMu.Unlock()

	now := time.Now()
	entry, ok := d.userLocks[userID]
	if !ok {
		entry = &userLockEntry{}
		d.userLocks[userID] = entry
	}
	entry.lastUsedAt = now

	d.maybeCleanupUserLocks(now)
	return entry
}

// maybeCleanupUserLocks drops locks idle past userLockCleanupInterval.
// Called with userLocksMu held; a lock currently in use fails TryLock and
// is left for the next sweep.
func (d *Dispatcher) maybeCleanupUserLocks(now time.Time) {
	if now.Sub(d.lastCleanup) < userLockCleanupInterval {
		return
	}
	for userID, entry := range d.userLocks {
		if now.Sub(entry.lastUsedAt) < userLockCleanupInterval {
			continue
		}
		if !entry.mu.TryLock() {
			continue
		}
		entry.mu.Unlock()
		delete(d.userLocks, userID)
	}
	d.lastCleanup = now
}

// Enqueue places event on its family's FIFO. It blocks while the family's
// 256-deep buffer is full, until a slot frees up or Stop is called (the
// event is then discarded).
func (d *Dispatcher) Enqueue(family Family, event any) {
	select {
	case d.queues[family] <- queuedEvent{family: family, event: event}:
	case <-d.ctx.Done():
	}
}

// QueueDepths reports the number of buffered, not-yet-processed events per
// family, consulted by the diagnostics snapshot (SPEC_FULL §12.3).
func (d *Dispatcher) QueueDepths() map[string]int {
	depths := make(map[string]int, len(allFamilies))
	for _, f := range allFamilies {
		depths[string(f)] = len(d.queues[f])
	}
	return depths
}

// Stop cancels all workers and waits for in-flight handlers to finish.
// Events still buffered in a family's queue when Stop is called are
// discarded, not processed.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}
