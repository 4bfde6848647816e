package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pagemark-labs/pagemark/internal/annotation"
	"github.com/pagemark-labs/pagemark/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultPageTurnThreshold = 5
	defaultDebounceDelay     = 3 * time.Second
	defaultReconnectDelay    = 2 * time.Second
	defaultOpTimeout         = 30 * time.Second
)

type debounceState int

const (
	debounceIdle debounceState = iota
	debouncePending
)

// Config describes one document's sync session. The value is owned by the
// scheduler for the session's lifetime; there is no ambient global state.
type Config struct {
	// Document is the externally computed content digest. Opaque here.
	Document string
	// DeviceName is the device model reported with progress uploads.
	DeviceName string

	Transport    Transport
	Store        AnnotationStore
	Settings     SettingsStore
	Notifier     Notifier
	Connectivity Connectivity
	Clock        Clock
	Logger       *zap.Logger

	// AutoSync gates the passive triggers (open, close, suspend, resume,
	// connectivity, page turns). Manual PushNow/PullNow always work.
	AutoSync bool
	// PageTurnThreshold is the number of observed position changes that arm
	// the debounce timer.
	PageTurnThreshold int
	// DebounceDelay is both the trailing-edge timer delay and the idle
	// window that must elapse after the last page turn before a push fires.
	DebounceDelay time.Duration
	// ReconnectDelay postpones the pull issued after resume or reconnect.
	ReconnectDelay time.Duration
	// OpTimeout bounds every push and pull so a hung transport call cannot
	// occupy the in-flight slot forever.
	OpTimeout time.Duration
}

// Scheduler drives one document's annotation synchronization. Events arrive
// as method calls from the host; pushes and pulls run synchronously within
// a single in-flight slot so they never mutate the local store concurrently.
// A colliding event-triggered operation is dropped, a colliding debounce
// fire reschedules itself so a page-turn batch is never lost.
type Scheduler struct {
	document       string
	transport      Transport
	store          AnnotationStore
	settings       SettingsStore
	notifier       Notifier
	connectivity   Connectivity
	clock          Clock
	logger         *zap.Logger
	progress       *ProgressSyncer
	autoSync       bool
	turnThreshold  int
	debounceDelay  time.Duration
	reconnectDelay time.Duration
	opTimeout      time.Duration

	mu            sync.Mutex
	opened        bool
	closed        bool
	inFlight      bool
	version       int64
	tombstones    *annotation.TombstoneSet
	pageTurns     int
	lastPageTurn  time.Time
	lastPosition  string
	positionSeen  bool
	debounce      debounceState
	debounceTimer Timer
	delayTimer    Timer
}

// NewScheduler validates the configuration and builds an idle session.
// State is loaded from the settings store on DocumentOpened.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Document == "" {
		return nil, fmt.Errorf("replica: %w", errMissingDocument)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("replica: %w", errMissingTransport)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("replica: %w", errMissingStore)
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("replica: %w", errMissingSettings)
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	connectivity := cfg.Connectivity
	if connectivity == nil {
		connectivity = alwaysOnline{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.PageTurnThreshold
	if threshold <= 0 {
		threshold = defaultPageTurnThreshold
	}
	debounceDelay := cfg.DebounceDelay
	if debounceDelay <= 0 {
		debounceDelay = defaultDebounceDelay
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	progress, err := NewProgressSyncer(ProgressSyncerConfig{
		Document:   cfg.Document,
		DeviceName: cfg.DeviceName,
		Transport:  cfg.Transport,
		Store:      cfg.Store,
		Settings:   cfg.Settings,
		Notifier:   notifier,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		document:       cfg.Document,
		transport:      cfg.Transport,
		store:          cfg.Store,
		settings:       cfg.Settings,
		notifier:       notifier,
		connectivity:   connectivity,
		clock:          clock,
		logger:         logger,
		progress:       progress,
		autoSync:       cfg.AutoSync,
		turnThreshold:  threshold,
		debounceDelay:  debounceDelay,
		reconnectDelay: reconnectDelay,
		opTimeout:      opTimeout,
		tombstones:     annotation.NewTombstoneSet(),
	}, nil
}

// Progress exposes the session's reading-position syncer for interactive
// host actions.
func (s *Scheduler) Progress() *ProgressSyncer {
	return s.progress
}

// DocumentOpened loads the persisted sync state and, with auto-sync
// enabled, issues a background pull.
func (s *Scheduler) DocumentOpened(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}

	state, err := s.settings.SyncState(ctx, s.document)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("replica: load sync state: %w", err)
	}
	s.version = state.Version
	s.tombstones = annotation.NewTombstoneSet(state.Tombstones...)
	s.opened = true
	autoSync := s.autoSync
	s.mu.Unlock()

	if autoSync {
		if err := s.pull(ctx, false); err != nil {
			s.logger.Warn("pull on open failed",
				zap.String("document", s.document),
				zap.Error(err))
		}
	}
	return nil
}

// DocumentClosed attempts a final push, then tears the session down. Later
// events are no-ops.
func (s *Scheduler) DocumentClosed(ctx context.Context) {
	s.mu.Lock()
	if !s.opened || s.closed {
		s.mu.Unlock()
		return
	}
	autoSync := s.autoSync
	s.mu.Unlock()

	if autoSync {
		if err := s.push(ctx, false); err != nil {
			s.logger.Warn("final push failed",
				zap.String("document", s.document),
				zap.Error(err))
		}
	}

	s.mu.Lock()
	s.closed = true
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	if s.delayTimer != nil {
		s.delayTimer.Stop()
		s.delayTimer = nil
	}
	s.debounce = debounceIdle
	s.mu.Unlock()
}

// Suspending pushes synchronously before the host suspends. Best effort:
// no retry when the transport is slow or down.
func (s *Scheduler) Suspending(ctx context.Context) {
	if !s.active() || !s.autoSync {
		return
	}
	if err := s.push(ctx, false); err != nil {
		s.logger.Warn("push on suspend failed",
			zap.String("document", s.document),
			zap.Error(err))
	}
}

// Resumed schedules a pull after a short delay so the network stack can
// settle first.
func (s *Scheduler) Resumed() {
	s.scheduleDelayedPull()
}

// NetworkConnected schedules a pull after a short delay.
func (s *Scheduler) NetworkConnected() {
	s.scheduleDelayedPull()
}

// NetworkDisconnecting pushes immediately while the connection still holds.
func (s *Scheduler) NetworkDisconnecting(ctx context.Context) {
	if !s.active() || !s.autoSync {
		return
	}
	if err := s.push(ctx, false); err != nil {
		s.logger.Warn("push on disconnect failed",
			zap.String("document", s.document),
			zap.Error(err))
	}
}

// PageTurned records a position change. Once the per-document threshold is
// reached, or whenever a debounce timer is already pending, the trailing
// edge timer is (re)armed; the push itself fires only after the reader has
// been idle for the debounce window.
func (s *Scheduler) PageTurned(position string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.closed || !s.autoSync {
		return
	}
	if s.positionSeen && position == s.lastPosition {
		return
	}
	s.positionSeen = true
	s.lastPosition = position
	s.pageTurns++
	s.lastPageTurn = s.clock.Now()

	if s.pageTurns >= s.turnThreshold || s.debounce == debouncePending {
		s.armDebounceLocked()
	}
}

// AnnotationDeleted records a tombstone for the deleted annotation and
// persists it immediately so the deletion survives a restart.
func (s *Scheduler) AnnotationDeleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.closed {
		return ErrSessionClosed
	}
	if !s.tombstones.Record(id) {
		return nil
	}
	return s.persistStateLocked(ctx)
}

// PushNow performs a user-requested push. Offline, the push is queued with
// the connectivity oracle and runs on the next transition to online.
func (s *Scheduler) PushNow(ctx context.Context) error {
	if !s.active() {
		return ErrSessionClosed
	}
	if !s.connectivity.IsOnline() {
		s.notifier.Notify("Offline. Annotations will be uploaded when the connection returns.")
		s.connectivity.RunWhenOnline(func() {
			if err := s.push(context.Background(), true); err != nil {
				s.logger.Warn("queued push failed",
					zap.String("document", s.document),
					zap.Error(err))
			}
		})
		return nil
	}
	return s.push(ctx, true)
}

// PullNow performs a user-requested pull, queued when offline like PushNow.
func (s *Scheduler) PullNow(ctx context.Context) error {
	if !s.active() {
		return ErrSessionClosed
	}
	if !s.connectivity.IsOnline() {
		s.notifier.Notify("Offline. Annotations will be downloaded when the connection returns.")
		s.connectivity.RunWhenOnline(func() {
			if err := s.pull(context.Background(), true); err != nil {
				s.logger.Warn("queued pull failed",
					zap.String("document", s.document),
					zap.Error(err))
			}
		})
		return nil
	}
	return s.pull(ctx, true)
}

func (s *Scheduler) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened && !s.closed
}

func (s *Scheduler) scheduleDelayedPull() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.closed || !s.autoSync {
		return
	}
	if s.delayTimer != nil {
		s.delayTimer.Stop()
	}
	s.delayTimer = s.clock.AfterFunc(s.reconnectDelay, func() {
		if err := s.pull(context.Background(), false); err != nil {
			s.logger.Warn("delayed pull failed",
				zap.String("document", s.document),
				zap.Error(err))
		}
	})
}

// armDebounceLocked arms the trailing-edge timer. Arming while a timer is
// already pending is a no-op so at most one timer is live per session.
func (s *Scheduler) armDebounceLocked() {
	if s.debounce == debouncePending {
		return
	}
	s.debounce = debouncePending
	s.debounceTimer = s.clock.AfterFunc(s.debounceDelay, s.onDebounceFire)
}

// onDebounceFire decides whether the reader has settled. While page turns
// keep arriving inside the idle window the timer reschedules itself without
// touching session state, postponing the push indefinitely under continuous
// activity.
func (s *Scheduler) onDebounceFire() {
	s.mu.Lock()
	if s.closed {
		s.debounce = debounceIdle
		s.debounceTimer = nil
		s.mu.Unlock()
		return
	}

	if s.clock.Now().Sub(s.lastPageTurn) < s.debounceDelay {
		s.debounceTimer = s.clock.AfterFunc(s.debounceDelay, s.onDebounceFire)
		s.mu.Unlock()
		return
	}

	s.debounce = debounceIdle
	s.debounceTimer = nil
	s.mu.Unlock()

	// Page-turn pushes require connectivity to already be up; they never
	// trigger a reconnection attempt. The counter stays put so the next
	// turn re-arms the timer.
	if !s.connectivity.IsOnline() {
		s.logger.Debug("debounced push skipped while offline",
			zap.String("document", s.document))
		return
	}

	err := s.push(context.Background(), false)
	if errors.Is(err, ErrSyncBusy) {
		s.mu.Lock()
		if !s.closed {
			s.armDebounceLocked()
		}
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.logger.Warn("debounced push failed",
			zap.String("document", s.document),
			zap.Error(err))
	}
}

// begin claims the session's single in-flight operation slot.
func (s *Scheduler) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.closed {
		return ErrSessionClosed
	}
	if s.inFlight {
		return ErrSyncBusy
	}
	s.inFlight = true
	return nil
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// push serializes the full local annotation list plus the tombstone
// snapshot and uploads it against the last-seen version. On a version
// conflict the remote state is merged in once and the push retried with the
// adopted version. A failed push leaves counters and tombstones untouched;
// the next natural trigger retries the same work.
func (s *Scheduler) push(ctx context.Context, interactive bool) error {
	if err := s.begin(); err != nil {
		if errors.Is(err, ErrSyncBusy) && interactive {
			s.notifier.Notify("A sync is already running.")
		}
		return err
	}
	defer s.end()

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	response, err := s.upload(ctx)
	if errors.Is(err, ErrVersionConflict) {
		if mergeErr := s.refresh(ctx, false); mergeErr != nil {
			return s.report("annotations.push", interactive, mergeErr)
		}
		response, err = s.upload(ctx)
	}
	if err != nil {
		return s.report("annotations.push", interactive, err)
	}

	s.mu.Lock()
	s.version = response.Version
	s.tombstones.Clear()
	s.pageTurns = 0
	persistErr := s.persistStateLocked(ctx)
	s.mu.Unlock()
	if persistErr != nil {
		s.logger.Warn("sync state persist failed after push",
			zap.String("document", s.document),
			zap.Error(persistErr))
	}

	s.logger.Info("annotations pushed",
		zap.String("document", s.document),
		zap.Int64("version", response.Version))
	if interactive {
		s.notifier.Notify("Annotations uploaded.")
	}

	// Piggyback the reading position; failures only matter interactively
	// and are reported by the progress syncer itself.
	_ = s.progress.Push(ctx, false)
	return nil
}

func (s *Scheduler) upload(ctx context.Context) (protocol.UpdateAnnotationsResponse, error) {
	local, err := s.store.Annotations(ctx, s.document)
	if err != nil {
		return protocol.UpdateAnnotationsResponse{}, err
	}

	s.mu.Lock()
	deleted := s.tombstones.Snapshot()
	base := s.version
	s.mu.Unlock()

	return s.transport.PutAnnotations(ctx, s.document, protocol.UpdateAnnotationsRequest{
		Annotations: local,
		Deleted:     deleted,
		BaseVersion: &base,
	})
}

// pull fetches the remote snapshot, merges it into the local store and
// adopts the returned version. An unchanged version with zero annotations
// is a no-op signal.
func (s *Scheduler) pull(ctx context.Context, interactive bool) error {
	if err := s.begin(); err != nil {
		if errors.Is(err, ErrSyncBusy) && interactive {
			s.notifier.Notify("A sync is already running.")
		}
		return err
	}
	defer s.end()

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.refresh(ctx, interactive); err != nil {
		return s.report("annotations.pull", interactive, err)
	}

	// Reading position rides along with every pull; in background mode the
	// syncer asks for confirmation before moving the position.
	_ = s.progress.Pull(ctx, interactive)
	return nil
}

// refresh is the merge leg shared by pull and the push conflict retry. The
// caller holds the in-flight slot.
func (s *Scheduler) refresh(ctx context.Context, interactive bool) error {
	remote, err := s.transport.GetAnnotations(ctx, s.document)
	if err != nil {
		return err
	}

	s.mu.Lock()
	currentVersion := s.version
	localTombstones := annotation.NewTombstoneSet(s.tombstones.Snapshot()...)
	s.mu.Unlock()

	if remote.Version == currentVersion && len(remote.Annotations) == 0 {
		s.logger.Debug("remote annotations unchanged",
			zap.String("document", s.document),
			zap.Int64("version", currentVersion))
		return nil
	}

	local, err := s.store.Annotations(ctx, s.document)
	if err != nil {
		return err
	}

	merged := annotation.Merge(local, remote.Annotations,
		annotation.NewTombstoneSet(remote.Deleted...), localTombstones)
	if err := s.store.ReplaceAnnotations(ctx, s.document, merged); err != nil {
		return err
	}

	s.mu.Lock()
	s.version = remote.Version
	persistErr := s.persistStateLocked(ctx)
	s.mu.Unlock()
	if persistErr != nil {
		s.logger.Warn("sync state persist failed after pull",
			zap.String("document", s.document),
			zap.Error(persistErr))
	}

	s.logger.Info("annotations merged",
		zap.String("document", s.document),
		zap.Int64("version", remote.Version),
		zap.Int("count", len(merged)))
	if interactive {
		s.notifier.Notify(fmt.Sprintf("Annotations synced (%d total).", len(merged)))
	}
	return nil
}

func (s *Scheduler) persistStateLocked(ctx context.Context) error {
	return s.settings.SaveSyncState(ctx, s.document, SyncState{
		Version:    s.version,
		Tombstones: s.tombstones.Snapshot(),
	})
}

func (s *Scheduler) report(operation string, interactive bool, err error) error {
	s.logger.Warn("annotation sync failed",
		zap.String("operation", operation),
		zap.String("document", s.document),
		zap.Error(err))
	if interactive || errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrNotAuthenticated) {
		s.notifier.Notify(fmt.Sprintf("Annotation sync failed: %v", err))
	}
	return err
}
