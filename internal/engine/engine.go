package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"routeledger/internal/localstore"
	"routeledger/internal/models"
	"routeledger/internal/state"
	"routeledger/internal/transport"
)

// Status is the engine's externally visible synchronization state.
type Status string

const (
	// StatusLocal: no identity bound yet, nothing to sync.
	StatusLocal Status = "local"
	// StatusOffline: no connectivity.
	StatusOffline Status = "offline"
	// StatusPending: a sync is in flight or unsynced entries remain.
	StatusPending Status = "pending"
	// StatusSynced: fully caught up.
	StatusSynced Status = "synced"
)

const (
	defaultInterval = 5 * time.Minute
	defaultDebounce = 2 * time.Second
	pushBatchSize   = 500
)

// Transport is the subset of the transport client the engine drives.
type Transport interface {
	Push(ctx context.Context, entries []models.LogEntry) (*transport.PushResult, error)
	Pull(ctx context.Context, since *time.Time) (*transport.PullResult, error)
}

// Config tunes the engine's scheduling.
type Config struct {
	// Interval between periodic sync cycles. Defaults to 5 minutes.
	Interval time.Duration
	// Debounce delay between a local mutation and the triggered cycle.
	Debounce time.Duration
}

// Snapshot is a point-in-time view of the engine for status surfaces.
type Snapshot struct {
	Status       Status `json:"status"`
	LastSyncUnix int64  `json:"last_sync_unix"`
	LastError    string `json:"last_error"`
}

// Engine orchestrates push-then-pull cycles against the remote log
// store. Exactly one cycle runs at a time per instance; concurrent
// Sync calls collapse into a no-op.
type Engine struct {
	store  *localstore.Store
	state  *state.Store
	client Transport
	logger *slog.Logger

	interval time.Duration
	debounce time.Duration

	trigger chan struct{}

	mu           sync.Mutex
	status       Status
	syncing      bool
	online       bool
	lastSyncUnix int64
	lastError    string
	listeners    []func(Status)
}

// New builds an engine. The initial status derives from connectivity
// (assumed online until told otherwise) and presence of a stored
// credential.
func New(store *localstore.Store, st *state.Store, client Transport, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	e := &Engine{
		store:    store,
		state:    st,
		client:   client,
		logger:   logger,
		interval: cfg.Interval,
		debounce: cfg.Debounce,
		trigger:  make(chan struct{}, 1),
		online:   true,
	}
	if _, ok := st.Token(); ok {
		e.status = StatusPending
	} else {
		e.status = StatusLocal
	}
	return e
}

// Status returns the current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// StatusSnapshot returns the status plus last-cycle bookkeeping.
func (e *Engine) StatusSnapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Status: e.status, LastSyncUnix: e.lastSyncUnix, LastError: e.lastError}
}

// OnStatusChange subscribes fn to state transitions. Listeners run
// synchronously within the transition; they must re-enter through Sync
// (the guard collapses re-entrant calls).
func (e *Engine) OnStatusChange(fn func(Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// SetOnline records a connectivity change. The offline→online edge
// triggers an opportunistic sync.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	// Decide the transition under the same lock that records the flag;
	// a status read after unlocking can interleave with a concurrent
	// transition and drop the offline flip.
	goOffline := !online && e.status != StatusLocal
	e.mu.Unlock()

	if goOffline {
		e.setStatus(StatusOffline)
		return
	}
	if online && !was {
		e.Notify()
	}
}

// Notify asks for a sync soon (mutation committed, window focused, ...).
// Never blocks; pending requests collapse.
func (e *Engine) Notify() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run drives periodic and event-triggered cycles until ctx is done.
// Local mutation-log appends arrive on the store's change channel and
// are debounced before triggering a cycle.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	debounce := time.NewTimer(e.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCycle(ctx)
		case <-e.store.Changes():
			debounce.Reset(e.debounce)
		case <-debounce.C:
			e.runCycle(ctx)
		case <-e.trigger:
			e.runCycle(ctx)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	if err := e.Sync(ctx); err != nil {
		e.logger.Warn("sync cycle failed", "error", err)
	}
}

// Sync runs one push-then-pull cycle. No-op when offline, when no
// credential is stored, or when a cycle is already in flight.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil
	}
	if !e.online {
		e.mu.Unlock()
		e.setStatus(StatusOffline)
		return nil
	}
	if _, ok := e.state.Token(); !ok {
		e.mu.Unlock()
		e.setStatus(StatusLocal)
		return nil
	}
	e.syncing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	e.setStatus(StatusPending)

	// Push failure must not block pull; inbound convergence keeps
	// flowing even when the upload leg is broken.
	pushErr := e.push(ctx)
	if errors.Is(pushErr, transport.ErrNotAuthenticated) {
		e.markError(pushErr)
		e.setStatus(StatusLocal)
		return pushErr
	}
	pullErr := e.pull(ctx)
	if errors.Is(pullErr, transport.ErrNotAuthenticated) {
		e.markError(pullErr)
		e.setStatus(StatusLocal)
		return pullErr
	}

	if pushErr != nil || pullErr != nil {
		err := errors.Join(pushErr, pullErr)
		e.markError(err)
		if e.isOnline() {
			e.setStatus(StatusPending)
		} else {
			e.setStatus(StatusOffline)
		}
		return err
	}

	e.markSuccess()
	pending, err := e.store.Pending(ctx)
	if err != nil {
		e.markError(err)
		e.setStatus(StatusPending)
		return err
	}
	if len(pending) > 0 {
		e.setStatus(StatusPending)
	} else {
		e.setStatus(StatusSynced)
	}
	return nil
}

// push sends all pending entries, oldest first, in batches the server
// accepts, marking each acknowledged batch synced.
func (e *Engine) push(ctx context.Context) error {
	pending, err := e.store.Pending(ctx)
	if err != nil {
		return err
	}
	for len(pending) > 0 {
		batch := pending
		if len(batch) > pushBatchSize {
			batch = batch[:pushBatchSize]
		}
		pending = pending[len(batch):]

		res, err := e.client.Push(ctx, batch)
		if err != nil {
			return err
		}
		ids := make([]string, len(batch))
		for i, entry := range batch {
			ids[i] = entry.ID
		}
		if err := e.store.MarkSynced(ctx, ids, res.ServerTimestamp); err != nil {
			return err
		}
	}
	return nil
}

// pull drains the remote backlog page by page, applying entries
// individually. An entry that fails to apply is logged and skipped; the
// cursor still advances to the latest observed server timestamp, so the
// batch and later pages keep flowing.
func (e *Engine) pull(ctx context.Context) error {
	cursor, err := e.state.Cursor()
	if err != nil {
		return err
	}
	if cursor == nil {
		cursor, err = e.store.LastSyncedTimestamp(ctx)
		if err != nil {
			return err
		}
	}

	for {
		res, err := e.client.Pull(ctx, cursor)
		if err != nil {
			return err
		}

		var observed *time.Time
		for _, entry := range res.Entries {
			if err := e.store.Apply(ctx, entry); err != nil {
				e.logger.Error("skipping entry that failed to apply",
					"entry_id", entry.ID, "table", entry.TableName, "error", err)
			}
			if entry.ServerTimestamp != nil {
				ts := entry.ServerTimestamp.UTC()
				observed = &ts
			}
		}
		if observed != nil {
			if err := e.state.SetCursor(*observed); err != nil {
				return err
			}
			cursor = observed
		}

		if !res.HasMore || len(res.Entries) == 0 {
			return nil
		}
	}
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Engine) markSuccess() {
	e.mu.Lock()
	e.lastSyncUnix = time.Now().Unix()
	e.lastError = ""
	e.mu.Unlock()
}

func (e *Engine) markError(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}

// setStatus records a transition and notifies listeners synchronously.
// No-op calls (same status) notify nobody.
func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	if e.status == s {
		e.mu.Unlock()
		return
	}
	e.status = s
	listeners := make([]func(Status), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}
