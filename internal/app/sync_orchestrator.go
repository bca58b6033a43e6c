package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/pkg/eventbus"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

// TopicSyncState carries domain.SyncState updates on the bus
const TopicSyncState = "sync_state"

// Cancellation causes of a sync run
var (
	errSyncPaused    = errors.New("sync paused")
	errSyncCancelled = errors.New("sync cancelled")
	errSyncForced    = errors.New("sync restarted by force resync")
	errSyncShutdown  = errors.New("sync stopped by shutdown")
)

// SyncOrchestrator walks the remote library one entity type at a time and
// reconciles each page into the store. At most one run executes at a time.
type SyncOrchestrator struct {
	store      domain.Store
	source     domain.LibrarySource
	reconciler *LibraryReconciler
	config     domain.SyncConfig
	bus        *eventbus.Bus
	notifier   Notifier
	logs       *logger.LoggerAdapter
	limiter    *rate.Limiter
	now        func() time.Time

	mu           sync.Mutex
	state        domain.SyncState
	lastResult   domain.ReconcileResult
	running      bool
	cancel       context.CancelCauseFunc
	done         chan struct{}
	pendingForce bool
}

// NewSyncOrchestrator creates an idle orchestrator
func NewSyncOrchestrator(
	store domain.Store,
	source domain.LibrarySource,
	config domain.SyncConfig,
	bus *eventbus.Bus,
	notifier Notifier,
	logs *logger.LoggerAdapter,
) *SyncOrchestrator {
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	if config.PageSize < 1 {
		config.PageSize = domain.DefaultConfig().Sync.PageSize
	}
	if bus == nil {
		bus = eventbus.New(logs.General())
	}

	return &SyncOrchestrator{
		store:      store,
		source:     source,
		reconciler: NewLibraryReconciler(logs.SyncLog()),
		config:     config,
		bus:        bus,
		notifier:   notifier,
		logs:       logs,
		limiter:    rate.NewLimiter(limit, 1),
		now:        time.Now,
		state:      domain.NewSyncState(domain.PhaseIdle, "", 0, 0, nil),
	}
}

// State returns the latest sync state
func (o *SyncOrchestrator) State() domain.SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastResult returns the mutation counts of the last successful run
func (o *SyncOrchestrator) LastResult() domain.ReconcileResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

// IsRunning reports whether a run is executing
func (o *SyncOrchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Watch streams state changes, starting with the current state. Bus events
// only wake the watcher, which then sends the latest state, so a slow reader
// may skip intermediate states but always sees the last one. The channel
// closes when ctx is done.
func (o *SyncOrchestrator) Watch(ctx context.Context) <-chan domain.SyncState {
	sub := o.bus.Subscribe(1, TopicSyncState)
	out := make(chan domain.SyncState, 1)

	send := func() {
		select {
		case <-out:
		default:
		}
		out <- o.State()
	}

	go func() {
		defer close(out)
		defer o.bus.Unsubscribe(sub)
		send()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C:
				if !ok {
					return
				}
				send()
			}
		}
	}()
	return out
}

// SyncNow starts an incremental run from the stored cursors. It returns
// false when a run is already active and the request was coalesced into it.
func (o *SyncOrchestrator) SyncNow(ctx context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		o.logs.SyncLog().Debug("sync request coalesced into active run")
		return false
	}
	o.startLocked(false)
	return true
}

// ForceResync clears all cursors and walks the whole library again. An
// active run is cancelled first; the forced run starts once it has exited.
func (o *SyncOrchestrator) ForceResync(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		o.pendingForce = true
		o.cancel(errSyncForced)
		return
	}
	o.startLocked(true)
}

// PauseSync stops the active run after its in-flight page commits
func (o *SyncOrchestrator) PauseSync() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return false
	}
	o.pendingForce = false
	o.cancel(errSyncPaused)
	return true
}

// ResumeSync continues a paused sync from its cursors
func (o *SyncOrchestrator) ResumeSync() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running || o.state.Phase != domain.PhasePaused {
		return false
	}
	o.startLocked(false)
	return true
}

// CancelSync abandons the active or paused run. Committed pages stay.
func (o *SyncOrchestrator) CancelSync() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.running:
		o.pendingForce = false
		o.cancel(errSyncCancelled)
		return true
	case o.state.Phase == domain.PhasePaused:
		o.abandonWalk()
		o.setStateLocked(domain.NewSyncState(domain.PhaseCancelled, "", 0, 0, nil))
		o.logs.LogSyncEvent("sync_cancelled")
		return true
	default:
		return false
	}
}

// Wait blocks until no run is executing, including a forced run queued
// behind the one that was active
func (o *SyncOrchestrator) Wait() {
	for {
		o.mu.Lock()
		done, running := o.done, o.running
		o.mu.Unlock()
		if !running {
			return
		}
		<-done
	}
}

// Stop interrupts the active run and waits for it. The run is left paused.
func (o *SyncOrchestrator) Stop() {
	o.mu.Lock()
	o.pendingForce = false
	if o.running {
		o.cancel(errSyncShutdown)
	}
	o.mu.Unlock()
	o.Wait()
}

func (o *SyncOrchestrator) startLocked(force bool) {
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	o.running = true
	o.cancel = cancel
	o.done = done
	o.setStateLocked(domain.NewSyncState(domain.PhaseFetchingCounts, "", 0, 0, nil))
	o.logs.LogSyncEvent("sync_started", zap.Bool("force", force))

	go o.execute(ctx, cancel, force, done)
}

func (o *SyncOrchestrator) execute(ctx context.Context, cancel context.CancelCauseFunc, force bool, done chan struct{}) {
	defer close(done)

	started := o.now()
	result, err := o.run(ctx, force)
	cause := context.Cause(ctx)
	cancel(nil)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
	o.cancel = nil

	switch {
	case err == nil:
		o.lastResult = result
		o.setStateLocked(domain.NewSyncState(domain.PhaseIdle, "", 0, 0, nil))
		o.logs.LogSyncEvent("sync_finished",
			zap.Int("inserted", result.Inserted),
			zap.Int("updated", result.Updated),
			zap.Int("restored", result.Restored),
			zap.Int("tombstoned", result.Tombstoned),
			zap.Int("purged", result.Purged),
			zap.Duration("duration", o.now().Sub(started)))
		if o.notifier != nil {
			o.notifier.NotifySyncFinished(result)
		}

	case errors.Is(cause, errSyncForced) && o.pendingForce:
		o.pendingForce = false
		o.logs.LogSyncEvent("sync_restarting", zap.String("reason", cause.Error()))
		o.startLocked(true)

	case errors.Is(cause, errSyncPaused), errors.Is(cause, errSyncShutdown):
		paused := o.state
		o.setStateLocked(domain.NewSyncState(domain.PhasePaused, paused.Entity, paused.Current, paused.Total, nil))
		o.logs.LogSyncEvent("sync_paused", zap.String("reason", cause.Error()))

	case errors.Is(cause, errSyncCancelled), errors.Is(cause, errSyncForced):
		o.abandonWalk()
		o.setStateLocked(domain.NewSyncState(domain.PhaseCancelled, "", 0, 0, nil))
		o.logs.LogSyncEvent("sync_cancelled")

	default:
		failed := o.state
		o.setStateLocked(domain.NewSyncState(domain.PhaseFailed, failed.Entity, failed.Current, failed.Total, err))
		o.logs.LogAppError("Library sync failed", zap.Error(err))
		if o.notifier != nil {
			o.notifier.NotifySyncFailed(err)
		}
	}
}

func (o *SyncOrchestrator) run(ctx context.Context, force bool) (domain.ReconcileResult, error) {
	var result domain.ReconcileResult

	if force {
		if err := o.store.ResetCursors(ctx); err != nil {
			return result, fmt.Errorf("reset cursors: %w", err)
		}
	}

	cursors, resumed, err := o.prepareCursors(ctx)
	if err != nil {
		return result, err
	}

	totals := make(map[domain.EntityType]int, len(domain.SyncOrder))
	for _, t := range domain.SyncOrder {
		var n int
		err := o.withRetry(ctx, t, -1, func() error {
			var err error
			n, err = o.source.Count(ctx, t)
			return err
		})
		if err != nil {
			return result, fmt.Errorf("count %ss: %w", t, err)
		}
		totals[t] = n
	}

	for _, t := range domain.SyncOrder {
		cursor := cursors[t]
		if cursor.PhaseState == domain.PhaseComplete {
			o.logs.SyncLog().Debug("phase already finished in this walk",
				zap.String("type", string(t)))
			continue
		}
		r, err := o.syncType(ctx, cursor, totals[t])
		result.Add(r)
		if err != nil {
			return result, err
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if resumed {
		// Pages skipped by a remote shift are only verified by a walk from
		// page zero, so tombstones wait for the next full walk.
		o.logs.SyncLog().Debug("tombstone purge deferred to the next full walk")
		return result, nil
	}
	err = o.store.Transaction(context.WithoutCancel(ctx), func(tx domain.Store) error {
		purged, err := o.reconciler.PurgeTombstones(ctx, tx)
		result.Add(purged)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("purge tombstones: %w", err)
	}
	return result, nil
}

// prepareCursors loads the cursor of every entity type. When any walk was
// left in progress or failed, the run continues it: finished phases stay
// finished and the rest resume from their offsets. Otherwise every cursor is
// rewound and persisted as in progress so an interrupted run can be told
// apart from a finished one.
func (o *SyncOrchestrator) prepareCursors(ctx context.Context) (map[domain.EntityType]*domain.SyncCursor, bool, error) {
	cursors := make(map[domain.EntityType]*domain.SyncCursor, len(domain.SyncOrder))
	resumed := false
	for _, t := range domain.SyncOrder {
		cursor, err := o.store.GetCursor(ctx, t)
		if err != nil {
			return nil, false, fmt.Errorf("load %s cursor: %w", t, err)
		}
		if cursor.Interrupted() {
			resumed = true
		}
		cursors[t] = cursor
	}

	for _, t := range domain.SyncOrder {
		cursor := cursors[t]
		if resumed && cursor.PhaseState != domain.PhasePending {
			continue
		}
		cursor.Restart()
	}
	if resumed {
		o.logs.SyncLog().Info("continuing interrupted walk")
		return cursors, true, nil
	}

	txCtx := context.WithoutCancel(ctx)
	err := o.store.Transaction(txCtx, func(tx domain.Store) error {
		for _, t := range domain.SyncOrder {
			if err := tx.SaveCursor(txCtx, cursors[t]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("rewind cursors: %w", err)
	}
	return cursors, false, nil
}

// syncType walks the pages of one entity type from its cursor. Each page is
// reconciled and the cursor advanced in a single transaction, so a page is
// either fully applied or not at all.
func (o *SyncOrchestrator) syncType(ctx context.Context, cursor *domain.SyncCursor, total int) (domain.ReconcileResult, error) {
	var result domain.ReconcileResult

	t := cursor.EntityType
	cursor.Total = total
	o.setState(domain.NewSyncState(domain.PhaseFor(t), t, cursor.Processed, total, nil))

	pageSize := o.config.PageSize
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return result, err
		}

		offset := cursor.PageOffset * pageSize
		var page []domain.RemoteEntity
		err := o.withRetry(ctx, t, offset, func() error {
			var err error
			page, err = o.source.ListPage(ctx, t, offset, pageSize)
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				o.markCursorFailed(cursor)
			}
			return result, fmt.Errorf("fetch %s page at offset %d: %w", t, offset, err)
		}

		final := len(page) < pageSize
		bounds := BoundsFor(cursor.LastKey, page, final)
		records := len(page)
		page, bounds.From, err = o.coverGap(ctx, cursor, offset, page)
		if err != nil {
			if ctx.Err() == nil {
				o.markCursorFailed(cursor)
			}
			return result, fmt.Errorf("fetch %s records before offset %d: %w", t, offset, err)
		}

		next := *cursor
		next.Advance(bounds.Through, records)
		if final {
			next.Complete(o.now())
		}

		var applied domain.ReconcileResult
		txCtx := context.WithoutCancel(ctx)
		err = o.store.Transaction(txCtx, func(tx domain.Store) error {
			var err error
			applied, err = o.reconciler.ReconcilePage(txCtx, tx, t, page, bounds)
			if err != nil {
				return err
			}
			return tx.SaveCursor(txCtx, &next)
		})
		if err != nil {
			o.markCursorFailed(cursor)
			return result, fmt.Errorf("apply %s page at offset %d: %w", t, offset, err)
		}

		cursor = &next
		result.Add(applied)
		o.setState(domain.NewSyncState(domain.PhaseFor(t), t, cursor.Processed, total, nil))
		o.logs.SyncLog().Debug("page committed",
			zap.String("type", string(t)),
			zap.Int("offset", offset),
			zap.Int("records", records),
			zap.Int("mutations", applied.Mutations()))

		if final {
			return result, nil
		}
	}
}

// coverGap handles live local rows that sort between the last committed key
// and the first id of page. They were either deleted remotely or skipped
// because earlier remote rows disappeared and shifted the listing. The
// records just before offset are fetched again and merged into the page; the
// gap is only open for tombstoning when that window reaches back to the last
// committed key. Otherwise the returned key marks where tombstoning may start.
func (o *SyncOrchestrator) coverGap(ctx context.Context, cursor *domain.SyncCursor, offset int, page []domain.RemoteEntity) ([]domain.RemoteEntity, string, error) {
	first := minID(page)
	if cursor.LastKey == "" || first == "" {
		return page, "", nil
	}

	local, err := o.store.ListEntitiesInRange(ctx, cursor.EntityType, cursor.LastKey, first)
	if err != nil {
		return nil, "", fmt.Errorf("load gap rows: %w", err)
	}
	gap := 0
	for _, e := range local {
		if e.ID < first && !e.Tombstoned {
			gap++
		}
	}
	if gap == 0 {
		return page, "", nil
	}

	start := offset - gap
	if start < 0 {
		start = 0
	}
	var window []domain.RemoteEntity
	if start < offset {
		err = o.withRetry(ctx, cursor.EntityType, start, func() error {
			var err error
			window, err = o.source.ListPage(ctx, cursor.EntityType, start, offset-start)
			return err
		})
		if err != nil {
			return nil, "", err
		}
	}

	merged := make([]domain.RemoteEntity, 0, len(window)+len(page))
	covered := start == 0
	for _, r := range window {
		if r.ID <= cursor.LastKey {
			covered = true
			continue
		}
		merged = append(merged, r)
	}
	merged = append(merged, page...)

	o.logs.SyncLog().Debug("re-read records before page",
		zap.String("type", string(cursor.EntityType)),
		zap.Int("offset", offset),
		zap.Int("gap_rows", gap),
		zap.Int("recovered", len(merged)-len(page)),
		zap.Bool("covered", covered))

	if covered {
		return merged, "", nil
	}
	return merged, minID(merged), nil
}

func (o *SyncOrchestrator) withRetry(ctx context.Context, t domain.EntityType, offset int, fn func() error) error {
	return SyncBackoff(o.config).Retry(ctx, func(int) error { return fn() },
		func(retry int, err error, wait time.Duration) {
			o.logs.SyncLog().Warn("retrying remote listing",
				zap.String("type", string(t)),
				zap.Int("offset", offset),
				zap.Int("retry", retry),
				zap.Duration("wait", wait),
				zap.Error(err))
		})
}

// abandonWalk drops the cursors of a cancelled run so the next run walks
// from page zero. Committed pages stay.
func (o *SyncOrchestrator) abandonWalk() {
	if err := o.store.ResetCursors(context.Background()); err != nil {
		o.logs.LogAppError("Failed to reset sync cursors", zap.Error(err))
	}
}

// markCursorFailed keeps the committed offset and flags the walk failed
func (o *SyncOrchestrator) markCursorFailed(cursor *domain.SyncCursor) {
	failed := *cursor
	failed.PhaseState = domain.PhaseError
	if err := o.store.SaveCursor(context.Background(), &failed); err != nil {
		o.logs.LogAppError("Failed to save sync cursor",
			zap.String("type", string(cursor.EntityType)),
			zap.Error(err))
	}
}

func (o *SyncOrchestrator) setState(state domain.SyncState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setStateLocked(state)
}

func (o *SyncOrchestrator) setStateLocked(state domain.SyncState) {
	o.state = state
	o.bus.Publish(TopicSyncState, state)
}
