// Package fishtrapdb is a file-backed, multi-process, eventually
// consistent database for small-to-medium application state. Each
// cooperating process holds a private copy of a single immutable value of
// type T, records local mutations as patch-form transactions into its own
// append-only shard file, and periodically reconciles with peers via
// snapshot compactions guarded by lockfiles.
//
// A Database trades strong consistency for availability: a process only
// observes peer changes after a compaction or rebase completes.
package fishtrapdb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetnow/fishtrap-db/internal/compact"
	"github.com/meetnow/fishtrap-db/internal/dirscan"
	"github.com/meetnow/fishtrap-db/internal/rebase"
	"github.com/meetnow/fishtrap-db/internal/store"
	"github.com/meetnow/fishtrap-db/internal/txn"
	"github.com/meetnow/fishtrap-db/pkg/fs"
)

// discardLogger is the zero-value-safe default when Config.Logger is nil:
// logging is an external collaborator per spec.md §1, so a Database must
// work silently out of the box.
var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ErrClosed reports that an operation was attempted on a closed Database.
var ErrClosed = errors.New("fishtrapdb: database closed")

// Config configures a Database, mirroring spec.md §6's configuration
// table. AppUUID and ShardUUID are required; the interval/threshold
// fields fall back to the documented defaults when zero.
type Config struct {
	AppUUID       uuid.UUID
	ShardUUID     uuid.UUID
	BaseDirectory string

	// CompactionSizeThreshold is the shard-size (bytes) past which
	// compaction is eagerly scheduled. Default 0x10000, clamped to at
	// most 0x6300000.
	CompactionSizeThreshold int64

	// CompactionIntervalMinutes is the periodic compaction cadence. Zero
	// selects the default of 30; a negative value disables the timer. A
	// value of 0 cannot be used to disable it.
	CompactionIntervalMinutes int

	// CheckIntervalMinutes is the periodic rebase-check cadence. Zero
	// selects the default of 15; a negative value disables the timer. A
	// value of 0 cannot be used to disable it.
	CheckIntervalMinutes int

	// Logger receives compaction-abort diagnostics per spec.md §7: the
	// silent-abort sentinels (AlreadyLocked, CouldNotLock, NoShards) at
	// info level, the rest at warn level. Nil discards everything.
	Logger *slog.Logger
}

const (
	defaultCompactionSizeThreshold   = 0x10000
	maxCompactionSizeThreshold       = 0x6300000
	defaultCompactionIntervalMinutes = 30
	defaultCheckIntervalMinutes      = 15
	eagerCompactionDelay             = time.Second
)

func (c Config) withDefaults() Config {
	if c.CompactionSizeThreshold == 0 {
		c.CompactionSizeThreshold = defaultCompactionSizeThreshold
	}

	if c.CompactionSizeThreshold > maxCompactionSizeThreshold {
		c.CompactionSizeThreshold = maxCompactionSizeThreshold
	}

	if c.CompactionIntervalMinutes == 0 {
		c.CompactionIntervalMinutes = defaultCompactionIntervalMinutes
	}

	if c.CheckIntervalMinutes == 0 {
		c.CheckIntervalMinutes = defaultCheckIntervalMinutes
	}

	if c.Logger == nil {
		c.Logger = discardLogger
	}

	return c
}

// PostCompactionHook is fired, fire-and-forget, after a successful
// compaction releases its lockfile. A panicking hook must not affect the
// Database; callers running user code in a hook should recover internally.
type PostCompactionHook[T any] func(merged, base T)

// Database is one process's handle onto a fishtrap-db instance. Get,
// Update, ForceCompaction and ForceCheckRebase enqueue onto a
// single-goroutine worker, per spec.md §5:
// all reads and mutations on one instance are strictly serialised.
type Database[T any] struct {
	fsys fs.FS
	cfg  Config

	differ  txn.Differ[T]
	applier txn.Applier[T]
	merger  txn.Merger[T]
	hook    PostCompactionHook[T]

	initial T

	tasks  chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	engine *txn.Engine[T]
	closed bool

	compactionTimer *time.Timer
	checkTimer      *time.Timer
}

// Open creates or attaches to a fishtrap-db instance at cfg.BaseDirectory,
// running the rebase engine's open procedure (spec.md §4.G) to recover
// this process's local state, then starts the background scheduler.
func Open[T any](
	fsys fs.FS, cfg Config, initial T, differ txn.Differ[T], applier txn.Applier[T], merger txn.Merger[T],
	hook PostCompactionHook[T],
) (*Database[T], error) {
	cfg = cfg.withDefaults()

	if cfg.AppUUID == uuid.Nil {
		return nil, fmt.Errorf("fishtrapdb: %w", errors.New("AppUUID is required"))
	}

	if cfg.ShardUUID == uuid.Nil {
		return nil, fmt.Errorf("fishtrapdb: %w", errors.New("ShardUUID is required"))
	}

	if err := fsys.MkdirAll(cfg.BaseDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("fishtrapdb: create base directory: %w", err)
	}

	db := &Database[T]{
		fsys:    fsys,
		cfg:     cfg,
		differ:  differ,
		applier: applier,
		merger:  merger,
		hook:    hook,
		initial: initial,
	}

	if err := db.reopen(); err != nil {
		return nil, err
	}

	return db, nil
}

// reopen runs the rebase open procedure and (re)starts the worker
// goroutine and background timers. Called by Open and by Database.Open.
func (db *Database[T]) reopen() error {
	engine, err := rebase.Open[T](
		db.fsys, db.cfg.BaseDirectory, db.cfg.AppUUID, db.cfg.ShardUUID, time.Now(),
		store.DecodeLockTags, db.initial, db.differ, db.applier, db.merger,
	)
	if err != nil {
		return fmt.Errorf("fishtrapdb: open: %w", err)
	}

	db.mu.Lock()
	db.engine = engine
	db.closed = false
	db.tasks = make(chan func(), 64)
	db.done = make(chan struct{})
	db.mu.Unlock()

	db.wg.Add(1)
	go db.run()

	if db.cfg.CompactionIntervalMinutes > 0 {
		db.armCompactionTimer(time.Duration(db.cfg.CompactionIntervalMinutes) * time.Minute)
	}

	if db.cfg.CheckIntervalMinutes > 0 {
		db.armCheckTimer(time.Duration(db.cfg.CheckIntervalMinutes) * time.Minute)
	}

	return nil
}

// run is the single worker goroutine: it drains db.tasks in submission
// order until db.done closes. This is the entire concurrency model inside
// one process (spec.md §5): no two tasks ever run concurrently.
func (db *Database[T]) run() {
	defer db.wg.Done()

	for {
		select {
		case task := <-db.tasks:
			task()
		case <-db.done:
			return
		}
	}
}

// enqueue submits fn to the worker and blocks until it has run, returning
// whatever error fn reports. Every public operation goes through this.
func (db *Database[T]) enqueue(fn func() error) error {
	db.mu.Lock()
	closed := db.closed
	tasks := db.tasks
	done := db.done
	db.mu.Unlock()

	if closed {
		return ErrClosed
	}

	result := make(chan error, 1)

	select {
	case tasks <- func() { result <- fn() }:
	case <-done:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-done:
		return ErrClosed
	}
}

// Get returns the current immutable value, after awaiting any operation
// already enqueued ahead of it.
func (db *Database[T]) Get() (T, error) {
	var out T

	err := db.enqueue(func() error {
		out = db.engine.Data()
		return nil
	})

	return out, err
}

// Update enqueues a local mutation. updater receives the current value
// and returns the new one; if the result is unchanged (per the Differ),
// nothing is recorded. Returns the value in effect after the update.
func (db *Database[T]) Update(updater func(T) T) (T, error) {
	var out T

	err := db.enqueue(func() error {
		newData, err := db.engine.Mutate(updater)
		if err != nil {
			return err
		}

		out = newData

		if db.engine.ShardSize() > db.cfg.CompactionSizeThreshold {
			db.armCompactionTimer(eagerCompactionDelay)
		}

		return nil
	})

	return out, err
}

// ForceCompaction runs a compaction attempt immediately, as an operator
// escape hatch (spec.md §6). A failed attempt (lock contention, no
// shards, a damaged base) is not itself an API error; it is reported as
// one here so the caller can observe it, mirroring forceCompaction's role
// as a diagnostic tool.
func (db *Database[T]) ForceCompaction() error {
	return db.enqueue(db.runCompactionLocked)
}

// ForceCheckRebase runs the periodic rebase check immediately.
func (db *Database[T]) ForceCheckRebase() error {
	return db.enqueue(db.runCheckLocked)
}

// runCompactionLocked executes one compaction attempt (spec.md §4.F),
// self-rebasing onto the freshly written snapshot if this process is
// still at the base generation (step 13), and garbage-collecting
// obsolete snapshots. Must only be called from the worker goroutine.
func (db *Database[T]) runCompactionLocked() error {
	baseGeneration := db.engine.Generation()

	result, err := compact.Run[T](
		db.fsys, db.cfg.BaseDirectory, db.cfg.AppUUID, db.cfg.ShardUUID, time.Now(),
		store.DecodeLockTags, db.initial, db.applier, db.merger, db.cfg.Logger,
	)
	if err != nil {
		db.logCompactionAbort(err)
		return fmt.Errorf("fishtrapdb: compaction: %w", err)
	}

	if db.hook != nil {
		go func() {
			defer func() { _ = recover() }()
			db.hook(result.Merged, result.Base)
		}()
	}

	if db.engine.Generation() == baseGeneration {
		if _, err := rebase.Check[T](
			db.engine, db.fsys, db.cfg.BaseDirectory, db.cfg.AppUUID, db.cfg.ShardUUID, time.Now(),
			store.DecodeLockTags, db.initial, db.merger,
		); err != nil {
			return fmt.Errorf("fishtrapdb: self-rebase after compaction: %w", err)
		}
	}

	return compact.GC(db.fsys, db.cfg.BaseDirectory, db.cfg.AppUUID, db.cfg.ShardUUID, db.engine.Generation(), time.Now(), store.DecodeLockTags)
}

// logCompactionAbort logs a failed compaction attempt at the level spec.md
// §7 assigns its sentinel error: AlreadyLocked/CouldNotLock/NoShards abort
// silently (info), everything else aborts with a warning.
func (db *Database[T]) logCompactionAbort(err error) {
	silent := errors.Is(err, compact.ErrAlreadyLocked) ||
		errors.Is(err, compact.ErrCouldNotLock) ||
		errors.Is(err, compact.ErrNoShards)

	if silent {
		db.cfg.Logger.Info("compaction aborted", "error", err)
	} else {
		db.cfg.Logger.Warn("compaction aborted", "error", err)
	}
}

// runCheckLocked executes the periodic rebase-check trigger. Must only be
// called from the worker goroutine.
func (db *Database[T]) runCheckLocked() error {
	_, err := rebase.Check[T](
		db.engine, db.fsys, db.cfg.BaseDirectory, db.cfg.AppUUID, db.cfg.ShardUUID, time.Now(),
		store.DecodeLockTags, db.initial, db.merger,
	)
	if err != nil {
		db.cfg.Logger.Warn("rebase check failed", "error", err)
		return fmt.Errorf("fishtrapdb: rebase check: %w", err)
	}

	return nil
}

// armCompactionTimer (re)arms the compaction timer to fire after delay. On
// fire it attempts a compaction and, if the periodic cadence is enabled,
// reschedules itself at that interval regardless of outcome. Callers also
// use it with a short delay to implement the eager reschedule that fires
// when a shard crosses CompactionSizeThreshold, independent of the
// regular cadence.
func (db *Database[T]) armCompactionTimer(delay time.Duration) {
	db.mu.Lock()
	if db.compactionTimer != nil {
		db.compactionTimer.Stop()
	}

	db.compactionTimer = time.AfterFunc(delay, func() {
		// runCompactionLocked already logs its own failures via
		// logCompactionAbort at the level spec.md §7 assigns them.
		_ = db.enqueue(db.runCompactionLocked)

		if db.cfg.CompactionIntervalMinutes > 0 {
			db.armCompactionTimer(time.Duration(db.cfg.CompactionIntervalMinutes) * time.Minute)
		}
	})
	db.mu.Unlock()
}

// armCheckTimer (re)arms the rebase-check timer. Per spec.md §9's open
// question, this correctly uses CheckIntervalMinutes rather than reusing
// CompactionIntervalMinutes as the original implementation did.
func (db *Database[T]) armCheckTimer(delay time.Duration) {
	db.mu.Lock()
	if db.checkTimer != nil {
		db.checkTimer.Stop()
	}

	db.checkTimer = time.AfterFunc(delay, func() {
		// runCheckLocked already logs its own failure.
		_ = db.enqueue(db.runCheckLocked)

		if db.cfg.CheckIntervalMinutes > 0 {
			db.armCheckTimer(time.Duration(db.cfg.CheckIntervalMinutes) * time.Minute)
		}
	})
	db.mu.Unlock()
}

// Close cancels background timers, drains the worker, and marks the
// instance unusable. Subsequent calls return ErrClosed until Open is
// called again.
func (db *Database[T]) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}

	db.closed = true

	if db.compactionTimer != nil {
		db.compactionTimer.Stop()
	}

	if db.checkTimer != nil {
		db.checkTimer.Stop()
	}
	db.mu.Unlock()

	close(db.done)
	db.wg.Wait()

	return nil
}

// Open reopens a previously closed Database, re-running the open
// procedure against the current directory contents.
func (db *Database[T]) Open() error {
	db.mu.Lock()
	closed := db.closed
	db.mu.Unlock()

	if !closed {
		return nil
	}

	return db.reopen()
}

// ensure dirscan's LockDecoder shape lines up with store.DecodeLockTags at
// compile time, since Database wires them together by value above.
var _ dirscan.LockDecoder = store.DecodeLockTags
