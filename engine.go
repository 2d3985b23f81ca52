package foster

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foster-engine/foster/config"
	"github.com/foster-engine/foster/interfaces"
	"github.com/foster-engine/foster/metrics"
	"github.com/foster-engine/foster/storage/buffer"
	"github.com/foster-engine/foster/storage/ids"
	"github.com/foster-engine/foster/storage/page"
	"github.com/foster-engine/foster/storage/recovery"
	"github.com/foster-engine/foster/storage/volume"
	"github.com/foster-engine/foster/storage/wal"
	"github.com/foster-engine/foster/txn"
)

// Engine is the top-level facade spec §6 describes: it owns the volume,
// the log, the buffer pool, and a background errgroup for the cleaner, and
// hands out Index handles and Xct descriptors. It plays the role the
// teacher's BufMgr plus its embedding host jointly played, now collapsed
// into one self-contained owner since this engine no longer delegates
// storage to a parent.
type Engine struct {
	opts    config.Options
	vol     *volume.Volume
	pool    *buffer.Pool
	log     *wal.Manager
	rec     *recovery.Manager
	metrics *metrics.Set
	zlog    *zap.Logger
	oracle  interfaces.LockOracle
	counter *txn.Counter

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Open creates (if dir is empty) or recovers (if a log already exists) an
// engine rooted at dir, using opts for sizing. oracle may be nil, in which
// case an in-memory txn.MemOracle is used.
func Open(dir string, opts config.Options, oracle interfaces.LockOracle, zlog *zap.Logger) (*Engine, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	m := metrics.New("foster")

	logMgr, err := wal.Open(filepath.Join(dir, "foster.log"), m, zlog)
	if err != nil {
		return nil, err
	}

	volFile, err := volume.OpenReal(filepath.Join(dir, "foster.vol"))
	if err != nil {
		return nil, err
	}
	vol, err := volume.Open(0, volFile, opts.PageSizeBits)
	if err != nil {
		vol, err = volume.Create(0, volFile, opts.PageSizeBits, uint64(opts.BufPoolSize)*64)
		if err != nil {
			return nil, err
		}
	}

	vol.AttachLog(logMgr)

	pool := buffer.New(vol, opts.BufPoolSize, logMgr.Flush, m, zlog)
	recMgr := recovery.New(vol, pool, logMgr, filepath.Join(dir, "foster.log"), m, zlog)
	pool.SetRecover(recMgr.SinglePageRecovery)

	// spec §4.2: a record may never exceed 3 page sizes minus the page
	// header, the same bound the teacher's split logic assumed when it
	// sized a worst-case full-page-image record.
	pageSize := 1 << opts.PageSizeBits
	logMgr.SetMaxRecordSize(3*pageSize - page.HeaderSize)

	if oracle == nil {
		oracle = txn.NewMemOracle()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	e := &Engine{
		opts: opts, vol: vol, pool: pool, log: logMgr, rec: recMgr,
		metrics: m, zlog: zlog, oracle: oracle, counter: txn.NewCounter(),
		cancel: cancel, group: group,
	}

	if err := recMgr.Run(); err != nil {
		cancel()
		return nil, err
	}

	if opts.BackgroundFlush {
		pool.RunCleaner(gctx, group, opts.FlushInterval)
	}

	return e, nil
}

// CreateIndex creates a fresh index in this engine's volume (one store per
// call, per spec §6's "one Foster B-tree per store id"). The returned Index
// shares e's XID counter (see Index.WithCounter) with BeginXct, so SSX
// structural operations and user transactions draw from one sequence.
func (e *Engine) CreateIndex(store uint32) (*Index, error) {
	idx, err := CreateIndex(e.pool, e.log, e.oracle, e.zlog, store)
	if err != nil {
		return nil, err
	}
	return idx.WithCounter(e.counter), nil
}

// OpenIndex re-opens an existing index given its root page id.
func (e *Engine) OpenIndex(store uint32, root ids.PageID) *Index {
	return Open(e.pool, e.log, e.oracle, e.zlog, store, root).WithCounter(e.counter)
}

// OpenOrCreateIndex looks store up in the volume's store table, opening the
// index rooted there if one already exists, or creating a fresh root page
// and recording it in that store's slot otherwise (spec §6: "one Foster
// B-tree per store id", backed by the stnode page's GetStoreRoot/
// SetStoreRoot; the store id is the caller's, and CreateStore is not used).
func (e *Engine) OpenOrCreateIndex(store uint32) (*Index, error) {
	root, err := e.vol.GetStoreRoot(store)
	if err == nil && root != ids.NilPageID {
		return e.OpenIndex(store, root), nil
	}
	return e.CreateIndex(store)
}

// BeginXct starts an ordinary transaction.
func (e *Engine) BeginXct() *txn.Xct { return txn.Begin(e.counter) }

// Commit flushes the log up to xct's last LSN, durably sealing it (spec
// §4.2: "a commit is durable once its record's LSN is flushed").
func (e *Engine) Commit(x *txn.Xct) error {
	if !x.LastLSN.Valid() {
		return nil
	}
	rec := &wal.Record{PrevLSN: x.LastLSN, Type: wal.TypeXctCommit, Flags: wal.FlagRedoable, XID: uint64(x.ID)}
	lsn, err := e.log.Append(rec)
	if err != nil {
		return err
	}
	if err := e.log.Flush(lsn); err != nil {
		return err
	}
	return e.oracle.Release(interfaces.XID(x.ID))
}

// Abort flushes x's log records durable and undoes its chain via
// recovery.Manager.UndoTransaction, the live counterpart to the UNDO pass a
// crash would otherwise run for this transaction (spec §4.5/§4.7: a live
// abort and a crash-time loser are undone the same way).
func (e *Engine) Abort(x *txn.Xct) error {
	if !x.LastLSN.Valid() {
		return e.oracle.Release(interfaces.XID(x.ID))
	}
	rec := &wal.Record{PrevLSN: x.LastLSN, Type: wal.TypeXctAbort, Flags: wal.FlagRedoable, XID: uint64(x.ID)}
	lsn, err := e.log.Append(rec)
	if err != nil {
		return err
	}
	if err := e.log.Flush(lsn); err != nil {
		return err
	}
	if err := e.rec.UndoTransaction(x.LastLSN); err != nil {
		return err
	}
	return e.oracle.Release(interfaces.XID(x.ID))
}

// Metrics exposes the engine's Prometheus registry for scraping.
func (e *Engine) Metrics() *metrics.Set { return e.metrics }

// Close stops background workers and closes the volume and log.
func (e *Engine) Close() error {
	e.cancel()
	_ = e.group.Wait()
	if err := e.log.Close(); err != nil {
		return err
	}
	return e.vol.Close()
}
