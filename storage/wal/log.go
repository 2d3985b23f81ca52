// Package wal implements the write-ahead log (spec §4.2, §4.6): LSN
// assignment, the append buffer, group-commit flushing, and the durable
// record types the buffer pool and recovery passes replay. The append/flush
// split and the per-page LSN chain follow the teacher's latch discipline
// (a mutex guarding short critical sections, with the slow I/O done by
// whichever caller invokes Flush; there is no background goroutine) even
// though the teacher itself had no log of its own
// to speak of — this package is grown from the ancestor bufmgr's file I/O
// plus the logging conventions the rest of the retrieved pack uses.
package wal

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/foster-engine/foster/metrics"
	"github.com/foster-engine/foster/storage/ids"
)

// Record is one durable log record: a fixed header plus an opaque payload
// whose shape is defined by Type (see record.go for the concrete btree
// record types spec §4.6 enumerates).
type Record struct {
	LSN       ids.LSN
	PrevLSN   ids.LSN // previous record by the same transaction, for UNDO chaining
	PageLSN   ids.LSN // page_lsn_prev: previous record touching the same page
	Type      Type
	Flags     Flags
	PageID    ids.PageID
	XID       uint64
	Payload   []byte
}

// Flags classifies a record the way spec §4.6 does: UNDO-able, REDO-able,
// touches multiple pages, carries logical (not physical) redo, is itself a
// compensation record, or is part of an SSX (single-log system transaction).
type Flags uint8

const (
	FlagRedoable Flags = 1 << iota
	FlagUndoable
	FlagMultiPage
	FlagLogical
	FlagCompensation
	FlagSSX
	FlagRollback
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

const recordHeaderSize = 8 + 8 + 8 + 2 + 1 + 8 + 8 + 4 // lsn,prev,pagelsn,type,flags,pageid,xid,payloadlen

// Marshal serializes a Record for the log file.
func (r *Record) Marshal() []byte {
	buf := make([]byte, recordHeaderSize+len(r.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.LSN))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.PrevLSN))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.PageLSN))
	binary.LittleEndian.PutUint16(buf[24:26], uint16(r.Type))
	buf[26] = byte(r.Flags)
	binary.LittleEndian.PutUint64(buf[27:35], uint64(r.PageID))
	binary.LittleEndian.PutUint64(buf[35:43], r.XID)
	binary.LittleEndian.PutUint32(buf[43:47], uint32(len(r.Payload)))
	copy(buf[recordHeaderSize:], r.Payload)
	return buf
}

// Unmarshal is Marshal's inverse. It returns the number of bytes consumed.
func Unmarshal(buf []byte) (*Record, int, error) {
	if len(buf) < recordHeaderSize {
		return nil, 0, errors.New("wal: truncated record header")
	}
	r := &Record{
		LSN:     ids.LSN(binary.LittleEndian.Uint64(buf[0:8])),
		PrevLSN: ids.LSN(binary.LittleEndian.Uint64(buf[8:16])),
		PageLSN: ids.LSN(binary.LittleEndian.Uint64(buf[16:24])),
		Type:    Type(binary.LittleEndian.Uint16(buf[24:26])),
		Flags:   Flags(buf[26]),
		PageID:  ids.PageID(binary.LittleEndian.Uint64(buf[27:35])),
		XID:     binary.LittleEndian.Uint64(buf[35:43]),
	}
	n := binary.LittleEndian.Uint32(buf[43:47])
	total := recordHeaderSize + int(n)
	if len(buf) < total {
		return nil, 0, errors.New("wal: truncated record payload")
	}
	r.Payload = append([]byte(nil), buf[recordHeaderSize:total]...)
	return r, total, nil
}

// Manager is the log manager: it assigns LSNs, buffers appended records,
// and flushes them to the backing file in durable-LSN order. Multiple
// concurrent Flush(target) calls for overlapping targets are coalesced
// with singleflight, the same way one slow fsync should serve every
// transaction waiting on it (group commit).
type Manager struct {
	mu      sync.Mutex
	file    *os.File
	buf     []byte
	nextLSN uint64 // byte offset of the next record in the log file; an LSN pairs fileID with its low 32 bits
	fileID  uint32
	durable ids.LSN

	maxRecordBytes int // 0 means no cap (SetMaxRecordSize not called yet)

	flushGroup singleflight.Group
	metrics    *metrics.Set
	log        *zap.Logger
}

// Open opens (creating if needed) a log manager backed by path.
func Open(path string, m *metrics.Set, log *zap.Logger) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: open %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "wal: stat")
	}
	return &Manager{
		file:    f,
		fileID:  1, // keeps the LSN of a record at offset 0 above NullLSN
		nextLSN: uint64(fi.Size()),
		metrics: m,
		log:     log,
	}, nil
}

// SetMaxRecordSize caps the wire size (header + payload) Append will
// accept, the spec §4.2 boundary of "≤ 3×page_size minus header" a single
// record may not exceed; it is the emitter's job to split anything larger
// across several records. n <= 0 disables the cap.
func (m *Manager) SetMaxRecordSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxRecordBytes = n
}

// Append assigns rec an LSN, serializes it into the in-memory buffer, and
// returns the assigned LSN. It does not block on I/O (spec §4.2: "append
// never blocks on I/O; flush does"). It rejects rec outright, before
// assigning an LSN, if its marshaled size exceeds the configured cap.
func (m *Manager) Append(rec *Record) (ids.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	enc := rec.Marshal()
	if m.maxRecordBytes > 0 && len(enc) > m.maxRecordBytes {
		return ids.NullLSN, errors.Errorf("wal: record of %d bytes exceeds max record size %d", len(enc), m.maxRecordBytes)
	}

	lsn := ids.NewLSN(m.fileID, uint32(m.nextLSN))
	rec.LSN = lsn
	// re-stamp the LSN field now that it's known; Marshal above only needed
	// the length, so recompute the encoding with the real LSN in place.
	enc = rec.Marshal()
	m.buf = append(m.buf, enc...)
	m.nextLSN += uint64(len(enc))
	if m.metrics != nil {
		m.metrics.LogAppends.Inc()
	}
	return lsn, nil
}

// Flush ensures every record with LSN <= target is durable, coalescing
// concurrent requests for the same or a lower target into one fsync.
func (m *Manager) Flush(target ids.LSN) error {
	_, err, _ := m.flushGroup.Do("flush", func() (interface{}, error) {
		m.mu.Lock()
		pending := m.buf
		m.buf = nil
		cur := ids.NewLSN(m.fileID, uint32(m.nextLSN))
		m.mu.Unlock()

		if len(pending) > 0 {
			if _, err := m.file.Write(pending); err != nil {
				return nil, errors.Wrap(err, "wal: write")
			}
		}
		if err := m.file.Sync(); err != nil {
			return nil, errors.Wrap(err, "wal: fsync")
		}
		m.mu.Lock()
		if ids.Less(m.durable, cur) {
			m.durable = cur
		}
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.LogFlushes.Inc()
			m.metrics.DurableLSN.Set(float64(cur))
		}
		if m.log != nil {
			m.log.Debug("wal flush", zap.Uint64("durable_lsn", uint64(cur)))
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	durable := m.durable
	m.mu.Unlock()
	if ids.Less(durable, target) {
		// someone else's flush landed short of target; retry,
		// synchronously, until a flush covers target, the way group
		// commit degrades to a direct fsync when the coalesced batch
		// wasn't enough.
		return m.Flush(target)
	}
	return nil
}

// Durable returns the highest LSN known to be on stable storage.
func (m *Manager) Durable() ids.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durable
}

func (m *Manager) Close() error {
	if err := m.Flush(ids.NewLSN(m.fileID, uint32(m.nextLSN))); err != nil {
		return err
	}
	return m.file.Close()
}
