package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/conveyor/encoding"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ErrLogClosed is returned by every FeedLog operation after Close
var ErrLogClosed = errors.New("feed log is closed")

// Key layout. Records sort by big-endian sequence number.
const (
	recordPrefix = 'r' // r{seq:8}        -> framed FeedEvent
	cursorPrefix = 'c' // c{sink name}    -> seq:8
	lastSeqKey   = "s" // s               -> seq:8
)

const (
	feedMemTableSize = 16 << 20
	defaultReadLimit = 100
	// trimEvery is the number of cursor advances between trims
	trimEvery = 128
)

// FeedLog is the durable, ordered log of committed event changes that feed
// workers tail. Each sink keeps its own cursor; records every known sink has
// consumed are trimmed in the background.
type FeedLog struct {
	db  *pebble.DB
	dir string

	cursors *xsync.MapOf[string, uint64]

	lastSeq  atomic.Uint64
	appendMu sync.Mutex

	advances atomic.Uint64
	trimming atomic.Bool
	trimMu   sync.Mutex
	trimWg   sync.WaitGroup

	closed atomic.Bool
}

// OpenFeedLog opens or creates the feed log under dataDir
func OpenFeedLog(dataDir string) (*FeedLog, error) {
	dir := filepath.Join(dataDir, "feed_log")

	db, err := pebble.Open(dir, &pebble.Options{
		MemTableSize:          feedMemTableSize,
		L0CompactionThreshold: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open feed log at %s: %w", dir, err)
	}

	fl := &FeedLog{
		db:      db,
		dir:     dir,
		cursors: xsync.NewMapOf[string, uint64](),
	}

	if err := fl.load(); err != nil {
		db.Close()
		return nil, err
	}
	return fl, nil
}

// load restores the last sequence number and every persisted cursor
func (fl *FeedLog) load() error {
	seq, err := fl.getUint64([]byte(lastSeqKey))
	if err != nil {
		return fmt.Errorf("failed to load sequence number: %w", err)
	}
	fl.lastSeq.Store(seq)

	lower := []byte{cursorPrefix}
	iter, err := fl.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: []byte{cursorPrefix + 1},
	})
	if err != nil {
		return fmt.Errorf("failed to load cursors: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[1:])
		val := iter.Value()
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: %d bytes", name, len(val))
		}
		fl.cursors.Store(name, binary.BigEndian.Uint64(val))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("failed to load cursors: %w", err)
	}

	if n := fl.cursors.Size(); n > 0 {
		log.Info().Int("cursors", n).Uint64("last_seq", seq).Msg("Loaded feed log")
	}
	return nil
}

func (fl *FeedLog) getUint64(key []byte) (uint64, error) {
	val, closer, err := fl.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid value length %d for key %q", len(val), key)
	}
	return binary.BigEndian.Uint64(val), nil
}

// Append writes events in one batch, assigning consecutive sequence numbers in place
func (fl *FeedLog) Append(events []FeedEvent) error {
	if len(events) == 0 {
		return nil
	}
	if fl.closed.Load() {
		return ErrLogClosed
	}

	fl.appendMu.Lock()
	defer fl.appendMu.Unlock()

	batch := fl.db.NewBatch()
	defer batch.Close()

	seq := fl.lastSeq.Load()
	for i := range events {
		seq++
		events[i].SeqNum = seq

		val, err := encoding.MarshalFramed(&events[i])
		if err != nil {
			return fmt.Errorf("failed to encode feed record: %w", err)
		}
		if err := batch.Set(recordKey(seq), val, nil); err != nil {
			return fmt.Errorf("failed to stage feed record: %w", err)
		}
	}

	if err := batch.Set([]byte(lastSeqKey), uint64Bytes(seq), nil); err != nil {
		return fmt.Errorf("failed to stage sequence number: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit feed records: %w", err)
	}

	// Readers only see the new sequence once the batch is durable
	fl.lastSeq.Store(seq)
	return nil
}

// ReadFrom returns up to limit records with a sequence number above cursor
func (fl *FeedLog) ReadFrom(cursor uint64, limit int) ([]FeedEvent, error) {
	if fl.closed.Load() {
		return nil, ErrLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	iter, err := fl.db.NewIter(&pebble.IterOptions{
		LowerBound: recordKey(cursor + 1),
		UpperBound: []byte{recordPrefix + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]FeedEvent, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		var ev FeedEvent
		if err := encoding.UnmarshalFramed(iter.Value(), &ev); err != nil {
			log.Warn().Err(err).Uint64("seq", keySeq(iter.Key())).Msg("Skipping unreadable feed record")
			continue
		}
		events = append(events, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return events, nil
}

// LastSeq returns the sequence number of the newest record
func (fl *FeedLog) LastSeq() uint64 {
	return fl.lastSeq.Load()
}

// Cursor returns the last sequence number sinkName has handled, 0 for a new sink
func (fl *FeedLog) Cursor(sinkName string) (uint64, error) {
	if fl.closed.Load() {
		return 0, ErrLogClosed
	}
	cursor, _ := fl.cursors.Load(sinkName)
	return cursor, nil
}

// AdvanceCursor durably records that sinkName has handled everything up to seq
func (fl *FeedLog) AdvanceCursor(sinkName string, seq uint64) error {
	if fl.closed.Load() {
		return ErrLogClosed
	}

	if err := fl.db.Set(cursorKey(sinkName), uint64Bytes(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist cursor for %s: %w", sinkName, err)
	}
	fl.cursors.Store(sinkName, seq)

	if fl.advances.Add(1)%trimEvery == 0 && fl.trimming.CompareAndSwap(false, true) {
		fl.trimWg.Add(1)
		go func() {
			defer fl.trimWg.Done()
			defer fl.trimming.Store(false)
			fl.Trim()
		}()
	}
	return nil
}

// Retain drops the cursors of sinks not in names so removed sinks stop pinning records
func (fl *FeedLog) Retain(names []string) error {
	if fl.closed.Load() {
		return ErrLogClosed
	}

	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}

	var stale []string
	fl.cursors.Range(func(name string, _ uint64) bool {
		if !keep[name] {
			stale = append(stale, name)
		}
		return true
	})

	for _, name := range stale {
		if err := fl.db.Delete(cursorKey(name), pebble.Sync); err != nil {
			return fmt.Errorf("failed to drop cursor for %s: %w", name, err)
		}
		fl.cursors.Delete(name)
		log.Info().Str("sink", name).Msg("Dropped cursor of removed feed sink")
	}
	return nil
}

// Trim deletes records every known sink has handled and returns the new floor
func (fl *FeedLog) Trim() uint64 {
	fl.trimMu.Lock()
	defer fl.trimMu.Unlock()

	if fl.closed.Load() || fl.cursors.Size() == 0 {
		return 0
	}

	floor := ^uint64(0)
	fl.cursors.Range(func(_ string, cursor uint64) bool {
		floor = min(floor, cursor)
		return true
	})
	if floor == 0 {
		return 0
	}

	if err := fl.db.DeleteRange(recordKey(0), recordKey(floor+1), pebble.NoSync); err != nil {
		log.Warn().Err(err).Uint64("floor", floor).Msg("Failed to trim feed log")
		return 0
	}

	log.Debug().Uint64("floor", floor).Msg("Trimmed feed log")
	return floor
}

// Close waits for a running trim and closes the store
func (fl *FeedLog) Close() error {
	if !fl.closed.CompareAndSwap(false, true) {
		return ErrLogClosed
	}

	fl.trimWg.Wait()
	fl.trimMu.Lock()
	defer fl.trimMu.Unlock()

	return fl.db.Close()
}

func recordKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = recordPrefix
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func keySeq(key []byte) uint64 {
	if len(key) != 9 {
		return 0
	}
	return binary.BigEndian.Uint64(key[1:])
}

func cursorKey(sinkName string) []byte {
	return append([]byte{cursorPrefix}, sinkName...)
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
