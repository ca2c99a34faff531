package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"code.cloudfoundry.org/clock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/score-agent/internal/models"
)

// Journal persists every submitted batch, live or simulated, in submission order.
// Keys are an 8-byte big-endian sequence so iteration order matches submission order.
type Journal struct {
	*leveldb.DB
	clock clock.Clock
	mutex *sync.Mutex
	seq   uint64
}

// OpenJournal opens the journal at path. An empty path keeps it in memory.
func OpenJournal(path string, clk clock.Clock) (*Journal, error) {
	if clk == nil {
		clk = clock.NewClock()
	}

	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open batch journal: %w", err)
	}

	j := &Journal{DB: db, clock: clk, mutex: &sync.Mutex{}}

	iter := db.NewIterator(nil, nil)
	if iter.Last() {
		j.seq = binary.BigEndian.Uint64(iter.Key())
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read batch journal: %w", err)
	}

	return j, nil
}

// Record appends a batch. SubmittedAt is stamped from the journal clock when unset.
func (j *Journal) Record(rec models.BatchRecord) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = j.clock.Now().UTC()
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode batch %s: %w", rec.TxID, err)
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, j.seq+1)
	if err := j.Put(key, value, nil); err != nil {
		return fmt.Errorf("failed to record batch %s: %w", rec.TxID, err)
	}
	j.seq++
	return nil
}

// Recent returns up to limit batches, newest first. limit <= 0 returns all of them.
func (j *Journal) Recent(limit int) ([]models.BatchRecord, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	records := make([]models.BatchRecord, 0)
	iter := j.NewIterator(nil, nil)
	defer iter.Release()

	for ok := iter.Last(); ok; ok = iter.Prev() {
		var rec models.BatchRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode batch journal entry: %w", err)
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}

	return records, iter.Error()
}

// Len returns the number of recorded batches
func (j *Journal) Len() uint64 {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.seq
}
