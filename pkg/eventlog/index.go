package eventlog

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents = []byte("events")     // sequence(8 BE) -> recordBody JSON
	bucketMeta   = []byte("meta")       // fixed keys -> values
	bucketByAgg  = []byte("by_aggregate") // aggregate_id -> sequences, packed 8-byte big-endian
	bucketByKind = []byte("by_kind")    // kind -> sequences, packed 8-byte big-endian
)

const (
	metaKeyLastNanos    = "last_monotonic_ns"
	metaKeyLastSequence = "last_sequence"
)

// index is the bbolt-backed materialized view of the log: a durable copy of
// every accepted event (keyed by sequence), from which query() is served
// without re-reading segment files, plus secondary sequence lists by
// aggregate and by kind that are written on every append but not read by
// query(). It also persists the id generator's high-water mark across
// restarts.
type index struct {
	mu sync.Mutex
	db *bolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bolt.Open(path, 0o640, nil)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketMeta, bucketByAgg, bucketByKind} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

func seqKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// record durably stores body under sequence and appends sequence to the
// aggregate/kind secondary indexes, all within one bbolt transaction.
func (ix *index) record(seq uint64, aggregateID string, kind Kind, body []byte) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEvents).Put(seqKey(seq), body); err != nil {
			return err
		}
		if err := appendSeq(tx.Bucket(bucketByAgg), aggregateID, seq); err != nil {
			return err
		}
		if err := appendSeq(tx.Bucket(bucketByKind), string(kind), seq); err != nil {
			return err
		}
		return nil
	})
}

func appendSeq(b *bolt.Bucket, key string, seq uint64) error {
	existing := b.Get([]byte(key))
	seqs := decodeSeqList(existing)
	seqs = append(seqs, seq)
	return b.Put([]byte(key), encodeSeqList(seqs))
}

func encodeSeqList(seqs []uint64) []byte {
	buf := make([]byte, 8*len(seqs))
	for i, s := range seqs {
		binary.BigEndian.PutUint64(buf[i*8:], s)
	}
	return buf
}

func decodeSeqList(data []byte) []uint64 {
	n := len(data) / 8
	seqs := make([]uint64, n)
	for i := 0; i < n; i++ {
		seqs[i] = binary.BigEndian.Uint64(data[i*8 : i*8+8])
	}
	return seqs
}

func (ix *index) sequencesByAggregate(aggregateID string) ([]uint64, error) {
	var seqs []uint64
	err := ix.db.View(func(tx *bolt.Tx) error {
		seqs = decodeSeqList(tx.Bucket(bucketByAgg).Get([]byte(aggregateID)))
		return nil
	})
	return seqs, err
}

func (ix *index) sequencesByKind(kind Kind) ([]uint64, error) {
	var seqs []uint64
	err := ix.db.View(func(tx *bolt.Tx) error {
		seqs = decodeSeqList(tx.Bucket(bucketByKind).Get([]byte(kind)))
		return nil
	})
	return seqs, err
}

// scan walks the events bucket in sequence order, invoking fn for each
// stored body. fn returning false stops the scan early.
func (ix *index) scan(fn func(seq uint64, body []byte) bool) error {
	return ix.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !fn(binary.BigEndian.Uint64(k), v) {
				break
			}
		}
		return nil
	})
}

func (ix *index) get(seq uint64) ([]byte, bool, error) {
	var body []byte
	err := ix.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEvents).Get(seqKey(seq))
		if v != nil {
			body = append([]byte(nil), v...)
		}
		return nil
	})
	return body, body != nil, err
}

func (ix *index) putMetaInt(key string, value int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db.Update(func(tx *bolt.Tx) error {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(value))
		return tx.Bucket(bucketMeta).Put([]byte(key), b[:])
	})
}

func (ix *index) getMetaInt(key string) (int64, bool, error) {
	var value int64
	var ok bool
	err := ix.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(key))
		if v == nil {
			return nil
		}
		ok = true
		value = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return value, ok, err
}

// sortedUnique returns seqs sorted ascending with duplicates removed.
func sortedUnique(seqs []uint64) []uint64 {
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	out := seqs[:0]
	var last uint64
	first := true
	for _, s := range seqs {
		if first || s != last {
			out = append(out, s)
			last = s
			first = false
		}
	}
	return out
}
