package projection

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots") // name -> {sequence, taken_at} JSON

type snapshotRecord struct {
	Sequence uint64    `json:"sequence"`
	TakenAt  time.Time `json:"taken_at"`
}

// SnapshotStore is the bbolt-backed durable index from a named snapshot to
// the log sequence it was taken at, mirroring pkg/eventlog's own
// index.go: a materialized lookup kept so `/snapshots/<name>` doesn't need
// to re-scan the whole log to find which SNAPSHOT_TAKEN event a name
// refers to.
type SnapshotStore struct {
	db *bolt.DB
}

// OpenSnapshotStore opens (creating if necessary) the snapshot index at
// path.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0o640, nil)
	if err != nil {
		return nil, fmt.Errorf("projection: open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// Put records that name was taken at sequence/takenAt. A later Put for the
// same name overwrites it, since SNAPSHOT_TAKEN events are append-only but
// a name is expected to be reused to mean "the latest snapshot by this
// name" rather than versioned.
func (s *SnapshotStore) Put(name string, sequence uint64, takenAt time.Time) error {
	body, err := json.Marshal(snapshotRecord{Sequence: sequence, TakenAt: takenAt})
	if err != nil {
		return fmt.Errorf("projection: marshal snapshot record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(name), body)
	})
}

// Get looks up name's recorded sequence and timestamp.
func (s *SnapshotStore) Get(name string) (sequence uint64, takenAt time.Time, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(name))
		if v == nil {
			return nil
		}
		var rec snapshotRecord
		if uerr := json.Unmarshal(v, &rec); uerr != nil {
			return uerr
		}
		sequence, takenAt, ok = rec.Sequence, rec.TakenAt, true
		return nil
	})
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("projection: get snapshot %q: %w", name, err)
	}
	return sequence, takenAt, ok, nil
}

// List returns every recorded snapshot name.
func (s *SnapshotStore) List() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("projection: list snapshots: %w", err)
	}
	return names, nil
}
